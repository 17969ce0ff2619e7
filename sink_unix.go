//go:build unix

/*
   Copyright Mycophonic.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package streamer

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// fdWriter issues one write(2) per call, so short writes reach the caller.
type fdWriter struct {
	file *os.File
	fd   int
}

func newFDWriter(file *os.File) RawWriter {
	return &fdWriter{file: file, fd: int(file.Fd())} //nolint:gosec // File descriptors fit int.
}

func (w *fdWriter) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(w.fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		return max(n, 0), err
	}
}
