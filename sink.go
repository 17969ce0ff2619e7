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
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

// StdoutPath is the output path selecting standard output.
const StdoutPath = "-"

var errTerminal = errors.New("refusing to write a binary stream to a terminal")

// RawWriter performs a single write that may transfer fewer bytes than requested.
type RawWriter interface {
	Write(p []byte) (int, error)
}

// Sink delivers encoder output to a file or to standard output. Every Write either transfers the
// whole buffer, retrying partial writes, or fails with a *WriteError.
type Sink struct {
	name    string
	raw     RawWriter
	file    *os.File
	stdout  bool
	written int64
	closed  bool
}

// OpenSink opens path for writing, truncating it, or selects standard output when path is "-".
func OpenSink(path string) (*Sink, error) {
	if path == StdoutPath {
		fd := os.Stdout.Fd()
		if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
			return nil, fmt.Errorf("%w: stdout: %w", ErrSinkOpen, errTerminal)
		}

		return &Sink{name: "stdout", raw: newFDWriter(os.Stdout), file: os.Stdout, stdout: true}, nil
	}

	//nolint:gosec // Output path is user supplied by design.
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSinkOpen, err)
	}

	return &Sink{name: path, raw: newFDWriter(file), file: file}, nil
}

// NewSink wraps an arbitrary destination. name is used in error messages. The caller keeps
// ownership of raw; Close does not close it.
func NewSink(raw RawWriter, name string) *Sink {
	return &Sink{name: name, raw: raw}
}

// Write writes all of p, looping over partial writes. It returns len(p) or a *WriteError.
func (s *Sink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, newWriteError(s.name, os.ErrClosed)
	}

	done := 0
	for done < len(p) {
		n, err := s.raw.Write(p[done:])
		if n > 0 {
			done += n
			s.written += int64(n)
		}

		if err != nil {
			return done, newWriteError(s.name, err)
		}

		if n <= 0 {
			return done, newWriteError(s.name, io.ErrNoProgress)
		}
	}

	return done, nil
}

// Name returns the destination path, or "stdout".
func (s *Sink) Name() string { return s.name }

// IsStdout reports whether the sink writes to standard output.
func (s *Sink) IsStdout() bool { return s.stdout }

// Written returns the number of bytes delivered so far.
func (s *Sink) Written() int64 { return s.written }

// Close closes the output file. Standard output and destinations passed to NewSink are left
// open. Calling Close more than once is a no-op.
func (s *Sink) Close() error {
	if s.closed {
		return nil
	}

	s.closed = true

	if s.file == nil || s.stdout {
		return nil
	}

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", s.name, err)
	}

	return nil
}
