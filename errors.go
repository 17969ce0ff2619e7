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
	"syscall"
)

// Error kinds. Every error returned by this package matches at least one of these with errors.Is;
// a write failure inside the engine matches both its codec kind and ErrIOWrite.
var (
	ErrSourceOpen          = errors.New("cannot open PCM source")
	ErrShortRead           = errors.New("short read from PCM source")
	ErrSinkOpen            = errors.New("cannot open output")
	ErrCodecInit           = errors.New("codec initialization failed")
	ErrEncodeProcess       = errors.New("encoding chunk failed")
	ErrIOWrite             = errors.New("output write failed")
	ErrEncodeFinish        = errors.New("finishing stream failed")
	ErrConfigValidation    = errors.New("invalid configuration")
	ErrInternalConsistency = errors.New("internal consistency check failed")
	ErrState               = errors.New("invalid streamer state")
)

// CodecError reports a codec engine failure along with the engine status at the time.
type CodecError struct {
	// Kind is ErrCodecInit, ErrEncodeProcess or ErrEncodeFinish.
	Kind   error
	Op     string
	Status string
	Err    error
}

func (e *CodecError) Error() string {
	msg := fmt.Sprintf("%v: %s (engine status %s)", e.Kind, e.Op, e.Status)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *CodecError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}

	return []error{e.Kind, e.Err}
}

// WriteError reports a failed write to the output, with the OS error code when there is one.
type WriteError struct {
	Path  string
	Errno syscall.Errno
	Err   error
}

func newWriteError(path string, err error) *WriteError {
	werr := &WriteError{Path: path, Err: err}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		werr.Errno = errno
	}

	return werr
}

func (e *WriteError) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("%v: %s: errno %d: %s", ErrIOWrite, e.Path, int(e.Errno), e.Errno.Error())
	}

	return fmt.Sprintf("%v: %s: %v", ErrIOWrite, e.Path, e.Err)
}

func (e *WriteError) Unwrap() []error { return []error{ErrIOWrite, e.Err} }
