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

package codec

import "fmt"

// InitStatus reports the outcome of Encoder.Init.
type InitStatus int

// Init status codes.
const (
	InitStatusOK InitStatus = iota
	InitStatusEncoderError
	InitStatusInvalidNumberOfChannels
	InitStatusInvalidBitsPerSample
	InitStatusInvalidSampleRate
	InitStatusInvalidBlockSize
	InitStatusInvalidCompressionLevel
	InitStatusNotStreamable
	InitStatusAlreadyInitialized
)

//nolint:gochecknoglobals
var initStatusNames = [...]string{
	InitStatusOK:                      "OK",
	InitStatusEncoderError:            "ENCODER_ERROR",
	InitStatusInvalidNumberOfChannels: "INVALID_NUMBER_OF_CHANNELS",
	InitStatusInvalidBitsPerSample:    "INVALID_BITS_PER_SAMPLE",
	InitStatusInvalidSampleRate:       "INVALID_SAMPLE_RATE",
	InitStatusInvalidBlockSize:        "INVALID_BLOCK_SIZE",
	InitStatusInvalidCompressionLevel: "INVALID_COMPRESSION_LEVEL",
	InitStatusNotStreamable:           "NOT_STREAMABLE",
	InitStatusAlreadyInitialized:      "ALREADY_INITIALIZED",
}

func (s InitStatus) String() string {
	if s < 0 || int(s) >= len(initStatusNames) {
		return fmt.Sprintf("InitStatus(%d)", int(s))
	}

	return initStatusNames[s]
}

// State is the running state of an Encoder.
type State int

// Encoder states. Every state other than StateOK and StateUninitialized is terminal.
const (
	StateUninitialized State = iota
	StateOK
	StateFinished
	StateVerifyMismatch
	StateClientError
	StateIOError
	StateFramingError
)

//nolint:gochecknoglobals
var stateNames = [...]string{
	StateUninitialized:  "UNINITIALIZED",
	StateOK:             "OK",
	StateFinished:       "FINISHED",
	StateVerifyMismatch: "VERIFY_MISMATCH_IN_AUDIO_DATA",
	StateClientError:    "CLIENT_ERROR",
	StateIOError:        "IO_ERROR",
	StateFramingError:   "FRAMING_ERROR",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}

	return stateNames[s]
}

// InitError is returned by Encoder.Init when the encoder rejects its settings.
type InitError struct {
	Status InitStatus
	Err    error
}

func (e *InitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("encoder init: %s: %v", e.Status, e.Err)
	}

	return "encoder init: " + e.Status.String()
}

func (e *InitError) Unwrap() error { return e.Err }
