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

import "fmt"

// BitDepth represents the bit depth of PCM audio samples.
type BitDepth uint

// Standard PCM bit depths.
const (
	Depth4  BitDepth = 4
	Depth8  BitDepth = 8
	Depth12 BitDepth = 12
	Depth16 BitDepth = 16
	Depth20 BitDepth = 20
	Depth24 BitDepth = 24
	Depth32 BitDepth = 32
)

// BytesPerSample returns the number of bytes needed to store one sample.
// Sub-byte depths (4-bit) are stored in 1 byte (sign-extended).
// 12-bit samples are stored in 2 bytes (sign-extended to 16-bit).
// 20-bit samples are stored in 3 bytes (sign-extended to 24-bit).
func (d BitDepth) BytesPerSample() int {
	switch d {
	case Depth4, Depth8:
		return 1
	case Depth12, Depth16:
		return 2
	case Depth20, Depth24:
		return 3
	case Depth32:
		return 4
	default:
		panic(fmt.Sprintf("streamer: BytesPerSample called with unsupported bit depth %d", d))
	}
}

// Max returns the largest signed sample value representable at this depth.
func (d BitDepth) Max() int32 { return int32(int64(1)<<(d-1) - 1) } //nolint:gosec // d is 4-32.

// Min returns the smallest signed sample value representable at this depth.
func (d BitDepth) Min() int32 { return int32(-(int64(1) << (d - 1))) } //nolint:gosec // d is 4-32.

// StreamInfo describes an opened PCM stream. It does not change for the lifetime of an encode.
type StreamInfo struct {
	Channels   int
	BitDepth   BitDepth
	SampleRate int
	// TotalFrames is the frame count declared by the source header.
	TotalFrames int64
}

// Samples returns the number of interleaved samples in the stream.
func (s StreamInfo) Samples() int64 { return s.TotalFrames * int64(s.Channels) }

// Length returns the duration of the stream in seconds.
func (s StreamInfo) Length() float64 {
	if s.SampleRate <= 0 {
		return 0
	}

	return float64(s.TotalFrames) / float64(s.SampleRate)
}

// SamplesPerChunk returns the number of frames in a chunk of intervalMS milliseconds,
// rounded to the nearest frame.
func SamplesPerChunk(sampleRate, intervalMS int) int {
	return int((int64(sampleRate)*int64(intervalMS) + 500) / 1000) //nolint:gosec // Bounded by rate and interval.
}
