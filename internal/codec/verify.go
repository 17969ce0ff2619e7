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

import (
	"bytes"
	"crypto/md5" //nolint:gosec // MD5 is the FLAC audio signature, not a security primitive.
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	goflac "github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
)

// ErrReadFailure is returned when reading a FLAC stream fails.
var ErrReadFailure = errors.New("read failure")

// Format describes a decoded FLAC stream.
type Format struct {
	SampleRate    int
	BitsPerSample int
	Channels      int
	// TotalSamples is the per-channel sample count declared in the stream header.
	TotalSamples uint64
}

// Decode reads a whole FLAC stream and returns its samples interleaved.
func Decode(r io.Reader) ([]int32, Format, error) {
	var samples []int32

	format, err := decodeFrames(r, func(f *frame.Frame) error {
		samples = interleave(samples, f)

		return nil
	})
	if err != nil {
		return nil, Format{}, err
	}

	return samples, format, nil
}

// decodeFrames parses a FLAC stream and calls fn for every decoded audio frame.
func decodeFrames(r io.Reader, fn func(f *frame.Frame) error) (Format, error) {
	stream, err := goflac.New(r)
	if err != nil {
		return Format{}, fmt.Errorf("%w: %w", ErrReadFailure, err)
	}
	defer stream.Close()

	info := stream.Info
	format := Format{
		SampleRate:    int(info.SampleRate),
		BitsPerSample: int(info.BitsPerSample),
		Channels:      int(info.NChannels),
		TotalSamples:  info.NSamples,
	}

	for {
		audioFrame, parseErr := stream.ParseNext()
		if errors.Is(parseErr, io.EOF) {
			return format, nil
		}

		if parseErr != nil {
			return format, fmt.Errorf("%w: %w", ErrReadFailure, parseErr)
		}

		if err := fn(audioFrame); err != nil {
			return format, err
		}
	}
}

// interleave appends the samples of a decoded frame to dst in interleaved order.
func interleave(dst []int32, f *frame.Frame) []int32 {
	blockSize := int(f.BlockSize)

	for i := range blockSize {
		for _, sub := range f.Subframes {
			dst = append(dst, sub.Samples[i])
		}
	}

	return dst
}

// verifyOutput decodes the bytes produced so far and compares them with the hashed input.
func (e *Encoder) verifyOutput() error {
	decodedHash := md5.New() //nolint:gosec // See import.
	decoded := uint64(0)

	var buf []byte

	_, err := decodeFrames(bytes.NewReader(e.verify.Bytes()), func(f *frame.Frame) error {
		buf = hashFrame(decodedHash, buf, f)
		decoded += uint64(f.BlockSize)

		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: decoding output: %w", ErrVerify, err)
	}

	if decoded != e.samplesIn {
		return fmt.Errorf("%w: decoded %d samples, encoded %d", ErrVerify, decoded, e.samplesIn)
	}

	if !bytes.Equal(decodedHash.Sum(nil), e.inputHash.Sum(nil)) {
		return fmt.Errorf("%w: decoded audio differs from input", ErrVerify)
	}

	return nil
}

// hashFrame feeds the frame samples to h using the same layout the input hash uses.
func hashFrame(h hash.Hash, buf []byte, f *frame.Frame) []byte {
	blockSize := int(f.BlockSize)
	nChannels := len(f.Subframes)
	need := blockSize * nChannels * 4

	if cap(buf) < need {
		buf = make([]byte, need)
	}

	buf = buf[:need]
	pos := 0

	for i := range blockSize {
		for _, sub := range f.Subframes {
			binary.LittleEndian.PutUint32(buf[pos:], uint32(sub.Samples[i])) //nolint:gosec // Bit reinterpretation.
			pos += 4
		}
	}

	_, _ = h.Write(buf)

	return buf
}
