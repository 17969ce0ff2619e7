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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/riff"
	"github.com/go-audio/wav"
)

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE

	// Samples decoded per read call.
	readBlockFrames = 4096
	// 8-bit WAV samples are unsigned and centred on this value.
	unsigned8Bias = 128

	fmtMinSize        = 16
	fmtExtensibleSize = 40
	fmtMaxSize        = 1024
)

// subFormatPCM is KSDATAFORMAT_SUBTYPE_PCM as stored on disk.
//
//nolint:gochecknoglobals
var subFormatPCM = [16]byte{
	0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00,
	0x80, 0x00, 0x00, 0xAA, 0x00, 0x38, 0x9B, 0x71,
}

var (
	errNotWAVE   = errors.New("not a RIFF/WAVE file")
	errNoFormat  = errors.New("data chunk before fmt chunk")
	errBadFormat = errors.New("malformed fmt chunk")
)

// Source reads a PCM WAV file. Samples are returned as signed 32-bit values left-justified to the
// full 32-bit range, whatever the bit depth of the file.
type Source struct {
	path string
	file *os.File
	dec  *wav.Decoder
	info StreamInfo
}

// OpenSource opens and parses the WAV file at path. The returned Source must be closed.
func OpenSource(path string) (*Source, error) {
	file, err := os.Open(path) //nolint:gosec // Input path is user supplied by design.
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceOpen, err)
	}

	src, err := newSource(path, file)
	if err != nil {
		_ = file.Close()

		return nil, err
	}

	return src, nil
}

func newSource(path string, file *os.File) (*Source, error) {
	layout, err := scanChunks(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSourceOpen, path, err)
	}

	switch layout.formatTag {
	case wavFormatPCM:
	case wavFormatExtensible:
		if layout.subFormat != subFormatPCM {
			return nil, fmt.Errorf("%w: %s: unsupported extensible sub-format % x", ErrSourceOpen, path, layout.subFormat)
		}
	default:
		return nil, fmt.Errorf("%w: %s: unsupported WAV format tag %#x", ErrSourceOpen, path, layout.formatTag)
	}

	dec := wav.NewDecoder(file)

	dec.ReadInfo()

	if err := dec.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSourceOpen, path, err)
	}

	depth := BitDepth(dec.BitDepth)
	switch depth {
	case Depth8, Depth16, Depth24, Depth32:
	default:
		return nil, fmt.Errorf("%w: %s: unsupported bit depth %d", ErrSourceOpen, path, dec.BitDepth)
	}

	if dec.NumChans == 0 || dec.SampleRate == 0 {
		return nil, fmt.Errorf("%w: %s: %d channels at %d Hz", ErrSourceOpen, path, dec.NumChans, dec.SampleRate)
	}

	if err := dec.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("%w: %s: locating PCM data: %w", ErrSourceOpen, path, err)
	}

	// The decoder rounds the data chunk up to an even size, so frames come from the raw size.
	frameSize := int64(dec.NumChans) * int64(depth.BytesPerSample())
	frames := layout.dataSize / frameSize

	if need := frames * frameSize; need > layout.available {
		return nil, fmt.Errorf("%w: %s: header declares %d bytes of audio, file holds %d",
			ErrShortRead, path, need, layout.available)
	}

	return &Source{
		path: path,
		file: file,
		dec:  dec,
		info: StreamInfo{
			Channels:    int(dec.NumChans),
			BitDepth:    depth,
			SampleRate:  int(dec.SampleRate),
			TotalFrames: frames,
		},
	}, nil
}

// wavLayout holds what a walk over the RIFF chunks learns, using the sizes exactly as declared.
type wavLayout struct {
	formatTag uint16
	subFormat [16]byte
	dataSize  int64
	// available is the number of bytes present in the file after the data chunk header.
	available int64
}

// scanChunks walks the RIFF chunks up to the data chunk without moving the file offset.
func scanChunks(file *os.File) (wavLayout, error) {
	var layout wavLayout

	stat, err := file.Stat()
	if err != nil {
		return layout, err
	}

	section := io.NewSectionReader(file, 0, stat.Size())
	parser := riff.New(section)

	id, _, err := parser.IDnSize()
	if err != nil {
		return layout, fmt.Errorf("reading RIFF header: %w", err)
	}

	var form [4]byte
	if err := binary.Read(section, binary.BigEndian, &form); err != nil {
		return layout, fmt.Errorf("reading RIFF form type: %w", err)
	}

	if id != riff.RiffID || form != riff.WavFormatID {
		return layout, errNotWAVE
	}

	sawFormat := false

	for {
		id, size, err := parser.IDnSize()
		if err != nil {
			return layout, fmt.Errorf("looking for the data chunk: %w", err)
		}

		switch id {
		case riff.FmtID:
			if err := layout.readFormat(section, size); err != nil {
				return layout, err
			}

			sawFormat = true
		case riff.DataFormatID:
			if !sawFormat {
				return layout, errNoFormat
			}

			offset, err := section.Seek(0, io.SeekCurrent)
			if err != nil {
				return layout, err
			}

			layout.dataSize = int64(size)
			layout.available = stat.Size() - offset

			return layout, nil
		default:
			if _, err := section.Seek(int64(size)+int64(size&1), io.SeekCurrent); err != nil {
				return layout, err
			}
		}
	}
}

// readFormat reads the format tag and, for WAVE_FORMAT_EXTENSIBLE, the sub-format GUID.
func (l *wavLayout) readFormat(r io.Reader, size uint32) error {
	if size < fmtMinSize || size > fmtMaxSize {
		return fmt.Errorf("%w: fmt chunk of %d bytes", errBadFormat, size)
	}

	body := make([]byte, size+size&1)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("reading fmt chunk: %w", err)
	}

	l.formatTag = binary.LittleEndian.Uint16(body)

	if l.formatTag == wavFormatExtensible {
		if size < fmtExtensibleSize {
			return fmt.Errorf("%w: extensible fmt chunk of %d bytes", errBadFormat, size)
		}

		copy(l.subFormat[:], body[24:40])
	}

	return nil
}

// Info returns the stream parameters declared by the WAV header.
func (s *Source) Info() StreamInfo { return s.info }

// ReadAll fills dst, which must hold exactly Info().Samples() values, with interleaved samples.
// It fails with ErrShortRead when the file holds fewer frames than its header declares.
func (s *Source) ReadAll(dst []int32) error {
	if s.dec == nil {
		return fmt.Errorf("%w: %s: source closed", ErrShortRead, s.path)
	}

	if int64(len(dst)) != s.info.Samples() {
		return fmt.Errorf("%w: %s: buffer holds %d samples, stream has %d",
			ErrShortRead, s.path, len(dst), s.info.Samples())
	}

	nChannels := s.info.Channels
	shift := 32 - uint(s.info.BitDepth)
	buf := &audio.IntBuffer{
		Format:         s.dec.Format(),
		Data:           make([]int, readBlockFrames*nChannels),
		SourceBitDepth: int(s.info.BitDepth),
	}

	filled := 0
	for filled < len(dst) {
		want := min(len(buf.Data), len(dst)-filled)
		buf.Data = buf.Data[:want]

		n, err := s.dec.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: %s: %w", ErrShortRead, s.path, err)
		}

		for _, v := range buf.Data[:n] {
			if s.info.BitDepth == Depth8 {
				v -= unsigned8Bias
			}

			dst[filled] = int32(v) << shift //nolint:gosec // v fits the declared bit depth.
			filled++
		}

		if n == 0 {
			break
		}
	}

	if got := int64(filled / nChannels); got != s.info.TotalFrames {
		return fmt.Errorf("%w: %s: read %d of %d frames", ErrShortRead, s.path, got, s.info.TotalFrames)
	}

	return nil
}

// Close releases the file. Calling Close more than once is a no-op.
func (s *Source) Close() error {
	if s.file == nil {
		return nil
	}

	err := s.file.Close()
	s.file = nil
	s.dec = nil

	if err != nil {
		return fmt.Errorf("closing %s: %w", s.path, err)
	}

	return nil
}
