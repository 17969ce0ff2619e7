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
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// generateWhiteNoise creates reproducible little-endian WAV PCM data. 8-bit data is unsigned,
// as WAV stores it.
func generateWhiteNoise(frames, bitDepth, channels int) []byte {
	numSamples := frames * channels
	bytesPerSample := bitDepth / 8

	buf := make([]byte, numSamples*bytesPerSample)

	// Use a simple PRNG for reproducibility.
	seed := uint64(0x12345678)

	for i := range numSamples {
		// xorshift64
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17

		offset := i * bytesPerSample

		switch bitDepth {
		case 8:
			buf[offset] = byte(seed % 256)
		case 16:
			val := int16((seed % 60000) - 30000)
			binary.LittleEndian.PutUint16(buf[offset:], uint16(val))
		case 24:
			val := int32((seed % 14000000) - 7000000)
			buf[offset] = byte(val)
			buf[offset+1] = byte(val >> 8)
			buf[offset+2] = byte(val >> 16)
		case 32:
			val := int32((seed % 1800000000) - 900000000)
			binary.LittleEndian.PutUint32(buf[offset:], uint32(val))
		default:
		}
	}

	return buf
}

// pcmSamples decodes WAV PCM bytes to signed native-depth samples.
func pcmSamples(pcm []byte, bitDepth int) []int32 {
	bytesPerSample := bitDepth / 8
	out := make([]int32, len(pcm)/bytesPerSample)

	for i := range out {
		b := pcm[i*bytesPerSample:]

		switch bitDepth {
		case 8:
			out[i] = int32(b[0]) - 128
		case 16:
			out[i] = int32(int16(binary.LittleEndian.Uint16(b)))
		case 24:
			s := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
			if s&0x800000 != 0 {
				s |= ^0xFFFFFF
			}

			out[i] = s
		case 32:
			out[i] = int32(binary.LittleEndian.Uint32(b))
		}
	}

	return out
}

// wavHeader returns a canonical 44-byte PCM WAV header declaring dataSize bytes of audio.
func wavHeader(dataSize, sampleRate, bitDepth, channels int) []byte {
	blockAlign := channels * bitDepth / 8
	byteRate := sampleRate * blockAlign

	var hdr [44]byte

	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+dataSize))
	copy(hdr[8:12], "WAVE")

	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(hdr[34:36], uint16(bitDepth))

	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(dataSize))

	return hdr[:]
}

// writeWAV writes pcm as a WAV file in a temporary directory and returns its path.
func writeWAV(t *testing.T, pcm []byte, sampleRate, bitDepth, channels int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), fmt.Sprintf("in_%dHz_%dbit_%dch.wav", sampleRate, bitDepth, channels))
	data := append(wavHeader(len(pcm), sampleRate, bitDepth, channels), pcm...)

	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write wav: %v", err)
	}

	return path
}

// testConfig returns a configuration encoding in to a file next to it.
func testConfig(t *testing.T, in string) Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.InFile = in
	cfg.OutFile = filepath.Join(t.TempDir(), "out.flac")
	cfg.Threads = 1

	return cfg
}

// encodeFile runs a full encode and returns the streamer for inspection.
func encodeFile(t *testing.T, cfg Config, opts ...Option) *Streamer {
	t.Helper()

	strm, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	t.Cleanup(func() { _ = strm.Close() })

	if err := strm.Encode(); err != nil {
		t.Fatalf("encode: %v", err)
	}

	return strm
}

// flacBinaryDecodeRaw decodes a FLAC file to raw PCM using the standalone flac binary.
func flacBinaryDecodeRaw(flacBin, srcPath string) ([]byte, error) {
	cmd := exec.Command(flacBin,
		"-d", "-f",
		"--force-raw-format",
		"--sign=signed",
		"--endian=little",
		"-o", "-",
		srcPath,
	)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("flac decode: %w\n%s", err, stderr.String())
	}

	return stdout.Bytes(), nil
}

// compareSamples requires an exact match and reports the first difference.
func compareSamples(t *testing.T, label string, expected, actual []int32) {
	t.Helper()

	if len(expected) != len(actual) {
		t.Errorf("%s: length mismatch: expected=%d, actual=%d", label, len(expected), len(actual))
	}

	for i := range min(len(expected), len(actual)) {
		if expected[i] != actual[i] {
			t.Errorf("%s: first difference at sample %d: expected=%d, actual=%d", label, i, expected[i], actual[i])

			return
		}
	}
}
