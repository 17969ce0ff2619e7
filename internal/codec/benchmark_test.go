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
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/mycophonic/agar/pkg/agar"
)

const (
	benchIterations = 3
	benchDuration   = 5 // seconds of audio
)

type benchFormat struct {
	Name       string
	SampleRate int
	BitDepth   int
	Channels   int
}

//nolint:gochecknoglobals
var benchFormats = []benchFormat{
	{"CD 44.1kHz/16bit", 44100, 16, 2},
	{"HiRes 96kHz/24bit", 96000, 24, 2},
}

// pcmToSamples converts little-endian signed PCM to interleaved samples.
func pcmToSamples(pcm []byte, bitDepth int) []int32 {
	width := bitDepth / 8
	out := make([]int32, len(pcm)/width)

	for i := range out {
		b := pcm[i*width:]

		switch width {
		case 2:
			out[i] = int32(int16(binary.LittleEndian.Uint16(b))) //nolint:gosec // Reinterpreting PCM bits.
		case 3:
			out[i] = int32(uint32(b[0])<<8|uint32(b[1])<<16|uint32(b[2])<<24) >> 8 //nolint:gosec // Sign extension.
		default:
			out[i] = int32(binary.LittleEndian.Uint32(b)) //nolint:gosec // Reinterpreting PCM bits.
		}
	}

	return out
}

//nolint:paralleltest // Benchmark must run sequentially for accurate timing.
func TestBenchmarkEncode(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping benchmark in short mode")
	}

	flacBin, flacBinErr := agar.LookFor("flac")
	tmpDir := t.TempDir()

	for _, bf := range benchFormats {
		t.Logf("=== %s ===", bf.Name)

		pcm := agar.GenerateWhiteNoise(bf.SampleRate, bf.BitDepth, bf.Channels, benchDuration)
		samples := pcmToSamples(pcm, bf.BitDepth)
		frames := len(samples) / bf.Channels

		for _, level := range []int{0, 5, 8} {
			settings := baseSettings(bf.Channels, bf.BitDepth, bf.SampleRate)
			settings.CompressionLevel = level
			settings.Threads = 4
			settings.TotalSamples = uint64(frames) //nolint:gosec // Positive.

			durations := make([]time.Duration, benchIterations)

			var size int

			for iter := range benchIterations {
				var buf bytes.Buffer

				start := time.Now()

				enc := New(&buf)
				if err := enc.Init(settings); err != nil {
					t.Fatalf("init: %v", err)
				}

				if err := enc.Process(samples, frames); err != nil {
					t.Fatalf("process: %v", err)
				}

				if err := enc.Finish(); err != nil {
					t.Fatalf("finish: %v", err)
				}

				durations[iter] = time.Since(start)
				size = buf.Len()
			}

			slices.Sort(durations)
			t.Logf("  level %d: median %s, %.1f%% ratio (%d bytes)",
				level, durations[len(durations)/2].Round(time.Millisecond),
				float64(size)/float64(len(pcm))*100, size)
		}

		if flacBinErr != nil {
			continue
		}

		srcPath := filepath.Join(tmpDir, fmt.Sprintf("src_%d_%d.raw", bf.SampleRate, bf.BitDepth))
		dstPath := filepath.Join(tmpDir, fmt.Sprintf("ref_%d_%d.flac", bf.SampleRate, bf.BitDepth))

		if err := os.WriteFile(srcPath, pcm, 0o600); err != nil {
			t.Fatalf("write source: %v", err)
		}

		start := time.Now()

		//nolint:gosec // Test binary path comes from agar.LookFor.
		cmd := exec.Command(flacBin,
			"-f", "--silent", "-5",
			"--force-raw-format",
			"--sign=signed",
			"--endian=little",
			fmt.Sprintf("--channels=%d", bf.Channels),
			fmt.Sprintf("--bps=%d", bf.BitDepth),
			fmt.Sprintf("--sample-rate=%d", bf.SampleRate),
			"-o", dstPath,
			srcPath,
		)

		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("flac encode: %v\n%s", err, output)
		}

		elapsed := time.Since(start)

		t.Logf("  flac -5: %s, %.1f%% ratio (%d bytes)", elapsed.Round(time.Millisecond),
			float64(agar.FileSize(t, dstPath))/float64(len(pcm))*100, agar.FileSize(t, dstPath))
	}
}
