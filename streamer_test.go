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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/mycophonic/agar/pkg/agar"

	"github.com/mycophonic/flac-streamer/internal/codec"
)

// recordingEngine wraps an engine and records every chunk length handed to Process.
type recordingEngine struct {
	Engine
	chunks []int
}

func (r *recordingEngine) Process(samples []int32, frames int) error {
	r.chunks = append(r.chunks, frames)

	return r.Engine.Process(samples, frames)
}

func recordInto(rec **recordingEngine) Option {
	return WithEngine(func(w io.Writer) Engine {
		*rec = &recordingEngine{Engine: NewFLACEngine(w)}

		return *rec
	})
}

func decodeOutput(t *testing.T, path string) ([]int32, codec.Format) {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	samples, format, err := codec.Decode(f)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}

	return samples, format
}

func TestSamplesPerChunk(t *testing.T) {
	t.Parallel()

	cases := []struct {
		rate, ms, want int
	}{
		{44100, 10, 441},
		{48000, 10, 480},
		{44100, 1, 44},
		{22050, 1, 22},
		{11025, 10, 110},
		{8000, 1000, 8000},
		{1, 1, 0},
	}

	for _, tc := range cases {
		if got := SamplesPerChunk(tc.rate, tc.ms); got != tc.want {
			t.Errorf("SamplesPerChunk(%d, %d) = %d, want %d", tc.rate, tc.ms, got, tc.want)
		}
	}
}

func TestSilenceScenario(t *testing.T) {
	t.Parallel()

	in := writeWAV(t, make([]byte, 44100*2), 44100, 16, 1)
	cfg := testConfig(t, in)

	var rec *recordingEngine

	strm := encodeFile(t, cfg, recordInto(&rec))

	if strm.SamplesPerChunk() != 441 {
		t.Errorf("samples per chunk: got %d, want 441", strm.SamplesPerChunk())
	}

	if len(rec.chunks) != 100 {
		t.Fatalf("chunks: got %d, want 100", len(rec.chunks))
	}

	for i, n := range rec.chunks {
		if n != 441 {
			t.Fatalf("chunk %d: got %d frames, want 441", i, n)
		}
	}

	stats := strm.Stats()
	if stats.Chunks != 100 || stats.SamplesProcessed != 44100 {
		t.Errorf("stats: %+v", stats)
	}

	if strm.Length() != 1 {
		t.Errorf("length: got %f, want 1", strm.Length())
	}

	if strm.State() != StateFinished {
		t.Errorf("state: got %s, want finished", strm.State())
	}

	samples, format := decodeOutput(t, cfg.OutFile)
	if format.SampleRate != 44100 || format.Channels != 1 || format.BitsPerSample != 16 {
		t.Errorf("format: %+v", format)
	}

	compareSamples(t, "silence", make([]int32, 44100), samples)
}

func TestChunkLengthsSumToTotal(t *testing.T) {
	t.Parallel()

	cases := []struct {
		frames, rate, ms int
	}{
		{1, 8000, 10},
		{79, 8000, 10},
		{80, 8000, 10},
		{81, 8000, 10},
		{12345, 44100, 7},
		{48000, 48000, 250},
		{5000, 96000, 1},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d_frames_%dHz_%dms", tc.frames, tc.rate, tc.ms), func(t *testing.T) {
			t.Parallel()

			in := writeWAV(t, generateWhiteNoise(tc.frames, 16, 2), tc.rate, 16, 2)
			cfg := testConfig(t, in)
			cfg.ChunkIntervalMS = tc.ms

			var rec *recordingEngine

			strm := encodeFile(t, cfg, recordInto(&rec))

			sum := 0
			for i, n := range rec.chunks {
				if n <= 0 {
					t.Fatalf("chunk %d is empty", i)
				}

				if n > strm.SamplesPerChunk() {
					t.Fatalf("chunk %d has %d frames, limit %d", i, n, strm.SamplesPerChunk())
				}

				if i < len(rec.chunks)-1 && n != strm.SamplesPerChunk() {
					t.Fatalf("chunk %d short before the end: %d frames", i, n)
				}

				sum += n
			}

			if sum != tc.frames {
				t.Errorf("chunk sum: got %d, want %d", sum, tc.frames)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	for _, bitDepth := range []int{8, 16, 24, 32} {
		for _, channels := range []int{1, 2, 3} {
			t.Run(fmt.Sprintf("%dbit_%dch", bitDepth, channels), func(t *testing.T) {
				t.Parallel()

				pcm := generateWhiteNoise(9000, bitDepth, channels)
				in := writeWAV(t, pcm, 48000, bitDepth, channels)
				cfg := testConfig(t, in)
				cfg.Streamable = bitDepth != 32

				strm := encodeFile(t, cfg)
				if strm.Stats().Clamped != 0 {
					t.Errorf("clamped %d samples", strm.Stats().Clamped)
				}

				samples, format := decodeOutput(t, cfg.OutFile)
				if format.BitsPerSample != bitDepth {
					t.Errorf("bit depth: got %d, want %d", format.BitsPerSample, bitDepth)
				}

				compareSamples(t, "decoded vs source", pcmSamples(pcm, bitDepth), samples)
			})
		}
	}
}

func TestReferenceDecoderRoundTrip(t *testing.T) {
	t.Parallel()

	flacBin, err := agar.LookFor("flac")
	if err != nil {
		t.Skip("standalone flac binary not found")
	}

	for _, bitDepth := range []int{16, 24} {
		t.Run(fmt.Sprintf("%dbit", bitDepth), func(t *testing.T) {
			t.Parallel()

			pcm := generateWhiteNoise(44100, bitDepth, 2)
			cfg := testConfig(t, writeWAV(t, pcm, 44100, bitDepth, 2))
			cfg.ExhaustiveSearch = true

			encodeFile(t, cfg)

			decoded, err := flacBinaryDecodeRaw(flacBin, cfg.OutFile)
			if err != nil {
				t.Fatal(err)
			}

			if !bytes.Equal(pcm, decoded) {
				t.Errorf("reference decoder output differs from source (%d vs %d bytes)", len(pcm), len(decoded))
			}
		})
	}
}

func TestEmptyStream(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, writeWAV(t, nil, 44100, 16, 2))

	var rec *recordingEngine

	strm := encodeFile(t, cfg, recordInto(&rec))

	if len(rec.chunks) != 0 || strm.Stats().SamplesProcessed != 0 {
		t.Errorf("chunk loop entered for an empty stream: %v", rec.chunks)
	}

	samples, format := decodeOutput(t, cfg.OutFile)
	if len(samples) != 0 || format.Channels != 2 {
		t.Errorf("decoded %d samples, format %+v", len(samples), format)
	}
}

// oneByteWriter accepts at most one byte per call.
type oneByteWriter struct {
	buf   bytes.Buffer
	calls int
}

func (w *oneByteWriter) Write(p []byte) (int, error) {
	w.calls++

	if len(p) == 0 {
		return 0, nil
	}

	return 1, w.buf.WriteByte(p[0])
}

func TestShortWritesDeliverEveryByte(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, writeWAV(t, generateWhiteNoise(5000, 16, 2), 44100, 16, 2))
	encodeFile(t, cfg)

	want, err := os.ReadFile(cfg.OutFile)
	if err != nil {
		t.Fatal(err)
	}

	writer := &oneByteWriter{}
	strm := encodeFile(t, cfg, WithOutput(writer, "memory"))

	if !bytes.Equal(want, writer.buf.Bytes()) {
		t.Fatalf("short-write output differs: %d vs %d bytes", writer.buf.Len(), len(want))
	}

	if writer.calls != len(want) {
		t.Errorf("writes: got %d, want one per byte (%d)", writer.calls, len(want))
	}

	if strm.Stats().BytesWritten != int64(len(want)) {
		t.Errorf("bytes written: got %d, want %d", strm.Stats().BytesWritten, len(want))
	}
}

//nolint:paralleltest // Replaces os.Stdout.
func TestStdoutMatchesFile(t *testing.T) {
	cfg := testConfig(t, writeWAV(t, generateWhiteNoise(20000, 24, 2), 96000, 24, 2))
	encodeFile(t, cfg)

	want, err := os.ReadFile(cfg.OutFile)
	if err != nil {
		t.Fatal(err)
	}

	reader, writer, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	stdout := os.Stdout
	os.Stdout = writer

	defer func() { os.Stdout = stdout }()

	got := make(chan []byte)

	go func() {
		data, _ := io.ReadAll(reader)
		got <- data
	}()

	cfg.OutFile = StdoutPath
	strm := encodeFile(t, cfg)

	if !strm.sink.IsStdout() {
		t.Error("sink does not report stdout")
	}

	if err := strm.Close(); err != nil {
		t.Fatal(err)
	}

	_ = writer.Close()

	if data := <-got; !bytes.Equal(want, data) {
		t.Errorf("stdout output differs from file output: %d vs %d bytes", len(data), len(want))
	}
}

func TestCompressionLevelNineRejected(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, filepath.Join(t.TempDir(), "missing.wav"))
	cfg.CompressionLevel = 9

	_, err := New(cfg)
	if !errors.Is(err, ErrConfigValidation) {
		t.Fatalf("got %v, want ErrConfigValidation", err)
	}

	if _, statErr := os.Stat(cfg.OutFile); !errors.Is(statErr, os.ErrNotExist) {
		t.Errorf("output created despite invalid configuration: %v", statErr)
	}
}

func TestConstructionFailures(t *testing.T) {
	t.Parallel()

	valid := writeWAV(t, generateWhiteNoise(100, 16, 1), 8000, 16, 1)

	t.Run("missing source", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig(t, filepath.Join(t.TempDir(), "missing.wav"))

		if _, err := New(cfg); !errors.Is(err, ErrSourceOpen) {
			t.Fatalf("got %v, want ErrSourceOpen", err)
		}

		if _, err := os.Stat(cfg.OutFile); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("output created: %v", err)
		}
	})

	t.Run("unwritable output", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig(t, valid)
		cfg.OutFile = filepath.Join(t.TempDir(), "no", "such", "dir", "out.flac")

		if _, err := New(cfg); !errors.Is(err, ErrSinkOpen) {
			t.Fatalf("got %v, want ErrSinkOpen", err)
		}
	})

	t.Run("chunk shorter than a sample", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig(t, writeWAV(t, nil, 100, 16, 1))
		cfg.ChunkIntervalMS = 1

		if _, err := New(cfg); !errors.Is(err, ErrConfigValidation) {
			t.Fatalf("got %v, want ErrConfigValidation", err)
		}
	})
}

func TestTruncatedSourceWritesNothing(t *testing.T) {
	t.Parallel()

	pcm := generateWhiteNoise(1000, 16, 2)
	path := filepath.Join(t.TempDir(), "truncated.wav")

	data := append(wavHeader(len(pcm)*2, 44100, 16, 2), pcm...)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(t, path)

	if _, err := New(cfg); !errors.Is(err, ErrShortRead) {
		t.Fatalf("got %v, want ErrShortRead", err)
	}

	if _, err := os.Stat(cfg.OutFile); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("output created for a truncated source: %v", err)
	}
}

func TestCodecInitError(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, writeWAV(t, generateWhiteNoise(100, 32, 2), 44100, 32, 2))
	cfg.Streamable = true

	strm, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer strm.Close()

	err = strm.Encode()
	if !errors.Is(err, ErrCodecInit) {
		t.Fatalf("got %v, want ErrCodecInit", err)
	}

	var codecErr *CodecError
	if !errors.As(err, &codecErr) || codecErr.Status != codec.InitStatusNotStreamable.String() {
		t.Errorf("status: %v", err)
	}

	if err := strm.Encode(); !errors.Is(err, ErrState) {
		t.Errorf("second encode: got %v, want ErrState", err)
	}
}

type errnoWriter struct{ errno syscall.Errno }

func (w errnoWriter) Write([]byte) (int, error) { return 0, w.errno }

func TestWriteErrorPropagates(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, writeWAV(t, generateWhiteNoise(20000, 16, 1), 44100, 16, 1))

	strm, err := New(cfg, WithOutput(errnoWriter{syscall.ENOSPC}, "full-disk"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer strm.Close()

	err = strm.Encode()
	// The header write fails inside engine init: the error carries both kinds.
	if !errors.Is(err, ErrIOWrite) || !errors.Is(err, ErrCodecInit) {
		t.Fatalf("got %v, want ErrIOWrite and ErrCodecInit", err)
	}

	var writeErr *WriteError
	if !errors.As(err, &writeErr) || writeErr.Errno != syscall.ENOSPC || writeErr.Path != "full-disk" {
		t.Errorf("write error: %#v", writeErr)
	}

	if strm.State() != StateFailed {
		t.Errorf("state: got %s, want failed", strm.State())
	}
}

// failingEngine rejects the n-th Process call.
type failingEngine struct {
	calls, failAt int
	state         codec.State
}

var errEngine = errors.New("engine exploded")

func (f *failingEngine) Init(codec.Settings) error {
	f.state = codec.StateOK

	return nil
}

func (f *failingEngine) Process([]int32, int) error {
	f.calls++
	if f.calls == f.failAt {
		f.state = codec.StateFramingError

		return errEngine
	}

	return nil
}

func (f *failingEngine) Finish() error      { return nil }
func (f *failingEngine) State() codec.State { return f.state }

func TestProcessErrorAbortsLoop(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, writeWAV(t, generateWhiteNoise(4410, 16, 1), 44100, 16, 1))
	engine := &failingEngine{failAt: 3}

	strm, err := New(cfg, WithEngine(func(io.Writer) Engine { return engine }))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer strm.Close()

	err = strm.Encode()
	if !errors.Is(err, ErrEncodeProcess) || !errors.Is(err, errEngine) {
		t.Fatalf("got %v, want ErrEncodeProcess wrapping the engine error", err)
	}

	var codecErr *CodecError
	if !errors.As(err, &codecErr) || codecErr.Status != "FRAMING_ERROR" {
		t.Errorf("status: %v", err)
	}

	if engine.calls != 3 || strm.Stats().Chunks != 2 {
		t.Errorf("loop continued after failure: %d calls, %d chunks", engine.calls, strm.Stats().Chunks)
	}
}

func TestNormalizeTo16Bit(t *testing.T) {
	t.Parallel()

	pcm := generateWhiteNoise(3000, 24, 2)
	cfg := testConfig(t, writeWAV(t, pcm, 48000, 24, 2))
	cfg.Normalize = Policy16Bit

	strm := encodeFile(t, cfg)
	if strm.TargetDepth() != Depth16 {
		t.Errorf("target depth: got %d, want 16", strm.TargetDepth())
	}

	want := pcmSamples(pcm, 24)
	for i, s := range want {
		want[i] = min((s+128)>>8, 32767)
	}

	samples, format := decodeOutput(t, cfg.OutFile)
	if format.BitsPerSample != 16 {
		t.Errorf("bit depth: got %d, want 16", format.BitsPerSample)
	}

	compareSamples(t, "16-bit normalized", want, samples)
}

func TestExplicitInitThenEncode(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, writeWAV(t, generateWhiteNoise(1000, 16, 2), 44100, 16, 2))

	strm, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer strm.Close()

	if err := strm.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	if strm.State() != StateInitialized {
		t.Errorf("state: got %s, want initialized", strm.State())
	}

	if err := strm.Init(); !errors.Is(err, ErrState) {
		t.Errorf("second init: got %v, want ErrState", err)
	}

	if err := strm.Encode(); err != nil {
		t.Fatalf("encode: %v", err)
	}

	if err := strm.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := strm.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestEncoderSettings(t *testing.T) {
	t.Parallel()

	in := writeWAV(t, generateWhiteNoise(100, 16, 2), 44100, 16, 2)

	tests := []struct {
		name   string
		mutate func(*Config)
		block  int
		ms     bool
		loose  bool
	}{
		{"level 5 defaults", func(*Config) {}, 4096, true, false},
		{"explicit overrides", func(c *Config) {
			c.BlockSize = 512
			c.LooseMidSide = true
		}, 512, true, true},
		{"deferred to level 0", func(c *Config) {
			c.CompressionLevel = 0
			c.BlockSize = 512
			c.DeferToCompressionLevel = true
		}, 1152, false, false},
		{"deferred to level 1", func(c *Config) {
			c.CompressionLevel = 1
			c.MidSide = false
			c.DeferToCompressionLevel = true
		}, 1152, true, true},
	}

	for _, tc := range tests {
		cfg := testConfig(t, in)
		tc.mutate(&cfg)

		strm, err := New(cfg)
		if err != nil {
			t.Fatalf("%s: new: %v", tc.name, err)
		}

		resolved, err := strm.EncoderSettings()
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}

		if resolved.BlockSize != tc.block || resolved.MidSide != tc.ms || resolved.LooseMidSide != tc.loose {
			t.Errorf("%s: got %+v", tc.name, resolved)
		}

		_ = strm.Close()
	}

	cfg := testConfig(t, writeWAV(t, generateWhiteNoise(100, 32, 2), 44100, 32, 2))

	strm, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer strm.Close()

	if _, err := strm.EncoderSettings(); !errors.Is(err, ErrCodecInit) {
		t.Errorf("32-bit streamable: got %v, want ErrCodecInit", err)
	}
}

func TestQLPSearchIsLogged(t *testing.T) {
	t.Parallel()

	in := writeWAV(t, generateWhiteNoise(500, 16, 1), 8000, 16, 1)

	for _, enabled := range []bool{true, false} {
		var logs bytes.Buffer

		logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
		cfg := testConfig(t, in)
		cfg.QLPCoeffPrecSearch = enabled

		encodeFile(t, cfg, WithLogger(logger))

		if got := strings.Contains(logs.String(), "qlp coefficient precision search has no effect"); got != enabled {
			t.Errorf("flag %t: logged %t\n%s", enabled, got, logs.String())
		}
	}
}
