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
	"log/slog"

	"github.com/mycophonic/flac-streamer/internal/codec"
)

// Engine is the lossless codec driven by a Streamer. Output is delivered synchronously through
// the writer the engine was built with, from inside Init, Process and Finish.
type Engine interface {
	Init(settings codec.Settings) error
	Process(samples []int32, frames int) error
	Finish() error
	State() codec.State
}

// EngineFactory builds an engine that writes its bitstream to w.
type EngineFactory func(w io.Writer) Engine

// NewFLACEngine is the default EngineFactory.
func NewFLACEngine(w io.Writer) Engine { return codec.New(w) }

// State is the lifecycle state of a Streamer.
type State int

// Streamer states. StateFailed is reachable from every other state.
const (
	StateConstructed State = iota
	StateInitialized
	StateEncoding
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateInitialized:
		return "initialized"
	case StateEncoding:
		return "encoding"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Stats summarizes an encode.
type Stats struct {
	Chunks           int
	SamplesProcessed int64
	Clamped          int
	BytesWritten     int64
}

// Option customizes a Streamer.
type Option func(*Streamer)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Streamer) { s.log = logger }
}

// WithEngine replaces the codec engine.
func WithEngine(factory EngineFactory) Option {
	return func(s *Streamer) { s.newEngine = factory }
}

// WithOutput writes to raw instead of opening Config.OutFile.
func WithOutput(raw RawWriter, name string) Option {
	return func(s *Streamer) { s.sink = NewSink(raw, name) }
}

// Streamer encodes one WAV source to FLAC, feeding the engine in chunks of a fixed duration.
type Streamer struct {
	cfg       Config
	log       *slog.Logger
	newEngine EngineFactory

	source   *Source
	sink     *Sink
	engine   Engine
	info     StreamInfo
	target   BitDepth
	perChunk int

	state State
	stats Stats
}

// New validates cfg, opens the source and the output, and prepares the engine. Nothing is
// left open when New fails.
func New(cfg Config, opts ...Option) (*Streamer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	strm := &Streamer{cfg: cfg, newEngine: NewFLACEngine}
	for _, opt := range opts {
		opt(strm)
	}

	if strm.log == nil {
		strm.log = slog.Default()
	}

	source, err := OpenSource(cfg.InFile)
	if err != nil {
		return nil, err
	}

	strm.source = source
	strm.info = source.Info()
	strm.target = cfg.Normalize.Target(strm.info.BitDepth)

	strm.perChunk = SamplesPerChunk(strm.info.SampleRate, cfg.ChunkIntervalMS)
	if strm.perChunk < 1 {
		_ = source.Close()

		return nil, fmt.Errorf("%w: %d ms at %d Hz is less than one sample",
			ErrConfigValidation, cfg.ChunkIntervalMS, strm.info.SampleRate)
	}

	if strm.sink == nil {
		sink, err := OpenSink(cfg.OutFile)
		if err != nil {
			_ = source.Close()

			return nil, err
		}

		strm.sink = sink
	}

	strm.engine = strm.newEngine(strm.sink)

	strm.log.Debug("opened source",
		"path", cfg.InFile,
		"channels", strm.info.Channels,
		"bit_depth", int(strm.info.BitDepth),
		"sample_rate", strm.info.SampleRate,
		"frames", strm.info.TotalFrames,
		"output", strm.sink.Name(),
	)

	return strm, nil
}

// Info returns the parameters of the source stream.
func (s *Streamer) Info() StreamInfo { return s.info }

// Config returns the session configuration.
func (s *Streamer) Config() Config { return s.cfg }

// TargetDepth returns the bit depth the stream is encoded at.
func (s *Streamer) TargetDepth() BitDepth { return s.target }

// SamplesPerChunk returns the number of frames handed to the engine per chunk.
func (s *Streamer) SamplesPerChunk() int { return s.perChunk }

// Length returns the audio duration in seconds.
func (s *Streamer) Length() float64 { return s.info.Length() }

// EncoderSettings returns the block size, stereo mode and search limits the engine is configured
// with, after the compression level preset has been applied.
func (s *Streamer) EncoderSettings() (codec.Resolved, error) {
	resolved, err := s.cfg.codecSettings(s.info, s.target).Resolve()
	if err != nil {
		return resolved, fmt.Errorf("%w: %w", ErrCodecInit, err)
	}

	return resolved, nil
}

// State returns the lifecycle state.
func (s *Streamer) State() State { return s.state }

// Stats returns the encode statistics gathered so far.
func (s *Streamer) Stats() Stats {
	stats := s.stats
	stats.BytesWritten = s.sink.Written()

	return stats
}

// Init applies the configuration to the engine and initializes it.
func (s *Streamer) Init() error {
	if s.state != StateConstructed {
		return fmt.Errorf("%w: init in state %s", ErrState, s.state)
	}

	settings := s.cfg.codecSettings(s.info, s.target)

	if err := s.engine.Init(settings); err != nil {
		s.state = StateFailed

		status := s.engine.State().String()

		var initErr *codec.InitError
		if errors.As(err, &initErr) {
			status = initErr.Status.String()
		}

		return &CodecError{Kind: ErrCodecInit, Op: "init", Status: status, Err: err}
	}

	if settings.QLPCoeffPrecSearch {
		s.log.Debug("qlp coefficient precision search has no effect: the engine codes fixed predictors only")
	}

	s.log.Debug("engine initialized",
		"compression_level", settings.CompressionLevel,
		"bit_depth", settings.BitsPerSample,
		"threads", settings.Threads,
		"defer_to_level", settings.DeferToLevel,
	)

	s.state = StateInitialized

	return nil
}

// Encode reads the whole source, normalizes it and feeds it to the engine chunk by chunk,
// then finishes the stream. When Init was not called, the source is read before the engine is
// initialized, so a malformed source fails before any output is written.
func (s *Streamer) Encode() error {
	if s.state != StateConstructed && s.state != StateInitialized {
		return fmt.Errorf("%w: encode in state %s", ErrState, s.state)
	}

	buf, err := s.readSamples()
	if err != nil {
		s.state = StateFailed

		return err
	}

	if s.state == StateConstructed {
		if err := s.Init(); err != nil {
			return err
		}
	}

	s.state = StateEncoding

	if err := s.encodeChunks(buf); err != nil {
		s.state = StateFailed

		return err
	}

	s.state = StateFinished

	return nil
}

// readSamples reads the entire source and normalizes it to the target depth.
func (s *Streamer) readSamples() ([]int32, error) {
	buf := make([]int32, s.info.Samples())

	if err := s.source.ReadAll(buf); err != nil {
		return nil, err
	}

	s.stats.Clamped = NewNormalizer(s.target).Normalize(buf)
	if s.stats.Clamped > 0 {
		s.log.Warn("clamped out-of-range samples", "count", s.stats.Clamped, "bit_depth", int(s.target))
	}

	return buf, nil
}

// encodeChunks hands buf to the engine in chunks of perChunk frames and finishes the stream.
func (s *Streamer) encodeChunks(buf []int32) error {
	nChannels := int64(s.info.Channels)
	total := s.info.TotalFrames
	remaining := total
	offset := int64(0)

	for remaining > 0 {
		chunk := min(int64(s.perChunk), remaining)

		if err := s.engine.Process(buf[offset*nChannels:(offset+chunk)*nChannels], int(chunk)); err != nil {
			return &CodecError{
				Kind:   ErrEncodeProcess,
				Op:     fmt.Sprintf("chunk %d at frame %d", s.stats.Chunks, offset),
				Status: s.engine.State().String(),
				Err:    err,
			}
		}

		offset += chunk
		remaining -= chunk
		s.stats.Chunks++
		s.stats.SamplesProcessed += chunk
	}

	if s.stats.SamplesProcessed != total {
		return fmt.Errorf("%w: processed %d of %d frames", ErrInternalConsistency, s.stats.SamplesProcessed, total)
	}

	s.log.Debug("chunk loop done", "chunks", s.stats.Chunks, "frames", s.stats.SamplesProcessed)

	if err := s.engine.Finish(); err != nil {
		return &CodecError{Kind: ErrEncodeFinish, Op: "finish", Status: s.engine.State().String(), Err: err}
	}

	s.log.Debug("stream finished", "bytes", s.sink.Written())

	return nil
}

// Close releases the source and the output. It is safe to call more than once.
func (s *Streamer) Close() error {
	return errors.Join(s.source.Close(), s.sink.Close())
}
