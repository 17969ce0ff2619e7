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
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/mycophonic/flac-streamer/internal/codec"
)

// Configuration defaults.
const (
	DefaultCompressionLevel = 5
	DefaultChunkIntervalMS  = 10
)

// Config is the encode session configuration. It is read-only once a Streamer is built from it.
type Config struct {
	InFile  string `yaml:"in-file"`
	OutFile string `yaml:"out-file"`

	CompressionLevel   int  `yaml:"compression-level"`
	Verify             bool `yaml:"verify"`
	Streamable         bool `yaml:"streamable"`
	MidSide            bool `yaml:"mid-side"`
	LooseMidSide       bool `yaml:"loose-mid-side"`
	ExhaustiveSearch   bool `yaml:"exhaustive-search"`
	QLPCoeffPrecSearch bool `yaml:"qlp-coeff-prec-search"`
	// BlockSize in frames; 0 lets the compression level decide.
	BlockSize       int `yaml:"block-size"`
	ChunkIntervalMS int `yaml:"chunk-every-n-ms"`
	Threads         int `yaml:"threads"`
	// DeferToCompressionLevel ignores BlockSize, MidSide and LooseMidSide.
	DeferToCompressionLevel bool `yaml:"defer-to-compression-level"`

	Normalize NormalizePolicy `yaml:"normalize"`
}

// DefaultConfig returns the configuration used when no option is given.
func DefaultConfig() Config {
	return Config{
		CompressionLevel: DefaultCompressionLevel,
		Verify:           true,
		Streamable:       true,
		MidSide:          true,
		ChunkIntervalMS:  DefaultChunkIntervalMS,
		Threads:          runtime.NumCPU(),
		Normalize:        PolicyDeclaredDepth,
	}
}

// LoadConfig reads a YAML configuration file on top of DefaultConfig. Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path) //nolint:gosec // Config path is user supplied by design.
	if err != nil {
		return cfg, fmt.Errorf("%w: reading %s: %w", ErrConfigValidation, path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: parsing %s: %w", ErrConfigValidation, path, err)
	}

	return cfg, nil
}

// Validate checks value ranges. It does not touch the filesystem.
func (c Config) Validate() error {
	switch {
	case c.InFile == "":
		return fmt.Errorf("%w: input file is required", ErrConfigValidation)
	case c.OutFile == "":
		return fmt.Errorf("%w: output file is required", ErrConfigValidation)
	case c.CompressionLevel < 0 || c.CompressionLevel > codec.MaxLevel:
		return fmt.Errorf("%w: compression level must be between 0 and %d, not %d",
			ErrConfigValidation, codec.MaxLevel, c.CompressionLevel)
	case c.ChunkIntervalMS <= 0:
		return fmt.Errorf("%w: chunk interval must be positive, not %d ms", ErrConfigValidation, c.ChunkIntervalMS)
	case c.Threads <= 0:
		return fmt.Errorf("%w: thread count must be positive, not %d", ErrConfigValidation, c.Threads)
	case c.BlockSize < 0 || c.BlockSize > codec.MaxBlockSize:
		return fmt.Errorf("%w: block size must be between 0 and %d, not %d",
			ErrConfigValidation, codec.MaxBlockSize, c.BlockSize)
	case c.BlockSize != 0 && c.BlockSize < codec.MinBlockSize:
		return fmt.Errorf("%w: block size must be 0 or at least %d, not %d",
			ErrConfigValidation, codec.MinBlockSize, c.BlockSize)
	case c.Normalize != PolicyDeclaredDepth && c.Normalize != Policy16Bit:
		return fmt.Errorf("%w: %w: %d", ErrConfigValidation, errUnknownPolicy, int(c.Normalize))
	}

	return nil
}

// codecSettings builds the engine settings for a stream encoded at depth.
func (c Config) codecSettings(info StreamInfo, depth BitDepth) codec.Settings {
	return codec.Settings{
		Channels:              info.Channels,
		BitsPerSample:         int(depth), //nolint:gosec // depth is 4-32.
		SampleRate:            info.SampleRate,
		TotalSamples:          uint64(max(info.TotalFrames, 0)),
		CompressionLevel:      c.CompressionLevel,
		Verify:                c.Verify,
		StreamableSubset:      c.Streamable,
		MidSide:               c.MidSide,
		LooseMidSide:          c.LooseMidSide,
		ExhaustiveModelSearch: c.ExhaustiveSearch,
		QLPCoeffPrecSearch:    c.QLPCoeffPrecSearch,
		BlockSize:             c.BlockSize,
		Threads:               c.Threads,
		DeferToLevel:          c.DeferToCompressionLevel,
	}
}
