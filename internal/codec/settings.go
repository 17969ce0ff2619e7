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

// Settings configures an Encoder. Stream parameters come from the PCM source; the remaining
// fields are encode tuning knobs applied on top of the CompressionLevel preset.
type Settings struct {
	Channels      int
	BitsPerSample int
	SampleRate    int
	// TotalSamples is an estimate of the per-channel sample count, written to the stream header.
	// Zero means unknown.
	TotalSamples uint64

	CompressionLevel      int
	Verify                bool
	StreamableSubset      bool
	MidSide               bool
	LooseMidSide          bool
	ExhaustiveModelSearch bool
	QLPCoeffPrecSearch    bool
	// BlockSize is the number of samples per frame; 0 selects the preset block size.
	BlockSize int
	Threads   int
	// DeferToLevel ignores BlockSize, MidSide and LooseMidSide and uses the preset values.
	DeferToLevel bool
}

// Stream limits.
const (
	MaxChannels      = 8
	MinBitsPerSample = 4
	MaxBitsPerSample = 32
	MaxSampleRate    = 1<<20 - 1
	MinBlockSize     = 16
	MaxBlockSize     = 65535
	MaxLevel         = 8
)

const (
	subsetMaxBlockSize        = 16384
	subsetMaxBlockSizeLowRate = 4608
	subsetLowRate             = 48000
	looseIntervalSeconds      = 0.4
)

// preset holds the tuning derived from a compression level.
type preset struct {
	blockSize         int
	midSide           bool
	looseMidSide      bool
	maxFixedOrder     int
	maxPartitionOrder int
	exact             bool
}

//nolint:gochecknoglobals
var presets = [MaxLevel + 1]preset{
	{blockSize: 1152, midSide: false, looseMidSide: false, maxFixedOrder: 2, maxPartitionOrder: 3},
	{blockSize: 1152, midSide: true, looseMidSide: true, maxFixedOrder: 2, maxPartitionOrder: 3},
	{blockSize: 1152, midSide: true, looseMidSide: false, maxFixedOrder: 4, maxPartitionOrder: 3},
	{blockSize: 4096, midSide: false, looseMidSide: false, maxFixedOrder: 4, maxPartitionOrder: 4, exact: true},
	{blockSize: 4096, midSide: true, looseMidSide: true, maxFixedOrder: 4, maxPartitionOrder: 4, exact: true},
	{blockSize: 4096, midSide: true, looseMidSide: false, maxFixedOrder: 4, maxPartitionOrder: 5, exact: true},
	{blockSize: 4096, midSide: true, looseMidSide: false, maxFixedOrder: 4, maxPartitionOrder: 6, exact: true},
	{blockSize: 4096, midSide: true, looseMidSide: false, maxFixedOrder: 4, maxPartitionOrder: 6, exact: true},
	{blockSize: 4096, midSide: true, looseMidSide: false, maxFixedOrder: 4, maxPartitionOrder: 6, exact: true},
}

// params is the fully resolved encoder configuration.
type params struct {
	channels      int
	bps           int
	sampleRate    int
	blockSize     int
	midSide       bool
	looseMidSide  bool
	looseInterval int
	threads       int
	analysis      analysis
}

// Resolved is the configuration an encoder runs with once the compression level preset and the
// stream limits have been applied to Settings.
type Resolved struct {
	BlockSize             int
	MidSide               bool
	LooseMidSide          bool
	MaxFixedOrder         int
	MaxRicePartitionOrder int
	ExhaustiveModelSearch bool
	QLPCoeffPrecSearch    bool
	Threads               int
}

// Resolve reports the configuration Init would use for s, or an *InitError.
func (s Settings) Resolve() (Resolved, error) {
	p, status := s.resolve()
	if status != InitStatusOK {
		return Resolved{}, &InitError{Status: status}
	}

	return Resolved{
		BlockSize:             p.blockSize,
		MidSide:               p.midSide,
		LooseMidSide:          p.midSide && p.looseMidSide,
		MaxFixedOrder:         p.analysis.maxFixedOrder,
		MaxRicePartitionOrder: p.analysis.maxPartitionOrder,
		ExhaustiveModelSearch: p.analysis.exhaustive,
		QLPCoeffPrecSearch:    s.QLPCoeffPrecSearch,
		Threads:               p.threads,
	}, nil
}

// resolve validates s and merges it with its compression level preset.
//
//nolint:cyclop // One check per init status.
func (s Settings) resolve() (params, InitStatus) {
	switch {
	case s.Channels < 1 || s.Channels > MaxChannels:
		return params{}, InitStatusInvalidNumberOfChannels
	case s.BitsPerSample < MinBitsPerSample || s.BitsPerSample > MaxBitsPerSample:
		return params{}, InitStatusInvalidBitsPerSample
	case s.SampleRate < 1 || s.SampleRate > MaxSampleRate:
		return params{}, InitStatusInvalidSampleRate
	case s.CompressionLevel < 0 || s.CompressionLevel > MaxLevel:
		return params{}, InitStatusInvalidCompressionLevel
	}

	pre := presets[s.CompressionLevel]
	res := params{
		channels:     s.Channels,
		bps:          s.BitsPerSample,
		sampleRate:   s.SampleRate,
		blockSize:    pre.blockSize,
		midSide:      pre.midSide,
		looseMidSide: pre.looseMidSide,
		threads:      max(s.Threads, 1),
		analysis: analysis{
			maxFixedOrder:     pre.maxFixedOrder,
			maxPartitionOrder: pre.maxPartitionOrder,
			exact:             pre.exact || s.ExhaustiveModelSearch,
			exhaustive:        s.ExhaustiveModelSearch,
		},
	}

	if !s.DeferToLevel {
		if s.BlockSize != 0 {
			res.blockSize = s.BlockSize
		}

		res.midSide = s.MidSide
		res.looseMidSide = s.LooseMidSide
	}

	if res.blockSize < MinBlockSize || res.blockSize > MaxBlockSize {
		return params{}, InitStatusInvalidBlockSize
	}

	// Inter-channel decorrelation needs a side channel one bit wider than the input.
	if s.Channels != 2 || s.BitsPerSample > maxFixedBitsPerSample-1 {
		res.midSide = false
	}

	res.looseInterval = max(int(looseIntervalSeconds*float64(s.SampleRate))/res.blockSize, 1)

	if s.StreamableSubset && !res.streamable() {
		return params{}, InitStatusNotStreamable
	}

	return res, InitStatusOK
}

// streamable reports whether the resolved configuration stays inside the FLAC streamable subset.
func (p params) streamable() bool {
	switch p.bps {
	case 8, 12, 16, 20, 24:
	default:
		return false
	}

	if p.blockSize > subsetMaxBlockSize {
		return false
	}

	if p.sampleRate <= subsetLowRate && p.blockSize > subsetMaxBlockSizeLowRate {
		return false
	}

	return headerSampleRate(p.sampleRate)
}

// headerSampleRate reports whether rate can be coded in a frame header without referring back to
// the stream info block.
func headerSampleRate(rate int) bool {
	switch rate {
	case 8000, 16000, 22050, 24000, 32000, 44100, 48000, 88200, 96000, 176400, 192000:
		return true
	}

	if rate%1000 == 0 && rate/1000 <= 255 {
		return true
	}

	if rate <= 65535 {
		return true
	}

	return rate%10 == 0 && rate/10 <= 65535
}
