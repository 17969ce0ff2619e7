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

// flac-streamer encodes a WAV file to FLAC, feeding the encoder in fixed-duration chunks.
//
// Usage:
//
//	flac-streamer -i <input.wav> -o <output.flac | -> [options]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	streamer "github.com/mycophonic/flac-streamer"
	"github.com/mycophonic/flac-streamer/version"
)

// Exit codes.
const (
	exitOK      = 0
	exitEncode  = 1
	exitCommand = 2
)

// errEncode marks failures that happen once the arguments have been accepted.
var errEncode = errors.New("encode failed")

func main() {
	os.Exit(run(context.Background(), os.Args, os.Stderr))
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	cmd := command(stderr)

	err := cmd.Run(ctx, args)
	if err == nil {
		return exitOK
	}

	fmt.Fprintf(stderr, "error: %v\n", err)

	if errors.Is(err, errEncode) && !errors.Is(err, streamer.ErrConfigValidation) {
		return exitEncode
	}

	return exitCommand
}

func command(stderr io.Writer) *cli.Command {
	defaults := streamer.DefaultConfig()

	return &cli.Command{
		Name:      "flac-streamer",
		Usage:     "Encode a WAV file to FLAC in fixed-duration chunks",
		Version:   version.String(),
		ErrWriter: stderr,
		Writer:    stderr,
		// Errors are reported by run, which also picks the exit code.
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "in-file", Aliases: []string{"i"}, Usage: "input WAV file path"},
			&cli.StringFlag{
				Name:    "out-file",
				Aliases: []string{"o"},
				Usage:   "output FLAC file path (- for stdout)",
			},
			&cli.IntFlag{
				Name:    "compression-level",
				Aliases: []string{"c"},
				Value:   defaults.CompressionLevel,
				Usage:   "FLAC compression level (0-8)",
			},
			&cli.BoolFlag{Name: "no-verify", Aliases: []string{"n"}, Usage: "skip verification of the encoded output"},
			&cli.BoolFlag{Name: "non-streamable", Aliases: []string{"S"}, Usage: "allow output outside the streamable subset"},
			&cli.BoolFlag{Name: "non-mid-side", Aliases: []string{"M"}, Usage: "disable mid-side stereo"},
			&cli.BoolFlag{Name: "loose-mid-side", Aliases: []string{"l"}, Usage: "re-evaluate the stereo mode periodically only"},
			&cli.BoolFlag{Name: "exhaustive-search", Aliases: []string{"e"}, Usage: "search all predictor models"},
			&cli.BoolFlag{
				Name:    "qlp-coeff-prec-search",
				Aliases: []string{"q"},
				Usage:   "search neighboring quantized predictor coefficient precisions",
			},
			&cli.IntFlag{
				Name:    "block-size",
				Aliases: []string{"b"},
				Value:   defaults.BlockSize,
				Usage:   "block size in frames (0 picks the compression level default)",
			},
			&cli.IntFlag{
				Name:    "chunk-every-n-ms",
				Aliases: []string{"m"},
				Value:   defaults.ChunkIntervalMS,
				Usage:   "feed the encoder every N milliseconds of audio",
			},
			&cli.IntFlag{
				Name:    "threads",
				Aliases: []string{"t"},
				Value:   defaults.Threads,
				Usage:   "number of encoder threads",
			},
			&cli.BoolFlag{
				Name:    "defer-to-compression-level",
				Aliases: []string{"C"},
				Usage:   "ignore block size and stereo options, use the compression level defaults",
			},
			&cli.StringFlag{
				Name:  "normalize",
				Value: defaults.Normalize.String(),
				Usage: "target bit depth: declared or 16bit",
			},
			&cli.StringFlag{Name: "config", Usage: "YAML configuration file; flags override its values"},
			&cli.BoolFlag{Name: "verbose", Usage: "log every encode phase"},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg, err := buildConfig(cmd)
			if err != nil {
				return err
			}

			return encode(cfg, cmd.Bool("verbose"), stderr)
		},
	}
}

// buildConfig layers the config file, if any, under the flags that were set explicitly.
func buildConfig(cmd *cli.Command) (streamer.Config, error) {
	cfg := streamer.DefaultConfig()

	if path := cmd.String("config"); path != "" {
		loaded, err := streamer.LoadConfig(path)
		if err != nil {
			return cfg, err
		}

		cfg = loaded
	}

	if cmd.IsSet("in-file") {
		cfg.InFile = cmd.String("in-file")
	}

	if cmd.IsSet("out-file") {
		cfg.OutFile = cmd.String("out-file")
	}

	if cmd.IsSet("compression-level") {
		cfg.CompressionLevel = cmd.Int("compression-level")
	}

	if cmd.IsSet("block-size") {
		cfg.BlockSize = cmd.Int("block-size")
	}

	if cmd.IsSet("chunk-every-n-ms") {
		cfg.ChunkIntervalMS = cmd.Int("chunk-every-n-ms")
	}

	if cmd.IsSet("threads") {
		cfg.Threads = cmd.Int("threads")
	}

	negated := []struct {
		flag string
		dst  *bool
	}{
		{"no-verify", &cfg.Verify},
		{"non-streamable", &cfg.Streamable},
		{"non-mid-side", &cfg.MidSide},
	}
	for _, n := range negated {
		if cmd.IsSet(n.flag) {
			*n.dst = !cmd.Bool(n.flag)
		}
	}

	plain := []struct {
		flag string
		dst  *bool
	}{
		{"loose-mid-side", &cfg.LooseMidSide},
		{"exhaustive-search", &cfg.ExhaustiveSearch},
		{"qlp-coeff-prec-search", &cfg.QLPCoeffPrecSearch},
		{"defer-to-compression-level", &cfg.DeferToCompressionLevel},
	}
	for _, p := range plain {
		if cmd.IsSet(p.flag) {
			*p.dst = cmd.Bool(p.flag)
		}
	}

	if cmd.IsSet("normalize") {
		policy, err := streamer.ParseNormalizePolicy(cmd.String("normalize"))
		if err != nil {
			return cfg, fmt.Errorf("%w: %w", streamer.ErrConfigValidation, err)
		}

		cfg.Normalize = policy
	}

	return cfg, cfg.Validate()
}

func encode(cfg streamer.Config, verbose bool, stderr io.Writer) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	out := message.NewPrinter(language.English)

	printSettings(out, stderr, cfg)

	strm, err := streamer.New(cfg, streamer.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("%w: %w", errEncode, err)
	}

	info := strm.Info()
	out.Fprintf(stderr, "input: %d Hz, %d-bit, %d ch, %d frames, encoding at %d-bit, %d samples per chunk\n",
		info.SampleRate, info.BitDepth, info.Channels, info.TotalFrames, strm.TargetDepth(), strm.SamplesPerChunk())

	// Settings the engine rejects are reported by Encode.
	if resolved, err := strm.EncoderSettings(); err == nil {
		out.Fprintf(stderr, "encoder block size: %d mid-side: %t loose mid-side: %t max fixed order: %d "+
			"max rice partition order: %d exhaustive model search: %t threads: %d\n",
			resolved.BlockSize, resolved.MidSide, resolved.LooseMidSide, resolved.MaxFixedOrder,
			resolved.MaxRicePartitionOrder, resolved.ExhaustiveModelSearch, resolved.Threads)
	}

	start := time.Now()
	encodeErr := strm.Encode()
	elapsed := time.Since(start)

	if err := errors.Join(encodeErr, strm.Close()); err != nil {
		return fmt.Errorf("%w: %w", errEncode, err)
	}

	printStats(out, stderr, cfg.InFile, strm, elapsed)

	return nil
}

func printSettings(out *message.Printer, stderr io.Writer, cfg streamer.Config) {
	out.Fprintf(stderr, "comp level: %d block size: %d chunk every N milliseconds: %d verify: %t "+
		"streamable: %t mid-side: %t loose mid-side: %t exhaustive model search: %t "+
		"qlp coefficient precision neighbor search: %t defer to compression level: %t "+
		"num threads: %d normalize: %s\n",
		cfg.CompressionLevel, cfg.BlockSize, cfg.ChunkIntervalMS, cfg.Verify, cfg.Streamable,
		cfg.MidSide, cfg.LooseMidSide, cfg.ExhaustiveSearch, cfg.QLPCoeffPrecSearch,
		cfg.DeferToCompressionLevel, cfg.Threads, cfg.Normalize)

	if cfg.DeferToCompressionLevel {
		out.Fprintf(stderr, "ignoring block size: %d mid-side: %t loose mid-side: %t\n",
			cfg.BlockSize, cfg.MidSide, cfg.LooseMidSide)
	}
}

func printStats(out *message.Printer, stderr io.Writer, inPath string, strm *streamer.Streamer, elapsed time.Duration) {
	length := strm.Length()
	seconds := elapsed.Seconds()

	speedup := 0.0
	if seconds > 0 {
		speedup = length / seconds
	}

	out.Fprintf(stderr, "Encoded %.3f seconds of audio in %.6f seconds. Speedup: %.3f\n",
		length, seconds, speedup)

	stats := strm.Stats()
	if stats.Clamped > 0 {
		samples := stats.SamplesProcessed * int64(strm.Info().Channels)
		out.Fprintf(stderr, "clamped %d of %d samples\n", stats.Clamped, samples)
	}

	inStat, err := os.Stat(inPath)
	if err != nil {
		return
	}

	inSize := inStat.Size()

	ratio := 0.0
	if inSize > 0 {
		ratio = float64(stats.BytesWritten) / float64(inSize)
	}

	out.Fprintf(stderr, "Input file size: %d bytes Output file size: %d bytes. Compression ratio: %.4f\n",
		inSize, stats.BytesWritten, ratio)
}
