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
	"github.com/mewkiz/flac/meta"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotReady is returned when Process or Finish is called outside of StateOK.
	ErrNotReady = errors.New("encoder not ready")

	// ErrSampleCount is returned when Process is given fewer samples than frames*channels.
	ErrSampleCount = errors.New("sample slice shorter than frame count")

	// ErrVerify is returned by Finish when the decoded stream differs from the input.
	ErrVerify = errors.New("verification failed")
)

// Encoder is a block-based FLAC encoder driven incrementally. Samples handed to Process are
// buffered into blocks; every completed block is analyzed and written to the output writer
// before Process returns, unless several threads are configured, in which case blocks are
// analyzed in parallel batches.
type Encoder struct {
	out   *trackingWriter
	state State
	p     params

	enc     *goflac.Encoder
	pending *block
	batch   []*block
	free    []*block
	workers []*scratch

	looseBlocks int
	looseMode   frame.Channels

	inputHash  hash.Hash
	hashBuf    []byte
	samplesIn  uint64
	verify     *bytes.Buffer
	framesDone uint64
}

// block holds the deinterleaved samples of one frame.
type block struct {
	samples [][]int32
	n       int
	mode    frame.Channels
	plans   []subframePlan
}

// New returns an uninitialized encoder writing to writer. The encoder only ever calls Write.
func New(writer io.Writer) *Encoder {
	return &Encoder{out: &trackingWriter{w: writer}}
}

// State returns the current encoder state.
func (e *Encoder) State() State { return e.state }

// BlockSize returns the resolved block size; zero before Init.
func (e *Encoder) BlockSize() int { return e.p.blockSize }

// Init validates settings, writes the stream header and moves the encoder to StateOK.
// On failure it returns an *InitError.
func (e *Encoder) Init(settings Settings) error {
	if e.state != StateUninitialized {
		return &InitError{Status: InitStatusAlreadyInitialized}
	}

	resolved, status := settings.resolve()
	if status != InitStatusOK {
		return &InitError{Status: status}
	}

	e.p = resolved

	var dst io.Writer = e.out
	if settings.Verify {
		e.verify = &bytes.Buffer{}
		e.inputHash = md5.New() //nolint:gosec // See import.
		dst = io.MultiWriter(e.out, e.verify)
	}

	info := &meta.StreamInfo{
		BlockSizeMin:  uint16(resolved.blockSize),  //nolint:gosec // Validated to 16-65535.
		BlockSizeMax:  uint16(resolved.blockSize),  //nolint:gosec // Validated to 16-65535.
		SampleRate:    uint32(resolved.sampleRate), //nolint:gosec // Validated to fit 20 bits.
		NChannels:     uint8(resolved.channels),    //nolint:gosec // Validated to 1-8.
		BitsPerSample: uint8(resolved.bps),         //nolint:gosec // Validated to 4-32.
		NSamples:      settings.TotalSamples,
	}

	// writeOnly hides any Seek or Close method of dst from the bitstream writer.
	enc, err := goflac.NewEncoder(writeOnly{dst}, info)
	if err != nil {
		e.state = e.failureState()

		return &InitError{Status: InitStatusEncoderError, Err: e.cause(err)}
	}

	e.enc = enc
	e.pending = e.newBlock()

	e.workers = make([]*scratch, resolved.threads)
	for i := range e.workers {
		e.workers[i] = newScratch(resolved.blockSize)
	}

	e.state = StateOK

	return nil
}

// Process encodes frames interleaved samples (frames*channels values) from samples.
// Completed blocks are written before Process returns.
func (e *Encoder) Process(samples []int32, frames int) error {
	if e.state != StateOK {
		return fmt.Errorf("%w: %s", ErrNotReady, e.state)
	}

	nChannels := e.p.channels
	if len(samples) < frames*nChannels {
		e.state = StateClientError

		return fmt.Errorf("%w: %d samples for %d frames of %d channels", ErrSampleCount, len(samples), frames, nChannels)
	}

	if e.inputHash != nil {
		e.hashSamples(samples[:frames*nChannels])
	}

	e.samplesIn += uint64(frames) //nolint:gosec // frames is non-negative.

	offset := 0
	for offset < frames {
		take := min(frames-offset, e.p.blockSize-e.pending.n)

		e.pending.fill(samples[offset*nChannels:], take)
		offset += take

		if e.pending.n < e.p.blockSize {
			continue
		}

		e.batch = append(e.batch, e.pending)
		e.pending = e.newBlock()

		if len(e.batch) >= e.p.threads {
			if err := e.flushBatch(); err != nil {
				return err
			}
		}
	}

	return nil
}

// Finish writes the remaining buffered samples as a final short block, completes the stream and,
// when verification is enabled, checks the produced stream against the input.
func (e *Encoder) Finish() error {
	if e.state != StateOK {
		return fmt.Errorf("%w: %s", ErrNotReady, e.state)
	}

	if e.pending.n > 0 {
		e.batch = append(e.batch, e.pending)
		e.pending = e.newBlock()
	}

	if err := e.flushBatch(); err != nil {
		return err
	}

	if err := e.enc.Close(); err != nil {
		e.state = e.failureState()

		return fmt.Errorf("closing stream: %w", e.cause(err))
	}

	if e.verify != nil {
		if err := e.verifyOutput(); err != nil {
			e.state = StateVerifyMismatch

			return err
		}
	}

	e.state = StateFinished

	return nil
}

// flushBatch analyzes the batched blocks and writes them in order.
func (e *Encoder) flushBatch() error {
	if len(e.batch) == 0 {
		return nil
	}

	e.assignLooseModes()

	if len(e.batch) == 1 {
		e.planBlock(e.batch[0], e.workers[0])
	} else {
		var group errgroup.Group

		group.SetLimit(len(e.workers))

		jobs := make(chan *scratch, len(e.workers))
		for _, sc := range e.workers {
			jobs <- sc
		}

		for _, b := range e.batch {
			group.Go(func() error {
				sc := <-jobs
				e.planBlock(b, sc)
				jobs <- sc

				return nil
			})
		}

		_ = group.Wait()
	}

	for _, b := range e.batch {
		if err := e.writeBlock(b); err != nil {
			return err
		}

		e.free = append(e.free, b)
	}

	e.batch = e.batch[:0]

	return nil
}

// assignLooseModes fixes the stereo assignment of batched blocks when loose mid-side is on.
// The assignment is re-evaluated once per interval and reused in between.
func (e *Encoder) assignLooseModes() {
	if !e.p.midSide || !e.p.looseMidSide {
		return
	}

	for _, b := range e.batch {
		if e.looseBlocks%e.p.looseInterval == 0 {
			e.looseMode = guessStereo(b.samples[0][:b.n], b.samples[1][:b.n], e.workers[0])
		}

		e.looseBlocks++
		b.mode = e.looseMode
	}
}

// planBlock chooses the channel assignment (unless already fixed) and the subframe plans.
func (e *Encoder) planBlock(b *block, sc *scratch) {
	bps := e.p.bps

	if e.p.midSide {
		left, right := b.samples[0][:b.n], b.samples[1][:b.n]

		var plans [2]subframePlan
		if e.p.looseMidSide {
			plans = e.p.analysis.planAssigned(b.mode, left, right, bps, sc)
		} else {
			b.mode, plans = e.p.analysis.planStereo(left, right, bps, sc)
		}

		b.plans = append(b.plans[:0], plans[:]...)

		return
	}

	b.mode = frame.Channels(e.p.channels - 1) //nolint:gosec // channels is 1-8.
	b.plans = b.plans[:0]

	for ch := range b.samples {
		b.plans = append(b.plans, e.p.analysis.plan(b.samples[ch][:b.n], bps, sc))
	}
}

// writeBlock encodes one planned block as a FLAC frame.
func (e *Encoder) writeBlock(b *block) error {
	f := e.buildFrame(b)

	if err := e.enc.WriteFrame(f); err != nil {
		e.state = e.failureState()

		return fmt.Errorf("writing frame %d: %w", e.framesDone, e.cause(err))
	}

	e.framesDone++

	return nil
}

// buildFrame constructs a FLAC frame from a planned block.
func (e *Encoder) buildFrame(b *block) *frame.Frame {
	subframes := make([]*frame.Subframe, len(b.samples))
	for ch := range subframes {
		sub := &frame.Subframe{
			Samples:  b.samples[ch][:b.n],
			NSamples: b.n,
		}
		b.plans[ch].apply(sub)
		subframes[ch] = sub
	}

	return &frame.Frame{
		Header: frame.Header{
			HasFixedBlockSize: true,
			BlockSize:         uint16(b.n),            //nolint:gosec // n <= block size <= 65535.
			SampleRate:        uint32(e.p.sampleRate), //nolint:gosec // Validated at init.
			Channels:          b.mode,
			BitsPerSample:     uint8(e.p.bps), //nolint:gosec // Validated at init.
		},
		Subframes: subframes,
	}
}

func (e *Encoder) newBlock() *block {
	if n := len(e.free); n > 0 {
		b := e.free[n-1]
		e.free = e.free[:n-1]
		b.n = 0

		return b
	}

	b := &block{
		samples: make([][]int32, e.p.channels),
		plans:   make([]subframePlan, 0, e.p.channels),
	}
	for ch := range b.samples {
		b.samples[ch] = make([]int32, e.p.blockSize)
	}

	return b
}

// fill appends count interleaved frames from src to the block.
func (b *block) fill(src []int32, count int) {
	nChannels := len(b.samples)
	pos := 0

	for i := b.n; i < b.n+count; i++ {
		for ch := range nChannels {
			b.samples[ch][i] = src[pos]
			pos++
		}
	}

	b.n += count
}

func (e *Encoder) hashSamples(samples []int32) {
	need := len(samples) * 4
	if cap(e.hashBuf) < need {
		e.hashBuf = make([]byte, need)
	}

	buf := e.hashBuf[:need]
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(s)) //nolint:gosec // Bit reinterpretation.
	}

	_, _ = e.inputHash.Write(buf)
}

// failureState classifies a bitstream writer failure: output errors are I/O errors, anything
// else is a framing error.
func (e *Encoder) failureState() State {
	if e.out.err != nil {
		return StateIOError
	}

	return StateFramingError
}

// cause prefers the output writer's own error, which keeps its type for errors.As.
func (e *Encoder) cause(err error) error {
	if e.out.err != nil {
		return e.out.err
	}

	return err
}

// trackingWriter remembers the first error returned by the output writer.
type trackingWriter struct {
	w   io.Writer
	err error
	n   int64
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	if t.err != nil {
		return 0, t.err
	}

	n, err := t.w.Write(p)
	t.n += int64(n)

	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}

	if err != nil {
		t.err = err
	}

	return n, err
}

type writeOnly struct {
	io.Writer
}

// BytesWritten returns the number of bytes delivered to the output writer.
func (e *Encoder) BytesWritten() int64 { return e.out.n }
