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
	"math"
	"math/bits"

	"github.com/mewkiz/flac/frame"
)

const (
	// Widest subframe, side channel included, that fixed prediction is attempted on.
	// Order 4 residuals of 25-bit input stay within 30 bits.
	maxFixedBitsPerSample = 25
	maxFixedOrder         = 4

	rice1MaxParam  = 14
	rice2MaxParam  = 30
	rice1ParamBits = 4
	rice2ParamBits = 5

	subframeHeaderBits = 8
	residualHeaderBits = 2 + 4
)

// analysis selects how each subframe is coded.
type analysis struct {
	maxFixedOrder     int
	maxPartitionOrder int
	// exact counts the coded size of every predictor order instead of picking one by residual energy.
	exact bool
	// exhaustive also tries every rice parameter for every partition.
	exhaustive bool
}

// subframePlan describes the coding of one subframe and its size in bits.
type subframePlan struct {
	pred   frame.Pred
	order  int
	method frame.ResidualCodingMethod
	rice   *frame.RiceSubframe
	bits   uint64
}

// apply copies the plan into the subframe header handed to the bitstream writer.
func (p subframePlan) apply(sub *frame.Subframe) {
	sub.Pred = p.pred
	sub.Order = p.order
	sub.ResidualCodingMethod = p.method
	sub.RiceSubframe = p.rice
}

// scratch holds per-worker buffers reused across blocks.
type scratch struct {
	residual []uint32
	side     []int32
	mid      []int32
}

func newScratch(blockSize int) *scratch {
	return &scratch{
		residual: make([]uint32, 0, blockSize),
		side:     make([]int32, blockSize),
		mid:      make([]int32, blockSize),
	}
}

// plan picks the cheapest coding for one channel of samples at the given bits per sample.
func (a analysis) plan(samples []int32, bps int, sc *scratch) subframePlan {
	n := len(samples)

	if isConstant(samples) {
		return subframePlan{pred: frame.PredConstant, bits: subframeHeaderBits + uint64(bps)} //nolint:gosec // bps is 4-33.
	}

	best := subframePlan{
		pred: frame.PredVerbatim,
		bits: subframeHeaderBits + uint64(n)*uint64(bps), //nolint:gosec // n and bps are positive.
	}

	if bps > maxFixedBitsPerSample {
		return best
	}

	topOrder := min(a.maxFixedOrder, maxFixedOrder, n-1)

	if !a.exact {
		order := bestFixedOrder(samples, topOrder, sc)
		if cand, ok := a.fixed(samples, bps, order, sc); ok && cand.bits < best.bits {
			best = cand
		}

		return best
	}

	for order := 0; order <= topOrder; order++ {
		if cand, ok := a.fixed(samples, bps, order, sc); ok && cand.bits < best.bits {
			best = cand
		}
	}

	return best
}

// fixed plans a fixed-predictor subframe of the given order.
func (a analysis) fixed(samples []int32, bps, order int, sc *scratch) (subframePlan, bool) {
	sc.residual = fixedResiduals(sc.residual, samples, order)

	rice, method, riceBits, ok := a.rice(sc.residual, len(samples), order)
	if !ok {
		return subframePlan{}, false
	}

	return subframePlan{
		pred:   frame.PredFixed,
		order:  order,
		method: method,
		rice:   rice,
		//nolint:gosec // order and bps are small positive values.
		bits: subframeHeaderBits + uint64(order*bps) + residualHeaderBits + riceBits,
	}, true
}

// rice chooses the partition order and per-partition parameters for folded residuals.
func (a analysis) rice(
	residual []uint32, blockSize, order int,
) (*frame.RiceSubframe, frame.ResidualCodingMethod, uint64, bool) {
	var (
		best       *frame.RiceSubframe
		bestMethod frame.ResidualCodingMethod
		bestBits   uint64 = math.MaxUint64
	)

	for partOrder := 0; partOrder <= a.maxPartitionOrder; partOrder++ {
		nparts := 1 << partOrder
		if blockSize%nparts != 0 {
			break
		}

		partSize := blockSize >> partOrder
		if partSize <= order {
			break
		}

		partitions := make([]frame.RicePartition, nparts)
		total := uint64(0)
		wide := false
		start := 0

		for i := range partitions {
			count := partSize
			if i == 0 {
				count -= order
			}

			param, partBits := a.riceParam(residual[start : start+count])
			start += count

			partitions[i].Param = param
			total += partBits

			if param > rice1MaxParam {
				wide = true
			}
		}

		method := frame.ResidualCodingMethodRice1
		paramBits := uint64(rice1ParamBits)

		if wide {
			method = frame.ResidualCodingMethodRice2
			paramBits = rice2ParamBits
		}

		total += uint64(nparts) * paramBits //nolint:gosec // nparts <= 256.

		if total < bestBits {
			bestBits = total
			bestMethod = method
			best = &frame.RiceSubframe{PartOrder: partOrder, Partitions: partitions}
		}
	}

	if best == nil {
		return nil, 0, 0, false
	}

	return best, bestMethod, bestBits, true
}

// riceParam returns the rice parameter minimizing the coded size of part, and that size.
func (a analysis) riceParam(part []uint32) (uint, uint64) {
	if len(part) == 0 {
		return 0, 0
	}

	lo, hi := uint(0), uint(rice2MaxParam)

	if !a.exhaustive {
		sum := uint64(0)
		for _, u := range part {
			sum += uint64(u)
		}

		guess := uint(0)
		if mean := sum / uint64(len(part)); mean > 0 {
			guess = uint(bits.Len64(mean)) - 1 //nolint:gosec // Len64 is at most 64.
		}

		lo = max(guess, 1) - 1
		hi = min(guess+1, rice2MaxParam)
	}

	bestParam := lo
	bestBits := uint64(math.MaxUint64)

	for param := lo; param <= hi; param++ {
		if n := riceBits(part, param); n < bestBits {
			bestParam, bestBits = param, n
		}
	}

	return bestParam, bestBits
}

// riceBits is the size of part coded with the given rice parameter.
func riceBits(part []uint32, param uint) uint64 {
	total := uint64(len(part)) * uint64(1+param)
	for _, u := range part {
		total += uint64(u >> param)
	}

	return total
}

// bestFixedOrder returns the order whose residuals have the smallest magnitude sum.
func bestFixedOrder(samples []int32, topOrder int, sc *scratch) int {
	best, bestSum := 0, uint64(math.MaxUint64)

	for order := 0; order <= topOrder; order++ {
		sc.residual = fixedResiduals(sc.residual, samples, order)

		sum := uint64(0)
		for _, u := range sc.residual {
			sum += uint64(u)
		}

		if sum < bestSum {
			best, bestSum = order, sum
		}
	}

	return best
}

// fixedResiduals computes the folded (zigzag) residuals of the fixed predictor of the given order.
//
//nolint:varnamelen // s and i are idiomatic for sample loops.
func fixedResiduals(dst []uint32, s []int32, order int) []uint32 {
	dst = dst[:0]

	for i := order; i < len(s); i++ {
		var r int64

		switch order {
		case 0:
			r = int64(s[i])
		case 1:
			r = int64(s[i]) - int64(s[i-1])
		case 2:
			r = int64(s[i]) - 2*int64(s[i-1]) + int64(s[i-2])
		case 3:
			r = int64(s[i]) - 3*int64(s[i-1]) + 3*int64(s[i-2]) - int64(s[i-3])
		default:
			r = int64(s[i]) - 4*int64(s[i-1]) + 6*int64(s[i-2]) - 4*int64(s[i-3]) + int64(s[i-4])
		}

		dst = append(dst, fold(r))
	}

	return dst
}

// fold maps signed residuals onto unsigned values: 0, -1, 1, -2, 2, ...
func fold(r int64) uint32 {
	return uint32((r << 1) ^ (r >> 63)) //nolint:gosec // Residuals fit 31 bits for supported depths.
}

func isConstant(samples []int32) bool {
	for _, s := range samples[1:] {
		if s != samples[0] {
			return false
		}
	}

	return true
}

// stereoSignals fills the side and mid scratch buffers for a left/right pair.
func stereoSignals(left, right []int32, sc *scratch) (side, mid []int32) {
	side, mid = sc.side[:len(left)], sc.mid[:len(left)]

	for i, l := range left {
		r := right[i]
		side[i] = l - r
		mid[i] = (l + r) >> 1
	}

	return side, mid
}

// planStereo evaluates the four channel assignments of a stereo block and returns the smallest.
func (a analysis) planStereo(left, right []int32, bps int, sc *scratch) (frame.Channels, [2]subframePlan) {
	leftPlan := a.plan(left, bps, sc)
	rightPlan := a.plan(right, bps, sc)

	side, mid := stereoSignals(left, right, sc)
	sidePlan := a.plan(side, bps+1, sc)
	midPlan := a.plan(mid, bps, sc)

	mode, plans := frame.ChannelsLR, [2]subframePlan{leftPlan, rightPlan}
	best := leftPlan.bits + rightPlan.bits

	if n := leftPlan.bits + sidePlan.bits; n < best {
		mode, plans, best = frame.ChannelsLeftSide, [2]subframePlan{leftPlan, sidePlan}, n
	}

	if n := sidePlan.bits + rightPlan.bits; n < best {
		mode, plans, best = frame.ChannelsSideRight, [2]subframePlan{sidePlan, rightPlan}, n
	}

	if n := midPlan.bits + sidePlan.bits; n < best {
		mode, plans = frame.ChannelsMidSide, [2]subframePlan{midPlan, sidePlan}
	}

	return mode, plans
}

// guessStereo picks a channel assignment from second order residual energy without coding anything.
func guessStereo(left, right []int32, sc *scratch) frame.Channels {
	side, mid := stereoSignals(left, right, sc)

	energy := func(s []int32) uint64 {
		sc.residual = fixedResiduals(sc.residual, s, min(2, len(s)-1))

		sum := uint64(0)
		for _, u := range sc.residual {
			sum += uint64(u)
		}

		return sum
	}

	l, r, s, m := energy(left), energy(right), energy(side), energy(mid)

	mode, best := frame.ChannelsLR, l+r
	if n := l + s; n < best {
		mode, best = frame.ChannelsLeftSide, n
	}

	if n := s + r; n < best {
		mode, best = frame.ChannelsSideRight, n
	}

	if m+s < best {
		mode = frame.ChannelsMidSide
	}

	return mode
}

// planAssigned plans a stereo block whose channel assignment was already decided.
func (a analysis) planAssigned(
	mode frame.Channels, left, right []int32, bps int, sc *scratch,
) [2]subframePlan {
	switch mode {
	case frame.ChannelsLeftSide:
		side, _ := stereoSignals(left, right, sc)
		sidePlan := a.plan(side, bps+1, sc)

		return [2]subframePlan{a.plan(left, bps, sc), sidePlan}
	case frame.ChannelsSideRight:
		side, _ := stereoSignals(left, right, sc)
		sidePlan := a.plan(side, bps+1, sc)

		return [2]subframePlan{sidePlan, a.plan(right, bps, sc)}
	case frame.ChannelsMidSide:
		side, mid := stereoSignals(left, right, sc)
		sidePlan := a.plan(side, bps+1, sc)
		midPlan := a.plan(mid, bps, sc)

		return [2]subframePlan{midPlan, sidePlan}
	default:
		return [2]subframePlan{a.plan(left, bps, sc), a.plan(right, bps, sc)}
	}
}
