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
)

var errUnknownPolicy = errors.New("unknown normalize policy")

// NormalizePolicy selects the bit depth samples are normalized to before encoding.
type NormalizePolicy int

const (
	// PolicyDeclaredDepth keeps the bit depth declared by the source.
	PolicyDeclaredDepth NormalizePolicy = iota
	// Policy16Bit rescales every stream to 16 bits.
	Policy16Bit
)

func (p NormalizePolicy) String() string {
	switch p {
	case PolicyDeclaredDepth:
		return "declared"
	case Policy16Bit:
		return "16bit"
	default:
		return fmt.Sprintf("NormalizePolicy(%d)", int(p))
	}
}

// ParseNormalizePolicy parses the String form of a policy.
func ParseNormalizePolicy(name string) (NormalizePolicy, error) {
	switch name {
	case "declared", "":
		return PolicyDeclaredDepth, nil
	case "16bit":
		return Policy16Bit, nil
	default:
		return 0, fmt.Errorf("%w: %q", errUnknownPolicy, name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p NormalizePolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *NormalizePolicy) UnmarshalText(text []byte) error {
	policy, err := ParseNormalizePolicy(string(text))
	if err != nil {
		return err
	}

	*p = policy

	return nil
}

// Target returns the bit depth the policy produces for a stream declared at depth.
func (p NormalizePolicy) Target(declared BitDepth) BitDepth {
	if p == Policy16Bit {
		return Depth16
	}

	return declared
}

// Normalizer maps full-range 32-bit samples onto the signed range of a target bit depth.
// Scaling uses the exact ratio 2^(target-1) / 2^31 with round-half-up, so samples that were
// left-justified from the target depth come back unchanged.
type Normalizer struct {
	target BitDepth
	shift  uint
	lo, hi int32
}

// NewNormalizer returns a normalizer producing samples at target depth.
func NewNormalizer(target BitDepth) Normalizer {
	return Normalizer{
		target: target,
		shift:  32 - uint(target),
		lo:     target.Min(),
		hi:     target.Max(),
	}
}

// Target returns the output bit depth.
func (n Normalizer) Target() BitDepth { return n.target }

// Normalize rescales buf in place and returns the number of samples that had to be clamped.
func (n Normalizer) Normalize(buf []int32) int {
	if n.shift == 0 {
		return n.Clamp(buf)
	}

	half := int64(1) << (n.shift - 1)
	clamped := 0

	for i, s := range buf {
		v := (int64(s) + half) >> n.shift

		switch {
		case v > int64(n.hi):
			buf[i] = n.hi
			clamped++
		case v < int64(n.lo):
			buf[i] = n.lo
			clamped++
		default:
			buf[i] = int32(v) //nolint:gosec // Range checked above.
		}
	}

	return clamped
}

// Clamp limits every sample of buf to the target range in place and returns how many changed.
// Clamp is idempotent.
func (n Normalizer) Clamp(buf []int32) int {
	clamped := 0

	for i, s := range buf {
		switch {
		case s > n.hi:
			buf[i] = n.hi
			clamped++
		case s < n.lo:
			buf[i] = n.lo
			clamped++
		}
	}

	return clamped
}
