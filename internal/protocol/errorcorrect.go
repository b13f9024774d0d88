package protocol

import (
	"fmt"

	"github.com/signalsfoundry/qkd-network-simulator/internal/quantum"
)

// Copies is a 3-bit repetition-code block.
type Copies [3]quantum.Bit

// Encode replicates b into three copies.
func Encode(b quantum.Bit) Copies {
	return Copies{b, b, b}
}

// Syndrome returns the pairwise inequality bits S1 = c0 != c1 and
// S2 = c1 != c2.
func Syndrome(c Copies) (s1, s2 quantum.Bit) {
	if c[0] != c[1] {
		s1 = 1
	}
	if c[1] != c[2] {
		s2 = 1
	}
	return s1, s2
}

// ApplyCorrection flips the copy the syndrome points at:
// (1,0) -> copy 0, (1,1) -> copy 1, (0,1) -> copy 2, (0,0) -> none.
func ApplyCorrection(c Copies) Copies {
	switch s1, s2 := Syndrome(c); {
	case s1 == 1 && s2 == 0:
		c[0] = c[0].Flip()
	case s1 == 1 && s2 == 1:
		c[1] = c[1].Flip()
	case s1 == 0 && s2 == 1:
		c[2] = c[2].Flip()
	}
	return c
}

// MajorityVote decodes a block.
func MajorityVote(c Copies) quantum.Bit {
	if int(c[0])+int(c[1])+int(c[2]) > 1 {
		return 1
	}
	return 0
}

// Decode runs the full encode, noise, correct, vote pipeline with an explicit
// flip pattern. Two or more flips are miscorrected, as for any 3-bit
// repetition code.
func Decode(original quantum.Bit, flips [3]bool) quantum.Bit {
	c := Encode(original)
	for i, f := range flips {
		if f {
			c[i] = c[i].Flip()
		}
	}
	return MajorityVote(ApplyCorrection(c))
}

// CorrectBit flips each copy of original independently with probability p
// and decodes the result.
func CorrectBit(original quantum.Bit, p float64, rng Rand) quantum.Bit {
	var flips [3]bool
	for i := range flips {
		flips[i] = rng.Float64() < p
	}
	return Decode(original, flips)
}

// Correct measures h, pushes the outcome through the noisy repetition code
// and returns a freshly prepared handle in the decoded state. h is consumed.
// It only fails when h itself is unusable.
func Correct(sub quantum.Substrate, h *quantum.Handle, p float64, rng Rand) (*quantum.Handle, quantum.Bit, error) {
	original, _, err := sub.Measure(h)
	if err != nil {
		return nil, 0, fmt.Errorf("error correction: %w", err)
	}
	decoded := CorrectBit(original, p, rng)
	out, err := quantum.Prepare(sub, decoded)
	if err != nil {
		return nil, 0, fmt.Errorf("error correction: prepare: %w", err)
	}
	return out, decoded, nil
}
