package quantum

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

// fixedSource returns the same sample forever.
type fixedSource float64

func (f fixedSource) Float64() float64 { return float64(f) }

func TestPrepareAndMeasureBasisStates(t *testing.T) {
	sv := NewStateVector(fixedSource(0.5))

	for _, b := range []Bit{0, 1} {
		h, err := Prepare(sv, b)
		require.NoError(t, err)

		got, prob, err := sv.Measure(h)
		require.NoError(t, err)
		require.Equal(t, b, got)
		require.InDelta(t, 1.0, prob, 1e-12)
		require.True(t, h.Consumed())
	}
}

func TestMeasuredHandleIsTombstoned(t *testing.T) {
	sv := NewStateVector(fixedSource(0.1))
	hs, err := sv.CreateHandles(2)
	require.NoError(t, err)

	_, _, err = sv.Measure(hs[0])
	require.NoError(t, err)

	_, _, err = sv.Measure(hs[0])
	require.True(t, errors.Is(err, ErrHandleConsumed), "err = %v", err)

	err = sv.Apply(CNOT, hs[0], hs[1])
	require.True(t, errors.Is(err, ErrHandleConsumed), "err = %v", err)

	err = sv.Discard(hs[0])
	require.True(t, errors.Is(err, ErrHandleConsumed), "err = %v", err)
}

func TestApplyValidatesArguments(t *testing.T) {
	sv := NewStateVector(fixedSource(0.1))
	hs, err := sv.CreateHandles(2)
	require.NoError(t, err)

	require.ErrorIs(t, sv.Apply(CNOT, hs[0]), ErrArity)
	require.ErrorIs(t, sv.Apply(SWAP, hs[0], hs[0]), ErrDuplicateHandle)
	require.ErrorIs(t, sv.Apply(Operator(42), hs[0]), ErrUnknownOperator)

	_, err = sv.CreateHandles(0)
	require.Error(t, err)
}

func TestHadamardGivesEqualSuperposition(t *testing.T) {
	sv := NewStateVector(fixedSource(0.1))
	hs, err := sv.CreateHandles(1)
	require.NoError(t, err)
	require.NoError(t, sv.Apply(H, hs[0]))

	p, err := sv.Probability(hs[0], 1)
	require.NoError(t, err)
	require.InDelta(t, 0.5, p, 1e-12)

	// H is self-inverse.
	require.NoError(t, sv.Apply(H, hs[0]))
	p, err = sv.Probability(hs[0], 0)
	require.NoError(t, err)
	require.InDelta(t, 1.0, p, 1e-12)
}

func TestGHZOutcomesAreCorrelated(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	sv := NewStateVector(rng)

	for i := 0; i < 50; i++ {
		hs, err := sv.CreateHandles(3)
		require.NoError(t, err)
		require.NoError(t, sv.Apply(H, hs[0]))
		require.NoError(t, sv.Apply(CNOT, hs[0], hs[1]))
		require.NoError(t, sv.Apply(CNOT, hs[0], hs[2]))

		b0, p0, err := sv.Measure(hs[0])
		require.NoError(t, err)
		require.InDelta(t, 0.5, p0, 1e-12)

		b1, p1, err := sv.Measure(hs[1])
		require.NoError(t, err)
		b2, _, err := sv.Measure(hs[2])
		require.NoError(t, err)

		require.Equal(t, b0, b1)
		require.Equal(t, b0, b2)
		require.InDelta(t, 1.0, p1, 1e-12)
	}
}

func TestControlledSwap(t *testing.T) {
	cases := []struct {
		name    string
		control Bit
		want    [2]Bit
	}{
		{"control off keeps order", 0, [2]Bit{1, 0}},
		{"control on swaps", 1, [2]Bit{0, 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sv := NewStateVector(fixedSource(0.3))
			c, err := Prepare(sv, tc.control)
			require.NoError(t, err)
			a, err := Prepare(sv, 1)
			require.NoError(t, err)
			b, err := Prepare(sv, 0)
			require.NoError(t, err)

			require.NoError(t, sv.Apply(CSWAP, c, a, b))

			ga, _, err := sv.Measure(a)
			require.NoError(t, err)
			gb, _, err := sv.Measure(b)
			require.NoError(t, err)
			require.Equal(t, tc.want, [2]Bit{ga, gb})
		})
	}
}

func TestSwapTestSuperpositionControl(t *testing.T) {
	sv := NewStateVector(fixedSource(0.3))
	c, err := sv.CreateHandles(1)
	require.NoError(t, err)
	require.NoError(t, sv.Apply(H, c[0]))
	a, err := Prepare(sv, 1)
	require.NoError(t, err)
	b, err := Prepare(sv, 0)
	require.NoError(t, err)

	require.NoError(t, sv.Apply(CSWAP, c[0], a, b))

	p, err := sv.Probability(a, 1)
	require.NoError(t, err)
	require.InDelta(t, 0.5, p, 1e-12)

	// Register norm survives measurement of a partner qubit.
	_, prob, err := sv.Measure(c[0])
	require.NoError(t, err)
	require.False(t, math.IsNaN(prob))
	pa, err := sv.Probability(a, 0)
	require.NoError(t, err)
	pb, err := sv.Probability(b, 0)
	require.NoError(t, err)
	require.InDelta(t, 1.0, pa+pb, 1e-12)
}
