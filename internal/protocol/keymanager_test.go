package protocol

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/qkd-network-simulator/internal/events"
	"github.com/signalsfoundry/qkd-network-simulator/internal/quantum"
)

func startKeyManager(t *testing.T, h *harness, cfg KeyManagerConfig) *KeyManager {
	t.Helper()
	km, err := NewKeyManager(h.env, "Alice", cfg)
	require.NoError(t, err)
	require.NoError(t, km.Start(context.Background()))
	return km
}

func TestKeyManagerReachesTargetWithoutRevocation(t *testing.T) {
	rng := &scriptedRand{
		float: func(int) float64 { return 0.99 },
		intn:  func(i, _ int) int { return i % 2 },
	}
	h := newHarness(t, rng)
	km := startKeyManager(t, h, DefaultKeyManagerConfig())

	require.NoError(t, h.runFor(t, 2*time.Second))

	require.True(t, km.Done())
	require.Equal(t, 128, km.Ticks())
	pool := km.Pool()
	require.Len(t, pool, 128)
	require.Equal(t, pool[110:120], km.ActiveKey())
	require.Equal(t, 128, h.rec.Count("Alice", events.KindKeyGenerated))
	require.Equal(t, 12, h.rec.Count("Alice", events.KindKeyRekeyed))
	require.Zero(t, h.rec.Count("Alice", events.KindKeyRevoked))
	require.Equal(t, 1, h.rec.Count("Alice", events.KindKeyTargetReached))

	// No ticks remain after termination.
	require.Zero(t, h.sched.Pending())

	evs := h.rec.Events()
	last := evs[len(evs)-1]
	require.Equal(t, events.KindKeyTargetReached, last.Kind)
	require.Equal(t, 1280*time.Millisecond, last.Elapsed)
}

func TestKeyManagerRevocationTruncatesToLastTwenty(t *testing.T) {
	// Float draws happen once per tick; the 25th tick triggers revocation.
	rng := &scriptedRand{
		float: func(i int) float64 {
			if i == 24 {
				return 0
			}
			return 0.99
		},
		intn: func(i, _ int) int { return (i / 3) % 2 },
	}
	h := newHarness(t, rng)
	km := startKeyManager(t, h, DefaultKeyManagerConfig())

	require.NoError(t, h.runFor(t, 250*time.Millisecond))
	require.Equal(t, 1, h.rec.Count("Alice", events.KindKeyRevoked))

	var revoked events.Event
	for _, ev := range h.rec.Events() {
		if ev.Kind == events.KindKeyRevoked {
			revoked = ev
		}
	}
	require.Equal(t, 25, revoked.Field("before"))
	require.Equal(t, 20, revoked.Field("pool_length"))
	require.Equal(t, 250*time.Millisecond, revoked.Elapsed)

	pool := km.Pool()
	require.Len(t, pool, 20)
	expected := make([]quantum.Bit, 0, 20)
	for i := 5; i < 25; i++ {
		expected = append(expected, quantum.Bit((i/3)%2))
	}
	require.Equal(t, expected, pool)

	require.NoError(t, h.runFor(t, 2*time.Second))
	require.True(t, km.Done())
	require.Equal(t, 25+108, km.Ticks())
	require.Len(t, km.Pool(), 128)
}

func TestKeyManagerInvariantsHoldUnderRandomRun(t *testing.T) {
	h := newHarness(t, rand.New(rand.NewPCG(2024, 7)))
	cfg := DefaultKeyManagerConfig()
	startKeyManager(t, h, cfg)

	h.rec.Subscribe(func(ev events.Event) {
		n, _ := ev.Field("pool_length").(int)
		switch ev.Kind {
		case events.KindKeyGenerated:
			require.LessOrEqual(t, n, cfg.TargetKeyLength)
		case events.KindKeyRevoked:
			require.LessOrEqual(t, n, cfg.RevocationKeep)
		}
	})

	require.NoError(t, h.runFor(t, 10*time.Second))
	require.Positive(t, h.rec.Count("Alice", events.KindKeyGenerated))
}

func TestKeyManagerTrajectoryIsReproducible(t *testing.T) {
	trajectory := func() ([]string, []quantum.Bit) {
		h := newHarness(t, rand.New(rand.NewPCG(99, 1)))
		km := startKeyManager(t, h, DefaultKeyManagerConfig())
		require.NoError(t, h.runFor(t, 3*time.Second))

		var kinds []string
		for _, ev := range h.rec.Events() {
			kinds = append(kinds, ev.Kind.String()+"@"+ev.Elapsed.String())
		}
		return kinds, km.Pool()
	}

	k1, p1 := trajectory()
	k2, p2 := trajectory()
	require.Equal(t, k1, k2)
	require.Equal(t, p1, p2)
}

func TestNewKeyManagerRejectsBadConfig(t *testing.T) {
	h := newHarness(t, &scriptedRand{})
	for _, mutate := range []func(*KeyManagerConfig){
		func(c *KeyManagerConfig) { c.TargetKeyLength = 0 },
		func(c *KeyManagerConfig) { c.Tick = 0 },
		func(c *KeyManagerConfig) { c.RevocationProbability = 1.5 },
		func(c *KeyManagerConfig) { c.RekeyWindow = 0 },
	} {
		cfg := DefaultKeyManagerConfig()
		mutate(&cfg)
		_, err := NewKeyManager(h.env, "Alice", cfg)
		require.ErrorIs(t, err, ErrInvalidConfig)
	}
}
