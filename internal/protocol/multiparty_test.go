package protocol

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/qkd-network-simulator/internal/events"
)

type fakeMetrics struct {
	poolSizes  []int
	fidelities []float64
	keyLengths map[string]int
}

func (f *fakeMetrics) SetKeyPoolLength(node string, n int) {
	if f.keyLengths == nil {
		f.keyLengths = map[string]int{}
	}
	f.keyLengths[node] = n
}
func (f *fakeMetrics) SetEntanglementPoolSize(n int) { f.poolSizes = append(f.poolSizes, n) }
func (f *fakeMetrics) ObserveFidelity(v float64)     { f.fidelities = append(f.fidelities, v) }

func startMultiParty(t *testing.T, h *harness, pool *EntanglementPool, cfg MultiPartyConfig) *MultiParty {
	t.Helper()
	mp, err := NewMultiParty(h.env, "Charlie", pool, cfg)
	require.NoError(t, err)
	require.NoError(t, mp.Start(context.Background()))
	return mp
}

func TestEntanglementPoolIsFIFO(t *testing.T) {
	pool := NewEntanglementPool(0)
	for i := 0; i < 5; i++ {
		require.True(t, pool.Push(&EntangledGroup{ID: pool.NextID()}))
	}
	require.Equal(t, 5, pool.Len())
	for want := uint64(1); want <= 5; want++ {
		g, ok := pool.Pop()
		require.True(t, ok)
		require.Equal(t, want, g.ID)
	}
	_, ok := pool.Pop()
	require.False(t, ok)
}

func TestEntanglementPoolCapacity(t *testing.T) {
	pool := NewEntanglementPool(2)
	require.Equal(t, 2, pool.Capacity())
	require.True(t, pool.Push(&EntangledGroup{ID: 1}))
	require.True(t, pool.Push(&EntangledGroup{ID: 2}))
	require.False(t, pool.Push(&EntangledGroup{ID: 3}))
	require.False(t, pool.Push(nil))
	require.Equal(t, 2, pool.Len())
}

func TestGenerateProducesCorrelatedGHZ(t *testing.T) {
	h := newHarness(t, &scriptedRand{})
	mp, err := NewMultiParty(h.env, "Charlie", NewEntanglementPool(0), DefaultMultiPartyConfig())
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		g, err := mp.generate()
		require.NoError(t, err)
		first, _, err := h.sub.Measure(g.Handles[0])
		require.NoError(t, err)
		for _, q := range g.Handles[1:] {
			b, _, err := h.sub.Measure(q)
			require.NoError(t, err)
			require.Equal(t, first, b)
		}
	}
}

func TestMultiPartyRecyclesByFidelity(t *testing.T) {
	// 0 -> fidelity 0.85 (discard), 0.5 -> 0.925 (recycle).
	draws := []float64{0, 0.5, 0, 0.5}
	rng := &scriptedRand{float: func(i int) float64 { return draws[i%len(draws)] }}
	h := newHarness(t, rng)
	m := &fakeMetrics{}
	h.env.Metrics = m
	pool := NewEntanglementPool(64)
	mp := startMultiParty(t, h, pool, DefaultMultiPartyConfig())

	require.NoError(t, h.runFor(t, 80*time.Millisecond))

	require.Equal(t, 4, mp.Distributed())
	require.Equal(t, 3, mp.Generated())
	require.Equal(t, 1, mp.Reused())
	require.Equal(t, 2, h.rec.Count("Charlie", events.KindGHZRecycled))
	require.Equal(t, 2, h.rec.Count("Charlie", events.KindGHZDiscarded))
	require.Equal(t, 1, pool.Len())
	require.Equal(t, []int{0, 1, 0, 1}, m.poolSizes)
	require.Len(t, m.fidelities, 4)
	require.InDelta(t, 0.85, m.fidelities[0], 1e-12)
	require.InDelta(t, 0.925, m.fidelities[1], 1e-12)

	for _, ev := range h.rec.Events() {
		if ev.Kind == events.KindGHZDistributed {
			require.Equal(t, "Alice,Bob,Charlie", ev.Field("parties"))
		}
	}

	// The recycled group is still live; the discarded ones were measured.
	g, ok := pool.Pop()
	require.True(t, ok)
	for _, q := range g.Handles {
		require.False(t, q.Consumed())
	}
}

func TestMultiPartyZeroThresholdNeverEmptiesPool(t *testing.T) {
	h := newHarness(t, rand.New(rand.NewPCG(5, 5)))
	pool := NewEntanglementPool(64)
	cfg := DefaultMultiPartyConfig()
	cfg.Threshold = 0
	mp := startMultiParty(t, h, pool, cfg)

	last := 0
	h.rec.Subscribe(func(ev events.Event) {
		if ev.Kind != events.KindGHZDistributed {
			return
		}
		require.GreaterOrEqual(t, pool.Len(), last)
		require.Positive(t, pool.Len())
		last = pool.Len()
	})

	require.NoError(t, h.runFor(t, time.Second))
	require.Equal(t, 50, mp.Distributed())
	require.Equal(t, 1, mp.Generated())
	require.Equal(t, 49, mp.Reused())
	require.Zero(t, h.rec.Count("", events.KindGHZDiscarded))
}

func TestMultiPartyFullThresholdAlwaysDiscards(t *testing.T) {
	h := newHarness(t, rand.New(rand.NewPCG(6, 6)))
	pool := NewEntanglementPool(64)
	cfg := DefaultMultiPartyConfig()
	cfg.Threshold = 1
	mp := startMultiParty(t, h, pool, cfg)

	require.NoError(t, h.runFor(t, 200*time.Millisecond))
	require.Equal(t, 10, mp.Distributed())
	require.Equal(t, 10, mp.Generated())
	require.Zero(t, mp.Reused())
	require.Zero(t, pool.Len())
}

func TestMultiPartyDiscardsWhenPoolFull(t *testing.T) {
	h := newHarness(t, &scriptedRand{float: func(int) float64 { return 0.9 }})
	pool := NewEntanglementPool(1)
	mp := startMultiParty(t, h, pool, DefaultMultiPartyConfig())

	// Another holder fills the only slot while the fresh group is in use.
	h.rec.Subscribe(func(ev events.Event) {
		if ev.Kind == events.KindGHZGenerated {
			pool.Push(&EntangledGroup{ID: pool.NextID()})
		}
	})

	require.NoError(t, h.runFor(t, 20*time.Millisecond))
	require.Equal(t, 1, mp.Generated())
	require.Equal(t, 1, h.rec.Count("", events.KindGHZDiscarded))
	require.Zero(t, h.rec.Count("", events.KindGHZRecycled))
	require.Equal(t, 1, pool.Len())

	for _, ev := range h.rec.Events() {
		if ev.Kind == events.KindGHZDiscarded {
			require.Equal(t, true, ev.Field("pool_full"))
		}
	}
}
