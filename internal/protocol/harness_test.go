package protocol

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/qkd-network-simulator/internal/events"
	"github.com/signalsfoundry/qkd-network-simulator/internal/network"
	"github.com/signalsfoundry/qkd-network-simulator/internal/quantum"
	"github.com/signalsfoundry/qkd-network-simulator/internal/scheduler"
	"github.com/signalsfoundry/qkd-network-simulator/timectrl"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// scriptedRand replays deterministic values. Nil funcs fall back to 0.5 and 0.
type scriptedRand struct {
	float func(i int) float64
	intn  func(i, n int) int
	fi    int
	ii    int
}

func (r *scriptedRand) Float64() float64 {
	i := r.fi
	r.fi++
	if r.float == nil {
		return 0.5
	}
	return r.float(i)
}

func (r *scriptedRand) IntN(n int) int {
	i := r.ii
	r.ii++
	if r.intn == nil {
		return 0
	}
	return r.intn(i, n)
}

type harness struct {
	clock *timectrl.TimeController
	sched scheduler.EventScheduler
	rec   *events.Recorder
	sub   *quantum.StateVector
	env   Env
}

func newHarness(t *testing.T, rng Rand) *harness {
	t.Helper()
	clock := timectrl.NewTimeController(epoch, timectrl.Accelerated)
	sched := scheduler.NewEventScheduler(clock)
	rec := events.NewRecorder(clock)
	sub := quantum.NewStateVector(rand.New(rand.NewPCG(11, 13)))
	return &harness{
		clock: clock,
		sched: sched,
		rec:   rec,
		sub:   sub,
		env: Env{
			Sched:     sched,
			Substrate: sub,
			Rand:      rng,
			Events:    rec,
		},
	}
}

func (h *harness) runFor(t *testing.T, d time.Duration) error {
	t.Helper()
	_, err := h.sched.RunUntil(context.Background(), epoch.Add(d))
	return err
}

func (h *harness) mdiNetwork(t *testing.T) *network.Network {
	t.Helper()
	net, err := network.BuildMDINetwork(h.sched, network.Delays{
		Quantum:   time.Millisecond,
		Classical: time.Millisecond,
	})
	require.NoError(t, err)
	return net
}

func node(t *testing.T, net *network.Network, name string) *network.Node {
	t.Helper()
	n, err := net.Node(name)
	require.NoError(t, err)
	return n
}

func port(t *testing.T, n *network.Node, name string) *network.Port {
	t.Helper()
	p, err := n.Port(name)
	require.NoError(t, err)
	return p
}
