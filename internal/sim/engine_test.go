package sim

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/qkd-network-simulator/internal/config"
	"github.com/signalsfoundry/qkd-network-simulator/internal/events"
	"github.com/signalsfoundry/qkd-network-simulator/internal/logging"
	"github.com/signalsfoundry/qkd-network-simulator/internal/network"
	"github.com/signalsfoundry/qkd-network-simulator/internal/observability"
	"github.com/signalsfoundry/qkd-network-simulator/internal/quantum"
	"github.com/signalsfoundry/qkd-network-simulator/timectrl"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Sim.Seed = 2025
	return &cfg
}

type eventKey struct {
	Node    string
	Kind    events.Kind
	Elapsed time.Duration
	Fields  map[string]any
}

func keys(evs []events.Event) []eventKey {
	out := make([]eventKey, 0, len(evs))
	for _, ev := range evs {
		out = append(out, eventKey{ev.Node, ev.Kind, ev.Elapsed, ev.Fields})
	}
	return out
}

func TestRunIsReproducibleForSeed(t *testing.T) {
	run := func() ([]eventKey, Summary) {
		e, err := NewEngine(testConfig())
		require.NoError(t, err)
		sum, err := e.Run(context.Background(), time.Second)
		require.NoError(t, err)
		return keys(e.Events()), sum
	}

	k1, s1 := run()
	k2, s2 := run()
	require.NotEmpty(t, k1)
	require.Equal(t, k1, k2)
	require.Equal(t, s1.KeyLengths, s2.KeyLengths)
	require.Equal(t, s1.EventsRun, s2.EventsRun)
	require.Equal(t, time.Second, s1.SimTime)
}

func TestRunRoutesEveryPhotonPair(t *testing.T) {
	cfg := testConfig()
	cfg.Router.ErrorProbability = 0
	e, err := NewEngine(cfg)
	require.NoError(t, err)

	sum, err := e.Run(context.Background(), time.Second)
	require.NoError(t, err)

	// Sources fire every 50ms; the pair emitted at 1s is still in flight.
	require.Equal(t, 19, sum.RoutingCycles)
	require.Len(t, e.Listener().Received(), 19)
	require.Equal(t, 19, e.Recorder().Count(network.NodeCharlie, events.KindNoticeReceived))
	require.Equal(t, 50, sum.GHZDistributed)
	require.Equal(t, 20, e.Recorder().Count(network.NodeAlice, events.KindPhotonEmitted))

	for _, node := range []string{network.NodeAlice, network.NodeBob} {
		require.LessOrEqual(t, sum.KeyLengths[node], cfg.KeyManager.TargetKeyLength)
		require.Positive(t, e.Recorder().Count(node, events.KindKeyGenerated))
	}
}

func TestRunWithoutMultiParty(t *testing.T) {
	cfg := testConfig()
	cfg.MultiParty.Enabled = false
	e, err := NewEngine(cfg)
	require.NoError(t, err)

	sum, err := e.Run(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, e.MultiParty())
	require.Zero(t, sum.GHZDistributed)
	require.Zero(t, e.Recorder().Count("", events.KindGHZGenerated))
}

func TestRunCanContinue(t *testing.T) {
	e, err := NewEngine(testConfig())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.Run(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	sum, err := e.Run(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 200*time.Millisecond, sum.SimTime)
	require.ErrorIs(t, e.StartProtocols(ctx), ErrAlreadyStarted)
}

var errBoom = errors.New("substrate offline")

type brokenSubstrate struct{ quantum.Substrate }

func (brokenSubstrate) CreateHandles(int) ([]*quantum.Handle, error) { return nil, errBoom }

func TestSubstrateFailureStopsRun(t *testing.T) {
	cfg := testConfig()
	cfg.MultiParty.Enabled = false
	var buf bytes.Buffer
	log := logging.New(logging.Config{Level: "error", Format: "json", Output: &buf})
	e, err := NewEngine(cfg, WithSubstrate(brokenSubstrate{}), WithLogger(log))
	require.NoError(t, err)

	sum, err := e.Run(context.Background(), time.Second)
	require.Error(t, err)
	require.True(t, errors.Is(err, errBoom), "err = %v", err)
	// The first emission at 50ms fails; nothing after it runs.
	require.Less(t, sum.SimTime, time.Second)
	require.Zero(t, sum.RoutingCycles)

	// Protocols log through the engine's logger carried on the context.
	require.Contains(t, buf.String(), `"msg":"protocol failed"`)
	require.Contains(t, buf.String(), `"protocol":"source@Alice"`)
	require.Contains(t, buf.String(), `"run_id":"`+sum.RunID+`"`)
}

func TestStreamsAreDistinctPerConsumer(t *testing.T) {
	ids := []uint64{
		streamSubstrate, streamRouter, streamKeyAlice, streamKeyBob,
		streamMultiParty, streamSourceAlice, streamSourceBob, streamListener,
	}
	seen := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		require.False(t, seen[id], "stream %d assigned twice", id)
		seen[id] = true
	}

	e, err := NewEngine(testConfig())
	require.NoError(t, err)
	router, listener := e.stream(streamRouter), e.stream(streamListener)
	var same int
	for i := 0; i < 8; i++ {
		if router.Float64() == listener.Float64() {
			same++
		}
	}
	require.Less(t, same, 8)
}

func TestRealTimeModeIsCaseInsensitive(t *testing.T) {
	cfg := testConfig()
	cfg.Sim.Mode = "RealTime"
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	require.Equal(t, timectrl.RealTime, e.Clock().Mode)
}

func TestCollectorAndLoggerAreWired(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := observability.NewSimCollector(reg)
	require.NoError(t, err)
	var buf bytes.Buffer
	log := logging.New(logging.Config{Level: "info", Format: "json", Output: &buf})

	e, err := NewEngine(testConfig(), WithCollector(collector), WithLogger(log))
	require.NoError(t, err)
	sum, err := e.Run(context.Background(), 500*time.Millisecond)
	require.NoError(t, err)

	require.Equal(t, float64(sum.EventsRun), testutil.ToFloat64(collector.SchedulerEvents))
	require.InDelta(t, 0.5, testutil.ToFloat64(collector.SimTime), 0.05)
	require.Equal(t,
		float64(e.Recorder().Count(network.NodeAlice, events.KindKeyGenerated)),
		testutil.ToFloat64(collector.ProtocolEvents.WithLabelValues(network.NodeAlice, "key.generated")))
	require.Equal(t, float64(sum.KeyLengths[network.NodeBob]),
		testutil.ToFloat64(collector.KeyPoolLength.WithLabelValues(network.NodeBob)))

	require.Contains(t, buf.String(), `"msg":"simulation finished"`)
	require.Contains(t, buf.String(), `"run_id":"`+sum.RunID+`"`)
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Router.ErrorProbability = 2
	_, err := NewEngine(cfg)
	require.ErrorIs(t, err, config.ErrInvalid)

	e, err := NewEngine(nil)
	require.NoError(t, err)
	_, err = e.Run(context.Background(), 0)
	require.Error(t, err)
}
