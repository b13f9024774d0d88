// Package sim assembles a complete MDI-QKD simulation run: the clock and
// event scheduler, the five-node network, the quantum substrate, the shared
// entanglement pool and every node protocol.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/qkd-network-simulator/internal/config"
	"github.com/signalsfoundry/qkd-network-simulator/internal/events"
	"github.com/signalsfoundry/qkd-network-simulator/internal/logging"
	"github.com/signalsfoundry/qkd-network-simulator/internal/network"
	"github.com/signalsfoundry/qkd-network-simulator/internal/observability"
	"github.com/signalsfoundry/qkd-network-simulator/internal/protocol"
	"github.com/signalsfoundry/qkd-network-simulator/internal/quantum"
	"github.com/signalsfoundry/qkd-network-simulator/internal/scheduler"
	"github.com/signalsfoundry/qkd-network-simulator/timectrl"
)

// ErrAlreadyStarted is returned by StartProtocols on a second call.
var ErrAlreadyStarted = errors.New("protocols already started")

// Random stream identifiers. Each consumer draws from its own stream so that
// enabling or disabling one protocol leaves the others' draws unchanged.
const (
	streamSubstrate uint64 = iota
	streamRouter
	streamKeyAlice
	streamKeyBob
	streamMultiParty
	streamSourceAlice
	streamSourceBob
	streamListener
)

// Engine owns one simulation run.
type Engine struct {
	cfg       config.Config
	log       logging.Logger
	collector *observability.SimCollector

	clock     *timectrl.TimeController
	sched     scheduler.EventScheduler
	recorder  *events.Recorder
	substrate quantum.Substrate
	pool      *protocol.EntanglementPool
	rng       protocol.Rand

	net         *network.Network
	protocols   []protocol.Protocol
	router      *protocol.Router
	keyManagers map[string]*protocol.KeyManager
	multiParty  *protocol.MultiParty
	sources     map[string]*protocol.PhotonSource
	listener    *protocol.NoticeListener

	runID   string
	started bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for events and run summaries.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithCollector wires Prometheus metrics into the scheduler, the event
// recorder and the protocols.
func WithCollector(c *observability.SimCollector) Option {
	return func(e *Engine) { e.collector = c }
}

// WithRand makes every protocol draw from r instead of seeded streams.
func WithRand(r protocol.Rand) Option {
	return func(e *Engine) { e.rng = r }
}

// WithSubstrate replaces the default state-vector substrate.
func WithSubstrate(s quantum.Substrate) Option {
	return func(e *Engine) { e.substrate = s }
}

// NewEngine validates cfg and prepares the clock, scheduler, recorder,
// substrate and entanglement pool. The network is built lazily.
func NewEngine(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		d := config.Defaults()
		cfg = &d
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:         *cfg,
		log:         logging.Noop(),
		keyManagers: make(map[string]*protocol.KeyManager),
		sources:     make(map[string]*protocol.PhotonSource),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.clock = timectrl.NewTimeController(cfg.Sim.Start, timectrl.ParseMode(cfg.Sim.Mode))
	e.clock.Pace = time.Duration(cfg.Sim.Pace * float64(time.Second))

	var schedOpts []scheduler.Option
	recOpts := []events.RecorderOption{
		events.WithLogger(e.log),
		events.WithHistoryLimit(cfg.Events.History),
	}
	if e.collector != nil {
		e.collector.SetStart(cfg.Sim.Start)
		schedOpts = append(schedOpts, scheduler.WithObserver(e.collector))
		recOpts = append(recOpts, events.WithMetrics(e.collector))
	}
	e.sched = scheduler.NewEventScheduler(e.clock, schedOpts...)
	e.recorder = events.NewRecorder(e.clock, recOpts...)

	if e.substrate == nil {
		e.substrate = quantum.NewStateVector(e.stream(streamSubstrate))
	}
	e.pool = protocol.NewEntanglementPool(cfg.MultiParty.PoolCapacity)
	return e, nil
}

func (e *Engine) stream(id uint64) protocol.Rand {
	if e.rng != nil {
		return e.rng
	}
	return rand.New(rand.NewPCG(e.cfg.Sim.Seed, id))
}

func (e *Engine) env(stream uint64) protocol.Env {
	env := protocol.Env{
		Sched:     e.sched,
		Substrate: e.substrate,
		Rand:      e.stream(stream),
		Events:    e.recorder,
	}
	if e.collector != nil {
		env.Metrics = e.collector
	}
	return env
}

// BuildNetwork declares the MDI-QKD topology with the configured delays.
// Calling it again returns the existing network.
func (e *Engine) BuildNetwork() (*network.Network, error) {
	if e.net != nil {
		return e.net, nil
	}
	net, err := network.BuildMDINetwork(e.sched, network.Delays{
		Quantum:   e.cfg.Links.QuantumDelay,
		Classical: e.cfg.Links.ClassicalDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("build network: %w", err)
	}
	e.net = net
	return net, nil
}

// StartProtocols binds every protocol to its node and starts it: the router
// on Router, key managers and photon sources on Alice and Bob, the notice
// listener and (when enabled) the multi-party protocol on Charlie.
func (e *Engine) StartProtocols(ctx context.Context) error {
	if e.started {
		return ErrAlreadyStarted
	}
	net, err := e.BuildNetwork()
	if err != nil {
		return err
	}
	ctx, e.runID = logging.EnsureRunID(ctx)
	ctx = logging.ContextWithLogger(ctx, e.log)

	nodes := make(map[string]*network.Node)
	for _, name := range []string{network.NodeAlice, network.NodeBob, network.NodeCharlie, network.NodeRouter} {
		n, err := net.Node(name)
		if err != nil {
			return err
		}
		nodes[name] = n
	}

	routerCfg := protocol.DefaultRouterConfig()
	routerCfg.ErrorProbability = e.cfg.Router.ErrorProbability
	e.router, err = protocol.NewRouter(e.env(streamRouter), nodes[network.NodeRouter], routerCfg)
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}
	e.protocols = append(e.protocols, e.router)

	kmCfg := protocol.KeyManagerConfig{
		TargetKeyLength:       e.cfg.KeyManager.TargetKeyLength,
		Tick:                  e.cfg.KeyManager.Tick,
		RevocationProbability: e.cfg.KeyManager.RevocationProbability,
		RekeyWindow:           e.cfg.KeyManager.RekeyWindow,
		RevocationKeep:        e.cfg.KeyManager.RevocationKeep,
	}
	endpoints := []struct {
		node      string
		port      string
		keyStream uint64
		srcStream uint64
	}{
		{network.NodeAlice, network.PortQA, streamKeyAlice, streamSourceAlice},
		{network.NodeBob, network.PortQB, streamKeyBob, streamSourceBob},
	}
	for _, ep := range endpoints {
		km, err := protocol.NewKeyManager(e.env(ep.keyStream), ep.node, kmCfg)
		if err != nil {
			return fmt.Errorf("key manager %s: %w", ep.node, err)
		}
		e.keyManagers[ep.node] = km
		e.protocols = append(e.protocols, km)

		src, err := protocol.NewPhotonSource(e.env(ep.srcStream), nodes[ep.node], ep.port, e.cfg.Source.Period)
		if err != nil {
			return fmt.Errorf("photon source %s: %w", ep.node, err)
		}
		e.sources[ep.node] = src
		e.protocols = append(e.protocols, src)
	}

	e.listener, err = protocol.NewNoticeListener(e.env(streamListener), nodes[network.NodeCharlie], network.PortCCRouter)
	if err != nil {
		return fmt.Errorf("notice listener: %w", err)
	}
	e.protocols = append(e.protocols, e.listener)

	if e.cfg.MultiParty.Enabled {
		mpCfg := protocol.MultiPartyConfig{
			Tick:      e.cfg.MultiParty.Tick,
			Threshold: e.cfg.MultiParty.Threshold,
		}
		copy(mpCfg.Parties[:], e.cfg.MultiParty.Parties)
		e.multiParty, err = protocol.NewMultiParty(e.env(streamMultiParty), network.NodeCharlie, e.pool, mpCfg)
		if err != nil {
			return fmt.Errorf("multi-party: %w", err)
		}
		e.protocols = append(e.protocols, e.multiParty)
	}

	for _, p := range e.protocols {
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", p.Name(), err)
		}
		e.log.Debug(ctx, "protocol started", logging.String("protocol", p.Name()))
	}
	e.started = true
	return nil
}

// Summary describes a finished run.
type Summary struct {
	RunID          string
	SimTime        time.Duration
	EventsRun      int
	RoutingCycles  int
	KeyLengths     map[string]int
	KeysDone       map[string]bool
	PoolSize       int
	GHZDistributed int
}

// Run starts the protocols if needed and drives the scheduler for duration
// of simulated time. A protocol precondition violation stops the run and is
// returned.
func (e *Engine) Run(ctx context.Context, duration time.Duration) (Summary, error) {
	if duration <= 0 {
		return Summary{}, fmt.Errorf("run duration must be positive, got %s", duration)
	}
	if e.runID != "" {
		ctx = logging.ContextWithRunID(ctx, e.runID)
	}
	if !e.started {
		if err := e.StartProtocols(ctx); err != nil {
			return Summary{}, err
		}
		ctx = logging.ContextWithRunID(ctx, e.runID)
	}

	ctx, span := observability.StartRunSpan(ctx, e.runID, e.cfg.Sim.Seed, duration)
	defer span.End()

	e.log.Info(ctx, "simulation starting",
		logging.Duration("duration", duration),
		logging.Int("protocols", len(e.protocols)),
		logging.String("mode", e.clock.Mode.String()),
	)

	n, err := e.sched.RunUntil(ctx, e.clock.Now().Add(duration))
	sum := e.summary(n)
	span.SetAttributes(
		attribute.Int("events_run", n),
		attribute.Int("routing_cycles", sum.RoutingCycles),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.log.Error(ctx, "simulation stopped", logging.Error(err), logging.Int("events_run", n))
		return sum, err
	}

	e.log.Info(ctx, "simulation finished",
		logging.Int("events_run", n),
		logging.Int("routing_cycles", sum.RoutingCycles),
		logging.Int("pool_size", sum.PoolSize),
		logging.Duration("sim_time", sum.SimTime),
	)
	return sum, nil
}

func (e *Engine) summary(eventsRun int) Summary {
	s := Summary{
		RunID:      e.runID,
		SimTime:    e.clock.Elapsed(),
		EventsRun:  eventsRun,
		KeyLengths: make(map[string]int, len(e.keyManagers)),
		KeysDone:   make(map[string]bool, len(e.keyManagers)),
		PoolSize:   e.pool.Len(),
	}
	if e.router != nil {
		s.RoutingCycles = e.router.Completed()
	}
	for node, km := range e.keyManagers {
		s.KeyLengths[node] = len(km.Pool())
		s.KeysDone[node] = km.Done()
	}
	if e.multiParty != nil {
		s.GHZDistributed = e.multiParty.Distributed()
	}
	return s
}

// Events returns the retained event log.
func (e *Engine) Events() []events.Event { return e.recorder.Events() }

// Recorder exposes the event recorder, e.g. to subscribe before a run.
func (e *Engine) Recorder() *events.Recorder { return e.recorder }

// Network returns the built network, nil before BuildNetwork.
func (e *Engine) Network() *network.Network { return e.net }

// Clock returns the simulation clock.
func (e *Engine) Clock() *timectrl.TimeController { return e.clock }

// Pool returns the shared entanglement pool.
func (e *Engine) Pool() *protocol.EntanglementPool { return e.pool }

// Router returns the routing protocol once started.
func (e *Engine) Router() *protocol.Router { return e.router }

// KeyManager returns the key manager bound to node.
func (e *Engine) KeyManager(node string) *protocol.KeyManager { return e.keyManagers[node] }

// MultiParty returns the multi-party protocol, nil when disabled.
func (e *Engine) MultiParty() *protocol.MultiParty { return e.multiParty }

// Listener returns Charlie's notice listener.
func (e *Engine) Listener() *protocol.NoticeListener { return e.listener }
