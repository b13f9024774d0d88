package protocol

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/signalsfoundry/qkd-network-simulator/internal/events"
	"github.com/signalsfoundry/qkd-network-simulator/internal/logging"
	"github.com/signalsfoundry/qkd-network-simulator/internal/network"
	"github.com/signalsfoundry/qkd-network-simulator/internal/quantum"
	"github.com/signalsfoundry/qkd-network-simulator/timectrl"
)

// Fidelity is sampled uniformly from [MinFidelity, MaxFidelity).
const (
	MinFidelity = 0.85
	MaxFidelity = 1.0
)

// MultiPartyConfig parameterises the GHZ distribution loop.
type MultiPartyConfig struct {
	Tick      time.Duration
	Threshold float64
	Parties   [3]string
}

// DefaultMultiPartyConfig returns the standard parameters.
func DefaultMultiPartyConfig() MultiPartyConfig {
	return MultiPartyConfig{
		Tick:      timectrl.Units(0.02),
		Threshold: 0.9,
		Parties:   [3]string{network.NodeAlice, network.NodeBob, network.NodeCharlie},
	}
}

// MultiParty distributes a three-party GHZ state every tick, preferring a
// group recycled through the shared pool over a fresh one. After each use
// the group goes back into the pool when its sampled fidelity clears the
// threshold and is discarded otherwise.
type MultiParty struct {
	env  Env
	node string
	cfg  MultiPartyConfig
	pool *EntanglementPool

	ctx         context.Context
	distributed int
	generated   int
	reused      int
}

// NewMultiParty binds the protocol to node and the shared pool.
func NewMultiParty(env Env, node string, pool *EntanglementPool, cfg MultiPartyConfig) (*MultiParty, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	if pool == nil || cfg.Tick <= 0 || cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, ErrInvalidConfig
	}
	return &MultiParty{env: env, node: node, cfg: cfg, pool: pool}, nil
}

func (m *MultiParty) Name() string { return "multiparty@" + m.node }

// Start schedules the first round.
func (m *MultiParty) Start(ctx context.Context) error {
	m.ctx = ctx
	m.env.Sched.After(m.cfg.Tick, m.round)
	return nil
}

func (m *MultiParty) round() {
	g, ok := m.pool.Pop()
	if ok {
		g.Uses++
		m.reused++
		m.env.Events.Emit(m.ctx, m.node, events.KindGHZReused,
			logging.Int("group", int(g.ID)),
			logging.Int("uses", g.Uses),
		)
	} else {
		var err error
		g, err = m.generate()
		if err != nil {
			abort(m.ctx, m.env, m.Name(), err)
			return
		}
		m.generated++
		m.env.Events.Emit(m.ctx, m.node, events.KindGHZGenerated,
			logging.Int("group", int(g.ID)),
		)
	}

	g.Fidelity = MinFidelity + (MaxFidelity-MinFidelity)*m.env.Rand.Float64()
	m.env.metrics().ObserveFidelity(g.Fidelity)

	recycled := false
	if g.Fidelity >= m.cfg.Threshold {
		recycled = m.pool.Push(g)
	}
	if recycled {
		m.env.Events.Emit(m.ctx, m.node, events.KindGHZRecycled,
			logging.Int("group", int(g.ID)),
			logging.Float("fidelity", g.Fidelity),
			logging.Int("pool_size", m.pool.Len()),
		)
	} else {
		if err := m.env.Substrate.Discard(g.Handles[:]...); err != nil {
			abort(m.ctx, m.env, m.Name(), fmt.Errorf("discard group %d: %w", g.ID, err))
			return
		}
		m.env.Events.Emit(m.ctx, m.node, events.KindGHZDiscarded,
			logging.Int("group", int(g.ID)),
			logging.Float("fidelity", g.Fidelity),
			logging.Bool("pool_full", g.Fidelity >= m.cfg.Threshold),
		)
	}
	m.env.metrics().SetEntanglementPoolSize(m.pool.Len())

	m.distributed++
	m.env.Events.Emit(m.ctx, m.node, events.KindGHZDistributed,
		logging.Int("group", int(g.ID)),
		logging.String("parties", strings.Join(m.cfg.Parties[:], ",")),
		logging.Float("fidelity", g.Fidelity),
	)

	m.env.Sched.After(m.cfg.Tick, m.round)
}

// generate prepares (|000> + |111>)/sqrt(2) on three fresh handles.
func (m *MultiParty) generate() (*EntangledGroup, error) {
	hs, err := m.env.Substrate.CreateHandles(3)
	if err != nil {
		return nil, err
	}
	if err := m.env.Substrate.Apply(quantum.H, hs[0]); err != nil {
		return nil, err
	}
	if err := m.env.Substrate.Apply(quantum.CNOT, hs[0], hs[1]); err != nil {
		return nil, err
	}
	if err := m.env.Substrate.Apply(quantum.CNOT, hs[0], hs[2]); err != nil {
		return nil, err
	}
	return &EntangledGroup{
		ID:      m.pool.NextID(),
		Handles: [3]*quantum.Handle{hs[0], hs[1], hs[2]},
	}, nil
}

// Distributed returns how many rounds have completed.
func (m *MultiParty) Distributed() int { return m.distributed }

// Generated returns how many fresh GHZ groups were prepared.
func (m *MultiParty) Generated() int { return m.generated }

// Reused returns how many rounds drew a recycled group.
func (m *MultiParty) Reused() int { return m.reused }
