package protocol

import (
	"context"
	"time"

	"github.com/signalsfoundry/qkd-network-simulator/internal/events"
	"github.com/signalsfoundry/qkd-network-simulator/internal/logging"
	"github.com/signalsfoundry/qkd-network-simulator/internal/quantum"
	"github.com/signalsfoundry/qkd-network-simulator/timectrl"
)

// KeyManagerConfig parameterises a KeyManager.
type KeyManagerConfig struct {
	TargetKeyLength       int
	Tick                  time.Duration
	RevocationProbability float64
	RekeyWindow           int
	RevocationKeep        int
}

// DefaultKeyManagerConfig returns the standard endpoint parameters.
func DefaultKeyManagerConfig() KeyManagerConfig {
	return KeyManagerConfig{
		TargetKeyLength:       128,
		Tick:                  timectrl.Units(0.01),
		RevocationProbability: 0.05,
		RekeyWindow:           10,
		RevocationKeep:        20,
	}
}

// KeyManager grows a key pool by one random bit per tick until it reaches
// the target length. Every RekeyWindow bits the active key is replaced by the
// newest RekeyWindow bits, and on each tick a simulated compromise may
// truncate the pool to its newest RevocationKeep bits.
type KeyManager struct {
	env  Env
	node string
	cfg  KeyManagerConfig

	ctx    context.Context
	pool   []quantum.Bit
	active []quantum.Bit
	ticks  int
	done   bool
}

// NewKeyManager binds a key manager to node.
func NewKeyManager(env Env, node string, cfg KeyManagerConfig) (*KeyManager, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	if cfg.TargetKeyLength <= 0 || cfg.Tick <= 0 || cfg.RekeyWindow <= 0 || cfg.RevocationKeep <= 0 {
		return nil, ErrInvalidConfig
	}
	if cfg.RevocationProbability < 0 || cfg.RevocationProbability > 1 {
		return nil, ErrInvalidConfig
	}
	return &KeyManager{env: env, node: node, cfg: cfg}, nil
}

func (k *KeyManager) Name() string { return "keymanager@" + k.node }

// Start schedules the first tick.
func (k *KeyManager) Start(ctx context.Context) error {
	k.ctx = ctx
	k.env.Sched.After(k.cfg.Tick, k.tick)
	return nil
}

func (k *KeyManager) tick() {
	if k.done {
		return
	}
	k.ticks++

	bit := quantum.Bit(k.env.Rand.IntN(2))
	k.pool = append(k.pool, bit)
	k.env.Events.Emit(k.ctx, k.node, events.KindKeyGenerated,
		logging.Int("bit", int(bit)),
		logging.Int("pool_length", len(k.pool)),
	)

	if len(k.pool)%k.cfg.RekeyWindow == 0 {
		k.active = append([]quantum.Bit(nil), k.pool[len(k.pool)-k.cfg.RekeyWindow:]...)
		k.env.Events.Emit(k.ctx, k.node, events.KindKeyRekeyed,
			logging.String("active_key", bitString(k.active)),
		)
	}

	if k.env.Rand.Float64() < k.cfg.RevocationProbability {
		before := len(k.pool)
		if before > k.cfg.RevocationKeep {
			k.pool = append([]quantum.Bit(nil), k.pool[before-k.cfg.RevocationKeep:]...)
		}
		k.env.Events.Emit(k.ctx, k.node, events.KindKeyRevoked,
			logging.Int("before", before),
			logging.Int("pool_length", len(k.pool)),
		)
	}
	k.env.metrics().SetKeyPoolLength(k.node, len(k.pool))

	if len(k.pool) >= k.cfg.TargetKeyLength {
		k.done = true
		k.env.Events.Emit(k.ctx, k.node, events.KindKeyTargetReached,
			logging.Int("pool_length", len(k.pool)),
			logging.Int("ticks", k.ticks),
		)
		return
	}
	k.env.Sched.After(k.cfg.Tick, k.tick)
}

// Pool returns a copy of the accumulated key bits.
func (k *KeyManager) Pool() []quantum.Bit { return append([]quantum.Bit(nil), k.pool...) }

// ActiveKey returns a copy of the current active key, nil before the first
// rekey.
func (k *KeyManager) ActiveKey() []quantum.Bit { return append([]quantum.Bit(nil), k.active...) }

// Done reports whether the target length has been reached.
func (k *KeyManager) Done() bool { return k.done }

// Ticks returns how many ticks have run.
func (k *KeyManager) Ticks() int { return k.ticks }

func bitString(bits []quantum.Bit) string {
	b := make([]byte, len(bits))
	for i, v := range bits {
		b[i] = '0' + byte(v)
	}
	return string(b)
}
