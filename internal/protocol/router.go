package protocol

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/qkd-network-simulator/internal/events"
	"github.com/signalsfoundry/qkd-network-simulator/internal/logging"
	"github.com/signalsfoundry/qkd-network-simulator/internal/network"
	"github.com/signalsfoundry/qkd-network-simulator/internal/observability"
	"github.com/signalsfoundry/qkd-network-simulator/internal/quantum"
)

// RoutingNotice is the classical payload sent after each routing cycle.
const RoutingNotice = "Routing completed"

// RouterState is a state of the routing protocol.
type RouterState int

const (
	RouterIdle RouterState = iota
	RouterWaitFirst
	RouterWaitSecond
	RouterCorrect
	RouterEntangleSwap
	RouterNotify
	RouterFailed
)

func (s RouterState) String() string {
	switch s {
	case RouterIdle:
		return "IDLE"
	case RouterWaitFirst:
		return "WAIT_FIRST"
	case RouterWaitSecond:
		return "WAIT_SECOND"
	case RouterCorrect:
		return "CORRECT"
	case RouterEntangleSwap:
		return "ENTANGLE_SWAP"
	case RouterNotify:
		return "NOTIFY"
	case RouterFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("RouterState(%d)", int(s))
	}
}

// RouterConfig configures a Router.
type RouterConfig struct {
	ErrorProbability float64
	FirstPort        string
	SecondPort       string
	ControlPort      string
	// Memory names the node's quantum memory holding the two inputs. Empty
	// gives the router a private two-position memory.
	Memory string
}

// DefaultRouterConfig uses the MDI-QKD topology's router ports.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		ErrorProbability: 0.05,
		FirstPort:        network.PortR1,
		SecondPort:       network.PortR2,
		ControlPort:      network.PortCRClassical,
		Memory:           network.MemoryRouter,
	}
}

// Router reconciles two independently arriving qubits. It waits for one on
// each inbound port (always port one first) and stores each in its memory
// position. It then error-corrects both and entangles them through a
// controlled-swap on a fresh |+> auxiliary, releases the three qubits and
// emits a classical completion notice. It cycles until the run ends.
type Router struct {
	env  Env
	node string
	cfg  RouterConfig

	first   *network.Port
	second  *network.Port
	control *network.Port
	memory  *network.Memory

	ctx       context.Context
	log       logging.Logger
	span      trace.Span
	state     RouterState
	completed int
}

// NewRouter binds a routing protocol to node.
func NewRouter(env Env, node *network.Node, cfg RouterConfig) (*Router, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	first, err := node.Port(cfg.FirstPort)
	if err != nil {
		return nil, err
	}
	second, err := node.Port(cfg.SecondPort)
	if err != nil {
		return nil, err
	}
	control, err := node.Port(cfg.ControlPort)
	if err != nil {
		return nil, err
	}
	memory := network.NewMemory(node.Name+".memory", 2)
	if cfg.Memory != "" {
		if memory, err = node.Memory(cfg.Memory); err != nil {
			return nil, err
		}
		if memory.Size() < 2 {
			return nil, fmt.Errorf("%w: memory %s has %d positions, want 2", ErrInvalidConfig, cfg.Memory, memory.Size())
		}
	}
	return &Router{
		env:     env,
		node:    node.Name,
		cfg:     cfg,
		first:   first,
		second:  second,
		control: control,
		memory:  memory,
		log:     logging.Noop(),
		state:   RouterIdle,
	}, nil
}

func (r *Router) Name() string { return "router@" + r.node }

// State returns the current state.
func (r *Router) State() RouterState { return r.state }

// Completed returns the number of finished routing cycles.
func (r *Router) Completed() int { return r.completed }

// Memory returns the memory holding the router's inputs.
func (r *Router) Memory() *network.Memory { return r.memory }

// Start enters WAIT_FIRST.
func (r *Router) Start(ctx context.Context) error {
	r.ctx = ctx
	r.log = loggerFrom(ctx).With(logging.String("protocol", r.Name()))
	return r.waitFirst()
}

func (r *Router) waitFirst() error {
	r.state = RouterWaitFirst
	return r.first.Await(r.onFirst)
}

func (r *Router) onFirst(msg network.Message) {
	h, err := handleFromMessage(msg)
	if err != nil {
		r.fail(err)
		return
	}
	_, r.span = observability.Tracer().Start(r.ctx, "router.cycle",
		trace.WithAttributes(attribute.String("node", r.node)))

	if err := r.memory.Put(0, h); err != nil {
		r.fail(fmt.Errorf("%w: %w", ErrPrecondition, err))
		return
	}
	r.state = RouterWaitSecond
	if err := r.second.Await(r.onSecond); err != nil {
		r.fail(err)
	}
}

func (r *Router) onSecond(msg network.Message) {
	h2, err := handleFromMessage(msg)
	if err != nil {
		r.fail(err)
		return
	}
	if err := r.memory.Put(1, h2); err != nil {
		r.fail(fmt.Errorf("%w: %w", ErrPrecondition, err))
		return
	}

	r.state = RouterCorrect
	h1, err := r.memory.Pop(0)
	if err != nil {
		r.fail(err)
		return
	}
	if h2, err = r.memory.Pop(1); err != nil {
		r.fail(err)
		return
	}
	c1, b1, err := Correct(r.env.Substrate, h1, r.cfg.ErrorProbability, r.env.Rand)
	if err != nil {
		r.fail(err)
		return
	}
	c2, b2, err := Correct(r.env.Substrate, h2, r.cfg.ErrorProbability, r.env.Rand)
	if err != nil {
		r.fail(err)
		return
	}

	r.state = RouterEntangleSwap
	if err := r.entangleSwap(c1, c2); err != nil {
		r.fail(err)
		return
	}

	r.state = RouterNotify
	if err := r.control.Send(RoutingNotice); err != nil {
		r.fail(err)
		return
	}
	r.completed++
	r.env.Events.Emit(r.ctx, r.node, events.KindRoutingCompleted,
		logging.Int("cycle", r.completed),
		logging.Int("bit_first", int(b1)),
		logging.Int("bit_second", int(b2)),
	)
	if r.span != nil {
		r.span.SetAttributes(attribute.Int("cycle", r.completed))
		r.span.End()
		r.span = nil
	}

	if err := r.waitFirst(); err != nil {
		r.fail(err)
	}
}

// entangleSwap prepares |+> on a fresh auxiliary and applies CSWAP with it
// as control over the two corrected qubits. Nothing downstream consumes the
// three qubits, so they are discarded afterwards.
func (r *Router) entangleSwap(c1, c2 *quantum.Handle) error {
	aux, err := r.env.Substrate.CreateHandles(1)
	if err != nil {
		return err
	}
	if err := r.env.Substrate.Apply(quantum.H, aux[0]); err != nil {
		return err
	}
	if err := r.env.Substrate.Apply(quantum.CSWAP, aux[0], c1, c2); err != nil {
		return err
	}
	return r.env.Substrate.Discard(aux[0], c1, c2)
}

func (r *Router) fail(err error) {
	r.log.Error(r.ctx, "routing failed",
		logging.String("state", r.state.String()),
		logging.Int("cycle", r.completed+1),
		logging.Error(err),
	)
	r.state = RouterFailed
	if r.span != nil {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Error())
		r.span.End()
		r.span = nil
	}
	r.env.Sched.Fail(fmt.Errorf("%s: %w", r.Name(), err))
}

// handleFromMessage extracts the single live quantum handle a router input
// must carry.
func handleFromMessage(msg network.Message) (*quantum.Handle, error) {
	if len(msg.Items) != 1 {
		return nil, fmt.Errorf("%w: link %s delivered %d items, want 1", ErrPrecondition, msg.Link, len(msg.Items))
	}
	h, ok := msg.Items[0].(*quantum.Handle)
	if !ok || h == nil {
		return nil, fmt.Errorf("%w: link %s delivered %T, want quantum handle", ErrPrecondition, msg.Link, msg.Items[0])
	}
	if h.Consumed() {
		return nil, fmt.Errorf("%w: link %s delivered a consumed handle", ErrPrecondition, msg.Link)
	}
	return h, nil
}
