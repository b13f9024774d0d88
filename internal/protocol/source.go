package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/qkd-network-simulator/internal/events"
	"github.com/signalsfoundry/qkd-network-simulator/internal/logging"
	"github.com/signalsfoundry/qkd-network-simulator/internal/network"
	"github.com/signalsfoundry/qkd-network-simulator/internal/quantum"
)

// PhotonSource emits one qubit per period over a quantum port, prepared in a
// random BB84 state: X encodes the bit, H selects the diagonal basis.
type PhotonSource struct {
	env    Env
	node   string
	port   *network.Port
	period time.Duration

	ctx     context.Context
	emitted int
}

// NewPhotonSource binds a source to node's port. A zero period yields a
// source that never emits.
func NewPhotonSource(env Env, node *network.Node, port string, period time.Duration) (*PhotonSource, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	if period < 0 {
		return nil, ErrInvalidConfig
	}
	p, err := node.Port(port)
	if err != nil {
		return nil, err
	}
	return &PhotonSource{env: env, node: node.Name, port: p, period: period}, nil
}

func (s *PhotonSource) Name() string { return "source@" + s.node }

// Start schedules the first emission.
func (s *PhotonSource) Start(ctx context.Context) error {
	s.ctx = ctx
	if s.period == 0 {
		return nil
	}
	s.env.Sched.After(s.period, s.emit)
	return nil
}

func (s *PhotonSource) emit() {
	bit := quantum.Bit(s.env.Rand.IntN(2))
	diagonal := s.env.Rand.IntN(2) == 1

	h, err := quantum.Prepare(s.env.Substrate, bit)
	if err == nil && diagonal {
		err = s.env.Substrate.Apply(quantum.H, h)
	}
	if err == nil {
		err = s.port.Send(h)
	}
	if err != nil {
		abort(s.ctx, s.env, s.Name(), err)
		return
	}

	s.emitted++
	basis := "Z"
	if diagonal {
		basis = "X"
	}
	s.env.Events.Emit(s.ctx, s.node, events.KindPhotonEmitted,
		logging.Int("bit", int(bit)),
		logging.String("basis", basis),
		logging.String("port", s.port.Name()),
	)
	s.env.Sched.After(s.period, s.emit)
}

// Emitted returns the number of qubits sent.
func (s *PhotonSource) Emitted() int { return s.emitted }

// NoticeListener drains classical messages arriving on a port.
type NoticeListener struct {
	env  Env
	node string
	port *network.Port

	ctx      context.Context
	received []string
}

// NewNoticeListener binds a listener to node's port.
func NewNoticeListener(env Env, node *network.Node, port string) (*NoticeListener, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	p, err := node.Port(port)
	if err != nil {
		return nil, err
	}
	return &NoticeListener{env: env, node: node.Name, port: p}, nil
}

func (l *NoticeListener) Name() string { return "listener@" + l.node }

// Start begins awaiting notices.
func (l *NoticeListener) Start(ctx context.Context) error {
	l.ctx = ctx
	return l.port.Await(l.onNotice)
}

func (l *NoticeListener) onNotice(msg network.Message) {
	for _, it := range msg.Items {
		text := fmt.Sprint(it)
		l.received = append(l.received, text)
		l.env.Events.Emit(l.ctx, l.node, events.KindNoticeReceived,
			logging.String("notice", text),
			logging.String("link", msg.Link),
			logging.Duration("latency", l.env.Sched.Now().Sub(msg.SentAt)),
		)
	}
	if err := l.port.Await(l.onNotice); err != nil {
		abort(l.ctx, l.env, l.Name(), err)
	}
}

// Received returns the notices seen so far.
func (l *NoticeListener) Received() []string { return append([]string(nil), l.received...) }
