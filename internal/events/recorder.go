package events

import (
	"context"
	"sync"

	"github.com/signalsfoundry/qkd-network-simulator/internal/logging"
	"github.com/signalsfoundry/qkd-network-simulator/timectrl"
)

// MetricsRecorder receives a notification for every emitted event.
// observability.SimCollector satisfies it.
type MetricsRecorder interface {
	RecordEvent(node, kind string)
}

var messages = map[Kind]string{
	KindKeyGenerated:     "generated new key bit",
	KindKeyRekeyed:       "re-keying: new active key",
	KindKeyRevoked:       "compromise detected, revoking key material",
	KindKeyTargetReached: "target key length reached",
	KindPhotonEmitted:    "photon emitted",
	KindRoutingCompleted: "quantum routing performed with controlled-swap",
	KindNoticeReceived:   "classical notice received",
	KindGHZGenerated:     "new GHZ state generated",
	KindGHZReused:        "using GHZ state recycled from pool",
	KindGHZRecycled:      "GHZ state recycled into the pool",
	KindGHZDiscarded:     "GHZ state not recycled",
	KindGHZDistributed:   "GHZ state distributed",
}

// Recorder is the event sink shared by all protocols of a run.
type Recorder struct {
	clock   timectrl.SimClock
	log     logging.Logger
	metrics MetricsRecorder
	limit   int

	mu          sync.Mutex
	seq         uint64
	history     []Event
	subscribers []func(Event)
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithLogger sets the logger events are written to.
func WithLogger(l logging.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics forwards every event to m.
func WithMetrics(m MetricsRecorder) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// WithHistoryLimit bounds retained history to the most recent n events.
// Zero keeps everything.
func WithHistoryLimit(n int) RecorderOption {
	return func(r *Recorder) { r.limit = n }
}

// NewRecorder creates a recorder that stamps events with clock's time.
func NewRecorder(clock timectrl.SimClock, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		clock: clock,
		log:   logging.Noop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Emit records an event for node and returns it.
func (r *Recorder) Emit(ctx context.Context, node string, kind Kind, fields ...logging.Field) Event {
	ev := Event{
		Time:    r.clock.Now(),
		Elapsed: r.clock.Elapsed(),
		Node:    node,
		Kind:    kind,
	}
	if len(fields) > 0 {
		ev.Fields = make(map[string]any, len(fields))
		for _, f := range fields {
			ev.Fields[f.Key] = f.Value
		}
	}

	r.mu.Lock()
	r.seq++
	ev.Seq = r.seq
	r.history = append(r.history, ev)
	if r.limit > 0 && len(r.history) > r.limit {
		r.history = append([]Event(nil), r.history[len(r.history)-r.limit:]...)
	}
	subs := append([]func(Event){}, r.subscribers...)
	r.mu.Unlock()

	logFields := make([]logging.Field, 0, len(fields)+3)
	logFields = append(logFields,
		logging.String("node", node),
		logging.String("event", kind.String()),
		logging.Float("sim_time", ev.Elapsed.Seconds()),
	)
	logFields = append(logFields, fields...)

	msg := messages[kind]
	if msg == "" {
		msg = kind.String()
	}
	if kind == KindKeyRevoked {
		r.log.Warn(ctx, msg, logFields...)
	} else {
		r.log.Info(ctx, msg, logFields...)
	}

	if r.metrics != nil {
		r.metrics.RecordEvent(node, kind.String())
	}
	for _, fn := range subs {
		fn(ev)
	}
	return ev
}

// Subscribe registers fn to be called synchronously for every later event.
func (r *Recorder) Subscribe(fn func(Event)) {
	r.mu.Lock()
	r.subscribers = append(r.subscribers, fn)
	r.mu.Unlock()
}

// Events returns a copy of the retained history.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.history...)
}

// Count returns how many retained events have the given kind. An empty node
// matches every node.
func (r *Recorder) Count(node string, kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.history {
		if ev.Kind == kind && (node == "" || ev.Node == node) {
			n++
		}
	}
	return n
}
