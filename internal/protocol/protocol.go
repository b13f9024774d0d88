// Package protocol implements the simulated node protocols: the router's
// two-input reconciliation state machine, the endpoint key managers, the
// multi-party GHZ distribution with entanglement recycling, and the
// repetition-code error corrector they share.
//
// Every protocol is an explicit state machine. Its only suspension points are
// a port receive (network.Port.Await) and a timer (scheduler After); each
// resumption is one scheduler event and runs to completion.
package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/qkd-network-simulator/internal/events"
	"github.com/signalsfoundry/qkd-network-simulator/internal/logging"
	"github.com/signalsfoundry/qkd-network-simulator/internal/quantum"
	"github.com/signalsfoundry/qkd-network-simulator/internal/scheduler"
)

// Rand is the random source protocols draw from. *math/rand/v2.Rand
// satisfies it; tests inject scripted sequences.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

// Metrics receives protocol gauges. observability.SimCollector satisfies it.
type Metrics interface {
	SetKeyPoolLength(node string, n int)
	SetEntanglementPoolSize(n int)
	ObserveFidelity(f float64)
}

type nopMetrics struct{}

func (nopMetrics) SetKeyPoolLength(string, int) {}
func (nopMetrics) SetEntanglementPoolSize(int)  {}
func (nopMetrics) ObserveFidelity(float64)      {}

// Env is the set of collaborators a protocol runs against.
type Env struct {
	Sched     scheduler.EventScheduler
	Substrate quantum.Substrate
	Rand      Rand
	Events    *events.Recorder
	Metrics   Metrics
}

// Protocol is a node-bound task started once against the scheduler.
type Protocol interface {
	Name() string
	Start(ctx context.Context) error
}

// ErrPrecondition marks a violated protocol precondition, such as a port
// delivering something other than a quantum handle. It stops the run.
var ErrPrecondition = errors.New("protocol precondition violated")

// ErrInvalidConfig is returned by constructors given out-of-range parameters.
var ErrInvalidConfig = errors.New("invalid protocol config")

func (e Env) validate() error {
	if e.Sched == nil || e.Substrate == nil || e.Rand == nil || e.Events == nil {
		return errors.New("protocol env requires scheduler, substrate, rand and event recorder")
	}
	return nil
}

func (e Env) metrics() Metrics {
	if e.Metrics == nil {
		return nopMetrics{}
	}
	return e.Metrics
}

// loggerFrom returns the logger carried by ctx, or a no-op logger.
func loggerFrom(ctx context.Context) logging.Logger {
	if l := logging.LoggerFromContext(ctx); l != nil {
		return l
	}
	return logging.Noop()
}

// abort logs err through the context logger and stops the run.
func abort(ctx context.Context, env Env, name string, err error) {
	err = fmt.Errorf("%s: %w", name, err)
	loggerFrom(ctx).Error(ctx, "protocol failed", logging.String("protocol", name), logging.Error(err))
	env.Sched.Fail(err)
}
