package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/qkd-network-simulator/timectrl"
)

// Clock is the SimClock the scheduler drives. RunUntil moves it forward to
// each event time; it must never move backwards.
type Clock interface {
	timectrl.SimClock
	AdvanceTo(t time.Time) bool
}

// EventScheduler runs callbacks at specific simulation times. It is the single
// discrete-event driver of the simulator: protocol timers and link deliveries
// are both scheduled here, and RunUntil executes them in time order.
//
// Events with equal timestamps run in submission order.
type EventScheduler interface {
	// Schedule registers f to run at simulation time at and returns an ID
	// that can be passed to Cancel.
	Schedule(at time.Time, f func()) (id string)

	// After registers f to run d after the current simulation time.
	After(d time.Duration, f func()) (id string)

	// Cancel drops a pending event. Unknown or already-run IDs are ignored.
	Cancel(id string)

	// Now returns the current simulation time.
	Now() time.Time

	// RunDue executes all events whose time is <= Now(), including events
	// scheduled by the callbacks themselves for the current instant.
	RunDue() int

	// RunUntil advances the clock event by event up to end, running every
	// due event, and leaves the clock at end. It stops early when ctx is
	// cancelled or a callback reports a failure through Fail.
	RunUntil(ctx context.Context, end time.Time) (int, error)

	// Fail records a fatal error. RunUntil returns it after the current
	// event finishes. Only the first failure is kept.
	Fail(err error)

	// Pending returns the number of queued, non-cancelled events.
	Pending() int
}

// Observer receives a notification after each executed event.
type Observer interface {
	ObserveEvent(now time.Time, pending int)
}

type scheduledEvent struct {
	id        string
	seq       uint64
	when      time.Time
	f         func()
	cancelled bool
}

type eventScheduler struct {
	clock    Clock
	observer Observer

	mu      sync.Mutex
	counter uint64
	events  []*scheduledEvent // ordered by (when, seq)
	index   map[string]*scheduledEvent
	failure error
}

// Option configures the scheduler.
type Option func(*eventScheduler)

// WithObserver attaches an Observer notified after every event.
func WithObserver(o Observer) Option {
	return func(s *eventScheduler) { s.observer = o }
}

// NewEventScheduler creates a scheduler that drives clock.
func NewEventScheduler(clock Clock, opts ...Option) EventScheduler {
	s := &eventScheduler{
		clock: clock,
		index: make(map[string]*scheduledEvent),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *eventScheduler) Schedule(at time.Time, f func()) (id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	id = fmt.Sprintf("ev-%d", s.counter)

	ev := &scheduledEvent{
		id:   id,
		seq:  s.counter,
		when: at,
		f:    f,
	}
	s.addEventLocked(ev)
	s.index[id] = ev
	return id
}

func (s *eventScheduler) After(d time.Duration, f func()) (id string) {
	return s.Schedule(s.clock.Now().Add(d), f)
}

// addEventLocked inserts ev after every event with the same or an earlier
// time, which keeps same-instant events in submission order.
// Caller must hold s.mu.
func (s *eventScheduler) addEventLocked(ev *scheduledEvent) {
	idx := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].when.After(ev.when)
	})

	s.events = append(s.events, nil)
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = ev
}

func (s *eventScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.index[id]
	if !ok {
		return
	}
	ev.cancelled = true
	delete(s.index, id)
	// Removal from s.events is lazy; the run loop skips cancelled events.
}

func (s *eventScheduler) Now() time.Time {
	return s.clock.Now()
}

func (s *eventScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

func (s *eventScheduler) Fail(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.failure == nil {
		s.failure = err
	}
	s.mu.Unlock()
}

func (s *eventScheduler) failed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// popDueLocked removes and returns the earliest non-cancelled event with a
// time <= now, or nil. Caller must hold s.mu.
func (s *eventScheduler) popDueLocked(now time.Time) *scheduledEvent {
	for len(s.events) > 0 {
		ev := s.events[0]
		if ev.cancelled {
			s.events = s.events[1:]
			continue
		}
		if ev.when.After(now) {
			return nil
		}
		s.events = s.events[1:]
		delete(s.index, ev.id)
		return ev
	}
	return nil
}

// nextTimeLocked reports the time of the earliest live event.
// Caller must hold s.mu.
func (s *eventScheduler) nextTimeLocked() (time.Time, bool) {
	for len(s.events) > 0 {
		if s.events[0].cancelled {
			s.events = s.events[1:]
			continue
		}
		return s.events[0].when, true
	}
	return time.Time{}, false
}

func (s *eventScheduler) RunDue() int {
	ran := 0
	for {
		if s.failed() != nil {
			return ran
		}
		s.mu.Lock()
		ev := s.popDueLocked(s.clock.Now())
		s.mu.Unlock()
		if ev == nil {
			return ran
		}

		// Callbacks run outside the lock so they can schedule more events.
		if ev.f != nil {
			ev.f()
		}
		ran++

		if s.observer != nil {
			s.observer.ObserveEvent(s.clock.Now(), s.Pending())
		}
	}
}

func (s *eventScheduler) RunUntil(ctx context.Context, end time.Time) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		total += s.RunDue()
		if err := s.failed(); err != nil {
			return total, err
		}

		s.mu.Lock()
		next, ok := s.nextTimeLocked()
		s.mu.Unlock()

		if !ok || next.After(end) {
			s.clock.AdvanceTo(end)
			return total, nil
		}
		s.clock.AdvanceTo(next)
	}
}
