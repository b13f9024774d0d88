package timectrl

import (
	"math"
	"strings"
	"sync"
	"time"
)

// Unit is the length of one simulation time unit. Protocol intervals are
// expressed in units (a key-manager tick is 0.01 units) and converted with
// Units.
const Unit = time.Second

// Units converts a fractional number of simulation units into a duration.
func Units(u float64) time.Duration {
	return time.Duration(math.Round(u * float64(Unit)))
}

// SimClock is an interface for reading simulation time. Protocols and the
// event scheduler depend on it rather than on the concrete controller so that
// tests can substitute a fake clock.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
	// Elapsed returns the simulated time since the clock's start instant.
	Elapsed() time.Duration
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// Accelerated jumps straight to the next event time.
	Accelerated Mode = iota
	// RealTime sleeps so that simulated time tracks the wall clock, scaled by Pace.
	RealTime
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	default:
		return "accelerated"
	}
}

// ParseMode maps a textual mode onto a Mode, ignoring case and defaulting
// to Accelerated.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "realtime", "real-time":
		return RealTime
	}
	return Accelerated
}

// TimeController holds discrete simulation time and notifies listeners
// whenever it moves. It implements SimClock.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Mode      Mode
	// Pace is the wall-clock duration per simulated second in RealTime mode.
	// Zero means one-to-one.
	Pace time.Duration

	currentTime time.Time
	sleep       func(time.Duration)

	listeners []func(time.Time)
}

// NewTimeController constructs a controller positioned at start.
func NewTimeController(start time.Time, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Mode:        mode,
		currentTime: start,
		sleep:       time.Sleep,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// Elapsed returns simulated time since StartTime. Implements SimClock.
func (tc *TimeController) Elapsed() time.Duration {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime.Sub(tc.StartTime)
}

// SetTime forces the current time. Listeners are not notified.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	tc.mu.Unlock()
}

// AddListener registers a callback invoked after every advance.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	tc.listeners = append(tc.listeners, fn)
	tc.mu.Unlock()
}

// AdvanceTo moves the clock forward to t. Time is kept monotonic: a t before
// the current time is ignored and false is returned.
func (tc *TimeController) AdvanceTo(t time.Time) bool {
	tc.mu.Lock()
	if t.Before(tc.currentTime) {
		tc.mu.Unlock()
		return false
	}
	delta := t.Sub(tc.currentTime)
	tc.currentTime = t
	listeners := append([]func(time.Time){}, tc.listeners...)
	mode, pace, sleep := tc.Mode, tc.Pace, tc.sleep
	tc.mu.Unlock()

	if mode == RealTime && delta > 0 && sleep != nil {
		wall := delta
		if pace > 0 {
			wall = time.Duration(delta.Seconds() * float64(pace))
		}
		sleep(wall)
	}

	for _, fn := range listeners {
		fn(t)
	}
	return true
}
