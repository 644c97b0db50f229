package observability

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// ErrTimerObserved is the panic value raised by strict builds when a Timer is observed twice.
var ErrTimerObserved = errors.New("timer already observed")

// strictObserve makes a second observation panic. Test binaries and builds tagged
// telemetry_strict are strict; release builds ignore the second observation.
var strictObserve = strictTimers || testing.Testing()

// Clock returns the current time. time.Now carries a monotonic reading, which Timer relies on.
type Clock func() time.Time

// Timer is a single-use stopwatch. It may be read any number of times but observed
// into a histogram only once. A second observation panics under go test or when built
// with the telemetry_strict tag and is ignored otherwise.
type Timer struct {
	now      Clock
	start    time.Time
	observed atomic.Bool
}

// StartTimer starts a timer on the wall clock.
func StartTimer() *Timer {
	return StartTimerWith(time.Now)
}

// StartTimerWith starts a timer on the given clock.
func StartTimerWith(now Clock) *Timer {
	if now == nil {
		now = time.Now
	}
	return &Timer{now: now, start: now()}
}

// Fork returns a new, unobserved timer sharing this timer's clock and start instant.
func (t *Timer) Fork() *Timer {
	return &Timer{now: t.now, start: t.start}
}

// Started returns the instant the timer was started.
func (t *Timer) Started() time.Time {
	return t.start
}

// Elapsed returns the time since start, never negative.
func (t *Timer) Elapsed() time.Duration {
	d := t.now().Sub(t.start)
	if d < 0 {
		return 0
	}
	return d
}

// ObserveInto records the elapsed seconds into h. It returns the elapsed duration and
// whether this call performed the observation.
func (t *Timer) ObserveInto(h *Histogram, labels ...string) (time.Duration, bool) {
	elapsed := t.Elapsed()
	if !t.observed.CompareAndSwap(false, true) {
		if strictObserve {
			panic(ErrTimerObserved)
		}
		return elapsed, false
	}
	h.Observe(elapsed.Seconds(), labels...)
	return elapsed, true
}

// Observed reports whether the timer has been observed.
func (t *Timer) Observed() bool {
	return t.observed.Load()
}
