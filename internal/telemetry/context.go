package telemetry

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/site-telemetry/internal/domain"
	"github.com/spec-kit/site-telemetry/internal/observability"
)

// ErrMissingTelemetryContext is the panic value raised when a later hook runs without a
// context from OnRequest. It means the middleware was installed incorrectly.
var ErrMissingTelemetryContext = errors.New("telemetry: hook called without request context")

// Phase is the lifecycle position of a tracked request.
type Phase int32

const (
	PhaseStarted Phase = iota
	PhaseResponded
	PhaseFinished
	PhaseAbandoned
)

func (p Phase) String() string {
	switch p {
	case PhaseStarted:
		return "started"
	case PhaseResponded:
		return "responded"
	case PhaseFinished:
		return "finished"
	case PhaseAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseFinished || p == PhaseAbandoned
}

// Untracked is returned by OnRequest for requests that opted out of all telemetry.
// Later hooks treat it as a no-op.
var Untracked = &RequestContext{untracked: true}

// RequestContext carries phase-1 state to the later hooks of one request.
// Transitions are compare-and-swap so a late hook racing an abandonment loses cleanly.
type RequestContext struct {
	tracker   *Tracker
	untracked bool
	metrics   bool
	persist   bool

	record        *domain.RequestRecord
	responseTimer *observability.Timer
	finishTimer   *observability.Timer

	phase atomic.Int32
	// deferred is set when the body is produced by a stream writer that reports completion itself.
	deferred atomic.Bool
	reaper   atomic.Pointer[time.Timer]
}

// Tracked reports whether any telemetry is collected for the request.
func (rc *RequestContext) Tracked() bool {
	return rc != nil && !rc.untracked
}

// ID returns the correlation id, or uuid.Nil when untracked.
func (rc *RequestContext) ID() uuid.UUID {
	if !rc.Tracked() {
		return uuid.Nil
	}
	return rc.record.ID
}

// Phase returns the current lifecycle position.
func (rc *RequestContext) Phase() Phase {
	return Phase(rc.phase.Load())
}

// Record returns the request record. It must only be read after the request reached a terminal phase.
func (rc *RequestContext) Record() *domain.RequestRecord {
	return rc.record
}

func (rc *RequestContext) advance(from, to Phase) bool {
	return rc.phase.CompareAndSwap(int32(from), int32(to))
}

// abandon moves any non-terminal phase to abandoned and returns the phase it left.
func (rc *RequestContext) abandon() (Phase, bool) {
	for {
		current := rc.Phase()
		if current.Terminal() {
			return current, false
		}
		if rc.advance(current, PhaseAbandoned) {
			return current, true
		}
	}
}

func (rc *RequestContext) stopReaper() {
	if t := rc.reaper.Swap(nil); t != nil {
		t.Stop()
	}
}
