// Package telemetry times requests, aggregates them into the metrics registry and hands
// per-request records to a sink without ever holding up the response.
package telemetry

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/site-telemetry/internal/domain"
	"github.com/spec-kit/site-telemetry/internal/observability"
	"github.com/spec-kit/site-telemetry/internal/sink"
	"github.com/spec-kit/site-telemetry/internal/worker"
)

const (
	MetricResponseCode    = "response_code"
	MetricMethods         = "methods"
	MetricURLsWithStatus  = "urls_with_status"
	MetricResponseLatency = "response_latency_seconds"
	MetricFinishLatency   = "finish_latency_seconds"
	MetricResponseSize    = "response_size_bytes"
	MetricAbandoned       = "telemetry_requests_abandoned_total"

	// LabelAll is the label value of the series counting every tracked request.
	LabelAll = "all"
)

// Abandonment reasons.
const (
	ReasonStreamTimeout  = "stream_timeout"
	ReasonClientGone     = "client_disconnected"
	ReasonFinishedEarly  = "finished_before_response"
	ReasonHandlerPanic   = "handler_panic"
	defaultStreamTimeout = 5 * time.Minute
)

var sizeBuckets = []float64{0, 256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216}

// Dispatcher hands work to a background execution context. Submit must not block.
type Dispatcher interface {
	Submit(task worker.Task) bool
}

// RequestInfo is what a framework adapter captures before the handler runs.
type RequestInfo struct {
	Method     string
	URL        string
	RemoteAddr string
	Headers    domain.Headers
	OptedOut   bool
}

// Options tunes a Tracker.
type Options struct {
	Policy Policy
	// StreamTimeout bounds how long a streaming body may run after its headers before the
	// request is abandoned. Zero selects the default; negative disables the reaper.
	StreamTimeout time.Duration
	Clock         observability.Clock
}

// Tracker drives the three lifecycle hooks of every request.
type Tracker struct {
	sink       sink.Sink
	dispatcher Dispatcher
	logger     *zap.Logger
	policy     Policy
	clock      observability.Clock
	timeout    time.Duration

	responses *observability.Counter
	methods   *observability.Counter
	urls      *observability.Counter
	latency   *observability.Histogram
	finish    *observability.Histogram
	size      *observability.Histogram
	abandoned *observability.Counter
}

// NewTracker registers the request metrics and returns a tracker writing through s.
func NewTracker(reg *observability.Registry, dispatcher Dispatcher, s sink.Sink, logger *zap.Logger, opts Options) (*Tracker, error) {
	err := errors.Join(
		reg.Register(observability.Desc{Name: MetricResponseCode, Help: "Responses by status code.", Kind: observability.KindCounter, Labels: []string{"code"}}),
		reg.Register(observability.Desc{Name: MetricMethods, Help: "Requests by method.", Kind: observability.KindCounter, Labels: []string{"method"}}),
		reg.Register(observability.Desc{Name: MetricURLsWithStatus, Help: "Responses by route and status code.", Kind: observability.KindCounter, Labels: []string{"url", "status"}}),
		reg.Register(observability.Desc{Name: MetricResponseLatency, Help: "Time from request start until the response is ready.", Kind: observability.KindHistogram}),
		reg.Register(observability.Desc{Name: MetricFinishLatency, Help: "Time from request start until the body is fully sent.", Kind: observability.KindHistogram}),
		reg.Register(observability.Desc{Name: MetricResponseSize, Help: "Size of buffered response bodies.", Kind: observability.KindHistogram, Buckets: sizeBuckets}),
		reg.Register(observability.Desc{Name: MetricAbandoned, Help: "Tracked requests that never finished.", Kind: observability.KindCounter, Labels: []string{"reason"}}),
	)
	if err != nil {
		return nil, err
	}

	if s == nil {
		s = sink.Discard{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.StreamTimeout == 0 {
		opts.StreamTimeout = defaultStreamTimeout
	}

	t := &Tracker{
		sink:       s,
		dispatcher: dispatcher,
		logger:     logger,
		policy:     opts.Policy,
		clock:      opts.Clock,
		timeout:    opts.StreamTimeout,
	}
	t.responses, _ = reg.Counter(MetricResponseCode)
	t.methods, _ = reg.Counter(MetricMethods)
	t.urls, _ = reg.Counter(MetricURLsWithStatus)
	t.latency, _ = reg.Histogram(MetricResponseLatency)
	t.finish, _ = reg.Histogram(MetricFinishLatency)
	t.size, _ = reg.Histogram(MetricResponseSize)
	t.abandoned, _ = reg.Counter(MetricAbandoned)
	return t, nil
}

// Policy returns the opt-out policy adapters use to read the request signal.
func (t *Tracker) Policy() Policy {
	return t.policy
}

// OnRequest starts tracking a request and dispatches its create. It returns Untracked
// when the request opted out of everything.
func (t *Tracker) OnRequest(info RequestInfo) *RequestContext {
	metrics, persist := t.policy.collect(info.OptedOut)
	if !metrics && !persist {
		return Untracked
	}

	timer := observability.StartTimerWith(t.clock)
	start := domain.RequestStart{
		ID:         uuid.New(),
		ReceivedAt: timer.Started(),
		Method:     info.Method,
		URL:        info.URL,
		RemoteAddr: info.RemoteAddr,
		Headers:    info.Headers,
	}
	rc := &RequestContext{
		tracker:       t,
		metrics:       metrics,
		persist:       persist,
		record:        domain.NewRequestRecord(start),
		responseTimer: timer,
		finishTimer:   timer.Fork(),
	}

	if persist {
		t.dispatch(start.ID, sink.OpCreate, func(ctx context.Context) error {
			return t.sink.Create(ctx, start)
		})
	}
	return rc
}

// OnResponseReady records status, latency and, for buffered bodies, size. route is the
// matched route pattern and keeps the url label bounded.
func (t *Tracker) OnResponseReady(rc *RequestContext, status int, body domain.Body, route string) {
	if rc == nil {
		panic(ErrMissingTelemetryContext)
	}
	if rc.untracked {
		return
	}
	if !rc.advance(PhaseStarted, PhaseResponded) {
		t.logger.Debug("response hook ignored", zap.Stringer("correlation_id", rc.record.ID), zap.Stringer("phase", rc.Phase()))
		return
	}

	var latencyHist *observability.Histogram
	if rc.metrics {
		code := strconv.Itoa(status)
		t.responses.Inc(LabelAll)
		t.responses.Inc(code)
		t.methods.Inc(LabelAll)
		t.methods.Inc(rc.record.Method)
		t.urls.Inc(route, code)
		if n, ok := body.KnownSize(); ok {
			t.size.Observe(float64(n))
		}
		latencyHist = t.latency
	}
	latency, _ := rc.responseTimer.ObserveInto(latencyHist)
	facts := rc.record.SetResponse(status, latency, body)

	if rc.persist {
		t.dispatch(facts.ID, sink.OpResponse, func(ctx context.Context) error {
			return t.sink.RecordResponse(ctx, facts)
		})
	}

	if body.Kind == domain.BodyStreaming && t.timeout > 0 {
		rc.reaper.Store(time.AfterFunc(t.timeout, func() {
			t.Abandon(rc, ReasonStreamTimeout)
		}))
		// A finish or abandon that won the race already ran stopReaper before the Store.
		if rc.Phase().Terminal() {
			rc.stopReaper()
		}
	}
}

// OnFinished records the time the whole response left the process. A finish that arrives
// before the response hook abandons the request instead.
func (t *Tracker) OnFinished(rc *RequestContext) {
	if rc == nil {
		panic(ErrMissingTelemetryContext)
	}
	if rc.untracked {
		return
	}
	if !rc.advance(PhaseResponded, PhaseFinished) {
		if rc.Phase() == PhaseStarted {
			t.Abandon(rc, ReasonFinishedEarly)
			return
		}
		t.logger.Debug("finish hook ignored", zap.Stringer("correlation_id", rc.record.ID), zap.Stringer("phase", rc.Phase()))
		return
	}
	rc.stopReaper()

	var finishHist *observability.Histogram
	if rc.metrics {
		finishHist = t.finish
	}
	latency, _ := rc.finishTimer.ObserveInto(finishHist)
	facts := rc.record.SetFinish(latency)

	if rc.persist {
		t.dispatch(facts.ID, sink.OpFinish, func(ctx context.Context) error {
			return t.sink.RecordFinish(ctx, facts)
		})
	}
}

// Abandon ends tracking without a finish. Phases already dispatched stay persisted.
func (t *Tracker) Abandon(rc *RequestContext, reason string) {
	if rc == nil {
		panic(ErrMissingTelemetryContext)
	}
	if rc.untracked {
		return
	}
	from, ok := rc.abandon()
	if !ok {
		return
	}
	rc.stopReaper()

	if rc.metrics {
		t.abandoned.Inc(reason)
	}
	t.logger.Warn("request abandoned",
		zap.Stringer("correlation_id", rc.record.ID),
		zap.String("reason", reason),
		zap.Stringer("phase", from),
	)
}

func (t *Tracker) dispatch(id uuid.UUID, op sink.Op, write func(context.Context) error) {
	key := id.String()
	t.dispatcher.Submit(worker.Task{Key: key, Op: string(op), Run: func(ctx context.Context) error {
		if err := write(ctx); err != nil {
			t.logger.Warn("request log write failed",
				zap.String("correlation_id", key),
				zap.String("op", string(op)),
				zap.Error(err),
			)
			return err
		}
		return nil
	}})
}
