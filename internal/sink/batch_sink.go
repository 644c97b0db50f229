package sink

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/site-telemetry/internal/domain"
	"github.com/spec-kit/site-telemetry/internal/observability"
)

// ErrBufferFull is returned when the client-side buffer is at capacity and the fact is dropped.
var ErrBufferFull = errors.New("batch buffer full")

// ErrSinkClosed is returned for writes after Close.
var ErrSinkClosed = errors.New("batch sink closed")

const (
	metricBatchFlushes = "telemetry_batch_flushes_total"
	metricBatchFacts   = "telemetry_batch_facts_total"
)

// BatchConfig tunes BatchSink.
type BatchConfig struct {
	KeyPrefix     string
	BatchSize     int
	FlushInterval time.Duration
	// MaxBuffered bounds the facts held between flushes. Defaults to 16 batches.
	MaxBuffered   int
	RetryAttempts int
	RetryInterval time.Duration
	TTL           time.Duration
}

func (c *BatchConfig) applyDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "requests"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = c.BatchSize * 16
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 1
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 200 * time.Millisecond
	}
}

// fact is one phase of one request. The hash key is the correlation id and every field
// is prefixed with the phase tag, so redelivery rewrites identical fields and phases
// arriving out of order never overwrite each other.
type fact struct {
	id     uuid.UUID
	phase  Op
	fields map[string]any
}

// BatchSink appends lifecycle facts to Redis hashes in pipelined batches.
type BatchSink struct {
	client redis.Cmdable
	cfg    BatchConfig
	logger *zap.Logger

	flushes *observability.Counter
	facts   *observability.Counter

	mu     sync.Mutex
	buf    []fact
	closed bool

	kick      chan struct{}
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewBatchSink starts the background flush loop. Close must be called to flush the tail.
func NewBatchSink(client redis.Cmdable, cfg BatchConfig, reg *observability.Registry, logger *zap.Logger) (*BatchSink, error) {
	cfg.applyDefaults()

	if err := reg.Register(observability.Desc{
		Name:   metricBatchFlushes,
		Help:   "Pipelined flushes of request facts by result.",
		Kind:   observability.KindCounter,
		Labels: []string{"result"},
	}); err != nil {
		return nil, err
	}
	if err := reg.Register(observability.Desc{
		Name:   metricBatchFacts,
		Help:   "Request facts handled by the batch sink by outcome.",
		Kind:   observability.KindCounter,
		Labels: []string{"outcome"},
	}); err != nil {
		return nil, err
	}
	flushes, _ := reg.Counter(metricBatchFlushes)
	facts, _ := reg.Counter(metricBatchFacts)

	s := &BatchSink{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		flushes: flushes,
		facts:   facts,
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

func (s *BatchSink) Create(_ context.Context, start domain.RequestStart) error {
	headers, err := json.Marshal(start.Headers.Map())
	if err != nil {
		return persistErr(start.ID, OpCreate, err)
	}
	return s.append(fact{id: start.ID, phase: OpCreate, fields: map[string]any{
		"received_at": start.ReceivedAt.UTC().Format(time.RFC3339Nano),
		"method":      start.Method,
		"url":         start.URL,
		"remote_addr": start.RemoteAddr,
		"headers":     string(headers),
	}})
}

func (s *BatchSink) RecordResponse(_ context.Context, facts domain.ResponseFacts) error {
	fields := map[string]any{
		"status_code":     facts.StatusCode,
		"latency_seconds": facts.Latency.Seconds(),
	}
	if facts.Size != nil {
		fields["size"] = *facts.Size
	}
	return s.append(fact{id: facts.ID, phase: OpResponse, fields: fields})
}

func (s *BatchSink) RecordFinish(_ context.Context, facts domain.FinishFacts) error {
	return s.append(fact{id: facts.ID, phase: OpFinish, fields: map[string]any{
		"latency_seconds": facts.Latency.Seconds(),
	}})
}

func (s *BatchSink) append(f fact) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return persistErr(f.id, f.phase, ErrSinkClosed)
	}
	if len(s.buf) >= s.cfg.MaxBuffered {
		s.mu.Unlock()
		s.facts.Inc("dropped")
		return persistErr(f.id, f.phase, ErrBufferFull)
	}
	s.buf = append(s.buf, f)
	full := len(s.buf) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *BatchSink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		case <-s.kick:
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushInterval*time.Duration(s.cfg.RetryAttempts+1))
		_ = s.Flush(ctx)
		cancel()
	}
}

// Flush writes every buffered fact in one pipeline, retrying with exponential backoff.
// Facts from a batch that still fails are dropped.
func (s *BatchSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.RetryInterval

	_, err := backoff.Retry(ctx, func() ([]redis.Cmder, error) {
		return s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, f := range batch {
				key := s.key(f.id)
				pipe.HSet(ctx, key, f.values()...)
				if s.cfg.TTL > 0 {
					pipe.Expire(ctx, key, s.cfg.TTL)
				}
			}
			return nil
		})
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(s.cfg.RetryAttempts)))

	if err != nil {
		s.flushes.Inc("failed")
		s.facts.Add(float64(len(batch)), "dropped")
		s.logger.Error("request log batch dropped",
			zap.Int("facts", len(batch)),
			zap.String("first_correlation_id", batch[0].id.String()),
			zap.Error(err),
		)
		return err
	}

	s.flushes.Inc("ok")
	s.facts.Add(float64(len(batch)), "written")
	return nil
}

// Close stops the flush loop and writes whatever is still buffered.
func (s *BatchSink) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.stop)
		s.wg.Wait()
		err = s.Flush(ctx)
	})
	return err
}

// Key returns the hash key holding the facts of a request.
func (s *BatchSink) Key(id uuid.UUID) string {
	return s.key(id)
}

func (s *BatchSink) key(id uuid.UUID) string {
	return s.cfg.KeyPrefix + ":" + id.String()
}

func (f fact) values() []any {
	values := make([]any, 0, 2*len(f.fields))
	for name, v := range f.fields {
		values = append(values, string(f.phase)+"."+name, formatValue(v))
	}
	return values
}

func formatValue(v any) any {
	switch t := v.(type) {
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return t
	}
}
