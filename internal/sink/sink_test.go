package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/site-telemetry/internal/domain"
	"github.com/spec-kit/site-telemetry/internal/observability"
	"github.com/spec-kit/site-telemetry/internal/repository"
)

type stubRepo struct {
	err   error
	calls []string
}

func (s *stubRepo) Create(context.Context, domain.RequestStart) error {
	s.calls = append(s.calls, "create")
	return s.err
}

func (s *stubRepo) SetResponse(context.Context, domain.ResponseFacts) error {
	s.calls = append(s.calls, "response")
	return s.err
}

func (s *stubRepo) SetFinish(context.Context, domain.FinishFacts) error {
	s.calls = append(s.calls, "finish")
	return s.err
}

func TestRowSinkWrapsFailures(t *testing.T) {
	repo := &stubRepo{err: repository.ErrRequestNotFound}
	s := NewRowSink(repo)
	id := uuid.New()

	err := s.RecordFinish(context.Background(), domain.FinishFacts{ID: id})
	require.Error(t, err)

	var perr *PersistError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, id, perr.ID)
	assert.Equal(t, OpFinish, perr.Op)
	assert.ErrorIs(t, err, repository.ErrRequestNotFound)
	assert.Contains(t, err.Error(), id.String())
}

func TestRowSinkPassesThroughSuccess(t *testing.T) {
	repo := &stubRepo{}
	s := NewRowSink(repo)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, domain.RequestStart{ID: uuid.New()}))
	require.NoError(t, s.RecordResponse(ctx, domain.ResponseFacts{}))
	require.NoError(t, s.RecordFinish(ctx, domain.FinishFacts{}))
	assert.Equal(t, []string{"create", "response", "finish"}, repo.calls)
}

func newTestBatchSink(t *testing.T, cfg BatchConfig) (*BatchSink, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Hour
	}
	s, err := NewBatchSink(client, cfg, observability.NewRegistry(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, mr
}

func TestBatchSinkWritesAllPhases(t *testing.T) {
	s, mr := newTestBatchSink(t, BatchConfig{KeyPrefix: "req", TTL: time.Hour})
	ctx := context.Background()
	id := uuid.New()
	size := int64(1024)

	require.NoError(t, s.Create(ctx, domain.RequestStart{
		ID:         id,
		ReceivedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Method:     "GET",
		URL:        "/resume",
		Headers:    domain.Headers{{Name: "Accept", Value: "text/html"}},
	}))
	require.NoError(t, s.RecordResponse(ctx, domain.ResponseFacts{ID: id, StatusCode: 200, Latency: 250 * time.Millisecond, Size: &size}))
	require.NoError(t, s.RecordFinish(ctx, domain.FinishFacts{ID: id, Latency: 300 * time.Millisecond}))
	require.NoError(t, s.Flush(ctx))

	key := s.Key(id)
	assert.Equal(t, "req:"+id.String(), key)
	assert.Equal(t, "/resume", mr.HGet(key, "create.url"))
	assert.Equal(t, "GET", mr.HGet(key, "create.method"))
	assert.Equal(t, "2024-01-02T03:04:05Z", mr.HGet(key, "create.received_at"))
	assert.JSONEq(t, `{"accept":"text/html"}`, mr.HGet(key, "create.headers"))
	assert.Equal(t, "200", mr.HGet(key, "record_response.status_code"))
	assert.Equal(t, "0.25", mr.HGet(key, "record_response.latency_seconds"))
	assert.Equal(t, "1024", mr.HGet(key, "record_response.size"))
	assert.Equal(t, "0.3", mr.HGet(key, "record_finish.latency_seconds"))
	assert.Greater(t, mr.TTL(key), time.Duration(0))
}

func TestBatchSinkToleratesDuplicateAndOutOfOrderPhases(t *testing.T) {
	s, mr := newTestBatchSink(t, BatchConfig{})
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, s.RecordFinish(ctx, domain.FinishFacts{ID: id, Latency: time.Second}))
	require.NoError(t, s.RecordResponse(ctx, domain.ResponseFacts{ID: id, StatusCode: 500, Latency: time.Second}))
	require.NoError(t, s.Create(ctx, domain.RequestStart{ID: id, Method: "POST", URL: "/privacy"}))
	require.NoError(t, s.RecordResponse(ctx, domain.ResponseFacts{ID: id, StatusCode: 500, Latency: time.Second}))
	require.NoError(t, s.Flush(ctx))

	key := s.Key(id)
	assert.Equal(t, "1", mr.HGet(key, "record_finish.latency_seconds"))
	assert.Equal(t, "500", mr.HGet(key, "record_response.status_code"))
	assert.Equal(t, "/privacy", mr.HGet(key, "create.url"))
	assert.Empty(t, mr.HGet(key, "record_response.size"))

	fields, err := mr.HKeys(key)
	require.NoError(t, err)
	assert.Len(t, fields, 8)
}

func TestBatchSinkFlushesWhenBatchIsFull(t *testing.T) {
	s, mr := newTestBatchSink(t, BatchConfig{BatchSize: 2})
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	require.NoError(t, s.Create(ctx, domain.RequestStart{ID: a, URL: "/a"}))
	require.NoError(t, s.Create(ctx, domain.RequestStart{ID: b, URL: "/b"}))

	assert.Eventually(t, func() bool {
		return mr.Exists(s.Key(a)) && mr.Exists(s.Key(b))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBatchSinkDropsWhenBufferFull(t *testing.T) {
	s, _ := newTestBatchSink(t, BatchConfig{BatchSize: 100, MaxBuffered: 1})
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, domain.RequestStart{ID: uuid.New()}))
	err := s.Create(ctx, domain.RequestStart{ID: uuid.New()})
	assert.ErrorIs(t, err, ErrBufferFull)

	var perr *PersistError
	assert.True(t, errors.As(err, &perr))
	assert.Equal(t, OpCreate, perr.Op)
}

func TestBatchSinkDropsBatchAfterRetries(t *testing.T) {
	s, mr := newTestBatchSink(t, BatchConfig{RetryAttempts: 2, RetryInterval: time.Millisecond})
	ctx := context.Background()
	id := uuid.New()

	mr.SetError("LOADING store unavailable")
	require.NoError(t, s.Create(ctx, domain.RequestStart{ID: id}))
	assert.Error(t, s.Flush(ctx))

	mr.SetError("")
	require.NoError(t, s.Flush(ctx))
	assert.False(t, mr.Exists(s.Key(id)))
}

func TestBatchSinkRejectsWritesAfterClose(t *testing.T) {
	s, mr := newTestBatchSink(t, BatchConfig{})
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, s.Create(ctx, domain.RequestStart{ID: id, URL: "/"}))
	require.NoError(t, s.Close(ctx))
	assert.True(t, mr.Exists(s.Key(id)))

	err := s.RecordFinish(ctx, domain.FinishFacts{ID: id})
	assert.ErrorIs(t, err, ErrSinkClosed)
}

func TestDiscard(t *testing.T) {
	var s Sink = Discard{}
	ctx := context.Background()
	assert.NoError(t, s.Create(ctx, domain.RequestStart{}))
	assert.NoError(t, s.RecordResponse(ctx, domain.ResponseFacts{}))
	assert.NoError(t, s.RecordFinish(ctx, domain.FinishFacts{}))
}
