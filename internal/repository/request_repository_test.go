package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/site-telemetry/internal/domain"
)

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	calls []execCall
	tag   string
	err   error
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, execCall{sql: strings.TrimSpace(sql), args: args})
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	return pgconn.NewCommandTag(f.tag), nil
}

func TestRequestRepository_Create(t *testing.T) {
	db := &fakeDB{tag: "INSERT 0 1"}
	repo := NewRequestRepository(db)
	id := uuid.New()
	received := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))

	err := repo.Create(context.Background(), domain.RequestStart{
		ID:         id,
		ReceivedAt: received,
		Method:     "GET",
		URL:        "/blog",
		RemoteAddr: "10.0.0.1",
		Headers:    domain.Headers{{Name: "Host", Value: "example.com"}},
	})
	require.NoError(t, err)
	require.Len(t, db.calls, 1)

	call := db.calls[0]
	assert.True(t, strings.HasPrefix(call.sql, "INSERT INTO request_log"))
	assert.Contains(t, call.sql, "ON CONFLICT (id) DO NOTHING")
	assert.Equal(t, []any{id, received.UTC(), "GET", "/blog", "10.0.0.1", "{ Host: example.com }"}, call.args)
}

func TestRequestRepository_SetResponse(t *testing.T) {
	db := &fakeDB{tag: "UPDATE 1"}
	repo := NewRequestRepository(db)
	id := uuid.New()
	size := int64(128)

	err := repo.SetResponse(context.Background(), domain.ResponseFacts{
		ID:         id,
		StatusCode: 404,
		Latency:    1500 * time.Millisecond,
		Size:       &size,
	})
	require.NoError(t, err)
	require.Len(t, db.calls, 1)
	assert.Equal(t, []any{int16(404), 1.5, &size, id}, db.calls[0].args)
}

func TestRequestRepository_SetFinishMissingRow(t *testing.T) {
	db := &fakeDB{tag: "UPDATE 0"}
	repo := NewRequestRepository(db)

	err := repo.SetFinish(context.Background(), domain.FinishFacts{ID: uuid.New(), Latency: time.Second})
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestRequestRepository_PropagatesDriverErrors(t *testing.T) {
	boom := errors.New("connection refused")
	db := &fakeDB{err: boom}
	repo := NewRequestRepository(db)

	err := repo.SetResponse(context.Background(), domain.ResponseFacts{ID: uuid.New(), StatusCode: 200})
	assert.ErrorIs(t, err, boom)
}
