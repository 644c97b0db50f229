package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/spec-kit/site-telemetry/internal/domain"
	"github.com/spec-kit/site-telemetry/internal/persistence"
)

// ErrRequestNotFound is returned when an update matches no row, usually because
// the create for that id failed or was dropped.
var ErrRequestNotFound = errors.New("request log row not found")

// RequestRepository persists one row per request, updated in place per phase.
type RequestRepository interface {
	Create(ctx context.Context, start domain.RequestStart) error
	SetResponse(ctx context.Context, facts domain.ResponseFacts) error
	SetFinish(ctx context.Context, facts domain.FinishFacts) error
}

type requestRepository struct {
	db persistence.Execer
}

// NewRequestRepository returns a Postgres-backed implementation.
func NewRequestRepository(db persistence.Execer) RequestRepository {
	return &requestRepository{db: db}
}

func (r *requestRepository) Create(ctx context.Context, start domain.RequestStart) error {
	const query = `
        INSERT INTO request_log (id, received_at, method, url, remote_addr, headers)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (id) DO NOTHING`

	_, err := r.db.Exec(ctx, query,
		start.ID,
		start.ReceivedAt.UTC(),
		start.Method,
		start.URL,
		start.RemoteAddr,
		start.Headers.String(),
	)
	return err
}

func (r *requestRepository) SetResponse(ctx context.Context, facts domain.ResponseFacts) error {
	const query = `
        UPDATE request_log SET status_code=$1, response_latency=$2, response_size=$3
        WHERE id=$4`

	cmd, err := r.db.Exec(ctx, query,
		int16(facts.StatusCode),
		facts.Latency.Seconds(),
		facts.Size,
		facts.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(cmd.RowsAffected(), facts.ID)
}

func (r *requestRepository) SetFinish(ctx context.Context, facts domain.FinishFacts) error {
	const query = `
        UPDATE request_log SET finish_latency=$1
        WHERE id=$2`

	cmd, err := r.db.Exec(ctx, query, facts.Latency.Seconds(), facts.ID)
	if err != nil {
		return err
	}
	return requireRow(cmd.RowsAffected(), facts.ID)
}

func requireRow(affected int64, id uuid.UUID) error {
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	return nil
}
