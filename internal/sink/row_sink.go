package sink

import (
	"context"

	"github.com/spec-kit/site-telemetry/internal/domain"
	"github.com/spec-kit/site-telemetry/internal/repository"
)

// RowSink stores one relational row per request.
type RowSink struct {
	repo repository.RequestRepository
}

// NewRowSink wraps a request repository.
func NewRowSink(repo repository.RequestRepository) *RowSink {
	return &RowSink{repo: repo}
}

func (s *RowSink) Create(ctx context.Context, start domain.RequestStart) error {
	return persistErr(start.ID, OpCreate, s.repo.Create(ctx, start))
}

func (s *RowSink) RecordResponse(ctx context.Context, facts domain.ResponseFacts) error {
	return persistErr(facts.ID, OpResponse, s.repo.SetResponse(ctx, facts))
}

func (s *RowSink) RecordFinish(ctx context.Context, facts domain.FinishFacts) error {
	return persistErr(facts.ID, OpFinish, s.repo.SetFinish(ctx, facts))
}
