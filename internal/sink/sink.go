// Package sink writes per-request log records to an external store.
//
// Two strategies sit behind Sink: RowSink keeps one row per request and updates it
// in place, BatchSink appends one fact per lifecycle phase to a key-value store and
// flushes them in pipelined batches. Failures are reported as *PersistError and are
// never retried in the caller's path.
package sink

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/spec-kit/site-telemetry/internal/domain"
)

// Op names a lifecycle write.
type Op string

const (
	OpCreate   Op = "create"
	OpResponse Op = "record_response"
	OpFinish   Op = "record_finish"
)

// Sink persists the three lifecycle phases of a request record.
// Implementations must be safe for concurrent use across correlation ids.
type Sink interface {
	Create(ctx context.Context, start domain.RequestStart) error
	RecordResponse(ctx context.Context, facts domain.ResponseFacts) error
	RecordFinish(ctx context.Context, facts domain.FinishFacts) error
}

// PersistError reports a failed lifecycle write for one request.
type PersistError struct {
	ID  uuid.UUID
	Op  Op
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s for request %s: %v", e.Op, e.ID, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

func persistErr(id uuid.UUID, op Op, err error) error {
	if err == nil {
		return nil
	}
	return &PersistError{ID: id, Op: op, Err: err}
}

// Discard drops every record. It is used when no store is configured.
type Discard struct{}

func (Discard) Create(context.Context, domain.RequestStart) error          { return nil }
func (Discard) RecordResponse(context.Context, domain.ResponseFacts) error { return nil }
func (Discard) RecordFinish(context.Context, domain.FinishFacts) error     { return nil }
