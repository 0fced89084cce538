// Package store provides typed access to persisted Job and Document
// records. The store is the pipeline's system of record: workers settle
// state here, the queue only dispatches.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docforge/docforge/job"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidTransition is returned when a state update would
	// violate the job state DAG (e.g. mutating a terminal job).
	ErrInvalidTransition = errors.New("store: invalid state transition")
)

// TransientError wraps a failure worth retrying: the record may exist
// and the operation may succeed on redelivery.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("store: transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable store failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// StateUpdate carries the fields a state transition may set.
type StateUpdate struct {
	State       job.State
	ErrorDetail string
	// IncrementAttempts bumps the attempts counter atomically with
	// the state change.
	IncrementAttempts bool
}

// Store is the document-store client consumed by intake, workers and
// the status service. Implementations must make CreateDocument
// idempotent (one document per job, duplicate creates are no-ops) and
// must reject updates that violate the job state DAG.
type Store interface {
	CreateJob(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id string) (*job.Job, error)
	UpdateJobState(ctx context.Context, id string, upd StateUpdate) (*job.Job, error)
	ListJobs(ctx context.Context, ownerID string, limit int) ([]*job.Job, error)

	CreateDocument(ctx context.Context, d *job.Document) error
	GetDocument(ctx context.Context, jobID string) (*job.Document, error)

	// PutFile stores raw submission bytes and returns a file id.
	PutFile(ctx context.Context, data []byte) (string, error)
	GetFile(ctx context.Context, id string) ([]byte, error)

	// ListStalePendingJobs returns pending jobs not touched since the
	// cutoff, oldest first. Used by the recovery sweep to re-publish
	// jobs whose queue message was lost.
	ListStalePendingJobs(ctx context.Context, olderThan time.Time, limit int) ([]*job.Job, error)

	// TouchJob refreshes a job's updated_at without changing state,
	// so a sweep re-publishes each stale job once per cycle.
	TouchJob(ctx context.Context, id string) error
}
