// Package status answers job and document queries. All reads are
// owner-scoped: a requester only ever sees their own jobs, and a job
// that exists but belongs to someone else is indistinguishable from a
// missing one at the HTTP layer while still being reported distinctly
// here for auditing.
package status

import (
	"context"
	"errors"
	"fmt"

	"github.com/docforge/docforge/job"
	"github.com/docforge/docforge/store"
)

// ErrForbidden marks a job owned by a different requester.
var ErrForbidden = errors.New("status: job belongs to another owner")

// JobStatus is the queryable view of a job. Document is set only once
// the job has succeeded.
type JobStatus struct {
	Job      *job.Job      `json:"job"`
	Document *job.Document `json:"document,omitempty"`
}

// Service resolves status queries against the store.
type Service struct {
	store store.Store
}

// New creates a status service.
func New(s store.Store) *Service {
	return &Service{store: s}
}

// Get returns the status of one job for the given requester. Returns
// store.ErrNotFound when no such job exists and ErrForbidden when it
// belongs to another owner.
func (s *Service) Get(ctx context.Context, jobID, requesterID string) (*JobStatus, error) {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.OwnerID != requesterID {
		return nil, ErrForbidden
	}

	st := &JobStatus{Job: j}
	if j.State == job.StateSucceeded {
		doc, err := s.store.GetDocument(ctx, jobID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("status: load document: %w", err)
		}
		st.Document = doc
	}
	return st, nil
}

// GetDocument returns the extracted document for one job, with the
// same ownership rules as Get. A job that has not succeeded yet has no
// document and reports store.ErrNotFound.
func (s *Service) GetDocument(ctx context.Context, jobID, requesterID string) (*job.Document, error) {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.OwnerID != requesterID {
		return nil, ErrForbidden
	}
	return s.store.GetDocument(ctx, jobID)
}

// List returns the requester's jobs, newest first.
func (s *Service) List(ctx context.Context, requesterID string, limit int) ([]*job.Job, error) {
	return s.store.ListJobs(ctx, requesterID, limit)
}
