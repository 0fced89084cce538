package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/docforge/docforge/job"
)

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	j := job.New("owner-1", job.FormatPDF, job.SourceUpload)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StatePending {
		t.Fatalf("expected pending, got %s", got.State)
	}

	got, err = s.UpdateJobState(ctx, j.ID, StateUpdate{State: job.StateProcessing, IncrementAttempts: true})
	if err != nil {
		t.Fatal(err)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", got.Attempts)
	}

	if _, err := s.UpdateJobState(ctx, j.ID, StateUpdate{State: job.StateSucceeded}); err != nil {
		t.Fatal(err)
	}

	// Terminal jobs never regress.
	_, err = s.UpdateJobState(ctx, j.ID, StateUpdate{State: job.StateProcessing})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := NewMemory()
	if _, err := s.GetJob(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateDocumentIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	d := &job.Document{JobID: "j1", OwnerID: "o1", ExtractedText: "hello", Format: job.FormatPDF}
	if err := s.CreateDocument(ctx, d); err != nil {
		t.Fatal(err)
	}
	// Duplicate delivery writes nothing and reports success.
	dup := &job.Document{JobID: "j1", OwnerID: "o1", ExtractedText: "other", Format: job.FormatPDF}
	if err := s.CreateDocument(ctx, dup); err != nil {
		t.Fatal(err)
	}
	if s.DocumentCount() != 1 {
		t.Fatalf("expected exactly one document, got %d", s.DocumentCount())
	}
	got, err := s.GetDocument(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ExtractedText != "hello" {
		t.Fatalf("first write must win, got %q", got.ExtractedText)
	}
}

func TestFiles(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	id, err := s.PutFile(ctx, []byte("raw bytes"))
	if err != nil {
		t.Fatal(err)
	}
	data, err := s.GetFile(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "raw bytes" {
		t.Fatalf("unexpected file contents: %q", data)
	}
	if _, err := s.GetFile(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListStalePendingJobs(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	stale := job.New("o1", job.FormatPDF, job.SourceUpload)
	stale.UpdatedAt = time.Now().Add(-10 * time.Minute)
	fresh := job.New("o1", job.FormatDocx, job.SourceUpload)
	done := job.New("o1", job.FormatPDF, job.SourceUpload)
	done.State = job.StateSucceeded
	done.UpdatedAt = stale.UpdatedAt

	for _, j := range []*job.Job{stale, fresh, done} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListStalePendingJobs(ctx, time.Now().Add(-5*time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != stale.ID {
		t.Fatalf("expected only the stale pending job, got %d", len(got))
	}

	// Touch refreshes updated_at so the next sweep skips it.
	if err := s.TouchJob(ctx, stale.ID); err != nil {
		t.Fatal(err)
	}
	got, err = s.ListStalePendingJobs(ctx, time.Now().Add(-5*time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no stale jobs after touch, got %d", len(got))
	}
}

func TestTransientClassification(t *testing.T) {
	s := NewMemory()
	s.FailNext["get job"] = 1

	_, err := s.GetJob(context.Background(), "any")
	if !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	// ErrNotFound is not transient.
	if IsTransient(ErrNotFound) {
		t.Fatal("ErrNotFound must not classify as transient")
	}
}

func TestListJobsOwnerScoped(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	a := job.New("alice", job.FormatPDF, job.SourceUpload)
	b := job.New("bob", job.FormatPDF, job.SourceUpload)
	for _, j := range []*job.Job{a, b} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListJobs(ctx, "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != a.ID {
		t.Fatalf("expected only alice's job, got %d", len(got))
	}
}
