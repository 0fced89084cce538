package worker

import (
	"context"
	"testing"
	"time"

	"github.com/docforge/docforge/job"
	"github.com/docforge/docforge/queue"
	"github.com/docforge/docforge/store"
)

// pendingSince creates a pending job whose last update is backdated.
func pendingSince(t *testing.T, ctx context.Context, st *store.Memory, age time.Duration) *job.Job {
	t.Helper()
	j := job.New("owner-1", job.FormatPDF, job.SourceUpload)
	j.UpdatedAt = time.Now().UTC().Add(-age)
	if err := st.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	return j
}

func TestSweepRepublishesStalePendingJobs(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory()
	s := NewSweeper(st, q, SweepConfig{Grace: time.Minute}, nil, nil)

	stale := pendingSince(t, ctx, st, 10*time.Minute)
	pendingSince(t, ctx, st, time.Second) // fresh, message presumed in flight

	if err := s.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if q.PendingCount() != 1 {
		t.Fatalf("expected exactly the stale job re-published, got %d messages", q.PendingCount())
	}

	ch := consumer(t, q)
	if got := receive(t, ch).JobID(); got != stale.ID {
		t.Fatalf("expected %s re-published, got %s", stale.ID, got)
	}
}

func TestSweepTouchPreventsImmediateRepublish(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory()
	s := NewSweeper(st, q, SweepConfig{Grace: time.Minute}, nil, nil)

	pendingSince(t, ctx, st, 10*time.Minute)

	if err := s.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if q.PendingCount() != 1 {
		t.Fatalf("expected one re-publish across back-to-back sweeps, got %d", q.PendingCount())
	}
}

func TestSweepSkipsTerminalAndProcessingJobs(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory()
	s := NewSweeper(st, q, SweepConfig{Grace: time.Minute}, nil, nil)

	for _, target := range []job.State{job.StateSucceeded, job.StateDead} {
		j := pendingSince(t, ctx, st, 10*time.Minute)
		if _, err := st.UpdateJobState(ctx, j.ID, store.StateUpdate{State: job.StateProcessing}); err != nil {
			t.Fatal(err)
		}
		if _, err := st.UpdateJobState(ctx, j.ID, store.StateUpdate{State: target}); err != nil {
			t.Fatal(err)
		}
	}
	claimed := pendingSince(t, ctx, st, 10*time.Minute)
	if _, err := st.UpdateJobState(ctx, claimed.ID, store.StateUpdate{State: job.StateProcessing}); err != nil {
		t.Fatal(err)
	}

	if err := s.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if q.PendingCount() != 0 {
		t.Fatalf("expected no re-publishes, got %d", q.PendingCount())
	}
}

func TestSweepPublishFailureLeavesJobStale(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory()
	s := NewSweeper(st, q, SweepConfig{Grace: time.Minute}, nil, nil)

	j := pendingSince(t, ctx, st, 10*time.Minute)

	q.FailPublish = true
	if err := s.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	// The job must still qualify on the next cycle.
	q.FailPublish = false
	if err := s.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if q.PendingCount() != 1 {
		t.Fatalf("expected re-publish after broker recovery, got %d", q.PendingCount())
	}
	ch := consumer(t, q)
	if got := receive(t, ch).JobID(); got != j.ID {
		t.Fatalf("expected %s, got %s", j.ID, got)
	}
}
