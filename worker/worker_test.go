package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/docforge/docforge/extract"
	"github.com/docforge/docforge/job"
	"github.com/docforge/docforge/queue"
	"github.com/docforge/docforge/store"
)

type stubExtractor struct {
	res   *extract.Result
	err   error
	calls int
}

func (s *stubExtractor) Extract(_ context.Context, _ []byte, _ job.Format) (*extract.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.res, nil
}

type stubFetcher struct {
	data  []byte
	err   error
	calls int
}

func (s *stubFetcher) Fetch(_ context.Context, _ string) ([]byte, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.data, nil
}

func okExtractor() *stubExtractor {
	return &stubExtractor{res: &extract.Result{Title: "T", Text: "extracted body", Method: "stub"}}
}

// consumer opens one delivery channel for the whole test and tears it
// down on cleanup.
func consumer(t *testing.T, q *queue.Memory) <-chan queue.Delivery {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch, err := q.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return ch
}

// receive pulls one delivery off the channel or fails the test.
func receive(t *testing.T, ch <-chan queue.Delivery) queue.Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		if !ok {
			t.Fatal("delivery channel closed")
		}
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

// submitUpload stores bytes, creates a pending job and publishes it.
func submitUpload(t *testing.T, ctx context.Context, st *store.Memory, q *queue.Memory, owner string) *job.Job {
	t.Helper()
	fileID, err := st.PutFile(ctx, []byte("%raw document bytes%"))
	if err != nil {
		t.Fatal(err)
	}
	j := job.New(owner, job.FormatPDF, job.SourceUpload)
	j.FileID = fileID
	j.ByteLength = 20
	if err := st.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	if err := q.Publish(ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	return j
}

func TestHandleSuccess(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory()
	ex := okExtractor()
	p := New(st, q, ex, &stubFetcher{}, Config{MaxAttempts: 3}, nil, nil)
	ch := consumer(t, q)

	j := submitUpload(t, ctx, st, q, "owner-1")
	p.handle(ctx, receive(t, ch))

	got, err := st.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", got.State, got.ErrorDetail)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", got.Attempts)
	}

	doc, err := st.GetDocument(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if doc.ExtractedText != "extracted body" {
		t.Fatalf("unexpected text %q", doc.ExtractedText)
	}
	if doc.Metadata["extraction_method"] != "stub" {
		t.Fatalf("missing provenance: %v", doc.Metadata)
	}
	if q.PendingCount() != 0 || len(q.DeadLettered()) != 0 {
		t.Fatal("message must be acked, not requeued or dead-lettered")
	}
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory()
	ex := okExtractor()
	p := New(st, q, ex, &stubFetcher{}, Config{}, nil, nil)
	ch := consumer(t, q)

	j := submitUpload(t, ctx, st, q, "owner-1")
	// The broker delivered the same message twice.
	if err := q.Publish(ctx, j.ID); err != nil {
		t.Fatal(err)
	}

	p.handle(ctx, receive(t, ch))
	p.handle(ctx, receive(t, ch))

	if st.DocumentCount() != 1 {
		t.Fatalf("expected exactly one document, got %d", st.DocumentCount())
	}
	got, _ := st.GetJob(ctx, j.ID)
	if got.Attempts != 1 {
		t.Fatalf("duplicate delivery must not burn an attempt, got %d", got.Attempts)
	}
	if ex.calls != 1 {
		t.Fatalf("expected a single extraction, got %d", ex.calls)
	}
}

func TestParseErrorDeadLettersAfterOneAttempt(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory()
	ex := &stubExtractor{err: &extract.ParseError{Format: job.FormatPDF, Reason: "corrupt xref"}}
	p := New(st, q, ex, &stubFetcher{}, Config{MaxAttempts: 3}, nil, nil)
	ch := consumer(t, q)

	j := submitUpload(t, ctx, st, q, "owner-1")
	p.handle(ctx, receive(t, ch))

	got, _ := st.GetJob(ctx, j.ID)
	if got.State != job.StateDead {
		t.Fatalf("expected dead-lettered, got %s", got.State)
	}
	if got.Attempts != 1 {
		t.Fatalf("malformed input must not be retried: attempts = %d", got.Attempts)
	}
	if got.ErrorDetail == "" {
		t.Fatal("expected error detail recorded")
	}
	dead := q.DeadLettered()
	if len(dead) != 1 || dead[0] != j.ID {
		t.Fatalf("expected message in dead-letter destination, got %v", dead)
	}
}

func TestTransientFailureRetriesUntilAttemptsExhausted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory()
	ex := &stubExtractor{err: errors.New("store unreachable")}
	maxAttempts := 3
	p := New(st, q, ex, &stubFetcher{}, Config{MaxAttempts: maxAttempts}, nil, nil)
	ch := consumer(t, q)

	j := submitUpload(t, ctx, st, q, "owner-1")

	// Each transient failure requeues; the bound dead-letters on the
	// delivery after the last allowed attempt.
	deliveries := 0
	for {
		deliveries++
		if deliveries > maxAttempts+1 {
			t.Fatal("job never settled")
		}
		p.handle(ctx, receive(t, ch))
		got, _ := st.GetJob(ctx, j.ID)
		if got.State == job.StateDead {
			break
		}
	}

	got, _ := st.GetJob(ctx, j.ID)
	if got.Attempts != maxAttempts {
		t.Fatalf("expected exactly %d attempts, got %d", maxAttempts, got.Attempts)
	}
	if ex.calls != maxAttempts {
		t.Fatalf("expected %d extraction attempts, got %d", maxAttempts, ex.calls)
	}
	if len(q.DeadLettered()) != 1 {
		t.Fatal("expected message dead-lettered")
	}
}

func TestRedeliveryAfterCrashReclaimsProcessingJob(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory()
	p := New(st, q, okExtractor(), &stubFetcher{}, Config{MaxAttempts: 3}, nil, nil)
	ch := consumer(t, q)

	j := submitUpload(t, ctx, st, q, "owner-1")
	// Simulate a worker that claimed the job and died: state stuck in
	// processing, message redelivered by the broker after the lease
	// timeout.
	if _, err := st.UpdateJobState(ctx, j.ID, store.StateUpdate{State: job.StateProcessing, IncrementAttempts: true}); err != nil {
		t.Fatal(err)
	}

	p.handle(ctx, receive(t, ch))

	got, _ := st.GetJob(ctx, j.ID)
	if got.State != job.StateSucceeded {
		t.Fatalf("expected succeeded after re-claim, got %s", got.State)
	}
	if got.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", got.Attempts)
	}
}

func TestMissingStoredPayloadDeadLetters(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory()
	p := New(st, q, okExtractor(), &stubFetcher{}, Config{}, nil, nil)
	ch := consumer(t, q)

	j := job.New("owner-1", job.FormatPDF, job.SourceUpload)
	j.FileID = "vanished"
	if err := st.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	q.Publish(ctx, j.ID)

	p.handle(ctx, receive(t, ch))

	got, _ := st.GetJob(ctx, j.ID)
	if got.State != job.StateDead {
		t.Fatalf("expected dead-lettered for missing payload, got %s", got.State)
	}
}

func TestURLJobFetchesAtProcessingTime(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory()
	f := &stubFetcher{data: []byte("<html><body>page</body></html>")}
	p := New(st, q, okExtractor(), f, Config{}, nil, nil)
	ch := consumer(t, q)

	j := job.New("owner-1", job.FormatHTML, job.SourceWikipedia)
	j.SourceURL = "https://en.wikipedia.org/wiki/DNA"
	if err := st.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	q.Publish(ctx, j.ID)

	p.handle(ctx, receive(t, ch))

	if f.calls != 1 {
		t.Fatalf("expected one fetch, got %d", f.calls)
	}
	got, _ := st.GetJob(ctx, j.ID)
	if got.State != job.StateSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", got.State, got.ErrorDetail)
	}
}

func TestDeliveryForPurgedJobIsDiscarded(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory()
	p := New(st, q, okExtractor(), &stubFetcher{}, Config{}, nil, nil)
	ch := consumer(t, q)

	q.Publish(ctx, "no-such-job")
	p.handle(ctx, receive(t, ch))

	if q.PendingCount() != 0 || len(q.DeadLettered()) != 0 {
		t.Fatal("orphan message must be acked and dropped")
	}
}

func TestFailedJobCompletesDeadLetterOnRedelivery(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory()
	p := New(st, q, okExtractor(), &stubFetcher{}, Config{}, nil, nil)
	ch := consumer(t, q)

	j := submitUpload(t, ctx, st, q, "owner-1")
	// A previous holder recorded the failure but died before the
	// dead-letter write.
	if _, err := st.UpdateJobState(ctx, j.ID, store.StateUpdate{State: job.StateProcessing, IncrementAttempts: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.UpdateJobState(ctx, j.ID, store.StateUpdate{State: job.StateFailed, ErrorDetail: "corrupt"}); err != nil {
		t.Fatal(err)
	}

	p.handle(ctx, receive(t, ch))

	got, _ := st.GetJob(ctx, j.ID)
	if got.State != job.StateDead {
		t.Fatalf("expected dead-lettered, got %s", got.State)
	}
}
