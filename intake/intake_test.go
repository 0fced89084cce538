package intake

import (
	"context"
	"errors"
	"testing"

	"github.com/docforge/docforge/extract/extracttest"
	"github.com/docforge/docforge/job"
	"github.com/docforge/docforge/queue"
	"github.com/docforge/docforge/store"
)

func newService(t *testing.T) (*Service, *store.Memory, *queue.Memory) {
	t.Helper()
	st := store.NewMemory()
	q := queue.NewMemory()
	return New(st, q, Config{}, nil), st, q
}

func TestSubmitPDF(t *testing.T) {
	ctx := context.Background()
	svc, st, q := newService(t)

	data := extracttest.BuildTextPDF("hello")
	j, err := svc.Submit(ctx, data, "report.pdf", "owner-1")
	if err != nil {
		t.Fatal(err)
	}
	if j.Format != job.FormatPDF {
		t.Fatalf("expected pdf format, got %s", j.Format)
	}
	if j.State != job.StatePending {
		t.Fatalf("expected pending, got %s", j.State)
	}
	if j.FileID == "" {
		t.Fatal("expected stored file reference")
	}

	// Bytes durably stored before the job was published.
	if _, err := st.GetFile(ctx, j.FileID); err != nil {
		t.Fatalf("file not stored: %v", err)
	}
	if q.PendingCount() != 1 {
		t.Fatalf("expected one published message, got %d", q.PendingCount())
	}
}

func TestSubmitDocx(t *testing.T) {
	svc, _, _ := newService(t)

	data := extracttest.BuildDocx(extracttest.Paragraph{Text: "body"})
	// Filename lies about the format; sniffing decides.
	j, err := svc.Submit(context.Background(), data, "report.pdf", "owner-1")
	if err != nil {
		t.Fatal(err)
	}
	if j.Format != job.FormatDocx {
		t.Fatalf("expected docx format, got %s", j.Format)
	}
}

func TestSubmitUnsupportedFormat(t *testing.T) {
	svc, st, q := newService(t)

	png := []byte("\x89PNG\r\n\x1a\nrest of image")
	_, err := svc.Submit(context.Background(), png, "image.pdf", "owner-1")

	var ue *UnsupportedFormatError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnsupportedFormatError, got %v", err)
	}
	// No job, no file, no message.
	if q.PendingCount() != 0 {
		t.Fatal("no message should be published for rejected submission")
	}
	if jobs, _ := st.ListJobs(context.Background(), "owner-1", 0); len(jobs) != 0 {
		t.Fatal("no job should be created for rejected submission")
	}
}

func TestSubmitEmptyPayload(t *testing.T) {
	svc, _, _ := newService(t)

	_, err := svc.Submit(context.Background(), nil, "empty.pdf", "owner-1")
	var pe *PayloadError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PayloadError, got %v", err)
	}
}

func TestSubmitOversizedPayload(t *testing.T) {
	st := store.NewMemory()
	q := queue.NewMemory()
	svc := New(st, q, Config{MaxUploadBytes: 64}, nil)

	data := extracttest.BuildTextPDF("this fixture easily exceeds sixty-four bytes of payload")
	_, err := svc.Submit(context.Background(), data, "big.pdf", "owner-1")
	var pe *PayloadError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PayloadError, got %v", err)
	}
}

func TestSubmitPublishFailureLeavesPending(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory()
	q.FailPublish = true
	svc := New(st, q, Config{}, nil)

	j, err := svc.Submit(ctx, extracttest.BuildTextPDF("x"), "a.pdf", "owner-1")
	if err != nil {
		t.Fatalf("publish failure must not fail the submission: %v", err)
	}

	got, err := st.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StatePending {
		t.Fatalf("expected job left pending for the sweep, got %s", got.State)
	}
	if q.PendingCount() != 0 {
		t.Fatal("expected no queued message")
	}
}

func TestSubmitURL(t *testing.T) {
	svc, _, q := newService(t)

	j, err := svc.SubmitURL(context.Background(), "https://en.wikipedia.org/wiki/DNA", "owner-1")
	if err != nil {
		t.Fatal(err)
	}
	if j.Format != job.FormatHTML {
		t.Fatalf("expected html format, got %s", j.Format)
	}
	if j.Source != job.SourceWikipedia {
		t.Fatalf("expected wikipedia source, got %s", j.Source)
	}
	if q.PendingCount() != 1 {
		t.Fatalf("expected one published message, got %d", q.PendingCount())
	}
}

func TestSubmitURLInvalid(t *testing.T) {
	svc, _, _ := newService(t)

	_, err := svc.SubmitURL(context.Background(), "ftp://example.com/x", "owner-1")
	var pe *PayloadError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PayloadError, got %v", err)
	}
}

func TestIsRejection(t *testing.T) {
	if !IsRejection(&PayloadError{Reason: "x"}) {
		t.Fatal("PayloadError is a rejection")
	}
	if !IsRejection(&UnsupportedFormatError{Detected: "image/png"}) {
		t.Fatal("UnsupportedFormatError is a rejection")
	}
	if IsRejection(errors.New("boom")) {
		t.Fatal("arbitrary errors are not rejections")
	}
}
