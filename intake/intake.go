// Package intake accepts document submissions. It validates content by
// signature sniffing (never the filename), persists raw bytes and a
// pending job, and publishes the job for asynchronous processing.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gabriel-vasile/mimetype"

	"github.com/docforge/docforge/fetch"
	"github.com/docforge/docforge/job"
	"github.com/docforge/docforge/queue"
	"github.com/docforge/docforge/store"
)

const (
	mimePDF  = "application/pdf"
	mimeDocx = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// PayloadError rejects a submission for size or shape before any
// record is created. Never retried.
type PayloadError struct {
	Reason string
}

func (e *PayloadError) Error() string { return "intake: " + e.Reason }

// UnsupportedFormatError rejects a submission whose sniffed content
// type is outside the supported set.
type UnsupportedFormatError struct {
	Detected string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("intake: unsupported format %q", e.Detected)
}

// IsRejection reports whether err is a synchronous intake rejection
// (as opposed to an infrastructure failure).
func IsRejection(err error) bool {
	var pe *PayloadError
	var ue *UnsupportedFormatError
	return errors.As(err, &pe) || errors.As(err, &ue)
}

// Config controls intake limits.
type Config struct {
	// MaxUploadBytes is the payload size ceiling (default 5 MB).
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

func (c *Config) defaults() {
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 5 * 1024 * 1024
	}
}

// Service is the submission front of the pipeline.
type Service struct {
	cfg    Config
	store  store.Store
	queue  queue.Queue
	logger *slog.Logger
}

// New creates an intake service.
func New(s store.Store, q queue.Queue, cfg Config, logger *slog.Logger) *Service {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, store: s, queue: q, logger: logger}
}

// Submit accepts an uploaded file and returns its pending job.
//
// Ordering is store bytes → store job → publish: a job is never
// visible to the queue before its backing bytes are durable. A publish
// failure is not an error for the submitter — the job stays pending
// and the recovery sweep re-publishes it.
func (s *Service) Submit(ctx context.Context, data []byte, filename, ownerID string) (*job.Job, error) {
	if len(data) == 0 {
		return nil, &PayloadError{Reason: "empty payload"}
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		return nil, &PayloadError{Reason: fmt.Sprintf("payload of %d bytes exceeds limit of %d", len(data), s.cfg.MaxUploadBytes)}
	}

	format, err := sniffFormat(data)
	if err != nil {
		return nil, err
	}

	fileID, err := s.store.PutFile(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	j := job.New(ownerID, format, job.SourceUpload)
	j.FileID = fileID
	j.Filename = filename
	j.ByteLength = int64(len(data))
	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.publish(ctx, j)
	return j, nil
}

// SubmitURL accepts a page URL for collection and returns its pending
// job. The page is fetched by the worker at processing time.
func (s *Service) SubmitURL(ctx context.Context, rawURL, ownerID string) (*job.Job, error) {
	source, err := fetch.Classify(rawURL)
	if err != nil {
		return nil, &PayloadError{Reason: err.Error()}
	}

	j := job.New(ownerID, job.FormatHTML, source)
	j.SourceURL = rawURL
	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.publish(ctx, j)
	return j, nil
}

func (s *Service) publish(ctx context.Context, j *job.Job) {
	if err := s.queue.Publish(ctx, j.ID); err != nil {
		// Job stays pending; the sweeper re-publishes it after the
		// grace period.
		s.logger.Warn("intake: publish failed, job left pending",
			"job_id", j.ID, "error", err)
		return
	}
	s.logger.Info("intake: job submitted",
		"job_id", j.ID, "format", j.Format, "source", j.Source, "owner_id", j.OwnerID)
}

// sniffFormat detects the document format from content bytes.
func sniffFormat(data []byte) (job.Format, error) {
	mt := mimetype.Detect(data)
	switch {
	case mt.Is(mimePDF):
		return job.FormatPDF, nil
	case mt.Is(mimeDocx):
		return job.FormatDocx, nil
	default:
		return "", &UnsupportedFormatError{Detected: mt.String()}
	}
}
