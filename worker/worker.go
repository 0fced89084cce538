// Package worker consumes job deliveries from the queue and drives
// each job through its state machine: claim, extract, persist, settle.
// Mutual exclusion per job comes from the queue's delivery lease; the
// store is the system of record and carries the idempotence guard
// against duplicate delivery.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docforge/docforge/extract"
	"github.com/docforge/docforge/job"
	"github.com/docforge/docforge/queue"
	"github.com/docforge/docforge/store"
)

// Extractor turns document bytes into text. *extract.Engine satisfies
// it; tests substitute stubs.
type Extractor interface {
	Extract(ctx context.Context, data []byte, format job.Format) (*extract.Result, error)
}

// Fetcher retrieves page bytes for URL-sourced jobs.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Config controls the pool.
type Config struct {
	// Concurrency is the number of jobs processed in parallel.
	Concurrency int `yaml:"concurrency"`
	// MaxAttempts bounds deliveries per job; one more and the job is
	// dead-lettered.
	MaxAttempts int `yaml:"max_attempts"`
}

func (c *Config) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
}

// Pool processes deliveries with a bounded number of goroutines.
type Pool struct {
	cfg       Config
	store     store.Store
	queue     queue.Queue
	extractor Extractor
	fetcher   Fetcher
	metrics   *Metrics
	logger    *slog.Logger
}

// New creates a worker pool. metrics may be nil.
func New(s store.Store, q queue.Queue, ex Extractor, f Fetcher, cfg Config, m *Metrics, logger *slog.Logger) *Pool {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{cfg: cfg, store: s, queue: q, extractor: ex, fetcher: f, metrics: m, logger: logger}
}

// Run consumes deliveries until ctx is cancelled or the delivery
// channel closes.
func (p *Pool) Run(ctx context.Context) error {
	deliveries, err := p.queue.Consume(ctx)
	if err != nil {
		return fmt.Errorf("worker: consume: %w", err)
	}

	p.logger.Info("worker: started", "concurrency", p.cfg.Concurrency, "max_attempts", p.cfg.MaxAttempts)

	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup

	for d := range deliveries {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// Unsettled delivery returns to the queue via the lease.
			wg.Wait()
			return ctx.Err()
		}
		wg.Add(1)
		go func(d queue.Delivery) {
			defer wg.Done()
			defer func() { <-sem }()
			p.handle(ctx, d)
		}(d)
	}

	wg.Wait()
	p.logger.Info("worker: stopped")
	return ctx.Err()
}

// handle runs the per-job state machine for one delivery. Every path
// settles the delivery exactly once: ack, requeue, or dead-letter.
func (p *Pool) handle(ctx context.Context, d queue.Delivery) {
	start := time.Now()
	jobID := d.JobID()
	log := p.logger.With("job_id", jobID)

	j, err := p.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		// Message without a record: the job was purged out of band.
		log.Warn("worker: job record missing, discarding delivery")
		p.settleAck(d, log)
		return
	}
	if err != nil {
		p.requeue(d, log, "load job", err)
		return
	}

	// Idempotence guard: duplicate delivery of a settled job writes
	// nothing and acks.
	if j.State.Terminal() {
		log.Info("worker: job already terminal, discarding duplicate delivery", "state", j.State)
		p.settleAck(d, log)
		return
	}

	if j.Attempts >= p.cfg.MaxAttempts {
		p.deadLetter(ctx, d, log, j, fmt.Sprintf("attempts exhausted after %d deliveries", j.Attempts))
		return
	}

	j, err = p.store.UpdateJobState(ctx, jobID, store.StateUpdate{
		State:             job.StateProcessing,
		IncrementAttempts: true,
	})
	if errors.Is(err, store.ErrInvalidTransition) {
		// Lost the race, or a previous holder crashed between the
		// failure record and the dead-letter write. Re-read to decide.
		cur, getErr := p.store.GetJob(ctx, jobID)
		switch {
		case getErr != nil:
			p.requeue(d, log, "re-read after claim conflict", getErr)
		case cur.State == job.StateFailed:
			p.deadLetter(ctx, d, log, cur, cur.ErrorDetail)
		default:
			p.settleAck(d, log)
		}
		return
	}
	if err != nil {
		p.requeue(d, log, "claim job", err)
		return
	}
	log.Info("worker: processing", "format", j.Format, "source", j.Source, "attempt", j.Attempts)

	data, err := p.loadContent(ctx, j)
	if errors.Is(err, store.ErrNotFound) {
		// Stored bytes are gone; no retry can recover them.
		p.failDead(ctx, d, log, j, "stored payload missing")
		return
	}
	if err != nil {
		p.release(ctx, d, log, j, "load content", err)
		return
	}

	res, err := p.extractor.Extract(ctx, data, j.Format)
	if extract.IsParseError(err) {
		p.failDead(ctx, d, log, j, err.Error())
		return
	}
	if err != nil {
		p.release(ctx, d, log, j, "extract", err)
		return
	}

	text := extract.CleanFor(j.Source, res.Text)
	if text == "" {
		p.failDead(ctx, d, log, j, "no extractable text after cleaning")
		return
	}

	byteLength := j.ByteLength
	if byteLength == 0 {
		byteLength = int64(len(data))
	}
	doc := &job.Document{
		JobID:         j.ID,
		OwnerID:       j.OwnerID,
		Title:         res.Title,
		ExtractedText: text,
		ByteLength:    byteLength,
		Format:        j.Format,
		Source:        j.Source,
		Metadata:      provenance(res),
		CreatedAt:     time.Now().UTC(),
	}
	if err := p.store.CreateDocument(ctx, doc); err != nil {
		p.release(ctx, d, log, j, "store document", err)
		return
	}

	if _, err := p.store.UpdateJobState(ctx, j.ID, store.StateUpdate{State: job.StateSucceeded}); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// A concurrent holder already settled it; the document
			// write above was the idempotent no-op.
			p.settleAck(d, log)
			return
		}
		// Document persisted but the state write failed. Requeue: the
		// redelivery re-extracts, hits the duplicate-document no-op,
		// and retries this transition.
		p.requeue(d, log, "mark succeeded", err)
		return
	}

	p.metrics.observe(outcomeSucceeded, j.Format, time.Since(start))
	log.Info("worker: job succeeded", "chars", len(text), "duration", time.Since(start))
	p.settleAck(d, log)
}

// loadContent returns the bytes to extract: the stored upload or a
// fresh fetch for URL jobs.
func (p *Pool) loadContent(ctx context.Context, j *job.Job) ([]byte, error) {
	if j.SourceURL != "" {
		return p.fetcher.Fetch(ctx, j.SourceURL)
	}
	return p.store.GetFile(ctx, j.FileID)
}

// failDead records a non-retryable failure: Failed with the error
// detail, then DeadLettered, then the message is routed to the
// dead-letter destination. Never requeued.
func (p *Pool) failDead(ctx context.Context, d queue.Delivery, log *slog.Logger, j *job.Job, detail string) {
	if _, err := p.store.UpdateJobState(ctx, j.ID, store.StateUpdate{State: job.StateFailed, ErrorDetail: detail}); err != nil {
		if !errors.Is(err, store.ErrInvalidTransition) {
			p.requeue(d, log, "mark failed", err)
			return
		}
	}
	p.deadLetter(ctx, d, log, j, detail)
}

// deadLetter settles a job terminally: Dead in the store, message to
// the dead-letter destination.
func (p *Pool) deadLetter(ctx context.Context, d queue.Delivery, log *slog.Logger, j *job.Job, detail string) {
	if _, err := p.store.UpdateJobState(ctx, j.ID, store.StateUpdate{State: job.StateDead, ErrorDetail: detail}); err != nil {
		if !errors.Is(err, store.ErrInvalidTransition) {
			p.requeue(d, log, "mark dead-lettered", err)
			return
		}
	}
	p.metrics.observe(outcomeDeadLettered, j.Format, 0)
	log.Warn("worker: job dead-lettered", "detail", detail, "attempts", j.Attempts)
	if err := d.Reject(false); err != nil {
		log.Error("worker: dead-letter reject failed", "error", err)
	}
}

// release hands a job back after a transient failure: best-effort
// revert to pending, then requeue the message.
func (p *Pool) release(ctx context.Context, d queue.Delivery, log *slog.Logger, j *job.Job, op string, err error) {
	if _, revertErr := p.store.UpdateJobState(ctx, j.ID, store.StateUpdate{State: job.StatePending}); revertErr != nil && !errors.Is(revertErr, store.ErrInvalidTransition) {
		// Leaving the job in processing is safe: redelivery re-claims
		// it via the processing self-transition.
		log.Warn("worker: revert to pending failed", "error", revertErr)
	}
	p.requeue(d, log, op, err)
}

func (p *Pool) requeue(d queue.Delivery, log *slog.Logger, op string, err error) {
	p.metrics.observe(outcomeRequeued, "", 0)
	log.Warn("worker: transient failure, requeueing", "op", op, "error", err)
	if rejErr := d.Reject(true); rejErr != nil {
		log.Error("worker: requeue reject failed", "error", rejErr)
	}
}

func (p *Pool) settleAck(d queue.Delivery, log *slog.Logger) {
	if err := d.Ack(); err != nil {
		log.Error("worker: ack failed", "error", err)
	}
}

func provenance(res *extract.Result) map[string]string {
	md := map[string]string{"extraction_method": res.Method}
	if res.Pages > 0 {
		md["page_count"] = fmt.Sprintf("%d", res.Pages)
	}
	return md
}
