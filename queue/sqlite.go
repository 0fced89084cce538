package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteConfig controls the broker-less queue.
type SQLiteConfig struct {
	// Name is the logical queue name; multiple queues share the table.
	Name string `yaml:"name"`
	// Visibility is how long a claimed message stays invisible. A
	// consumer that dies without settling loses the claim after this
	// long and the message is redelivered. Must exceed the worst-case
	// extraction duration.
	Visibility time.Duration `yaml:"visibility"`
	// PollInterval is the delay between claim attempts when the queue
	// is empty.
	PollInterval time.Duration `yaml:"poll_interval"`
}

func (c *SQLiteConfig) defaults() {
	if c.Name == "" {
		c.Name = "extract"
	}
	if c.Visibility <= 0 {
		c.Visibility = 10 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// SQLite is a visibility-timeout Queue in a SQLite table, for
// single-node deployments that run without a broker. A claimed row is
// invisible until its timeout; ack deletes it, reject-with-requeue
// makes it visible immediately, reject-without-requeue moves it to the
// dead-letter table.
type SQLite struct {
	db  *sql.DB
	cfg SQLiteConfig
}

// OpenSQLite creates the queue tables and returns the handle.
func OpenSQLite(ctx context.Context, db *sql.DB, cfg SQLiteConfig) (*SQLite, error) {
	cfg.defaults()
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS queue_messages (
			job_id      TEXT NOT NULL,
			queue       TEXT NOT NULL,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			deliveries  INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (job_id, queue)
		);
		CREATE INDEX IF NOT EXISTS idx_queue_visible ON queue_messages (queue, visible_at);
		CREATE TABLE IF NOT EXISTS queue_dead_messages (
			job_id      TEXT NOT NULL,
			queue       TEXT NOT NULL,
			dead_at     INTEGER NOT NULL,
			PRIMARY KEY (job_id, queue)
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("queue: create tables: %w", err)
	}
	return &SQLite{db: db, cfg: cfg}, nil
}

func (q *SQLite) Publish(ctx context.Context, jobID string) error {
	now := time.Now().UnixMilli()
	// Re-publishing an in-flight job id is a no-op rather than an
	// error; the recovery sweep may race a slow consumer.
	_, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO queue_messages (job_id, queue, visible_at, created_at) VALUES (?,?,?,?)`,
		jobID, q.cfg.Name, now, now,
	)
	if err != nil {
		return fmt.Errorf("queue: publish: %w", err)
	}
	return nil
}

// claim atomically picks the oldest visible message and hides it for
// the visibility window.
func (q *SQLite) claim(ctx context.Context) (*sqliteDelivery, error) {
	now := time.Now()
	hideUntil := now.Add(q.cfg.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE queue_messages
		SET visible_at = ?, deliveries = deliveries + 1
		WHERE job_id = (
			SELECT job_id FROM queue_messages
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT 1
		) AND queue = ?
		RETURNING job_id, deliveries`,
		hideUntil, q.cfg.Name, now.UnixMilli(), q.cfg.Name,
	)

	var d sqliteDelivery
	err := row.Scan(&d.jobID, &d.deliveries)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.q = q
	return &d, nil
}

func (q *SQLite) Consume(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		ticker := time.NewTicker(q.cfg.PollInterval)
		defer ticker.Stop()
		for {
			d, err := q.claim(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
			}
			if d != nil {
				select {
				case out <- d:
					continue
				case <-ctx.Done():
					// Unsettled claim reappears after the timeout.
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

// Close is a no-op; the database handle belongs to the caller.
func (q *SQLite) Close() error { return nil }

type sqliteDelivery struct {
	q          *SQLite
	jobID      string
	deliveries int
}

func (d *sqliteDelivery) JobID() string { return d.jobID }

func (d *sqliteDelivery) Redelivered() bool { return d.deliveries > 1 }

func (d *sqliteDelivery) Ack() error {
	_, err := d.q.db.Exec(
		`DELETE FROM queue_messages WHERE job_id = ? AND queue = ?`,
		d.jobID, d.q.cfg.Name,
	)
	return err
}

func (d *sqliteDelivery) Reject(requeue bool) error {
	if requeue {
		_, err := d.q.db.Exec(
			`UPDATE queue_messages SET visible_at = 0 WHERE job_id = ? AND queue = ?`,
			d.jobID, d.q.cfg.Name,
		)
		return err
	}
	now := time.Now().UnixMilli()
	if _, err := d.q.db.Exec(
		`INSERT OR IGNORE INTO queue_dead_messages (job_id, queue, dead_at) VALUES (?,?,?)`,
		d.jobID, d.q.cfg.Name, now,
	); err != nil {
		return err
	}
	_, err := d.q.db.Exec(
		`DELETE FROM queue_messages WHERE job_id = ? AND queue = ?`,
		d.jobID, d.q.cfg.Name,
	)
	return err
}
