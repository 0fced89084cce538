package queue

import (
	"context"
	"errors"
	"sync"
)

// Memory is an in-process Queue with at-least-once semantics:
// rejected-with-requeue messages are redelivered, rejected-without-
// requeue messages land in the dead-letter list. Used in tests and for
// local development without a broker.
//
// There is no visibility timeout: a delivery handed to a consumer that
// exits without settling it is lost. The AMQP and SQLite backends
// recover such messages via their lease expiry; here only the recovery
// sweeper would eventually re-publish the job.
type Memory struct {
	mu       sync.Mutex
	pending  []memMessage
	dead     []string
	waiters  chan struct{}
	closed   bool
	// FailPublish makes Publish return an error; tests use it to
	// exercise the publish-failure gap covered by the recovery sweep.
	FailPublish bool
}

type memMessage struct {
	jobID       string
	redelivered bool
}

// NewMemory creates an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{waiters: make(chan struct{}, 1)}
}

func (q *Memory) Publish(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("queue closed")
	}
	if q.FailPublish {
		return errors.New("publish failed")
	}
	q.pending = append(q.pending, memMessage{jobID: jobID})
	q.signal()
	return nil
}

func (q *Memory) signal() {
	select {
	case q.waiters <- struct{}{}:
	default:
	}
}

func (q *Memory) pop() (memMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return memMessage{}, false
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	return msg, true
}

func (q *Memory) Consume(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			msg, ok := q.pop()
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-q.waiters:
					continue
				}
			}
			select {
			case out <- &memDelivery{q: q, msg: msg}:
			case <-ctx.Done():
				// Unsettled lease: put the message back.
				q.requeue(msg.jobID)
				return
			}
		}
	}()
	return out, nil
}

func (q *Memory) requeue(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, memMessage{jobID: jobID, redelivered: true})
	q.signal()
}

func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// PendingCount reports queued messages; test helper.
func (q *Memory) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// DeadLettered returns job ids routed to the dead-letter destination;
// test helper.
func (q *Memory) DeadLettered() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.dead))
	copy(out, q.dead)
	return out
}

type memDelivery struct {
	q   *Memory
	msg memMessage
}

func (d *memDelivery) JobID() string { return d.msg.jobID }

func (d *memDelivery) Redelivered() bool { return d.msg.redelivered }

func (d *memDelivery) Ack() error { return nil }

func (d *memDelivery) Reject(requeue bool) error {
	if requeue {
		d.q.requeue(d.msg.jobID)
		return nil
	}
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	d.q.dead = append(d.q.dead, d.msg.jobID)
	return nil
}
