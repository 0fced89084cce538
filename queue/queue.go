// Package queue abstracts the durable job dispatch broker. Delivery is
// at-least-once: a consumed message stays leased until acknowledged,
// and a rejected message is either returned for redelivery or routed
// to the dead-letter destination.
package queue

import "context"

// Delivery is a leased message holding a job id. Exactly one of Ack or
// Reject must be called; until then the broker will not hand the
// message to another consumer (within the visibility timeout).
type Delivery interface {
	JobID() string
	// Redelivered reports whether the broker has delivered this
	// message before.
	Redelivered() bool
	Ack() error
	// Reject releases the lease. With requeue the message returns to
	// the queue for another consumer; without it the message is routed
	// to the dead-letter destination.
	Reject(requeue bool) error
}

// Queue is the publish/consume contract. Implementations are
// explicitly constructed clients with an Open/Close lifecycle; there
// is no package-level connection state.
type Queue interface {
	// Publish enqueues a job id for processing.
	Publish(ctx context.Context, jobID string) error
	// Consume returns a channel of leased deliveries. The channel
	// closes when the connection drops or ctx is cancelled.
	Consume(ctx context.Context) (<-chan Delivery, error)
	Close() error
}
