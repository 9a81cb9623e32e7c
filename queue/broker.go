package queue

import (
	"context"
	"time"
)

// Delivery is a single message handed to a Worker by the broker.
type Delivery struct {
	Envelope      *MessageEnvelope
	DeliveryCount int
	Ack           func() error
	Nack          func(requeue bool) error
}

// RequestHandler processes a Delivery from an org's request queue.
type RequestHandler func(ctx context.Context, d Delivery) error

// ResponseHandler processes a Response delivered to an agent's mailbox
// consumer.
type ResponseHandler func(ctx context.Context, resp *Response) error

// Broker is the domain-specific transport contract for the queue
// subsystem: priority-aware org request queues, a DLQ per org, a
// response exchange keyed by agent_id, and delayed redelivery for
// retry/promotion. It is deliberately narrower than a generic
// driver-agnostic pub/sub abstraction would be, because priority levels,
// publisher confirms, DLX routing, and QoS are not expressible in that
// generic shape.
type Broker interface {
	Topology

	// PublishRequest publishes env to the org's request queue at
	// priority. When confirm is true the call blocks for a publisher
	// confirm (P1-P3); when false it is fire-and-forget (P0).
	PublishRequest(ctx context.Context, orgID string, env *MessageEnvelope, priority Priority, confirm bool) error

	// ConsumeRequests starts consuming from the org's request queue with
	// the given prefetch (QoS) bound, invoking handler per delivery. It
	// blocks until ctx is canceled or the broker connection fails.
	ConsumeRequests(ctx context.Context, orgID string, prefetch int, handler RequestHandler) error

	// PublishResponse publishes resp to the org's response exchange with
	// routing key agentID.
	PublishResponse(ctx context.Context, orgID, agentID string, resp *Response) error

	// ConsumeResponses starts consuming an agent's response queue.
	ConsumeResponses(ctx context.Context, agentID string, handler ResponseHandler) error

	// PublishDelayed arranges for env to be republished to the org's
	// request queue after delay, preserving headers and any retry_count
	// bump already applied by the caller.
	PublishDelayed(ctx context.Context, orgID string, env *MessageEnvelope, delay time.Duration) error

	// PublishDLQ inserts a dead-lettered message into the org's DLQ.
	PublishDLQ(ctx context.Context, record *DLQRecord) error

	// QueueDepth samples the current depth of an org's request queue.
	QueueDepth(ctx context.Context, orgID string) (int, error)

	// Close releases broker resources.
	Close() error

	// Healthy reports whether the broker connection is usable.
	Healthy(ctx context.Context) bool
}
