package queue

import "context"

// EventBatch is a set of audit events flushed transactionally as a
// single unit by the Event Log Writer.
type EventBatch struct {
	Events []AuditEvent
}

// Store is the "key-addressable event store" contract consumed by the
// queue subsystem: the Go-native analogue of the Supabase-backed audit
// store named in the specification's out-of-scope collaborators. It
// guarantees a unique constraint on message_id and on
// (org_id, dedup_key).
type Store interface {
	// UpsertMessage mirrors a Message's headers and last known status
	// into the messages table, keyed by message_id.
	UpsertMessage(ctx context.Context, msg *Message, status string) error

	// AppendEvents appends a batch of audit events transactionally and
	// without reordering. Re-flushing an already-applied batch (matched
	// by message_id+event_type+created_at) must not duplicate rows.
	AppendEvents(ctx context.Context, batch EventBatch) error

	// InsertDLQ inserts a dead-lettered message record.
	InsertDLQ(ctx context.Context, record *DLQRecord) error

	// ListDLQ returns DLQ records for an org matching an optional reason
	// filter, for dlq-replay/dlq-purge.
	ListDLQ(ctx context.Context, orgID, reasonFilter string, limit int) ([]*DLQRecord, error)

	// DeleteDLQOlderThan purges DLQ rows older than the given cutoff,
	// returning the count removed.
	DeleteDLQOlderThan(ctx context.Context, orgID string, olderThanSeconds int64) (int, error)

	// TryInsertIdempotencyKey atomically inserts (org_id, dedup_key); it
	// returns (true, nil) on first insertion and (false, nil) on a
	// uniqueness collision (the caller treats this as a duplicate).
	TryInsertIdempotencyKey(ctx context.Context, key IdempotencyKey) (inserted bool, err error)

	// RollbackIdempotencyKey best-effort removes a key inserted
	// optimistically ahead of a publish confirm that then failed.
	RollbackIdempotencyKey(ctx context.Context, orgID, dedupKey string) error

	// IncrementPoisonCounter increments and returns the new count for
	// (org_id, dedup_key), inserting the row on first occurrence.
	IncrementPoisonCounter(ctx context.Context, orgID, dedupKey string) (int, error)

	// ResetPoisonCounter clears the counter on handler success.
	ResetPoisonCounter(ctx context.Context, orgID, dedupKey string) error

	// Healthy reports whether the store is reachable.
	Healthy(ctx context.Context) bool

	// Close releases store resources.
	Close() error
}
