package queue

import (
	"context"
	"time"
)

// IdempotencyStore is the uniqueness gate keyed by (org_id, dedup_key),
// backed by a Store. It is a thin, explicitly-instantiated component
// (no package-level cache) per the "no second idempotency cache"
// redesign constraint in §9: the event store is the sole arbiter.
type IdempotencyStore struct {
	store Store
}

// NewIdempotencyStore wraps store.
func NewIdempotencyStore(store Store) *IdempotencyStore {
	return &IdempotencyStore{store: store}
}

// Reserve attempts to claim (orgID, dedupKey) for messageID. It returns
// duplicate=true without error when another message_id already holds
// the key.
func (s *IdempotencyStore) Reserve(ctx context.Context, orgID, dedupKey, messageID string) (duplicate bool, err error) {
	inserted, err := s.store.TryInsertIdempotencyKey(ctx, IdempotencyKey{
		OrgID:     orgID,
		DedupKey:  dedupKey,
		MessageID: messageID,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return false, newStoreUnavailableError(err)
	}
	return !inserted, nil
}

// Rollback releases a key reserved ahead of a publish confirm that
// subsequently failed, so a future retry of the same dedup_key is not
// permanently blocked by a message that never actually made it onto
// the broker.
func (s *IdempotencyStore) Rollback(ctx context.Context, orgID, dedupKey string) error {
	return s.store.RollbackIdempotencyKey(ctx, orgID, dedupKey)
}
