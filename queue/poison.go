package queue

import "context"

// DefaultPoisonThreshold is the crash-count threshold named in §4.3's
// example ("e.g., 3"); configurable via the Worker's PoisonThreshold
// field / the POISON_THRESHOLD environment variable.
const DefaultPoisonThreshold = 3

// PoisonCounterStore tracks per-(org_id, dedup_key) crash counts and
// decides when a message must be quarantined to the DLQ rather than
// handed to a handler again.
type PoisonCounterStore struct {
	store     Store
	threshold int
}

// NewPoisonCounterStore wraps store with the given quarantine threshold.
func NewPoisonCounterStore(store Store, threshold int) *PoisonCounterStore {
	if threshold <= 0 {
		threshold = DefaultPoisonThreshold
	}
	return &PoisonCounterStore{store: store, threshold: threshold}
}

// BumpAndCheck increments the counter for (orgID, dedupKey) and reports
// whether the message should be short-circuited to the DLQ with
// reason=poison. dedupKey may be empty, in which case no poison
// tracking applies and quarantine is never triggered.
func (p *PoisonCounterStore) BumpAndCheck(ctx context.Context, orgID, dedupKey string) (quarantine bool, count int, err error) {
	if dedupKey == "" {
		return false, 0, nil
	}
	count, err = p.store.IncrementPoisonCounter(ctx, orgID, dedupKey)
	if err != nil {
		return false, 0, newStoreUnavailableError(err)
	}
	return count > p.threshold, count, nil
}

// Reset clears the counter on handler success.
func (p *PoisonCounterStore) Reset(ctx context.Context, orgID, dedupKey string) error {
	if dedupKey == "" {
		return nil
	}
	return p.store.ResetPoisonCounter(ctx, orgID, dedupKey)
}
