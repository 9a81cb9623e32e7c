// Package memstore provides an in-process queue.Store backed by
// mutex-guarded maps, used by the conformance and scenario test suites
// in place of the postgres driver.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/FastyrAI/TuringAgents/queue"
)

type idemKey struct{ orgID, dedupKey string }

// Store is an in-memory queue.Store.
type Store struct {
	mu sync.Mutex

	messages   map[string]messageRow
	events     map[string]bool // dedup key: message_id|event_type|created_at
	eventOrder []queue.AuditEvent
	dlq        []*queue.DLQRecord
	idem       map[idemKey]queue.IdempotencyKey
	poison     map[idemKey]int

	closed bool
}

type messageRow struct {
	msg    *queue.Message
	status string
}

// New constructs an empty in-memory Store.
func New() *Store {
	return &Store{
		messages: make(map[string]messageRow),
		events:   make(map[string]bool),
		idem:     make(map[idemKey]queue.IdempotencyKey),
		poison:   make(map[idemKey]int),
	}
}

func (s *Store) UpsertMessage(ctx context.Context, msg *queue.Message, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.MessageID] = messageRow{msg: msg, status: status}
	return nil
}

func (s *Store) AppendEvents(ctx context.Context, batch queue.EventBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range batch.Events {
		key := ev.MessageID + "|" + string(ev.EventType) + "|" + ev.CreatedAt.String()
		if s.events[key] {
			continue
		}
		s.events[key] = true
		s.eventOrder = append(s.eventOrder, ev)
	}
	return nil
}

// Events returns every appended event in append order, for assertions
// in scenario tests.
func (s *Store) Events() []queue.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]queue.AuditEvent, len(s.eventOrder))
	copy(out, s.eventOrder)
	return out
}

func (s *Store) InsertDLQ(ctx context.Context, record *queue.DLQRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dlq = append(s.dlq, record)
	return nil
}

func (s *Store) ListDLQ(ctx context.Context, orgID, reasonFilter string, limit int) ([]*queue.DLQRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*queue.DLQRecord
	for _, r := range s.dlq {
		if r.OrgID != orgID {
			continue
		}
		if reasonFilter != "" && r.Reason != reasonFilter {
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DLQTimestamp.Before(out[j].DLQTimestamp) })
	return out, nil
}

func (s *Store) DeleteDLQOlderThan(ctx context.Context, orgID string, olderThanSeconds int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-time.Duration(olderThanSeconds) * time.Second)
	kept := s.dlq[:0]
	removed := 0
	for _, r := range s.dlq {
		if r.OrgID == orgID && r.DLQTimestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.dlq = kept
	return removed, nil
}

func (s *Store) TryInsertIdempotencyKey(ctx context.Context, key queue.IdempotencyKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey{key.OrgID, key.DedupKey}
	if _, exists := s.idem[k]; exists {
		return false, nil
	}
	s.idem[k] = key
	return true, nil
}

func (s *Store) RollbackIdempotencyKey(ctx context.Context, orgID, dedupKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.idem, idemKey{orgID, dedupKey})
	return nil
}

func (s *Store) IncrementPoisonCounter(ctx context.Context, orgID, dedupKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey{orgID, dedupKey}
	s.poison[k]++
	return s.poison[k], nil
}

func (s *Store) ResetPoisonCounter(ctx context.Context, orgID, dedupKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.poison, idemKey{orgID, dedupKey})
	return nil
}

func (s *Store) Healthy(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
