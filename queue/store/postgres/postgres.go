// Package postgres is the production queue.Store backed by pgx/v5's
// pooled connection driver. It mirrors messages, audit events, DLQ
// records, idempotency keys, and poison counters against the schema
// in queue/store.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/FastyrAI/TuringAgents/queue"
)

// Store is a pgxpool-backed queue.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New connects a pool against dsn (a standard postgres:// URL) and
// returns a Store. Callers should have already applied queue/store's
// Schema via their migration tooling.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// UpsertMessage mirrors a Message's headers and status.
func (s *Store) UpsertMessage(ctx context.Context, msg *queue.Message, status string) error {
	const q = `
		INSERT INTO messages (message_id, org_id, agent_id, type, priority, status, schema_version, dedup_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (message_id) DO UPDATE SET
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			updated_at = now()`
	_, err := s.pool.Exec(ctx, q,
		msg.MessageID, msg.OrgID, nullableString(msg.AgentID), string(msg.Type), int16(msg.Priority),
		status, string(msg.SchemaVersion), nullableString(msg.DedupKey), msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert message: %w", err)
	}
	return nil
}

// AppendEvents inserts batch.Events in a single transaction, relying
// on the (message_id, event_type, created_at) unique constraint to
// make re-flushing an already-applied batch a no-op rather than a
// duplicate insert.
func (s *Store) AppendEvents(ctx context.Context, batch queue.EventBatch) error {
	if len(batch.Events) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin append events: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
		INSERT INTO message_events (message_id, org_id, event_type, details, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (message_id, event_type, created_at) DO NOTHING`
	batchQ := &pgx.Batch{}
	for _, ev := range batch.Events {
		details, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("postgres: marshal event details: %w", err)
		}
		batchQ.Queue(q, ev.MessageID, ev.OrgID, string(ev.EventType), details, ev.CreatedAt)
	}

	br := tx.SendBatch(ctx, batchQ)
	for range batch.Events {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("postgres: append event: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres: close batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit append events: %w", err)
	}
	return nil
}

// InsertDLQ inserts a dead-lettered message record.
func (s *Store) InsertDLQ(ctx context.Context, record *queue.DLQRecord) error {
	originalJSON, err := json.Marshal(record.OriginalMessage)
	if err != nil {
		return fmt.Errorf("postgres: marshal original message: %w", err)
	}
	historyJSON, err := json.Marshal(record.ErrorHistory)
	if err != nil {
		return fmt.Errorf("postgres: marshal error history: %w", err)
	}

	const q = `
		INSERT INTO dlq_messages (org_id, message_id, original_message, error_history, can_replay, reason, dlq_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = s.pool.Exec(ctx, q,
		record.OrgID, record.OriginalMessage.MessageID, originalJSON, historyJSON,
		record.CanReplay, record.Reason, record.DLQTimestamp)
	if err != nil {
		return fmt.Errorf("postgres: insert dlq: %w", err)
	}
	return nil
}

// ListDLQ returns DLQ records for orgID, optionally filtered by reason.
func (s *Store) ListDLQ(ctx context.Context, orgID, reasonFilter string, limit int) ([]*queue.DLQRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT original_message, error_history, can_replay, reason, dlq_timestamp FROM dlq_messages WHERE org_id = $1`
	args := []any{orgID}
	if reasonFilter != "" {
		q += ` AND reason = $2 ORDER BY dlq_timestamp ASC LIMIT $3`
		args = append(args, reasonFilter, limit)
	} else {
		q += ` ORDER BY dlq_timestamp ASC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list dlq: %w", err)
	}
	defer rows.Close()

	var out []*queue.DLQRecord
	for rows.Next() {
		var originalJSON, historyJSON []byte
		record := &queue.DLQRecord{OrgID: orgID}
		if err := rows.Scan(&originalJSON, &historyJSON, &record.CanReplay, &record.Reason, &record.DLQTimestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan dlq row: %w", err)
		}
		var msg queue.Message
		if err := json.Unmarshal(originalJSON, &msg); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal original message: %w", err)
		}
		record.OriginalMessage = &msg
		if err := json.Unmarshal(historyJSON, &record.ErrorHistory); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal error history: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// DeleteDLQOlderThan purges DLQ rows for orgID older than the cutoff.
func (s *Store) DeleteDLQOlderThan(ctx context.Context, orgID string, olderThanSeconds int64) (int, error) {
	const q = `DELETE FROM dlq_messages WHERE org_id = $1 AND dlq_timestamp < now() - ($2 * interval '1 second')`
	tag, err := s.pool.Exec(ctx, q, orgID, olderThanSeconds)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete dlq: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// TryInsertIdempotencyKey attempts to insert (org_id, dedup_key),
// relying on the primary key constraint to report a collision.
func (s *Store) TryInsertIdempotencyKey(ctx context.Context, key queue.IdempotencyKey) (bool, error) {
	const q = `
		INSERT INTO idempotency_keys (org_id, dedup_key, message_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (org_id, dedup_key) DO NOTHING`
	tag, err := s.pool.Exec(ctx, q, key.OrgID, key.DedupKey, key.MessageID, key.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("postgres: insert idempotency key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RollbackIdempotencyKey best-effort removes a key.
func (s *Store) RollbackIdempotencyKey(ctx context.Context, orgID, dedupKey string) error {
	const q = `DELETE FROM idempotency_keys WHERE org_id = $1 AND dedup_key = $2`
	if _, err := s.pool.Exec(ctx, q, orgID, dedupKey); err != nil {
		return fmt.Errorf("postgres: rollback idempotency key: %w", err)
	}
	return nil
}

// IncrementPoisonCounter increments and returns the new count.
func (s *Store) IncrementPoisonCounter(ctx context.Context, orgID, dedupKey string) (int, error) {
	const q = `
		INSERT INTO poison_counters (org_id, dedup_key, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (org_id, dedup_key) DO UPDATE SET count = poison_counters.count + 1
		RETURNING count`
	var count int
	if err := s.pool.QueryRow(ctx, q, orgID, dedupKey).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: increment poison counter: %w", err)
	}
	return count, nil
}

// ResetPoisonCounter clears the counter on handler success.
func (s *Store) ResetPoisonCounter(ctx context.Context, orgID, dedupKey string) error {
	const q = `DELETE FROM poison_counters WHERE org_id = $1 AND dedup_key = $2`
	if _, err := s.pool.Exec(ctx, q, orgID, dedupKey); err != nil {
		return fmt.Errorf("postgres: reset poison counter: %w", err)
	}
	return nil
}

// Healthy pings the pool.
func (s *Store) Healthy(ctx context.Context) bool {
	return s.pool.Ping(ctx) == nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
