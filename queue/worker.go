package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/FastyrAI/TuringAgents/pkg/concurrency"
)

// WorkerConfig bounds a Worker's concurrency and identifies the org
// queue it serves.
type WorkerConfig struct {
	OrgID string
	// Prefetch bounds unacknowledged deliveries at the broker (QoS).
	Prefetch int
	// Concurrency bounds in-flight handler executions.
	Concurrency int64
	// DefaultAgentID is used when a legacy message carries no agent_id.
	DefaultAgentID string
	// PoisonThreshold quarantines a dedup_key after this many
	// pre-ack crashes.
	PoisonThreshold int
	// ShutdownGrace bounds how long Stop waits for in-flight handlers.
	ShutdownGrace time.Duration
}

// DefaultWorkerConfig returns the defaults named in §4.3: prefetch 10,
// concurrency 10.
func DefaultWorkerConfig(orgID string) WorkerConfig {
	return WorkerConfig{
		OrgID:           orgID,
		Prefetch:        10,
		Concurrency:     10,
		PoisonThreshold: DefaultPoisonThreshold,
		ShutdownGrace:   10 * time.Second,
	}
}

// ConflictResolver attempts to resolve a conflict a handler detected,
// reporting whether the underlying work can be considered complete
// despite it. A Worker runs with a nil resolver by default: conflicts
// are still detected and recorded via the conflict_detected/
// conflict_resolution_failed events, but resolving them is an
// embedding service's responsibility.
type ConflictResolver func(ctx context.Context, msg *Message, conflict *ConflictError) (resolved bool, err error)

// Worker consumes an org's request queue with bounded prefetch/
// concurrency, classifies handler failures, retries with demotion, and
// publishes responses to the response exchange keyed by agent_id.
type Worker struct {
	cfg       WorkerConfig
	broker    Broker
	store     Store
	poison    *PoisonCounterStore
	eventLog  *EventLogWriter
	handlers  *HandlerRegistry
	metrics   *Metrics
	log       *slog.Logger
	sem       *concurrency.Semaphore
	resolver  ConflictResolver

	wg sync.WaitGroup
}

// SetConflictResolver installs a ConflictResolver invoked whenever a
// handler returns a *ConflictError. It is optional; with none
// installed, a detected conflict always falls through to the normal
// error-classification/retry path after being recorded.
func (w *Worker) SetConflictResolver(r ConflictResolver) {
	w.resolver = r
}

// NewWorker constructs a Worker for cfg.OrgID.
func NewWorker(cfg WorkerConfig, broker Broker, store Store, eventLog *EventLogWriter, handlers *HandlerRegistry, metrics *Metrics, log *slog.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg:      cfg,
		broker:   broker,
		store:    store,
		poison:   NewPoisonCounterStore(store, cfg.PoisonThreshold),
		eventLog: eventLog,
		handlers: handlers,
		metrics:  metrics,
		log:      log,
		sem:      concurrency.NewSemaphore(cfg.Concurrency),
	}
}

// Run consumes cfg.OrgID's request queue until ctx is canceled.
// Effective concurrency is min(prefetch, concurrency), achieved by
// bounding broker-side QoS at Prefetch and in-process fan-out at the
// semaphore's Concurrency limit.
func (w *Worker) Run(ctx context.Context) error {
	return w.broker.ConsumeRequests(ctx, w.cfg.OrgID, w.cfg.Prefetch, w.handleDelivery)
}

// Stop waits up to ShutdownGrace for in-flight handlers to finish. The
// caller is expected to have already canceled the context passed to
// Run so no new deliveries are accepted; unfinished messages are left
// unacked and redeliver to another worker, with the poison counter
// preventing an infinite crash loop.
func (w *Worker) Stop() {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.ShutdownGrace):
		w.log.Warn("worker shutdown grace period exceeded, in-flight handlers abandoned", "org_id", w.cfg.OrgID)
	}
}

func (w *Worker) handleDelivery(ctx context.Context, d Delivery) error {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	w.wg.Add(1)
	defer w.wg.Done()
	defer w.sem.Release(1)

	msg, err := DecodeMessage(d.Envelope)
	if err != nil {
		w.log.Error("failed to decode envelope, dropping", "error", err)
		return d.Nack(false)
	}

	now := time.Now()
	w.eventLog.Emit(AuditEvent{MessageID: msg.MessageID, OrgID: msg.OrgID, EventType: EventDequeued, CreatedAt: now})
	w.eventLog.Emit(AuditEvent{MessageID: msg.MessageID, OrgID: msg.OrgID, EventType: EventProcessing, CreatedAt: now})
	if w.metrics != nil {
		w.metrics.IncDequeue(msg.OrgID, msg.Priority)
	}

	if quarantine, _, perr := w.poison.BumpAndCheck(ctx, msg.OrgID, msg.DedupKey); perr == nil && quarantine {
		w.quarantine(ctx, msg, d)
		return nil
	}

	handler, ok := w.handlers.Lookup(msg.Type)
	if !ok {
		w.failPermanently(ctx, msg, d, newKindError(ErrPermanentUpstream, "QUEUE_NO_HANDLER", "no handler registered for type "+string(msg.Type), nil))
		return nil
	}

	agentID := msg.AgentID
	if agentID == "" {
		agentID = w.cfg.DefaultAgentID
	}

	terminalSent := false
	nextChunkIndex := 0
	emit := func(resp *Response) error {
		resp.RequestID = msg.MessageID
		if resp.AgentID == "" {
			resp.AgentID = agentID
		}
		resp.Priority = msg.Priority
		resp.Timestamp = time.Now()
		if resp.Type == RespStreamChunk {
			resp.ChunkIndex = nextChunkIndex
			nextChunkIndex++
		}
		if resp.Type == RespStreamComplete || resp.Type == RespResult || resp.Type == RespError {
			terminalSent = true
		}
		if w.metrics != nil {
			w.metrics.IncResponseFrame(msg.OrgID, resp.Type)
		}
		return w.broker.PublishResponse(ctx, msg.OrgID, agentID, resp)
	}

	_ = emit(&Response{Type: RespAcknowledgment, Stage: "dequeued"})

	start := time.Now()
	result, handlerErr := handler(ctx, msg, emit)
	if w.metrics != nil {
		w.metrics.ObserveHandlerDuration(msg.OrgID, msg.Type, time.Since(start))
	}

	if handlerErr != nil {
		var conflict *ConflictError
		if errors.As(handlerErr, &conflict) {
			w.onConflict(ctx, msg, d, conflict)
			return nil
		}
		_ = emit(&Response{Type: RespError, Err: classifyForResponse(handlerErr)})
		w.onFailure(ctx, msg, d, handlerErr)
		return nil
	}

	if !terminalSent {
		_ = emit(&Response{Type: RespResult, Data: result})
	}

	if err := d.Ack(); err != nil {
		w.log.Error("ack failed, message may be redelivered", "message_id", msg.MessageID, "error", err)
	}
	w.eventLog.Emit(AuditEvent{MessageID: msg.MessageID, OrgID: msg.OrgID, EventType: EventCompleted, CreatedAt: time.Now()})
	if err := w.poison.Reset(ctx, msg.OrgID, msg.DedupKey); err != nil {
		w.log.Warn("poison counter reset failed", "message_id", msg.MessageID, "error", err)
	}
	if w.metrics != nil {
		w.metrics.IncCompleted(msg.OrgID)
	}
	return nil
}

func classifyForResponse(err error) *ResponseError {
	kind := ErrUnknown
	if qe, ok := err.(*Error); ok {
		kind = qe.Kind
	}
	policy := PolicyFor(kind)
	return &ResponseError{Kind: kind, Detail: err.Error(), Retriable: policy.Retriable}
}

func (w *Worker) quarantine(ctx context.Context, msg *Message, d Delivery) {
	record := &DLQRecord{
		OrgID:           msg.OrgID,
		OriginalMessage: msg,
		ErrorHistory:    []ErrorHistoryEntry{{Kind: ErrPoison, Detail: "repeated crash before ack", Timestamp: time.Now()}},
		CanReplay:       false,
		DLQTimestamp:    time.Now(),
		Reason:          "poison",
	}
	w.deadLetter(ctx, msg, d, record)
	if w.metrics != nil {
		w.metrics.IncPoisonQuarantine(msg.OrgID)
	}
}

func (w *Worker) failPermanently(ctx context.Context, msg *Message, d Delivery, cause error) {
	record := &DLQRecord{
		OrgID:           msg.OrgID,
		OriginalMessage: msg,
		ErrorHistory:    []ErrorHistoryEntry{{Kind: ErrPermanentUpstream, Detail: cause.Error(), Timestamp: time.Now()}},
		CanReplay:       true,
		DLQTimestamp:    time.Now(),
		Reason:          "permanent_upstream",
	}
	w.deadLetter(ctx, msg, d, record)
}

// onFailure classifies a handler error and either schedules a retry
// with demotion or routes to the DLQ, per §4.3's error-policy table
// and retry discipline.
func (w *Worker) onFailure(ctx context.Context, msg *Message, d Delivery, handlerErr error) {
	kind := ErrUnknown
	if qe, ok := handlerErr.(*Error); ok {
		kind = qe.Kind
	}
	policy := PolicyFor(kind)

	msg.RetryCount++
	entry := ErrorHistoryEntry{Kind: kind, Detail: handlerErr.Error(), Timestamp: time.Now()}

	if !policy.Retry || msg.RetryCount >= msg.MaxRetries {
		record := &DLQRecord{
			OrgID:           msg.OrgID,
			OriginalMessage: msg,
			ErrorHistory:    append(history(msg), entry),
			CanReplay:       true,
			DLQTimestamp:    time.Now(),
			Reason:          string(kind),
		}
		w.deadLetter(ctx, msg, d, record)
		return
	}

	oldPriority := msg.Priority
	if !msg.NoDemote {
		msg.Priority = msg.Priority.Demote()
	}

	env, err := EnvelopeFromMessage(msg)
	if err != nil {
		w.log.Error("failed to re-encode envelope for retry", "message_id", msg.MessageID, "error", err)
		_ = d.Nack(true)
		return
	}

	delay := policy.Strategy.Delay(msg.RetryCount)
	if err := w.broker.PublishDelayed(ctx, msg.OrgID, env, delay); err != nil {
		w.log.Error("retry republish failed", "message_id", msg.MessageID, "error", err)
		_ = d.Nack(true)
		return
	}
	if err := d.Ack(); err != nil {
		w.log.Warn("ack after scheduling retry failed", "message_id", msg.MessageID, "error", err)
	}

	w.eventLog.Emit(AuditEvent{MessageID: msg.MessageID, OrgID: msg.OrgID, EventType: EventFailed, CreatedAt: time.Now(),
		Details: map[string]any{"kind": kind}})
	if msg.Priority != oldPriority {
		w.eventLog.Emit(AuditEvent{MessageID: msg.MessageID, OrgID: msg.OrgID, EventType: EventDemoted, CreatedAt: time.Now(),
			Details: map[string]any{"from": oldPriority, "to": msg.Priority}})
		if w.metrics != nil {
			w.metrics.IncDemotion(msg.OrgID, oldPriority, msg.Priority)
		}
	}
	w.eventLog.Emit(AuditEvent{MessageID: msg.MessageID, OrgID: msg.OrgID, EventType: EventRetryScheduled, CreatedAt: time.Now(),
		Details: map[string]any{"delay_ms": delay.Milliseconds(), "retry_count": msg.RetryCount}})
	if w.metrics != nil {
		w.metrics.IncRetry(msg.OrgID, kind)
	}
}

// onConflict records the conflict_detected event, gives an installed
// ConflictResolver a chance to settle it, and records either
// conflict_resolved (then completes the delivery) or
// conflict_resolution_failed (then falls through to the normal
// error-classification/retry path, treating the conflict like any
// other handler failure).
func (w *Worker) onConflict(ctx context.Context, msg *Message, d Delivery, conflict *ConflictError) {
	w.eventLog.Emit(AuditEvent{MessageID: msg.MessageID, OrgID: msg.OrgID, EventType: EventConflictDetected, CreatedAt: time.Now(),
		Details: map[string]any{"subject": conflict.Subject}})

	if w.resolver != nil {
		if resolved, err := w.resolver(ctx, msg, conflict); err == nil && resolved {
			w.eventLog.Emit(AuditEvent{MessageID: msg.MessageID, OrgID: msg.OrgID, EventType: EventConflictResolved, CreatedAt: time.Now(),
				Details: map[string]any{"subject": conflict.Subject}})
			if ackErr := d.Ack(); ackErr != nil {
				w.log.Warn("ack after conflict resolution failed", "message_id", msg.MessageID, "error", ackErr)
			}
			if err := w.poison.Reset(ctx, msg.OrgID, msg.DedupKey); err != nil {
				w.log.Warn("poison counter reset failed", "message_id", msg.MessageID, "error", err)
			}
			if w.metrics != nil {
				w.metrics.IncCompleted(msg.OrgID)
			}
			return
		}
	}

	w.eventLog.Emit(AuditEvent{MessageID: msg.MessageID, OrgID: msg.OrgID, EventType: EventConflictResolutionFailed, CreatedAt: time.Now(),
		Details: map[string]any{"subject": conflict.Subject}})
	w.onFailure(ctx, msg, d, conflict)
}

func (w *Worker) deadLetter(ctx context.Context, msg *Message, d Delivery, record *DLQRecord) {
	if err := w.broker.PublishDLQ(ctx, record); err != nil {
		w.log.Error("DLQ publish failed", "message_id", msg.MessageID, "error", err)
	}
	if err := w.store.InsertDLQ(ctx, record); err != nil {
		w.log.Error("DLQ store insert failed", "message_id", msg.MessageID, "error", err)
	}
	// Ack, not Nack: the message has already been explicitly routed to
	// the DLQ above, so acking here prevents the broker's own
	// dead-letter-exchange binding (reserved for envelopes that fail to
	// decode at all) from inserting a second, raw copy.
	if err := d.Ack(); err != nil {
		w.log.Warn("ack after dead-letter failed", "message_id", msg.MessageID, "error", err)
	}
	w.eventLog.Emit(AuditEvent{MessageID: msg.MessageID, OrgID: msg.OrgID, EventType: EventDeadLetter, CreatedAt: time.Now(),
		Details: map[string]any{"reason": record.Reason}})
	if w.metrics != nil {
		w.metrics.IncDLQ(msg.OrgID, record.Reason)
	}
}

func history(msg *Message) []ErrorHistoryEntry {
	// Per-message error history accumulates across retries; the in-
	// memory Message struct doesn't carry it directly (only the event
	// store does), so a freshly observed message starts with an empty
	// history and each retry's entry is appended by the caller.
	return nil
}
