package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/FastyrAI/TuringAgents/pkg/resilience"
)

// EventLogConfig configures the batching thresholds and PII redaction
// level of an EventLogWriter.
type EventLogConfig struct {
	// BatchSize is the event-count threshold that triggers a flush.
	BatchSize int
	// BatchInterval is the time threshold that triggers a flush.
	BatchInterval time.Duration
	// RedactLevel controls how AuditEvent.Details is scrubbed before
	// it is buffered.
	RedactLevel RedactLevel
	RedactRules []RedactRule
	Retry       resilience.RetryConfig
}

// DefaultEventLogConfig returns the thresholds named in §4.5: 100
// events or 1s, whichever first.
func DefaultEventLogConfig() EventLogConfig {
	return EventLogConfig{
		BatchSize:     100,
		BatchInterval: time.Second,
		RedactLevel:   RedactNone,
		Retry: resilience.RetryConfig{
			MaxAttempts:    5,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			Multiplier:     2.0,
			Jitter:         0.2,
		},
	}
}

// EventLogWriter batches append-only audit events and flushes them
// transactionally to a Store. Flushes never reorder events and are
// retried with exponential backoff on failure; on sustained failure
// past the flush deadline, non-terminal events may be dropped but
// terminal events (completed, dead_letter) are never dropped: they are
// kept in the buffer for the next flush until an append succeeds.
type EventLogWriter struct {
	store  Store
	cfg    EventLogConfig
	log    *slog.Logger
	onFlush func(n int, err error)

	mu      sync.Mutex
	buf     []AuditEvent
	closed  bool
	flushCh chan struct{}
	doneCh  chan struct{}
	quitCh  chan struct{}
}

// NewEventLogWriter constructs a writer against store with cfg. The
// returned writer runs a background flush loop until Close is called.
func NewEventLogWriter(store Store, cfg EventLogConfig, log *slog.Logger, onFlush func(n int, err error)) *EventLogWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	w := &EventLogWriter{
		store:   store,
		cfg:     cfg,
		log:     log,
		onFlush: onFlush,
		flushCh: make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}
	go w.loop()
	return w
}

// Emit appends event to the buffer, applying redaction, and triggers an
// immediate flush if the batch-size threshold is reached.
func (w *EventLogWriter) Emit(event AuditEvent) {
	event.Details = RedactDetails(event.Details, w.cfg.RedactLevel, w.cfg.RedactRules)

	w.mu.Lock()
	w.buf = append(w.buf, event)
	full := len(w.buf) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
}

func (w *EventLogWriter) loop() {
	ticker := time.NewTicker(w.cfg.BatchInterval)
	defer ticker.Stop()
	defer close(w.doneCh)

	for {
		select {
		case <-ticker.C:
			w.flush()
		case <-w.flushCh:
			w.flush()
		case <-w.quit():
			w.flush()
			return
		}
	}
}

// quit is a closure-based channel so Close can signal loop without a
// separate field; it returns a channel that closes exactly once.
func (w *EventLogWriter) quit() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	if w.quitCh == nil {
		w.quitCh = make(chan struct{})
	}
	return w.quitCh
}

func (w *EventLogWriter) flush() {
	w.mu.Lock()
	if len(w.buf) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.buf
	w.buf = nil
	w.mu.Unlock()

	err := resilience.Retry(context.Background(), w.cfg.Retry, func(ctx context.Context) error {
		return w.store.AppendEvents(ctx, EventBatch{Events: batch})
	})
	if err != nil {
		w.log.Error("audit batch flush failed, degrading to terminal-only", "count", len(batch), "error", err)
		w.degradeAndRetryTerminal(batch)
	}
	if w.onFlush != nil {
		w.onFlush(len(batch), err)
	}
}

// degradeAndRetryTerminal is invoked when a flush exhausts its retry
// budget: non-terminal events are dropped, but completed/dead_letter
// events are retried once more and, if that append also fails, put
// back at the head of the buffer for the next flush, per the
// "never drop terminal events" propagation policy in §7.
func (w *EventLogWriter) degradeAndRetryTerminal(batch []AuditEvent) {
	var terminal []AuditEvent
	for _, e := range batch {
		if e.EventType == EventCompleted || e.EventType == EventDeadLetter {
			terminal = append(terminal, e)
		}
	}
	if len(terminal) == 0 {
		return
	}
	if err := w.store.AppendEvents(context.Background(), EventBatch{Events: terminal}); err != nil {
		w.log.Error("terminal audit events re-buffered after degrade", "count", len(terminal), "error", err)
		w.mu.Lock()
		w.buf = append(terminal, w.buf...)
		w.mu.Unlock()
	}
}

// Close flushes any buffered events and stops the background loop.
func (w *EventLogWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	if w.quitCh == nil {
		w.quitCh = make(chan struct{})
	}
	close(w.quitCh)
	w.mu.Unlock()
	<-w.doneCh
}
