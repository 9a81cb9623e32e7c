package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/FastyrAI/TuringAgents/queue/adapters/memory"
	"github.com/FastyrAI/TuringAgents/queue/store/memstore"
)

func newTestWorkerStack(t *testing.T, orgID string) (*Producer, *Worker, *memstore.Store, *memory.Broker) {
	t.Helper()
	broker := memory.New(memory.Config{})
	store := memstore.New()
	require.NoError(t, broker.DeclareOrg(context.Background(), orgID))

	idem := NewIdempotencyStore(store)
	eventLog := NewEventLogWriter(store, EventLogConfig{BatchSize: 1, BatchInterval: 10 * time.Millisecond}, nil, nil)
	t.Cleanup(eventLog.Close)

	producer := NewProducer(broker, idem, eventLog, nil, nil, nil, nil)

	handlers := NewHandlerRegistry()
	cfg := DefaultWorkerConfig(orgID)
	cfg.DefaultAgentID = "agent-1"
	worker := NewWorker(cfg, broker, store, eventLog, handlers, nil, nil)
	return producer, worker, store, broker
}

func waitForEvent(t *testing.T, store *memstore.Store, messageID string, eventType AuditEventType, timeout time.Duration) AuditEvent {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, e := range store.Events() {
			if e.MessageID == messageID && e.EventType == eventType {
				return e
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for event %s on message %s", eventType, messageID)
	return AuditEvent{}
}

// A handler that succeeds exactly once completes the message and emits
// exactly one of {completed, dead_letter} — never both.
func TestWorkerSuccessfulHandlerCompletesExactlyOnce(t *testing.T) {
	producer, worker, store, _ := newTestWorkerStack(t, "org1")
	worker.handlers.Register(TypeModelCall, func(ctx context.Context, msg *Message, emit Emitter) (any, error) {
		return map[string]any{"ok": true}, nil
	})

	msg := newTestMessage("org1", PriorityP1)
	_, err := producer.Publish(context.Background(), msg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	completed := waitForEvent(t, store, msg.MessageID, EventCompleted, time.Second)
	require.Equal(t, msg.MessageID, completed.MessageID)

	var deadLettered bool
	for _, e := range store.Events() {
		if e.MessageID == msg.MessageID && e.EventType == EventDeadLetter {
			deadLettered = true
		}
	}
	require.False(t, deadLettered, "completed message must not also be dead-lettered")
}

// A permanently-failing handler (error kind with Retry: false) routes
// straight to the DLQ without any retry_scheduled events.
func TestWorkerPermanentFailureDeadLetters(t *testing.T) {
	producer, worker, store, _ := newTestWorkerStack(t, "org1")
	worker.handlers.Register(TypeModelCall, func(ctx context.Context, msg *Message, emit Emitter) (any, error) {
		return nil, newKindError(ErrPermanentUpstream, "BOOM", "upstream rejected", nil)
	})

	msg := newTestMessage("org1", PriorityP1)
	_, err := producer.Publish(context.Background(), msg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	dl := waitForEvent(t, store, msg.MessageID, EventDeadLetter, time.Second)
	require.Equal(t, msg.MessageID, dl.MessageID)

	for _, e := range store.Events() {
		require.NotEqual(t, EventRetryScheduled, e.EventType, "permanent failures must not retry")
	}
}

// A retriable failure demotes priority by exactly one step (min(P3,
// old+1)) and schedules a retry rather than dead-lettering, as long as
// retry_count stays within max_retries.
func TestWorkerRetriableFailureDemotesAndRetries(t *testing.T) {
	producer, worker, store, broker := newTestWorkerStack(t, "org1")

	var calls int32
	var mu sync.Mutex
	worker.handlers.Register(TypeModelCall, func(ctx context.Context, msg *Message, emit Emitter) (any, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return nil, newKindError(ErrTransientIO, "FLAKY", "transient failure", nil)
		}
		return "ok", nil
	})

	msg := newTestMessage("org1", PriorityP1)
	msg.MaxRetries = 3
	_, err := producer.Publish(context.Background(), msg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)
	_ = broker

	demoted := waitForEvent(t, store, msg.MessageID, EventDemoted, time.Second)
	require.Equal(t, PriorityP1, demoted.Details["from"])
	require.Equal(t, PriorityP2, demoted.Details["to"])

	waitForEvent(t, store, msg.MessageID, EventRetryScheduled, time.Second)
	waitForEvent(t, store, msg.MessageID, EventCompleted, 2*time.Second)
}

// A handler that keeps raising a retriable error exhausts retries and
// dead-letters on the attempt where retry_count reaches max_retries,
// without a further (max_retries+1)th handler invocation.
func TestWorkerRetryExhaustionDeadLettersAtMaxRetries(t *testing.T) {
	producer, worker, store, _ := newTestWorkerStack(t, "org1")

	var calls int32
	var mu sync.Mutex
	worker.handlers.Register(TypeModelCall, func(ctx context.Context, msg *Message, emit Emitter) (any, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, newKindError(ErrTransientIO, "FLAKY", "transient failure", nil)
	})

	msg := newTestMessage("org1", PriorityP1)
	msg.MaxRetries = 3
	_, err := producer.Publish(context.Background(), msg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	dl := waitForEvent(t, store, msg.MessageID, EventDeadLetter, 5*time.Second)
	require.Equal(t, msg.MessageID, dl.MessageID)

	var retryScheduled int
	for _, e := range store.Events() {
		if e.MessageID == msg.MessageID && e.EventType == EventRetryScheduled {
			retryScheduled++
		}
	}
	require.Equal(t, 2, retryScheduled, "exactly max_retries-1 retries should be scheduled before the final attempt dead-letters")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, int32(3), calls, "handler must be invoked exactly max_retries times, never a max_retries+1th time")
}

// A NoDemote message retries at the same priority.
func TestWorkerNoDemoteKeepsOriginalPriority(t *testing.T) {
	producer, worker, store, _ := newTestWorkerStack(t, "org1")

	var calls int32
	worker.handlers.Register(TypeModelCall, func(ctx context.Context, msg *Message, emit Emitter) (any, error) {
		calls++
		if calls == 1 {
			return nil, newKindError(ErrTransientIO, "FLAKY", "transient failure", nil)
		}
		return "ok", nil
	})

	msg := newTestMessage("org1", PriorityP1)
	msg.NoDemote = true
	msg.MaxRetries = 3
	_, err := producer.Publish(context.Background(), msg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	waitForEvent(t, store, msg.MessageID, EventRetryScheduled, time.Second)
	for _, e := range store.Events() {
		require.NotEqual(t, EventDemoted, e.EventType, "no_demote messages must not demote")
	}
}

// A conflict reported by the handler is recorded via conflict_detected,
// and with no resolver installed falls through to
// conflict_resolution_failed followed by the normal failure path.
func TestWorkerConflictWithoutResolverFallsThroughToFailure(t *testing.T) {
	producer, worker, store, _ := newTestWorkerStack(t, "org1")
	worker.handlers.Register(TypeModelCall, func(ctx context.Context, msg *Message, emit Emitter) (any, error) {
		return nil, NewConflictError("resource-1", "concurrent mutation detected")
	})

	msg := newTestMessage("org1", PriorityP1)
	msg.MaxRetries = 0
	_, err := producer.Publish(context.Background(), msg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	waitForEvent(t, store, msg.MessageID, EventConflictDetected, time.Second)
	waitForEvent(t, store, msg.MessageID, EventConflictResolutionFailed, time.Second)
	waitForEvent(t, store, msg.MessageID, EventDeadLetter, time.Second)
}

// Installing a ConflictResolver that reports resolved=true completes
// the message instead of failing it, and records conflict_resolved.
func TestWorkerConflictWithResolverCompletes(t *testing.T) {
	producer, worker, store, _ := newTestWorkerStack(t, "org1")
	worker.handlers.Register(TypeModelCall, func(ctx context.Context, msg *Message, emit Emitter) (any, error) {
		return nil, NewConflictError("resource-1", "concurrent mutation detected")
	})
	worker.SetConflictResolver(func(ctx context.Context, msg *Message, conflict *ConflictError) (bool, error) {
		return true, nil
	})

	msg := newTestMessage("org1", PriorityP1)
	_, err := producer.Publish(context.Background(), msg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	waitForEvent(t, store, msg.MessageID, EventConflictDetected, time.Second)
	waitForEvent(t, store, msg.MessageID, EventConflictResolved, time.Second)
	waitForEvent(t, store, msg.MessageID, EventCompleted, time.Second)
}

// A message with no handler registered for its type is dead-lettered
// with reason permanent_upstream rather than retried indefinitely.
func TestWorkerUnknownTypeDeadLetters(t *testing.T) {
	producer, worker, store, _ := newTestWorkerStack(t, "org1")
	msg := newTestMessage("org1", PriorityP1)
	_, err := producer.Publish(context.Background(), msg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	waitForEvent(t, store, msg.MessageID, EventDeadLetter, time.Second)
}

// Streaming handlers that emit chunks followed by a terminal frame are
// not given a second synthetic result frame by the Worker.
func TestWorkerStreamingHandlerChunkIndexing(t *testing.T) {
	producer, worker, store, _ := newTestWorkerStack(t, "org1")

	var observedIndexes []int
	var mu sync.Mutex
	worker.handlers.Register(TypeModelCall, func(ctx context.Context, msg *Message, emit Emitter) (any, error) {
		for i := 0; i < 3; i++ {
			_ = emit(&Response{Type: RespStreamChunk, Chunk: "part"})
		}
		return nil, emit(&Response{Type: RespStreamComplete})
	})

	// Intercept emitted responses via a tap on the broker's agent channel.
	agentID := "agent-1"
	require.NoError(t, worker.broker.(*memory.Broker).DeclareAgent(context.Background(), "org1", agentID))

	var chunks []*Response
	doneCh := make(chan struct{})
	go func() {
		_ = worker.broker.ConsumeResponses(context.Background(), agentID, func(_ context.Context, resp *Response) error {
			mu.Lock()
			chunks = append(chunks, resp)
			if resp.Type == RespStreamComplete {
				close(doneCh)
			}
			mu.Unlock()
			return nil
		})
	}()

	msg := newTestMessage("org1", PriorityP1)
	msg.AgentID = agentID
	_, err := producer.Publish(context.Background(), msg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream_complete")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, c := range chunks {
		if c.Type == RespStreamChunk {
			observedIndexes = append(observedIndexes, c.ChunkIndex)
		}
	}
	require.Equal(t, []int{0, 1, 2}, observedIndexes)

	var terminalCount int
	for _, c := range chunks {
		if c.Type == RespStreamComplete || c.Type == RespResult {
			terminalCount++
		}
	}
	require.Equal(t, 1, terminalCount, "exactly one terminal frame must be emitted")

	waitForEvent(t, store, msg.MessageID, EventCompleted, time.Second)
}
