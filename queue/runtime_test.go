package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/FastyrAI/TuringAgents/queue/adapters/memory"
	"github.com/FastyrAI/TuringAgents/queue/store/memstore"
)

func TestRuntimeStartIsIdempotentAndShutdownCleansUp(t *testing.T) {
	broker := memory.New(memory.Config{})
	store := memstore.New()

	rt := NewRuntime(RuntimeConfig{
		Broker:              broker,
		Store:               store,
		EventLog:            EventLogConfig{BatchSize: 1, BatchInterval: 10 * time.Millisecond},
		Backpressure:        DefaultBackpressureConfig(),
		PromotionThresholds: DefaultPromotionThresholds(),
	})

	ctx := context.Background()
	rt.Start(ctx)
	rt.Start(ctx) // second call must be a no-op, not a second set of background loops

	require.NoError(t, rt.Shutdown(context.Background()))
}

func TestPortAddrFormatsWithColon(t *testing.T) {
	require.Equal(t, ":9090", portAddr(9090))
}
