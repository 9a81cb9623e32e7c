package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/FastyrAI/TuringAgents/queue/adapters/memory"
	"github.com/FastyrAI/TuringAgents/queue/store/memstore"
)

func newTestCoordinator(t *testing.T, cfg CoordinatorConfig) (*Coordinator, *memory.Broker) {
	t.Helper()
	broker := memory.New(memory.Config{})
	store := memstore.New()
	require.NoError(t, broker.DeclareOrg(context.Background(), "org1"))
	idem := NewIdempotencyStore(store)
	producer := NewProducer(broker, idem, nil, nil, nil, nil, nil)
	return NewCoordinator(broker, producer, nil, nil, nil, cfg), broker
}

func TestCoordinatorRegisterDeliversResponseToMailbox(t *testing.T) {
	cfg := DefaultCoordinatorConfig()
	coord, broker := newTestCoordinator(t, cfg)

	_, err := coord.Register(context.Background(), "org1", "agent-1")
	require.NoError(t, err)

	require.NoError(t, broker.PublishResponse(context.Background(), "org1", "agent-1", &Response{
		RequestID: "req-1", Type: RespResult, Timestamp: time.Now(),
	}))

	require.Eventually(t, func() bool {
		_, ok := coord.GetResponseFor("agent-1")
		return ok
	}, time.Second, 5*time.Millisecond)
}

// A response for an agent this Coordinator never registered is
// misrouted repeatedly; once the configured threshold is reached the
// agent is presumed dead and further misroutes for it stop
// incrementing past that point's behavior (they remain dead, not
// freshly counted).
func TestCoordinatorMisroutingThresholdMarksAgentDead(t *testing.T) {
	cfg := DefaultCoordinatorConfig()
	cfg.MisroutingThreshold = 3
	coord, _ := newTestCoordinator(t, cfg)

	var lastErr error
	for i := 0; i < 3; i++ {
		lastErr = coord.handleMisroute("ghost-agent", &Response{RequestID: "r"})
		require.Error(t, lastErr)
	}

	coord.mu.Lock()
	dead := coord.dead["ghost-agent"]
	count := coord.misrouted["ghost-agent"]
	coord.mu.Unlock()
	require.True(t, dead)
	require.Equal(t, 3, count)

	// A further misroute for the now-dead agent does not keep
	// incrementing the counter.
	_ = coord.handleMisroute("ghost-agent", &Response{RequestID: "r"})
	coord.mu.Lock()
	count2 := coord.misrouted["ghost-agent"]
	coord.mu.Unlock()
	require.Equal(t, 3, count2)
}

// Re-registering an agent clears any prior misroute/dead state, so a
// crashed-and-restarted agent process is not permanently penalized.
func TestCoordinatorReregisterClearsMisrouteState(t *testing.T) {
	cfg := DefaultCoordinatorConfig()
	cfg.MisroutingThreshold = 2
	coord, _ := newTestCoordinator(t, cfg)

	_ = coord.handleMisroute("agent-1", &Response{RequestID: "r"})
	_ = coord.handleMisroute("agent-1", &Response{RequestID: "r"})
	coord.mu.Lock()
	require.True(t, coord.dead["agent-1"])
	coord.mu.Unlock()

	_, err := coord.Register(context.Background(), "org1", "agent-1")
	require.NoError(t, err)

	coord.mu.Lock()
	defer coord.mu.Unlock()
	require.False(t, coord.dead["agent-1"])
	require.Equal(t, 0, coord.misrouted["agent-1"])
}

func TestCoordinatorHeartbeatSweepUnregistersStaleAgent(t *testing.T) {
	cfg := DefaultCoordinatorConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.MissedThreshold = 1
	coord, _ := newTestCoordinator(t, cfg)

	_, err := coord.Register(context.Background(), "org1", "agent-1")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	coord.sweepOnce()

	coord.mu.Lock()
	_, stillRegistered := coord.agents["agent-1"]
	coord.mu.Unlock()
	require.False(t, stillRegistered)
}

func TestCoordinatorHeartbeatResetsMissedCount(t *testing.T) {
	cfg := DefaultCoordinatorConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.MissedThreshold = 5
	coord, _ := newTestCoordinator(t, cfg)

	_, err := coord.Register(context.Background(), "org1", "agent-1")
	require.NoError(t, err)

	coord.Heartbeat("agent-1")
	coord.mu.Lock()
	missed := coord.agents["agent-1"].missed
	coord.mu.Unlock()
	require.Equal(t, 0, missed)
}
