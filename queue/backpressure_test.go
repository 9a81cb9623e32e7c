package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fixedDepthBroker struct {
	noopBroker
	depth int
}

func (f *fixedDepthBroker) QueueDepth(ctx context.Context, orgID string) (int, error) {
	return f.depth, nil
}

func TestBackpressureStageThresholds(t *testing.T) {
	cfg := DefaultBackpressureConfig()
	b := NewBackpressureController(&fixedDepthBroker{}, cfg, nil, nil, nil)

	cases := []struct {
		depth int
		stage int
	}{
		{depth: 0, stage: 0},
		{depth: 99, stage: 0},
		{depth: 100, stage: 1},
		{depth: 500, stage: 2},
		{depth: 1000, stage: 3},
		{depth: 5000, stage: 4},
	}
	for _, c := range cases {
		require.Equal(t, c.stage, b.stageFor(c.depth), "depth %d", c.depth)
	}
}

// At the emergency stage (4), non-P0 publishes are rejected but P0
// always proceeds regardless of depth.
func TestBackpressureAdmitRejectsNonP0AtEmergencyStage(t *testing.T) {
	broker := &fixedDepthBroker{depth: 5000}
	cfg := DefaultBackpressureConfig()
	b := NewBackpressureController(broker, cfg, nil, nil, nil)
	b.Track("org1", 2)
	b.sampleAll(context.Background())

	require.NoError(t, b.Admit(context.Background(), "org1", PriorityP0))
	for _, p := range []Priority{PriorityP1, PriorityP2, PriorityP3} {
		err := b.Admit(context.Background(), "org1", p)
		require.Error(t, err, "priority %v should be rejected at emergency stage", p)
		var qerr *Error
		require.ErrorAs(t, err, &qerr)
		require.Equal(t, ErrBackpressure, qerr.Kind)
	}
}

// At stage 2, only P3 is rejected; P1/P2 still pass.
func TestBackpressureAdmitStage2OnlyRejectsP3(t *testing.T) {
	broker := &fixedDepthBroker{depth: 500}
	cfg := DefaultBackpressureConfig()
	b := NewBackpressureController(broker, cfg, nil, nil, nil)
	b.Track("org1", 2)
	b.sampleAll(context.Background())

	require.NoError(t, b.Admit(context.Background(), "org1", PriorityP0))
	require.NoError(t, b.Admit(context.Background(), "org1", PriorityP1))
	require.NoError(t, b.Admit(context.Background(), "org1", PriorityP2))
	require.Error(t, b.Admit(context.Background(), "org1", PriorityP3))
}

// Once an org reaches stage >= 1, workers scale up by ScaleIncrement,
// capped at MaxWorkers and rate-limited by Cooldown.
func TestBackpressureScalesWorkersOnStage1(t *testing.T) {
	broker := &fixedDepthBroker{depth: 150}
	cfg := DefaultBackpressureConfig()
	cfg.Cooldown = 0

	var scaledTo int
	b := NewBackpressureController(broker, cfg, nil, nil, func(orgID string, newWorkerCount int) {
		scaledTo = newWorkerCount
	})
	b.Track("org1", 2)
	b.sampleAll(context.Background())

	require.Equal(t, 2+cfg.ScaleIncrement, scaledTo)
}

type noopBroker struct{}

func (noopBroker) DeclareOrg(ctx context.Context, orgID string) error            { return nil }
func (noopBroker) DeclareAgent(ctx context.Context, orgID, agentID string) error { return nil }
func (noopBroker) PublishRequest(ctx context.Context, orgID string, env *MessageEnvelope, priority Priority, confirm bool) error {
	return nil
}
func (noopBroker) ConsumeRequests(ctx context.Context, orgID string, prefetch int, handler RequestHandler) error {
	return nil
}
func (noopBroker) PublishResponse(ctx context.Context, orgID, agentID string, resp *Response) error {
	return nil
}
func (noopBroker) ConsumeResponses(ctx context.Context, agentID string, handler ResponseHandler) error {
	return nil
}
func (noopBroker) PublishDelayed(ctx context.Context, orgID string, env *MessageEnvelope, delay time.Duration) error {
	return nil
}
func (noopBroker) PublishDLQ(ctx context.Context, record *DLQRecord) error { return nil }
func (noopBroker) QueueDepth(ctx context.Context, orgID string) (int, error) { return 0, nil }
func (noopBroker) Close() error                                              { return nil }
func (noopBroker) Healthy(ctx context.Context) bool                          { return true }
