package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/FastyrAI/TuringAgents/queue/adapters/memory"
	"github.com/FastyrAI/TuringAgents/queue/store/memstore"
)

var errPublishFailed = errors.New("publish failed")

func newTestMessage(orgID string, p Priority) *Message {
	return &Message{
		OrgID:      orgID,
		CreatedBy:  Creator{Kind: CreatedByUser, ID: "u1"},
		Type:       TypeModelCall,
		Priority:   p,
		MaxRetries: 3,
		Payload:    map[string]any{"prompt": "hi"},
	}
}

func newTestProducer(t *testing.T) (*Producer, *memory.Broker, *memstore.Store) {
	t.Helper()
	broker := memory.New(memory.Config{})
	store := memstore.New()
	require.NoError(t, broker.DeclareOrg(context.Background(), "org1"))
	idem := NewIdempotencyStore(store)
	return NewProducer(broker, idem, nil, nil, nil, nil, nil), broker, store
}

func TestProducerPublishStampsIdentifiers(t *testing.T) {
	p, _, _ := newTestProducer(t)
	msg := newTestMessage("org1", PriorityP1)

	outcome, err := p.Publish(context.Background(), msg)
	require.NoError(t, err)
	require.True(t, outcome.Accepted)
	require.False(t, outcome.Duplicate)
	require.NotEmpty(t, msg.MessageID)
	require.NotEmpty(t, msg.GoalID)
	require.NotEmpty(t, msg.TaskID)
	require.False(t, msg.CreatedAt.IsZero())
	require.Equal(t, DefaultSchemaVersion, msg.SchemaVersion)
}

func TestProducerPublishRejectsUnknownType(t *testing.T) {
	p, _, _ := newTestProducer(t)
	msg := newTestMessage("org1", PriorityP1)
	msg.Type = "not_a_real_type"

	_, err := p.Publish(context.Background(), msg)
	require.Error(t, err)
	var qerr *Error
	require.ErrorAs(t, err, &qerr)
	require.Equal(t, ErrValidation, qerr.Kind)
}

func TestProducerPublishRejectsUnsupportedSchema(t *testing.T) {
	p, _, _ := newTestProducer(t)
	msg := newTestMessage("org1", PriorityP1)
	msg.SchemaVersion = "9.0.0"

	_, err := p.Publish(context.Background(), msg)
	require.Error(t, err)
	var qerr *Error
	require.ErrorAs(t, err, &qerr)
	require.Equal(t, ErrUnsupportedSchema, qerr.Kind)
}

// Duplicate publishes of the same dedup_key enqueue exactly one message:
// the first reserves the idempotency key and reaches the broker, the
// second is turned away before ever calling PublishRequest.
func TestProducerPublishDedupOnlyEnqueuesOnce(t *testing.T) {
	p, broker, _ := newTestProducer(t)
	ctx := context.Background()

	first := newTestMessage("org1", PriorityP1)
	first.DedupKey = "task-42"
	out1, err := p.Publish(ctx, first)
	require.NoError(t, err)
	require.True(t, out1.Accepted)
	require.False(t, out1.Duplicate)

	second := newTestMessage("org1", PriorityP1)
	second.DedupKey = "task-42"
	out2, err := p.Publish(ctx, second)
	require.NoError(t, err)
	require.True(t, out2.Accepted)
	require.True(t, out2.Duplicate)
	require.Equal(t, first.MessageID, out2.MessageID)

	depth, err := broker.QueueDepth(ctx, "org1")
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}

func TestProducerPublishP0SkipsConfirm(t *testing.T) {
	p, broker, _ := newTestProducer(t)
	msg := newTestMessage("org1", PriorityP0)

	_, err := p.Publish(context.Background(), msg)
	require.NoError(t, err)

	depth, err := broker.QueueDepth(context.Background(), "org1")
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}

func TestProducerPublishRollsBackIdempotencyOnBrokerFailure(t *testing.T) {
	store := memstore.New()
	idem := NewIdempotencyStore(store)
	p := NewProducer(&failingBroker{}, idem, nil, nil, nil, nil, nil)

	msg := newTestMessage("org1", PriorityP1)
	msg.DedupKey = "retryable"
	_, err := p.Publish(context.Background(), msg)
	require.Error(t, err)

	duplicate, err := idem.Reserve(context.Background(), "org1", "retryable", "another-message-id")
	require.NoError(t, err)
	require.False(t, duplicate, "rollback should have freed the dedup key for reuse")
}

// failingBroker implements Broker, always failing PublishRequest, to
// exercise the Producer's rollback-idempotency-on-publish-failure path.
type failingBroker struct{}

func (f *failingBroker) DeclareOrg(ctx context.Context, orgID string) error         { return nil }
func (f *failingBroker) DeclareAgent(ctx context.Context, orgID, agentID string) error { return nil }
func (f *failingBroker) PublishRequest(ctx context.Context, orgID string, env *MessageEnvelope, priority Priority, confirm bool) error {
	return errPublishFailed
}
func (f *failingBroker) ConsumeRequests(ctx context.Context, orgID string, prefetch int, handler RequestHandler) error {
	return nil
}
func (f *failingBroker) PublishResponse(ctx context.Context, orgID, agentID string, resp *Response) error {
	return nil
}
func (f *failingBroker) ConsumeResponses(ctx context.Context, agentID string, handler ResponseHandler) error {
	return nil
}
func (f *failingBroker) PublishDelayed(ctx context.Context, orgID string, env *MessageEnvelope, delay time.Duration) error {
	return nil
}
func (f *failingBroker) PublishDLQ(ctx context.Context, record *DLQRecord) error { return nil }
func (f *failingBroker) QueueDepth(ctx context.Context, orgID string) (int, error) { return 0, nil }
func (f *failingBroker) Close() error                                              { return nil }
func (f *failingBroker) Healthy(ctx context.Context) bool                          { return true }
