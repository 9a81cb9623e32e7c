package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriorityDemoteClampsAtP3(t *testing.T) {
	require.Equal(t, PriorityP1, PriorityP0.Demote())
	require.Equal(t, PriorityP2, PriorityP1.Demote())
	require.Equal(t, PriorityP3, PriorityP2.Demote())
	require.Equal(t, PriorityP3, PriorityP3.Demote())
}

func TestPriorityPromoteClampsAtP0(t *testing.T) {
	require.Equal(t, PriorityP0, PriorityP0.Promote())
	require.Equal(t, PriorityP0, PriorityP1.Promote())
	require.Equal(t, PriorityP1, PriorityP2.Promote())
	require.Equal(t, PriorityP2, PriorityP3.Promote())
}

func TestSchemaVersionSupportWindow(t *testing.T) {
	require.True(t, SchemaVersion("1.2.0").InSupportWindow(1))
	require.True(t, SchemaVersion("1.2.0").InSupportWindow(2))
	require.False(t, SchemaVersion("1.2.0").InSupportWindow(3))
	require.False(t, SchemaVersion("garbage").InSupportWindow(0))
}

func TestMessageValidateRejectsUnknownType(t *testing.T) {
	msg := &Message{Type: "bogus", Priority: PriorityP1}
	require.Error(t, msg.Validate())
}

func TestMessageValidateRejectsOutOfRangePriority(t *testing.T) {
	msg := &Message{Type: TypeModelCall, Priority: Priority(9)}
	require.Error(t, msg.Validate())
}

func TestEnvelopeRoundTripPreservesHeadersAndBody(t *testing.T) {
	msg := &Message{
		MessageID:     "m1",
		OrgID:         "org1",
		AgentID:       "agent-1",
		Type:          TypeToolCall,
		Priority:      PriorityP2,
		SchemaVersion: "1.0.0",
		Payload:       map[string]any{"tool": "search"},
	}
	env, err := EnvelopeFromMessage(msg)
	require.NoError(t, err)
	require.Equal(t, msg.MessageID, env.Headers.MessageID)
	require.Equal(t, msg.Priority, env.Headers.Priority)

	decoded, err := DecodeMessage(env)
	require.NoError(t, err)
	require.Equal(t, msg.MessageID, decoded.MessageID)
	require.Equal(t, msg.OrgID, decoded.OrgID)
	require.Equal(t, msg.Type, decoded.Type)
	require.Equal(t, msg.Priority, decoded.Priority)
}

// A retried message's headers (bumped retry_count, demoted priority)
// take precedence over whatever the stale JSON body says, since
// DecodeMessage overlays headers after unmarshaling the body.
func TestDecodeMessageOverlaysHeadersOverStaleBody(t *testing.T) {
	msg := &Message{MessageID: "m1", OrgID: "org1", Type: TypeModelCall, Priority: PriorityP1, SchemaVersion: "1.0.0"}
	env, err := EnvelopeFromMessage(msg)
	require.NoError(t, err)

	env.Headers.Priority = PriorityP2
	env.Headers.RetryCount = 1

	decoded, err := DecodeMessage(env)
	require.NoError(t, err)
	require.Equal(t, PriorityP2, decoded.Priority)
	require.Equal(t, 1, decoded.RetryCount)
}
