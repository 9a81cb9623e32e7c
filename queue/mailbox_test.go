package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMailboxPushPop(t *testing.T) {
	mb := NewMailbox("agent-1", 4, MailboxBlock)
	dropped, full := mb.Push(&Response{RequestID: "r1"})
	require.Nil(t, dropped)
	require.False(t, full)

	resp, ok := mb.Pop()
	require.True(t, ok)
	require.Equal(t, "r1", resp.RequestID)

	_, ok = mb.Pop()
	require.False(t, ok)
}

func TestMailboxBlockPolicyReportsFullWithoutDropping(t *testing.T) {
	mb := NewMailbox("agent-1", 2, MailboxBlock)
	_, full1 := mb.Push(&Response{RequestID: "r1"})
	_, full2 := mb.Push(&Response{RequestID: "r2"})
	require.False(t, full1)
	require.False(t, full2)

	dropped, full := mb.Push(&Response{RequestID: "r3"})
	require.Nil(t, dropped)
	require.True(t, full)
	require.Equal(t, 2, mb.Len())
}

// Under MailboxDropOldestNonP0, a full mailbox evicts the oldest
// non-P0 response to make room for a new one rather than reporting
// full; a P0 response is never evicted.
func TestMailboxDropOldestNonP0EvictsOldest(t *testing.T) {
	mb := NewMailbox("agent-1", 2, MailboxDropOldestNonP0)
	mb.Push(&Response{RequestID: "r1", Priority: PriorityP2})
	mb.Push(&Response{RequestID: "r2", Priority: PriorityP3})

	dropped, full := mb.Push(&Response{RequestID: "r3", Priority: PriorityP1})
	require.False(t, full)
	require.NotNil(t, dropped)
	require.Equal(t, "r1", dropped.RequestID)
	require.Equal(t, 2, mb.Len())
}

func TestMailboxDropOldestNonP0NeverEvictsP0(t *testing.T) {
	mb := NewMailbox("agent-1", 1, MailboxDropOldestNonP0)
	mb.Push(&Response{RequestID: "r1", Priority: PriorityP0})

	dropped, full := mb.Push(&Response{RequestID: "r2", Priority: PriorityP1})
	require.True(t, full)
	require.Nil(t, dropped)
}

func TestMailboxWaitSignalsOnPush(t *testing.T) {
	mb := NewMailbox("agent-1", 4, MailboxBlock)
	mb.Push(&Response{RequestID: "r1"})

	select {
	case <-mb.Wait():
	default:
		t.Fatal("expected Wait channel to be signaled after Push")
	}
}

func TestMailboxCloseRejectsFurtherPushes(t *testing.T) {
	mb := NewMailbox("agent-1", 4, MailboxBlock)
	mb.Close()

	dropped, full := mb.Push(&Response{RequestID: "r1"})
	require.Nil(t, dropped)
	require.True(t, full)
}

func TestMailboxDrainClearsQueue(t *testing.T) {
	mb := NewMailbox("agent-1", 4, MailboxBlock)
	mb.Push(&Response{RequestID: "r1"})
	mb.Push(&Response{RequestID: "r2"})

	drained := mb.Drain()
	require.Len(t, drained, 2)
	require.Equal(t, 0, mb.Len())
}
