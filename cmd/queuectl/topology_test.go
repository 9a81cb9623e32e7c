package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/FastyrAI/TuringAgents/queue"
)

func TestSplitAgentIDsCombinesSingularAndPlural(t *testing.T) {
	cfg := queue.EnvConfig{AgentID: "agent-1", AgentIDs: "agent-2, agent-3 ,,agent-1"}
	require.Equal(t, []string{"agent-1", "agent-2", "agent-3", "agent-1"}, splitAgentIDs(cfg))
}

func TestSplitAgentIDsEmpty(t *testing.T) {
	require.Nil(t, splitAgentIDs(queue.EnvConfig{}))
}

func TestSplitAgentIDsSingularOnly(t *testing.T) {
	cfg := queue.EnvConfig{AgentID: "agent-1"}
	require.Equal(t, []string{"agent-1"}, splitAgentIDs(cfg))
}
