package queue

import "context"

// OrgRequestQueue returns the stable, user-visible name of an org's
// priority request queue.
func OrgRequestQueue(orgID string) string { return "org." + orgID + ".requests" }

// OrgDLQ returns the stable name of an org's dead-letter queue.
func OrgDLQ(orgID string) string { return "org." + orgID + ".dlq" }

// ResponseExchange returns the stable name of an org's response
// exchange.
func ResponseExchange(orgID string) string { return "responses." + orgID }

// AgentResponseQueue returns the stable name of an agent's response
// queue, bound to its org's response exchange with routing key
// agent_id.
func AgentResponseQueue(agentID string) string { return "agent." + agentID + ".responses" }

// Topology declares broker-side resources idempotently. Implementations
// must be safe to call repeatedly (boot, and on-demand re-declaration
// after a reconnect).
type Topology interface {
	// DeclareOrg declares the priority request queue, DLQ, and response
	// exchange for an org. Consumers may not be created before this has
	// succeeded for the org.
	DeclareOrg(ctx context.Context, orgID string) error

	// DeclareAgent declares and binds an agent's response queue against
	// its org's response exchange.
	DeclareAgent(ctx context.Context, orgID, agentID string) error
}
