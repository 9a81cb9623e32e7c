package queue

import (
	"strconv"
	"strings"
	"time"
)

// Priority is one of four discrete classes; lower values carry tighter
// latency budgets and are enforced via the broker's native priority
// mechanism (AMQP x-max-priority).
type Priority int

const (
	PriorityP0 Priority = 0
	PriorityP1 Priority = 1
	PriorityP2 Priority = 2
	PriorityP3 Priority = 3
)

// Demote returns the next lower priority class, clamped at P3, per the
// "priority monotone non-increasing under retries" invariant.
func (p Priority) Demote() Priority {
	if p >= PriorityP3 {
		return PriorityP3
	}
	return p + 1
}

// Promote returns the next higher priority class, clamped at P0.
func (p Priority) Promote() Priority {
	if p <= PriorityP0 {
		return PriorityP0
	}
	return p - 1
}

func (p Priority) Valid() bool { return p >= PriorityP0 && p <= PriorityP3 }

// CreatorKind discriminates who originated a Message.
type CreatorKind string

const (
	CreatedByUser   CreatorKind = "user"
	CreatedByAgent  CreatorKind = "agent"
	CreatedBySystem CreatorKind = "system"
)

// Creator identifies the originator of a Message.
type Creator struct {
	Kind CreatorKind `json:"kind" validate:"required,oneof=user agent system"`
	ID   string      `json:"id" validate:"required"`
}

// MessageType discriminates the opaque Payload of a Message.
type MessageType string

const (
	TypeModelCall      MessageType = "model_call"
	TypeToolCall       MessageType = "tool_call"
	TypeAgentMessage   MessageType = "agent_message"
	TypeMemorySave     MessageType = "memory_save"
	TypeMemoryRetrieve MessageType = "memory_retrieve"
	TypeMemoryUpdate   MessageType = "memory_update"
	TypeAgentSpawn     MessageType = "agent_spawn"
	TypeAgentTerminate MessageType = "agent_terminate"
)

var validMessageTypes = map[MessageType]bool{
	TypeModelCall: true, TypeToolCall: true, TypeAgentMessage: true,
	TypeMemorySave: true, TypeMemoryRetrieve: true, TypeMemoryUpdate: true,
	TypeAgentSpawn: true, TypeAgentTerminate: true,
}

// ResourceLimits is an advisory hint to the handler; the queue itself
// does not enforce it.
type ResourceLimits struct {
	MaxCPUMillis  int `json:"max_cpu_millis,omitempty"`
	MaxMemoryMB   int `json:"max_memory_mb,omitempty"`
	TimeoutMillis int `json:"timeout_millis,omitempty"`
}

// SchemaVersion is a semantic version string (MAJOR.MINOR.PATCH). Only
// Major is consulted for the support-window check at publish time.
type SchemaVersion string

// Major parses the leading major component; malformed versions report 0.
func (v SchemaVersion) Major() int {
	s := string(v)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// InSupportWindow reports whether v's major version is the current or
// previous major relative to currentMajor, per the two-major-version
// support window named in §3/§7 of the specification. A version whose
// major component is not a number is never in the window.
func (v SchemaVersion) InSupportWindow(currentMajor int) bool {
	s := string(v)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	m, err := strconv.Atoi(s)
	if err != nil {
		return false
	}
	return m == currentMajor || m == currentMajor-1
}

// Message is the canonical request envelope body (see MessageEnvelope
// for the wire headers/body split).
type Message struct {
	MessageID       string          `json:"message_id"`
	OrgID           string          `json:"org_id" validate:"required"`
	AgentID         string          `json:"agent_id,omitempty"`
	UserID          string          `json:"user_id,omitempty"`
	GoalID          string          `json:"goal_id"`
	TaskID          string          `json:"task_id"`
	ParentMessageID string          `json:"parent_message_id,omitempty"`
	CreatedBy       Creator         `json:"created_by" validate:"required"`
	Type            MessageType     `json:"type" validate:"required"`
	Priority        Priority        `json:"priority" validate:"gte=0,lte=3"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries" validate:"gte=0"`
	SchemaVersion   SchemaVersion   `json:"schema_version" validate:"required"`
	DedupKey        string          `json:"dedup_key,omitempty"`
	Context         map[string]any  `json:"context,omitempty"`
	ResourceLimits  *ResourceLimits `json:"resource_limits,omitempty"`
	NoDemote        bool            `json:"no_demote,omitempty"`
	Payload         any             `json:"payload"`
}

// Validate checks the invariants the Producer must enforce before
// publish beyond struct-tag validation: message type and priority are
// members of their enumerations.
func (m *Message) Validate() error {
	if !validMessageTypes[m.Type] {
		return newValidationError("unknown message type: " + string(m.Type))
	}
	if !m.Priority.Valid() {
		return newValidationError("priority out of range 0-3")
	}
	return nil
}

// ResponseType discriminates the type-specific fields of a Response.
type ResponseType string

const (
	RespResult         ResponseType = "result"
	RespStreamChunk    ResponseType = "stream_chunk"
	RespStreamComplete ResponseType = "stream_complete"
	RespError          ResponseType = "error"
	RespProgress       ResponseType = "progress"
	RespAcknowledgment ResponseType = "acknowledgment"
)

// ResponseError carries the error{kind,detail,retriable} fields of an
// error Response.
type ResponseError struct {
	Kind      ErrorKind `json:"kind"`
	Detail    string    `json:"detail"`
	Retriable bool      `json:"retriable"`
}

// Response is a frame emitted by a Worker back to the originating
// agent via the response exchange.
type Response struct {
	RequestID string       `json:"request_id"`
	Type      ResponseType `json:"type"`
	AgentID   string       `json:"agent_id"`
	Timestamp time.Time    `json:"timestamp"`
	// Priority mirrors the originating Message's priority so mailbox
	// overflow policies can distinguish P0 from the rest; it is not
	// part of the wire contract named in §3 but is stamped by the
	// Worker for coordinator-side backpressure decisions.
	Priority Priority `json:"priority,omitempty"`

	Chunk      string         `json:"chunk,omitempty"`
	ChunkIndex int            `json:"chunk_index,omitempty"`
	Data       any            `json:"data,omitempty"`
	Err        *ResponseError `json:"error,omitempty"`
	Percent    float64        `json:"percent,omitempty"`
	Note       string         `json:"note,omitempty"`
	Stage      string         `json:"stage,omitempty"`
}

// EnvelopeHeaders is the stable, user-visible header set carried
// alongside every MessageEnvelope body.
type EnvelopeHeaders struct {
	MessageID     string        `json:"message_id"`
	OrgID         string        `json:"org_id"`
	AgentID       string        `json:"agent_id,omitempty"`
	Type          MessageType   `json:"type"`
	Priority      Priority      `json:"priority"`
	RetryCount    int           `json:"retry_count"`
	SchemaVersion SchemaVersion `json:"schema_version"`
	DedupKey      string        `json:"dedup_key,omitempty"`
}

// MessageEnvelope is the on-the-wire pairing of stable headers and a
// JSON body, per §3/§6 of the specification.
type MessageEnvelope struct {
	Headers EnvelopeHeaders `json:"headers"`
	Body    []byte          `json:"body"`
}

// EnvelopeFromMessage builds the wire envelope for a Message, encoding
// the full message as the JSON body.
func EnvelopeFromMessage(m *Message) (*MessageEnvelope, error) {
	body, err := marshalJSON(m)
	if err != nil {
		return nil, err
	}
	return &MessageEnvelope{
		Headers: EnvelopeHeaders{
			MessageID:     m.MessageID,
			OrgID:         m.OrgID,
			AgentID:       m.AgentID,
			Type:          m.Type,
			Priority:      m.Priority,
			RetryCount:    m.RetryCount,
			SchemaVersion: m.SchemaVersion,
			DedupKey:      m.DedupKey,
		},
		Body: body,
	}, nil
}

// DecodeMessage decodes the envelope body back into a Message,
// overlaying the (possibly more current, e.g. post-retry) headers.
func DecodeMessage(env *MessageEnvelope) (*Message, error) {
	var m Message
	if err := unmarshalJSON(env.Body, &m); err != nil {
		return nil, err
	}
	m.MessageID = env.Headers.MessageID
	m.OrgID = env.Headers.OrgID
	m.AgentID = env.Headers.AgentID
	m.Type = env.Headers.Type
	m.Priority = env.Headers.Priority
	m.RetryCount = env.Headers.RetryCount
	m.SchemaVersion = env.Headers.SchemaVersion
	m.DedupKey = env.Headers.DedupKey
	return &m, nil
}

// AuditEventType enumerates the lifecycle transitions recorded by the
// Event Log Writer.
type AuditEventType string

const (
	EventCreated                  AuditEventType = "created"
	EventEnqueued                 AuditEventType = "enqueued"
	EventDequeued                 AuditEventType = "dequeued"
	EventProcessing                AuditEventType = "processing"
	EventCompleted                AuditEventType = "completed"
	EventFailed                   AuditEventType = "failed"
	EventRetryScheduled           AuditEventType = "retry_scheduled"
	EventPromoted                 AuditEventType = "promoted"
	EventDemoted                  AuditEventType = "demoted"
	EventConflictDetected         AuditEventType = "conflict_detected"
	EventConflictResolved         AuditEventType = "conflict_resolved"
	EventConflictResolutionFailed AuditEventType = "conflict_resolution_failed"
	EventDeadLetter               AuditEventType = "dead_letter"
)

// AuditEvent is an append-only lifecycle record for a Message.
type AuditEvent struct {
	MessageID string         `json:"message_id"`
	OrgID     string         `json:"org_id"`
	EventType AuditEventType `json:"event_type"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ErrorHistoryEntry is one failure observed while processing a
// message, preserved verbatim in a DLQRecord.
type ErrorHistoryEntry struct {
	Kind      ErrorKind `json:"kind"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// DLQRecord is a dead-lettered message together with its full failure
// history.
type DLQRecord struct {
	OrgID          string              `json:"org_id"`
	OriginalMessage *Message           `json:"original_message"`
	ErrorHistory   []ErrorHistoryEntry `json:"error_history"`
	CanReplay      bool                `json:"can_replay"`
	DLQTimestamp   time.Time           `json:"dlq_timestamp"`
	Reason         string              `json:"reason,omitempty"`
}

// IdempotencyKey is the unique (org_id, dedup_key) row inserted at
// first successful publish attempt.
type IdempotencyKey struct {
	OrgID     string    `json:"org_id"`
	DedupKey  string    `json:"dedup_key"`
	MessageID string    `json:"message_id"`
	CreatedAt time.Time `json:"created_at"`
}

// PoisonCounter is the per-dedup-key crash counter that quarantines
// repeat offenders.
type PoisonCounter struct {
	OrgID     string `json:"org_id"`
	DedupKey  string `json:"dedup_key"`
	Count     int    `json:"count"`
}
