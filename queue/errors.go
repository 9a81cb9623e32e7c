package queue

import (
	"encoding/json"
	"fmt"

	"github.com/FastyrAI/TuringAgents/pkg/errors"
)

// ErrorKind is the taxonomy of error kinds named in §7 of the
// specification.
type ErrorKind string

const (
	ErrValidation        ErrorKind = "validation"
	ErrUnsupportedSchema ErrorKind = "unsupported_schema"
	ErrDuplicate         ErrorKind = "duplicate"
	ErrBrokerUnavailable ErrorKind = "broker_unavailable"
	ErrStoreUnavailable  ErrorKind = "store_unavailable"
	ErrHandlerTimeout    ErrorKind = "handler_timeout"
	ErrRateLimit         ErrorKind = "rate_limit"
	ErrTransientIO       ErrorKind = "transient_io"
	ErrPermanentUpstream ErrorKind = "permanent_upstream"
	ErrUnknown           ErrorKind = "unknown"
	ErrPoison            ErrorKind = "poison"
	ErrBackpressure      ErrorKind = "backpressure_reject"
)

// Error is the typed outcome every queue operation returns or wraps,
// carrying a Kind from the taxonomy above alongside the underlying
// *errors.AppError. It is errors.As-compatible with both *queue.Error
// and *errors.AppError.
type Error struct {
	Kind ErrorKind
	App  *errors.AppError
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.App.Error())
}

func (e *Error) Unwrap() error { return e.App }

// Is matches on Kind so callers can write
// errors.Is(err, queue.Sentinel(queue.ErrDuplicate)) style checks against
// the ErrorKind constants when wrapped in an error value produced by
// newKindError.
func (e *Error) Is(target error) bool {
	if k, ok := target.(kindSentinel); ok {
		return e.Kind == ErrorKind(k)
	}
	return false
}

type kindSentinel ErrorKind

func (k kindSentinel) Error() string { return string(k) }

// Sentinel lets callers compare with errors.Is(err, queue.Sentinel(queue.ErrDuplicate)).
func Sentinel(k ErrorKind) error { return kindSentinel(k) }

func newKindError(kind ErrorKind, code, message string, cause error) *Error {
	return &Error{Kind: kind, App: errors.New(code, message, cause)}
}

func newValidationError(message string) *Error {
	return newKindError(ErrValidation, "QUEUE_VALIDATION", message, nil)
}

func newUnsupportedSchemaError(version SchemaVersion) *Error {
	return newKindError(ErrUnsupportedSchema, "QUEUE_UNSUPPORTED_SCHEMA",
		"schema_version outside supported window: "+string(version), nil)
}

func newDuplicateError(messageID string) *Error {
	return newKindError(ErrDuplicate, "QUEUE_DUPLICATE",
		"duplicate publish for dedup_key, existing message_id: "+messageID, nil)
}

func newBrokerUnavailableError(cause error) *Error {
	return newKindError(ErrBrokerUnavailable, "QUEUE_BROKER_UNAVAILABLE", "broker unavailable", cause)
}

func newStoreUnavailableError(cause error) *Error {
	return newKindError(ErrStoreUnavailable, "QUEUE_STORE_UNAVAILABLE", "event store unavailable", cause)
}

func newBackpressureError(orgID string) *Error {
	return newKindError(ErrBackpressure, "QUEUE_BACKPRESSURE", "publish rejected by backpressure controller for org "+orgID, nil)
}

func newPoisonError(dedupKey string) *Error {
	return newKindError(ErrPoison, "QUEUE_POISON", "message quarantined as poison: "+dedupKey, nil)
}

// TopologyError enumerates broker resources that failed to declare.
type TopologyError struct {
	App     *errors.AppError
	Failed  []string
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("topology declaration failed for %v: %s", e.Failed, e.App.Error())
}

func (e *TopologyError) Unwrap() error { return e.App }

func newTopologyError(failed []string, cause error) *TopologyError {
	return &TopologyError{App: errors.New("QUEUE_TOPOLOGY", "topology declaration failed", cause), Failed: failed}
}

// ConflictError signals that a handler detected a conflicting
// concurrent mutation (e.g. two agents racing to update the same
// resource). A Worker records the conflict_detected/conflict_resolved/
// conflict_resolution_failed event triad around it; actually resolving
// the conflict (LLM-assisted or otherwise) is out of scope for the
// queue and left to an optional Worker.ConflictResolver hook.
type ConflictError struct {
	App     *errors.AppError
	Subject string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Subject, e.App.Error())
}

func (e *ConflictError) Unwrap() error { return e.App }

// NewConflictError constructs a ConflictError for the contended
// resource identified by subject.
func NewConflictError(subject, message string) *ConflictError {
	return &ConflictError{Subject: subject, App: errors.New("QUEUE_CONFLICT", message, nil)}
}

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, newKindError(ErrValidation, "QUEUE_SERIALIZE", "failed to marshal message", err)
	}
	return b, nil
}

func unmarshalJSON(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return newKindError(ErrValidation, "QUEUE_DESERIALIZE", "failed to unmarshal message", err)
	}
	return nil
}
