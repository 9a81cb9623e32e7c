package queue

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesSentinelByKind(t *testing.T) {
	err := newDuplicateError("msg-1")
	require.True(t, errors.Is(err, Sentinel(ErrDuplicate)))
	require.False(t, errors.Is(err, Sentinel(ErrValidation)))
}

func TestErrorAsUnwrapsToAppError(t *testing.T) {
	err := newValidationError("bad field")
	var qerr *Error
	require.True(t, errors.As(err, &qerr))
	require.Equal(t, ErrValidation, qerr.Kind)
}

func TestConflictErrorMessageNamesSubject(t *testing.T) {
	err := NewConflictError("resource-1", "two writers")
	require.Contains(t, err.Error(), "resource-1")
	require.Contains(t, err.Error(), "two writers")
}

func TestNewTopologyErrorListsFailedResources(t *testing.T) {
	err := newTopologyError([]string{"queue.org1", "dlq.org1"}, errors.New("amqp closed"))
	require.Contains(t, err.Error(), "queue.org1")
	require.Contains(t, err.Error(), "dlq.org1")
}
