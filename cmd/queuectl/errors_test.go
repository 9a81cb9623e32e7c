package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/FastyrAI/TuringAgents/queue"
)

func TestExitCodeNil(t *testing.T) {
	require.Equal(t, 0, exitCode(nil))
}

func TestExitCodeConfigError(t *testing.T) {
	require.Equal(t, 2, exitCode(newConfigError(errors.New("bad env"))))
}

func TestExitCodeBrokerError(t *testing.T) {
	require.Equal(t, 3, exitCode(newBrokerError(errors.New("dial failed"))))
}

func TestExitCodeStoreError(t *testing.T) {
	require.Equal(t, 4, exitCode(newStoreError(errors.New("dial failed"))))
}

func TestExitCodeQueueErrorKinds(t *testing.T) {
	cases := []struct {
		kind queue.ErrorKind
		want int
	}{
		{queue.ErrBrokerUnavailable, 3},
		{queue.ErrStoreUnavailable, 4},
		{queue.ErrValidation, 2},
		{queue.ErrUnsupportedSchema, 2},
		{queue.ErrTransientIO, 1},
	}
	for _, c := range cases {
		qerr := &queue.Error{Kind: c.kind}
		require.Equal(t, c.want, exitCode(qerr), "kind %s", c.kind)
	}
}

func TestExitCodeWrappedQueueError(t *testing.T) {
	qerr := &queue.Error{Kind: queue.ErrStoreUnavailable}
	wrapped := errors.Join(errors.New("context"), qerr)
	require.Equal(t, 4, exitCode(wrapped))
}

func TestExitCodeUnknownDefaultsToOne(t *testing.T) {
	require.Equal(t, 1, exitCode(errors.New("something else")))
}
