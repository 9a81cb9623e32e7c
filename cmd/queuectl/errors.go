package main

import (
	"errors"

	"github.com/FastyrAI/TuringAgents/queue"
)

// configError, brokerError, and storeError wrap a failure with the
// external resource it came from, so exitCode can map it to the
// reference exit codes (2/3/4) without every command re-deriving it.

type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func newConfigError(err error) error { return &configError{err: err} }

type brokerError struct{ err error }

func (e *brokerError) Error() string { return e.err.Error() }
func (e *brokerError) Unwrap() error { return e.err }

func newBrokerError(err error) error { return &brokerError{err: err} }

type storeError struct{ err error }

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

func newStoreError(err error) error { return &storeError{err: err} }

// exitCode maps a command error to the reference CLI exit codes named
// in the external interfaces contract: 0 success, 2 configuration
// error, 3 broker unavailable, 4 store unavailable, 1 anything else.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var cfgErr *configError
	if errors.As(err, &cfgErr) {
		return 2
	}
	var brokerErr *brokerError
	if errors.As(err, &brokerErr) {
		return 3
	}
	var storeErr *storeError
	if errors.As(err, &storeErr) {
		return 4
	}
	var qerr *queue.Error
	if errors.As(err, &qerr) {
		switch qerr.Kind {
		case queue.ErrBrokerUnavailable:
			return 3
		case queue.ErrStoreUnavailable:
			return 4
		case queue.ErrValidation, queue.ErrUnsupportedSchema:
			return 2
		}
	}
	return 1
}
