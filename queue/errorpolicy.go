package queue

import "time"

// RetryStrategy describes how long to wait before redelivering a
// message that failed with a retriable error kind.
type RetryStrategy struct {
	// Linear, when true, uses a fixed delay instead of exponential
	// backoff.
	Linear bool
	Base   time.Duration
	Cap    time.Duration
}

// Delay computes the backoff for the given attempt number (1-indexed:
// the first retry is attempt 1).
func (s RetryStrategy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if s.Linear {
		d := s.Base
		if s.Cap > 0 && d > s.Cap {
			return s.Cap
		}
		return d
	}
	d := s.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if s.Cap > 0 && d >= s.Cap {
			return s.Cap
		}
	}
	if s.Cap > 0 && d > s.Cap {
		return s.Cap
	}
	return d
}

// ErrorPolicy is the disposition the Worker applies for an ErrorKind.
type ErrorPolicy struct {
	Retry     bool
	Strategy  RetryStrategy
	Retriable bool
}

// errorPolicyTable is the error-kind → policy map of §4.3, exhaustively
// covering every ErrorKind a handler may raise.
var errorPolicyTable = map[ErrorKind]ErrorPolicy{
	ErrValidation:        {Retry: false, Retriable: false},
	ErrUnsupportedSchema: {Retry: false, Retriable: false},
	ErrRateLimit:         {Retry: true, Retriable: true, Strategy: RetryStrategy{Base: time.Second, Cap: 60 * time.Second}},
	ErrTransientIO:       {Retry: true, Retriable: true, Strategy: RetryStrategy{Base: 500 * time.Millisecond, Cap: 30 * time.Second}},
	ErrHandlerTimeout:    {Retry: true, Retriable: true, Strategy: RetryStrategy{Linear: true, Base: 5 * time.Second, Cap: 5 * time.Second}},
	ErrPermanentUpstream: {Retry: false, Retriable: false},
	ErrUnknown:           {Retry: true, Retriable: true, Strategy: RetryStrategy{Base: time.Second, Cap: 30 * time.Second}},
}

// PolicyFor resolves the policy for kind, defaulting to the "unknown"
// row for any kind not present in the table (handlers may raise kinds
// outside the named set; they are treated conservatively).
func PolicyFor(kind ErrorKind) ErrorPolicy {
	if p, ok := errorPolicyTable[kind]; ok {
		return p
	}
	return errorPolicyTable[ErrUnknown]
}
