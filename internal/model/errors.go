package model

import (
	"fmt"
	"time"
)

// NotFoundError is returned as 404. Access-denied lookups also map here so
// that ownership probes cannot distinguish "missing" from "not yours".
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// TraceConflictError is returned as 409 when another trace is already
// running for the same entry prompt and owner (RETRYABLE_CONFLICT).
type TraceConflictError struct {
	EntryPromptRowID string
	RunningTraceID   string
}

func (e *TraceConflictError) Error() string {
	return fmt.Sprintf("another execution is already running for prompt %s (trace=%s)",
		e.EntryPromptRowID, e.RunningTraceID)
}

// InvalidStateError is returned as 409 when an operation targets a trace or
// span that is not in the required state (e.g. create_span on a completed trace).
type InvalidStateError struct {
	Resource string
	ID       string
	State    string
	Want     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s is %s, want %s", e.Resource, e.ID, e.State, e.Want)
}

// RateLimitedError is returned as 429 with a Retry-After header.
type RateLimitedError struct {
	Endpoint   string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (%d/min)", e.Endpoint, e.Limit)
}
