package payment

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalTransition is returned when a request cannot move to the
	// requested state from its current one.
	ErrIllegalTransition = errors.New("illegal payment transition")

	// ErrUnknownRequest is returned for ids the flow has never seen.
	ErrUnknownRequest = errors.New("unknown payment request")

	// ErrThreadNotFound is returned by a Ledger for a missing thread id.
	ErrThreadNotFound = errors.New("payment thread not found")
)

// TransitionError describes a rejected state change.
type TransitionError struct {
	RequestID string
	From      State
	To        State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("payment %s: %s -> %s not allowed", e.RequestID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// SubmissionError is a failure reported by the payment submitter. It ends a
// request in the failed state, never in rejected.
type SubmissionError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("submit payment to %s: status %d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("submit payment to %s: %v", e.Endpoint, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }
