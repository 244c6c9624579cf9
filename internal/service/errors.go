package service

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyTranscript is returned when Send is called with no messages.
	ErrEmptyTranscript = errors.New("transcript is empty")

	// ErrTurnInFlight is returned when a send arrives while another turn is
	// submitted or streaming.
	ErrTurnInFlight = errors.New("a chat turn is already in flight")

	// ErrSessionTimeout marks a turn that exceeded the maximum duration.
	ErrSessionTimeout = errors.New("chat turn exceeded maximum duration")

	// ErrTurnCancelled marks a turn stopped by its caller.
	ErrTurnCancelled = errors.New("chat turn cancelled")

	// ErrCooldownActive is returned when a send arrives during a cooldown.
	ErrCooldownActive = errors.New("cooldown active")
)

// StreamError is a provider or transport failure during a chat turn.
type StreamError struct {
	Op  string
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("chat stream %s: %v", e.Op, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// CooldownError carries the seconds left before the next send is allowed.
type CooldownError struct {
	Remaining int
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("cooldown active: %ds remaining", e.Remaining)
}

func (e *CooldownError) Unwrap() error { return ErrCooldownActive }
