package model

import (
	"time"
)

// UI message stream part types, as consumed by AI SDK chat clients.
const (
	PartStart      = "start"
	PartStartStep  = "start-step"
	PartTextStart  = "text-start"
	PartTextDelta  = "text-delta"
	PartTextEnd    = "text-end"
	PartFinishStep = "finish-step"
	PartFinish     = "finish"
	PartError      = "error"
	PartPayment    = "data-payment"
)

// UIStreamHeader marks a response body as a UI message stream.
const UIStreamHeader = "x-vercel-ai-ui-message-stream"

// StreamPart is one SSE data payload of a UI message stream.
type StreamPart struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Delta     string `json:"delta,omitempty"`
	ErrorText string `json:"errorText,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// ErrorEvent represents an error payload.
type ErrorEvent struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// CooldownEvent is pushed on the cooldown SSE stream every tick.
type CooldownEvent struct {
	RemainingSeconds int       `json:"remaining_seconds"`
	Timestamp        time.Time `json:"timestamp"`
}
