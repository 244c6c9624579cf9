package model

import (
	"time"
)

// PaymentStatus is the externally visible status of a payment request.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentRejected   PaymentStatus = "rejected"
	PaymentFailed     PaymentStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentRejected || s == PaymentFailed
}

// PaymentRequest is a payment requirement detected in assistant output.
type PaymentRequest struct {
	ID         string        `json:"id"`
	Endpoint   string        `json:"endpoint"`
	Amount     string        `json:"amount"`
	Status     PaymentStatus `json:"status"`
	DetectedAt time.Time     `json:"detected_at"`
}

// PaymentThread is the ledger entry written when a request terminates.
type PaymentThread struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	RequestID string        `json:"request_id"`
	Name      string        `json:"name"`
	Time      string        `json:"time"`
	Status    PaymentStatus `json:"status"`
	Amount    string        `json:"amount"`
	Endpoint  string        `json:"endpoint"`
	TxRef     string        `json:"tx_ref,omitempty"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// PendingPaymentResponse is the response for GET /api/payments/pending.
type PendingPaymentResponse struct {
	State   string          `json:"state"`
	Current *PaymentRequest `json:"current"`
	Queued  int             `json:"queued"`
}

// ListThreadsResponse is the response for GET /api/payments/threads.
type ListThreadsResponse struct {
	Threads []PaymentThread `json:"threads"`
	Total   int             `json:"total"`
}

// CooldownResponse is the response for GET /api/cooldown.
type CooldownResponse struct {
	RemainingSeconds int  `json:"remaining_seconds"`
	Active           bool `json:"active"`
}

// BalanceResponse is the response for GET /api/balance/{address}.
type BalanceResponse struct {
	Address     string `json:"address"`
	Native      string `json:"native"`
	Token       string `json:"token"`
	TokenSymbol string `json:"token_symbol"`
}
