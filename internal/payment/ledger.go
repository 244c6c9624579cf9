package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/yuki402/agent/internal/model"
)

// Ledger stores terminal payment threads.
type Ledger interface {
	Append(ctx context.Context, thread model.PaymentThread) error
	// List returns a session's threads, newest first.
	List(ctx context.Context, sessionID string) ([]model.PaymentThread, error)
	Get(ctx context.Context, id string) (*model.PaymentThread, error)
}

// MemoryLedger is a process-local Ledger.
type MemoryLedger struct {
	mu      sync.RWMutex
	threads []model.PaymentThread
}

// NewMemoryLedger returns an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

// Append implements Ledger.
func (l *MemoryLedger) Append(_ context.Context, thread model.PaymentThread) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.threads {
		if t.ID == thread.ID {
			return fmt.Errorf("thread %s already recorded", thread.ID)
		}
	}
	l.threads = append(l.threads, thread)
	return nil
}

// List implements Ledger.
func (l *MemoryLedger) List(_ context.Context, sessionID string) ([]model.PaymentThread, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.PaymentThread, 0)
	for i := len(l.threads) - 1; i >= 0; i-- {
		if l.threads[i].SessionID == sessionID {
			out = append(out, l.threads[i])
		}
	}
	return out, nil
}

// Get implements Ledger.
func (l *MemoryLedger) Get(_ context.Context, id string) (*model.PaymentThread, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, t := range l.threads {
		if t.ID == id {
			thread := t
			return &thread, nil
		}
	}
	return nil, fmt.Errorf("thread %s: %w", id, ErrThreadNotFound)
}
