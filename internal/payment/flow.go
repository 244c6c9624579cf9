// Package payment implements the approval workflow for x402 payment
// requirements found in assistant output.
//
// Each request moves through an explicit state machine:
//
//	idle -> detected -> approved -> processing -> completed | failed
//	             \-> rejected
//
// Only one request is detected (awaiting a decision) at a time; later
// detections wait in a FIFO queue and are promoted when the current request
// terminates. Every terminal request is recorded as a PaymentThread.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/yuki402/agent/internal/model"
	"github.com/yuki402/agent/pkg/clock"
	"github.com/yuki402/agent/pkg/logger"
	"github.com/yuki402/agent/pkg/metrics"
	"github.com/yuki402/agent/pkg/tracing"
)

// State is the approval state of one payment request.
type State string

const (
	StateIdle       State = "idle"
	StateDetected   State = "detected"
	StateApproved   State = "approved"
	StateRejected   State = "rejected"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// DefaultSubmitTimeout bounds a single payment submission.
const DefaultSubmitTimeout = 30 * time.Second

var transitions = map[State][]State{
	StateIdle:       {StateDetected},
	StateDetected:   {StateApproved, StateRejected},
	StateApproved:   {StateProcessing},
	StateProcessing: {StateCompleted, StateFailed},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateCompleted || s == StateFailed
}

// Status maps s to the externally visible request status.
func (s State) Status() model.PaymentStatus {
	switch s {
	case StateApproved, StateProcessing:
		return model.PaymentProcessing
	case StateCompleted:
		return model.PaymentCompleted
	case StateRejected:
		return model.PaymentRejected
	case StateFailed:
		return model.PaymentFailed
	default:
		return model.PaymentPending
	}
}

type entry struct {
	req   model.PaymentRequest
	state State
}

// Flow is the per-session payment approval state machine.
type Flow struct {
	sessionID string
	submitter Submitter
	ledger    Ledger
	clock     clock.Clock
	timeout   time.Duration
	logger    *logger.Logger
	observers []func(model.PaymentThread)

	mu       sync.Mutex
	current  *entry
	queue    []*entry
	finished map[string]State
}

// Option configures a Flow.
type Option func(*Flow)

// WithClock sets the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(f *Flow) { f.clock = c }
}

// WithSubmitTimeout bounds each submission.
func WithSubmitTimeout(d time.Duration) Option {
	return func(f *Flow) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithLogger sets the flow logger.
func WithLogger(l *logger.Logger) Option {
	return func(f *Flow) { f.logger = l }
}

// WithObserver registers fn to receive every recorded thread.
func WithObserver(fn func(model.PaymentThread)) Option {
	return func(f *Flow) { f.observers = append(f.observers, fn) }
}

// NewFlow creates an idle flow for a session.
func NewFlow(sessionID string, submitter Submitter, ledger Ledger, opts ...Option) *Flow {
	f := &Flow{
		sessionID: sessionID,
		submitter: submitter,
		ledger:    ledger,
		clock:     clock.Real(),
		timeout:   DefaultSubmitTimeout,
		logger:    logger.NewNop(),
		finished:  make(map[string]State),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With(zap.String("session_id", sessionID))
	return f
}

// Detect registers a payment requirement. The first one becomes current;
// later ones are queued behind it.
func (f *Flow) Detect(endpoint, amount string) (*model.PaymentRequest, error) {
	if endpoint == "" {
		return nil, errors.New("payment endpoint is required")
	}
	if amount == "" {
		return nil, errors.New("payment amount is required")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	e := &entry{
		req: model.PaymentRequest{
			ID:         uuid.New().String(),
			Endpoint:   endpoint,
			Amount:     amount,
			Status:     model.PaymentPending,
			DetectedAt: f.clock.Now().UTC(),
		},
		state: StateIdle,
	}

	if f.current == nil {
		if err := f.transitionLocked(e, StateDetected); err != nil {
			return nil, err
		}
		f.current = e
	} else {
		f.queue = append(f.queue, e)
		f.logger.Info("payment request queued",
			zap.String("request_id", e.req.ID),
			zap.Int("queued", len(f.queue)),
		)
	}

	req := e.req
	return &req, nil
}

// Current returns the request awaiting a decision, or nil.
func (f *Flow) Current() *model.PaymentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil
	}
	req := f.current.req
	return &req
}

// Queued returns the number of requests waiting behind the current one.
func (f *Flow) Queued() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// State returns the state of the current request, or idle.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return StateIdle
	}
	return f.current.state
}

// Pending returns a snapshot for the pending-payment endpoint.
func (f *Flow) Pending() model.PendingPaymentResponse {
	f.mu.Lock()
	defer f.mu.Unlock()

	resp := model.PendingPaymentResponse{State: string(StateIdle), Queued: len(f.queue)}
	if f.current != nil {
		req := f.current.req
		resp.State = string(f.current.state)
		resp.Current = &req
	}
	return resp
}

// Reject declines request id. The submitter is never called.
func (f *Flow) Reject(ctx context.Context, id string) (*model.PaymentThread, error) {
	f.mu.Lock()
	e, err := f.lookupLocked(id)
	if err == nil {
		err = f.transitionLocked(e, StateRejected)
	}
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}
	thread := f.finishLocked(e, "", "")
	f.mu.Unlock()

	f.record(ctx, thread)
	return &thread, nil
}

// Approve accepts request id and submits it. It returns once the
// submission has completed or failed; a failed submission is reported in
// the returned thread, not as an error.
func (f *Flow) Approve(ctx context.Context, id string) (*model.PaymentThread, error) {
	f.mu.Lock()
	e, err := f.lookupLocked(id)
	if err == nil {
		err = f.transitionLocked(e, StateApproved)
	}
	if err == nil {
		err = f.transitionLocked(e, StateProcessing)
	}
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}
	order := Order{Endpoint: e.req.Endpoint, Amount: e.req.Amount}
	f.mu.Unlock()

	receipt, subErr := f.submit(ctx, id, order)

	f.mu.Lock()
	var (
		thread    model.PaymentThread
		settleErr error
	)
	if subErr != nil {
		thread, settleErr = f.settleLocked(e, StateFailed, "", subErr.Error())
	} else {
		thread, settleErr = f.settleLocked(e, StateCompleted, receipt.TxRef, "")
	}
	f.mu.Unlock()
	if settleErr != nil {
		return nil, settleErr
	}

	f.record(ctx, thread)
	return &thread, nil
}

// settleLocked moves a processing entry to its terminal state and builds
// its thread. The entry is left untouched if the move is illegal.
func (f *Flow) settleLocked(e *entry, to State, txRef, errText string) (model.PaymentThread, error) {
	if err := f.transitionLocked(e, to); err != nil {
		f.logger.Error("payment could not be settled",
			zap.String("request_id", e.req.ID),
			zap.String("state", string(e.state)),
			zap.String("to", string(to)),
			zap.Error(err),
		)
		return model.PaymentThread{}, err
	}
	return f.finishLocked(e, txRef, errText), nil
}

// submit calls the submitter detached from the caller's cancellation so a
// dropped client connection cannot abandon a payment mid-flight. The
// submit timeout still applies.
func (f *Flow) submit(ctx context.Context, id string, order Order) (Receipt, error) {
	ctx, span := tracing.Tracer().Start(context.WithoutCancel(ctx), "payment.submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.request_id", id),
		attribute.String("payment.endpoint", order.Endpoint),
	)

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	receipt, err := f.submitter.Submit(ctx, order)
	elapsed := time.Since(start).Seconds()

	if err == nil && receipt.TxRef == "" {
		err = &SubmissionError{Endpoint: order.Endpoint, Err: errors.New("no transaction reference returned")}
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = &SubmissionError{Endpoint: order.Endpoint, Err: fmt.Errorf("timed out after %s", f.timeout)}
		}
		var se *SubmissionError
		if !errors.As(err, &se) {
			err = &SubmissionError{Endpoint: order.Endpoint, Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordPaymentSubmission("failed", elapsed)
		f.logger.Warn("payment submission failed",
			zap.String("request_id", id),
			zap.Error(err),
		)
		return Receipt{}, err
	}

	metrics.RecordPaymentSubmission("completed", elapsed)
	f.logger.Info("payment submitted",
		zap.String("request_id", id),
		zap.String("tx_ref", receipt.TxRef),
	)
	return receipt, nil
}

func (f *Flow) lookupLocked(id string) (*entry, error) {
	if f.current != nil && f.current.req.ID == id {
		return f.current, nil
	}
	for _, e := range f.queue {
		if e.req.ID == id {
			return e, nil
		}
	}
	if st, ok := f.finished[id]; ok {
		return &entry{req: model.PaymentRequest{ID: id, Status: st.Status()}, state: st}, nil
	}
	return nil, fmt.Errorf("payment %s: %w", id, ErrUnknownRequest)
}

func (f *Flow) transitionLocked(e *entry, to State) error {
	if !CanTransition(e.state, to) {
		return &TransitionError{RequestID: e.req.ID, From: e.state, To: to}
	}
	f.logger.Debug("payment transition",
		zap.String("request_id", e.req.ID),
		zap.String("from", string(e.state)),
		zap.String("to", string(to)),
	)
	e.state = to
	e.req.Status = to.Status()
	metrics.RecordPaymentTransition(string(to))
	return nil
}

// finishLocked builds the ledger thread for a terminal entry and promotes
// the next queued request.
func (f *Flow) finishLocked(e *entry, txRef, errText string) model.PaymentThread {
	now := f.clock.Now()
	thread := model.PaymentThread{
		ID:        uuid.New().String(),
		SessionID: f.sessionID,
		RequestID: e.req.ID,
		Name:      threadName(e.req.Endpoint),
		Time:      now.Format("15:04"),
		Status:    e.state.Status(),
		Amount:    e.req.Amount,
		Endpoint:  e.req.Endpoint,
		TxRef:     txRef,
		Error:     errText,
		CreatedAt: now.UTC(),
	}

	f.finished[e.req.ID] = e.state
	if f.current == e {
		f.current = nil
		if len(f.queue) > 0 {
			next := f.queue[0]
			f.queue = f.queue[1:]
			if err := f.transitionLocked(next, StateDetected); err != nil {
				f.logger.Error("queued payment could not be promoted",
					zap.String("request_id", next.req.ID),
					zap.Error(err),
				)
			} else {
				f.current = next
			}
		}
	}
	return thread
}

func (f *Flow) record(ctx context.Context, thread model.PaymentThread) {
	if err := f.ledger.Append(context.WithoutCancel(ctx), thread); err != nil {
		f.logger.Error("failed to record payment thread",
			zap.String("thread_id", thread.ID),
			zap.Error(err),
		)
	}
	for _, fn := range f.observers {
		fn(thread)
	}
}

// threadName labels a thread by the endpoint host.
func threadName(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	return u.Host
}
