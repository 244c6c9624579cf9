package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/yuki402/agent/internal/cooldown"
	"github.com/yuki402/agent/internal/model"
	"github.com/yuki402/agent/internal/payment"
	"github.com/yuki402/agent/pkg/logger"
	"github.com/yuki402/agent/pkg/metrics"
)

// publishTimeout bounds one mirror publish.
const publishTimeout = 5 * time.Second

// Publisher mirrors transcript messages and payment threads to an
// external event stream.
type Publisher interface {
	PublishMessage(ctx context.Context, sessionID string, msg model.ChatMessage) error
	PublishThread(ctx context.Context, thread model.PaymentThread) error
}

// Controller composes the chat session, payment flow and cooldown gate of
// one client session. The gate and the flow are independent: approvals
// never touch the cooldown and the cooldown never blocks approvals.
type Controller struct {
	id      string
	session *ChatSession
	flow    *payment.Flow
	gate    *cooldown.Gate
	window  time.Duration
	logger  *logger.Logger

	// sendMu serializes admission, dispatch and cooldown start.
	sendMu   sync.Mutex
	lastSeen atomic.Int64

	detMu     sync.Mutex
	detection detection
}

type detection struct {
	messageID string
	requests  []model.PaymentRequest
}

func newController(id string, session *ChatSession, flow *payment.Flow, gate *cooldown.Gate, window time.Duration, publisher Publisher, log *logger.Logger) *Controller {
	c := &Controller{
		id:      id,
		session: session,
		flow:    flow,
		gate:    gate,
		window:  window,
		logger:  log.With(zap.String("session_id", id)),
	}
	session.OnAppend(c.onAppend)
	if publisher != nil {
		session.OnAppend(func(msg model.ChatMessage) {
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			defer cancel()
			if err := publisher.PublishMessage(ctx, id, msg); err != nil {
				c.logger.Warn("failed to publish message", zap.String("message_id", msg.ID), zap.Error(err))
			}
		})
	}
	return c
}

// ID returns the session id.
func (c *Controller) ID() string { return c.id }

// Session returns the chat session.
func (c *Controller) Session() *ChatSession { return c.session }

// Flow returns the payment approval flow.
func (c *Controller) Flow() *payment.Flow { return c.flow }

// Gate returns the cooldown gate.
func (c *Controller) Gate() *cooldown.Gate { return c.gate }

// Open admits, normalizes and dispatches one chat request. The cooldown
// starts once the turn has been dispatched.
func (c *Controller) Open(ctx context.Context, raw []model.RawMessage) (*Turn, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyTranscript
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.gate.Admit() {
		metrics.CooldownRejectionsTotal.Inc()
		return nil, &CooldownError{Remaining: c.gate.Remaining()}
	}

	turn, err := c.session.Send(ctx, model.NormalizeAll(raw))
	if err != nil {
		return nil, err
	}

	if err := c.gate.Start(c.window); err != nil {
		c.logger.Warn("cooldown not persisted", zap.Error(err))
	}
	return turn, nil
}

// Payments returns the payment requests detected in assistant message
// messageID.
func (c *Controller) Payments(messageID string) []model.PaymentRequest {
	c.detMu.Lock()
	defer c.detMu.Unlock()
	if c.detection.messageID != messageID {
		return nil
	}
	return append([]model.PaymentRequest(nil), c.detection.requests...)
}

func (c *Controller) onAppend(msg model.ChatMessage) {
	if msg.Role != model.RoleAssistant {
		return
	}

	markers := payment.Scan(msg.Content)
	found := make([]model.PaymentRequest, 0, len(markers))
	for _, m := range markers {
		req, err := c.flow.Detect(m.Endpoint, m.Amount)
		if err != nil {
			c.logger.Warn("payment marker ignored", zap.String("endpoint", m.Endpoint), zap.Error(err))
			continue
		}
		c.logger.Info("payment required",
			zap.String("request_id", req.ID),
			zap.String("endpoint", req.Endpoint),
			zap.String("amount", req.Amount),
		)
		found = append(found, *req)
	}

	c.detMu.Lock()
	c.detection = detection{messageID: msg.ID, requests: found}
	c.detMu.Unlock()
}

func (c *Controller) touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
}

// idleSince reports whether the controller has been unused since cutoff,
// has no turn in flight and holds no undecided payment requests.
func (c *Controller) idleSince(cutoff time.Time) bool {
	if c.lastSeen.Load() >= cutoff.UnixNano() || c.session.Status().InFlight() {
		return false
	}
	return c.flow.State() == payment.StateIdle && c.flow.Queued() == 0
}

// Close stops the cooldown ticker. The persisted cooldown stays in place.
func (c *Controller) Close() {
	c.gate.Close()
}
