package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/yuki402/agent/internal/middleware"
	"github.com/yuki402/agent/internal/model"
	"github.com/yuki402/agent/internal/payment"
	"github.com/yuki402/agent/internal/service"
	"github.com/yuki402/agent/pkg/logger"
)

// PaymentHandler handles payment approval endpoints.
type PaymentHandler struct {
	registry *service.Registry
	logger   *logger.Logger
}

// NewPaymentHandler creates a new payment handler.
func NewPaymentHandler(registry *service.Registry, log *logger.Logger) *PaymentHandler {
	return &PaymentHandler{
		registry: registry,
		logger:   log,
	}
}

// Pending handles GET /api/payments/pending
func (h *PaymentHandler) Pending(w http.ResponseWriter, r *http.Request) {
	c, ok := controllerFor(w, r, h.registry)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c.Flow().Pending())
}

// Approve handles POST /api/payments/{id}/approve
func (h *PaymentHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "approve", func(f *payment.Flow, ctx context.Context, id string) (*model.PaymentThread, error) {
		return f.Approve(ctx, id)
	})
}

// Reject handles POST /api/payments/{id}/reject
func (h *PaymentHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "reject", func(f *payment.Flow, ctx context.Context, id string) (*model.PaymentThread, error) {
		return f.Reject(ctx, id)
	})
}

func (h *PaymentHandler) decide(w http.ResponseWriter, r *http.Request, action string, fn func(*payment.Flow, context.Context, string) (*model.PaymentThread, error)) {
	requestID := chi.URLParam(r, "id")
	if err := middleware.ValidateRequestID(requestID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	c, ok := controllerFor(w, r, h.registry)
	if !ok {
		return
	}

	thread, err := fn(c.Flow(), r.Context(), requestID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, thread)
	case errors.Is(err, payment.ErrUnknownRequest):
		writeError(w, http.StatusNotFound, "payment request not found")
	case errors.Is(err, payment.ErrIllegalTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("payment decision failed",
			zap.String("action", action),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to "+action+" payment")
	}
}

// ListThreads handles GET /api/payments/threads
func (h *PaymentHandler) ListThreads(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.GetSessionID(r.Context())
	threads, err := h.registry.Ledger().List(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("failed to list payment threads", zap.String("session_id", sessionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list payment threads")
		return
	}
	if threads == nil {
		threads = []model.PaymentThread{}
	}
	writeJSON(w, http.StatusOK, &model.ListThreadsResponse{
		Threads: threads,
		Total:   len(threads),
	})
}

// GetThread handles GET /api/payments/threads/{id}
func (h *PaymentHandler) GetThread(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.GetSessionID(r.Context())
	threadID := chi.URLParam(r, "id")
	if err := middleware.ValidateRequestID(threadID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	thread, err := h.registry.Ledger().Get(r.Context(), threadID)
	if errors.Is(err, payment.ErrThreadNotFound) || (err == nil && thread.SessionID != sessionID) {
		writeError(w, http.StatusNotFound, "payment thread not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get payment thread", zap.String("thread_id", threadID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get payment thread")
		return
	}
	writeJSON(w, http.StatusOK, thread)
}
