package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yuki402/agent/internal/middleware"
	"github.com/yuki402/agent/internal/model"
	"github.com/yuki402/agent/internal/service"
	"github.com/yuki402/agent/pkg/logger"
	"github.com/yuki402/agent/pkg/metrics"
)

// ChatHandler handles chat endpoints.
type ChatHandler struct {
	registry *service.Registry
	logger   *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(registry *service.Registry, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		registry: registry,
		logger:   log,
	}
}

// Chat handles POST /api/chat. The assistant reply is streamed as a UI
// message stream.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessages(req.Messages); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	c, ok := controllerFor(w, r, h.registry)
	if !ok {
		return
	}
	log := h.logger.WithSession(c.ID(), middleware.GetCorrelationID(ctx))

	turn, err := c.Open(ctx, req.Messages)
	if err != nil {
		h.writeOpenError(w, log, err)
		return
	}

	flusher, err := sseHeaders(w)
	if err != nil {
		turn.Cancel()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set(model.UIStreamHeader, "v1")
	w.WriteHeader(http.StatusOK)

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sw := &partWriter{w: w, flusher: flusher}
	sw.part(model.StreamPart{Type: model.PartStart, MessageID: turn.ID()})
	sw.part(model.StreamPart{Type: model.PartStartStep})

	textID := uuid.NewString()
	textOpen := false
	for chunk := range turn.Chunks() {
		if !textOpen {
			sw.part(model.StreamPart{Type: model.PartTextStart, ID: textID})
			textOpen = true
		}
		sw.part(model.StreamPart{Type: model.PartTextDelta, ID: textID, Delta: chunk})
	}

	msg, err := turn.Wait()
	if textOpen {
		sw.part(model.StreamPart{Type: model.PartTextEnd, ID: textID})
	}
	if err != nil {
		log.Warn("chat turn failed", zap.String("turn_id", turn.ID()), zap.Error(err))
		sw.part(model.StreamPart{Type: model.PartError, ErrorText: errorText(err)})
		sw.done()
		return
	}

	for _, p := range c.Payments(msg.ID) {
		sw.part(model.StreamPart{Type: model.PartPayment, ID: p.ID, Data: p})
	}
	sw.part(model.StreamPart{Type: model.PartFinishStep})
	sw.part(model.StreamPart{Type: model.PartFinish})
	sw.done()

	if sw.err != nil {
		log.Debug("client stopped reading stream", zap.Error(sw.err))
	}
}

func (h *ChatHandler) writeOpenError(w http.ResponseWriter, log *logger.Logger, err error) {
	var ce *service.CooldownError
	switch {
	case errors.As(err, &ce):
		w.Header().Set("Retry-After", strconv.Itoa(ce.Remaining))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       fmt.Sprintf("Please wait %d seconds before sending another message", ce.Remaining),
			"retry_after": ce.Remaining,
		})
	case errors.Is(err, service.ErrTurnInFlight):
		writeError(w, http.StatusConflict, "a response is already being generated")
	case errors.Is(err, service.ErrEmptyTranscript):
		writeError(w, http.StatusBadRequest, "messages cannot be empty")
	default:
		log.Error("failed to start chat turn", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start chat")
	}
}

// errorText is the user-facing description of a failed turn.
func errorText(err error) string {
	switch {
	case errors.Is(err, service.ErrSessionTimeout):
		return "The response took too long and was stopped. Please try again."
	case errors.Is(err, service.ErrTurnCancelled):
		return "The response was cancelled."
	default:
		return "Something went wrong while generating a response. Please try again."
	}
}

// Status handles GET /api/chat/status
func (h *ChatHandler) Status(w http.ResponseWriter, r *http.Request) {
	c, ok := controllerFor(w, r, h.registry)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, &model.StatusResponse{
		SessionID: c.ID(),
		Status:    c.Session().Status(),
	})
}

// Transcript handles GET /api/chat/transcript
func (h *ChatHandler) Transcript(w http.ResponseWriter, r *http.Request) {
	c, ok := controllerFor(w, r, h.registry)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, &model.TranscriptResponse{
		SessionID: c.ID(),
		Status:    c.Session().Status(),
		Messages:  c.Session().Transcript(),
	})
}

// partWriter writes UI message stream parts and remembers the first write
// error. Later writes after an error are skipped.
type partWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	err     error
}

func (p *partWriter) part(part model.StreamPart) {
	if p.err != nil {
		return
	}
	p.err = sendSSEEvent(p.w, p.flusher, "", part)
}

func (p *partWriter) done() {
	if p.err != nil {
		return
	}
	if _, err := fmt.Fprint(p.w, "data: [DONE]\n\n"); err != nil {
		p.err = err
		return
	}
	p.flusher.Flush()
}
