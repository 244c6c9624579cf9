package handler

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/yuki402/agent/internal/model"
	"github.com/yuki402/agent/internal/service"
	"github.com/yuki402/agent/pkg/logger"
	"github.com/yuki402/agent/pkg/metrics"
)

// CooldownHandler exposes the caller's send cooldown.
type CooldownHandler struct {
	registry *service.Registry
	logger   *logger.Logger
}

// NewCooldownHandler creates a new cooldown handler.
func NewCooldownHandler(registry *service.Registry, log *logger.Logger) *CooldownHandler {
	return &CooldownHandler{
		registry: registry,
		logger:   log,
	}
}

// Get handles GET /api/cooldown
func (h *CooldownHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, ok := controllerFor(w, r, h.registry)
	if !ok {
		return
	}
	remaining := c.Gate().Remaining()
	writeJSON(w, http.StatusOK, &model.CooldownResponse{
		RemainingSeconds: remaining,
		Active:           remaining > 0,
	})
}

// Stream handles GET /api/cooldown/stream. One cooldown event is sent
// immediately and then on every tick until the countdown reaches zero.
func (h *CooldownHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, ok := controllerFor(w, r, h.registry)
	if !ok {
		return
	}

	flusher, err := sseHeaders(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	updates, unsubscribe := c.Gate().Subscribe()
	defer unsubscribe()

	send := func(remaining int) error {
		return sendSSEEvent(w, flusher, "cooldown", &model.CooldownEvent{
			RemainingSeconds: remaining,
			Timestamp:        time.Now().UTC(),
		})
	}

	remaining := c.Gate().Remaining()
	if err := send(remaining); err != nil || remaining == 0 {
		return
	}

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("cooldown stream client disconnected", zap.String("session_id", c.ID()))
			return
		case remaining, ok := <-updates:
			if !ok {
				return
			}
			if err := send(remaining); err != nil || remaining == 0 {
				return
			}
		}
	}
}
