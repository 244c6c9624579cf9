package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yuki402/agent/internal/balance"
	"github.com/yuki402/agent/internal/model"
)

// BalanceLookup resolves display balances for a wallet address.
type BalanceLookup interface {
	Lookup(ctx context.Context, address string) model.BalanceResponse
}

// BalanceHandler handles wallet balance endpoints.
type BalanceHandler struct {
	balances BalanceLookup
}

// NewBalanceHandler creates a new balance handler.
func NewBalanceHandler(balances BalanceLookup) *BalanceHandler {
	return &BalanceHandler{balances: balances}
}

// Get handles GET /api/balance/{address}. Query failures show as "0".
func (h *BalanceHandler) Get(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if !balance.ValidAddress(address) {
		writeError(w, http.StatusBadRequest, "invalid wallet address")
		return
	}
	writeJSON(w, http.StatusOK, h.balances.Lookup(r.Context(), address))
}
