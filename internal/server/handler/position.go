package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/babylonsim/marketcore/internal/domain"
)

// PositionService defines the perpetual-position operations the position
// handler requires from the service layer.
type PositionService interface {
	OpenPosition(ctx context.Context, userID, ticker, side string, margin, leverage decimal.Decimal) (domain.PerpPosition, error)
	ClosePosition(ctx context.Context, id string) (decimal.Decimal, error)
}

// PositionHandler serves perpetual-position HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	store     domain.PerpPositionStore
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionService, store domain.PerpPositionStore, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		store:     store,
		logger:    logger,
	}
}

// ListPositions returns open positions for a user.
// GET /api/positions?user_id=...
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter required")
		return
	}

	positions, err := h.store.ListOpenByUser(r.Context(), userID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}
	if positions == nil {
		positions = []domain.PerpPosition{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// GetPosition returns a single position by its ID.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing position id")
		return
	}

	pos, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrPositionNotFound) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get position failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get position")
		return
	}

	writeJSON(w, http.StatusOK, pos)
}

// openPositionRequest is the JSON body for opening a leveraged position.
type openPositionRequest struct {
	UserID   string `json:"user_id"`
	Ticker   string `json:"ticker"`
	Side     string `json:"side"`
	Margin   string `json:"margin"`
	Leverage string `json:"leverage"`
}

// OpenPosition opens a leveraged perpetual position.
// POST /api/positions
func (h *PositionHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" || req.Ticker == "" {
		writeError(w, http.StatusBadRequest, "user_id and ticker are required")
		return
	}

	margin, err := parseAmount(req.Margin)
	if err != nil {
		writeError(w, http.StatusBadRequest, "margin must be a positive decimal")
		return
	}
	leverage, err := parseAmount(req.Leverage)
	if err != nil {
		writeError(w, http.StatusBadRequest, "leverage must be a positive decimal")
		return
	}

	pos, err := h.positions.OpenPosition(r.Context(), req.UserID, req.Ticker, req.Side, margin, leverage)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidSide):
			writeError(w, http.StatusBadRequest, "side must be long or short")
		case errors.Is(err, domain.ErrInvalidAmount):
			writeError(w, http.StatusBadRequest, "invalid amount")
		case errors.Is(err, domain.ErrInsufficientBalance):
			writeError(w, http.StatusUnprocessableEntity, "insufficient balance")
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusUnprocessableEntity, "no price available for ticker")
		default:
			h.logger.ErrorContext(r.Context(), "handler: open position failed",
				slog.String("user_id", req.UserID),
				slog.String("ticker", req.Ticker),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to open position")
		}
		return
	}

	writeJSON(w, http.StatusCreated, pos)
}

// ClosePosition closes an open position at its last marked price.
// DELETE /api/positions/{id}
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing position id")
		return
	}

	realized, err := h.positions.ClosePosition(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrPositionNotFound) {
			writeError(w, http.StatusNotFound, "position not found or already closed")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: close position failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to close position")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "closed",
		"position_id":  id,
		"realized_pnl": realized.String(),
	})
}
