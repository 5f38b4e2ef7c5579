package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/babylonsim/marketcore/internal/domain"
	"github.com/babylonsim/marketcore/internal/service"
)

// TradeService defines the prediction-market operations the trade handler
// requires from the service layer.
type TradeService interface {
	BuyShares(ctx context.Context, userID, marketID, side string, amount decimal.Decimal) (service.TradeResult, error)
	SellShares(ctx context.Context, userID, marketID, side string, shares decimal.Decimal) (service.TradeResult, error)
}

// TradeHandler serves prediction-market trade endpoints.
type TradeHandler struct {
	trades TradeService
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler with the given service and logger.
func NewTradeHandler(trades TradeService, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{
		trades: trades,
		logger: logger,
	}
}

// buyRequest is the JSON body for a share purchase.
type buyRequest struct {
	UserID   string `json:"user_id"`
	MarketID string `json:"market_id"`
	Side     string `json:"side"`
	Amount   string `json:"amount"`
}

// tradeResponse is the JSON shape of a completed trade.
type tradeResponse struct {
	SharesBought string `json:"shares_bought,omitempty"`
	AvgPrice     string `json:"avg_price"`
	FeeCharged   string `json:"fee_charged"`
	NetAmount    string `json:"net_amount,omitempty"`
	Payout       string `json:"payout,omitempty"`
}

// BuyShares executes a share purchase.
// POST /api/trades/buy
func (h *TradeHandler) BuyShares(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" || req.MarketID == "" {
		writeError(w, http.StatusBadRequest, "user_id and market_id are required")
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a positive decimal")
		return
	}

	result, err := h.trades.BuyShares(r.Context(), req.UserID, req.MarketID, req.Side, amount)
	if err != nil {
		h.writeTradeError(w, r, "buy", err)
		return
	}

	writeJSON(w, http.StatusCreated, tradeResponse{
		SharesBought: result.SharesBought.String(),
		AvgPrice:     result.AvgPrice.String(),
		FeeCharged:   result.FeeCharged.String(),
		NetAmount:    result.NetAmount.String(),
	})
}

// sellRequest is the JSON body for a share sale.
type sellRequest struct {
	UserID   string `json:"user_id"`
	MarketID string `json:"market_id"`
	Side     string `json:"side"`
	Shares   string `json:"shares"`
}

// SellShares converts held shares back into a payout.
// POST /api/trades/sell
func (h *TradeHandler) SellShares(w http.ResponseWriter, r *http.Request) {
	var req sellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" || req.MarketID == "" {
		writeError(w, http.StatusBadRequest, "user_id and market_id are required")
		return
	}

	shares, err := parseAmount(req.Shares)
	if err != nil {
		writeError(w, http.StatusBadRequest, "shares must be a positive decimal")
		return
	}

	result, err := h.trades.SellShares(r.Context(), req.UserID, req.MarketID, req.Side, shares)
	if err != nil {
		h.writeTradeError(w, r, "sell", err)
		return
	}

	writeJSON(w, http.StatusCreated, tradeResponse{
		AvgPrice:   result.AvgPrice.String(),
		FeeCharged: result.FeeCharged.String(),
		Payout:     result.Payout.String(),
	})
}

// writeTradeError maps domain errors onto HTTP statuses shared by the buy
// and sell paths.
func (h *TradeHandler) writeTradeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidSide):
		writeError(w, http.StatusBadRequest, "side must be yes or no")
	case errors.Is(err, domain.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "invalid amount")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "market not found")
	case errors.Is(err, domain.ErrMarketClosed):
		writeError(w, http.StatusConflict, "market is closed")
	case errors.Is(err, domain.ErrInsufficientBalance):
		writeError(w, http.StatusUnprocessableEntity, "insufficient balance")
	default:
		h.logger.ErrorContext(r.Context(), "handler: trade failed",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "trade failed")
	}
}
