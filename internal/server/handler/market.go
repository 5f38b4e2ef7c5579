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

// MarketService defines the methods that the market handler requires from the
// service layer. It is declared locally so the handler package does not depend
// on the concrete service implementation.
type MarketService interface {
	Create(ctx context.Context, req service.CreateMarketRequest) (domain.PredictionMarket, error)
	Resolve(ctx context.Context, marketID string, outcome bool, winners []string, payoutPool decimal.Decimal) (service.ResolveResult, error)
	Get(ctx context.Context, id string) (domain.PredictionMarket, error)
	ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.PredictionMarket, error)
}

// MarketHandler serves market-lifecycle HTTP endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logger,
	}
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []domain.PredictionMarket `json:"markets"`
	Limit   int                       `json:"limit"`
	Offset  int                       `json:"offset"`
}

// ListMarkets returns open markets with pagination.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	markets, err := h.markets.ListOpen(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list markets")
		return
	}
	if markets == nil {
		markets = []domain.PredictionMarket{}
	}

	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: markets,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	market, err := h.markets.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "market not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get market failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get market")
		return
	}

	writeJSON(w, http.StatusOK, market)
}

// createMarketRequest is the JSON body for market creation.
type createMarketRequest struct {
	QuestionID     string `json:"question_id"`
	QuestionNumber int    `json:"question_number"`
	Question       string `json:"question"`
	Category       string `json:"category"`
	Outcome        bool   `json:"outcome"`
	SeedLiquidity  string `json:"seed_liquidity"`
}

// CreateMarket opens a new market and commits its outcome to the oracle.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.QuestionID == "" || req.Question == "" {
		writeError(w, http.StatusBadRequest, "question_id and question are required")
		return
	}

	seed, err := parseAmount(req.SeedLiquidity)
	if err != nil {
		writeError(w, http.StatusBadRequest, "seed_liquidity must be a positive decimal")
		return
	}

	market, err := h.markets.Create(r.Context(), service.CreateMarketRequest{
		QuestionID:     req.QuestionID,
		QuestionNumber: req.QuestionNumber,
		Question:       req.Question,
		Category:       req.Category,
		Outcome:        req.Outcome,
		SeedLiquidity:  seed,
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "market already exists for question")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: create market failed",
			slog.String("question_id", req.QuestionID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to create market")
		return
	}

	writeJSON(w, http.StatusCreated, market)
}

// resolveMarketRequest is the JSON body for market resolution.
type resolveMarketRequest struct {
	Outcome    bool     `json:"outcome"`
	Winners    []string `json:"winners"`
	PayoutPool string   `json:"payout_pool"`
}

// ResolveMarket reveals the committed outcome and freezes the market.
// POST /api/markets/{id}/resolve
func (h *MarketHandler) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	var req resolveMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	payoutPool := decimal.Zero
	if req.PayoutPool != "" {
		var err error
		payoutPool, err = parseAmount(req.PayoutPool)
		if err != nil {
			writeError(w, http.StatusBadRequest, "payout_pool must be a positive decimal")
			return
		}
	}

	result, err := h.markets.Resolve(r.Context(), id, req.Outcome, req.Winners, payoutPool)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "market not found")
		case errors.Is(err, domain.ErrMarketClosed):
			writeError(w, http.StatusConflict, "market already resolved")
		case errors.Is(err, domain.ErrLockHeld):
			writeError(w, http.StatusConflict, "resolution already in progress")
		case errors.Is(err, domain.ErrNoCommitment):
			writeError(w, http.StatusConflict, "no outcome commitment for market")
		case errors.Is(err, domain.ErrOutcomeMismatch):
			writeError(w, http.StatusConflict, "outcome does not match commitment")
		case errors.Is(err, domain.ErrOracleUnavailable):
			writeError(w, http.StatusServiceUnavailable, "oracle unavailable, retry later")
		default:
			h.logger.ErrorContext(r.Context(), "handler: resolve market failed",
				slog.String("market_id", id),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to resolve market")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":  result.MarketID,
		"outcome":    result.Outcome,
		"session_id": result.SessionID,
		"tx_hash":    result.TxHash,
	})
}
