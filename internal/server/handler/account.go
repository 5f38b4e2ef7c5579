package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/babylonsim/marketcore/internal/domain"
)

// AccountHandler serves per-user balance, ledger, and fee-history endpoints.
type AccountHandler struct {
	ledger domain.LedgerStore
	fees   domain.FeeStore
	users  domain.UserStore
	logger *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(ledger domain.LedgerStore, fees domain.FeeStore, users domain.UserStore, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		ledger: ledger,
		fees:   fees,
		users:  users,
		logger: logger,
	}
}

// GetBalance returns the user's current balance and lifetime fee counters.
// GET /api/users/{id}/balance
func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get user failed",
			slog.String("user_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get user")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"user_id":              user.ID,
		"balance":              user.Balance.String(),
		"lifetime_fees_paid":   user.LifetimeFeesPaid.String(),
		"lifetime_fees_earned": user.LifetimeFeesEarned.String(),
	})
}

// ListEntries returns the user's ledger entries, newest first.
// GET /api/users/{id}/entries?limit=50&offset=0
func (h *AccountHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	entries, err := h.ledger.ListByUser(r.Context(), id, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list entries failed",
			slog.String("user_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list ledger entries")
		return
	}
	if entries == nil {
		entries = []domain.BalanceEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ListFees returns the user's trading-fee history, newest first.
// GET /api/users/{id}/fees?limit=50&offset=0
func (h *AccountHandler) ListFees(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	records, err := h.fees.ListByUser(r.Context(), id, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list fees failed",
			slog.String("user_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list fees")
		return
	}
	if records == nil {
		records = []domain.TradingFeeRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"fees": records})
}
