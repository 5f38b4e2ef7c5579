// Package domain defines the core entities of the market engine together
// with the store and cache interfaces implemented by the adapters in
// internal/store and internal/cache.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MarketSide is the outcome side of a binary prediction market.
type MarketSide string

const (
	SideYes MarketSide = "yes"
	SideNo  MarketSide = "no"
)

// ParseMarketSide normalises a user-supplied side string. It returns
// ErrInvalidSide for anything other than "yes" or "no".
func ParseMarketSide(s string) (MarketSide, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes":
		return SideYes, nil
	case "no":
		return SideNo, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSide, s)
	}
}

// Opposite returns the other side of the market.
func (s MarketSide) Opposite() MarketSide {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// MarketStatus tracks the lifecycle of a prediction market. A market is
// frozen the moment its backing question resolves; no trade may mutate it
// afterwards.
type MarketStatus string

const (
	MarketStatusOpen     MarketStatus = "open"
	MarketStatusResolved MarketStatus = "resolved"
)

// PredictionMarket is the AMM state for one binary question. YesShares and
// NoShares are strictly positive after every trade; Liquidity accumulates
// net trade volume.
type PredictionMarket struct {
	ID         string          `json:"id"`
	QuestionID string          `json:"question_id"`
	Question   string          `json:"question"`
	YesShares  decimal.Decimal `json:"yes_shares"`
	NoShares   decimal.Decimal `json:"no_shares"`
	Liquidity  decimal.Decimal `json:"liquidity"`
	Status     MarketStatus    `json:"status"`
	Outcome    *bool           `json:"outcome,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ImpliedProbability returns the implied YES probability,
// yesShares / (yesShares + noShares). Both pools are positive by
// invariant, so the result is strictly inside (0, 1).
func (m PredictionMarket) ImpliedProbability() decimal.Decimal {
	total := m.YesShares.Add(m.NoShares)
	if total.IsZero() {
		return decimal.NewFromFloat(0.5)
	}
	return m.YesShares.Div(total)
}

// Open reports whether the market still accepts trades.
func (m PredictionMarket) Open() bool {
	return m.Status == MarketStatusOpen
}
