package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide is the direction of a leveraged perpetual position.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// ParsePositionSide normalises a user-supplied direction string. It returns
// ErrInvalidSide for anything other than "long" or "short".
func ParsePositionSide(s string) (PositionSide, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long":
		return SideLong, nil
	case "short":
		return SideShort, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSide, s)
	}
}

// PositionStatus tracks the perpetual position state machine:
// open → closed | liquidated. Only open positions receive price ticks.
type PositionStatus string

const (
	PerpStatusOpen       PositionStatus = "open"
	PerpStatusClosed     PositionStatus = "closed"
	PerpStatusLiquidated PositionStatus = "liquidated"
)

// PerpPosition is one leveraged perpetual position. While open it is owned
// exclusively by the in-memory perps engine; the durable row is a trailing
// snapshot refreshed by the reconciliation sweep.
type PerpPosition struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	Ticker           string           `json:"ticker"`
	Side             PositionSide     `json:"side"`
	Margin           decimal.Decimal  `json:"margin"`
	Leverage         decimal.Decimal  `json:"leverage"`
	Size             decimal.Decimal  `json:"size"` // notional: margin × leverage
	EntryPrice       decimal.Decimal  `json:"entry_price"`
	CurrentPrice     decimal.Decimal  `json:"current_price"`
	LiquidationPrice decimal.Decimal  `json:"liquidation_price"`
	UnrealizedPnL    decimal.Decimal  `json:"unrealized_pnl"`
	Status           PositionStatus   `json:"status"`
	OpenedAt         time.Time        `json:"opened_at"`
	ClosedAt         *time.Time       `json:"closed_at,omitempty"`
	ExitPrice        *decimal.Decimal `json:"exit_price,omitempty"`
	RealizedPnL      decimal.Decimal  `json:"realized_pnl"`

	// MarkVersion increments on every in-memory mark; the reconciliation
	// sweep uses it to make repeated flushes idempotent.
	MarkVersion int64 `json:"-"`
}

// PositionMark is the subset of position state pushed to durable storage by
// the reconciliation sweep.
type PositionMark struct {
	ID            string
	CurrentPrice  decimal.Decimal
	UnrealizedPnL decimal.Decimal
	MarkVersion   int64
}

// Mark returns the reconciliation snapshot of the position.
func (p PerpPosition) Mark() PositionMark {
	return PositionMark{
		ID:            p.ID,
		CurrentPrice:  p.CurrentPrice,
		UnrealizedPnL: p.UnrealizedPnL,
		MarkVersion:   p.MarkVersion,
	}
}
