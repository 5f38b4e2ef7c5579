package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// FeeBreakdown is the pure result of applying the fee schedule to a gross
// trade amount. When the computed fee rounds below the configured minimum
// the whole breakdown is zero-fee and NetAmount equals the gross amount.
type FeeBreakdown struct {
	FeeAmount     decimal.Decimal
	NetAmount     decimal.Decimal
	PlatformShare decimal.Decimal
	ReferrerShare decimal.Decimal
}

// FeeOutcome reports what actually happened when a trading fee was
// processed, including the referrer resolution.
type FeeOutcome struct {
	FeeCharged       decimal.Decimal
	PlatformReceived decimal.Decimal
	ReferrerPaid     decimal.Decimal
	ReferrerID       string // empty when the trader has no referrer
}

// TradingFeeRecord is the immutable append-only record of one fee-bearing
// trade. Written once, never mutated.
type TradingFeeRecord struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	TradeType   string          `json:"trade_type"`
	FeeAmount   decimal.Decimal `json:"fee_amount"`
	PlatformFee decimal.Decimal `json:"platform_fee"`
	ReferrerFee decimal.Decimal `json:"referrer_fee"`
	ReferrerID  *string         `json:"referrer_id,omitempty"`
	RefID       string          `json:"ref_id"` // id of the trade / ledger entry that bore the fee
	CreatedAt   time.Time       `json:"created_at"`
}

// FeeSettlement bundles everything the fee store must land atomically:
// the fee record, the payer's lifetime counter bump, and (when a referrer
// exists) the referrer's balance credit with its ledger entry.
type FeeSettlement struct {
	Record         TradingFeeRecord
	ReferrerPayout *BalanceEntry // nil when no referrer
}
