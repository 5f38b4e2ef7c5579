package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryKind classifies a balance-ledger entry.
type EntryKind string

const (
	EntryDeposit        EntryKind = "deposit"
	EntryWithdrawal     EntryKind = "withdrawal"
	EntryTrade          EntryKind = "trade"
	EntryPayout         EntryKind = "payout"
	EntryFee            EntryKind = "fee"
	EntryMargin         EntryKind = "margin"
	EntrySettlement     EntryKind = "settlement"
	EntryLiquidation    EntryKind = "liquidation"
	EntryReferralPayout EntryKind = "referral_payout"
)

// BalanceEntry is one append-only row in the balance ledger. The ledger is
// the system of record for realized settlement: every balance mutation has
// exactly one entry, keyed by an idempotent transaction id.
type BalanceEntry struct {
	ID        string          `json:"id"` // idempotent transaction id
	UserID    string          `json:"user_id"`
	Kind      EntryKind       `json:"kind"`
	Amount    decimal.Decimal `json:"amount"` // positive credit, negative debit
	RefID     string          `json:"ref_id"` // market id, position id, or fee record id
	Memo      string          `json:"memo,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
