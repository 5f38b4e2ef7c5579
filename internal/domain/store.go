package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists prediction markets.
type MarketStore interface {
	Create(ctx context.Context, m PredictionMarket) error
	GetByID(ctx context.Context, id string) (PredictionMarket, error)
	GetByQuestionID(ctx context.Context, questionID string) (PredictionMarket, error)
	// UpdatePools replaces the AMM pool state after a trade. It fails with
	// ErrMarketClosed if the market is no longer open.
	UpdatePools(ctx context.Context, id string, yes, no, liquidity decimal.Decimal) error
	// Resolve freezes the market with its final outcome. Resolving an
	// already-resolved market fails with ErrMarketClosed.
	Resolve(ctx context.Context, id string, outcome bool) error
	// Delete removes a market that never became tradable. It refuses to
	// touch a market that is not open.
	Delete(ctx context.Context, id string) error
	ListOpen(ctx context.Context, opts ListOpts) ([]PredictionMarket, error)
}

// PerpPositionStore persists perpetual positions. Open rows are trailing
// snapshots of the in-memory engine; closed/liquidated rows are final.
type PerpPositionStore interface {
	Create(ctx context.Context, pos PerpPosition) error
	// UpsertMarks applies reconciliation-sweep snapshots. A mark is only
	// applied when its MarkVersion is newer than the stored one, making
	// repeated sweeps idempotent.
	UpsertMarks(ctx context.Context, marks []PositionMark) error
	Close(ctx context.Context, id string, exitPrice, realizedPnL decimal.Decimal, status PositionStatus) error
	GetByID(ctx context.Context, id string) (PerpPosition, error)
	ListOpen(ctx context.Context) ([]PerpPosition, error)
	ListOpenByUser(ctx context.Context, userID string) ([]PerpPosition, error)
}

// FeeStore persists trading-fee records. Record lands the whole settlement
// (record + counters + referral payout) in a single transaction so a fee is
// never charged without being recorded.
type FeeStore interface {
	Record(ctx context.Context, s FeeSettlement) error
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]TradingFeeRecord, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]TradingFeeRecord, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// LedgerStore persists the append-only balance ledger. Append inserts the
// entry and applies the balance delta in one transaction; re-appending an
// entry id is a no-op so retries cannot double-apply.
type LedgerStore interface {
	Append(ctx context.Context, e BalanceEntry) error
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]BalanceEntry, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]BalanceEntry, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// UserStore reads engine-relevant account state.
type UserStore interface {
	GetByID(ctx context.Context, id string) (User, error)
	// GetReferrer returns the id of the user's referrer, or ErrNotFound
	// when the user has none.
	GetReferrer(ctx context.Context, userID string) (string, error)
}

// OracleStore persists commit-reveal sessions.
type OracleStore interface {
	// Create fails with ErrAlreadyExists if the question already has a
	// commitment; a session is never re-committed.
	Create(ctx context.Context, c OracleCommitment) error
	GetByQuestionID(ctx context.Context, questionID string) (OracleCommitment, error)
	GetBySessionID(ctx context.Context, sessionID string) (OracleCommitment, error)
	// SetCommitTx records the on-chain commit transaction for a pending
	// session.
	SetCommitTx(ctx context.Context, sessionID, txHash string, block uint64) error
	// MarkRevealed transitions the session to revealed exactly once; a
	// second call fails with ErrAlreadyRevealed.
	MarkRevealed(ctx context.Context, sessionID, revealTxHash string) error
	// Delete removes a commitment that never reached the chain.
	Delete(ctx context.Context, sessionID string) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
