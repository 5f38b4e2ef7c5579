package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/babylonsim/marketcore/internal/domain"
)

// LedgerStore implements domain.LedgerStore using PostgreSQL. The ledger is
// the system of record for realized settlement; every balance mutation goes
// through Append.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

const ledgerCols = `id, user_id, kind, amount, ref_id, memo, created_at`

// Append inserts the entry and applies its balance delta in one
// transaction. Re-appending an entry id is a no-op so retries cannot
// double-apply a delta.
func (s *LedgerStore) Append(ctx context.Context, e domain.BalanceEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin ledger append: %w", err)
	}
	defer tx.Rollback(ctx)

	const insert = `
		INSERT INTO ledger_entries (id, user_id, kind, amount, ref_id, memo, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`
	tag, err := tx.Exec(ctx, insert,
		e.ID, e.UserID, string(e.Kind), e.Amount, e.RefID, e.Memo, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert ledger entry %s: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		// Retry of an already-applied entry.
		return nil
	}

	const applyDelta = `UPDATE users SET balance = balance + $2 WHERE id = $1`
	dtag, err := tx.Exec(ctx, applyDelta, e.UserID, e.Amount)
	if err != nil {
		return fmt.Errorf("postgres: apply balance delta for %s: %w", e.UserID, err)
	}
	if dtag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: ledger append for %s: %w", e.UserID, domain.ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit ledger entry %s: %w", e.ID, err)
	}
	return nil
}

// Balance returns the user's current balance.
func (s *LedgerStore) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.pool.QueryRow(ctx,
		`SELECT balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, domain.ErrNotFound
		}
		return decimal.Zero, fmt.Errorf("postgres: balance for %s: %w", userID, err)
	}
	return balance, nil
}

func scanEntry(row pgx.Row) (domain.BalanceEntry, error) {
	var e domain.BalanceEntry
	var kind string
	err := row.Scan(&e.ID, &e.UserID, &kind, &e.Amount, &e.RefID, &e.Memo, &e.CreatedAt)
	if err != nil {
		return domain.BalanceEntry{}, err
	}
	e.Kind = domain.EntryKind(kind)
	return e, nil
}

func (s *LedgerStore) list(ctx context.Context, query string, args ...any) ([]domain.BalanceEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.BalanceEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list ledger entries rows: %w", err)
	}
	return entries, nil
}

// ListByUser returns a user's ledger entries, newest first.
func (s *LedgerStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.BalanceEntry, error) {
	query := `SELECT ` + ledgerCols + ` FROM ledger_entries WHERE user_id = $1`
	args := []any{userID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	return s.list(ctx, query, args...)
}

// ListBefore returns ledger entries older than cutoff, oldest first, for
// the archive sweep.
func (s *LedgerStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.BalanceEntry, error) {
	return s.list(ctx,
		`SELECT `+ledgerCols+` FROM ledger_entries WHERE created_at < $1 ORDER BY created_at LIMIT $2`,
		cutoff, limit)
}

// DeleteBefore removes ledger entries older than cutoff after they have
// been archived. Balances are unaffected; deltas were applied at append
// time. It returns the number of rows removed.
func (s *LedgerStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM ledger_entries WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete ledger entries before %s: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.LedgerStore = (*LedgerStore)(nil)
