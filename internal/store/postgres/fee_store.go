package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/babylonsim/marketcore/internal/domain"
)

// FeeStore implements domain.FeeStore using PostgreSQL.
type FeeStore struct {
	pool *pgxpool.Pool
}

// NewFeeStore creates a new FeeStore backed by the given connection pool.
func NewFeeStore(pool *pgxpool.Pool) *FeeStore {
	return &FeeStore{pool: pool}
}

const feeCols = `id, user_id, trade_type, fee_amount, platform_fee,
	referrer_fee, referrer_id, ref_id, created_at`

// Record lands a fee settlement in one transaction: the fee record, the
// payer's lifetime counter, and when a referrer exists its payout ledger
// entry, balance credit, and earned counter. A fee is never charged without
// being recorded, and a partial settlement never survives a crash.
func (s *FeeStore) Record(ctx context.Context, settle domain.FeeSettlement) error {
	rec := settle.Record

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin fee settlement: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertFee = `
		INSERT INTO trading_fees (
			id, user_id, trade_type, fee_amount, platform_fee,
			referrer_fee, referrer_id, ref_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`
	tag, err := tx.Exec(ctx, insertFee,
		rec.ID, rec.UserID, rec.TradeType, rec.FeeAmount, rec.PlatformFee,
		rec.ReferrerFee, rec.ReferrerID, rec.RefID, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert fee record %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		// Retry of an already-landed settlement.
		return nil
	}

	const bumpPaid = `
		UPDATE users SET lifetime_fees_paid = lifetime_fees_paid + $2
		WHERE id = $1`
	if _, err := tx.Exec(ctx, bumpPaid, rec.UserID, rec.FeeAmount); err != nil {
		return fmt.Errorf("postgres: bump fees paid for %s: %w", rec.UserID, err)
	}

	if p := settle.ReferrerPayout; p != nil {
		const insertEntry = `
			INSERT INTO ledger_entries (id, user_id, kind, amount, ref_id, memo, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING`
		if _, err := tx.Exec(ctx, insertEntry,
			p.ID, p.UserID, string(p.Kind), p.Amount, p.RefID, p.Memo, p.CreatedAt,
		); err != nil {
			return fmt.Errorf("postgres: insert referral payout %s: %w", p.ID, err)
		}

		const creditReferrer = `
			UPDATE users
			SET balance = balance + $2,
			    lifetime_fees_earned = lifetime_fees_earned + $2
			WHERE id = $1`
		if _, err := tx.Exec(ctx, creditReferrer, p.UserID, p.Amount); err != nil {
			return fmt.Errorf("postgres: credit referrer %s: %w", p.UserID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit fee settlement %s: %w", rec.ID, err)
	}
	return nil
}

func scanFee(row pgx.Row) (domain.TradingFeeRecord, error) {
	var r domain.TradingFeeRecord
	err := row.Scan(
		&r.ID, &r.UserID, &r.TradeType, &r.FeeAmount, &r.PlatformFee,
		&r.ReferrerFee, &r.ReferrerID, &r.RefID, &r.CreatedAt,
	)
	return r, err
}

func (s *FeeStore) list(ctx context.Context, query string, args ...any) ([]domain.TradingFeeRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fee records: %w", err)
	}
	defer rows.Close()

	var records []domain.TradingFeeRecord
	for rows.Next() {
		r, err := scanFee(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan fee record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list fee records rows: %w", err)
	}
	return records, nil
}

// ListByUser returns a user's fee records, newest first.
func (s *FeeStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.TradingFeeRecord, error) {
	query := `SELECT ` + feeCols + ` FROM trading_fees WHERE user_id = $1`
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

// ListBefore returns fee records older than cutoff, oldest first, for the
// archive sweep.
func (s *FeeStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.TradingFeeRecord, error) {
	return s.list(ctx,
		`SELECT `+feeCols+` FROM trading_fees WHERE created_at < $1 ORDER BY created_at LIMIT $2`,
		cutoff, limit)
}

// DeleteBefore removes fee records older than cutoff after they have been
// archived. It returns the number of rows removed.
func (s *FeeStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM trading_fees WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete fee records before %s: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}

var _ domain.FeeStore = (*FeeStore)(nil)
