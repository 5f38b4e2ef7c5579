package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/babylonsim/marketcore/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketCols = `id, question_id, question, yes_shares, no_shares,
	liquidity, status, outcome, created_at, resolved_at, updated_at`

// Create inserts a new market. A market for the same question fails with
// ErrAlreadyExists.
func (s *MarketStore) Create(ctx context.Context, m domain.PredictionMarket) error {
	const query = `
		INSERT INTO prediction_markets (
			id, question_id, question, yes_shares, no_shares,
			liquidity, status, outcome, created_at, resolved_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())`

	_, err := s.pool.Exec(ctx, query,
		m.ID, m.QuestionID, m.Question, m.YesShares, m.NoShares,
		m.Liquidity, string(m.Status), m.Outcome, m.CreatedAt, m.ResolvedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create market %s: %w", m.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}
	return nil
}

// scanMarket scans a single market row into a domain.PredictionMarket.
func scanMarket(row pgx.Row) (domain.PredictionMarket, error) {
	var m domain.PredictionMarket
	var status string
	err := row.Scan(
		&m.ID, &m.QuestionID, &m.Question, &m.YesShares, &m.NoShares,
		&m.Liquidity, &status, &m.Outcome, &m.CreatedAt, &m.ResolvedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.PredictionMarket{}, err
	}
	m.Status = domain.MarketStatus(status)
	return m, nil
}

// GetByID retrieves a market by its primary key.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.PredictionMarket, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM prediction_markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PredictionMarket{}, domain.ErrNotFound
		}
		return domain.PredictionMarket{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// GetByQuestionID retrieves the market backing a question.
func (s *MarketStore) GetByQuestionID(ctx context.Context, questionID string) (domain.PredictionMarket, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM prediction_markets WHERE question_id = $1`, questionID)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PredictionMarket{}, domain.ErrNotFound
		}
		return domain.PredictionMarket{}, fmt.Errorf("postgres: get market by question %s: %w", questionID, err)
	}
	return m, nil
}

// UpdatePools replaces the AMM pool state after a trade. The status guard
// makes the write a no-op on a resolved market, which surfaces as
// ErrMarketClosed.
func (s *MarketStore) UpdatePools(ctx context.Context, id string, yes, no, liquidity decimal.Decimal) error {
	const query = `
		UPDATE prediction_markets
		SET yes_shares = $2, no_shares = $3, liquidity = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, id, yes, no, liquidity)
	if err != nil {
		return fmt.Errorf("postgres: update pools %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("postgres: update pools %s: %w", id, domain.ErrMarketClosed)
	}
	return nil
}

// Resolve freezes the market with its final outcome. The status guard makes
// a second resolve fail with ErrMarketClosed.
func (s *MarketStore) Resolve(ctx context.Context, id string, outcome bool) error {
	const query = `
		UPDATE prediction_markets
		SET status = 'resolved', outcome = $2, resolved_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, id, outcome)
	if err != nil {
		return fmt.Errorf("postgres: resolve market %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("postgres: resolve market %s: %w", id, domain.ErrMarketClosed)
	}
	return nil
}

// Delete removes a market that never became tradable, used to unwind a
// creation whose outcome commitment failed. The status guard refuses to
// delete anything that is not open.
func (s *MarketStore) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM prediction_markets WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("postgres: delete market %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("postgres: delete market %s: %w", id, domain.ErrMarketClosed)
	}
	return nil
}

// ListOpen returns open markets with pagination and optional time filtering.
func (s *MarketStore) ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.PredictionMarket, error) {
	query := `SELECT ` + marketCols + ` FROM prediction_markets WHERE status = 'open'`
	args := []any{}
	argIdx := 1

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

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.PredictionMarket
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan open market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list open markets rows: %w", err)
	}
	return markets, nil
}

var _ domain.MarketStore = (*MarketStore)(nil)
