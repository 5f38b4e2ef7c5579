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

// PositionStore implements domain.PerpPositionStore using PostgreSQL. Rows
// for open positions are trailing snapshots of the in-memory engine; the
// reconciliation sweep refreshes them via UpsertMarks.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionCols = `id, user_id, ticker, side, margin, leverage, size,
	entry_price, current_price, liquidation_price, unrealized_pnl,
	status, opened_at, closed_at, exit_price, realized_pnl, mark_version`

// Create inserts a newly opened position.
func (s *PositionStore) Create(ctx context.Context, pos domain.PerpPosition) error {
	const query = `
		INSERT INTO perp_positions (
			id, user_id, ticker, side, margin, leverage, size,
			entry_price, current_price, liquidation_price, unrealized_pnl,
			status, opened_at, mark_version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := s.pool.Exec(ctx, query,
		pos.ID, pos.UserID, pos.Ticker, string(pos.Side),
		pos.Margin, pos.Leverage, pos.Size,
		pos.EntryPrice, pos.CurrentPrice, pos.LiquidationPrice, pos.UnrealizedPnL,
		string(pos.Status), pos.OpenedAt, pos.MarkVersion,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create position %s: %w", pos.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create position %s: %w", pos.ID, err)
	}
	return nil
}

// UpsertMarks applies reconciliation-sweep snapshots in a single batch. The
// mark_version guard keeps repeated sweeps idempotent and protects a
// concurrent close: only a newer mark on a still-open row is applied.
func (s *PositionStore) UpsertMarks(ctx context.Context, marks []domain.PositionMark) error {
	if len(marks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		UPDATE perp_positions
		SET current_price = $2, unrealized_pnl = $3, mark_version = $4
		WHERE id = $1 AND status = 'open' AND mark_version < $4`

	for _, m := range marks {
		batch.Queue(query, m.ID, m.CurrentPrice, m.UnrealizedPnL, m.MarkVersion)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range marks {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert mark batch item %d: %w", i, err)
		}
	}
	return nil
}

// Close finalizes a position row. The status guard makes a second close a
// no-op, surfacing as ErrPositionNotFound.
func (s *PositionStore) Close(ctx context.Context, id string, exitPrice, realizedPnL decimal.Decimal, status domain.PositionStatus) error {
	const query = `
		UPDATE perp_positions
		SET status = $2, exit_price = $3, realized_pnl = $4,
		    current_price = $3, unrealized_pnl = 0, closed_at = NOW()
		WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, id, string(status), exitPrice, realizedPnL)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: close position %s: %w", id, domain.ErrPositionNotFound)
	}
	return nil
}

// scanPosition scans a single position row.
func scanPosition(row pgx.Row) (domain.PerpPosition, error) {
	var p domain.PerpPosition
	var side, status string
	err := row.Scan(
		&p.ID, &p.UserID, &p.Ticker, &side,
		&p.Margin, &p.Leverage, &p.Size,
		&p.EntryPrice, &p.CurrentPrice, &p.LiquidationPrice, &p.UnrealizedPnL,
		&status, &p.OpenedAt, &p.ClosedAt, &p.ExitPrice, &p.RealizedPnL, &p.MarkVersion,
	)
	if err != nil {
		return domain.PerpPosition{}, err
	}
	p.Side = domain.PositionSide(side)
	p.Status = domain.PositionStatus(status)
	return p, nil
}

// GetByID retrieves a position by its primary key.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.PerpPosition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM perp_positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PerpPosition{}, domain.ErrPositionNotFound
		}
		return domain.PerpPosition{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

func (s *PositionStore) listOpen(ctx context.Context, query string, args ...any) ([]domain.PerpPosition, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.PerpPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan open position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list open positions rows: %w", err)
	}
	return positions, nil
}

// ListOpen returns all open positions, used to restore the in-memory engine
// at startup.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.PerpPosition, error) {
	return s.listOpen(ctx,
		`SELECT `+positionCols+` FROM perp_positions WHERE status = 'open' ORDER BY opened_at`)
}

// ListOpenByUser returns a user's open positions.
func (s *PositionStore) ListOpenByUser(ctx context.Context, userID string) ([]domain.PerpPosition, error) {
	return s.listOpen(ctx,
		`SELECT `+positionCols+` FROM perp_positions WHERE status = 'open' AND user_id = $1 ORDER BY opened_at`,
		userID)
}

var _ domain.PerpPositionStore = (*PositionStore)(nil)
