package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/babylonsim/marketcore/internal/domain"
)

// UserStore implements domain.UserStore using PostgreSQL.
type UserStore struct {
	pool *pgxpool.Pool
}

// NewUserStore creates a new UserStore backed by the given connection pool.
func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

// GetByID retrieves a user by id.
func (s *UserStore) GetByID(ctx context.Context, id string) (domain.User, error) {
	const query = `
		SELECT id, balance, referrer_id, lifetime_fees_paid,
		       lifetime_fees_earned, created_at
		FROM users WHERE id = $1`

	var u domain.User
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&u.ID, &u.Balance, &u.ReferrerID,
		&u.LifetimeFeesPaid, &u.LifetimeFeesEarned, &u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, domain.ErrNotFound
		}
		return domain.User{}, fmt.Errorf("postgres: get user %s: %w", id, err)
	}
	return u, nil
}

// GetReferrer returns the id of the user's referrer, or ErrNotFound when
// the user has none.
func (s *UserStore) GetReferrer(ctx context.Context, userID string) (string, error) {
	var referrerID *string
	err := s.pool.QueryRow(ctx,
		`SELECT referrer_id FROM users WHERE id = $1`, userID).Scan(&referrerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("postgres: get referrer for %s: %w", userID, err)
	}
	if referrerID == nil || *referrerID == "" {
		return "", domain.ErrNotFound
	}
	return *referrerID, nil
}

var _ domain.UserStore = (*UserStore)(nil)
