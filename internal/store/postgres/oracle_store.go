package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/babylonsim/marketcore/internal/domain"
)

// OracleStore implements domain.OracleStore using PostgreSQL.
type OracleStore struct {
	pool *pgxpool.Pool
}

// NewOracleStore creates a new OracleStore backed by the given connection pool.
func NewOracleStore(pool *pgxpool.Pool) *OracleStore {
	return &OracleStore{pool: pool}
}

const oracleCols = `session_id, question_id, question_number, question, category,
	commitment_hash, outcome, salt, revealed, commit_tx_hash, commit_block,
	reveal_tx_hash, committed_at, revealed_at`

// Create inserts a new commitment. The unique constraint on question_id
// guarantees a question is never committed twice.
func (s *OracleStore) Create(ctx context.Context, c domain.OracleCommitment) error {
	const query = `
		INSERT INTO oracle_commitments (
			session_id, question_id, question_number, question, category,
			commitment_hash, outcome, salt, revealed, commit_tx_hash,
			commit_block, committed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9, $10, $11)`

	_, err := s.pool.Exec(ctx, query,
		c.SessionID, c.QuestionID, c.QuestionNumber, c.Question, c.Category,
		c.CommitmentHash, c.Outcome, c.Salt, c.CommitTxHash, c.CommitBlock,
		c.CommittedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create commitment for %s: %w", c.QuestionID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create commitment %s: %w", c.SessionID, err)
	}
	return nil
}

func scanCommitment(row pgx.Row) (domain.OracleCommitment, error) {
	var c domain.OracleCommitment
	err := row.Scan(
		&c.SessionID, &c.QuestionID, &c.QuestionNumber, &c.Question, &c.Category,
		&c.CommitmentHash, &c.Outcome, &c.Salt, &c.Revealed, &c.CommitTxHash,
		&c.CommitBlock, &c.RevealTxHash, &c.CommittedAt, &c.RevealedAt,
	)
	return c, err
}

// GetByQuestionID retrieves the commitment for a question.
func (s *OracleStore) GetByQuestionID(ctx context.Context, questionID string) (domain.OracleCommitment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+oracleCols+` FROM oracle_commitments WHERE question_id = $1`, questionID)
	c, err := scanCommitment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OracleCommitment{}, domain.ErrNotFound
		}
		return domain.OracleCommitment{}, fmt.Errorf("postgres: get commitment for question %s: %w", questionID, err)
	}
	return c, nil
}

// GetBySessionID retrieves a commitment by session id.
func (s *OracleStore) GetBySessionID(ctx context.Context, sessionID string) (domain.OracleCommitment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+oracleCols+` FROM oracle_commitments WHERE session_id = $1`, sessionID)
	c, err := scanCommitment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OracleCommitment{}, domain.ErrNotFound
		}
		return domain.OracleCommitment{}, fmt.Errorf("postgres: get commitment %s: %w", sessionID, err)
	}
	return c, nil
}

// SetCommitTx records the on-chain commit transaction for a pending session.
func (s *OracleStore) SetCommitTx(ctx context.Context, sessionID, txHash string, block uint64) error {
	const query = `
		UPDATE oracle_commitments
		SET commit_tx_hash = $2, commit_block = $3
		WHERE session_id = $1`

	tag, err := s.pool.Exec(ctx, query, sessionID, txHash, block)
	if err != nil {
		return fmt.Errorf("postgres: set commit tx %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: set commit tx %s: %w", sessionID, domain.ErrNotFound)
	}
	return nil
}

// MarkRevealed transitions the session to revealed exactly once. The
// revealed guard makes a second call fail with ErrAlreadyRevealed.
func (s *OracleStore) MarkRevealed(ctx context.Context, sessionID, revealTxHash string) error {
	const query = `
		UPDATE oracle_commitments
		SET revealed = TRUE, reveal_tx_hash = $2, revealed_at = NOW()
		WHERE session_id = $1 AND revealed = FALSE`

	tag, err := s.pool.Exec(ctx, query, sessionID, revealTxHash)
	if err != nil {
		return fmt.Errorf("postgres: mark revealed %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetBySessionID(ctx, sessionID); err != nil {
			return err
		}
		return fmt.Errorf("postgres: mark revealed %s: %w", sessionID, domain.ErrAlreadyRevealed)
	}
	return nil
}

// Delete removes a commitment whose chain submission never happened, so the
// question can be committed again with a fresh session.
func (s *OracleStore) Delete(ctx context.Context, sessionID string) error {
	const query = `DELETE FROM oracle_commitments WHERE session_id = $1 AND revealed = FALSE`

	_, err := s.pool.Exec(ctx, query, sessionID)
	if err != nil {
		return fmt.Errorf("postgres: delete commitment %s: %w", sessionID, err)
	}
	return nil
}

var _ domain.OracleStore = (*OracleStore)(nil)
