// Package oracle implements the commit-reveal protocol binding a question's
// internally-known outcome to an on-chain attestation. The outcome is
// committed (hashed with a random salt) when the question opens, so the
// later reveal proves the outcome was fixed in advance and cannot be
// manipulated retroactively.
package oracle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/babylonsim/marketcore/internal/domain"
)

// Service drives the commit-reveal state machine:
// uncommitted → committed → revealed, terminal once revealed.
type Service struct {
	backend ContractBackend
	store   domain.OracleStore
	timeout time.Duration
	logger  *slog.Logger
}

// New creates an oracle Service. timeout bounds every chain round-trip;
// expiry classifies as ErrOracleUnavailable (retry-safe), never as a
// missing commitment.
func New(backend ContractBackend, store domain.OracleStore, timeout time.Duration, logger *slog.Logger) *Service {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{
		backend: backend,
		store:   store,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "oracle")),
	}
}

// CommitRequest carries the question metadata fixed at commit time.
type CommitRequest struct {
	QuestionID     string
	QuestionNumber int
	Question       string
	Category       string
	Outcome        bool
}

// CommitResult reports a successful commitment.
type CommitResult struct {
	SessionID   string
	Commitment  string
	TxHash      string
	BlockNumber uint64
}

// RevealResult reports a successful reveal.
type RevealResult struct {
	SessionID string
	Outcome   bool
	TxHash    string
}

// Health is the degrade-gracefully health report: callers skip resolution
// and retry later instead of failing on an unhealthy oracle.
type Health struct {
	Healthy bool
	Error   string
}

// Commit binds the question's outcome to an on-chain commitment. A question
// already committed fails with ErrAlreadyExists; a session is never
// re-committed.
func (s *Service) Commit(ctx context.Context, req CommitRequest) (CommitResult, error) {
	if _, err := s.store.GetByQuestionID(ctx, req.QuestionID); err == nil {
		return CommitResult{}, fmt.Errorf("oracle: commit %q: %w", req.QuestionID, domain.ErrAlreadyExists)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return CommitResult{}, fmt.Errorf("oracle: lookup commitment for %q: %w", req.QuestionID, err)
	}

	sessionID := uuid.NewString()

	var salt [32]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return CommitResult{}, fmt.Errorf("oracle: generate salt: %w", err)
	}

	sessionKey := SessionKey(sessionID)
	commitment := CommitmentHash(sessionKey, req.Outcome, salt)

	// The record and its salt are persisted before the chain call: an
	// on-chain commitment whose salt was never stored could never be
	// revealed, while a stored record without a chain commitment is
	// deleted below so the question stays committable.
	rec := domain.OracleCommitment{
		SessionID:      sessionID,
		QuestionID:     req.QuestionID,
		QuestionNumber: req.QuestionNumber,
		Question:       req.Question,
		Category:       req.Category,
		CommitmentHash: "0x" + hex.EncodeToString(commitment[:]),
		Outcome:        req.Outcome,
		Salt:           hex.EncodeToString(salt[:]),
		CommittedAt:    time.Now().UTC(),
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return CommitResult{}, fmt.Errorf("oracle: persist commitment %q: %w", sessionID, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	txHash, block, err := s.backend.Commit(callCtx, sessionKey, commitment)
	if err != nil {
		if delErr := s.store.Delete(ctx, sessionID); delErr != nil {
			s.logger.WarnContext(ctx, "orphaned commitment record not removed",
				slog.String("session_id", sessionID),
				slog.String("error", delErr.Error()),
			)
		}
		return CommitResult{}, classify(err)
	}

	if err := s.store.SetCommitTx(ctx, sessionID, txHash, block); err != nil {
		// The salt is durable and the chain commitment exists, so the
		// session is still revealable; only the tx reference is missing.
		s.logger.WarnContext(ctx, "commit tx hash not recorded",
			slog.String("session_id", sessionID),
			slog.String("tx_hash", txHash),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "outcome committed",
		slog.String("session_id", sessionID),
		slog.String("question_id", req.QuestionID),
		slog.String("tx_hash", txHash),
		slog.Uint64("block", block),
	)

	return CommitResult{
		SessionID:   sessionID,
		Commitment:  rec.CommitmentHash,
		TxHash:      txHash,
		BlockNumber: block,
	}, nil
}

// Reveal opens the committed outcome for a question. It fails with
// ErrNoCommitment when the question was never committed, ErrAlreadyRevealed
// on a second reveal, and ErrOutcomeMismatch when the caller's outcome
// differs from the committed one. The chain would reject that reveal, so
// it never leaves the process. Winners and payout pool are recorded for the
// settlement job, not sent on-chain.
func (s *Service) Reveal(ctx context.Context, questionID string, outcome bool, winners []string, payoutPool decimal.Decimal) (RevealResult, error) {
	rec, err := s.store.GetByQuestionID(ctx, questionID)
	if errors.Is(err, domain.ErrNotFound) {
		return RevealResult{}, fmt.Errorf("oracle: reveal %q: %w", questionID, domain.ErrNoCommitment)
	}
	if err != nil {
		return RevealResult{}, fmt.Errorf("oracle: lookup commitment for %q: %w", questionID, err)
	}
	if rec.Revealed {
		return RevealResult{}, fmt.Errorf("oracle: reveal %q: %w", questionID, domain.ErrAlreadyRevealed)
	}
	if outcome != rec.Outcome {
		return RevealResult{}, fmt.Errorf("oracle: reveal %q: committed=%t revealed=%t: %w",
			questionID, rec.Outcome, outcome, domain.ErrOutcomeMismatch)
	}

	saltBytes, err := hex.DecodeString(rec.Salt)
	if err != nil || len(saltBytes) != 32 {
		return RevealResult{}, fmt.Errorf("oracle: corrupt salt for session %q", rec.SessionID)
	}
	var salt [32]byte
	copy(salt[:], saltBytes)

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	txHash, _, err := s.backend.Reveal(callCtx, SessionKey(rec.SessionID), outcome, salt)
	if err != nil {
		return RevealResult{}, classify(err)
	}

	if err := s.store.MarkRevealed(ctx, rec.SessionID, txHash); err != nil {
		return RevealResult{}, fmt.Errorf("oracle: mark revealed %q: %w", rec.SessionID, err)
	}

	s.logger.InfoContext(ctx, "outcome revealed",
		slog.String("session_id", rec.SessionID),
		slog.String("question_id", questionID),
		slog.Bool("outcome", outcome),
		slog.Int("winners", len(winners)),
		slog.String("payout_pool", payoutPool.String()),
		slog.String("tx_hash", txHash),
	)

	return RevealResult{SessionID: rec.SessionID, Outcome: outcome, TxHash: txHash}, nil
}

// GameInfo returns the on-chain state of a session alongside the stored
// metadata.
func (s *Service) GameInfo(ctx context.Context, sessionID string) (GameState, domain.OracleCommitment, error) {
	rec, err := s.store.GetBySessionID(ctx, sessionID)
	if err != nil {
		return GameState{}, domain.OracleCommitment{}, fmt.Errorf("oracle: session %q: %w", sessionID, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	state, err := s.backend.GameInfo(callCtx, SessionKey(sessionID))
	if err != nil {
		return GameState{}, domain.OracleCommitment{}, classify(err)
	}
	return state, rec, nil
}

// HealthCheck reports whether the oracle contract is reachable and
// deployed. It never returns an error; callers degrade gracefully.
func (s *Service) HealthCheck(ctx context.Context) Health {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.backend.Ping(callCtx); err != nil {
		return Health{Healthy: false, Error: err.Error()}
	}
	return Health{Healthy: true}
}

// SessionKey derives the 32-byte on-chain session identifier from the
// session id.
func SessionKey(sessionID string) [32]byte {
	var key [32]byte
	copy(key[:], ethcrypto.Keccak256([]byte(sessionID)))
	return key
}

// CommitmentHash computes keccak256(sessionKey ‖ outcome ‖ salt), the value
// fixed on-chain at commit time.
func CommitmentHash(sessionKey [32]byte, outcome bool, salt [32]byte) [32]byte {
	outcomeByte := byte(0)
	if outcome {
		outcomeByte = 1
	}
	var out [32]byte
	copy(out[:], ethcrypto.Keccak256(sessionKey[:], []byte{outcomeByte}, salt[:]))
	return out
}

// classify maps infra failures (timeouts, connection errors) to the
// retry-safe ErrOracleUnavailable so callers never conflate an unreachable
// oracle with a missing commitment.
func classify(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.As(err, &netErr) {
		return fmt.Errorf("%v: %w", err, domain.ErrOracleUnavailable)
	}
	return err
}
