package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/babylonsim/marketcore/internal/domain"
	"github.com/babylonsim/marketcore/internal/oracle"
)

// resolveLockTTL bounds how long a resolution can hold the per-market lock.
const resolveLockTTL = 30 * time.Second

// MarketService owns the prediction-market lifecycle: creation seeds the
// AMM pools and commits the outcome on-chain, resolution reveals it and
// freezes the market.
type MarketService struct {
	markets domain.MarketStore
	oracle  *oracle.Service
	locks   domain.LockManager
	bus     domain.SignalBus
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewMarketService creates a MarketService.
func NewMarketService(
	markets domain.MarketStore,
	oracleSvc *oracle.Service,
	locks domain.LockManager,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		markets: markets,
		oracle:  oracleSvc,
		locks:   locks,
		bus:     bus,
		audit:   audit,
		logger:  logger.With(slog.String("component", "market_service")),
	}
}

// CreateMarketRequest carries everything needed to open a market for a
// question. Outcome is the internally-known result committed to the oracle
// at creation; it never leaves the commitment until reveal.
type CreateMarketRequest struct {
	QuestionID     string
	QuestionNumber int
	Question       string
	Category       string
	Outcome        bool
	SeedLiquidity  decimal.Decimal
}

// Create opens a prediction market seeded at even odds and commits its
// outcome on-chain. The seed is split equally across both pools so the
// market opens at an implied probability of 0.5. A question that already
// has a market fails with ErrAlreadyExists. A failed outcome commit
// removes the market again, so a retry starts clean instead of hitting a
// market that can never resolve.
func (s *MarketService) Create(ctx context.Context, req CreateMarketRequest) (domain.PredictionMarket, error) {
	if req.SeedLiquidity.LessThanOrEqual(decimal.Zero) {
		return domain.PredictionMarket{}, fmt.Errorf("market: %w: seed liquidity must be positive", domain.ErrInvalidAmount)
	}
	if _, err := s.markets.GetByQuestionID(ctx, req.QuestionID); err == nil {
		return domain.PredictionMarket{}, fmt.Errorf("market: question %q: %w", req.QuestionID, domain.ErrAlreadyExists)
	}

	seed := req.SeedLiquidity.Div(decimal.NewFromInt(2))
	now := time.Now().UTC()
	market := domain.PredictionMarket{
		ID:         uuid.NewString(),
		QuestionID: req.QuestionID,
		Question:   req.Question,
		YesShares:  seed,
		NoShares:   seed,
		Liquidity:  req.SeedLiquidity,
		Status:     domain.MarketStatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.markets.Create(ctx, market); err != nil {
		return domain.PredictionMarket{}, fmt.Errorf("market: create %q: %w", market.ID, err)
	}

	commit, err := s.oracle.Commit(ctx, oracle.CommitRequest{
		QuestionID:     req.QuestionID,
		QuestionNumber: req.QuestionNumber,
		Question:       req.Question,
		Category:       req.Category,
		Outcome:        req.Outcome,
	})
	if err != nil {
		// A market without a commitment could never resolve, so the create
		// is unwound and the caller retries from scratch.
		s.logger.ErrorContext(ctx, "outcome commit failed after market create",
			slog.String("market_id", market.ID),
			slog.String("question_id", req.QuestionID),
			slog.String("error", err.Error()),
		)
		if delErr := s.markets.Delete(ctx, market.ID); delErr != nil {
			s.logger.ErrorContext(ctx, "uncommitted market not removed",
				slog.String("market_id", market.ID),
				slog.String("error", delErr.Error()),
			)
		}
		return domain.PredictionMarket{}, err
	}

	s.publish(ctx, "markets", map[string]any{
		"event":      "market_created",
		"market_id":  market.ID,
		"question":   req.Question,
		"session_id": commit.SessionID,
	})
	s.auditLog(ctx, "market_created", map[string]any{
		"market_id":   market.ID,
		"question_id": req.QuestionID,
		"session_id":  commit.SessionID,
		"commitment":  commit.Commitment,
		"seed":        req.SeedLiquidity.String(),
	})

	s.logger.InfoContext(ctx, "market created",
		slog.String("market_id", market.ID),
		slog.String("question_id", req.QuestionID),
		slog.String("session_id", commit.SessionID),
	)
	return market, nil
}

// ResolveResult reports a completed market resolution.
type ResolveResult struct {
	MarketID  string
	Outcome   bool
	SessionID string
	TxHash    string
}

// Resolve reveals the committed outcome and freezes the market. The path is
// serialized per market by a distributed lock so two processes can never
// race a reveal. Once resolved, the market rejects all further trades, and
// a second Resolve fails with ErrMarketClosed.
func (s *MarketService) Resolve(ctx context.Context, marketID string, outcome bool, winners []string, payoutPool decimal.Decimal) (ResolveResult, error) {
	unlock, err := s.locks.Acquire(ctx, "resolve:"+marketID, resolveLockTTL)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("market: lock resolve %q: %w", marketID, err)
	}
	defer unlock()

	market, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("market: resolve %q: %w", marketID, err)
	}
	if !market.Open() {
		return ResolveResult{}, fmt.Errorf("market: resolve %q: %w", marketID, domain.ErrMarketClosed)
	}

	reveal, err := s.oracle.Reveal(ctx, market.QuestionID, outcome, winners, payoutPool)
	if err != nil {
		return ResolveResult{}, err
	}

	if err := s.markets.Resolve(ctx, marketID, outcome); err != nil {
		return ResolveResult{}, fmt.Errorf("market: freeze %q: %w", marketID, err)
	}

	s.publish(ctx, "markets", map[string]any{
		"event":     "market_resolved",
		"market_id": marketID,
		"outcome":   outcome,
		"tx_hash":   reveal.TxHash,
	})
	s.auditLog(ctx, "market_resolved", map[string]any{
		"market_id":   marketID,
		"question_id": market.QuestionID,
		"outcome":     outcome,
		"session_id":  reveal.SessionID,
		"winners":     len(winners),
		"payout_pool": payoutPool.String(),
	})

	s.logger.InfoContext(ctx, "market resolved",
		slog.String("market_id", marketID),
		slog.Bool("outcome", outcome),
		slog.String("tx_hash", reveal.TxHash),
	)
	return ResolveResult{
		MarketID:  marketID,
		Outcome:   outcome,
		SessionID: reveal.SessionID,
		TxHash:    reveal.TxHash,
	}, nil
}

// ListOpen returns the open markets.
func (s *MarketService) ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.PredictionMarket, error) {
	return s.markets.ListOpen(ctx, opts)
}

// Get returns one market by id.
func (s *MarketService) Get(ctx context.Context, id string) (domain.PredictionMarket, error) {
	return s.markets.GetByID(ctx, id)
}

func (s *MarketService) publish(ctx context.Context, channel string, payload map[string]any) {
	data, _ := json.Marshal(payload)
	if err := s.bus.Publish(ctx, channel, data); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

func (s *MarketService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
