// Package fees is the single source of truth for trade fee economics: the
// fee rate, the minimum-fee floor, and the platform/referrer split.
package fees

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/babylonsim/marketcore/internal/domain"
)

// Config holds the fee schedule. All knobs are explicit so the schedule is
// fixed at construction rather than read from the environment per call.
type Config struct {
	// Rate is the fee as a fraction of gross trade amount (0.001 = 0.1%).
	Rate decimal.Decimal
	// MinimumFee is the floor below which no fee is charged at all. A
	// computed fee under the floor charges nothing rather than rounding
	// up to the minimum.
	MinimumFee decimal.Decimal
	// ReferrerSplit is the referrer's fraction of the fee (0.5 = 50/50).
	ReferrerSplit decimal.Decimal
}

// DefaultConfig returns the platform fee schedule: 0.1% fee, $0.01 floor,
// 50/50 platform/referrer split.
func DefaultConfig() Config {
	return Config{
		Rate:          decimal.NewFromFloat(0.001),
		MinimumFee:    decimal.NewFromFloat(0.01),
		ReferrerSplit: decimal.NewFromFloat(0.5),
	}
}

// Service computes trading fees and settles them against the fee store.
type Service struct {
	cfg      Config
	users    domain.UserStore
	feeStore domain.FeeStore
	logger   *slog.Logger
}

// New creates a fee Service with the given schedule and dependencies.
func New(cfg Config, users domain.UserStore, feeStore domain.FeeStore, logger *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		users:    users,
		feeStore: feeStore,
		logger:   logger.With(slog.String("component", "fees")),
	}
}

// Calculate applies the fee schedule to a gross trade amount. Fees round
// half-away-from-zero to the cent; a fee under the minimum is dropped to
// zero. PlatformShare + ReferrerShare always equals FeeAmount exactly.
func (s *Service) Calculate(amount decimal.Decimal) domain.FeeBreakdown {
	fee := amount.Mul(s.cfg.Rate).Round(2)
	if fee.LessThan(s.cfg.MinimumFee) {
		return domain.FeeBreakdown{
			FeeAmount:     decimal.Zero,
			NetAmount:     amount,
			PlatformShare: decimal.Zero,
			ReferrerShare: decimal.Zero,
		}
	}

	referrer := fee.Mul(s.cfg.ReferrerSplit).Round(2)
	platform := fee.Sub(referrer)

	return domain.FeeBreakdown{
		FeeAmount:     fee,
		NetAmount:     amount.Sub(fee),
		PlatformShare: platform,
		ReferrerShare: referrer,
	}
}

// ProcessTradingFee charges the fee for one trade: it resolves the trading
// user's referrer, splits the fee accordingly (the platform keeps 100% when
// no referrer exists), and lands the fee record, lifetime counters, and
// referral payout in one atomic store call. A fee under the minimum charges
// nothing and writes no record.
func (s *Service) ProcessTradingFee(ctx context.Context, userID, tradeType string, amount decimal.Decimal, refID string) (domain.FeeOutcome, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return domain.FeeOutcome{}, fmt.Errorf("fees: %w: amount must be positive", domain.ErrInvalidAmount)
	}

	breakdown := s.Calculate(amount)
	if breakdown.FeeAmount.IsZero() {
		return domain.FeeOutcome{
			FeeCharged:       decimal.Zero,
			PlatformReceived: decimal.Zero,
			ReferrerPaid:     decimal.Zero,
		}, nil
	}

	outcome := domain.FeeOutcome{FeeCharged: breakdown.FeeAmount}

	referrerID, err := s.users.GetReferrer(ctx, userID)
	switch {
	case err == nil:
		outcome.ReferrerID = referrerID
		outcome.ReferrerPaid = breakdown.ReferrerShare
		outcome.PlatformReceived = breakdown.PlatformShare
	case errors.Is(err, domain.ErrNotFound):
		// No referrer: the platform keeps the whole fee.
		outcome.ReferrerPaid = decimal.Zero
		outcome.PlatformReceived = breakdown.FeeAmount
	default:
		return domain.FeeOutcome{}, fmt.Errorf("fees: resolve referrer for %q: %w", userID, err)
	}

	now := time.Now().UTC()
	rec := domain.TradingFeeRecord{
		ID:          uuid.NewString(),
		UserID:      userID,
		TradeType:   tradeType,
		FeeAmount:   outcome.FeeCharged,
		PlatformFee: outcome.PlatformReceived,
		ReferrerFee: outcome.ReferrerPaid,
		RefID:       refID,
		CreatedAt:   now,
	}

	settlement := domain.FeeSettlement{Record: rec}
	if outcome.ReferrerID != "" {
		rid := outcome.ReferrerID
		settlement.Record.ReferrerID = &rid
		settlement.ReferrerPayout = &domain.BalanceEntry{
			ID:        uuid.NewString(),
			UserID:    rid,
			Kind:      domain.EntryReferralPayout,
			Amount:    outcome.ReferrerPaid,
			RefID:     rec.ID,
			Memo:      "referral share of " + tradeType + " fee",
			CreatedAt: now,
		}
	}

	if err := s.feeStore.Record(ctx, settlement); err != nil {
		return domain.FeeOutcome{}, fmt.Errorf("fees: record fee for %q: %w", userID, err)
	}

	s.logger.InfoContext(ctx, "trading fee charged",
		slog.String("user_id", userID),
		slog.String("trade_type", tradeType),
		slog.String("fee", outcome.FeeCharged.String()),
		slog.String("referrer_id", outcome.ReferrerID),
	)

	return outcome, nil
}
