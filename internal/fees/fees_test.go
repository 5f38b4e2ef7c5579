package fees

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babylonsim/marketcore/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubUsers struct {
	referrer string
	err      error
}

func (s *stubUsers) GetByID(ctx context.Context, id string) (domain.User, error) {
	return domain.User{ID: id}, nil
}

func (s *stubUsers) GetReferrer(ctx context.Context, userID string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.referrer, nil
}

type recordingFeeStore struct {
	recorded []domain.FeeSettlement
	err      error
}

func (s *recordingFeeStore) Record(ctx context.Context, set domain.FeeSettlement) error {
	if s.err != nil {
		return s.err
	}
	s.recorded = append(s.recorded, set)
	return nil
}

func (s *recordingFeeStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.TradingFeeRecord, error) {
	return nil, nil
}

func (s *recordingFeeStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.TradingFeeRecord, error) {
	return nil, nil
}

func (s *recordingFeeStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func TestCalculateStandardFee(t *testing.T) {
	svc := New(DefaultConfig(), nil, nil, testLogger())

	b := svc.Calculate(decimal.NewFromInt(100))

	assert.True(t, b.FeeAmount.Equal(decimal.NewFromFloat(0.10)), "fee: %s", b.FeeAmount)
	assert.True(t, b.NetAmount.Equal(decimal.NewFromFloat(99.90)), "net: %s", b.NetAmount)
	assert.True(t, b.PlatformShare.Equal(decimal.NewFromFloat(0.05)), "platform: %s", b.PlatformShare)
	assert.True(t, b.ReferrerShare.Equal(decimal.NewFromFloat(0.05)), "referrer: %s", b.ReferrerShare)
}

func TestCalculateBelowMinimumChargesNothing(t *testing.T) {
	svc := New(DefaultConfig(), nil, nil, testLogger())

	// 4 × 0.001 = 0.004, rounds to 0.00, under the $0.01 floor.
	b := svc.Calculate(decimal.NewFromInt(4))

	assert.True(t, b.FeeAmount.IsZero())
	assert.True(t, b.NetAmount.Equal(decimal.NewFromInt(4)))
	assert.True(t, b.PlatformShare.IsZero())
	assert.True(t, b.ReferrerShare.IsZero())
}

func TestCalculateSharesSumToFee(t *testing.T) {
	svc := New(DefaultConfig(), nil, nil, testLogger())

	for _, amt := range []float64{10.50, 33.33, 100, 250.55, 9999.99} {
		b := svc.Calculate(decimal.NewFromFloat(amt))
		sum := b.PlatformShare.Add(b.ReferrerShare)
		assert.True(t, sum.Equal(b.FeeAmount),
			"amount %v: platform %s + referrer %s != fee %s", amt, b.PlatformShare, b.ReferrerShare, b.FeeAmount)
	}
}

func TestCalculateOddFeeFavorsPlatform(t *testing.T) {
	svc := New(DefaultConfig(), nil, nil, testLogger())

	// 150 × 0.001 = 0.15; referrer share 0.075 rounds to 0.08, platform 0.07.
	b := svc.Calculate(decimal.NewFromInt(150))

	assert.True(t, b.FeeAmount.Equal(decimal.NewFromFloat(0.15)))
	assert.True(t, b.PlatformShare.Add(b.ReferrerShare).Equal(b.FeeAmount))
}

func TestProcessTradingFeeWithReferrer(t *testing.T) {
	users := &stubUsers{referrer: "ref-1"}
	store := &recordingFeeStore{}
	svc := New(DefaultConfig(), users, store, testLogger())

	outcome, err := svc.ProcessTradingFee(context.Background(), "user-1", "prediction_buy", decimal.NewFromInt(100), "trade-1")
	require.NoError(t, err)

	assert.True(t, outcome.FeeCharged.Equal(decimal.NewFromFloat(0.10)))
	assert.True(t, outcome.PlatformReceived.Equal(decimal.NewFromFloat(0.05)))
	assert.True(t, outcome.ReferrerPaid.Equal(decimal.NewFromFloat(0.05)))
	assert.Equal(t, "ref-1", outcome.ReferrerID)

	require.Len(t, store.recorded, 1)
	set := store.recorded[0]
	assert.Equal(t, "user-1", set.Record.UserID)
	assert.Equal(t, "prediction_buy", set.Record.TradeType)
	require.NotNil(t, set.ReferrerPayout)
	assert.Equal(t, "ref-1", set.ReferrerPayout.UserID)
	assert.Equal(t, domain.EntryReferralPayout, set.ReferrerPayout.Kind)
	assert.True(t, set.ReferrerPayout.Amount.Equal(decimal.NewFromFloat(0.05)))
}

func TestProcessTradingFeeWithoutReferrer(t *testing.T) {
	users := &stubUsers{err: domain.ErrNotFound}
	store := &recordingFeeStore{}
	svc := New(DefaultConfig(), users, store, testLogger())

	outcome, err := svc.ProcessTradingFee(context.Background(), "user-1", "perp_open", decimal.NewFromInt(100), "pos-1")
	require.NoError(t, err)

	// Platform keeps the whole fee when no referrer exists.
	assert.True(t, outcome.PlatformReceived.Equal(decimal.NewFromFloat(0.10)))
	assert.True(t, outcome.ReferrerPaid.IsZero())
	assert.Empty(t, outcome.ReferrerID)

	require.Len(t, store.recorded, 1)
	assert.Nil(t, store.recorded[0].ReferrerPayout)
	assert.Nil(t, store.recorded[0].Record.ReferrerID)
}

func TestProcessTradingFeeBelowFloorWritesNoRecord(t *testing.T) {
	users := &stubUsers{referrer: "ref-1"}
	store := &recordingFeeStore{}
	svc := New(DefaultConfig(), users, store, testLogger())

	outcome, err := svc.ProcessTradingFee(context.Background(), "user-1", "prediction_buy", decimal.NewFromInt(4), "trade-1")
	require.NoError(t, err)

	assert.True(t, outcome.FeeCharged.IsZero())
	assert.Empty(t, store.recorded)
}

func TestProcessTradingFeeRejectsNonPositiveAmount(t *testing.T) {
	svc := New(DefaultConfig(), &stubUsers{}, &recordingFeeStore{}, testLogger())

	_, err := svc.ProcessTradingFee(context.Background(), "user-1", "prediction_buy", decimal.Zero, "trade-1")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}
