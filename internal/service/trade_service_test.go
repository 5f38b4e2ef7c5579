package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babylonsim/marketcore/internal/amm"
	"github.com/babylonsim/marketcore/internal/domain"
	"github.com/babylonsim/marketcore/internal/fees"
	"github.com/babylonsim/marketcore/internal/perps"
)

type tradeFixture struct {
	svc       *TradeService
	markets   *memMarketStore
	positions *memPositionStore
	ledger    *memLedger
	prices    *memPriceCache
	bus       *memBus
	audit     *memAudit
	feeStore  *memFeeStore
	engine    *perps.Engine
}

func newTradeFixture(t *testing.T) *tradeFixture {
	t.Helper()
	logger := testLogger()

	markets := newMemMarketStore()
	positions := newMemPositionStore()
	ledger := newMemLedger()
	prices := newMemPriceCache()
	bus := newMemBus()
	audit := &memAudit{}
	feeStore := &memFeeStore{}

	feeSvc := fees.New(fees.DefaultConfig(), &stubUserStore{}, feeStore, logger)
	engine := perps.NewEngine(perps.DefaultConfig(), logger)
	pricer := amm.NewPricer(feeSvc)

	svc := NewTradeService(markets, positions, ledger, prices, bus, audit, pricer, engine, feeSvc, logger)

	return &tradeFixture{
		svc: svc, markets: markets, positions: positions, ledger: ledger,
		prices: prices, bus: bus, audit: audit, feeStore: feeStore, engine: engine,
	}
}

func (f *tradeFixture) seedMarket(t *testing.T, yes, no float64) string {
	t.Helper()
	m := domain.PredictionMarket{
		ID:         uuid.NewString(),
		QuestionID: uuid.NewString(),
		Question:   "Will the thing happen?",
		YesShares:  d(yes),
		NoShares:   d(no),
		Liquidity:  d(yes + no),
		Status:     domain.MarketStatusOpen,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	require.NoError(t, f.markets.Create(context.Background(), m))
	return m.ID
}

func TestBuySharesHappyPath(t *testing.T) {
	f := newTradeFixture(t)
	ctx := context.Background()
	marketID := f.seedMarket(t, 500, 500)
	f.ledger.fund("u1", d(1000))

	res, err := f.svc.BuyShares(ctx, "u1", marketID, "yes", d(100))
	require.NoError(t, err)

	assert.True(t, res.FeeCharged.Equal(d(0.10)), "fee: %s", res.FeeCharged)
	assert.True(t, res.NetAmount.Equal(d(99.90)), "net: %s", res.NetAmount)
	assert.True(t, res.SharesBought.IsPositive())

	// Full gross amount debited from the buyer.
	balance, err := f.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(d(900)), "balance: %s", balance)

	// Pools grew and the YES price moved past even odds.
	m, err := f.markets.GetByID(ctx, marketID)
	require.NoError(t, err)
	assert.True(t, m.YesShares.GreaterThan(d(500)))
	assert.True(t, m.NoShares.GreaterThan(d(500)))
	assert.True(t, m.ImpliedProbability().GreaterThan(d(0.5)))
	assert.True(t, m.Liquidity.Equal(d(1000).Add(d(99.90))))

	// Fee recorded, trade event published, audit row written.
	assert.Len(t, f.feeStore.recorded, 1)
	assert.NotEmpty(t, f.bus.events("trades"))
	assert.Contains(t, f.audit.events, "shares_bought")
}

func TestBuySharesInsufficientBalance(t *testing.T) {
	f := newTradeFixture(t)
	ctx := context.Background()
	marketID := f.seedMarket(t, 500, 500)
	f.ledger.fund("u1", d(50))

	_, err := f.svc.BuyShares(ctx, "u1", marketID, "yes", d(100))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// A rejected trade leaves no trace.
	assert.Empty(t, f.ledger.entriesOfKind(domain.EntryTrade))
	assert.Empty(t, f.feeStore.recorded)
}

func TestBuySharesClosedMarket(t *testing.T) {
	f := newTradeFixture(t)
	ctx := context.Background()
	marketID := f.seedMarket(t, 500, 500)
	require.NoError(t, f.markets.Resolve(ctx, marketID, true))
	f.ledger.fund("u1", d(1000))

	_, err := f.svc.BuyShares(ctx, "u1", marketID, "yes", d(100))
	assert.ErrorIs(t, err, domain.ErrMarketClosed)
}

func TestBuySharesInvalidInput(t *testing.T) {
	f := newTradeFixture(t)
	ctx := context.Background()
	marketID := f.seedMarket(t, 500, 500)
	f.ledger.fund("u1", d(1000))

	_, err := f.svc.BuyShares(ctx, "u1", marketID, "definitely", d(100))
	assert.ErrorIs(t, err, domain.ErrInvalidSide)

	_, err = f.svc.BuyShares(ctx, "u1", marketID, "yes", decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.svc.BuyShares(ctx, "u1", "missing", "yes", d(100))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSellSharesCreditsPayout(t *testing.T) {
	f := newTradeFixture(t)
	ctx := context.Background()
	marketID := f.seedMarket(t, 600, 550)
	f.ledger.fund("u1", decimal.Zero)

	res, err := f.svc.SellShares(ctx, "u1", marketID, "yes", d(50))
	require.NoError(t, err)
	assert.True(t, res.Payout.IsPositive())

	balance, err := f.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(res.Payout))

	m, err := f.markets.GetByID(ctx, marketID)
	require.NoError(t, err)
	assert.True(t, m.YesShares.LessThan(d(600)))
	assert.True(t, m.NoShares.LessThan(d(550)))
}

func TestOpenPositionDebitsMarginAndFee(t *testing.T) {
	f := newTradeFixture(t)
	ctx := context.Background()
	f.ledger.fund("u1", d(1000))
	require.NoError(t, f.prices.SetPrice(ctx, "ACME", d(100), time.Now()))

	pos, err := f.svc.OpenPosition(ctx, "u1", "ACME", "long", d(200), d(5))
	require.NoError(t, err)
	assert.True(t, pos.Size.Equal(d(1000)))
	assert.True(t, pos.EntryPrice.Equal(d(100)))

	// Margin debited, plus the fee on notional size (1000 × 0.001 = 1.00):
	// 1000 − 200 − 1.
	balance, err := f.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(d(799)), "balance: %s", balance)

	// The recorded fee matches the collected fee exactly.
	require.Len(t, f.feeStore.recorded, 1)
	assert.True(t, f.feeStore.recorded[0].Record.FeeAmount.Equal(d(1)))
	feeEntries := f.ledger.entriesOfKind(domain.EntryFee)
	require.Len(t, feeEntries, 1)
	assert.True(t, feeEntries[0].Amount.Equal(d(-1)))
	assert.Equal(t, pos.ID, feeEntries[0].RefID)

	// The position is in both the engine and the store.
	assert.True(t, f.engine.Has(pos.ID))
	stored, err := f.positions.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PerpStatusOpen, stored.Status)
}

func TestOpenPositionBalanceMustCoverFee(t *testing.T) {
	f := newTradeFixture(t)
	ctx := context.Background()
	// Covers the margin but not the 1.00 fee on the 1000 notional.
	f.ledger.fund("u1", d(200))
	require.NoError(t, f.prices.SetPrice(ctx, "ACME", d(100), time.Now()))

	_, err := f.svc.OpenPosition(ctx, "u1", "ACME", "long", d(200), d(5))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Zero(t, f.engine.OpenCount())
	assert.Empty(t, f.ledger.entriesOfKind(domain.EntryMargin))
	assert.Empty(t, f.feeStore.recorded)
}

func TestOpenPositionWithoutPrice(t *testing.T) {
	f := newTradeFixture(t)
	ctx := context.Background()
	f.ledger.fund("u1", d(1000))

	_, err := f.svc.OpenPosition(ctx, "u1", "GHOST", "long", d(100), d(5))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, f.engine.OpenCount())
}

func TestOpenPositionInsufficientBalance(t *testing.T) {
	f := newTradeFixture(t)
	ctx := context.Background()
	f.ledger.fund("u1", d(50))
	require.NoError(t, f.prices.SetPrice(ctx, "ACME", d(100), time.Now()))

	_, err := f.svc.OpenPosition(ctx, "u1", "ACME", "long", d(100), d(5))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestClosePositionSettlesProfit(t *testing.T) {
	f := newTradeFixture(t)
	ctx := context.Background()
	f.ledger.fund("u1", d(1000))
	require.NoError(t, f.prices.SetPrice(ctx, "ACME", d(100), time.Now()))

	pos, err := f.svc.OpenPosition(ctx, "u1", "ACME", "long", d(200), d(5))
	require.NoError(t, err)

	// Price rises 10%: PnL = 10 × 1000 / 100 = 100.
	require.NoError(t, f.svc.ApplyPriceUpdate(ctx, "ACME", d(110), "test", "tick"))

	realized, err := f.svc.ClosePosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, realized.Equal(d(100)), "realized: %s", realized)

	// Cash-out = margin 200 + profit 100 − close fee 1 = 299.
	// Balance: 1000 − 200 − open fee 1 + 299.
	balance, err := f.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(d(1098)), "balance: %s", balance)
	assert.Len(t, f.feeStore.recorded, 2)

	stored, err := f.positions.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PerpStatusClosed, stored.Status)

	// A second close fails rather than double-settling.
	_, err = f.svc.ClosePosition(ctx, pos.ID)
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
}

func TestClosePositionCashOutFloorsAtZero(t *testing.T) {
	f := newTradeFixture(t)
	ctx := context.Background()
	f.ledger.fund("u1", d(1000))
	require.NoError(t, f.prices.SetPrice(ctx, "ACME", d(100), time.Now()))

	pos, err := f.svc.OpenPosition(ctx, "u1", "ACME", "long", d(200), d(2))
	require.NoError(t, err)

	// Price falls 25%: PnL = −25 × 400 / 100 = −100; cash-out 200 − 100,
	// less the 0.40 close fee on the 400 notional.
	require.NoError(t, f.svc.ApplyPriceUpdate(ctx, "ACME", d(75), "test", "tick"))

	realized, err := f.svc.ClosePosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, realized.Equal(d(-100)), "realized: %s", realized)

	// Balance: 1000 − 200 − open fee 0.40 + (100 − close fee 0.40).
	balance, err := f.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(d(899.20)), "balance: %s", balance)
}

func TestLiquidationForfeitsMargin(t *testing.T) {
	f := newTradeFixture(t)
	ctx := context.Background()
	f.ledger.fund("u1", d(1000))
	require.NoError(t, f.prices.SetPrice(ctx, "ACME", d(100), time.Now()))

	// 10x long at 100 liquidates at 90.50.
	pos, err := f.svc.OpenPosition(ctx, "u1", "ACME", "long", d(100), d(10))
	require.NoError(t, err)

	require.NoError(t, f.svc.ApplyPriceUpdate(ctx, "ACME", d(90), "test", "crash"))

	// Engine dropped the position; store shows it liquidated.
	assert.False(t, f.engine.Has(pos.ID))
	stored, err := f.positions.GetByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PerpStatusLiquidated, stored.Status)
	assert.True(t, stored.RealizedPnL.Equal(d(-100)))

	// No settlement credit: balance stays at 1000 − 100 margin − 1 open fee.
	balance, err := f.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(d(899)), "balance: %s", balance)

	// A forfeited position owes no close fee; only the open fee exists.
	assert.Len(t, f.feeStore.recorded, 1)

	// The zero-amount liquidation entry documents the event.
	liqEntries := f.ledger.entriesOfKind(domain.EntryLiquidation)
	require.Len(t, liqEntries, 1)
	assert.True(t, liqEntries[0].Amount.IsZero())
	assert.Contains(t, f.audit.events, "position_liquidated")
}

func TestPerpRoundTripFeesMatchLedger(t *testing.T) {
	logger := testLogger()
	markets := newMemMarketStore()
	positions := newMemPositionStore()
	ledger := newMemLedger()
	prices := newMemPriceCache()
	bus := newMemBus()
	audit := &memAudit{}
	feeStore := &memFeeStore{}
	users := &stubUserStore{referrers: map[string]string{"u1": "ref-1"}}

	feeSvc := fees.New(fees.DefaultConfig(), users, feeStore, logger)
	engine := perps.NewEngine(perps.DefaultConfig(), logger)
	svc := NewTradeService(markets, positions, ledger, prices, bus, audit,
		amm.NewPricer(feeSvc), engine, feeSvc, logger)
	ctx := context.Background()

	ledger.fund("u1", d(1000))
	require.NoError(t, prices.SetPrice(ctx, "ACME", d(100), time.Now()))

	pos, err := svc.OpenPosition(ctx, "u1", "ACME", "long", d(200), d(5))
	require.NoError(t, err)

	realized, err := svc.ClosePosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, realized.IsZero(), "realized: %s", realized)

	// At an unchanged price the round trip costs exactly the two fees on
	// the 1000 notional: 1000 − 1 − 1.
	balance, err := ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(d(998)), "balance: %s", balance)

	// Every cent of recorded fee left the trader's balance, and the
	// referrer's payout is funded from it rather than minted.
	require.Len(t, feeStore.recorded, 2)
	total := decimal.Zero
	for _, s := range feeStore.recorded {
		total = total.Add(s.Record.FeeAmount)
		require.NotNil(t, s.ReferrerPayout)
		assert.Equal(t, "ref-1", s.ReferrerPayout.UserID)
		assert.True(t, s.ReferrerPayout.Amount.Equal(d(0.50)))
	}
	assert.True(t, total.Equal(d(2)))
	assert.True(t, d(1000).Sub(balance).Equal(total))
}

func TestApplyPriceUpdateRejectsBadPrice(t *testing.T) {
	f := newTradeFixture(t)

	err := f.svc.ApplyPriceUpdate(context.Background(), "ACME", decimal.Zero, "test", "tick")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestApplyPriceUpdateCachesPrice(t *testing.T) {
	f := newTradeFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ApplyPriceUpdate(ctx, "ACME", d(42.5), "test", "tick"))

	p, _, err := f.prices.GetPrice(ctx, "ACME")
	require.NoError(t, err)
	assert.True(t, p.Equal(d(42.5)))
}
