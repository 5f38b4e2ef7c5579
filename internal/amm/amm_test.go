package amm

import (
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babylonsim/marketcore/internal/domain"
	"github.com/babylonsim/marketcore/internal/fees"
)

func testPricer() *Pricer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPricer(fees.New(fees.DefaultConfig(), nil, nil, logger))
}

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestPriceAtEvenPools(t *testing.T) {
	p := testPricer()

	assert.True(t, p.Price(d(500), d(500), domain.SideYes).Equal(d(0.5)))
	assert.True(t, p.Price(d(500), d(500), domain.SideNo).Equal(d(0.5)))
}

func TestPriceClamps(t *testing.T) {
	p := testPricer()

	assert.True(t, p.Price(d(1_000_000), d(0.0001), domain.SideYes).Equal(MaxPrice))
	assert.True(t, p.Price(d(0.0001), d(1_000_000), domain.SideYes).Equal(MinPrice))
}

func TestQuoteBuyHundredOnEvenMarket(t *testing.T) {
	p := testPricer()

	q, err := p.QuoteBuy(d(500), d(500), domain.SideYes, d(100))
	require.NoError(t, err)

	// $100 at the 0.1% rate: fee 0.10, net 99.90 funds the purchase.
	assert.True(t, q.Fee.Equal(d(0.10)), "fee: %s", q.Fee)
	assert.True(t, q.NetAmount.Equal(d(99.90)), "net: %s", q.NetAmount)

	// Both pools grow; the bought side grows more.
	assert.True(t, q.NewYesShares.GreaterThan(d(500)))
	assert.True(t, q.NewNoShares.GreaterThan(d(500)))
	assert.True(t, q.NewYesShares.GreaterThan(q.NewNoShares))

	// YES pool absorbs the full net, NO absorbs net × (1 − 0.5).
	assert.True(t, q.NewYesShares.Equal(d(599.90)), "yes: %s", q.NewYesShares)
	assert.True(t, q.NewNoShares.Equal(d(549.95)), "no: %s", q.NewNoShares)

	// The YES price strictly rises past 0.5.
	after := p.Price(q.NewYesShares, q.NewNoShares, domain.SideYes)
	assert.True(t, after.GreaterThan(d(0.5)), "after: %s", after)

	// Average price is the midpoint of pre and post, shares = net / avg.
	avgF, _ := q.AvgPrice.Float64()
	assert.InDelta(t, (0.5+0.5217)/2, avgF, 0.001)
	assert.True(t, q.SharesBought.Equal(q.NetAmount.Div(q.AvgPrice)))
}

func TestQuoteBuyMovesBoughtSideOnly(t *testing.T) {
	p := testPricer()

	q, err := p.QuoteBuy(d(500), d(500), domain.SideNo, d(100))
	require.NoError(t, err)

	assert.True(t, q.NewNoShares.GreaterThan(q.NewYesShares))
	after := p.Price(q.NewYesShares, q.NewNoShares, domain.SideNo)
	assert.True(t, after.GreaterThan(d(0.5)))
}

func TestQuoteBuyRejectsBadInput(t *testing.T) {
	p := testPricer()

	_, err := p.QuoteBuy(d(500), d(500), "maybe", d(100))
	assert.ErrorIs(t, err, domain.ErrInvalidSide)

	_, err = p.QuoteBuy(d(500), d(500), domain.SideYes, decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = p.QuoteBuy(d(500), d(500), domain.SideYes, d(-5))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestQuoteSellReducesPools(t *testing.T) {
	p := testPricer()

	q, err := p.QuoteSell(d(600), d(550), domain.SideYes, d(50))
	require.NoError(t, err)

	assert.True(t, q.NewYesShares.LessThan(d(600)))
	assert.True(t, q.NewNoShares.LessThan(d(550)))
	assert.True(t, q.GrossProceeds.Equal(d(50).Mul(q.AvgPrice)))
	assert.True(t, q.Payout.Equal(q.GrossProceeds.Sub(q.Fee)))
}

func TestQuoteSellLowersPrice(t *testing.T) {
	p := testPricer()

	before := p.Price(d(600), d(550), domain.SideYes)
	q, err := p.QuoteSell(d(600), d(550), domain.SideYes, d(50))
	require.NoError(t, err)

	after := p.Price(q.NewYesShares, q.NewNoShares, domain.SideYes)
	assert.True(t, after.LessThan(before))
}

func TestQuoteSellNeverDrainsPool(t *testing.T) {
	p := testPricer()

	// Selling far more than the pool holds floors at the minimum share
	// quantity instead of going to zero or negative.
	q, err := p.QuoteSell(d(1), d(1), domain.SideYes, d(1000))
	require.NoError(t, err)

	assert.True(t, q.NewYesShares.GreaterThanOrEqual(minShares))
	assert.True(t, q.NewNoShares.GreaterThanOrEqual(minShares))
}

func TestQuoteSellRejectsBadInput(t *testing.T) {
	p := testPricer()

	_, err := p.QuoteSell(d(500), d(500), "nope", d(10))
	assert.ErrorIs(t, err, domain.ErrInvalidSide)

	_, err = p.QuoteSell(d(500), d(500), domain.SideNo, decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestBuyThenSellRoundTripLosesOnlyFees(t *testing.T) {
	p := testPricer()

	buy, err := p.QuoteBuy(d(500), d(500), domain.SideYes, d(100))
	require.NoError(t, err)

	sell, err := p.QuoteSell(buy.NewYesShares, buy.NewNoShares, domain.SideYes, buy.SharesBought)
	require.NoError(t, err)

	// Selling right back recovers roughly the net spent, minus the sell fee
	// and the price impact of the round trip.
	payoutF, _ := sell.Payout.Float64()
	assert.InDelta(t, 99.90, payoutF, 1.0)
	assert.True(t, sell.Payout.LessThan(d(100)))
}
