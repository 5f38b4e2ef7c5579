package perps

import (
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babylonsim/marketcore/internal/domain"
)

func testEngine() *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(DefaultConfig(), logger)
}

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestOpenClampsLeverage(t *testing.T) {
	e := testEngine()

	pos, err := e.Open("u1", "ACME", domain.SideLong, d(100), d(50), d(100))
	require.NoError(t, err)
	assert.True(t, pos.Leverage.Equal(d(10)), "leverage: %s", pos.Leverage)
	assert.True(t, pos.Size.Equal(d(1000)), "size: %s", pos.Size)

	pos, err = e.Open("u1", "ACME", domain.SideShort, d(100), d(0.5), d(100))
	require.NoError(t, err)
	assert.True(t, pos.Leverage.Equal(d(1)))
	assert.True(t, pos.Size.Equal(d(100)))
}

func TestOpenRejectsBadInput(t *testing.T) {
	e := testEngine()

	_, err := e.Open("u1", "ACME", "sideways", d(100), d(2), d(100))
	assert.ErrorIs(t, err, domain.ErrInvalidSide)

	_, err = e.Open("u1", "ACME", domain.SideLong, decimal.Zero, d(2), d(100))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = e.Open("u1", "ACME", domain.SideLong, d(100), d(2), decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = e.Open("u1", "ACME", domain.SideLong, d(100), decimal.Zero, d(100))
	assert.ErrorIs(t, err, domain.ErrInvalidLeverage)
}

func TestLiquidationPriceRoundsToCent(t *testing.T) {
	e := testEngine()

	// Long at 100 with 10x: 100 × (1 − 0.095) = 90.50.
	assert.True(t, e.LiquidationPrice(domain.SideLong, d(100), d(10)).Equal(d(90.50)))
	// Short at 100 with 10x: 100 × (1 + 0.095) = 109.50.
	assert.True(t, e.LiquidationPrice(domain.SideShort, d(100), d(10)).Equal(d(109.50)))
	// Long at 100 with 1x: 100 × (1 − 0.95) = 5.00.
	assert.True(t, e.LiquidationPrice(domain.SideLong, d(100), d(1)).Equal(d(5)))
}

func TestApplyPriceUpdateMarksPositions(t *testing.T) {
	e := testEngine()

	pos, err := e.Open("u1", "ACME", domain.SideLong, d(100), d(5), d(100))
	require.NoError(t, err)

	liqs := e.ApplyPriceUpdate("ACME", d(110))
	assert.Empty(t, liqs)

	got, err := e.Get(pos.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentPrice.Equal(d(110)))
	// (110 − 100) × 500 / 100 = 50.
	assert.True(t, got.UnrealizedPnL.Equal(d(50)), "pnl: %s", got.UnrealizedPnL)
	assert.Greater(t, got.MarkVersion, pos.MarkVersion)
}

func TestShortPnLIsInverted(t *testing.T) {
	e := testEngine()

	pos, err := e.Open("u1", "ACME", domain.SideShort, d(100), d(5), d(100))
	require.NoError(t, err)

	e.ApplyPriceUpdate("ACME", d(90))

	got, err := e.Get(pos.ID)
	require.NoError(t, err)
	// Short gains when price falls: (100 − 90) × 500 / 100 = 50.
	assert.True(t, got.UnrealizedPnL.Equal(d(50)), "pnl: %s", got.UnrealizedPnL)
}

func TestLiquidationBoundaryIsExact(t *testing.T) {
	e := testEngine()

	// Long at 100 with 10x liquidates at 90.50.
	pos, err := e.Open("u1", "ACME", domain.SideLong, d(100), d(10), d(100))
	require.NoError(t, err)

	// A penny short of the boundary must not liquidate.
	liqs := e.ApplyPriceUpdate("ACME", d(90.51))
	assert.Empty(t, liqs)
	assert.True(t, e.Has(pos.ID))

	// Touching the boundary must liquidate.
	liqs = e.ApplyPriceUpdate("ACME", d(90.50))
	require.Len(t, liqs, 1)
	assert.Equal(t, pos.ID, liqs[0].Position.ID)
	assert.False(t, e.Has(pos.ID))

	// The full margin is forfeited.
	assert.True(t, liqs[0].Loss.Equal(d(100)))
	assert.True(t, liqs[0].Position.RealizedPnL.Equal(d(-100)))
	assert.Equal(t, domain.PerpStatusLiquidated, liqs[0].Position.Status)
}

func TestShortLiquidationOnRally(t *testing.T) {
	e := testEngine()

	pos, err := e.Open("u1", "ACME", domain.SideShort, d(100), d(10), d(100))
	require.NoError(t, err)

	liqs := e.ApplyPriceUpdate("ACME", d(109.49))
	assert.Empty(t, liqs)

	liqs = e.ApplyPriceUpdate("ACME", d(109.50))
	require.Len(t, liqs, 1)
	assert.Equal(t, pos.ID, liqs[0].Position.ID)
}

func TestUnknownTickerTickIsNoOp(t *testing.T) {
	e := testEngine()

	assert.Nil(t, e.ApplyPriceUpdate("NOPE", d(100)))
	assert.Nil(t, e.ApplyPriceUpdate("NOPE", decimal.Zero))
}

func TestCloseIsIdempotent(t *testing.T) {
	e := testEngine()

	pos, err := e.Open("u1", "ACME", domain.SideLong, d(100), d(5), d(100))
	require.NoError(t, err)
	e.ApplyPriceUpdate("ACME", d(110))

	final, realized, err := e.Close(pos.ID)
	require.NoError(t, err)
	assert.True(t, realized.Equal(d(50)))
	assert.Equal(t, domain.PerpStatusClosed, final.Status)
	require.NotNil(t, final.ExitPrice)
	assert.True(t, final.ExitPrice.Equal(d(110)))

	// Second close must fail rather than double-settle.
	_, _, err = e.Close(pos.ID)
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
}

func TestCloseUnknownPosition(t *testing.T) {
	e := testEngine()

	_, _, err := e.Close("ghost")
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
}

func TestRestoreSkipsClosedPositions(t *testing.T) {
	e := testEngine()

	open := domain.PerpPosition{
		ID: "p1", UserID: "u1", Ticker: "ACME", Side: domain.SideLong,
		Margin: d(100), Leverage: d(5), Size: d(500),
		EntryPrice: d(100), CurrentPrice: d(100), LiquidationPrice: d(81),
		Status: domain.PerpStatusOpen, MarkVersion: 7,
	}
	closed := open
	closed.ID = "p2"
	closed.Status = domain.PerpStatusClosed

	e.Restore([]domain.PerpPosition{open, closed})

	assert.Equal(t, 1, e.OpenCount())
	assert.True(t, e.Has("p1"))
	assert.False(t, e.Has("p2"))
}

func TestCollectDirtyAndRequeue(t *testing.T) {
	e := testEngine()

	pos, err := e.Open("u1", "ACME", domain.SideLong, d(100), d(5), d(100))
	require.NoError(t, err)

	marks := e.CollectDirty()
	require.Len(t, marks, 1)
	assert.Equal(t, pos.ID, marks[0].ID)

	// Nothing dirty until the next mutation.
	assert.Empty(t, e.CollectDirty())

	e.Requeue([]string{pos.ID, "ghost"})
	marks = e.CollectDirty()
	require.Len(t, marks, 1)
	assert.Equal(t, pos.ID, marks[0].ID)
}
