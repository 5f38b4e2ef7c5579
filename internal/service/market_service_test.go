package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babylonsim/marketcore/internal/domain"
	"github.com/babylonsim/marketcore/internal/oracle"
)

type marketFixture struct {
	svc     *MarketService
	markets *memMarketStore
	oracles *memOracleStore
	backend *stubBackend
	locks   *memLocks
	bus     *memBus
	audit   *memAudit
}

func newMarketFixture(t *testing.T) *marketFixture {
	t.Helper()
	logger := testLogger()

	markets := newMemMarketStore()
	oracles := newMemOracleStore()
	backend := &stubBackend{}
	locks := newMemLocks()
	bus := newMemBus()
	audit := &memAudit{}

	oracleSvc := oracle.New(backend, oracles, 5*time.Second, logger)
	svc := NewMarketService(markets, oracleSvc, locks, bus, audit, logger)

	return &marketFixture{
		svc: svc, markets: markets, oracles: oracles,
		backend: backend, locks: locks, bus: bus, audit: audit,
	}
}

func TestCreateMarketSeedsEvenOdds(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()

	m, err := f.svc.Create(ctx, CreateMarketRequest{
		QuestionID:    "q-1",
		Question:      "Will the rocket launch?",
		Outcome:       true,
		SeedLiquidity: d(1000),
	})
	require.NoError(t, err)

	// Seed split equally: the market opens at an implied probability of 0.5.
	assert.True(t, m.YesShares.Equal(d(500)))
	assert.True(t, m.NoShares.Equal(d(500)))
	assert.True(t, m.Liquidity.Equal(d(1000)))
	assert.True(t, m.ImpliedProbability().Equal(d(0.5)))
	assert.Equal(t, domain.MarketStatusOpen, m.Status)

	// The outcome was committed at creation.
	rec, err := f.oracles.GetByQuestionID(ctx, "q-1")
	require.NoError(t, err)
	assert.True(t, rec.Outcome)
	assert.False(t, rec.Revealed)
	assert.NotEmpty(t, rec.CommitmentHash)

	assert.Contains(t, f.audit.events, "market_created")
	assert.NotEmpty(t, f.bus.events("markets"))
}

func TestCreateMarketRejectsDuplicateQuestion(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateMarketRequest{
		QuestionID: "q-1", Question: "Q?", Outcome: true, SeedLiquidity: d(1000),
	})
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, CreateMarketRequest{
		QuestionID: "q-1", Question: "Q?", Outcome: false, SeedLiquidity: d(1000),
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestCreateMarketRejectsNonPositiveSeed(t *testing.T) {
	f := newMarketFixture(t)

	_, err := f.svc.Create(context.Background(), CreateMarketRequest{
		QuestionID: "q-1", Question: "Q?", SeedLiquidity: decimal.Zero,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestCreateMarketUnwindsOnCommitFailure(t *testing.T) {
	f := newMarketFixture(t)
	f.backend.commitErr = context.DeadlineExceeded
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateMarketRequest{
		QuestionID: "q-1", Question: "Q?", Outcome: true, SeedLiquidity: d(1000),
	})
	assert.ErrorIs(t, err, domain.ErrOracleUnavailable)

	// The market row must not outlive the failed commit: a market with no
	// commitment could never resolve.
	_, err = f.markets.GetByQuestionID(ctx, "q-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// With the partial state gone, a retry succeeds from scratch.
	f.backend.commitErr = nil
	m, err := f.svc.Create(ctx, CreateMarketRequest{
		QuestionID: "q-1", Question: "Q?", Outcome: true, SeedLiquidity: d(1000),
	})
	require.NoError(t, err)

	_, err = f.svc.Resolve(ctx, m.ID, true, nil, decimal.Zero)
	require.NoError(t, err)
}

func TestResolveRevealsAndFreezes(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()

	m, err := f.svc.Create(ctx, CreateMarketRequest{
		QuestionID: "q-1", Question: "Q?", Outcome: true, SeedLiquidity: d(1000),
	})
	require.NoError(t, err)

	res, err := f.svc.Resolve(ctx, m.ID, true, []string{"u1", "u2"}, d(500))
	require.NoError(t, err)
	assert.Equal(t, m.ID, res.MarketID)
	assert.True(t, res.Outcome)
	assert.Equal(t, "0xreveal", res.TxHash)

	resolved, err := f.markets.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, resolved.Status)
	require.NotNil(t, resolved.Outcome)
	assert.True(t, *resolved.Outcome)

	rec, err := f.oracles.GetByQuestionID(ctx, "q-1")
	require.NoError(t, err)
	assert.True(t, rec.Revealed)

	assert.Contains(t, f.audit.events, "market_resolved")
}

func TestResolveTwiceFails(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()

	m, err := f.svc.Create(ctx, CreateMarketRequest{
		QuestionID: "q-1", Question: "Q?", Outcome: true, SeedLiquidity: d(1000),
	})
	require.NoError(t, err)

	_, err = f.svc.Resolve(ctx, m.ID, true, nil, decimal.Zero)
	require.NoError(t, err)

	_, err = f.svc.Resolve(ctx, m.ID, true, nil, decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrMarketClosed)
}

func TestResolveMismatchedOutcomeLeavesMarketOpen(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()

	m, err := f.svc.Create(ctx, CreateMarketRequest{
		QuestionID: "q-1", Question: "Q?", Outcome: true, SeedLiquidity: d(1000),
	})
	require.NoError(t, err)

	_, err = f.svc.Resolve(ctx, m.ID, false, nil, decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrOutcomeMismatch)

	// The failed reveal must not freeze the market.
	still, err := f.markets.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusOpen, still.Status)
}

func TestResolveSerializedByLock(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()

	m, err := f.svc.Create(ctx, CreateMarketRequest{
		QuestionID: "q-1", Question: "Q?", Outcome: true, SeedLiquidity: d(1000),
	})
	require.NoError(t, err)

	// Simulate another process holding the resolve lock.
	unlock, err := f.locks.Acquire(ctx, "resolve:"+m.ID, time.Minute)
	require.NoError(t, err)
	defer unlock()

	_, err = f.svc.Resolve(ctx, m.ID, true, nil, decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestResolveUnknownMarket(t *testing.T) {
	f := newMarketFixture(t)

	_, err := f.svc.Resolve(context.Background(), "ghost", true, nil, decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
