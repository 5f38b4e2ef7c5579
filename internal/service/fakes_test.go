package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/babylonsim/marketcore/internal/domain"
	"github.com/babylonsim/marketcore/internal/oracle"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// ---------------------------------------------------------------------------
// In-memory stores
// ---------------------------------------------------------------------------

type memMarketStore struct {
	mu      sync.Mutex
	markets map[string]*domain.PredictionMarket
}

func newMemMarketStore() *memMarketStore {
	return &memMarketStore{markets: make(map[string]*domain.PredictionMarket)}
}

func (s *memMarketStore) Create(ctx context.Context, m domain.PredictionMarket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.ID]; ok {
		return domain.ErrAlreadyExists
	}
	cp := m
	s.markets[m.ID] = &cp
	return nil
}

func (s *memMarketStore) GetByID(ctx context.Context, id string) (domain.PredictionMarket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.PredictionMarket{}, domain.ErrNotFound
	}
	return *m, nil
}

func (s *memMarketStore) GetByQuestionID(ctx context.Context, questionID string) (domain.PredictionMarket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.markets {
		if m.QuestionID == questionID {
			return *m, nil
		}
	}
	return domain.PredictionMarket{}, domain.ErrNotFound
}

func (s *memMarketStore) UpdatePools(ctx context.Context, id string, yes, no, liquidity decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.ErrNotFound
	}
	if m.Status != domain.MarketStatusOpen {
		return domain.ErrMarketClosed
	}
	m.YesShares, m.NoShares, m.Liquidity = yes, no, liquidity
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memMarketStore) Resolve(ctx context.Context, id string, outcome bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.ErrNotFound
	}
	if m.Status != domain.MarketStatusOpen {
		return domain.ErrMarketClosed
	}
	now := time.Now().UTC()
	m.Status = domain.MarketStatusResolved
	m.Outcome = &outcome
	m.ResolvedAt = &now
	return nil
}

func (s *memMarketStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.ErrNotFound
	}
	if m.Status != domain.MarketStatusOpen {
		return domain.ErrMarketClosed
	}
	delete(s.markets, id)
	return nil
}

func (s *memMarketStore) ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.PredictionMarket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PredictionMarket
	for _, m := range s.markets {
		if m.Status == domain.MarketStatusOpen {
			out = append(out, *m)
		}
	}
	return out, nil
}

type memPositionStore struct {
	mu        sync.Mutex
	positions map[string]*domain.PerpPosition
	closeErr  error
}

func newMemPositionStore() *memPositionStore {
	return &memPositionStore{positions: make(map[string]*domain.PerpPosition)}
}

func (s *memPositionStore) Create(ctx context.Context, pos domain.PerpPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := pos
	s.positions[pos.ID] = &cp
	return nil
}

func (s *memPositionStore) UpsertMarks(ctx context.Context, marks []domain.PositionMark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range marks {
		if p, ok := s.positions[m.ID]; ok && p.Status == domain.PerpStatusOpen && p.MarkVersion < m.MarkVersion {
			p.CurrentPrice = m.CurrentPrice
			p.UnrealizedPnL = m.UnrealizedPnL
			p.MarkVersion = m.MarkVersion
		}
	}
	return nil
}

func (s *memPositionStore) Close(ctx context.Context, id string, exitPrice, realizedPnL decimal.Decimal, status domain.PositionStatus) error {
	if s.closeErr != nil {
		return s.closeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok || p.Status != domain.PerpStatusOpen {
		return domain.ErrPositionNotFound
	}
	now := time.Now().UTC()
	p.Status = status
	p.ExitPrice = &exitPrice
	p.RealizedPnL = realizedPnL
	p.ClosedAt = &now
	return nil
}

func (s *memPositionStore) GetByID(ctx context.Context, id string) (domain.PerpPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.PerpPosition{}, domain.ErrNotFound
	}
	return *p, nil
}

func (s *memPositionStore) ListOpen(ctx context.Context) ([]domain.PerpPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PerpPosition
	for _, p := range s.positions {
		if p.Status == domain.PerpStatusOpen {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *memPositionStore) ListOpenByUser(ctx context.Context, userID string) ([]domain.PerpPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PerpPosition
	for _, p := range s.positions {
		if p.Status == domain.PerpStatusOpen && p.UserID == userID {
			out = append(out, *p)
		}
	}
	return out, nil
}

type memLedger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	entries  []domain.BalanceEntry
}

func newMemLedger() *memLedger {
	return &memLedger{balances: make(map[string]decimal.Decimal)}
}

func (s *memLedger) fund(userID string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] = amount
}

func (s *memLedger) Append(ctx context.Context, e domain.BalanceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.entries {
		if have.ID == e.ID {
			return nil
		}
	}
	s.entries = append(s.entries, e)
	s.balances[e.UserID] = s.balances[e.UserID].Add(e.Amount)
	return nil
}

func (s *memLedger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[userID]
	if !ok {
		return decimal.Zero, domain.ErrNotFound
	}
	return b, nil
}

func (s *memLedger) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.BalanceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.BalanceEntry
	for _, e := range s.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memLedger) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.BalanceEntry, error) {
	return nil, nil
}

func (s *memLedger) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// entriesOfKind returns the user's entries of one kind.
func (s *memLedger) entriesOfKind(kind domain.EntryKind) []domain.BalanceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.BalanceEntry
	for _, e := range s.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type memFeeStore struct {
	mu       sync.Mutex
	recorded []domain.FeeSettlement
}

func (s *memFeeStore) Record(ctx context.Context, set domain.FeeSettlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, set)
	return nil
}

func (s *memFeeStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.TradingFeeRecord, error) {
	return nil, nil
}

func (s *memFeeStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.TradingFeeRecord, error) {
	return nil, nil
}

func (s *memFeeStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type stubUserStore struct {
	referrers map[string]string
}

func (s *stubUserStore) GetByID(ctx context.Context, id string) (domain.User, error) {
	return domain.User{ID: id}, nil
}

func (s *stubUserStore) GetReferrer(ctx context.Context, userID string) (string, error) {
	if r, ok := s.referrers[userID]; ok {
		return r, nil
	}
	return "", domain.ErrNotFound
}

// ---------------------------------------------------------------------------
// Cache / bus / audit fakes
// ---------------------------------------------------------------------------

type memPriceCache struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func newMemPriceCache() *memPriceCache {
	return &memPriceCache{prices: make(map[string]decimal.Decimal)}
}

func (c *memPriceCache) SetPrice(ctx context.Context, ticker string, price decimal.Decimal, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[ticker] = price
	return nil
}

func (c *memPriceCache) GetPrice(ctx context.Context, ticker string) (decimal.Decimal, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[ticker]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return p, time.Now().UTC(), nil
}

func (c *memPriceCache) GetPrices(ctx context.Context, tickers []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	for _, t := range tickers {
		if p, _, err := c.GetPrice(ctx, t); err == nil {
			out[t] = p
		}
	}
	return out, nil
}

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{published: make(map[string][][]byte)}
}

func (b *memBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *memBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *memBus) events(channel string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[channel]
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *memAudit) Log(ctx context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocks() *memLocks {
	return &memLocks{held: make(map[string]bool)}
}

func (l *memLocks) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

// ---------------------------------------------------------------------------
// Oracle fakes
// ---------------------------------------------------------------------------

type stubBackend struct {
	commitErr error
	revealErr error
}

func (b *stubBackend) Commit(ctx context.Context, sessionKey, commitment [32]byte) (string, uint64, error) {
	if b.commitErr != nil {
		return "", 0, b.commitErr
	}
	return "0xcommit", 1, nil
}

func (b *stubBackend) Reveal(ctx context.Context, sessionKey [32]byte, outcome bool, salt [32]byte) (string, uint64, error) {
	if b.revealErr != nil {
		return "", 0, b.revealErr
	}
	return "0xreveal", 2, nil
}

func (b *stubBackend) GameInfo(ctx context.Context, sessionKey [32]byte) (oracle.GameState, error) {
	return oracle.GameState{}, nil
}

func (b *stubBackend) Ping(ctx context.Context) error { return nil }

type memOracleStore struct {
	mu         sync.Mutex
	byQuestion map[string]*domain.OracleCommitment
}

func newMemOracleStore() *memOracleStore {
	return &memOracleStore{byQuestion: make(map[string]*domain.OracleCommitment)}
}

func (s *memOracleStore) Create(ctx context.Context, c domain.OracleCommitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byQuestion[c.QuestionID]; ok {
		return domain.ErrAlreadyExists
	}
	cp := c
	s.byQuestion[c.QuestionID] = &cp
	return nil
}

func (s *memOracleStore) GetByQuestionID(ctx context.Context, questionID string) (domain.OracleCommitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byQuestion[questionID]
	if !ok {
		return domain.OracleCommitment{}, domain.ErrNotFound
	}
	return *c, nil
}

func (s *memOracleStore) GetBySessionID(ctx context.Context, sessionID string) (domain.OracleCommitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.byQuestion {
		if c.SessionID == sessionID {
			return *c, nil
		}
	}
	return domain.OracleCommitment{}, domain.ErrNotFound
}

func (s *memOracleStore) SetCommitTx(ctx context.Context, sessionID, txHash string, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.byQuestion {
		if c.SessionID == sessionID {
			c.CommitTxHash = txHash
			c.CommitBlock = block
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *memOracleStore) MarkRevealed(ctx context.Context, sessionID, revealTxHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.byQuestion {
		if c.SessionID == sessionID {
			if c.Revealed {
				return domain.ErrAlreadyRevealed
			}
			now := time.Now().UTC()
			c.Revealed = true
			c.RevealTxHash = revealTxHash
			c.RevealedAt = &now
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *memOracleStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for q, c := range s.byQuestion {
		if c.SessionID == sessionID {
			delete(s.byQuestion, q)
			return nil
		}
	}
	return nil
}
