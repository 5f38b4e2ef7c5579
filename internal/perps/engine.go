// Package perps tracks all open leveraged perpetual positions in memory,
// keeps them marked-to-market from price ticks, and surfaces liquidation
// events. The engine is a performance cache for mark-to-market; the durable
// ledger remains the system of record for realized settlement, and the
// reconciliation sweep in reconcile.go pushes in-memory deltas to storage.
//
// Concurrency: one book per ticker, each with its own mutex, so operations
// on the same position are serialized while different tickers proceed in
// parallel. The engine-level lock only guards the book and id indexes and
// is never held while a book lock is taken.
package perps

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/babylonsim/marketcore/internal/domain"
)

// Config bounds leverage and sets the liquidation maintenance buffer.
type Config struct {
	MinLeverage decimal.Decimal
	MaxLeverage decimal.Decimal
	// MaintenanceFactor is the fraction of margin that may be consumed by
	// losses before liquidation. A long opened at P with leverage L
	// liquidates at P × (1 − MaintenanceFactor/L).
	MaintenanceFactor decimal.Decimal
}

// DefaultConfig returns 1–10× leverage with a 0.95 maintenance factor.
func DefaultConfig() Config {
	return Config{
		MinLeverage:       decimal.NewFromInt(1),
		MaxLeverage:       decimal.NewFromInt(10),
		MaintenanceFactor: decimal.NewFromFloat(0.95),
	}
}

// Liquidation reports one position forcibly closed by a price tick. The
// realized loss equals the position's full remaining margin; the cash-out
// is floored at zero, never negative.
type Liquidation struct {
	Position domain.PerpPosition
	Price    decimal.Decimal
	Loss     decimal.Decimal
}

type book struct {
	mu        sync.Mutex
	positions map[string]*domain.PerpPosition
	dirty     map[string]struct{}
}

// Engine is the in-memory index of open positions. One logical instance per
// process, owned by the composition root and passed explicitly.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	books   map[string]*book
	tickers map[string]string // position id → ticker
}

// NewEngine creates an empty Engine.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "perps")),
		books:   make(map[string]*book),
		tickers: make(map[string]string),
	}
}

// LiquidationPrice computes the mark price at which losses consume the
// maintenance-adjusted margin. Exact to the cent: a penny past the result
// must liquidate, a penny short must not.
func (e *Engine) LiquidationPrice(side domain.PositionSide, entry, leverage decimal.Decimal) decimal.Decimal {
	buffer := e.cfg.MaintenanceFactor.Div(leverage)
	if side == domain.SideLong {
		return entry.Mul(decimal.NewFromInt(1).Sub(buffer)).Round(2)
	}
	return entry.Mul(decimal.NewFromInt(1).Add(buffer)).Round(2)
}

// Open creates a new position at the given entry price. Leverage is clamped
// to the configured bounds; notional size is margin × leverage.
func (e *Engine) Open(userID, ticker string, side domain.PositionSide, margin, leverage, entryPrice decimal.Decimal) (domain.PerpPosition, error) {
	if side != domain.SideLong && side != domain.SideShort {
		return domain.PerpPosition{}, fmt.Errorf("perps: %w: %q", domain.ErrInvalidSide, side)
	}
	if margin.LessThanOrEqual(decimal.Zero) {
		return domain.PerpPosition{}, fmt.Errorf("perps: %w: margin must be positive", domain.ErrInvalidAmount)
	}
	if entryPrice.LessThanOrEqual(decimal.Zero) {
		return domain.PerpPosition{}, fmt.Errorf("perps: %w: entry price must be positive", domain.ErrInvalidAmount)
	}
	if leverage.LessThanOrEqual(decimal.Zero) {
		return domain.PerpPosition{}, fmt.Errorf("perps: %w: leverage must be positive", domain.ErrInvalidLeverage)
	}
	leverage = e.ClampLeverage(leverage)

	pos := domain.PerpPosition{
		ID:               uuid.NewString(),
		UserID:           userID,
		Ticker:           ticker,
		Side:             side,
		Margin:           margin,
		Leverage:         leverage,
		Size:             margin.Mul(leverage),
		EntryPrice:       entryPrice,
		CurrentPrice:     entryPrice,
		LiquidationPrice: e.LiquidationPrice(side, entryPrice, leverage),
		UnrealizedPnL:    decimal.Zero,
		Status:           domain.PerpStatusOpen,
		OpenedAt:         time.Now().UTC(),
		MarkVersion:      1,
	}

	b := e.bookFor(ticker, pos.ID)

	b.mu.Lock()
	p := pos
	b.positions[pos.ID] = &p
	b.dirty[pos.ID] = struct{}{}
	b.mu.Unlock()

	e.logger.Info("position opened",
		slog.String("position_id", pos.ID),
		slog.String("ticker", ticker),
		slog.String("side", string(side)),
		slog.String("size", pos.Size.String()),
		slog.String("liquidation_price", pos.LiquidationPrice.String()),
	)

	return pos, nil
}

// ClampLeverage bounds positive leverage to the configured range, the same
// clamp Open applies, so callers can price the notional size of a position
// before opening it. Non-positive leverage is returned unchanged; Open
// rejects it.
func (e *Engine) ClampLeverage(leverage decimal.Decimal) decimal.Decimal {
	if leverage.LessThanOrEqual(decimal.Zero) {
		return leverage
	}
	if leverage.LessThan(e.cfg.MinLeverage) {
		return e.cfg.MinLeverage
	}
	if leverage.GreaterThan(e.cfg.MaxLeverage) {
		return e.cfg.MaxLeverage
	}
	return leverage
}

// bookFor returns the ticker's book, creating it if needed, and registers
// the position id in the ticker index when id is non-empty.
func (e *Engine) bookFor(ticker, id string) *book {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.books[ticker]
	if !ok {
		b = &book{
			positions: make(map[string]*domain.PerpPosition),
			dirty:     make(map[string]struct{}),
		}
		e.books[ticker] = b
	}
	if id != "" {
		e.tickers[id] = ticker
	}
	return b
}

// ApplyPriceUpdate re-marks every open position on the ticker against the
// new price and returns the positions whose liquidation price was crossed.
// Liquidated positions are removed from the index with a realized loss
// equal to their remaining margin. A tick for an unknown ticker is a no-op.
func (e *Engine) ApplyPriceUpdate(ticker string, price decimal.Decimal) []Liquidation {
	if price.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	e.mu.RLock()
	b, ok := e.books[ticker]
	e.mu.RUnlock()
	if !ok {
		return nil
	}

	var liqs []Liquidation

	b.mu.Lock()
	for id, pos := range b.positions {
		pos.CurrentPrice = price
		pos.UnrealizedPnL = unrealizedPnL(pos.Side, pos.EntryPrice, price, pos.Size)
		pos.MarkVersion++
		b.dirty[id] = struct{}{}

		if crossed(pos.Side, price, pos.LiquidationPrice) {
			now := time.Now().UTC()
			pos.Status = domain.PerpStatusLiquidated
			pos.ClosedAt = &now
			exit := price
			pos.ExitPrice = &exit
			// The full remaining margin is forfeited; the trader's
			// cash-out is zero, never negative.
			pos.RealizedPnL = pos.Margin.Neg()

			liqs = append(liqs, Liquidation{Position: *pos, Price: price, Loss: pos.Margin})
			delete(b.positions, id)
			delete(b.dirty, id)
		}
	}
	b.mu.Unlock()

	if len(liqs) > 0 {
		e.mu.Lock()
		for _, l := range liqs {
			delete(e.tickers, l.Position.ID)
		}
		e.mu.Unlock()
	}

	return liqs
}

// Close removes a position from the index and returns its final state with
// the realized PnL at the last marked price. Persisting the closed record
// is the caller's responsibility; a second Close for the same id fails with
// ErrPositionNotFound rather than double-settling.
func (e *Engine) Close(id string) (domain.PerpPosition, decimal.Decimal, error) {
	e.mu.RLock()
	ticker, ok := e.tickers[id]
	var b *book
	if ok {
		b = e.books[ticker]
	}
	e.mu.RUnlock()
	if !ok || b == nil {
		return domain.PerpPosition{}, decimal.Zero, fmt.Errorf("perps: close %q: %w", id, domain.ErrPositionNotFound)
	}

	b.mu.Lock()
	pos, ok := b.positions[id]
	if !ok {
		b.mu.Unlock()
		return domain.PerpPosition{}, decimal.Zero, fmt.Errorf("perps: close %q: %w", id, domain.ErrPositionNotFound)
	}
	now := time.Now().UTC()
	pos.Status = domain.PerpStatusClosed
	pos.ClosedAt = &now
	exit := pos.CurrentPrice
	pos.ExitPrice = &exit
	pos.RealizedPnL = pos.UnrealizedPnL
	final := *pos
	delete(b.positions, id)
	delete(b.dirty, id)
	b.mu.Unlock()

	e.mu.Lock()
	delete(e.tickers, id)
	e.mu.Unlock()

	return final, final.RealizedPnL, nil
}

// Has reports whether the position is in the open index.
func (e *Engine) Has(id string) bool {
	e.mu.RLock()
	_, ok := e.tickers[id]
	e.mu.RUnlock()
	return ok
}

// Get returns a copy of an open position.
func (e *Engine) Get(id string) (domain.PerpPosition, error) {
	e.mu.RLock()
	ticker, ok := e.tickers[id]
	var b *book
	if ok {
		b = e.books[ticker]
	}
	e.mu.RUnlock()
	if !ok || b == nil {
		return domain.PerpPosition{}, fmt.Errorf("perps: get %q: %w", id, domain.ErrPositionNotFound)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[id]
	if !ok {
		return domain.PerpPosition{}, fmt.Errorf("perps: get %q: %w", id, domain.ErrPositionNotFound)
	}
	return *pos, nil
}

// OpenCount returns the number of open positions across all tickers.
func (e *Engine) OpenCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.tickers)
}

// Restore loads previously persisted open positions back into the index,
// used at startup to rebuild the cache from the durable snapshot.
func (e *Engine) Restore(positions []domain.PerpPosition) {
	for _, pos := range positions {
		if pos.Status != domain.PerpStatusOpen {
			continue
		}
		b := e.bookFor(pos.Ticker, pos.ID)
		b.mu.Lock()
		p := pos
		b.positions[pos.ID] = &p
		b.mu.Unlock()
	}
}

// CollectDirty returns mark snapshots for every position touched since the
// last collection and clears the dirty sets. If the flush fails the caller
// should hand the ids back via Requeue.
func (e *Engine) CollectDirty() []domain.PositionMark {
	e.mu.RLock()
	books := make([]*book, 0, len(e.books))
	for _, b := range e.books {
		books = append(books, b)
	}
	e.mu.RUnlock()

	var marks []domain.PositionMark
	for _, b := range books {
		b.mu.Lock()
		for id := range b.dirty {
			if pos, ok := b.positions[id]; ok {
				marks = append(marks, pos.Mark())
			}
			delete(b.dirty, id)
		}
		b.mu.Unlock()
	}
	return marks
}

// Requeue re-marks positions as dirty after a failed flush so the next
// sweep retries them.
func (e *Engine) Requeue(ids []string) {
	for _, id := range ids {
		e.mu.RLock()
		ticker, ok := e.tickers[id]
		var b *book
		if ok {
			b = e.books[ticker]
		}
		e.mu.RUnlock()
		if !ok || b == nil {
			continue
		}
		b.mu.Lock()
		if _, open := b.positions[id]; open {
			b.dirty[id] = struct{}{}
		}
		b.mu.Unlock()
	}
}

// unrealizedPnL computes (current − entry) × size / entry, signed by side.
func unrealizedPnL(side domain.PositionSide, entry, current, size decimal.Decimal) decimal.Decimal {
	move := current.Sub(entry).Mul(size).Div(entry)
	if side == domain.SideShort {
		return move.Neg()
	}
	return move
}

// crossed reports whether the mark price has reached the liquidation price.
func crossed(side domain.PositionSide, price, liq decimal.Decimal) bool {
	if side == domain.SideLong {
		return price.LessThanOrEqual(liq)
	}
	return price.GreaterThanOrEqual(liq)
}
