// Package feed delivers price updates into the engine from two sources: the
// upstream price-service WebSocket and the internal "prices" pub/sub
// channel. Both converge on the same handler, which caches the price,
// re-marks open positions, and settles liquidations.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/babylonsim/marketcore/internal/domain"
)

// TickHandler applies one price update to the engine.
type TickHandler func(ctx context.Context, ticker string, price decimal.Decimal, source, reason string) error

// WSFeed connects to the price-service WebSocket, subscribes to the given
// tickers, and invokes the handler on each tick. It reconnects on
// disconnect.
type WSFeed struct {
	wsURL     string
	tickers   []string
	handler   TickHandler
	logger    *slog.Logger
	closeOnce sync.Once
	done      chan struct{}
}

// NewWSFeed creates a feed that will subscribe to the given tickers.
func NewWSFeed(wsURL string, tickers []string, handler TickHandler, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		wsURL:   wsURL,
		tickers: tickers,
		handler: handler,
		logger:  logger.With(slog.String("component", "ws_feed")),
		done:    make(chan struct{}),
	}
}

// handshakeTimeout bounds the initial connect and subscribe exchange; the
// connection itself lives until the feed stops.
const handshakeTimeout = 15 * time.Second

// Run connects, subscribes to the configured tickers, and holds the
// connection until ctx is cancelled or the feed is closed. The outer loop
// retries only a failed handshake; once established, reconnection after a
// drop is owned by the client itself, which restores subscriptions.
func (f *WSFeed) Run(ctx context.Context) error {
	if len(f.tickers) == 0 {
		f.logger.Info("no tickers to subscribe, exiting")
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}
		err := f.runConnection(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("price ws handshake failed, retrying", slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

func (f *WSFeed) runConnection(ctx context.Context) error {
	client := NewWSClient(f.wsURL)
	defer client.Close()

	client.OnTick(func(t Tick) {
		if err := f.handler(context.Background(), t.Ticker, t.Price, t.Source, t.Reason); err != nil {
			f.logger.Warn("tick handling failed",
				slog.String("ticker", t.Ticker),
				slog.String("error", err.Error()),
			)
		}
	})

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := client.Connect(hsCtx); err != nil {
		return err
	}
	if err := client.Subscribe(hsCtx, f.tickers); err != nil {
		return err
	}
	f.logger.Info("price ws subscribed", slog.Int("tickers", len(f.tickers)))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return nil
	}
}

// Close stops the feed.
func (f *WSFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

// BusFeeder subscribes to the "prices" channel and applies each published
// price update. Internal producers (simulation drivers, manual operator
// pushes) publish here instead of speaking WebSocket.
type BusFeeder struct {
	bus     domain.SignalBus
	handler TickHandler
	logger  *slog.Logger
}

// NewBusFeeder creates a BusFeeder.
func NewBusFeeder(bus domain.SignalBus, handler TickHandler, logger *slog.Logger) *BusFeeder {
	return &BusFeeder{
		bus:     bus,
		handler: handler,
		logger:  logger.With(slog.String("component", "bus_feeder")),
	}
}

// Run subscribes to "prices" and applies each message until ctx is
// cancelled. Malformed messages are logged and dropped.
func (f *BusFeeder) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, "prices")
	if err != nil {
		return err
	}
	f.logger.Info("bus feeder started")
	defer f.logger.Info("bus feeder stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.handleMessage(ctx, data); err != nil {
				f.logger.Debug("bus feeder handle message failed",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
			}
		}
	}
}

func (f *BusFeeder) handleMessage(ctx context.Context, data []byte) error {
	var msg tickMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	ticker := strings.TrimSpace(msg.Ticker)
	if ticker == "" {
		return nil
	}
	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return err
	}
	return f.handler(ctx, ticker, price, msg.Source, msg.Reason)
}
