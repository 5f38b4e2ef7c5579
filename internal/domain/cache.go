package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceCache provides fast access to the latest mark price per ticker.
type PriceCache interface {
	SetPrice(ctx context.Context, ticker string, price decimal.Decimal, ts time.Time) error
	GetPrice(ctx context.Context, ticker string) (decimal.Decimal, time.Time, error)
	GetPrices(ctx context.Context, tickers []string) (map[string]decimal.Decimal, error)
}

// SignalBus provides fire-and-forget pub/sub for engine events (trades,
// position lifecycle, liquidations, resolutions) and incoming price ticks.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// LockManager provides distributed locking, used to serialize the
// resolution path per market across processes.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter bounds the request rate per key across processes.
type RateLimiter interface {
	// Allow reports whether another event is permitted for key within the
	// current window of the given limit.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
