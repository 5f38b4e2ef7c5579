package feed

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tickServer upgrades the connection, waits for the subscribe command, sends
// one price update, and then holds the connection open until the client
// disconnects.
func tickServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		tick := `{"event":"price_update","ticker":"ACME","price":"101.5","source":"sim","reason":"tick"}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(tick)); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestWSFeedHoldsConnectionUntilClosed(t *testing.T) {
	srv := tickServer(t)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	got := make(chan decimal.Decimal, 1)
	handler := func(ctx context.Context, ticker string, price decimal.Decimal, source, reason string) error {
		select {
		case got <- price:
		default:
		}
		return nil
	}

	f := NewWSFeed(wsURL, []string{"ACME"}, handler, testLogger())
	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background()) }()

	select {
	case p := <-got:
		assert.True(t, p.Equal(decimal.NewFromFloat(101.5)), "price: %s", p)
	case <-time.After(5 * time.Second):
		t.Fatal("no tick received")
	}

	// A healthy connection outlives the handshake deadline: Run keeps the
	// subscription open until the feed itself is closed.
	select {
	case err := <-done:
		t.Fatalf("feed exited while connection was healthy: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	f.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not stop after Close")
	}
}

func TestWSFeedStopsOnContextCancel(t *testing.T) {
	srv := tickServer(t)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	handler := func(ctx context.Context, ticker string, price decimal.Decimal, source, reason string) error {
		return nil
	}
	f := NewWSFeed(wsURL, []string{"ACME"}, handler, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not stop on cancel")
	}
}

func TestWSFeedNoTickersExitsCleanly(t *testing.T) {
	f := NewWSFeed("ws://unused", nil, nil, testLogger())
	require.NoError(t, f.Run(context.Background()))
}
