// Package spotfeed maintains a live reference price for the underlying
// asset, fed by a push subscription over WebSocket. Auto-reconnects with
// exponential backoff; consumers never block waiting on it — an unready
// feed just means "skip this tick" to whoever is reading it.
package spotfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxReconnectWait = 30 * time.Second
	readTimeout      = 90 * time.Second
	pingInterval     = 50 * time.Second
	writeTimeout     = 10 * time.Second
)

// ErrNotReady is returned by Latest before the first price has arrived.
var ErrNotReady = fmt.Errorf("spotfeed: not ready")

// singlePoint is the update-on-every-tick payload shape.
type singlePoint struct {
	Symbol    string  `json:"symbol"`
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// historicalDump is sent once on subscribe, carrying a backfill.
type historicalDump struct {
	Symbol string `json:"symbol"`
	Data   []struct {
		Timestamp int64   `json:"timestamp"`
		Value     float64 `json:"value"`
	} `json:"data"`
}

// Feed is a single-writer, many-reader live price cache.
type Feed struct {
	url    string
	symbol string
	logger *slog.Logger

	mu           sync.RWMutex
	latest       float64
	ready        bool
	strikeRef    float64 // first value of the historical dump, if any
	strikeRefSet bool

	conn   *websocket.Conn
	connMu sync.Mutex

	closed atomic.Bool
}

// New constructs a spot feed for the given asset symbol.
func New(wsURL, symbol string, logger *slog.Logger) *Feed {
	return &Feed{
		url:    wsURL,
		symbol: symbol,
		logger: logger.With("component", "spotfeed"),
	}
}

// Latest returns the most recently observed price. Fails with ErrNotReady
// until the first sample has arrived.
func (f *Feed) Latest() (float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.ready {
		return 0, ErrNotReady
	}
	return f.latest, nil
}

// Ready reports whether at least one price has been observed.
func (f *Feed) Ready() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.ready
}

// StrikeReference returns the first sample of the historical dump observed
// on subscribe, if the upstream sent one. Market discovery does not read it;
// strikes come from the strike endpoint or an operator override.
func (f *Feed) StrikeReference() (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.strikeRef, f.strikeRefSet
}

// Close stops the feed and closes any live connection.
func (f *Feed) Close() error {
	f.closed.Store(true)
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

// Run connects and maintains the subscription with auto-reconnect. Blocks
// until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if f.closed.Load() {
			return nil
		}

		f.logger.Warn("spot feed disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	sub := map[string]any{"type": "subscribe", "topic": "price", "symbol": f.symbol}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("spot feed connected", "symbol", f.symbol)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.handleMessage(msg)
	}
}

func (f *Feed) handleMessage(data []byte) {
	var envelope struct {
		Symbol string           `json:"symbol"`
		Data   json.RawMessage  `json:"data"`
		Value  *float64         `json:"value"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json spot message", "data", string(data))
		return
	}
	if envelope.Symbol != "" && envelope.Symbol != f.symbol {
		return
	}

	if envelope.Data != nil {
		var dump historicalDump
		if err := json.Unmarshal(data, &dump); err != nil {
			f.logger.Error("unmarshal historical dump", "error", err)
			return
		}
		if len(dump.Data) == 0 {
			return
		}
		f.mu.Lock()
		first := dump.Data[0].Value
		if first > 0 {
			f.strikeRef = first
			f.strikeRefSet = true
		}
		last := dump.Data[len(dump.Data)-1]
		if last.Value > 0 {
			f.latest = last.Value
			f.ready = true
		}
		f.mu.Unlock()
		return
	}

	var point singlePoint
	if err := json.Unmarshal(data, &point); err != nil {
		f.logger.Error("unmarshal spot point", "error", err)
		return
	}
	if point.Value <= 0 {
		return
	}

	f.mu.Lock()
	f.latest = point.Value
	f.ready = true
	f.mu.Unlock()
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.connMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.TextMessage, []byte("PING"))
			f.connMu.Unlock()
			if err != nil {
				f.logger.Warn("spot feed ping failed", "error", err)
				return
			}
		}
	}
}
