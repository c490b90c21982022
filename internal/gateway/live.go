package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"scalper15m/internal/exchange"
	"scalper15m/pkg/types"
)

// orderRequest is the wire shape POSTed to the venue's order endpoint.
type orderRequest struct {
	TokenID string  `json:"token_id"`
	Side    string  `json:"side"`
	Price   float64 `json:"price,omitempty"`
	Size    float64 `json:"size,omitempty"`
	Amount  float64 `json:"amount,omitempty"`
	TIF     string  `json:"tif"`
}

type orderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Filled  bool   `json:"filled"`
}

// orderFillEvent is one message on the authenticated order/fill channel.
type orderFillEvent struct {
	OrderID string  `json:"order_id"`
	TokenID string  `json:"token_id"`
	Side    string  `json:"side"`
	Status  string  `json:"status"`
	Price   float64 `json:"price"`
	Size    float64 `json:"size"`
}

// Live is the execution gateway backend for real trading. It signs every
// request with the configured Signer, rate-limits outbound calls the same
// way the reference client did, and mirrors its own order/position state
// from an authenticated WebSocket fill channel rather than polling. Request
// signing is delegated to the exchange.Signer passed in at construction (no
// credential derivation or caching happens here); this type only adds the
// HTTP/WS plumbing around it.
type Live struct {
	http    *resty.Client
	limiter *exchange.RateLimiter
	signer  exchange.Signer
	wsURL   string
	logger  *slog.Logger

	mu        sync.Mutex
	orders    map[string]*types.Order
	positions map[string]types.Position
	cash      float64

	closed atomic.Bool
}

// NewLive builds a live gateway. clobBaseURL is the REST base for order
// placement/cancellation; fillWSURL is the authenticated push channel for
// order/fill events (empty disables it — the gateway then relies solely on
// optimistic local state from its own request responses).
func NewLive(clobBaseURL, fillWSURL string, signer exchange.Signer, logger *slog.Logger) *Live {
	client := resty.New().
		SetBaseURL(clobBaseURL).
		SetTimeout(10 * time.Second)

	return &Live{
		http:      client,
		limiter:   exchange.NewRateLimiter(),
		signer:    signer,
		wsURL:     fillWSURL,
		logger:    logger.With("component", "gateway.live"),
		orders:    make(map[string]*types.Order),
		positions: make(map[string]types.Position),
	}
}

// Run maintains the order/fill WebSocket channel, reconnecting with the same
// exponential backoff shape used for the spot feed. Returns when ctx is
// cancelled or Close is called. A no-op if no fill URL was configured.
func (l *Live) Run(ctx context.Context) error {
	if l.wsURL == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if l.closed.Load() || ctx.Err() != nil {
			return ctx.Err()
		}

		if err := l.runOnce(ctx); err != nil {
			l.logger.Warn("order feed disconnected, reconnecting", "error", err, "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (l *Live) runOnce(ctx context.Context) error {
	headers, err := l.signer.Headers("GET", "/ws/orders", "")
	if err != nil {
		return fmt.Errorf("sign ws auth: %w", err)
	}

	dialer := websocket.DefaultDialer
	httpHeader := make(map[string][]string, len(headers))
	for k, v := range headers {
		httpHeader[k] = []string{v}
	}
	conn, _, err := dialer.DialContext(ctx, l.wsURL, httpHeader)
	if err != nil {
		return fmt.Errorf("dial order feed: %w", err)
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read order feed: %w", err)
		}
		l.handleFillEvent(data)
	}
}

func (l *Live) handleFillEvent(data []byte) {
	var evt orderFillEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		l.logger.Debug("discarding malformed order feed message", "error", err)
		return
	}
	if evt.Status != "FILLED" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if ord, ok := l.orders[evt.OrderID]; ok {
		ord.Status = types.StatusFilled
	}
	l.applyFillLocked(evt.TokenID, types.Side(evt.Side), evt.Price, evt.Size)
}

func (l *Live) applyFillLocked(token string, side types.Side, price, size float64) {
	pos, existed := l.positions[token]
	switch side {
	case types.BUY:
		l.cash -= price * size
		totalCost := pos.EntryPrice*pos.Size + price*size
		pos.TokenID = token
		pos.Size += size
		if pos.Size > 0 {
			pos.EntryPrice = totalCost / pos.Size
		}
		pos.EntryTime = time.Now()
		l.positions[token] = pos
	case types.SELL:
		l.cash += price * size
		if !existed {
			return
		}
		pos.Size -= size
		if pos.Size < types.PositionEpsilon {
			delete(l.positions, token)
			return
		}
		l.positions[token] = pos
	}
}

// Close stops the reconnect loop.
func (l *Live) Close() {
	l.closed.Store(true)
}

// PlaceLimit signs and submits a resting order.
func (l *Live) PlaceLimit(ctx context.Context, token string, side types.Side, limit, size float64, tif types.TimeInForce) (string, error) {
	if err := l.limiter.Order.Wait(ctx); err != nil {
		return "", err
	}

	body := orderRequest{TokenID: token, Side: string(side), Price: limit, Size: size, TIF: string(tif)}
	resp, err := l.post(ctx, "/order", body)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	l.orders[resp.OrderID] = &types.Order{
		ID: resp.OrderID, TokenID: token, Side: side, Price: limit, Size: size,
		TIF: tif, Status: types.StatusPending, PlacedAt: time.Now(),
	}
	l.mu.Unlock()

	return resp.OrderID, nil
}

// PlaceFOK submits a fill-or-kill order for amount at refPrice.
func (l *Live) PlaceFOK(ctx context.Context, token string, side types.Side, amount, refPrice float64) (string, error) {
	if err := l.limiter.Order.Wait(ctx); err != nil {
		return "", err
	}

	body := orderRequest{TokenID: token, Side: string(side), Price: refPrice, Amount: amount, TIF: string(types.FOK)}
	resp, err := l.post(ctx, "/order", body)
	if err != nil {
		return "", err
	}
	if !resp.Filled {
		return "", ErrFOKUnfilled
	}

	size := amount
	if side == types.BUY && refPrice > 0 {
		size = amount / refPrice
	}

	l.mu.Lock()
	l.orders[resp.OrderID] = &types.Order{
		ID: resp.OrderID, TokenID: token, Side: side, Price: refPrice, Size: size,
		TIF: types.FOK, Status: types.StatusFilled, PlacedAt: time.Now(),
	}
	l.applyFillLocked(token, side, refPrice, size)
	l.mu.Unlock()

	return resp.OrderID, nil
}

// Cancel cancels a resting order by id.
func (l *Live) Cancel(ctx context.Context, orderID string) (bool, error) {
	if err := l.limiter.Cancel.Wait(ctx); err != nil {
		return false, err
	}

	r, err := l.authed(ctx, "DELETE", "/order/"+orderID, nil).Delete("/order/" + orderID)
	if err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	if r.StatusCode() == 404 {
		return false, ErrOrderNotFound
	}
	if r.IsError() {
		return false, fmt.Errorf("cancel order: status %d", r.StatusCode())
	}

	l.mu.Lock()
	if ord, ok := l.orders[orderID]; ok {
		ord.Status = types.StatusCancelled
	}
	l.mu.Unlock()
	return true, nil
}

// ExecuteFAK submits an immediate best-effort order for size at price.
func (l *Live) ExecuteFAK(ctx context.Context, token string, side types.Side, price, size float64) (bool, error) {
	if price <= 0 || size <= 0 {
		return false, nil
	}
	if err := l.limiter.Order.Wait(ctx); err != nil {
		return false, err
	}

	body := orderRequest{TokenID: token, Side: string(side), Price: price, Size: size, TIF: string(types.FAK)}
	resp, err := l.post(ctx, "/order", body)
	if err != nil {
		return false, err
	}
	if !resp.Filled {
		return false, nil
	}

	l.mu.Lock()
	l.orders[resp.OrderID] = &types.Order{
		ID: resp.OrderID, TokenID: token, Side: side, Price: price, Size: size,
		TIF: types.FAK, Status: types.StatusFilled, PlacedAt: time.Now(),
	}
	l.applyFillLocked(token, side, price, size)
	l.mu.Unlock()
	return true, nil
}

// IsFilled reports the last-known status of orderID from local state, kept
// current by the order/fill WebSocket channel and this gateway's own
// optimistic updates on FOK/FAK success.
func (l *Live) IsFilled(orderID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	ord, ok := l.orders[orderID]
	return ok && ord.Status == types.StatusFilled
}

// Position returns the locally-mirrored position for token.
func (l *Live) Position(token string) (types.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[token]
	return pos, ok
}

// AllPositions returns every locally-mirrored non-empty position.
func (l *Live) AllPositions() map[string]types.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]types.Position, len(l.positions))
	for k, v := range l.positions {
		out[k] = v
	}
	return out
}

// Cash returns the locally-mirrored cash balance. Wallet balance
// introspection against the chain itself is out of scope (§1); this value
// only reflects fills this gateway has observed since process start.
func (l *Live) Cash() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cash
}

// OpenOrders returns every locally-tracked PENDING order.
func (l *Live) OpenOrders() []types.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.Order, 0, len(l.orders))
	for _, ord := range l.orders {
		if ord.Status == types.StatusPending {
			out = append(out, *ord)
		}
	}
	return out
}

// ClearAll cancels every locally-tracked open order on the venue.
func (l *Live) ClearAll(ctx context.Context) error {
	for _, ord := range l.OpenOrders() {
		if _, err := l.Cancel(ctx, ord.ID); err != nil {
			l.logger.Error("clear_all: cancel failed", "order_id", ord.ID, "error", err)
		}
	}
	return nil
}

func (l *Live) post(ctx context.Context, path string, body orderRequest) (*orderResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	var out orderResponse
	r, err := l.authed(ctx, "POST", path, payload).
		SetBody(payload).
		SetResult(&out).
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	if r.IsError() {
		return nil, fmt.Errorf("post %s: status %d", path, r.StatusCode())
	}
	return &out, nil
}

func (l *Live) authed(ctx context.Context, method, path string, body []byte) *resty.Request {
	headers, err := l.signer.Headers(method, path, string(body))
	req := l.http.R().SetContext(ctx)
	if err != nil {
		l.logger.Error("sign request failed", "error", err)
		return req
	}
	return req.SetHeaders(headers)
}
