// Package strategy implements the scalper's entry/exit state machine: gating
// a candidate direction against the order book, sizing and submitting the
// entry, then managing the resulting position to a limit sell, a stop-loss,
// or hold-to-maturity. One Core instance drives exactly one active market at
// a time; it is reset wholesale at market rotation.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"scalper15m/internal/config"
	"scalper15m/internal/gateway"
	"scalper15m/internal/quant"
	"scalper15m/pkg/types"
)

const (
	priceRingCapacity = 60

	// slippage subtracted from best_bid when computing a stop-loss exit price.
	stopLossSlippage = 0.02
	minExitPrice     = 0.01

	// ceiling a resting profit-target SELL is capped at; for an entry at or
	// above this the position is managed by the stop-loss monitor and hold-to-maturity only.
	noRestingSellCeiling = 0.99

	// window before expiry in which a still-resting limit SELL is abandoned
	// in favor of letting the naked long settle.
	holdToMaturityWindow = 45 * time.Second
	holdToMaturityBid    = 0.94

	// at or below this much time remaining, no new entries are considered.
	entryTimeGateSeconds = 150
)

// bookSource is the subset of market.BookSource the strategy needs.
type bookSource interface {
	Book(ctx context.Context, tokenID string) (types.BookSnapshot, error)
}

// activePosition is the strategy's view of one open long, independent of the
// gateway's own Position bookkeeping (§3 assigns the gateway exclusive
// ownership of cash/Position; this struct only tracks what the ledger and
// exit logic need).
type activePosition struct {
	BuyOrderID         string
	TokenID            string
	TokenType          types.TokenType
	Direction          quant.Direction
	EntryPrice         float64
	Size               float64
	SellOrderID        string // resting GTC profit-target SELL, empty if none
	FixedStopDist      float64
	BreakevenTriggered bool
}

// Core is the strategy state machine for one active market. Grounded on the
// reference market-maker's Run-loop shape (one struct, one logger, mutable
// state guarded by a single mutex) with the quoting model replaced by the
// gate chain below.
type Core struct {
	cfg    *config.Config
	gw     gateway.Gateway
	books  bookSource
	quant  *quant.Engine
	logger *slog.Logger

	mu          sync.Mutex
	market      *types.Market
	trades      []types.TradeRecord
	active      map[string]*activePosition // keyed by buy order id
	session     types.SessionState
	breaker     types.CircuitBreakerState
	tradingLock bool // set by ExecuteTrade; cleared on a failed entry, when the position closes (limit SELL fill or stop-loss), or by Reset; checked by ShouldEnter's no-pending-trade gate
	lastTradeAt time.Time
	tradeSeq    int

	// bid-history rings for UP/DOWN, refreshed every tick per §4.6.1 for
	// future trend-confirmation use — the active v2.1 policy does not yet
	// condition entries on them.
	bidHistoryUp   *types.PriceRing
	bidHistoryDown *types.PriceRing

	monitorBusy atomic.Bool // reentrancy guard for the stop-loss monitor
}

// New constructs a Core for the given configuration and collaborators.
func New(cfg *config.Config, gw gateway.Gateway, books bookSource, quantEngine *quant.Engine, logger *slog.Logger) *Core {
	return &Core{
		cfg:            cfg,
		gw:             gw,
		books:          books,
		quant:          quantEngine,
		logger:         logger.With("component", "strategy"),
		active:         make(map[string]*activePosition),
		session:        types.SessionState{StartedAt: time.Now()},
		bidHistoryUp:   types.NewPriceRing(priceRingCapacity),
		bidHistoryDown: types.NewPriceRing(priceRingCapacity),
	}
}

// SetMarket installs the currently active market. Called by the scheduler
// once per rotation, after Reset has wiped the rest of the per-market state
// (Reset leaves the market field alone).
func (c *Core) SetMarket(m *types.Market) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.market = m
}

// Reset wipes all per-market state: active positions, trade ledger, trading
// lock, circuit breaker, session state, and price-history rings. Called by
// the scheduler on market rotation, after the emergency wind-down and report
// finalization have already run (§4.7 Market rotation).
func (c *Core) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.trades = nil
	c.active = make(map[string]*activePosition)
	c.session = types.SessionState{StartedAt: time.Now()}
	c.breaker = types.CircuitBreakerState{}
	c.tradingLock = false
	c.tradeSeq = 0
	c.bidHistoryUp.Reset()
	c.bidHistoryDown.Reset()
	c.quant.Reset()
}

// ObserveBids records the latest UP/DOWN bid into the trend-tracking rings.
// Called once per main tick regardless of whether an entry is attempted.
func (c *Core) ObserveBids(upBid, downBid float64, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if upBid > 0 {
		c.bidHistoryUp.Push(types.PricePoint{Price: upBid, Timestamp: at})
	}
	if downBid > 0 {
		c.bidHistoryDown.Push(types.PricePoint{Price: downBid, Timestamp: at})
	}
}

// SafeZone reports whether either token's mid-price lies in the tradeable
// entry band, letting the scheduler short-circuit redundant strategy
// invocation when the whole book sits in the "kill zone" (§4.6.7).
func (c *Core) SafeZone(upBook, downBook types.BookSnapshot) bool {
	inBand := func(b types.BookSnapshot) bool {
		mid := b.Mid()
		return mid >= c.cfg.MinEntryPrice && mid <= c.cfg.MaxEntryPrice
	}
	return inBand(upBook) || inBand(downBook)
}

// ShouldEnter runs the six ordered entry gates of §4.6.1 and, on success,
// returns the accepted direction. The first failing gate short-circuits the
// rest; reason is for logging/statistics only.
func (c *Core) ShouldEnter(spot float64, remainingSeconds float64, upBook, downBook types.BookSnapshot) (dir quant.Direction, ok bool, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session.Locked {
		return "", false, "session_locked"
	}

	market := c.market
	if market == nil {
		return "", false, "no_active_market"
	}

	dir = quant.DirDown
	candidate := downBook
	if spot > market.Strike {
		dir = quant.DirUp
		candidate = upBook
	}

	if candidate.BestAsk < c.cfg.MinEntryPrice || candidate.BestAsk > c.cfg.MaxEntryPrice {
		return "", false, "price_out_of_band"
	}

	if c.breaker.CoolingDown {
		return "", false, "circuit_breaker"
	}

	if time.Since(c.lastTradeAt) < time.Duration(c.cfg.MinTradeIntervalMs)*time.Millisecond {
		return "", false, "rate_limited"
	}

	if c.tradingLock {
		return "", false, "trade_in_flight"
	}
	if len(c.active) > 0 {
		return "", false, "position_already_open"
	}
	if c.gw.Cash() < c.cfg.MinOrderSize {
		return "", false, "insufficient_cash"
	}

	if remainingSeconds <= entryTimeGateSeconds {
		return "", false, "too_close_to_expiry"
	}

	return dir, true, ""
}

// ExecuteTrade runs the nine-step execution sequence of §4.6.2 for the
// accepted direction. Holds the strategy mutex for the whole sequence, per
// §5's "applied under the same logical critical section" guarantee.
func (c *Core) ExecuteTrade(ctx context.Context, dir quant.Direction) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.active) > 0 {
		return false, nil // re-check: another entry landed between gating and here
	}

	market := c.market
	if market == nil {
		return false, nil
	}

	tokenID := market.DownToken
	tokenType := types.TokenDown
	if dir == quant.DirUp {
		tokenID = market.UpToken
		tokenType = types.TokenUp
	}

	c.tradingLock = true

	book, err := c.books.Book(ctx, tokenID)
	if err != nil || book.BestAsk <= 0 {
		c.tradingLock = false
		return false, nil
	}
	if book.BestAsk-book.BestBid > c.cfg.MaxAllowedSpread {
		c.tradingLock = false
		return false, nil
	}

	cash := c.gw.Cash()
	if cash < c.cfg.MinOrderSize {
		c.tradingLock = false
		return false, nil
	}
	amount := clamp(cash*c.cfg.TradeSizePct, c.cfg.MinOrderSize, cash)

	price := round4(book.BestAsk)
	size := round4(amount / price)
	finalAmount := price * size

	buyID, err := c.gw.PlaceFOK(ctx, tokenID, types.BUY, finalAmount, price)
	if err != nil {
		c.logger.Warn("entry FOK failed", "token", tokenID, "error", err)
		c.tradingLock = false
		return false, nil
	}

	now := time.Now()
	c.lastTradeAt = now
	c.trades = append(c.trades, types.TradeRecord{
		ID:        c.nextTradeID(),
		Slug:      market.Slug,
		Side:      types.BUY,
		TokenID:   tokenID,
		TokenType: tokenType,
		Price:     price,
		Size:      size,
		Status:    types.StatusFilled,
		Timestamp: now,
		OrderID:   buyID,
	})

	pos := &activePosition{
		BuyOrderID:    buyID,
		TokenID:       tokenID,
		TokenType:     tokenType,
		Direction:     dir,
		EntryPrice:    price,
		Size:          size,
		FixedStopDist: c.cfg.FixedStopLoss,
	}
	c.active[buyID] = pos

	if price < noRestingSellCeiling {
		sellPrice := math.Min(round4(price+c.cfg.FixedProfitTarget), noRestingSellCeiling)
		sellID, err := c.gw.PlaceLimit(ctx, tokenID, types.SELL, sellPrice, size, types.GTC)
		if err != nil {
			c.logger.Warn("resting profit-target SELL failed", "token", tokenID, "error", err)
		} else {
			pos.SellOrderID = sellID
			c.trades = append(c.trades, types.TradeRecord{
				ID:         c.nextTradeID(),
				Slug:       market.Slug,
				Side:       types.SELL,
				TokenID:    tokenID,
				TokenType:  tokenType,
				Price:      sellPrice,
				Size:       size,
				Status:     types.StatusPending,
				PairedWith: buyID,
				ExitType:   types.ExitLimit,
				Timestamp:  now,
				OrderID:    sellID,
			})
		}
	}

	c.logger.Info("entry executed", "direction", dir, "token", tokenID, "price", price, "size", size)
	return true, nil
}

// CheckSellFills polls every open resting profit-target SELL for a fill and
// closes the matching position, updating session P&L and the trading lock.
// Works uniformly across paper and live gateways since both implement
// IsFilled; the caller is responsible for having already driven the
// gateway's own fill-check pass (paper mode only) earlier in the tick.
func (c *Core) CheckSellFills(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for buyID, pos := range c.active {
		if pos.SellOrderID == "" || !c.gw.IsFilled(pos.SellOrderID) {
			continue
		}

		var sellPrice float64
		for i := range c.trades {
			if c.trades[i].OrderID == pos.SellOrderID {
				c.trades[i].Status = types.StatusFilled
				sellPrice = c.trades[i].Price
				break
			}
		}

		c.session.PnL += (sellPrice - pos.EntryPrice) * pos.Size
		c.session.TradeCount++
		c.applySessionLockLocked()

		delete(c.active, buyID)
		c.tradingLock = false
		c.logger.Info("limit sell filled", "token", pos.TokenID, "entry", pos.EntryPrice, "exit", sellPrice)
	}
}

// Monitor runs the stop-loss/breakeven check of §4.6.3 for every active
// position against the supplied per-token book snapshots. Guarded by an
// atomic flag so overlapping scheduler ticks never re-enter concurrently.
func (c *Core) Monitor(ctx context.Context, books map[string]types.BookSnapshot) {
	if !c.monitorBusy.CompareAndSwap(false, true) {
		return
	}
	defer c.monitorBusy.Store(false)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.maybeReleaseCircuitBreakerLocked(books)

	for buyID, pos := range c.active {
		snap, ok := books[pos.TokenID]
		if !ok || snap.BestBid <= 0 {
			continue
		}

		profit := snap.BestBid - pos.EntryPrice
		if !pos.BreakevenTriggered && profit >= c.cfg.BreakevenTrigger {
			pos.BreakevenTriggered = true
			pos.FixedStopDist = 0
			c.logger.Info("breakeven triggered", "token", pos.TokenID, "entry", pos.EntryPrice, "bid", snap.BestBid)
		}

		stopPrice := pos.EntryPrice - pos.FixedStopDist
		if snap.BestBid <= 0 || snap.BestBid >= stopPrice {
			continue
		}

		if pos.SellOrderID != "" {
			c.gw.Cancel(ctx, pos.SellOrderID)
			for i := range c.trades {
				if c.trades[i].OrderID == pos.SellOrderID {
					c.trades[i].Status = types.StatusCancelled
				}
			}
		}

		exitPrice := math.Max(minExitPrice, snap.BestBid-stopLossSlippage)
		filled, err := c.gw.ExecuteFAK(ctx, pos.TokenID, types.SELL, exitPrice, pos.Size)
		if err != nil || !filled {
			c.logger.Warn("stop-loss exit failed", "token", pos.TokenID, "error", err)
			continue
		}

		exitType := types.ExitStopLoss
		if pos.BreakevenTriggered {
			exitType = types.ExitBreakeven
		}

		c.trades = append(c.trades, types.TradeRecord{
			ID:         c.nextTradeID(),
			Slug:       c.market.Slug,
			Side:       types.SELL,
			TokenID:    pos.TokenID,
			TokenType:  pos.TokenType,
			Price:      exitPrice,
			Size:       pos.Size,
			Status:     types.StatusFilled,
			PairedWith: pos.BuyOrderID,
			ExitType:   exitType,
			Timestamp:  now,
		})

		c.session.PnL += (exitPrice - pos.EntryPrice) * pos.Size
		c.session.TradeCount++
		c.applySessionLockLocked()

		delete(c.active, buyID)
		c.tradingLock = false

		if exitType == types.ExitStopLoss {
			c.breaker = types.CircuitBreakerState{
				CoolingDown:    true,
				CrashLow:       snap.BestBid,
				LastStopLoss:   now,
				CrashTokenID:   pos.TokenID,
				StabilityTicks: 0,
				LastTradeAt:    now,
			}
			c.logger.Info("circuit breaker armed", "token", pos.TokenID, "crash_low", snap.BestBid)
		}
	}
}

// maybeReleaseCircuitBreakerLocked advances the stability-tick counter and
// releases the breaker once both the time gate and stability gate of §4.6.5
// are satisfied. Must be called with c.mu held.
func (c *Core) maybeReleaseCircuitBreakerLocked(books map[string]types.BookSnapshot) {
	if !c.breaker.CoolingDown {
		return
	}

	timeGateMet := time.Since(c.breaker.LastStopLoss) >= time.Duration(c.cfg.MinCooldownMs)*time.Millisecond

	snap, ok := books[c.breaker.CrashTokenID]
	if ok && snap.BestBid > c.breaker.CrashLow {
		c.breaker.StabilityTicks++
	} else if ok && snap.BestBid <= c.breaker.CrashLow {
		c.breaker.CrashLow = snap.BestBid
		c.breaker.StabilityTicks = 0
	}

	if timeGateMet && c.breaker.StabilityTicks >= c.cfg.StabilityTicksRequired {
		c.logger.Info("circuit breaker released", "token", c.breaker.CrashTokenID)
		c.breaker = types.CircuitBreakerState{}
	}
}

// UpdateOrderStatus applies hold-to-maturity handling (§4.6.4): with fewer
// than 45 seconds remaining and a strong bid, the resting profit-target SELL
// is abandoned and the naked long is left to settle at the market's close.
func (c *Core) UpdateOrderStatus(ctx context.Context, remainingSeconds float64, books map[string]types.BookSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if remainingSeconds >= holdToMaturityWindow.Seconds() {
		return
	}

	for _, pos := range c.active {
		if pos.SellOrderID == "" {
			continue
		}
		snap, ok := books[pos.TokenID]
		if !ok || snap.BestBid <= holdToMaturityBid {
			continue
		}

		c.gw.Cancel(ctx, pos.SellOrderID)
		for i := range c.trades {
			if c.trades[i].OrderID == pos.SellOrderID {
				c.trades[i].Status = types.StatusCancelled
				c.trades[i].ExitType = types.ExitHoldToMaturity
			}
		}
		pos.SellOrderID = ""
		c.logger.Info("switched to hold-to-maturity", "token", pos.TokenID, "bid", snap.BestBid)
	}
}

// applySessionLockLocked checks the session profit/loss lock of §4.6.6.
// Must be called with c.mu held.
func (c *Core) applySessionLockLocked() {
	if c.session.Locked {
		return
	}
	switch {
	case c.session.PnL >= c.cfg.SessionProfitTarget:
		c.session.Locked = true
		c.session.LockReason = types.LockProfitTarget
	case c.session.PnL <= -c.cfg.SessionLossLimit:
		c.session.Locked = true
		c.session.LockReason = types.LockLossLimit
	}
}

// EmergencyExit is called at market rotation when a position is still open.
// Attempts a best-effort FAK SELL at best_bid, falling back to 0.50 if the
// book cannot be read.
func (c *Core) EmergencyExit(ctx context.Context) {
	c.mu.Lock()
	positions := make([]*activePosition, 0, len(c.active))
	for _, pos := range c.active {
		positions = append(positions, pos)
	}
	c.mu.Unlock()

	for _, pos := range positions {
		price := 0.50
		if book, err := c.books.Book(ctx, pos.TokenID); err == nil && book.BestBid > 0 {
			price = book.BestBid
		}
		if _, err := c.gw.ExecuteFAK(ctx, pos.TokenID, types.SELL, price, pos.Size); err != nil {
			c.logger.Error("emergency exit failed", "token", pos.TokenID, "error", err)
		}
	}
}

// Stats is the statistics snapshot of §4.6.8.
type Stats struct {
	TotalBuys       int
	ExecutedBuys    int
	LimitSells      int
	StopLosses      int
	CancelledSells  int
	NakedPositions  int
	RealizedPnL     float64
	UnrealizedPnL   float64
	NetPnL          float64
}

// Stats computes the running statistics snapshot. markToMarket supplies the
// current best bid for a token, used to value naked (unpaired) positions.
func (c *Core) Stats(markToMarket func(tokenID string) (float64, bool)) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s Stats
	sellFilled := make(map[string]bool)
	buyPrice := make(map[string]float64)
	buySize := make(map[string]float64)

	for _, t := range c.trades {
		switch t.Side {
		case types.BUY:
			s.TotalBuys++
			if t.Status == types.StatusFilled {
				s.ExecutedBuys++
				buyPrice[t.OrderID] = t.Price
				buySize[t.OrderID] = t.Size
			}
		case types.SELL:
			switch {
			case t.Status == types.StatusFilled && t.ExitType == types.ExitLimit:
				s.LimitSells++
				sellFilled[t.PairedWith] = true
				s.RealizedPnL += (t.Price - buyPrice[t.PairedWith]) * t.Size
			case t.Status == types.StatusFilled && (t.ExitType == types.ExitStopLoss || t.ExitType == types.ExitBreakeven):
				s.StopLosses++
				sellFilled[t.PairedWith] = true
				s.RealizedPnL += (t.Price - buyPrice[t.PairedWith]) * t.Size
			case t.Status == types.StatusCancelled:
				s.CancelledSells++
			}
		}
	}

	for orderID, price := range buyPrice {
		if sellFilled[orderID] {
			continue
		}
		s.NakedPositions++
		if markToMarket == nil {
			continue
		}
		if bid, ok := markToMarket(tokenForBuy(c.trades, orderID)); ok {
			s.UnrealizedPnL += (bid - price) * buySize[orderID]
		}
	}

	s.NetPnL = s.RealizedPnL + s.UnrealizedPnL
	return s
}

func tokenForBuy(trades []types.TradeRecord, buyOrderID string) string {
	for _, t := range trades {
		if t.OrderID == buyOrderID && t.Side == types.BUY {
			return t.TokenID
		}
	}
	return ""
}

// Trades returns a snapshot of the full trade ledger, for session reporting.
func (c *Core) Trades() []types.TradeRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.TradeRecord, len(c.trades))
	copy(out, c.trades)
	return out
}

// SessionState returns a snapshot of the current session aggregate.
func (c *Core) SessionState() types.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// HasOpenPosition reports whether a position is currently active.
func (c *Core) HasOpenPosition() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active) > 0
}

func (c *Core) nextTradeID() string {
	c.tradeSeq++
	slug := "unknown"
	if c.market != nil {
		slug = c.market.Slug
	}
	return fmt.Sprintf("%s-%d", slug, c.tradeSeq)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
