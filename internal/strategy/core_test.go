package strategy

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"scalper15m/internal/config"
	"scalper15m/internal/gateway"
	"scalper15m/internal/quant"
	"scalper15m/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBooks is a canned bookSource keyed by token id, for tests that need
// deterministic top-of-book reads without a live HTTP endpoint.
type fakeBooks struct {
	books map[string]types.BookSnapshot
}

func (f *fakeBooks) Book(ctx context.Context, tokenID string) (types.BookSnapshot, error) {
	return f.books[tokenID], nil
}

func testConfig() *config.Config {
	return &config.Config{
		Bankroll:               20.00,
		TradeSizePct:           0.10,
		MinOrderSize:           1.00,
		MinEntryPrice:          0.65,
		MaxEntryPrice:          0.85,
		MaxAllowedSpread:       0.03,
		FixedProfitTarget:      0.02,
		FixedStopLoss:          0.04,
		BreakevenTrigger:       0.015,
		SessionProfitTarget:    0.50,
		SessionLossLimit:       0.40,
		StabilityTicksRequired: 15,
		MinCooldownMs:          15000,
		MinTradeIntervalMs:     5000,
	}
}

func newTestCore(bankroll float64, books map[string]types.BookSnapshot) (*Core, *gateway.Paper) {
	cfg := testConfig()
	gw := gateway.NewPaper(bankroll, discardLogger())
	c := New(cfg, gw, &fakeBooks{books: books}, quant.New(), discardLogger())
	c.SetMarket(&types.Market{
		Slug:      "btc-15m-1",
		UpToken:   "up-tok",
		DownToken: "down-tok",
		Strike:    89750,
		Start:     time.Now().Add(-5 * time.Minute),
		End:       time.Now().Add(10 * time.Minute),
	})
	return c, gw
}

// Seed test 1: happy path — entry fills, resting SELL fills a tick later.
func TestHappyPathEntryAndLimitSellFill(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	books := map[string]types.BookSnapshot{
		"up-tok": {TokenID: "up-tok", BestAsk: 0.68, BestBid: 0.66},
	}
	c, gw := newTestCore(20.00, books)

	dir, ok, reason := c.ShouldEnter(89800, 400, books["up-tok"], types.BookSnapshot{})
	if !ok || dir != quant.DirUp {
		t.Fatalf("ShouldEnter() = (%v, %v, %q), want (UP, true, \"\")", dir, ok, reason)
	}

	executed, err := c.ExecuteTrade(ctx, dir)
	if err != nil || !executed {
		t.Fatalf("ExecuteTrade() = (%v, %v), want (true, nil)", executed, err)
	}

	wantSize := round4(2.00 / 0.68)
	trades := c.Trades()
	if len(trades) != 2 {
		t.Fatalf("trades = %d, want 2 (BUY + resting SELL)", len(trades))
	}
	if trades[0].Side != types.BUY || math.Abs(trades[0].Price-0.68) > 1e-9 {
		t.Errorf("BUY record = %+v", trades[0])
	}
	if trades[1].Side != types.SELL || trades[1].Status != types.StatusPending || math.Abs(trades[1].Price-0.70) > 1e-9 {
		t.Errorf("resting SELL record = %+v, want PENDING @ 0.70", trades[1])
	}
	if math.Abs(trades[1].Size-wantSize) > 1e-4 {
		t.Errorf("SELL size = %v, want %v", trades[1].Size, wantSize)
	}

	// One tick later the bid rises to the resting SELL's price and it fills.
	books["up-tok"] = types.BookSnapshot{TokenID: "up-tok", BestAsk: 0.68, BestBid: 0.70}
	fills := gw.CheckFills(books)
	if len(fills) != 1 {
		t.Fatalf("expected the resting SELL to fill this tick, got %d fills", len(fills))
	}
	c.CheckSellFills(ctx)

	wantCash := 20.00 + (0.70-0.68)*wantSize
	if math.Abs(gw.Cash()-wantCash) > 1e-6 {
		t.Errorf("Cash() = %v, want %v", gw.Cash(), wantCash)
	}
	if c.HasOpenPosition() {
		t.Errorf("expected position closed after SELL fill")
	}
	if got := c.SessionState().PnL; math.Abs(got-(wantCash-20.00)) > 1e-6 {
		t.Errorf("session PnL = %v, want %v", got, wantCash-20.00)
	}
}

// Seed test 2: stop-loss fires while price falls straight through, no
// breakeven trigger along the way; circuit breaker arms.
func TestStopLossArmsCircuitBreaker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, gw := newTestCore(20.00, nil)

	buyID, err := gw.PlaceFOK(ctx, "up-tok", types.BUY, 1.40, 0.70) // size = 2.0
	if err != nil {
		t.Fatalf("seed PlaceFOK: %v", err)
	}
	c.active[buyID] = &activePosition{
		BuyOrderID: buyID, TokenID: "up-tok", TokenType: types.TokenUp,
		Direction: quant.DirUp, EntryPrice: 0.70, Size: 2.0, FixedStopDist: c.cfg.FixedStopLoss,
	}

	for _, bid := range []float64{0.70, 0.68, 0.65} {
		c.Monitor(ctx, map[string]types.BookSnapshot{"up-tok": {TokenID: "up-tok", BestBid: bid, BestAsk: bid + 0.02}})
	}

	if c.HasOpenPosition() {
		t.Fatalf("expected stop-loss to close the position")
	}
	wantCash := 20.00 - 1.40 + 0.63*2.0
	if math.Abs(gw.Cash()-wantCash) > 1e-9 {
		t.Errorf("Cash() = %v, want %v (exit @ max(0.01, 0.65-0.02)=0.63)", gw.Cash(), wantCash)
	}
	if math.Abs(c.SessionState().PnL-(-0.14)) > 1e-9 {
		t.Errorf("session PnL = %v, want -0.14", c.SessionState().PnL)
	}

	c.mu.Lock()
	breaker := c.breaker
	c.mu.Unlock()
	if !breaker.CoolingDown || breaker.CrashTokenID != "up-tok" || math.Abs(breaker.CrashLow-0.65) > 1e-9 {
		t.Errorf("circuit breaker state = %+v, want armed at crash_low 0.65", breaker)
	}

	trades := c.Trades()
	last := trades[len(trades)-1]
	if last.ExitType != types.ExitStopLoss {
		t.Errorf("exit type = %v, want STOP_LOSS", last.ExitType)
	}
}

// Seed test 3: breakeven triggers before the retrace, so the eventual exit
// is classified BREAKEVEN and the circuit breaker does not arm.
func TestBreakevenTriggeredExitSkipsCircuitBreaker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, gw := newTestCore(20.00, nil)

	buyID, err := gw.PlaceFOK(ctx, "up-tok", types.BUY, 1.50, 0.75) // size = 2.0
	if err != nil {
		t.Fatalf("seed PlaceFOK: %v", err)
	}
	c.active[buyID] = &activePosition{
		BuyOrderID: buyID, TokenID: "up-tok", TokenType: types.TokenUp,
		Direction: quant.DirUp, EntryPrice: 0.75, Size: 2.0, FixedStopDist: c.cfg.FixedStopLoss,
	}

	// Bid climbs to 0.77: profit 0.02 >= BREAKEVEN_TRIGGER, stop moves to entry.
	c.Monitor(ctx, map[string]types.BookSnapshot{"up-tok": {TokenID: "up-tok", BestBid: 0.77, BestAsk: 0.79}})
	c.mu.Lock()
	triggered := c.active[buyID].BreakevenTriggered
	c.mu.Unlock()
	if !triggered {
		t.Fatalf("expected breakeven trigger at profit 0.02")
	}

	// Retrace to 0.745: below stop price (now == entry, 0.75) -> exit.
	c.Monitor(ctx, map[string]types.BookSnapshot{"up-tok": {TokenID: "up-tok", BestBid: 0.745, BestAsk: 0.77}})

	if c.HasOpenPosition() {
		t.Fatalf("expected breakeven exit to close the position")
	}
	trades := c.Trades()
	last := trades[len(trades)-1]
	if last.ExitType != types.ExitBreakeven {
		t.Errorf("exit type = %v, want BREAKEVEN", last.ExitType)
	}
	wantExit := math.Max(0.01, 0.745-stopLossSlippage)
	if math.Abs(last.Price-wantExit) > 1e-9 {
		t.Errorf("exit price = %v, want %v", last.Price, wantExit)
	}

	c.mu.Lock()
	armed := c.breaker.CoolingDown
	c.mu.Unlock()
	if armed {
		t.Errorf("circuit breaker must not arm on a breakeven exit")
	}
}

// Seed test 4: hold-to-maturity abandons the resting SELL near expiry on a
// strong bid.
func TestHoldToMaturityAbandonsRestingSell(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, gw := newTestCore(20.00, nil)

	buyID, err := gw.PlaceFOK(ctx, "up-tok", types.BUY, 1.40, 0.70)
	if err != nil {
		t.Fatalf("seed PlaceFOK: %v", err)
	}
	sellID, err := gw.PlaceLimit(ctx, "up-tok", types.SELL, 0.84, 2.0, types.GTC)
	if err != nil {
		t.Fatalf("seed PlaceLimit: %v", err)
	}
	c.active[buyID] = &activePosition{
		BuyOrderID: buyID, SellOrderID: sellID, TokenID: "up-tok", TokenType: types.TokenUp,
		EntryPrice: 0.70, Size: 2.0, FixedStopDist: c.cfg.FixedStopLoss,
	}
	c.trades = append(c.trades, types.TradeRecord{
		Side: types.SELL, TokenID: "up-tok", OrderID: sellID, PairedWith: buyID,
		Status: types.StatusPending, ExitType: types.ExitLimit,
	})

	c.UpdateOrderStatus(ctx, 40, map[string]types.BookSnapshot{"up-tok": {TokenID: "up-tok", BestBid: 0.96}})

	c.mu.Lock()
	pos := c.active[buyID]
	c.mu.Unlock()
	if pos.SellOrderID != "" {
		t.Errorf("expected resting SELL abandoned, SellOrderID still %q", pos.SellOrderID)
	}
	ok, _ := gw.Cancel(ctx, sellID)
	if ok {
		t.Errorf("SELL should already be cancelled by UpdateOrderStatus")
	}

	trades := c.Trades()
	if trades[0].Status != types.StatusCancelled || trades[0].ExitType != types.ExitHoldToMaturity {
		t.Errorf("SELL trade record = %+v, want CANCELLED/HOLD_TO_MATURITY", trades[0])
	}
}

// Seed test 5: session profit lock blocks further entries until rotation.
func TestSessionProfitLockBlocksEntriesUntilRotation(t *testing.T) {
	t.Parallel()
	books := map[string]types.BookSnapshot{
		"up-tok": {TokenID: "up-tok", BestAsk: 0.68, BestBid: 0.66},
	}
	c, _ := newTestCore(20.00, books)

	c.mu.Lock()
	c.session.PnL = 0.55
	c.applySessionLockLocked()
	c.mu.Unlock()

	_, ok, reason := c.ShouldEnter(89800, 400, books["up-tok"], types.BookSnapshot{})
	if ok || reason != "session_locked" {
		t.Fatalf("ShouldEnter() = (_, %v, %q), want rejected session_locked", ok, reason)
	}

	c.Reset()
	if state := c.SessionState(); state.Locked || state.PnL != 0 {
		t.Errorf("session state after Reset = %+v, want unlocked and zeroed", state)
	}
}

// Seed test 6: rotation with an open position performs an emergency exit.
func TestEmergencyExitClosesOpenPositionAtRotation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	books := map[string]types.BookSnapshot{"up-tok": {TokenID: "up-tok", BestBid: 0.72}}
	c, gw := newTestCore(20.00, books)

	buyID, err := gw.PlaceFOK(ctx, "up-tok", types.BUY, 1.40, 0.70)
	if err != nil {
		t.Fatalf("seed PlaceFOK: %v", err)
	}
	c.active[buyID] = &activePosition{BuyOrderID: buyID, TokenID: "up-tok", EntryPrice: 0.70, Size: 2.0}

	c.EmergencyExit(ctx)

	if _, ok := gw.Position("up-tok"); ok {
		t.Errorf("expected emergency exit to flatten the position")
	}

	if err := gw.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}
	c.Reset()
	if c.HasOpenPosition() || len(c.Trades()) != 0 {
		t.Errorf("expected empty state after rotation")
	}
}

func TestShouldEnterPriceBandBoundary(t *testing.T) {
	t.Parallel()
	c, _ := newTestCore(20.00, nil)

	accept := types.BookSnapshot{BestAsk: c.cfg.MinEntryPrice}
	if _, ok, _ := c.ShouldEnter(100000, 400, accept, types.BookSnapshot{}); !ok {
		t.Errorf("ask exactly at MIN_ENTRY_PRICE should be accepted")
	}

	reject := types.BookSnapshot{BestAsk: c.cfg.MinEntryPrice - 1e-9}
	if _, ok, reason := c.ShouldEnter(100000, 400, reject, types.BookSnapshot{}); ok || reason != "price_out_of_band" {
		t.Errorf("ask just below MIN_ENTRY_PRICE should be rejected, got ok=%v reason=%q", ok, reason)
	}
}

func TestShouldEnterTimeGate(t *testing.T) {
	t.Parallel()
	books := map[string]types.BookSnapshot{"up-tok": {BestAsk: 0.70}}
	c, _ := newTestCore(20.00, books)

	if _, ok, reason := c.ShouldEnter(89800, 150, books["up-tok"], types.BookSnapshot{}); ok || reason != "too_close_to_expiry" {
		t.Errorf("remaining == 150s should reject, got ok=%v reason=%q", ok, reason)
	}
	if _, ok, _ := c.ShouldEnter(89800, 151, books["up-tok"], types.BookSnapshot{}); !ok {
		t.Errorf("remaining == 151s should pass the time gate")
	}
}

func TestShouldEnterRejectsWhileTradingLockHeld(t *testing.T) {
	t.Parallel()
	books := map[string]types.BookSnapshot{"up-tok": {BestAsk: 0.70, BestBid: 0.68}}
	c, _ := newTestCore(20.00, books)

	c.mu.Lock()
	c.tradingLock = true
	c.mu.Unlock()

	if _, ok, reason := c.ShouldEnter(89800, 400, books["up-tok"], types.BookSnapshot{}); ok || reason != "trade_in_flight" {
		t.Errorf("ShouldEnter with tradingLock held: got ok=%v reason=%q, want rejected with trade_in_flight", ok, reason)
	}

	c.mu.Lock()
	c.tradingLock = false
	c.mu.Unlock()

	if _, ok, _ := c.ShouldEnter(89800, 400, books["up-tok"], types.BookSnapshot{}); !ok {
		t.Errorf("ShouldEnter should pass once tradingLock is released")
	}
}
