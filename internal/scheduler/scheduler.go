// Package scheduler drives the main 500ms tick and the 150ms stop-loss
// monitor, and owns market rotation. Grounded on engine.go's goroutine-per-
// concern wiring, collapsed to the two-ticker cadence a single active market
// needs instead of the reference's per-market goroutine pool.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"scalper15m/internal/config"
	"scalper15m/internal/gateway"
	"scalper15m/internal/market"
	"scalper15m/internal/quant"
	"scalper15m/internal/report"
	"scalper15m/internal/spotfeed"
	"scalper15m/internal/strategy"
	"scalper15m/pkg/types"
)

// fillChecker is implemented by gateway.Paper. Live mode has no equivalent —
// fills arrive off its own WebSocket channel — so the scheduler type-asserts
// for it rather than widening the Gateway interface for one backend.
type fillChecker interface {
	CheckFills(books map[string]types.BookSnapshot) []gateway.FillEvent
}

// Scheduler is the tick-driven orchestrator tying together market discovery,
// the spot feed, the order book source, the execution gateway, and the
// strategy core.
type Scheduler struct {
	cfg        *config.Config
	discovery  *market.Discovery
	books      *market.BookSource
	spot       *spotfeed.Feed
	gw         gateway.Gateway
	quantEng   *quant.Engine
	core       *strategy.Core
	reporter   *report.Reporter
	logger     *slog.Logger

	mu          sync.Mutex
	market      *types.Market
	sessionCash float64
}

// New builds a Scheduler. The caller is responsible for starting the spot
// feed's and (in live mode) the gateway's own Run loops separately.
func New(
	cfg *config.Config,
	discovery *market.Discovery,
	books *market.BookSource,
	spot *spotfeed.Feed,
	gw gateway.Gateway,
	quantEng *quant.Engine,
	core *strategy.Core,
	reporter *report.Reporter,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		discovery: discovery,
		books:     books,
		spot:      spot,
		gw:        gw,
		quantEng:  quantEng,
		core:      core,
		reporter:  reporter,
		logger:    logger.With("component", "scheduler"),
	}
}

// Run blocks, driving the main tick and the stop-loss monitor until ctx is
// cancelled. On return, a final session report has already been flushed.
func (s *Scheduler) Run(ctx context.Context) error {
	mainTicker := time.NewTicker(s.cfg.TickInterval)
	defer mainTicker.Stop()
	monitorTicker := time.NewTicker(s.cfg.StopLossCheckInterval)
	defer monitorTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.finalizeSession(context.Background(), "shutdown")
			return ctx.Err()
		case <-mainTicker.C:
			s.mainTick(ctx)
		case <-monitorTicker.C:
			s.monitorTick(ctx)
		}
	}
}

// mainTick implements steps 1–7 of §4.7's main tick. It does not record the
// tick or a statistics snapshot; statistics are computed from the strategy
// ledger only when a session report is finalized.
func (s *Scheduler) mainTick(ctx context.Context) {
	active, err := s.discovery.ActiveMarket(ctx)
	if err != nil {
		s.logger.Error("market discovery failed", "error", err)
		return
	}
	if active == nil {
		s.logger.Warn("no active market window found")
		return
	}

	s.mu.Lock()
	current := s.market
	s.mu.Unlock()

	now := time.Now()
	needsRotation := current == nil || current.Slug != active.Slug ||
		current.IsExpiring(now, s.cfg.MarketRotationThreshold.Seconds())
	if needsRotation {
		s.rotate(ctx, active)
		current = active
	}

	spot, err := s.spot.Latest()
	if err != nil {
		s.logger.Debug("spot feed not ready, skipping tick")
		return
	}
	s.quantEng.Observe(spot, now)

	upBook, err := s.books.Book(ctx, current.UpToken)
	if err != nil {
		s.logger.Warn("book fetch failed", "token", current.UpToken, "error", err)
		return
	}
	downBook, err := s.books.Book(ctx, current.DownToken)
	if err != nil {
		s.logger.Warn("book fetch failed", "token", current.DownToken, "error", err)
		return
	}
	booksByToken := map[string]types.BookSnapshot{
		current.UpToken:   upBook,
		current.DownToken: downBook,
	}
	s.core.ObserveBids(upBook.BestBid, downBook.BestBid, now)

	if pf, ok := s.gw.(fillChecker); ok {
		pf.CheckFills(booksByToken)
	}
	s.core.CheckSellFills(ctx)

	remaining := current.TimeRemaining(now)
	s.core.UpdateOrderStatus(ctx, remaining, booksByToken)

	if !s.core.SafeZone(upBook, downBook) {
		return
	}

	dir, ok, reason := s.core.ShouldEnter(spot, remaining, upBook, downBook)
	if !ok {
		if reason != "" {
			s.logger.Debug("entry gate rejected", "reason", reason)
		}
		return
	}
	if _, err := s.core.ExecuteTrade(ctx, dir); err != nil {
		s.logger.Error("execute trade failed", "error", err)
	}
}

// monitorTick implements the 150ms stop-loss/breakeven check. It runs even
// with no open position, since an armed circuit breaker counts its stability
// ticks on these observations after the stop-loss has closed the position.
func (s *Scheduler) monitorTick(ctx context.Context) {
	s.mu.Lock()
	current := s.market
	s.mu.Unlock()
	if current == nil {
		return
	}

	upBook, err := s.books.Book(ctx, current.UpToken)
	if err != nil {
		return
	}
	downBook, err := s.books.Book(ctx, current.DownToken)
	if err != nil {
		return
	}

	s.core.Monitor(ctx, map[string]types.BookSnapshot{
		current.UpToken:   upBook,
		current.DownToken: downBook,
	})
}

// rotate implements the five-step market rotation sequence of §4.7.
func (s *Scheduler) rotate(ctx context.Context, next *types.Market) {
	s.mu.Lock()
	prev := s.market
	s.mu.Unlock()

	if prev != nil {
		reason := "new_window"
		if prev.Slug == next.Slug {
			reason = "expiring"
		}
		s.logger.Info("rotating market", "from", prev.Slug, "to", next.Slug, "reason", reason)

		if s.core.HasOpenPosition() {
			s.core.EmergencyExit(ctx)
		}
		s.finalizeSession(ctx, "rotation")

		if err := s.gw.ClearAll(ctx); err != nil {
			s.logger.Error("clear_all failed during rotation", "error", err)
		}
		s.core.Reset()
	}

	s.core.SetMarket(next)
	s.mu.Lock()
	s.market = next
	s.sessionCash = s.gw.Cash()
	s.mu.Unlock()
}

func (s *Scheduler) finalizeSession(ctx context.Context, reason string) {
	s.mu.Lock()
	m := s.market
	startCash := s.sessionCash
	s.mu.Unlock()
	if m == nil {
		return
	}

	markToMarket := func(tokenID string) (float64, bool) {
		snap, err := s.books.Book(ctx, tokenID)
		if err != nil || snap.BestBid <= 0 {
			return 0, false
		}
		return snap.BestBid, true
	}

	stats := s.core.Stats(markToMarket)
	sessionState := s.core.SessionState()
	trades := s.core.Trades()

	if err := s.reporter.Finalize(report.Session{
		Slug:       m.Slug,
		Reason:     reason,
		StartCash:  startCash,
		EndCash:    s.gw.Cash(),
		Session:    sessionState,
		Stats:      stats,
		Trades:     trades,
		FinishedAt: time.Now(),
	}); err != nil {
		s.logger.Error("session report finalize failed", "error", err)
	}
}
