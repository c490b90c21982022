// Package report persists the per-session trading summary as JSON, using the
// same atomic write-then-rename pattern as store/store.go: write to a .tmp
// file, then os.Rename over the target so a crash never leaves a partial
// report on disk. Financial rollups use shopspring/decimal so rounding in
// the JSON output never drifts from the ledger's own float64 arithmetic by
// more than a representation error.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"scalper15m/internal/strategy"
	"scalper15m/pkg/types"
)

// Session is the input to Finalize: everything the scheduler has accumulated
// for one market window.
type Session struct {
	Slug       string
	Reason     string // "rotation" or "shutdown"
	StartCash  float64
	EndCash    float64
	Session    types.SessionState
	Stats      strategy.Stats
	Trades     []types.TradeRecord
	FinishedAt time.Time
}

type tradeJSON struct {
	ID         string  `json:"id"`
	Timestamp  string  `json:"timestamp"`
	Slug       string  `json:"slug"`
	Side       string  `json:"side"`
	TokenType  string  `json:"token_type"`
	Price      float64 `json:"price"`
	Size       float64 `json:"size"`
	Amount     float64 `json:"amount"`
	OrderID    string  `json:"order_id"`
	Status     string  `json:"status"`
	PairedWith string  `json:"paired_with,omitempty"`
	ExitType   string  `json:"exit_type,omitempty"`
}

type sessionJSON struct {
	Session struct {
		Start    string `json:"start"`
		End      string `json:"end"`
		Duration string `json:"duration"`
		Slug     string `json:"slug"`
	} `json:"session"`
	Wallet struct {
		Starting     float64 `json:"starting"`
		Ending       float64 `json:"ending"`
		NetChange    float64 `json:"net_change"`
		NetChangePct float64 `json:"net_change_pct"`
		Profitable   bool    `json:"profitable"`
	} `json:"wallet"`
	Statistics struct {
		TotalBuys    int `json:"total_buys"`
		ExecutedBuys int `json:"executed_buys"`
		Exits        struct {
			LimitSells int `json:"limit_sells"`
			StopLosses int `json:"stop_losses"`
			Cancelled  int `json:"cancelled"`
			Total      int `json:"total"`
		} `json:"exits"`
		NakedPositions int `json:"naked_positions"`
		TotalTrades    int `json:"total_trades"`
	} `json:"statistics"`
	Financial struct {
		Invested   float64 `json:"invested"`
		Proceeds   float64 `json:"proceeds"`
		Realized   float64 `json:"realized"`
		Unrealized float64 `json:"unrealized"`
		Net        float64 `json:"net"`
		ROI        float64 `json:"roi"`
	} `json:"financial"`
	Trades          []tradeJSON `json:"trades"`
	CompletedTrades []tradeJSON `json:"completed_trades"`
	NakedPositions  []tradeJSON `json:"naked_positions"`
}

// Reporter writes session summaries under a configured directory, one file
// per session slug.
type Reporter struct {
	dir    string
	mu     sync.Mutex
	sessionStart time.Time
}

// New builds a Reporter backed by dir, creating it if necessary.
func New(dir string) (*Reporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	return &Reporter{dir: dir, sessionStart: time.Now()}, nil
}

// Finalize computes the rollups for sess and atomically persists the report.
func (r *Reporter) Finalize(sess Session) error {
	r.mu.Lock()
	start := r.sessionStart
	r.sessionStart = sess.FinishedAt
	r.mu.Unlock()

	doc := buildDocument(sess, start)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session report: %w", err)
	}

	path := filepath.Join(r.dir, sess.Slug+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session report: %w", err)
	}
	return os.Rename(tmp, path)
}

func buildDocument(sess Session, start time.Time) sessionJSON {
	var doc sessionJSON

	doc.Session.Start = start.UTC().Format(time.RFC3339)
	doc.Session.End = sess.FinishedAt.UTC().Format(time.RFC3339)
	doc.Session.Duration = sess.FinishedAt.Sub(start).String()
	doc.Session.Slug = sess.Slug

	startCash := decimal.NewFromFloat(sess.StartCash)
	endCash := decimal.NewFromFloat(sess.EndCash)
	netChange := endCash.Sub(startCash)

	doc.Wallet.Starting, _ = startCash.Float64()
	doc.Wallet.Ending, _ = endCash.Float64()
	doc.Wallet.NetChange, _ = netChange.Float64()
	doc.Wallet.Profitable = netChange.Sign() > 0
	if !startCash.IsZero() {
		pct, _ := netChange.Div(startCash).Mul(decimal.NewFromInt(100)).Float64()
		doc.Wallet.NetChangePct = pct
	}

	doc.Statistics.TotalBuys = sess.Stats.TotalBuys
	doc.Statistics.ExecutedBuys = sess.Stats.ExecutedBuys
	doc.Statistics.Exits.LimitSells = sess.Stats.LimitSells
	doc.Statistics.Exits.StopLosses = sess.Stats.StopLosses
	doc.Statistics.Exits.Cancelled = sess.Stats.CancelledSells
	doc.Statistics.Exits.Total = sess.Stats.LimitSells + sess.Stats.StopLosses
	doc.Statistics.NakedPositions = sess.Stats.NakedPositions
	doc.Statistics.TotalTrades = len(sess.Trades)

	invested := decimal.Zero
	proceeds := decimal.Zero
	completed := make(map[string]bool)
	for _, t := range sess.Trades {
		if t.Status != types.StatusFilled {
			continue
		}
		amount := decimal.NewFromFloat(t.Price).Mul(decimal.NewFromFloat(t.Size))
		switch t.Side {
		case types.BUY:
			invested = invested.Add(amount)
		case types.SELL:
			proceeds = proceeds.Add(amount)
			completed[t.PairedWith] = true
		}
	}
	realized := decimal.NewFromFloat(sess.Stats.RealizedPnL)
	unrealized := decimal.NewFromFloat(sess.Stats.UnrealizedPnL)
	net := realized.Add(unrealized)

	doc.Financial.Invested, _ = invested.Float64()
	doc.Financial.Proceeds, _ = proceeds.Float64()
	doc.Financial.Realized, _ = realized.Float64()
	doc.Financial.Unrealized, _ = unrealized.Float64()
	doc.Financial.Net, _ = net.Float64()
	if !invested.IsZero() {
		roi, _ := net.Div(invested).Mul(decimal.NewFromInt(100)).Float64()
		doc.Financial.ROI = roi
	}

	doc.Trades = make([]tradeJSON, 0, len(sess.Trades))
	for _, t := range sess.Trades {
		tj := toTradeJSON(t)
		doc.Trades = append(doc.Trades, tj)
		switch {
		case t.Side == types.BUY && t.Status == types.StatusFilled && completed[t.OrderID]:
			doc.CompletedTrades = append(doc.CompletedTrades, tj)
		case t.Side == types.BUY && t.Status == types.StatusFilled && !completed[t.OrderID]:
			doc.NakedPositions = append(doc.NakedPositions, tj)
		}
	}

	return doc
}

func toTradeJSON(t types.TradeRecord) tradeJSON {
	return tradeJSON{
		ID:         t.ID,
		Timestamp:  t.Timestamp.UTC().Format(time.RFC3339),
		Slug:       t.Slug,
		Side:       string(t.Side),
		TokenType:  string(t.TokenType),
		Price:      t.Price,
		Size:       t.Size,
		Amount:     t.Amount(),
		OrderID:    t.OrderID,
		Status:     string(t.Status),
		PairedWith: t.PairedWith,
		ExitType:   string(t.ExitType),
	}
}
