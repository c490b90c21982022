// Package types defines the shared data structures used across all packages:
// market metadata, order book snapshots, order/trade records, positions, and
// strategy-owned state. The wire shapes of the spot feed and market-discovery
// HTTP surfaces live in those packages, not here. It has no dependency on
// any other internal package, so it can be imported from any layer.
package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of an order.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// TimeInForce is the closed taxonomy of order lifetimes the gateway accepts.
// Modeled as a tagged variant. The live gateway forwards the value to the
// venue as-is (GTD carries no expiry field). The paper gateway's PlaceLimit
// records the value but rests every order until it fills or is cancelled,
// whatever the value; immediate FOK/FAK behaviour comes from PlaceFOK and
// ExecuteFAK.
type TimeInForce string

const (
	GTC TimeInForce = "GTC" // resting until filled or cancelled
	GTD TimeInForce = "GTD" // resting until filled, cancelled, or an expiry
	FOK TimeInForce = "FOK" // fill entirely immediately, or fail with no effect
	FAK TimeInForce = "FAK" // fill whatever is immediately available, cancel the rest
)

// OrderStatus is the lifecycle of a submitted Order. Once an order reaches a
// terminal status it is never mutated again.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// TokenType names which side of a binary market an Order/TradeRecord refers to.
type TokenType string

const (
	TokenUp   TokenType = "UP"
	TokenDown TokenType = "DOWN"
)

// ExitType classifies why a SELL closed a position.
type ExitType string

const (
	ExitLimit           ExitType = "LIMIT"
	ExitStopLoss        ExitType = "STOP_LOSS"
	ExitHoldToMaturity  ExitType = "HOLD_TO_MATURITY"
	ExitBreakeven        ExitType = "BREAKEVEN"
)

// LockReason is why a session stopped accepting new entries.
type LockReason string

const (
	LockNone          LockReason = ""
	LockProfitTarget  LockReason = "PROFIT_TARGET"
	LockLossLimit     LockReason = "LOSS_LIMIT"
)

// ————————————————————————————————————————————————————————————————————————
// Market
// ————————————————————————————————————————————————————————————————————————

// Market is the immutable descriptor of one trading window, identified by a
// unique session slug. Constructed by market discovery; destroyed (never
// mutated) when a replacement becomes active.
type Market struct {
	Slug       string
	UpToken    string
	DownToken  string
	Strike     float64
	Start      time.Time
	End        time.Time
	NextSlug   string // advertised next window, empty if unknown
}

// TimeRemaining returns the seconds left before End, relative to now.
func (m Market) TimeRemaining(now time.Time) float64 {
	return m.End.Sub(now).Seconds()
}

// IsExpiring reports whether fewer than thresholdSeconds remain before End.
func (m Market) IsExpiring(now time.Time, thresholdSeconds float64) bool {
	return m.TimeRemaining(now) < thresholdSeconds
}

// Valid checks the Market data-model invariant: End after Start, and two
// distinct non-empty token identifiers.
func (m Market) Valid() bool {
	if !m.End.After(m.Start) {
		return false
	}
	if m.UpToken == "" || m.DownToken == "" || m.UpToken == m.DownToken {
		return false
	}
	return true
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// BookSnapshot is a point-in-time top-of-book view for one token. A zero
// BestAsk/BestBid means that side was reported empty; it is never treated
// as a real price of 0 by any fill or gating logic.
type BookSnapshot struct {
	TokenID   string
	BestBid   float64
	BestAsk   float64
	BidSize   float64
	AskSize   float64
	Timestamp time.Time
}

// Spread returns BestAsk - BestBid. Only meaningful when both sides are set.
func (b BookSnapshot) Spread() float64 {
	return b.BestAsk - b.BestBid
}

// Empty reports whether both sides of the book are unset — the only
// condition under which a book read is a hard error.
func (b BookSnapshot) Empty() bool {
	return b.BestBid <= 0 && b.BestAsk <= 0
}

// Mid returns the midpoint price. If one side is empty, returns the side
// that is set (best-effort); if both are empty the caller should have
// already rejected the snapshot via Empty().
func (b BookSnapshot) Mid() float64 {
	switch {
	case b.BestBid > 0 && b.BestAsk > 0:
		return (b.BestBid + b.BestAsk) / 2
	case b.BestAsk > 0:
		return b.BestAsk
	default:
		return b.BestBid
	}
}

// ————————————————————————————————————————————————————————————————————————
// Orders, trades, positions
// ————————————————————————————————————————————————————————————————————————

// Order is a single work item submitted to the Execution Gateway.
type Order struct {
	ID       string
	TokenID  string
	Side     Side
	Price    float64
	Size     float64
	TIF      TimeInForce
	Status   OrderStatus
	PlacedAt time.Time
}

// TradeRecord is the ledger entry for every order outcome the strategy acts
// on. SELL records may reference the BUY they close via PairedWith.
type TradeRecord struct {
	ID         string
	Slug       string
	Side       Side
	TokenID    string
	TokenType  TokenType
	Price      float64
	Size       float64
	Status     OrderStatus
	PairedWith string   // order id of the BUY this SELL closes, empty if none
	ExitType   ExitType // only meaningful for SELL records
	Timestamp  time.Time
	OrderID    string
}

// Amount is Price * Size, the USDC notional of the trade.
func (t TradeRecord) Amount() float64 {
	return t.Price * t.Size
}

// Position is an aggregate per-token holding, volume-weighted on entry.
type Position struct {
	TokenID    string
	Size       float64
	EntryPrice float64
	EntryTime  time.Time
}

// PositionEpsilon is the tolerance below which a Position's Size is treated
// as zero and the position considered destroyed.
const PositionEpsilon = 1e-9

// ————————————————————————————————————————————————————————————————————————
// Strategy-owned state (§3 data model)
// ————————————————————————————————————————————————————————————————————————

// PriceRing is a bounded FIFO ring of recent prices; the capacity is set by
// NewPriceRing (the engine uses 60).
type PriceRing struct {
	capacity int
	samples  []PricePoint
}

// PricePoint is one (price, timestamp) sample in the ring.
type PricePoint struct {
	Price     float64
	Timestamp time.Time
}

// NewPriceRing constructs a ring with the given capacity (60 per spec).
func NewPriceRing(capacity int) *PriceRing {
	return &PriceRing{capacity: capacity, samples: make([]PricePoint, 0, capacity)}
}

// Push appends a sample, evicting the oldest if at capacity.
func (r *PriceRing) Push(p PricePoint) {
	if len(r.samples) >= r.capacity {
		r.samples = r.samples[1:]
	}
	r.samples = append(r.samples, p)
}

// Samples returns the current contents, oldest first.
func (r *PriceRing) Samples() []PricePoint {
	out := make([]PricePoint, len(r.samples))
	copy(out, r.samples)
	return out
}

// Len reports how many samples are currently held.
func (r *PriceRing) Len() int {
	return len(r.samples)
}

// Reset empties the ring (used at market rotation).
func (r *PriceRing) Reset() {
	r.samples = r.samples[:0]
}

// SessionState is the running per-session aggregate owned by Strategy Core.
type SessionState struct {
	PnL        float64
	TradeCount int
	Locked     bool
	LockReason LockReason
	StartedAt  time.Time
}

// CircuitBreakerState tracks the post-stop-loss cooldown, owned by Strategy Core.
type CircuitBreakerState struct {
	CoolingDown     bool
	CrashLow        float64
	StabilityTicks  int
	LastStopLoss    time.Time
	CrashTokenID    string
	LastTradeAt     time.Time
}
