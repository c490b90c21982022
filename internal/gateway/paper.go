package gateway

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"scalper15m/pkg/types"
)

// FillEvent is emitted by CheckFills for each resting order that crossed the
// book this tick. The strategy core consumes these to append trade-ledger
// entries and update session P&L — the gateway itself only owns cash and
// positions (§3 ownership summary).
type FillEvent struct {
	OrderID string
	TokenID string
	Side    types.Side
	Price   float64
	Size    float64
}

// Paper is an in-memory execution gateway that simulates fills against
// caller-supplied book snapshots instead of routing to a venue. Position
// accounting is a generalization of the reference inventory tracker's
// volume-weighted average entry logic to an arbitrary set of token ids
// (the reference tracked exactly YES/NO; this engine's tokens are UP/DOWN
// but the math is identical).
type Paper struct {
	mu        sync.Mutex
	cash      float64
	positions map[string]types.Position
	orders    map[string]*types.Order // full history, including cancelled/filled
	open      map[string]struct{}     // order ids currently PENDING

	logger *slog.Logger
}

// NewPaper creates a paper gateway seeded with the given starting cash.
func NewPaper(bankroll float64, logger *slog.Logger) *Paper {
	return &Paper{
		cash:      bankroll,
		positions: make(map[string]types.Position),
		orders:    make(map[string]*types.Order),
		open:      make(map[string]struct{}),
		logger:    logger.With("component", "gateway.paper"),
	}
}

// PlaceLimit records a resting order. No cash or position change happens
// until a later CheckFills call crosses it — cash is only ever decremented
// or incremented at fill time (I1).
func (p *Paper) PlaceLimit(ctx context.Context, token string, side types.Side, limit, size float64, tif types.TimeInForce) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := uuid.NewString()
	p.orders[id] = &types.Order{
		ID:       id,
		TokenID:  token,
		Side:     side,
		Price:    limit,
		Size:     size,
		TIF:      tif,
		Status:   types.StatusPending,
		PlacedAt: time.Now(),
	}
	p.open[id] = struct{}{}
	return id, nil
}

// PlaceFOK attempts to fill amount (USDC notional for BUY, shares for SELL)
// immediately against refPrice. It never rests: on insufficient cash or
// position it fails with no state change, and on success the fill is
// recorded directly as FILLED — it is never added to the open-order set.
func (p *Paper) PlaceFOK(ctx context.Context, token string, side types.Side, amount, refPrice float64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if refPrice <= 0 || amount <= 0 {
		return "", ErrFOKUnfilled
	}

	switch side {
	case types.BUY:
		if amount > p.cash {
			return "", ErrInsufficientFunds
		}
		size := amount / refPrice
		id := p.recordFilledLocked(token, side, refPrice, size)
		p.applyFillLocked(token, side, refPrice, size)
		return id, nil
	default: // SELL: amount is shares
		pos, ok := p.positions[token]
		if !ok || pos.Size+types.PositionEpsilon < amount {
			return "", ErrFOKUnfilled
		}
		id := p.recordFilledLocked(token, side, refPrice, amount)
		p.applyFillLocked(token, side, refPrice, amount)
		return id, nil
	}
}

// ExecuteFAK is a best-effort immediate fill at an explicit price/size,
// used by the stop-loss and hold-to-maturity paths where the caller has
// already computed a slippage-capped exit price. A non-positive price
// never fills (guards against acting on an empty book side).
func (p *Paper) ExecuteFAK(ctx context.Context, token string, side types.Side, price, size float64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if price <= 0 || size <= 0 {
		return false, nil
	}

	if side == types.SELL {
		pos, ok := p.positions[token]
		if !ok || pos.Size+types.PositionEpsilon < size {
			return false, nil
		}
	} else if amount := price * size; amount > p.cash {
		return false, nil
	}

	p.recordFilledLocked(token, side, price, size)
	p.applyFillLocked(token, side, price, size)
	return true, nil
}

// Cancel marks a PENDING order CANCELLED. Returns false with no error if the
// order has already reached a terminal state.
func (p *Paper) Cancel(ctx context.Context, orderID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ord, ok := p.orders[orderID]
	if !ok {
		return false, ErrOrderNotFound
	}
	if ord.Status != types.StatusPending {
		return false, nil
	}
	ord.Status = types.StatusCancelled
	delete(p.open, orderID)
	return true, nil
}

// CheckFills crosses every resting order against the given per-token book
// snapshots and fills whatever qualifies. A BUY fills at min(best_ask,
// limit) iff best_ask is reported (>0) and at or below the limit; a SELL
// fills at max(best_bid, limit) iff best_bid is reported and at or above
// the limit. A reported-empty side (0) never fills either direction.
//
// Idempotent: a second call in the same tick sees the same orders already
// removed from the open set, so no fill is ever emitted twice (I3).
func (p *Paper) CheckFills(books map[string]types.BookSnapshot) []FillEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	var fills []FillEvent
	for id := range p.open {
		ord := p.orders[id]
		if ord == nil || ord.Status != types.StatusPending {
			delete(p.open, id) // repeat-safe purge: stale entry, already terminal
			continue
		}

		snap, ok := books[ord.TokenID]
		if !ok {
			continue
		}

		var fillPrice float64
		switch ord.Side {
		case types.BUY:
			if snap.BestAsk <= 0 || snap.BestAsk > ord.Price {
				continue
			}
			fillPrice = math.Min(snap.BestAsk, ord.Price)
		case types.SELL:
			if snap.BestBid <= 0 || snap.BestBid < ord.Price {
				continue
			}
			fillPrice = math.Max(snap.BestBid, ord.Price)
		}

		ord.Status = types.StatusFilled
		delete(p.open, id)
		p.applyFillLocked(ord.TokenID, ord.Side, fillPrice, ord.Size)

		fills = append(fills, FillEvent{
			OrderID: id,
			TokenID: ord.TokenID,
			Side:    ord.Side,
			Price:   fillPrice,
			Size:    ord.Size,
		})
		p.logger.Info("order filled", "order_id", id, "token", ord.TokenID, "side", ord.Side, "price", fillPrice, "size", ord.Size)
	}
	return fills
}

func (p *Paper) recordFilledLocked(token string, side types.Side, price, size float64) string {
	id := uuid.NewString()
	p.orders[id] = &types.Order{
		ID:       id,
		TokenID:  token,
		Side:     side,
		Price:    price,
		Size:     size,
		TIF:      types.FOK,
		Status:   types.StatusFilled,
		PlacedAt: time.Now(),
	}
	return id
}

// applyFillLocked mutates cash and the per-token position for a fill. On a
// BUY the share count is additive and entry price becomes the
// share-weighted mean of the existing and new fills; on a SELL the share
// count is reduced and the position destroyed once it decays below
// PositionEpsilon.
func (p *Paper) applyFillLocked(token string, side types.Side, price, size float64) {
	pos, existed := p.positions[token]

	switch side {
	case types.BUY:
		p.cash -= price * size
		totalCost := pos.EntryPrice*pos.Size + price*size
		pos.TokenID = token
		pos.Size += size
		if pos.Size > 0 {
			pos.EntryPrice = totalCost / pos.Size
		}
		pos.EntryTime = time.Now()
		p.positions[token] = pos
	case types.SELL:
		p.cash += price * size
		if !existed {
			return
		}
		pos.Size -= size
		if pos.Size < types.PositionEpsilon {
			delete(p.positions, token)
			return
		}
		p.positions[token] = pos
	}
}

// IsFilled reports whether orderID has reached StatusFilled.
func (p *Paper) IsFilled(orderID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ord, ok := p.orders[orderID]
	return ok && ord.Status == types.StatusFilled
}

// Position returns the current holding for token, absent if size has decayed to zero.
func (p *Paper) Position(token string) (types.Position, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[token]
	return pos, ok
}

// AllPositions returns a snapshot of every non-empty position.
func (p *Paper) AllPositions() map[string]types.Position {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]types.Position, len(p.positions))
	for k, v := range p.positions {
		out[k] = v
	}
	return out
}

// Cash returns current simulated cash on hand.
func (p *Paper) Cash() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash
}

// OpenOrders returns every order still PENDING.
func (p *Paper) OpenOrders() []types.Order {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]types.Order, 0, len(p.open))
	for id := range p.open {
		out = append(out, *p.orders[id])
	}
	return out
}

// ClearAll wipes all open orders and positions, used at market rotation.
// Cash carries forward — it is real simulated money across the session
// boundary, not per-market state.
func (p *Paper) ClearAll(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.orders = make(map[string]*types.Order)
	p.open = make(map[string]struct{})
	p.positions = make(map[string]types.Position)
	return nil
}
