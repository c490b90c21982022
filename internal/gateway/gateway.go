// Package gateway implements the execution gateway (§4.5): order placement,
// cancellation, and position/cash accounting, behind one interface with two
// interchangeable modes — Paper (local fill simulation) and Live (signed
// orders against the venue's CLOB).
package gateway

import (
	"context"
	"errors"

	"scalper15m/pkg/types"
)

// ErrInsufficientFunds is returned when a BUY would overdraw available cash.
var ErrInsufficientFunds = errors.New("gateway: insufficient funds")

// ErrOrderNotFound is returned by Cancel for an order id the gateway (or, in
// live mode, the venue) does not know.
var ErrOrderNotFound = errors.New("gateway: order not found")

// ErrFOKUnfilled is returned by PlaceFOK when the order cannot fill entirely
// against the caller-supplied reference price; no state is changed.
var ErrFOKUnfilled = errors.New("gateway: FOK could not fill")

// Gateway is the execution surface the strategy core drives. Paper and Live
// implementations share this contract so the strategy never branches on mode.
type Gateway interface {
	// PlaceLimit submits a resting order at limit with the given time-in-force.
	PlaceLimit(ctx context.Context, token string, side types.Side, limit, size float64, tif types.TimeInForce) (orderID string, err error)

	// PlaceFOK submits a fill-or-kill order for the given notional amount
	// (USDC for BUY, shares for SELL) against the caller-supplied reference
	// price. Fills entirely or returns an error with no state change:
	// ErrFOKUnfilled, or ErrInsufficientFunds in paper mode for a BUY that
	// would overdraw cash.
	PlaceFOK(ctx context.Context, token string, side types.Side, amount, refPrice float64) (orderID string, err error)

	// Cancel cancels a resting order. Returns false (no error) if it already
	// reached a terminal state.
	Cancel(ctx context.Context, orderID string) (bool, error)

	// ExecuteFAK attempts an immediate best-effort fill of size at price,
	// reporting whether it filled.
	ExecuteFAK(ctx context.Context, token string, side types.Side, price, size float64) (bool, error)

	// IsFilled reports whether orderID has reached StatusFilled.
	IsFilled(orderID string) bool

	// Position returns the current holding for token, or false if none.
	Position(token string) (types.Position, bool)

	// AllPositions returns every non-empty position, keyed by token id.
	AllPositions() map[string]types.Position

	// Cash returns the current available cash balance. Both modes only move
	// it on fills; live mode starts from zero and sums the fills it has
	// observed since process start.
	Cash() float64

	// OpenOrders returns every order still in PENDING status.
	OpenOrders() []types.Order

	// ClearAll cancels every open order (live) or wipes all local state
	// (paper); called on market rotation.
	ClearAll(ctx context.Context) error
}
