// Package market implements market discovery (finding and tracking the
// currently active trading window) and the order book source (on-demand
// top-of-book reads for a single token).
package market

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"scalper15m/pkg/types"
)

// ErrEmptyBook is returned when both sides of a book read come back empty.
// A one-sided snapshot is tolerated and returned normally.
var ErrEmptyBook = fmt.Errorf("market: empty book")

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookResponse struct {
	AssetID string      `json:"asset_id"`
	Bids    []bookLevel `json:"bids"`
	Asks    []bookLevel `json:"asks"`
}

// BookSource fetches top-of-book snapshots on demand, fresh each call — it
// does not maintain a long-lived local mirror, since this engine polls once
// per tick rather than driving continuous quoting off a WS mirror.
type BookSource struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewBookSource builds a BookSource against the given market API base URL.
func NewBookSource(baseURL string, logger *slog.Logger) *BookSource {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Second).
		SetRetryCount(2)

	return &BookSource{http: client, logger: logger.With("component", "book_source")}
}

// Book fetches the current top-of-book snapshot for tokenID. Returns
// ErrEmptyBook when both sides are empty; a one-sided book is returned with
// the empty side reported as 0, per the data model's tolerance for partial
// snapshots.
func (s *BookSource) Book(ctx context.Context, tokenID string) (types.BookSnapshot, error) {
	var resp bookResponse
	r, err := s.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&resp).
		Get("/book")
	if err != nil {
		return types.BookSnapshot{}, fmt.Errorf("fetch book: %w", err)
	}
	if r.IsError() {
		return types.BookSnapshot{}, fmt.Errorf("fetch book: status %d", r.StatusCode())
	}

	snap := types.BookSnapshot{TokenID: tokenID, Timestamp: time.Now()}
	if len(resp.Bids) > 0 {
		snap.BestBid = parsePrice(resp.Bids[0].Price)
		snap.BidSize = parsePrice(resp.Bids[0].Size)
	}
	if len(resp.Asks) > 0 {
		snap.BestAsk = parsePrice(resp.Asks[0].Price)
		snap.AskSize = parsePrice(resp.Asks[0].Size)
	}

	if snap.Empty() {
		return types.BookSnapshot{}, ErrEmptyBook
	}
	return snap, nil
}

func parsePrice(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
