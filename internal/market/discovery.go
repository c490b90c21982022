package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"scalper15m/pkg/types"
)

const (
	windowInterval = 15 * time.Minute
	probeTimeout   = 500 * time.Millisecond

	strikeGenericBackoffBase = 3 * time.Second
	strikeGenericBackoffCap  = 30 * time.Second
	strikeRateLimitBackoffBase = 10 * time.Second
	strikeRateLimitBackoffCap  = 60 * time.Second
)

type gammaMarket struct {
	Slug            string `json:"slug"`
	ConditionID     string `json:"conditionId"`
	EventStartTime  string `json:"eventStartTime"`
	StartDate       string `json:"startDate"`
	EndDate         string `json:"endDate"`
	Active          bool   `json:"active"`
	AcceptingOrders bool   `json:"acceptingOrders"`
	Closed          bool   `json:"closed"`
	ClobTokenIDs    string `json:"clobTokenIds"` // JSON-encoded array, element[0]=UP, element[1]=DOWN
	Question        string `json:"question"`
}

func (g gammaMarket) startTime() (time.Time, error) {
	if g.EventStartTime != "" {
		return time.Parse(time.RFC3339, g.EventStartTime)
	}
	return time.Parse(time.RFC3339, g.StartDate)
}

func (g gammaMarket) endTime() (time.Time, error) {
	return time.Parse(time.RFC3339, g.EndDate)
}

func (g gammaMarket) tokens() (up, down string, err error) {
	var ids []string
	if err := json.Unmarshal([]byte(g.ClobTokenIDs), &ids); err != nil || len(ids) < 2 {
		return "", "", fmt.Errorf("parse clobTokenIds: %w", err)
	}
	return ids[0], ids[1], nil
}

// Discovery finds the currently active trading window and resolves its
// strike price, per §4.2. Exactly one active market is tracked at a time.
type Discovery struct {
	http   *resty.Client
	symbol string
	logger *slog.Logger

	mu          sync.Mutex
	strikeCache map[string]float64
	override    map[string]float64 // operator-supplied strike override by slug
}

// NewDiscovery builds a Discovery client against the given market API base URL.
func NewDiscovery(baseURL, assetSymbol string, logger *slog.Logger) *Discovery {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Second)

	return &Discovery{
		http:        client,
		symbol:      assetSymbol,
		logger:      logger.With("component", "discovery"),
		strikeCache: make(map[string]float64),
		override:    make(map[string]float64),
	}
}

// SetStrikeOverride lets an operator supply a strike manually when the
// authoritative endpoint is unavailable.
func (d *Discovery) SetStrikeOverride(slug string, strike float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.override[slug] = strike
}

// ActiveMarket probes the four candidate window boundaries in parallel and
// returns the first qualifying one, in probe order: next, current, prev,
// prev-1. A candidate qualifies iff start <= now < end and the venue
// reports it active/accepting orders. Returns (nil, nil) if none qualify.
func (d *Discovery) ActiveMarket(ctx context.Context) (*types.Market, error) {
	now := time.Now()
	currentBoundary := now.Truncate(windowInterval)
	if currentBoundary.Before(now) || currentBoundary.Equal(now) {
		currentBoundary = currentBoundary.Add(windowInterval)
	}

	ends := []time.Time{
		currentBoundary.Add(windowInterval), // next
		currentBoundary,                     // current
		currentBoundary.Add(-windowInterval),  // prev
		currentBoundary.Add(-2 * windowInterval), // prev-1
	}

	results := make([]*types.Market, len(ends))
	errs := make([]error, len(ends))

	var wg sync.WaitGroup
	for i, end := range ends {
		wg.Add(1)
		go func(i int, end time.Time) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			m, err := d.probeCandidate(pctx, end, now)
			results[i] = m
			errs[i] = err
		}(i, end)
	}
	wg.Wait()

	for i, m := range results {
		if m != nil {
			return m, nil
		}
		if errs[i] != nil {
			d.logger.Debug("candidate probe failed", "index", i, "error", errs[i])
		}
	}
	return nil, nil
}

func (d *Discovery) probeCandidate(ctx context.Context, end, now time.Time) (*types.Market, error) {
	slug := d.slugFor(end)

	gm, err := d.fetchMarket(ctx, slug)
	if err != nil {
		return nil, err
	}
	if gm == nil || gm.Closed || !gm.Active || !gm.AcceptingOrders {
		return nil, nil
	}

	start, err := gm.startTime()
	if err != nil {
		return nil, fmt.Errorf("parse start: %w", err)
	}
	realEnd, err := gm.endTime()
	if err != nil {
		return nil, fmt.Errorf("parse end: %w", err)
	}
	if now.Before(start) || !now.Before(realEnd) {
		return nil, nil
	}

	up, down, err := gm.tokens()
	if err != nil {
		return nil, err
	}

	strike, err := d.strikeFor(ctx, gm.Slug, start, realEnd)
	if err != nil {
		return nil, fmt.Errorf("strike unavailable: %w", err)
	}

	return &types.Market{
		Slug:      gm.Slug,
		UpToken:   up,
		DownToken: down,
		Strike:    strike,
		Start:     start,
		End:       realEnd,
	}, nil
}

func (d *Discovery) fetchMarket(ctx context.Context, slug string) (*gammaMarket, error) {
	var gm gammaMarket
	r, err := d.http.R().
		SetContext(ctx).
		SetQueryParam("slug", slug).
		SetResult(&gm).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("fetch market %s: %w", slug, err)
	}
	if r.StatusCode() == 404 {
		return nil, nil
	}
	if r.IsError() {
		return nil, fmt.Errorf("fetch market %s: status %d", slug, r.StatusCode())
	}
	return &gm, nil
}

// strikeFor resolves the strike for slug, consulting cache and operator
// override before calling the authoritative endpoint. On failure it is the
// caller's responsibility to treat the market as untradeable — this method
// performs its own retry loop with the differentiated backoff of §4.2 and
// only returns once it has a value or ctx is cancelled.
func (d *Discovery) strikeFor(ctx context.Context, slug string, start, end time.Time) (float64, error) {
	d.mu.Lock()
	if v, ok := d.override[slug]; ok {
		d.mu.Unlock()
		return v, nil
	}
	if v, ok := d.strikeCache[slug]; ok {
		d.mu.Unlock()
		return v, nil
	}
	d.mu.Unlock()

	genericBackoff := strikeGenericBackoffBase
	rateLimitBackoff := strikeRateLimitBackoffBase
	for {
		strikeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		v, rateLimited, err := d.fetchStrikeOnce(strikeCtx, start, end)
		cancel()
		if err == nil {
			d.mu.Lock()
			d.strikeCache[slug] = v
			d.mu.Unlock()
			return v, nil
		}

		// Pick the sleep duration from *this* failure's schedule before
		// sleeping, so a 429 on the very first attempt backs off at the
		// rate-limit base instead of the generic one.
		var sleep time.Duration
		if rateLimited {
			sleep = rateLimitBackoff
			rateLimitBackoff *= 2
			if rateLimitBackoff > strikeRateLimitBackoffCap {
				rateLimitBackoff = strikeRateLimitBackoffCap
			}
		} else {
			sleep = genericBackoff
			genericBackoff *= 2
			if genericBackoff > strikeGenericBackoffCap {
				genericBackoff = strikeGenericBackoffCap
			}
		}

		d.logger.Warn("strike fetch failed, retrying", "slug", slug, "error", err, "backoff", sleep, "rate_limited", rateLimited)

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (d *Discovery) fetchStrikeOnce(ctx context.Context, start, end time.Time) (float64, bool, error) {
	var out struct {
		OpenPrice float64 `json:"openPrice"`
	}
	r, err := d.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", d.symbol).
		SetQueryParam("eventStartTime", start.UTC().Format(time.RFC3339)).
		SetQueryParam("variant", "fifteen").
		SetQueryParam("endDate", end.UTC().Format(time.RFC3339)).
		SetResult(&out).
		Get("/crypto-price")
	if err != nil {
		return 0, false, fmt.Errorf("fetch strike: %w", err)
	}
	if r.StatusCode() == 429 {
		return 0, true, fmt.Errorf("rate limited")
	}
	if r.IsError() {
		return 0, false, fmt.Errorf("fetch strike: status %d", r.StatusCode())
	}
	if out.OpenPrice <= 0 {
		return 0, false, fmt.Errorf("strike endpoint returned non-positive price")
	}
	return out.OpenPrice, false, nil
}

func (d *Discovery) slugFor(end time.Time) string {
	return fmt.Sprintf("%s-15m-%d", d.symbol, end.Unix())
}
