package market

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// TickerConfig configures the HTTP last-price poller.
type TickerConfig struct {
	BaseURL       string
	Path          string
	RatePerMinute int
	Timeout       time.Duration
}

type tickerResponse struct {
	Instrument string    `json:"instrument"`
	Last       float64   `json:"last"`
	Volume     float64   `json:"volume"`
	Timestamp  time.Time `json:"ts"`
}

// Ticker polls a last-price endpoint and records every quote into a History
// before building the snapshot from it.
type Ticker struct {
	client  *resty.Client
	limiter *rate.Limiter
	history *History
	path    string
	now     func() time.Time
}

// NewTicker creates a rate-limited poller feeding h.
func NewTicker(cfg TickerConfig, h *History) *Ticker {
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 60
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Path == "" {
		cfg.Path = "/v1/ticker"
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	return &Ticker{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60), 1),
		history: h,
		path:    cfg.Path,
		now:     time.Now,
	}
}

// Poll fetches one quote and appends it to the history.
func (t *Ticker) Poll(ctx context.Context, instrument string) (PricePoint, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return PricePoint{}, err
	}
	var body tickerResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetQueryParam("instrument", instrument).
		SetResult(&body).
		ForceContentType("application/json").
		Get(t.path)
	if err != nil {
		return PricePoint{}, fmt.Errorf("ticker %s: %w", instrument, err)
	}
	if resp.IsError() {
		return PricePoint{}, fmt.Errorf("ticker %s: http %d", instrument, resp.StatusCode())
	}
	if err := validateTicker(&body, instrument, t.now()); err != nil {
		return PricePoint{}, err
	}
	p := PricePoint{Time: body.Timestamp, Price: body.Last, Volume: body.Volume}
	if err := t.history.Append(instrument, p); err != nil {
		return PricePoint{}, err
	}
	return p, nil
}

// Snapshot polls a fresh quote, falling back to recorded history when the
// endpoint fails but data exists.
func (t *Ticker) Snapshot(ctx context.Context, instrument string) (Snapshot, error) {
	_, pollErr := t.Poll(ctx, instrument)
	snap, err := t.history.Snapshot(ctx, instrument)
	if err != nil && pollErr != nil {
		return Snapshot{}, pollErr
	}
	return snap, err
}

// validateTicker fails closed on nonsensical quotes.
func validateTicker(q *tickerResponse, instrument string, now time.Time) error {
	if q.Instrument != "" && !strings.EqualFold(q.Instrument, instrument) {
		return fmt.Errorf("ticker: asked for %s, got %s", instrument, q.Instrument)
	}
	if q.Last <= 0 {
		return fmt.Errorf("ticker %s: invalid last price %.8f", instrument, q.Last)
	}
	if q.Volume < 0 {
		return fmt.Errorf("ticker %s: negative volume", instrument)
	}
	if q.Timestamp.IsZero() {
		q.Timestamp = now
	}
	if q.Timestamp.After(now.Add(5 * time.Minute)) {
		return fmt.Errorf("ticker %s: timestamp too far in future: %v", instrument, q.Timestamp)
	}
	return nil
}
