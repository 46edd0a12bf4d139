package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/swapfusion/internal/market"
)

// RemoteConfig describes an HTTP forecast service.
type RemoteConfig struct {
	Source        Source
	BaseURL       string
	Path          string
	APIKey        string
	Model         string
	RatePerMinute int
	Timeout       time.Duration
	Horizon       time.Duration
	Clock         func() time.Time
}

// Payload is the wire shape of a forecast response. Pointers distinguish
// missing fields from zero values.
type Payload struct {
	Direction   string     `json:"direction" validate:"required"`
	Strength    *float64   `json:"strength" validate:"omitempty,gte=0,lte=1"`
	Confidence  *float64   `json:"confidence" validate:"required,gte=0,lte=1"`
	TargetPrice *float64   `json:"target_price" validate:"omitempty,gt=0"`
	Horizon     *float64   `json:"horizon_hours" validate:"omitempty,gt=0"`
	GeneratedAt *time.Time `json:"generated_at"`
	Reasoning   string     `json:"reasoning"`
}

type forecastRequest struct {
	Instrument   string            `json:"instrument"`
	Model        string            `json:"model,omitempty"`
	HorizonHours float64           `json:"horizon_hours"`
	Price        float64           `json:"price"`
	Prices       []float64         `json:"prices"`
	Indicators   market.Indicators `json:"indicators"`
}

// Remote calls a forecast service for the language-model or time-series
// producer and validates the answer into a Signal.
type Remote struct {
	cfg     RemoteConfig
	client  *resty.Client
	limiter *rate.Limiter
}

func NewRemote(cfg RemoteConfig) (*Remote, error) {
	if !cfg.Source.Known() || cfg.Source == Technical {
		return nil, fmt.Errorf("remote producer: unsupported source %q", cfg.Source)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote producer %s: base url is required", cfg.Source)
	}
	if cfg.Path == "" {
		cfg.Path = "/v1/forecast"
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 30
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = 4 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}

	return &Remote{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60), 1),
	}, nil
}

func (r *Remote) Source() Source { return r.cfg.Source }

func (r *Remote) Params() map[string]string {
	return map[string]string{
		"model":   r.cfg.Model,
		"horizon": r.cfg.Horizon.String(),
	}
}

func (r *Remote) Signal(ctx context.Context, snap market.Snapshot) (Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if err := r.limiter.Wait(ctx); err != nil {
		return Signal{}, fmt.Errorf("%w: %s rate limit: %v", ErrUnavailable, r.cfg.Source, err)
	}

	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(forecastRequest{
			Instrument:   snap.Instrument,
			Model:        r.cfg.Model,
			HorizonHours: r.cfg.Horizon.Hours(),
			Price:        snap.Price,
			Prices:       snap.Prices,
			Indicators:   snap.Indicators,
		}).
		Post(r.cfg.Path)
	if err != nil {
		return Signal{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, r.cfg.Source, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNoContent:
		return Signal{}, fmt.Errorf("%w: %s: no forecast", ErrUnavailable, r.cfg.Source)
	case resp.IsError():
		return Signal{}, fmt.Errorf("%w: %s: http %d", ErrUnavailable, r.cfg.Source, resp.StatusCode())
	}

	var p Payload
	if err := json.Unmarshal(resp.Body(), &p); err != nil {
		return Signal{}, fmt.Errorf("%w: %s: decode: %v", ErrMalformed, r.cfg.Source, err)
	}
	return p.ToSignal(r.cfg.Source, snap.Instrument, snap.Price, r.cfg.Horizon, r.cfg.Clock())
}

// ToSignal validates the payload and converts it. A missing strength takes
// the confidence value.
func (p Payload) ToSignal(src Source, instrument string, refPrice float64, defHorizon time.Duration, now time.Time) (Signal, error) {
	if err := validate.Struct(p); err != nil {
		return Signal{}, fmt.Errorf("%w: %s: %v", ErrMalformed, src, err)
	}
	dir, err := ParseDirection(p.Direction)
	if err != nil {
		return Signal{}, fmt.Errorf("%w: %s: %v", ErrMalformed, src, err)
	}

	sig := Signal{
		Source:         src,
		Instrument:     instrument,
		Direction:      dir,
		Confidence:     *p.Confidence,
		Strength:       *p.Confidence,
		GeneratedAt:    now,
		TargetPrice:    p.TargetPrice,
		Horizon:        defHorizon,
		ReferencePrice: refPrice,
		Reason:         p.Reasoning,
	}
	if p.Strength != nil {
		sig.Strength = *p.Strength
	}
	if p.Horizon != nil {
		sig.Horizon = time.Duration(*p.Horizon * float64(time.Hour))
	}
	if p.GeneratedAt != nil && !p.GeneratedAt.IsZero() {
		sig.GeneratedAt = *p.GeneratedAt
	}
	if err := sig.Validate(); err != nil {
		return Signal{}, err
	}
	return sig, nil
}

var errDirection = errors.New("unknown direction")

// ParseDirection accepts buy/sell/hold and the bullish/bearish/neutral
// vocabulary forecast services commonly answer with.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "long", "bullish", "up":
		return Buy, nil
	case "sell", "short", "bearish", "down":
		return Sell, nil
	case "hold", "neutral", "sideways", "flat":
		return Hold, nil
	}
	return "", fmt.Errorf("%w %s", errDirection, strconv.Quote(s))
}
