package signal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Rajchodisetti/swapfusion/internal/market"
)

// Source identifies a signal producer.
type Source string

const (
	Technical       Source = "technical"
	LanguageModel   Source = "language_model"
	TimeSeriesModel Source = "time_series_model"
)

// Sources is the fixed producer set in fusion order.
var Sources = []Source{Technical, LanguageModel, TimeSeriesModel}

// Known reports whether s is one of Sources.
func (s Source) Known() bool {
	for _, k := range Sources {
		if k == s {
			return true
		}
	}
	return false
}

type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
	Hold Direction = "hold"
)

// Sign maps buy/sell/hold to +1/-1/0.
func (d Direction) Sign() float64 {
	switch d {
	case Buy:
		return 1
	case Sell:
		return -1
	}
	return 0
}

var (
	// ErrUnavailable means the producer has nothing this cycle. It is never
	// the same as a hold.
	ErrUnavailable = errors.New("signal: producer unavailable")
	// ErrMalformed means a payload failed validation; callers treat it as
	// unavailable after logging.
	ErrMalformed = errors.New("signal: malformed payload")
)

// Signal is an immutable forecast from one producer for one instrument.
type Signal struct {
	Source         Source        `json:"source" validate:"required,oneof=technical language_model time_series_model"`
	Instrument     string        `json:"instrument" validate:"required"`
	Direction      Direction     `json:"direction" validate:"required,oneof=buy sell hold"`
	Strength       float64       `json:"strength" validate:"gte=0,lte=1"`
	Confidence     float64       `json:"confidence" validate:"gte=0,lte=1"`
	GeneratedAt    time.Time     `json:"generated_at" validate:"required"`
	TargetPrice    *float64      `json:"target_price,omitempty" validate:"omitempty,gt=0"`
	Horizon        time.Duration `json:"horizon,omitempty" validate:"gte=0"`
	ReferencePrice float64       `json:"reference_price" validate:"gte=0"`
	Reason         string        `json:"reason,omitempty"`
}

var validate = validator.New()

// Validate checks ranges and enums; the error wraps ErrMalformed.
func (s Signal) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, s.Source, err)
	}
	return nil
}

// Producer is a signal source. Params feed the cache fingerprint and must be
// stable for a given configuration.
type Producer interface {
	Source() Source
	Params() map[string]string
	Signal(ctx context.Context, snap market.Snapshot) (Signal, error)
}
