package market

import (
	"context"
	"errors"
	"time"
)

// ErrNoData is returned when an instrument has no observed prices yet.
var ErrNoData = errors.New("market: no data for instrument")

// PricePoint is one observed trade price.
type PricePoint struct {
	Time   time.Time `json:"time"`
	Price  float64   `json:"price"`
	Volume float64   `json:"volume"`
}

// Indicators are derived from the rolling price window.
type Indicators struct {
	RSI14        float64 `json:"rsi14"`
	SMA20        float64 `json:"sma20"`
	SMA50        float64 `json:"sma50"`
	BandPosition float64 `json:"band_position"` // 0 = band low, 1 = band high
}

// Snapshot represents the market state of one instrument at one tick.
// It is a value type; Prices is owned by the snapshot.
type Snapshot struct {
	Instrument string     `json:"instrument"`
	Time       time.Time  `json:"time"`
	Price      float64    `json:"price"`
	Prices     []float64  `json:"prices"` // oldest first
	Volume     float64    `json:"volume"`
	Indicators Indicators `json:"indicators"`
}

// NewSnapshot copies prices and derives indicators from them.
func NewSnapshot(instrument string, at time.Time, prices []float64, volume float64) Snapshot {
	cp := make([]float64, len(prices))
	copy(cp, prices)
	s := Snapshot{
		Instrument: instrument,
		Time:       at,
		Prices:     cp,
		Volume:     volume,
	}
	if len(cp) > 0 {
		s.Price = cp[len(cp)-1]
	}
	s.Indicators = Indicators{
		RSI14:        RSI(cp, 14),
		SMA20:        SMA(cp, 20),
		SMA50:        SMA(cp, 50),
		BandPosition: BandPosition(cp),
	}
	return s
}

// WithBandPosition returns a copy whose band position comes from an external
// range (e.g. the oscillation tracker) instead of the raw window.
func (s Snapshot) WithBandPosition(pos float64) Snapshot {
	cp := make([]float64, len(s.Prices))
	copy(cp, s.Prices)
	s.Prices = cp
	s.Indicators.BandPosition = pos
	return s
}

// Source supplies snapshots on demand.
type Source interface {
	Snapshot(ctx context.Context, instrument string) (Snapshot, error)
}

// PriceLookup answers "what was the price at t" for forecast validation.
type PriceLookup interface {
	PriceAt(instrument string, t time.Time) (float64, bool)
}
