// Package oscillation tracks the rolling trading range of each instrument and
// flags breakouts beyond it.
package oscillation

import (
	"errors"
	"sync"
	"time"

	"github.com/Rajchodisetti/swapfusion/internal/market"
	"github.com/Rajchodisetti/swapfusion/internal/observ"
)

var ErrNoRange = errors.New("oscillation: no range computed")

type Config struct {
	Lookback          time.Duration
	ShrinkFactor      float64 // session band width as a fraction of the full range
	EntryThreshold    float64 // band-position distance from an edge counted as near
	BreakoutThreshold float64 // fraction of the range price must move beyond it
}

func DefaultConfig() Config {
	return Config{
		Lookback:          24 * time.Hour,
		ShrinkFactor:      0.6,
		EntryThreshold:    0.1,
		BreakoutThreshold: 0.2,
	}
}

// Range is the computed band for one instrument.
type Range struct {
	Instrument string    `json:"instrument"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Center     float64   `json:"center"`
	BandUpper  float64   `json:"band_upper"`
	BandLower  float64   `json:"band_lower"`
	Points     int       `json:"points"`
	ComputedAt time.Time `json:"computed_at"`
}

func (r Range) Width() float64 { return r.High - r.Low }

// Edge says which band edge a price is near.
type Edge string

const (
	EdgeNone  Edge = "none"
	EdgeLower Edge = "lower"
	EdgeUpper Edge = "upper"
)

// Status is the per-tick view of an instrument against its range.
type Status struct {
	Range        Range   `json:"range"`
	Price        float64 `json:"price"`
	BandPosition float64 `json:"band_position"`
	Edge         Edge    `json:"edge"`
	Breakout     bool    `json:"breakout"`
	Magnitude    float64 `json:"magnitude"` // distance beyond the range / range width (price level when flat)
	Changed      bool    `json:"-"`         // breakout flag flipped on this observation
}

type state struct {
	rng       Range
	breakout  bool
	magnitude float64
	lastPrice float64
}

// Tracker holds one range per instrument. Recompute runs on the coarse timer;
// Observe runs per tick.
type Tracker struct {
	cfg Config

	mu     sync.RWMutex
	states map[string]*state
}

func NewTracker(cfg Config) *Tracker {
	return &Tracker{cfg: cfg, states: make(map[string]*state)}
}

// Recompute derives the range from the points within the lookback ending at
// now. An empty window leaves the previous range in place.
func (t *Tracker) Recompute(instrument string, points []market.PricePoint, now time.Time) (Range, bool) {
	from := now.Add(-t.cfg.Lookback)
	var hi, lo float64
	n := 0
	for _, p := range points {
		if p.Time.Before(from) || p.Time.After(now) || p.Price <= 0 {
			continue
		}
		if n == 0 || p.Price > hi {
			hi = p.Price
		}
		if n == 0 || p.Price < lo {
			lo = p.Price
		}
		n++
	}
	if n == 0 {
		return Range{}, false
	}

	center := (hi + lo) / 2
	half := 0.5 * t.cfg.ShrinkFactor * (hi - lo)
	r := Range{
		Instrument: instrument,
		High:       hi,
		Low:        lo,
		Center:     center,
		BandUpper:  center + half,
		BandLower:  center - half,
		Points:     n,
		ComputedAt: now,
	}

	t.mu.Lock()
	st, ok := t.states[instrument]
	if !ok {
		st = &state{}
		t.states[instrument] = st
	}
	st.rng = r
	t.mu.Unlock()

	observ.SetGauge("oscillation_range_width", r.Width(), map[string]string{"instrument": instrument})
	return r, true
}

// Observe evaluates price against the current range and updates the breakout
// flag. The flag clears once price is back inside [Low, High].
func (t *Tracker) Observe(instrument string, price float64) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[instrument]
	if !ok {
		return Status{}, ErrNoRange
	}
	r := st.rng
	width := r.Width()
	prev := st.breakout

	var beyond float64
	switch {
	case price > r.High:
		beyond = price - r.High
	case price < r.Low:
		beyond = r.Low - price
	}

	st.magnitude = 0
	switch {
	case width > 0:
		st.magnitude = beyond / width
	case r.High > 0:
		// a flat range has no width to scale by; use its price level
		st.magnitude = beyond / r.High
	}
	switch {
	case beyond == 0:
		st.breakout = false
	case st.magnitude > t.cfg.BreakoutThreshold:
		st.breakout = true
	}
	// between the range and the threshold the flag holds its previous value
	st.lastPrice = price

	status := Status{
		Range:        r,
		Price:        price,
		BandPosition: t.position(r, price),
		Edge:         t.edge(r, price),
		Breakout:     st.breakout,
		Magnitude:    st.magnitude,
		Changed:      prev != st.breakout,
	}
	if status.Changed {
		observ.Log("oscillation_breakout", map[string]any{
			"instrument": instrument,
			"active":     st.breakout,
			"price":      price,
			"magnitude":  st.magnitude,
		})
		v := 0.0
		if st.breakout {
			v = 1
		}
		observ.SetGauge("oscillation_breakout_active", v, map[string]string{"instrument": instrument})
	}
	return status, nil
}

func (t *Tracker) position(r Range, price float64) float64 {
	bw := r.BandUpper - r.BandLower
	if bw <= 0 {
		return 0.5
	}
	return (price - r.BandLower) / bw
}

func (t *Tracker) edge(r Range, price float64) Edge {
	pos := t.position(r, price)
	switch {
	case pos < t.cfg.EntryThreshold:
		return EdgeLower
	case pos > 1-t.cfg.EntryThreshold:
		return EdgeUpper
	}
	return EdgeNone
}

// NearEdge reports which band edge price is within the entry threshold of,
// with its band position.
func (t *Tracker) NearEdge(instrument string, price float64) (Edge, float64, error) {
	r, ok := t.Range(instrument)
	if !ok {
		return EdgeNone, 0, ErrNoRange
	}
	return t.edge(r, price), t.position(r, price), nil
}

// Range returns a copy of the instrument's current range.
func (t *Tracker) Range(instrument string) (Range, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[instrument]
	if !ok {
		return Range{}, false
	}
	return st.rng, true
}

// Snapshot returns the last observed status per instrument.
func (t *Tracker) Snapshot() map[string]Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Status, len(t.states))
	for inst, st := range t.states {
		out[inst] = Status{
			Range:        st.rng,
			Price:        st.lastPrice,
			BandPosition: t.position(st.rng, st.lastPrice),
			Edge:         t.edge(st.rng, st.lastPrice),
			Breakout:     st.breakout,
			Magnitude:    st.magnitude,
		}
	}
	return out
}
