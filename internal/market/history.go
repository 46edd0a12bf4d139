package market

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Rajchodisetti/swapfusion/internal/observ"
)

// ErrBadPrice marks a point refused by the sanity filter.
var ErrBadPrice = errors.New("market: price rejected")

const (
	maxSanePrice = 1e6
	minSanePrice = 1e-12
	// a jump repeated this many times in a row is taken as a real move
	jumpConfirmations = 3
)

// History keeps a rolling, time-ordered price series per instrument. It
// serves as the engine's Source and as the validator's PriceLookup.
type History struct {
	mu        sync.RWMutex
	series    map[string][]PricePoint
	retention time.Duration
	window    int
	tolerance time.Duration
	maxJump   float64
	jumps     map[string]int
}

// NewHistory keeps points for retention and builds snapshots from the last
// window points. PriceAt accepts the nearest point within tolerance.
func NewHistory(retention time.Duration, window int, tolerance time.Duration) *History {
	if window <= 0 {
		window = 100
	}
	return &History{
		series:    make(map[string][]PricePoint),
		retention: retention,
		window:    window,
		tolerance: tolerance,
		jumps:     make(map[string]int),
	}
}

// SetMaxJump refuses points that move more than frac from the neighbouring
// recorded price, until the move repeats. Zero disables the check.
func (h *History) SetMaxJump(frac float64) {
	h.mu.Lock()
	h.maxJump = frac
	h.mu.Unlock()
}

// Append records a point. Out-of-order points are inserted in place. Prices
// that are not finite, outside sane bounds or an unconfirmed jump are dropped
// with ErrBadPrice.
func (h *History) Append(instrument string, p PricePoint) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.series[instrument]
	if err := h.checkLocked(instrument, s, p); err != nil {
		observ.IncCounter("market_price_rejected_total", map[string]string{"instrument": instrument})
		observ.Warn("market_price_rejected", map[string]any{"instrument": instrument, "price": p.Price, "time": p.Time, "err": err})
		return err
	}
	if n := len(s); n == 0 || !p.Time.Before(s[n-1].Time) {
		s = append(s, p)
	} else {
		i := sort.Search(n, func(i int) bool { return s[i].Time.After(p.Time) })
		s = append(s, PricePoint{})
		copy(s[i+1:], s[i:])
		s[i] = p
	}

	if h.retention > 0 {
		cutoff := s[len(s)-1].Time.Add(-h.retention)
		drop := sort.Search(len(s), func(i int) bool { return !s[i].Time.Before(cutoff) })
		if drop > 0 {
			s = append(s[:0:0], s[drop:]...)
		}
	}
	h.series[instrument] = s
	return nil
}

func (h *History) checkLocked(instrument string, s []PricePoint, p PricePoint) error {
	if math.IsNaN(p.Price) || math.IsInf(p.Price, 0) || p.Price < minSanePrice || p.Price > maxSanePrice {
		return fmt.Errorf("%w: %s price %v out of bounds", ErrBadPrice, instrument, p.Price)
	}
	if h.maxJump <= 0 || len(s) == 0 {
		return nil
	}
	i := sort.Search(len(s), func(i int) bool { return s[i].Time.After(p.Time) })
	ref := s[0].Price
	if i > 0 {
		ref = s[i-1].Price
	}
	if move := math.Abs(p.Price-ref) / ref; move > h.maxJump {
		h.jumps[instrument]++
		if h.jumps[instrument] < jumpConfirmations {
			return fmt.Errorf("%w: %s moved %.2f%% from %v", ErrBadPrice, instrument, move*100, ref)
		}
		observ.Warn("market_price_jump_confirmed", map[string]any{"instrument": instrument, "price": p.Price, "ref": ref})
	}
	h.jumps[instrument] = 0
	return nil
}

// Latest returns the most recent point.
func (h *History) Latest(instrument string) (PricePoint, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := h.series[instrument]
	if len(s) == 0 {
		return PricePoint{}, false
	}
	return s[len(s)-1], true
}

// Since returns a copy of the points at or after t.
func (h *History) Since(instrument string, t time.Time) []PricePoint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := h.series[instrument]
	i := sort.Search(len(s), func(i int) bool { return !s[i].Time.Before(t) })
	out := make([]PricePoint, len(s)-i)
	copy(out, s[i:])
	return out
}

// PriceAt returns the price of the point nearest to t, if one lies within
// the tolerance.
func (h *History) PriceAt(instrument string, t time.Time) (float64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := h.series[instrument]
	if len(s) == 0 {
		return 0, false
	}
	i := sort.Search(len(s), func(i int) bool { return !s[i].Time.Before(t) })
	best := -1
	var bestGap time.Duration
	for _, j := range []int{i - 1, i} {
		if j < 0 || j >= len(s) {
			continue
		}
		gap := s[j].Time.Sub(t)
		if gap < 0 {
			gap = -gap
		}
		if best < 0 || gap < bestGap {
			best, bestGap = j, gap
		}
	}
	if best < 0 || bestGap > h.tolerance {
		return 0, false
	}
	return s[best].Price, true
}

// Snapshot builds a snapshot from the last window points.
func (h *History) Snapshot(_ context.Context, instrument string) (Snapshot, error) {
	h.mu.RLock()
	s := h.series[instrument]
	if len(s) == 0 {
		h.mu.RUnlock()
		return Snapshot{}, ErrNoData
	}
	start := len(s) - h.window
	if start < 0 {
		start = 0
	}
	prices := make([]float64, 0, len(s)-start)
	for _, p := range s[start:] {
		prices = append(prices, p.Price)
	}
	last := s[len(s)-1]
	h.mu.RUnlock()

	return NewSnapshot(instrument, last.Time, prices, last.Volume), nil
}
