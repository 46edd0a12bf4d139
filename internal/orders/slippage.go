package orders

import (
	"fmt"
	"math"

	"github.com/Rajchodisetti/swapfusion/internal/exchange"
)

// SlippageMode selects how far a protected entry may trade from the price the
// decision was made at.
type SlippageMode string

const (
	SlippageNone       SlippageMode = "none"
	SlippagePercentage SlippageMode = "percentage"
	SlippageAbsolute   SlippageMode = "absolute"
	SlippageAdaptive   SlippageMode = "adaptive"
)

// SlippageConfig bounds entry prices. With a mode other than none, market
// entries carrying an expected price are sent as limits at the bound.
type SlippageConfig struct {
	Mode           SlippageMode
	MaxPct         float64 // fraction of the expected price
	MaxAbs         float64 // price units
	AdaptiveFactor float64 // scales MaxPct by (1 - confidence)
}

func (c SlippageConfig) enabled() bool { return c.Mode != "" && c.Mode != SlippageNone }

// Validate reports a mode without the bound it needs.
func (c SlippageConfig) Validate() error {
	switch c.Mode {
	case "", SlippageNone:
		return nil
	case SlippagePercentage:
		if c.MaxPct <= 0 {
			return fmt.Errorf("orders: slippage mode %s needs max_pct > 0", c.Mode)
		}
	case SlippageAbsolute:
		if c.MaxAbs <= 0 {
			return fmt.Errorf("orders: slippage mode %s needs max_abs > 0", c.Mode)
		}
	case SlippageAdaptive:
		if c.MaxPct <= 0 || c.AdaptiveFactor <= 0 {
			return fmt.Errorf("orders: slippage mode %s needs max_pct and adaptive_factor > 0", c.Mode)
		}
	default:
		return fmt.Errorf("orders: unknown slippage mode %q", c.Mode)
	}
	return nil
}

// Allowance is the largest adverse distance from expected a fill may take.
// Confidence is clamped to [0, 1].
func (c SlippageConfig) Allowance(expected, confidence float64) float64 {
	switch c.Mode {
	case SlippagePercentage:
		return expected * c.MaxPct
	case SlippageAbsolute:
		return c.MaxAbs
	case SlippageAdaptive:
		confidence = math.Max(0, math.Min(1, confidence))
		return expected * c.MaxPct * c.AdaptiveFactor * (1 - confidence)
	}
	return 0
}

// ProtectedPrice is the limit price for side: above expected for a buy, below
// for a sell. It returns false when protection is off or expected is unknown.
func (c SlippageConfig) ProtectedPrice(side exchange.Side, expected, confidence float64) (float64, bool) {
	if !c.enabled() || expected <= 0 {
		return 0, false
	}
	allow := c.Allowance(expected, confidence)
	if side == exchange.Sell {
		return math.Max(expected-allow, 0), true
	}
	return expected + allow, true
}
