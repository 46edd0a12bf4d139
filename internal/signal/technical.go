package signal

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Rajchodisetti/swapfusion/internal/market"
)

// TechnicalConfig tunes the range-reversion producer.
type TechnicalConfig struct {
	EntryThreshold float64       // band-position distance from an edge that counts as "near"
	EdgeConfidence float64       // confidence of an edge signal
	RSIOversold    float64       // RSI at or below which buys gain confidence
	RSIOverbought  float64       // RSI at or above which sells gain confidence
	RSITilt        float64       // confidence added or removed by RSI agreement
	Horizon        time.Duration // declared validity of each signal
	Clock          func() time.Time
}

func DefaultTechnicalConfig() TechnicalConfig {
	return TechnicalConfig{
		EntryThreshold: 0.1,
		EdgeConfidence: 0.8,
		RSIOversold:    30,
		RSIOverbought:  70,
		RSITilt:        0.1,
		Horizon:        time.Hour,
	}
}

// TechnicalProducer emits buy near the lower band edge and sell near the upper one,
// reading the snapshot's band position and RSI.
type TechnicalProducer struct {
	cfg TechnicalConfig
}

var _ Producer = (*TechnicalProducer)(nil)

func NewTechnical(cfg TechnicalConfig) *TechnicalProducer {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &TechnicalProducer{cfg: cfg}
}

func (t *TechnicalProducer) Source() Source { return Technical }

func (t *TechnicalProducer) Params() map[string]string {
	return map[string]string{
		"entry_threshold": strconv.FormatFloat(t.cfg.EntryThreshold, 'f', -1, 64),
		"horizon":         t.cfg.Horizon.String(),
	}
}

func (t *TechnicalProducer) Signal(_ context.Context, snap market.Snapshot) (Signal, error) {
	if snap.Price <= 0 || len(snap.Prices) == 0 {
		return Signal{}, ErrUnavailable
	}
	pos := snap.Indicators.BandPosition
	rsi := snap.Indicators.RSI14

	sig := Signal{
		Source:         Technical,
		Instrument:     snap.Instrument,
		GeneratedAt:    t.cfg.Clock(),
		Horizon:        t.cfg.Horizon,
		ReferencePrice: snap.Price,
	}

	switch {
	case pos < t.cfg.EntryThreshold:
		sig.Direction = Buy
		sig.Strength = clamp01(1 - pos)
		sig.Confidence = t.cfg.EdgeConfidence
		if rsi <= t.cfg.RSIOversold {
			sig.Confidence += t.cfg.RSITilt
		} else if rsi >= t.cfg.RSIOverbought {
			sig.Confidence -= t.cfg.RSITilt
		}
		sig.Reason = fmt.Sprintf("near_lower_edge pos=%.3f rsi=%.1f", pos, rsi)
	case pos > 1-t.cfg.EntryThreshold:
		sig.Direction = Sell
		sig.Strength = clamp01(pos)
		sig.Confidence = t.cfg.EdgeConfidence
		if rsi >= t.cfg.RSIOverbought {
			sig.Confidence += t.cfg.RSITilt
		} else if rsi <= t.cfg.RSIOversold {
			sig.Confidence -= t.cfg.RSITilt
		}
		sig.Reason = fmt.Sprintf("near_upper_edge pos=%.3f rsi=%.1f", pos, rsi)
	default:
		sig.Direction = Hold
		sig.Strength = 0.5
		sig.Confidence = 0.5
		sig.Reason = fmt.Sprintf("mid_band pos=%.3f", pos)
	}
	sig.Confidence = clamp01(sig.Confidence)

	if err := sig.Validate(); err != nil {
		return Signal{}, err
	}
	return sig, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
