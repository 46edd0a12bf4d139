package forecast

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Rajchodisetti/swapfusion/internal/market"
	"github.com/Rajchodisetti/swapfusion/internal/observ"
	"github.com/Rajchodisetti/swapfusion/internal/signal"
)

type ValidatorConfig struct {
	SidewaysBandPct float64 // |move| at or below this percent counts as sideways
	Alpha           float64 // EWMA weight of the newest observation
	Prior           float64 // hit rate before any validation
	MinFactor       float64
	MaxFactor       float64
	DefaultHorizon  time.Duration
}

func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		SidewaysBandPct: 0.1,
		Alpha:           0.1,
		Prior:           1.0,
		MinFactor:       0.3,
		MaxFactor:       1.0,
		DefaultHorizon:  4 * time.Hour,
	}
}

type statsKey struct {
	source     signal.Source
	instrument string
}

// Validator scores due forecasts against realized prices and keeps an
// exponentially weighted hit rate per producer and instrument.
type Validator struct {
	cfg    ValidatorConfig
	cache  *Cache
	prices market.PriceLookup
	store  StatsStore

	mu    sync.RWMutex
	stats map[statsKey]*Stats
}

func NewValidator(cfg ValidatorConfig, cache *Cache, prices market.PriceLookup, store StatsStore) *Validator {
	if store == nil {
		store = NopStore{}
	}
	return &Validator{
		cfg:    cfg,
		cache:  cache,
		prices: prices,
		store:  store,
		stats:  make(map[statsKey]*Stats),
	}
}

// Load restores persisted stats.
func (v *Validator) Load(ctx context.Context) error {
	all, err := v.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, st := range all {
		st := st
		v.stats[statsKey{st.Source, st.Instrument}] = &st
	}
	observ.Log("accuracy_stats_loaded", map[string]any{"count": len(all)})
	return nil
}

// Factor is the accuracy multiplier used by fusion, clamped to
// [MinFactor, MaxFactor]. Without history it is MaxFactor.
func (v *Validator) Factor(src signal.Source, instrument string) float64 {
	v.mu.RLock()
	st, ok := v.stats[statsKey{src, instrument}]
	v.mu.RUnlock()
	if !ok || st.Samples == 0 {
		return v.cfg.MaxFactor
	}
	return math.Max(v.cfg.MinFactor, math.Min(v.cfg.MaxFactor, st.HitRate))
}

// Stats returns a sorted copy of all accuracy stats.
func (v *Validator) Stats() []Stats {
	v.mu.RLock()
	out := make([]Stats, 0, len(v.stats))
	for _, st := range v.stats {
		out = append(out, *st)
	}
	v.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instrument != out[j].Instrument {
			return out[i].Instrument < out[j].Instrument
		}
		return out[i].Source < out[j].Source
	})
	return out
}

// Classify maps a relative move to up (buy), down (sell) or sideways (hold).
func Classify(ref, actual, bandPct float64) signal.Direction {
	if ref <= 0 {
		return signal.Hold
	}
	move := (actual - ref) / ref * 100
	switch {
	case move > bandPct:
		return signal.Buy
	case move < -bandPct:
		return signal.Sell
	}
	return signal.Hold
}

// Score compares one forecast with the realized price.
func (v *Validator) Score(sig signal.Signal, actual float64, at time.Time) Outcome {
	dir := Classify(sig.ReferencePrice, actual, v.cfg.SidewaysBandPct)
	predicted := sig.ReferencePrice
	if sig.TargetPrice != nil {
		predicted = *sig.TargetPrice
	}
	errPct := 0.0
	if actual > 0 {
		errPct = math.Abs(predicted-actual) / actual * 100
	}
	return Outcome{
		DirectionCorrect: dir == sig.Direction,
		PriceErrorPct:    errPct,
		ActualPrice:      actual,
		ActualDirection:  dir,
		ValidatedAt:      at,
	}
}

// RunOnce validates every due entry that has a realized price and reports
// how many were scored. Entries without a price yet are retried next pass.
func (v *Validator) RunOnce(ctx context.Context, now time.Time) (int, error) {
	scored := 0
	for _, e := range v.cache.Pending(now) {
		if err := ctx.Err(); err != nil {
			return scored, err
		}
		due := e.DueAt(v.cfg.DefaultHorizon)
		actual, ok := v.prices.PriceAt(e.Key.Instrument, due)
		if !ok {
			observ.IncCounter("forecast_validation_no_price_total", map[string]string{"source": string(e.Key.Source)})
			continue
		}
		o := v.Score(e.Signal, actual, now)
		if !v.cache.Resolve(e.ID, o) {
			continue
		}
		st := v.fold(e.Key.Source, e.Key.Instrument, o)
		if err := v.store.Save(ctx, st); err != nil {
			observ.Warn("accuracy_stats_persist_failed", map[string]any{"err": err, "source": st.Source})
		}
		observ.IncCounter("forecast_validations_total", map[string]string{
			"source":  string(e.Key.Source),
			"correct": boolLabel(o.DirectionCorrect),
		})
		observ.SetGauge("forecast_accuracy_factor", v.Factor(e.Key.Source, e.Key.Instrument), map[string]string{
			"source":     string(e.Key.Source),
			"instrument": e.Key.Instrument,
		})
		scored++
	}
	v.cache.Prune(now)
	return scored, nil
}

func (v *Validator) fold(src signal.Source, instrument string, o Outcome) Stats {
	v.mu.Lock()
	defer v.mu.Unlock()

	k := statsKey{src, instrument}
	st, ok := v.stats[k]
	if !ok {
		st = &Stats{Source: src, Instrument: instrument, HitRate: v.cfg.Prior}
		v.stats[k] = st
	}
	hit := 0.0
	if o.DirectionCorrect {
		hit = 1.0
		st.Correct++
	}
	st.HitRate = (1-v.cfg.Alpha)*st.HitRate + v.cfg.Alpha*hit
	st.Samples++
	st.MeanPriceErrPct += (o.PriceErrorPct - st.MeanPriceErrPct) / float64(st.Samples)
	st.LastPriceErrPct = o.PriceErrorPct
	st.LastValidatedAt = o.ValidatedAt
	return *st
}

// Run validates on every interval until ctx ends.
func (v *Validator) Run(ctx context.Context, interval time.Duration, clock func() time.Time) {
	if clock == nil {
		clock = time.Now
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := v.RunOnce(ctx, clock())
			if err != nil {
				return
			}
			if n > 0 {
				observ.Log("forecast_validation_pass", map[string]any{"scored": n})
			}
		}
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
