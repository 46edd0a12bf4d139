package decision

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/swapfusion/internal/observ"
	"github.com/Rajchodisetti/swapfusion/internal/signal"
)

// AccuracySource supplies the rolling accuracy factor per producer.
type AccuracySource interface {
	Factor(src signal.Source, instrument string) float64
}

type Config struct {
	Weights          map[signal.Source]float64 // base weights, sum to 1
	MinConfidence    float64                   // below this a signal counts as hold
	Threshold        float64                   // |score| strictly above this acts
	StalenessCeiling time.Duration             // used when a signal has no horizon
	MinAccuracy      float64
	MaxAccuracy      float64
}

func DefaultConfig() Config {
	return Config{
		Weights: map[signal.Source]float64{
			signal.Technical:       0.40,
			signal.LanguageModel:   0.35,
			signal.TimeSeriesModel: 0.25,
		},
		MinConfidence:    0.5,
		Threshold:        0.3,
		StalenessCeiling: 30 * time.Minute,
		MinAccuracy:      0.3,
		MaxAccuracy:      1.0,
	}
}

// Exclusion reasons
const (
	ExcludedMissing    = "missing"
	ExcludedStale      = "stale"
	ExcludedMismatch   = "instrument_mismatch"
	ExcludedMalformed  = "malformed"
	ExcludedUnknown    = "unknown_source"
	ExcludedZeroWeight = "zero_weight"
)

// Reason is the machine-readable audit trail of one fusion.
type Reason struct {
	FusedScore float64            `json:"fused_score"`
	PerSource  map[string]float64 `json:"per_source"`
	Weights    map[string]float64 `json:"weights"`
	Excluded   map[string]string  `json:"excluded,omitempty"`
	Gated      []string           `json:"confidence_gated,omitempty"`
	Conflict   bool               `json:"conflict"`
	Consensus  float64            `json:"consensus"`
	Policy     string             `json:"policy"`
}

// ConsensusDecision is the single fused outcome for one instrument per
// cycle. It is never mutated after Fuse returns it.
type ConsensusDecision struct {
	ID             string                    `json:"id"`
	Instrument     string                    `json:"instrument"`
	Time           time.Time                 `json:"time"`
	CompositeScore float64                   `json:"composite_score"`
	Action         signal.Direction          `json:"action"`
	Signals        []signal.Signal           `json:"signals"`
	Weights        map[signal.Source]float64 `json:"weights"`
	Excluded       map[signal.Source]string  `json:"excluded"`
	Conflict       bool                      `json:"conflict"`
	Consensus      float64                   `json:"consensus"`
	Rationale      string                    `json:"rationale"`
	ReasonJSON     string                    `json:"reason_json"`
}

// Engine fuses producer signals. It keeps the latest decision per
// instrument for read-only queries.
type Engine struct {
	cfg      Config
	accuracy AccuracySource

	mu     sync.RWMutex
	latest map[string]ConsensusDecision
}

func NewEngine(cfg Config, accuracy AccuracySource) *Engine {
	return &Engine{
		cfg:      cfg,
		accuracy: accuracy,
		latest:   make(map[string]ConsensusDecision),
	}
}

func (e *Engine) factor(src signal.Source, instrument string) float64 {
	if e.accuracy == nil {
		return e.cfg.MaxAccuracy
	}
	return math.Max(e.cfg.MinAccuracy, math.Min(e.cfg.MaxAccuracy, e.accuracy.Factor(src, instrument)))
}

// EffectiveWeights returns base weight renormalized over the included sources
// times each source's accuracy factor.
func (e *Engine) EffectiveWeights(instrument string, included []signal.Source) map[signal.Source]float64 {
	sum := 0.0
	for _, src := range included {
		sum += e.cfg.Weights[src]
	}
	out := make(map[signal.Source]float64, len(included))
	if sum <= 0 {
		return out
	}
	for _, src := range included {
		out[src] = e.cfg.Weights[src] / sum * e.factor(src, instrument)
	}
	return out
}

func (e *Engine) exclusion(instrument string, sig signal.Signal, now time.Time) string {
	if sig.Instrument != instrument {
		return ExcludedMismatch
	}
	if err := sig.Validate(); err != nil {
		return ExcludedMalformed
	}
	if e.cfg.Weights[sig.Source] <= 0 {
		return ExcludedZeroWeight
	}
	limit := e.cfg.StalenessCeiling
	if sig.Horizon > 0 {
		limit = sig.Horizon
	}
	if now.Sub(sig.GeneratedAt) > limit {
		return ExcludedStale
	}
	return ""
}

// Fuse produces exactly one decision from whatever signals are available.
// Identical inputs and accuracy factors give an identical decision.
func (e *Engine) Fuse(instrument string, signals map[signal.Source]signal.Signal, now time.Time) ConsensusDecision {
	excluded := make(map[signal.Source]string)
	var included []signal.Signal

	for _, src := range signal.Sources {
		sig, ok := signals[src]
		if !ok {
			excluded[src] = ExcludedMissing
			continue
		}
		if why := e.exclusion(instrument, sig, now); why != "" {
			excluded[src] = why
			continue
		}
		included = append(included, sig)
	}
	var unknown []string
	for src := range signals {
		if !src.Known() {
			unknown = append(unknown, string(src))
		}
	}
	sort.Strings(unknown)
	for _, src := range unknown {
		excluded[signal.Source(src)] = ExcludedUnknown
	}

	sources := make([]signal.Source, len(included))
	for i, s := range included {
		sources[i] = s.Source
	}
	weights := e.EffectiveWeights(instrument, sources)

	reason := Reason{
		PerSource: map[string]float64{},
		Weights:   map[string]float64{},
		Excluded:  map[string]string{},
		Policy:    fmt.Sprintf("act if |score|>%.2f; confidence>=%.2f", e.cfg.Threshold, e.cfg.MinConfidence),
	}
	var parts []string
	score := 0.0
	votes := map[signal.Direction]int{}
	for _, sig := range included {
		dir := sig.Direction
		if sig.Confidence < e.cfg.MinConfidence {
			dir = signal.Hold
			reason.Gated = append(reason.Gated, string(sig.Source))
		}
		w := weights[sig.Source]
		contrib := w * dir.Sign() * sig.Strength * sig.Confidence
		score += contrib
		votes[dir]++

		reason.PerSource[string(sig.Source)] = contrib
		reason.Weights[string(sig.Source)] = w
		parts = append(parts, fmt.Sprintf("%s %s w=%.3f c=%+.3f", sig.Source, dir, w, contrib))
	}
	score = math.Max(-1, math.Min(1, score))

	action := signal.Hold
	switch {
	case score > e.cfg.Threshold:
		action = signal.Buy
	case score < -e.cfg.Threshold:
		action = signal.Sell
	}

	reason.FusedScore = score
	reason.Conflict = votes[signal.Buy] > 0 && votes[signal.Sell] > 0
	if len(included) > 0 {
		best := 0
		for _, n := range votes {
			if n > best {
				best = n
			}
		}
		reason.Consensus = float64(best) / float64(len(included))
	}

	var excl []string
	for _, src := range append(append([]signal.Source{}, signal.Sources...), toSources(unknown)...) {
		if why, ok := excluded[src]; ok {
			reason.Excluded[string(src)] = why
			excl = append(excl, fmt.Sprintf("%s(%s)", src, why))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "no usable signals")
	}
	rationale := strings.Join(parts, "; ")
	if len(excl) > 0 {
		rationale += "; excluded: " + strings.Join(excl, ", ")
	}
	rationale += fmt.Sprintf("; score=%.3f action=%s", score, action)

	rj, _ := json.Marshal(reason)
	d := ConsensusDecision{
		ID:             decisionID(instrument, now, included),
		Instrument:     instrument,
		Time:           now,
		CompositeScore: score,
		Action:         action,
		Signals:        included,
		Weights:        weights,
		Excluded:       excluded,
		Conflict:       reason.Conflict,
		Consensus:      reason.Consensus,
		Rationale:      rationale,
		ReasonJSON:     string(rj),
	}

	e.mu.Lock()
	e.latest[instrument] = d
	e.mu.Unlock()

	observ.IncCounter("fusion_decisions_total", map[string]string{"instrument": instrument, "action": string(action)})
	observ.SetGauge("fusion_composite_score", score, map[string]string{"instrument": instrument})
	for src, why := range excluded {
		observ.IncCounter("fusion_signals_excluded_total", map[string]string{"source": string(src), "reason": why})
	}
	if reason.Conflict {
		observ.IncCounter("fusion_conflicts_total", map[string]string{"instrument": instrument})
	}
	return d
}

func toSources(in []string) []signal.Source {
	out := make([]signal.Source, len(in))
	for i, s := range in {
		out[i] = signal.Source(s)
	}
	return out
}

// decisionID is a name-based uuid over the fusion inputs, so a recomputed
// decision keeps its id and an order can be tied to it idempotently.
func decisionID(instrument string, now time.Time, included []signal.Signal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%d", instrument, now.UnixNano())
	for _, s := range included {
		fmt.Fprintf(&b, "|%s:%s:%g:%g:%d", s.Source, s.Direction, s.Strength, s.Confidence, s.GeneratedAt.UnixNano())
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(b.String())).String()
}

// Latest returns the last decision for instrument.
func (e *Engine) Latest(instrument string) (ConsensusDecision, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.latest[instrument]
	return d, ok
}

// LatestAll returns the last decision of every instrument.
func (e *Engine) LatestAll() map[string]ConsensusDecision {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]ConsensusDecision, len(e.latest))
	for k, v := range e.latest {
		out[k] = v
	}
	return out
}
