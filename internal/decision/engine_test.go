package decision

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/swapfusion/internal/signal"
)

const inst = "BTC-USDT-SWAP"

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fixedAccuracy map[signal.Source]float64

func (f fixedAccuracy) Factor(src signal.Source, _ string) float64 {
	if v, ok := f[src]; ok {
		return v
	}
	return 1.0
}

func sig(src signal.Source, dir signal.Direction, strength, conf float64, age time.Duration) signal.Signal {
	return signal.Signal{
		Source:      src,
		Instrument:  inst,
		Direction:   dir,
		Strength:    strength,
		Confidence:  conf,
		GeneratedAt: now.Add(-age),
	}
}

func exampleSignals() map[signal.Source]signal.Signal {
	return map[signal.Source]signal.Signal{
		signal.Technical:       sig(signal.Technical, signal.Buy, 0.6, 0.9, time.Minute),
		signal.LanguageModel:   sig(signal.LanguageModel, signal.Buy, 0.5, 0.8, time.Minute),
		signal.TimeSeriesModel: sig(signal.TimeSeriesModel, signal.Hold, 0, 0.6, time.Minute),
	}
}

func TestFuse_ExampleScenario(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	d := e.Fuse(inst, exampleSignals(), now)

	assert.InDelta(t, 0.356, d.CompositeScore, 1e-9)
	assert.Equal(t, signal.Buy, d.Action)
	require.Len(t, d.Signals, 3)
	assert.Equal(t, signal.Technical, d.Signals[0].Source)
	assert.Equal(t, signal.LanguageModel, d.Signals[1].Source)
	assert.Equal(t, signal.TimeSeriesModel, d.Signals[2].Source)
	assert.Empty(t, d.Excluded)
	assert.False(t, d.Conflict)
	assert.InDelta(t, 2.0/3.0, d.Consensus, 1e-9)
	assert.Contains(t, d.Rationale, "action=buy")

	var r Reason
	require.NoError(t, json.Unmarshal([]byte(d.ReasonJSON), &r))
	assert.InDelta(t, 0.216, r.PerSource["technical"], 1e-9)
	assert.InDelta(t, 0.14, r.PerSource["language_model"], 1e-9)

	latest, ok := e.Latest(inst)
	require.True(t, ok)
	assert.Equal(t, d, latest)
}

func TestFuse_Deterministic(t *testing.T) {
	e := NewEngine(DefaultConfig(), fixedAccuracy{signal.LanguageModel: 0.7})
	a := e.Fuse(inst, exampleSignals(), now)
	b := e.Fuse(inst, exampleSignals(), now)
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a.ID)

	c := e.Fuse(inst, exampleSignals(), now.Add(time.Second))
	assert.NotEqual(t, a.ID, c.ID)
}

func TestFuse_AllStaleOrMissingHolds(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	cases := map[string]map[signal.Source]signal.Signal{
		"none": {},
		"all stale": {
			signal.Technical:       sig(signal.Technical, signal.Buy, 1, 1, 2*time.Hour),
			signal.LanguageModel:   sig(signal.LanguageModel, signal.Buy, 1, 1, 45*time.Minute),
			signal.TimeSeriesModel: sig(signal.TimeSeriesModel, signal.Sell, 1, 1, 31*time.Minute),
		},
		"wrong instrument": {
			signal.Technical: func() signal.Signal {
				s := sig(signal.Technical, signal.Buy, 1, 1, 0)
				s.Instrument = "ETH-USDT-SWAP"
				return s
			}(),
		},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			d := e.Fuse(inst, in, now)
			assert.Equal(t, signal.Hold, d.Action)
			assert.Zero(t, d.CompositeScore)
			assert.Empty(t, d.Signals)
			assert.Len(t, d.Excluded, 3)
		})
	}
}

func TestFuse_HorizonOverridesCeiling(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	s := sig(signal.TimeSeriesModel, signal.Buy, 1, 1, 3*time.Hour)
	s.Horizon = 4 * time.Hour
	d := e.Fuse(inst, map[signal.Source]signal.Signal{signal.TimeSeriesModel: s}, now)
	require.Len(t, d.Signals, 1)
	assert.InDelta(t, 1.0, d.Weights[signal.TimeSeriesModel], 1e-9)
	assert.Equal(t, signal.Buy, d.Action)

	s.Horizon = time.Hour
	d = e.Fuse(inst, map[signal.Source]signal.Signal{signal.TimeSeriesModel: s}, now)
	assert.Equal(t, ExcludedStale, d.Excluded[signal.TimeSeriesModel])
}

func TestFuse_ExclusionRenormalizes(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	in := exampleSignals()
	delete(in, signal.TimeSeriesModel)
	d := e.Fuse(inst, in, now)

	assert.InDelta(t, 0.40/0.75, d.Weights[signal.Technical], 1e-9)
	assert.InDelta(t, 0.35/0.75, d.Weights[signal.LanguageModel], 1e-9)
	assert.Equal(t, ExcludedMissing, d.Excluded[signal.TimeSeriesModel])
	assert.InDelta(t, (0.40*0.54+0.35*0.40)/0.75, d.CompositeScore, 1e-9)
}

func TestFuse_ConfidenceGate(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	in := map[signal.Source]signal.Signal{
		signal.Technical:     sig(signal.Technical, signal.Sell, 1, 0.49, 0),
		signal.LanguageModel: sig(signal.LanguageModel, signal.Buy, 1, 1, 0),
	}
	d := e.Fuse(inst, in, now)

	// gated signal keeps its weight share but contributes nothing
	assert.InDelta(t, 0.40/0.75, d.Weights[signal.Technical], 1e-9)
	assert.InDelta(t, 0.35/0.75, d.CompositeScore, 1e-9)
	assert.Equal(t, signal.Buy, d.Action)
	assert.False(t, d.Conflict)
	assert.Contains(t, d.ReasonJSON, `"confidence_gated":["technical"]`)
}

func TestFuse_SellAndConflict(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	in := map[signal.Source]signal.Signal{
		signal.Technical:       sig(signal.Technical, signal.Sell, 1, 1, 0),
		signal.LanguageModel:   sig(signal.LanguageModel, signal.Sell, 1, 1, 0),
		signal.TimeSeriesModel: sig(signal.TimeSeriesModel, signal.Buy, 0.5, 0.6, 0),
	}
	d := e.Fuse(inst, in, now)
	assert.InDelta(t, -0.75+0.25*0.3, d.CompositeScore, 1e-9)
	assert.Equal(t, signal.Sell, d.Action)
	assert.True(t, d.Conflict)
	assert.InDelta(t, 2.0/3.0, d.Consensus, 1e-9)
}

func TestFuse_ThresholdIsStrict(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = map[signal.Source]float64{signal.Technical: 1}
	e := NewEngine(cfg, nil)
	d := e.Fuse(inst, map[signal.Source]signal.Signal{
		signal.Technical: sig(signal.Technical, signal.Buy, 0.5, 0.6, 0),
	}, now)
	assert.InDelta(t, 0.3, d.CompositeScore, 1e-9)
	assert.Equal(t, signal.Hold, d.Action)
}

func TestFuse_UnknownAndMalformedExcluded(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	bad := sig(signal.LanguageModel, signal.Buy, 1.5, 1, 0)
	in := map[signal.Source]signal.Signal{
		signal.LanguageModel: bad,
		"oracle":             sig("oracle", signal.Buy, 1, 1, 0),
	}
	d := e.Fuse(inst, in, now)
	assert.Equal(t, ExcludedMalformed, d.Excluded[signal.LanguageModel])
	assert.Equal(t, ExcludedUnknown, d.Excluded["oracle"])
	assert.Equal(t, signal.Hold, d.Action)
	assert.True(t, strings.Contains(d.Rationale, "oracle(unknown_source)"))
}

func TestFuse_AccuracyLowersWeight(t *testing.T) {
	acc := fixedAccuracy{}
	e := NewEngine(DefaultConfig(), acc)

	before := e.Fuse(inst, exampleSignals(), now)
	acc[signal.LanguageModel] = 0.6
	after := e.Fuse(inst, exampleSignals(), now)

	assert.Less(t, after.Weights[signal.LanguageModel], before.Weights[signal.LanguageModel])
	assert.InDelta(t, 0.35*0.6, after.Weights[signal.LanguageModel], 1e-9)
	assert.Less(t, after.CompositeScore, before.CompositeScore)

	// clamp keeps the producer audible
	acc[signal.LanguageModel] = 0.01
	floor := e.Fuse(inst, exampleSignals(), now)
	assert.InDelta(t, 0.35*0.3, floor.Weights[signal.LanguageModel], 1e-9)
}

func TestFuse_ScoreClamped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAccuracy = 1.0
	cfg.Weights = map[signal.Source]float64{signal.Technical: 0.5, signal.LanguageModel: 0.5}
	e := NewEngine(cfg, nil)
	d := e.Fuse(inst, map[signal.Source]signal.Signal{
		signal.Technical:     sig(signal.Technical, signal.Buy, 1, 1, 0),
		signal.LanguageModel: sig(signal.LanguageModel, signal.Buy, 1, 1, 0),
	}, now)
	assert.LessOrEqual(t, d.CompositeScore, 1.0)
	assert.Equal(t, signal.Buy, d.Action)
	assert.Len(t, e.LatestAll(), 1)
}
