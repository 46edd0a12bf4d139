package oscillation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/swapfusion/internal/market"
)

var now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

// series from 90 to 110 over the last day, plus an old spike outside lookback
func series() []market.PricePoint {
	pts := []market.PricePoint{{Time: now.Add(-30 * time.Hour), Price: 500}}
	for i := 0; i <= 20; i++ {
		pts = append(pts, market.PricePoint{Time: now.Add(-time.Duration(20-i) * time.Hour), Price: 90 + float64(i)})
	}
	return pts
}

func TestRecompute(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	r, ok := tr.Recompute("BTC", series(), now)
	require.True(t, ok)

	assert.Equal(t, 110.0, r.High)
	assert.Equal(t, 90.0, r.Low)
	assert.Equal(t, 100.0, r.Center)
	// 60% of the range, centered
	assert.InDelta(t, 106.0, r.BandUpper, 1e-9)
	assert.InDelta(t, 94.0, r.BandLower, 1e-9)
	assert.Equal(t, 21, r.Points)

	_, ok = tr.Recompute("BTC", nil, now)
	assert.False(t, ok)
	kept, _ := tr.Range("BTC")
	assert.Equal(t, r, kept, "empty window keeps the previous range")
}

func TestObserve_NoRange(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	_, err := tr.Observe("BTC", 1)
	assert.ErrorIs(t, err, ErrNoRange)
	_, _, err = tr.NearEdge("BTC", 1)
	assert.ErrorIs(t, err, ErrNoRange)
}

func TestObserve_Breakout(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.Recompute("BTC", series(), now)

	st, err := tr.Observe("BTC", 100)
	require.NoError(t, err)
	assert.False(t, st.Breakout)

	st, _ = tr.Observe("BTC", 113)
	assert.False(t, st.Breakout)
	assert.InDelta(t, 0.15, st.Magnitude, 1e-9)

	st, _ = tr.Observe("BTC", 115)
	assert.True(t, st.Breakout)
	assert.True(t, st.Changed)
	assert.InDelta(t, 0.25, st.Magnitude, 1e-9)

	// still outside the range: flag holds
	st, _ = tr.Observe("BTC", 112)
	assert.True(t, st.Breakout)
	assert.False(t, st.Changed)

	// back inside clears it
	st, _ = tr.Observe("BTC", 109)
	assert.False(t, st.Breakout)
	assert.True(t, st.Changed)

	// downside
	st, _ = tr.Observe("BTC", 80)
	assert.True(t, st.Breakout)
	assert.InDelta(t, 0.5, st.Magnitude, 1e-9)

	snap := tr.Snapshot()
	assert.True(t, snap["BTC"].Breakout)
	assert.Equal(t, 80.0, snap["BTC"].Price)
}

func TestObserve_FlatRange(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	_, ok := tr.Recompute("BTC", []market.PricePoint{{Time: now.Add(-time.Hour), Price: 100}}, now)
	require.True(t, ok)

	tests := []struct {
		name     string
		price    float64
		breakout bool
		mag      float64
	}{
		{"at the level", 100, false, 0},
		{"small drift", 101, false, 0.01},
		{"far above", 130, true, 0.3},
		{"far below", 70, true, 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := tr.Observe("BTC", tt.price)
			require.NoError(t, err)
			assert.Equal(t, tt.breakout, st.Breakout)
			assert.InDelta(t, tt.mag, st.Magnitude, 1e-9)
		})
	}
}

func TestNearEdge(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.Recompute("BTC", series(), now)

	cases := []struct {
		price float64
		edge  Edge
		pos   float64
	}{
		{94.6, EdgeLower, 0.05},
		{100, EdgeNone, 0.5},
		{105.5, EdgeUpper, 11.5 / 12},
		{92, EdgeLower, -2.0 / 12},
	}
	for _, tc := range cases {
		edge, pos, err := tr.NearEdge("BTC", tc.price)
		require.NoError(t, err)
		assert.Equal(t, tc.edge, edge, "price %.1f", tc.price)
		assert.InDelta(t, tc.pos, pos, 1e-9)
	}
}
