package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/swapfusion/internal/exchange"
)

func long(size float64) exchange.Position {
	return exchange.Position{Instrument: btc, Side: exchange.Long, Size: size, AvgEntryPrice: 100}
}

func TestGuard_FixedStops(t *testing.T) {
	cases := []struct {
		name   string
		pos    exchange.Position
		price  float64
		reason ExitReason
	}{
		{"long quiet", long(1), 99, ""},
		{"long stop", long(1), 97.9, ExitStopLoss},
		{"long emergency", long(1), 96.9, ExitEmergency},
		{"long take profit", long(1), 101.6, ExitTakeProfit},
		{"short stop", exchange.Position{Instrument: btc, Side: exchange.Short, Size: 1, AvgEntryPrice: 100}, 102.1, ExitStopLoss},
		{"short take profit", exchange.Position{Instrument: btc, Side: exchange.Short, Size: 1, AvgEntryPrice: 100}, 98.4, ExitTakeProfit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := NewPositionGuard(DefaultGuardConfig())
			acts := g.Evaluate(tc.pos, tc.price)
			if tc.reason == "" {
				assert.Empty(t, acts)
				return
			}
			require.Len(t, acts, 1)
			assert.Equal(t, tc.reason, acts[0].Reason)
			assert.True(t, acts[0].Full)
			assert.Equal(t, tc.pos.Side.Closing(), acts[0].Side)
			assert.Equal(t, tc.pos.Size, acts[0].Size)
			assert.Empty(t, g.Snapshot(), "full close stops tracking")
		})
	}
}

func TestGuard_TrailingStop(t *testing.T) {
	g := NewPositionGuard(DefaultGuardConfig())
	pos := long(1)

	assert.Empty(t, g.Evaluate(pos, 101))
	st := g.Snapshot()[btc]
	assert.True(t, st.Trailing)
	assert.InDelta(t, 99.99, st.Stop, 1e-9)

	assert.Empty(t, g.Evaluate(pos, 101.4))
	assert.InDelta(t, 100.386, g.Snapshot()[btc].Stop, 1e-9)

	// the stop only ratchets up
	assert.Empty(t, g.Evaluate(pos, 100.9))
	assert.InDelta(t, 100.386, g.Snapshot()[btc].Stop, 1e-9)

	acts := g.Evaluate(pos, 100.3)
	require.Len(t, acts, 1)
	assert.Equal(t, ExitTrailingStop, acts[0].Reason)
}

func TestGuard_PartialLadder(t *testing.T) {
	cfg := DefaultGuardConfig()
	cfg.PartialTargets = true
	g := NewPositionGuard(cfg)

	acts := g.Evaluate(long(10), 101)
	require.Len(t, acts, 1)
	assert.Equal(t, ExitPartialTarget, acts[0].Reason)
	assert.InDelta(t, 3, acts[0].Size, 1e-9)
	assert.False(t, acts[0].Full)

	assert.Empty(t, g.Evaluate(long(7), 101), "each rung fires once")

	acts = g.Evaluate(long(7), 102)
	require.Len(t, acts, 1)
	assert.InDelta(t, 3.5, acts[0].Size, 1e-9)
	assert.Equal(t, 1, g.Snapshot()[btc].TargetsLeft)

	acts = g.Evaluate(long(3.5), 103)
	require.Len(t, acts, 1)
	assert.True(t, acts[0].Full)
	assert.InDelta(t, 3.5, acts[0].Size, 1e-9)
}

func TestGuard_RearmsOnNewEntry(t *testing.T) {
	g := NewPositionGuard(DefaultGuardConfig())
	assert.Empty(t, g.Evaluate(long(1), 101))
	require.True(t, g.Snapshot()[btc].Trailing)

	moved := long(1)
	moved.AvgEntryPrice = 90
	assert.Empty(t, g.Evaluate(moved, 90))
	st := g.Snapshot()[btc]
	assert.False(t, st.Trailing)
	assert.InDelta(t, 88.2, st.Stop, 1e-9)

	assert.Empty(t, g.Evaluate(exchange.Position{Instrument: btc}, 90))
	assert.Empty(t, g.Snapshot())
}
