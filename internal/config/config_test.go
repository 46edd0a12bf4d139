package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("instruments: [BTC-USDT-SWAP]\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{"BTC-USDT-SWAP"}, cfg.Instruments)
	assert.InDelta(t, 0.40, cfg.Fusion.Weights.Technical, 1e-9)
	assert.InDelta(t, 0.35, cfg.Fusion.Weights.LanguageModel, 1e-9)
	assert.InDelta(t, 0.25, cfg.Fusion.Weights.TimeSeriesModel, 1e-9)
	assert.InDelta(t, 0.3, cfg.Fusion.ActionThreshold, 1e-9)
	assert.Equal(t, 5*time.Minute, cfg.Forecast.CacheTTL)
	assert.Equal(t, 15*time.Minute, cfg.Session.TickInterval)
	assert.Equal(t, 3, cfg.Orders.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Orders.BackoffBase)
	assert.Equal(t, 3, cfg.Risk.ReduceAfterLosses)
	assert.Equal(t, 5, cfg.Risk.HaltAfterLosses)
	assert.True(t, cfg.Risk.Guard.Trailing)
	assert.Equal(t, "none", cfg.Orders.Slippage.Mode)
	assert.InDelta(t, 0.2, cfg.Market.MaxPriceJump, 1e-9)
}

func TestParse_OverridesKeepOtherDefaults(t *testing.T) {
	raw := `
instruments: [BTC-USDT-SWAP, ETH-USDT-SWAP]
session:
  tick_interval: 10m
forecast:
  cache_ttl: 2m
risk:
  max_total_ratio: 0.2
`
	cfg, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.Session.TickInterval)
	assert.Equal(t, 2*time.Minute, cfg.Forecast.CacheTTL)
	assert.InDelta(t, 0.2, cfg.Risk.MaxTotalRatio, 1e-9)
	assert.InDelta(t, 0.10, cfg.Risk.MaxInstrumentRatio, 1e-9)
	assert.Equal(t, "08:00", cfg.Session.Start)
}

func TestParse_Rejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"no instruments", "logging:\n  level: info\n"},
		{"weights do not sum", "instruments: [X]\nfusion:\n  weights:\n    technical: 0.5\n"},
		{"bad clock", "instruments: [X]\nsession:\n  start: '8am'\n"},
		{"end before start", "instruments: [X]\nsession:\n  start: '12:00'\n  end: '09:00'\n"},
		{"halt below reduce", "instruments: [X]\nrisk:\n  reduce_after_losses: 4\n  halt_after_losses: 3\n"},
		{"instrument cap above ceiling", "instruments: [X]\nrisk:\n  max_instrument_ratio: 0.5\n  max_total_ratio: 0.3\n"},
		{"remote without url", "instruments: [X]\nproducers:\n  language_model:\n    enabled: true\n"},
		{"bad log level", "instruments: [X]\nlogging:\n  level: loud\n"},
		{"unknown slippage mode", "instruments: [X]\norders:\n  slippage:\n    mode: chase\n"},
		{"negative price jump", "instruments: [X]\nmarket:\n  max_price_jump: -1\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.raw))
			assert.Error(t, err)
		})
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("instruments: [BTC-USDT-SWAP]\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "paper", cfg.TradingMode)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWindow(t *testing.T) {
	cfg := Default("BTC-USDT-SWAP")
	cfg.Session.Location = "UTC"
	w, err := cfg.Session.Clock()
	require.NoError(t, err)

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		at    time.Duration
		open  bool
		force bool
	}{
		{7*time.Hour + 59*time.Minute, false, false},
		{8 * time.Hour, true, false},
		{18*time.Hour + 59*time.Minute, true, false},
		{19 * time.Hour, false, false},
		{19*time.Hour + 30*time.Minute, false, true},
	}
	for _, tc := range cases {
		ts := day.Add(tc.at)
		assert.Equal(t, tc.open, w.Open(ts), ts.Format("15:04"))
		assert.Equal(t, tc.force, w.PastForceClose(ts), ts.Format("15:04"))
	}
	assert.Equal(t, "2026-03-02", w.Day(day.Add(9*time.Hour)))
}
