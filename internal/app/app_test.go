package app

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/swapfusion/internal/config"
	"github.com/Rajchodisetti/swapfusion/internal/market"
	"github.com/Rajchodisetti/swapfusion/internal/risk"
)

const btc = "BTC-USDT-SWAP"

var day = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) config.Root {
	t.Helper()
	cfg := config.Default(btc)
	cfg.Session.Location = "UTC"
	cfg.Session.Start = "08:00"
	cfg.Session.End = "19:00"
	cfg.Session.ForceClose = "19:30"
	cfg.Session.TickInterval = time.Minute
	dir := t.TempDir()
	cfg.Orders.JournalPath = filepath.Join(dir, "orders.jsonl")
	cfg.Risk.EventLogPath = filepath.Join(dir, "breaker.jsonl")
	cfg.Account.StatePath = filepath.Join(dir, "portfolio.json")
	cfg.Control.SigningSecretEnv = "SWAPFUSION_TEST_UNSET_SECRET"
	require.NoError(t, cfg.Validate())
	return cfg
}

func fixed() time.Time { return day }

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvForecastAPIKey, "k-123")
	t.Setenv(EnvRedisAddr, "redis:6379")
	cfg := config.Default(btc)
	cfg.Producers.TimeSeriesModel.APIKey = "explicit"

	ApplyEnv(&cfg)
	assert.Equal(t, "k-123", cfg.Producers.LanguageModel.APIKey)
	assert.Equal(t, "explicit", cfg.Producers.TimeSeriesModel.APIKey, "file value wins")
	assert.True(t, cfg.Forecast.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Forecast.Redis.Addr)
}

func TestBuild_Handler(t *testing.T) {
	a, err := Build(context.Background(), testConfig(t), Options{Clock: fixed, Ephemeral: true, Seed: 1})
	require.NoError(t, err)
	defer a.Close()
	h := a.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var st map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "2026-03-02", st["session_date"])
	assert.Contains(t, st, "record")

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/control", bytes.NewBufferString(`{"user_id":"ops","command":"/halt","text":"drill"}`)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, risk.StateHalted, a.Risk.State().Breaker)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "risk_breaker_state")
}

func TestBuild_RestoresBreakerAcrossRestart(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := Build(ctx, cfg, Options{Clock: fixed, Seed: 1})
	require.NoError(t, err)
	a.Scheduler.EmergencyStop("ops", "restart drill")
	require.NoError(t, a.Close())

	b, err := Build(ctx, cfg, Options{Clock: fixed, Seed: 1})
	require.NoError(t, err)
	defer b.Close()
	st := b.Risk.State()
	assert.Equal(t, risk.StateHalted, st.Breaker)
	assert.Equal(t, "restart drill", st.HaltReason)

	// a later day starts clean
	c, err := Build(ctx, cfg, Options{Clock: func() time.Time { return day.Add(24 * time.Hour) }, Seed: 1})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, risk.StateNormal, c.Risk.State().Breaker)
}

func TestBuild_RejectsBadWindow(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.Location = "Nowhere/Atlantis"
	_, err := Build(context.Background(), cfg, Options{Ephemeral: true})
	assert.Error(t, err)
}

func TestReplay(t *testing.T) {
	var ticks []market.Tick
	for i := 0; i <= 120; i++ {
		px := 100 + 3*math.Sin(float64(i)/6)
		ticks = append(ticks, market.Tick{
			Instrument: btc,
			Point:      market.PricePoint{Time: day.Add(time.Duration(i) * time.Minute), Price: px, Volume: 1},
		})
	}
	sum, err := Replay(context.Background(), testConfig(t), market.NewReplayFeed(ticks))
	require.NoError(t, err)

	assert.Equal(t, 121, sum.Steps)
	assert.Equal(t, 121, sum.Ticks)
	assert.Equal(t, 121, sum.Status.Record.Ticks)
	assert.Positive(t, sum.Status.Record.Decisions)
	assert.Contains(t, sum.Status.Ranges, btc)
	assert.Equal(t, day, sum.Start)
}
