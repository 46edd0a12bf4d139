// Package portfolio keeps the engine's read-mostly mirror of exchange
// positions. The exchange is authoritative: every Refresh replaces the mirror
// and flags changes the engine did not cause.
package portfolio

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Rajchodisetti/swapfusion/internal/exchange"
	"github.com/Rajchodisetti/swapfusion/internal/observ"
)

// PositionSource is the authoritative position query.
type PositionSource interface {
	GetPositions(ctx context.Context) ([]exchange.Position, error)
}

// DailyStats tracks the day's trading totals.
type DailyStats struct {
	Date               string  `json:"date"`
	TotalExposure      float64 `json:"total_exposure"`
	ExposurePctCapital float64 `json:"exposure_pct_capital"`
	TradesToday        int     `json:"trades_today"`
	RealizedPnL        float64 `json:"realized_pnl"`
	Fees               float64 `json:"fees"`
}

// State is the persisted mirror.
type State struct {
	Version       int64                        `json:"version"`
	UpdatedAt     string                       `json:"updated_at"`
	Positions     map[string]exchange.Position `json:"positions"`
	DailyStats    DailyStats                   `json:"daily_stats"`
	CapitalBase   float64                      `json:"capital_base"`
	RealizedTotal float64                      `json:"realized_total"`
}

type Manager struct {
	filePath string
	source   PositionSource
	clock    func() time.Time

	mu    sync.RWMutex
	state State
	dirty map[string]bool // instruments with local fills since the last refresh
}

// NewManager creates a mirror. An empty filePath disables persistence.
func NewManager(filePath string, capitalBase float64, source PositionSource, clock func() time.Time) *Manager {
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		filePath: filePath,
		source:   source,
		clock:    clock,
		dirty:    make(map[string]bool),
		state: State{
			Positions:   make(map[string]exchange.Position),
			CapitalBase: capitalBase,
			DailyStats:  DailyStats{Date: clock().Format("2006-01-02")},
		},
	}
}

// Load restores the last snapshot. It is advisory until the first Refresh.
func (m *Manager) Load() error {
	if m.filePath == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read portfolio state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("failed to unmarshal portfolio state: %w", err)
	}
	if st.Positions == nil {
		st.Positions = make(map[string]exchange.Position)
	}
	m.state = st
	if today := m.clock().Format("2006-01-02"); m.state.DailyStats.Date != today {
		m.resetDailyStats(today)
	}
	return nil
}

// Save atomically writes the mirror.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveUnsafe()
}

func (m *Manager) saveUnsafe() error {
	m.state.Version++
	m.state.UpdatedAt = m.clock().UTC().Format(time.RFC3339)
	if m.filePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal portfolio state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.filePath), 0755); err != nil {
		return err
	}
	tempPath := m.filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp portfolio state: %w", err)
	}
	if err := os.Rename(tempPath, m.filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename portfolio state: %w", err)
	}
	return nil
}

// Refresh replaces the mirror with the exchange's positions and returns the
// number of unexplained differences.
func (m *Manager) Refresh(ctx context.Context) (int, error) {
	remote, err := m.source.GetPositions(ctx)
	if err != nil {
		observ.IncCounter("portfolio_refresh_errors_total", nil)
		return 0, fmt.Errorf("refresh positions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]exchange.Position, len(remote))
	for _, p := range remote {
		if p.Size > 0 {
			next[p.Instrument] = p
		}
	}
	mismatches := 0
	seen := make(map[string]bool)
	for inst, p := range next {
		seen[inst] = true
		if m.dirty[inst] {
			continue
		}
		old, ok := m.state.Positions[inst]
		if !ok || old.Side != p.Side || math.Abs(old.Size-p.Size) > 1e-12 {
			mismatches++
			m.logMismatch(inst, old, p)
		}
	}
	for inst, old := range m.state.Positions {
		if !seen[inst] && !m.dirty[inst] {
			mismatches++
			m.logMismatch(inst, old, exchange.Position{})
		}
	}

	m.state.Positions = next
	m.dirty = make(map[string]bool)
	m.recalculateExposureUnsafe()
	observ.SetGauge("portfolio_positions", float64(len(next)), nil)
	return mismatches, m.saveUnsafe()
}

func (m *Manager) logMismatch(inst string, local, remote exchange.Position) {
	observ.IncCounter("reconciliation_mismatches_total", map[string]string{"kind": "position"})
	observ.Warn("reconciliation_mismatch", map[string]any{
		"kind":        "position",
		"instrument":  inst,
		"local_side":  local.Side,
		"local_size":  local.Size,
		"remote_side": remote.Side,
		"remote_size": remote.Size,
	})
}

// NoteFill marks instrument as changed by the engine, so the next Refresh
// does not count the difference as a mismatch.
func (m *Manager) NoteFill(instrument string) {
	m.mu.Lock()
	m.dirty[instrument] = true
	m.mu.Unlock()
}

// RecordTrade books a closed trade's realized PnL and fee.
func (m *Manager) RecordTrade(instrument string, realized, fee float64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if today := at.Format("2006-01-02"); m.state.DailyStats.Date != today {
		m.resetDailyStats(today)
	}
	m.dirty[instrument] = true
	m.state.DailyStats.TradesToday++
	m.state.DailyStats.RealizedPnL += realized
	m.state.DailyStats.Fees += fee
	m.state.RealizedTotal += realized
	return m.saveUnsafe()
}

func (m *Manager) resetDailyStats(date string) {
	m.state.DailyStats = DailyStats{
		Date:               date,
		TotalExposure:      m.state.DailyStats.TotalExposure,
		ExposurePctCapital: m.state.DailyStats.ExposurePctCapital,
	}
}

func (m *Manager) recalculateExposureUnsafe() {
	total := 0.0
	for _, p := range m.state.Positions {
		total += p.Notional()
	}
	m.state.DailyStats.TotalExposure = total
	if m.state.CapitalBase > 0 {
		m.state.DailyStats.ExposurePctCapital = total / m.state.CapitalBase * 100
	}
}

// Position returns the mirrored position for instrument.
func (m *Manager) Position(instrument string) (exchange.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.state.Positions[instrument]
	return p, ok
}

// Positions returns all mirrored positions ordered by instrument.
func (m *Manager) Positions() []exchange.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]exchange.Position, 0, len(m.state.Positions))
	for _, p := range m.state.Positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// NAV is capital plus all realized and current unrealized PnL.
func (m *Manager) NAV() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nav := m.state.CapitalBase + m.state.RealizedTotal
	for _, p := range m.state.Positions {
		nav += p.UnrealizedPnL
	}
	return nav
}

func (m *Manager) DailyStats() DailyStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.DailyStats
}
