package risk

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/swapfusion/internal/decision"
	"github.com/Rajchodisetti/swapfusion/internal/exchange"
	"github.com/Rajchodisetti/swapfusion/internal/signal"
)

const btc = "BTC-USDT-SWAP"

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type memJournal struct {
	mu     sync.Mutex
	events []Event
}

func (j *memJournal) Append(kind string, data any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, data.(Event))
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Clock = func() time.Time { return now }
	return cfg
}

func newManager(j Journal) *Manager {
	return NewManager(testConfig(), 10000, j)
}

func dec(id, inst string, action signal.Direction, score float64) decision.ConsensusDecision {
	return decision.ConsensusDecision{ID: id, Instrument: inst, Time: now, Action: action, CompositeScore: score}
}

func loss(m *Manager, n int) {
	for i := 0; i < n; i++ {
		m.OnTradeClosed(TradeOutcome{Instrument: btc, RealizedPnL: -10})
	}
}

func win(m *Manager, n int) {
	for i := 0; i < n; i++ {
		m.OnTradeClosed(TradeOutcome{Instrument: btc, RealizedPnL: 10})
	}
}

func TestCheckOrderRisk_Hold(t *testing.T) {
	m := newManager(nil)
	a := m.CheckOrderRisk(dec("d", btc, signal.Hold, 0.1), 100)
	assert.False(t, a.Approved)
	assert.Equal(t, IntentNone, a.Intent)
	assert.Equal(t, []string{ReasonHold}, a.Reasons)
}

func TestCheckOrderRisk_Sizing(t *testing.T) {
	m := newManager(nil)
	a := m.CheckOrderRisk(dec("d1", btc, signal.Buy, 0.5), 100)
	require.True(t, a.Approved)
	assert.Equal(t, IntentEntry, a.Intent)
	assert.Equal(t, exchange.Buy, a.Side)
	assert.InDelta(t, 500, a.Notional, 1e-9)
	assert.InDelta(t, 5, a.Size, 1e-9)
	assert.False(t, a.ReduceOnly)

	st := m.State()
	assert.InDelta(t, 0.05, st.TotalRatio, 1e-9)
	assert.InDelta(t, 0.05, st.InstrumentRatio[btc], 1e-9)
	assert.Equal(t, 1, st.Reservations)

	again := m.CheckOrderRisk(dec("d1", btc, signal.Buy, 0.5), 100)
	assert.False(t, again.Approved)
	assert.Contains(t, again.Reasons, ReasonDuplicate)

	a = m.CheckOrderRisk(dec("d2", btc, signal.Sell, -0.9), 100)
	require.True(t, a.Approved)
	assert.Equal(t, exchange.Sell, a.Side)
	assert.InDelta(t, 500, a.Notional, 1e-9, "capped to the remaining instrument headroom")
	assert.Contains(t, a.Reasons, ReasonCappedInstCap)

	a = m.CheckOrderRisk(dec("d3", btc, signal.Buy, 0.9), 100)
	assert.False(t, a.Approved)
	assert.Equal(t, []string{ReasonInstrumentCap}, a.Reasons)
	assert.Zero(t, a.Size)
}

func TestCheckOrderRisk_CeilingHeadroom(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInstrumentRatio = 0.25
	cfg.MaxSingleTradePct = 0.2
	m := NewManager(cfg, 10000, nil)

	a := m.CheckOrderRisk(dec("a", "A", signal.Buy, 1), 10)
	require.True(t, a.Approved)
	assert.InDelta(t, 2000, a.Notional, 1e-9)

	b := m.CheckOrderRisk(dec("b", "B", signal.Buy, 1), 10)
	require.True(t, b.Approved)
	assert.InDelta(t, 1000, b.Notional, 1e-9)
	assert.Contains(t, b.Reasons, ReasonCappedCeiling)

	c := m.CheckOrderRisk(dec("c", "C", signal.Buy, 1), 10)
	assert.False(t, c.Approved)
	assert.Equal(t, []string{ReasonCeiling}, c.Reasons)
	assert.InDelta(t, 0.30, m.State().TotalRatio, 1e-9)
}

func TestCheckOrderRisk_CeilingNeverExceeded(t *testing.T) {
	m := newManager(nil)
	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0.0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst := fmt.Sprintf("I%d", i%8)
			a := m.CheckOrderRisk(dec(fmt.Sprintf("d%d", i), inst, signal.Buy, 0.3+float64(i%7)/10), 50)
			if a.Approved {
				mu.Lock()
				total += a.Notional
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, total, 3000+1e-6)
	st := m.State()
	assert.LessOrEqual(t, st.TotalRatio, 0.30+1e-9)
	for inst, r := range st.InstrumentRatio {
		assert.LessOrEqual(t, r, 0.10+1e-9, inst)
	}
}

func TestSyncExposure_StaleSnapshotKeepsSettledFills(t *testing.T) {
	m := newManager(nil)

	// each position read starts before the entry settles, so it comes back empty
	var approved []string
	for _, inst := range []string{"A", "B", "C", "D", "E"} {
		gen := m.Generation()
		a := m.CheckOrderRisk(dec("d-"+inst, inst, signal.Buy, 1), 100)
		if a.Approved {
			approved = append(approved, inst)
			m.OnOrderTerminal(a.DecisionID, a.Notional)
		}
		m.SyncExposure(nil, 10000, gen)
		require.LessOrEqual(t, m.State().TotalRatio, 0.30+1e-9, "after %s", inst)
	}
	assert.Equal(t, []string{"A", "B", "C"}, approved)
	assert.InDelta(t, 0.30, m.State().TotalRatio, 1e-9)

	// a read that starts after the fills replaces them instead of adding
	var positions []exchange.Position
	for _, inst := range approved {
		positions = append(positions, exchange.Position{Instrument: inst, Side: exchange.Long, Size: 10, AvgEntryPrice: 100, MarkPrice: 100})
	}
	m.SyncExposure(positions, 10000, m.Generation())
	assert.InDelta(t, 0.30, m.State().TotalRatio, 1e-9)
	m.SyncExposure(positions[:1], 10000, m.Generation())
	assert.InDelta(t, 0.10, m.State().TotalRatio, 1e-9)
}

func TestOnOrderTerminal(t *testing.T) {
	m := newManager(nil)
	a := m.CheckOrderRisk(dec("d1", btc, signal.Buy, 0.5), 100)
	require.True(t, a.Approved)

	m.OnOrderTerminal("d1", 250)
	st := m.State()
	assert.Zero(t, st.Reservations)
	assert.InDelta(t, 0.025, st.TotalRatio, 1e-9)

	m.OnOrderTerminal("unknown", 1000)
	assert.InDelta(t, 0.025, m.State().TotalRatio, 1e-9)

	b := m.CheckOrderRisk(dec("d2", btc, signal.Buy, 0.5), 100)
	require.True(t, b.Approved)
	m.OnOrderTerminal("d2", 0)
	assert.InDelta(t, 0.025, m.State().TotalRatio, 1e-9, "unfilled reservation released")
}

func TestReserve_AdoptedOrderCountsAgainstCaps(t *testing.T) {
	m := newManager(nil)
	m.Reserve("adopted-x", btc, 800)
	m.Reserve("adopted-x", btc, 800)
	m.Reserve("", btc, 800)
	st := m.State()
	assert.Equal(t, 1, st.Reservations)
	assert.InDelta(t, 0.08, st.TotalRatio, 1e-9)

	a := m.CheckOrderRisk(dec("d1", btc, signal.Buy, 1), 100)
	require.True(t, a.Approved)
	assert.InDelta(t, 200, a.Notional, 1e-9)
	assert.Contains(t, a.Reasons, ReasonCappedInstCap)

	m.OnOrderTerminal("adopted-x", 800)
	m.OnOrderTerminal("d1", 0)
	st = m.State()
	assert.Zero(t, st.Reservations)
	assert.InDelta(t, 0.08, st.TotalRatio, 1e-9)
}

func TestReducedHalvesSize(t *testing.T) {
	normal := newManager(nil)
	want := normal.CheckOrderRisk(dec("d", btc, signal.Buy, 0.8), 100)
	require.True(t, want.Approved)

	m := newManager(nil)
	loss(m, 2)
	assert.Equal(t, StateNormal, m.State().Breaker)
	loss(m, 1)
	require.Equal(t, StateReduced, m.State().Breaker)

	got := m.CheckOrderRisk(dec("d", btc, signal.Buy, 0.8), 100)
	require.True(t, got.Approved)
	assert.InDelta(t, want.Size/2, got.Size, 1e-9)
	assert.Contains(t, got.Reasons, ReasonReducedSizing)
}

func TestStreaks(t *testing.T) {
	t.Run("win in normal resets losses", func(t *testing.T) {
		m := newManager(nil)
		loss(m, 2)
		win(m, 1)
		loss(m, 2)
		assert.Equal(t, StateNormal, m.State().Breaker)
		assert.Equal(t, 2, m.State().ConsecutiveLosses)
	})
	t.Run("two wins recover from reduced", func(t *testing.T) {
		m := newManager(nil)
		loss(m, 3)
		win(m, 1)
		assert.Equal(t, StateReduced, m.State().Breaker)
		loss(m, 1)
		assert.Zero(t, m.State().ConsecutiveWins, "a loss resets the win streak")
		win(m, 2)
		st := m.State()
		assert.Equal(t, StateNormal, st.Breaker)
		assert.Zero(t, st.ConsecutiveLosses)
	})
	t.Run("five losses halt", func(t *testing.T) {
		m := newManager(nil)
		loss(m, 5)
		st := m.State()
		assert.Equal(t, StateHalted, st.Breaker)
		assert.Equal(t, ReasonHaltStreak, st.HaltReason)
	})
}

func TestHaltedBlocksEntriesUntilReset(t *testing.T) {
	j := &memJournal{}
	m := newManager(j)
	m.SyncExposure([]exchange.Position{{Instrument: btc, Side: exchange.Long, Size: 2, AvgEntryPrice: 100, MarkPrice: 100}}, 0, m.Generation())
	m.EmergencyStop("ops", "manual")
	require.Equal(t, StateHalted, m.State().Breaker)

	for i, d := range []decision.ConsensusDecision{
		dec("e1", "ETH", signal.Buy, 1),
		dec("e2", "ETH", signal.Sell, -1),
		dec("e3", btc, signal.Buy, 0.9),
	} {
		a := m.CheckOrderRisk(d, 100)
		assert.False(t, a.Approved, "decision %d", i)
		assert.Equal(t, []string{ReasonHalted}, a.Reasons)
	}

	// wins never lift a halt within the session
	win(m, 5)
	assert.Equal(t, StateHalted, m.State().Breaker)

	exit := m.CheckOrderRisk(dec("x", btc, signal.Sell, -0.9), 101)
	require.True(t, exit.Approved)
	assert.Equal(t, IntentExit, exit.Intent)
	assert.True(t, exit.ReduceOnly)
	assert.InDelta(t, 2, exit.Size, 1e-9)
	assert.InDelta(t, 100, exit.EntryPrice, 1e-9)

	m.Override("ops", "checked")
	assert.Equal(t, StateNormal, m.State().Breaker)
	assert.True(t, m.CheckOrderRisk(dec("e4", "ETH", signal.Buy, 1), 100).Approved)

	m.EmergencyStop("ops", "again")
	m.ResetSession("2026-03-03", 12000)
	st := m.State()
	assert.Equal(t, StateNormal, st.Breaker)
	assert.Equal(t, "2026-03-03", st.SessionDate)
	assert.Equal(t, 12000.0, st.SessionEquity)
	assert.Zero(t, st.DailyRealizedPnL)

	var types []string
	for _, ev := range j.events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{EventEmergencyStop, EventManualOverride, EventEmergencyStop, EventSessionReset}, types)
}

func TestDailyLossHalts(t *testing.T) {
	t.Run("realized", func(t *testing.T) {
		m := newManager(nil)
		m.OnTradeClosed(TradeOutcome{Instrument: btc, RealizedPnL: -499})
		assert.Equal(t, StateNormal, m.State().Breaker)
		m.OnTradeClosed(TradeOutcome{Instrument: btc, RealizedPnL: -1})
		assert.Equal(t, StateHalted, m.State().Breaker)
		assert.Equal(t, ReasonDailyLoss, m.State().HaltReason)
	})
	t.Run("unrealized from reduced", func(t *testing.T) {
		m := newManager(nil)
		loss(m, 3)
		require.Equal(t, StateReduced, m.State().Breaker)
		m.SyncExposure([]exchange.Position{{Instrument: btc, Side: exchange.Short, Size: 1, AvgEntryPrice: 100, MarkPrice: 570, UnrealizedPnL: -470}}, 9500, m.Generation())
		st := m.State()
		assert.Equal(t, StateHalted, st.Breaker)
		assert.InDelta(t, -500, st.DailyPnL(), 1e-9)
		assert.Equal(t, 9500.0, st.Equity)
		assert.Equal(t, 10000.0, st.SessionEquity)
	})
}

func TestBreakout(t *testing.T) {
	m := newManager(nil)
	m.SetBreakout(btc, true, 0.3)
	a := m.CheckOrderRisk(dec("d1", btc, signal.Buy, 1), 100)
	assert.False(t, a.Approved)
	assert.Equal(t, []string{ReasonBreakout}, a.Reasons)
	assert.Equal(t, StateNormal, m.State().Breaker)
	assert.True(t, m.CheckOrderRisk(dec("d2", "ETH", signal.Buy, 1), 100).Approved, "other instruments unaffected")

	m.SetBreakout(btc, false, 0)
	assert.True(t, m.CheckOrderRisk(dec("d3", btc, signal.Buy, 1), 100).Approved)

	m.SetBreakout(btc, true, 0.6)
	st := m.State()
	assert.Equal(t, StateHalted, st.Breaker)
	assert.Equal(t, ReasonBreakoutCeiling, st.HaltReason)
	assert.InDelta(t, 0.6, st.Breakouts[btc], 1e-9)
}

func TestRestore(t *testing.T) {
	j := &memJournal{}
	m := newManager(j)
	loss(m, 3)
	m.EmergencyStop("ops", "restart test")

	fresh := newManager(nil)
	n := fresh.Restore(j.events)
	assert.Equal(t, 2, n)
	st := fresh.State()
	assert.Equal(t, StateHalted, st.Breaker)
	assert.Equal(t, 3, st.ConsecutiveLosses)
	assert.InDelta(t, -30, st.DailyRealizedPnL, 1e-9)
	assert.Len(t, fresh.Events(0), 2)
	assert.Len(t, fresh.Events(1), 1)

	other := newManager(nil)
	other.ResetSession("2026-03-03", 0)
	assert.Zero(t, other.Restore(j.events), "events of another day are ignored")
	assert.Equal(t, StateNormal, other.State().Breaker)
}
