// Package risk owns the session's shared risk state: the circuit breaker,
// exposure accounting and the per-decision gate. All mutation happens under
// one lock so concurrent pipelines cannot jointly breach a cap.
package risk

import (
	"math"
	"sync"
	"time"

	"github.com/Rajchodisetti/swapfusion/internal/decision"
	"github.com/Rajchodisetti/swapfusion/internal/exchange"
	"github.com/Rajchodisetti/swapfusion/internal/observ"
	"github.com/Rajchodisetti/swapfusion/internal/signal"
)

const maxEvents = 1000

type Config struct {
	DailyLossLimitPct     float64 // of session equity
	BreakoutHaltMagnitude float64 // breakout beyond this halts the session
	ReduceAfterLosses     int
	HaltAfterLosses       int
	RecoverAfterWins      int
	MaxTotalRatio         float64
	MaxInstrumentRatio    float64
	MaxSingleTradePct     float64
	ReducedSizeMultiplier float64
	Clock                 func() time.Time
}

func DefaultConfig() Config {
	return Config{
		DailyLossLimitPct:     0.05,
		BreakoutHaltMagnitude: 0.5,
		ReduceAfterLosses:     3,
		HaltAfterLosses:       5,
		RecoverAfterWins:      2,
		MaxTotalRatio:         0.30,
		MaxInstrumentRatio:    0.10,
		MaxSingleTradePct:     0.10,
		ReducedSizeMultiplier: 0.5,
	}
}

// State is an immutable snapshot of the session's risk state. Ratios are
// notional over equity and include outstanding reservations.
type State struct {
	SessionDate        string             `json:"session_date"`
	SessionEquity      float64            `json:"session_equity"`
	Equity             float64            `json:"equity"`
	DailyRealizedPnL   float64            `json:"daily_realized_pnl"`
	DailyUnrealizedPnL float64            `json:"daily_unrealized_pnl"`
	ConsecutiveLosses  int                `json:"consecutive_losses"`
	ConsecutiveWins    int                `json:"consecutive_wins"`
	Breaker            BreakerState       `json:"breaker"`
	HaltReason         string             `json:"halt_reason,omitempty"`
	InstrumentRatio    map[string]float64 `json:"instrument_ratio"`
	TotalRatio         float64            `json:"total_ratio"`
	Breakouts          map[string]float64 `json:"breakouts"`
	Reservations       int                `json:"reservations"`
}

func (s State) DailyPnL() float64 { return s.DailyRealizedPnL + s.DailyUnrealizedPnL }

type Intent string

const (
	IntentNone  Intent = "none"
	IntentEntry Intent = "entry"
	IntentExit  Intent = "exit"
)

// Rejection and sizing reasons
const (
	ReasonHold            = "hold"
	ReasonHalted          = "circuit_breaker_halted"
	ReasonBreakout        = "breakout_active"
	ReasonInstrumentCap   = "instrument_cap"
	ReasonCeiling         = "exposure_ceiling"
	ReasonZeroSize        = "zero_size"
	ReasonNoPrice         = "no_price"
	ReasonNoEquity        = "no_equity"
	ReasonDuplicate       = "decision_already_reserved"
	ReasonReducedSizing   = "reduced_sizing"
	ReasonCappedInstCap   = "capped_instrument_headroom"
	ReasonCappedCeiling   = "capped_ceiling_headroom"
	ReasonClosingPosition = "closing_position"
)

// Approval is the gate's answer for one decision. A rejection is a normal
// outcome, not an error.
type Approval struct {
	DecisionID string        `json:"decision_id"`
	Instrument string        `json:"instrument"`
	Approved   bool          `json:"approved"`
	Intent     Intent        `json:"intent"`
	Side       exchange.Side `json:"side,omitempty"`
	Notional   float64       `json:"notional"`
	Size       float64       `json:"size"`
	ReduceOnly bool          `json:"reduce_only"`
	EntryPrice float64       `json:"entry_price,omitempty"` // of the position an exit closes
	Breaker    BreakerState  `json:"breaker"`
	Reasons    []string      `json:"reasons,omitempty"`
}

// TradeOutcome reports a closed (or partially closed) position.
type TradeOutcome struct {
	Instrument  string    `json:"instrument"`
	DecisionID  string    `json:"decision_id"`
	RealizedPnL float64   `json:"realized_pnl"` // net of fees
	ClosedAt    time.Time `json:"closed_at"`
}

type reservation struct {
	instrument string
	notional   float64
}

// settlement is a filled entry not yet known to be in a position snapshot.
type settlement struct {
	gen        uint64
	instrument string
	notional   float64
}

type Manager struct {
	cfg     Config
	journal Journal

	mu           sync.Mutex
	st           State
	positions    map[string]exchange.Position
	exposure     map[string]float64 // notional per instrument from positions and fills
	reservations map[string]reservation
	settled      []settlement
	gen          uint64 // bumped by every settled fill
	breakouts    map[string]float64
	events       []Event
	seq          int
}

// NewManager starts a session dated by cfg.Clock with the given equity.
func NewManager(cfg Config, equity float64, journal Journal) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	m := &Manager{
		cfg:          cfg,
		journal:      journal,
		positions:    make(map[string]exchange.Position),
		exposure:     make(map[string]float64),
		reservations: make(map[string]reservation),
		breakouts:    make(map[string]float64),
	}
	m.st = State{
		SessionDate:   cfg.Clock().Format("2006-01-02"),
		SessionEquity: equity,
		Equity:        equity,
		Breaker:       StateNormal,
	}
	observ.SetGauge("risk_breaker_state", 0, nil)
	return m
}

// CheckOrderRisk approves, sizes or rejects d at the current price. An
// approved entry reserves its notional under d.ID until OnOrderTerminal.
func (m *Manager) CheckOrderRisk(d decision.ConsensusDecision, price float64) Approval {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := Approval{DecisionID: d.ID, Instrument: d.Instrument, Intent: IntentNone, Breaker: m.st.Breaker}
	if d.Action == signal.Hold {
		a.Reasons = []string{ReasonHold}
		return a
	}
	a.Side = exchange.Buy
	if d.Action == signal.Sell {
		a.Side = exchange.Sell
	}

	if pos, ok := m.positions[d.Instrument]; ok && pos.Size > 0 && pos.Side.Closing() == a.Side {
		a.Intent = IntentExit
		a.Approved = true
		a.ReduceOnly = true
		a.Size = pos.Size
		a.EntryPrice = pos.AvgEntryPrice
		a.Notional = pos.Size * price
		a.Reasons = []string{ReasonClosingPosition}
		m.record(a)
		return a
	}

	a.Intent = IntentEntry
	reject := func(reason string) Approval {
		a.Reasons = append(a.Reasons, reason)
		a.Size, a.Notional = 0, 0
		m.record(a)
		return a
	}
	switch {
	case m.st.Breaker == StateHalted:
		return reject(ReasonHalted)
	case m.breakoutActive(d.Instrument):
		return reject(ReasonBreakout)
	case price <= 0:
		return reject(ReasonNoPrice)
	case m.st.Equity <= 0:
		return reject(ReasonNoEquity)
	}
	if _, dup := m.reservations[d.ID]; dup {
		return reject(ReasonDuplicate)
	}

	equity := m.st.Equity
	notional := equity * m.cfg.MaxSingleTradePct * math.Abs(d.CompositeScore)
	if m.st.Breaker == StateReduced {
		notional *= m.cfg.ReducedSizeMultiplier
		a.Reasons = append(a.Reasons, ReasonReducedSizing)
	}

	instHeadroom := m.cfg.MaxInstrumentRatio*equity - m.instrumentNotional(d.Instrument)
	if instHeadroom <= epsilon {
		return reject(ReasonInstrumentCap)
	}
	totalHeadroom := m.cfg.MaxTotalRatio*equity - m.totalNotional()
	if totalHeadroom <= epsilon {
		return reject(ReasonCeiling)
	}
	if notional > instHeadroom {
		notional = instHeadroom
		a.Reasons = append(a.Reasons, ReasonCappedInstCap)
	}
	if notional > totalHeadroom {
		notional = totalHeadroom
		a.Reasons = append(a.Reasons, ReasonCappedCeiling)
	}
	if notional <= epsilon {
		return reject(ReasonZeroSize)
	}

	a.Approved = true
	a.Notional = notional
	a.Size = notional / price
	m.reservations[d.ID] = reservation{instrument: d.Instrument, notional: notional}
	m.refreshRatios()
	m.record(a)
	return a
}

const epsilon = 1e-9

func (m *Manager) record(a Approval) {
	observ.IncCounter("risk_decisions_total", map[string]string{
		"intent":   string(a.Intent),
		"approved": boolLabel(a.Approved),
	})
	if !a.Approved {
		reason := ""
		if len(a.Reasons) > 0 {
			reason = a.Reasons[len(a.Reasons)-1]
		}
		observ.IncCounter("risk_rejections_total", map[string]string{"reason": reason})
		observ.Log("risk_rejected", map[string]any{
			"decision_id": a.DecisionID,
			"instrument":  a.Instrument,
			"reasons":     a.Reasons,
			"breaker":     a.Breaker,
		})
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (m *Manager) breakoutActive(instrument string) bool {
	_, ok := m.breakouts[instrument]
	return ok
}

func (m *Manager) instrumentNotional(instrument string) float64 {
	n := m.exposure[instrument]
	for _, r := range m.reservations {
		if r.instrument == instrument {
			n += r.notional
		}
	}
	return n
}

func (m *Manager) totalNotional() float64 {
	n := 0.0
	for _, v := range m.exposure {
		n += v
	}
	for _, r := range m.reservations {
		n += r.notional
	}
	return n
}

// refreshRatios recomputes the exposure ratios. Caller holds m.mu.
func (m *Manager) refreshRatios() {
	ratios := make(map[string]float64)
	if m.st.Equity > 0 {
		for inst := range m.exposure {
			ratios[inst] = m.instrumentNotional(inst) / m.st.Equity
		}
		for _, r := range m.reservations {
			ratios[r.instrument] = m.instrumentNotional(r.instrument) / m.st.Equity
		}
		m.st.TotalRatio = m.totalNotional() / m.st.Equity
	} else {
		m.st.TotalRatio = 0
	}
	m.st.InstrumentRatio = ratios
	observ.SetGauge("risk_total_ratio", m.st.TotalRatio, nil)
}

// OnOrderTerminal settles the reservation of a finished entry order. Filled
// notional becomes exposure; the unfilled remainder is released.
func (m *Manager) OnOrderTerminal(decisionID string, filledNotional float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[decisionID]
	if !ok {
		return
	}
	delete(m.reservations, decisionID)
	if filledNotional > 0 {
		m.gen++
		m.exposure[r.instrument] += filledNotional
		m.settled = append(m.settled, settlement{gen: m.gen, instrument: r.instrument, notional: filledNotional})
	}
	m.refreshRatios()
}

// Reserve counts notional for an order the exchange holds but no approval
// produced, such as one adopted by reconciliation. It settles through
// OnOrderTerminal under key like any other reservation.
func (m *Manager) Reserve(key, instrument string, notional float64) {
	if key == "" || notional <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.reservations[key]; dup {
		return
	}
	m.reservations[key] = reservation{instrument: instrument, notional: notional}
	m.refreshRatios()
	observ.Warn("risk_reservation_adopted", map[string]any{"key": key, "instrument": instrument, "notional": notional, "total_ratio": m.st.TotalRatio})
}

// Generation identifies the fills settled so far. Take it before reading
// positions from the exchange and hand it to SyncExposure with the result.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// SyncExposure re-bases exposure and unrealized PnL on the exchange's
// positions, read after Generation returned gen. Reservations for in-flight
// orders are kept, and fills settled after gen stay counted on top of the
// snapshot since it may predate them.
func (m *Manager) SyncExposure(positions []exchange.Position, equity float64, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.positions = make(map[string]exchange.Position, len(positions))
	m.exposure = make(map[string]float64, len(positions))
	upnl := 0.0
	for _, p := range positions {
		if p.Size <= 0 {
			continue
		}
		m.positions[p.Instrument] = p
		m.exposure[p.Instrument] = p.Notional()
		upnl += p.UnrealizedPnL
	}
	kept := m.settled[:0]
	for _, st := range m.settled {
		if st.gen <= gen {
			continue
		}
		m.exposure[st.instrument] += st.notional
		kept = append(kept, st)
	}
	m.settled = kept
	if equity > 0 {
		m.st.Equity = equity
	}
	m.st.DailyUnrealizedPnL = upnl
	m.refreshRatios()
	m.checkLimits()
}

// SetBreakout records the tracker's breakout flag. A breakout beyond the hard
// ceiling halts the session.
func (m *Manager) SetBreakout(instrument string, active bool, magnitude float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !active {
		delete(m.breakouts, instrument)
		return
	}
	m.breakouts[instrument] = magnitude
	if magnitude > m.cfg.BreakoutHaltMagnitude && m.st.Breaker != StateHalted {
		m.transition(EventStateChanged, StateHalted, ReasonBreakoutCeiling, "", map[string]any{
			"instrument": instrument,
			"magnitude":  magnitude,
		})
	}
}

// OnTradeClosed folds a realized result into daily PnL and the streak counters.
func (m *Manager) OnTradeClosed(o TradeOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.st.DailyRealizedPnL += o.RealizedPnL
	switch {
	case o.RealizedPnL < 0:
		m.st.ConsecutiveLosses++
		m.st.ConsecutiveWins = 0
	case o.RealizedPnL > 0:
		m.st.ConsecutiveWins++
		switch m.st.Breaker {
		case StateNormal:
			m.st.ConsecutiveLosses = 0
		case StateReduced:
			if m.st.ConsecutiveWins >= m.cfg.RecoverAfterWins {
				m.st.ConsecutiveLosses = 0
				m.st.ConsecutiveWins = 0
				m.transition(EventStateChanged, StateNormal, ReasonWinRecovery, "", nil)
			}
		}
	}
	observ.SetGauge("risk_consecutive_losses", float64(m.st.ConsecutiveLosses), nil)
	observ.SetGauge("risk_daily_realized_pnl", m.st.DailyRealizedPnL, nil)
	m.checkLimits()
}

// checkLimits applies the automatic transitions. Caller holds m.mu.
func (m *Manager) checkLimits() {
	if m.st.Breaker == StateHalted {
		return
	}
	limit := m.cfg.DailyLossLimitPct * m.st.SessionEquity
	if loss := -m.st.DailyPnL(); limit > 0 && loss >= limit {
		m.transition(EventStateChanged, StateHalted, ReasonDailyLoss, "", map[string]any{"loss": loss, "limit": limit})
		return
	}
	if m.cfg.HaltAfterLosses > 0 && m.st.ConsecutiveLosses >= m.cfg.HaltAfterLosses {
		m.transition(EventStateChanged, StateHalted, ReasonHaltStreak, "", nil)
		return
	}
	if m.st.Breaker == StateNormal && m.cfg.ReduceAfterLosses > 0 && m.st.ConsecutiveLosses >= m.cfg.ReduceAfterLosses {
		m.transition(EventStateChanged, StateReduced, ReasonLossStreak, "", nil)
	}
}

// EmergencyStop halts the session on operator request.
func (m *Manager) EmergencyStop(user, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transition(EventEmergencyStop, StateHalted, reason, user, nil)
}

// Override returns the breaker to Normal on operator request and clears the
// streak counters. Daily PnL is kept.
func (m *Manager) Override(user, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.ConsecutiveLosses = 0
	m.st.ConsecutiveWins = 0
	m.transition(EventManualOverride, StateNormal, reason, user, nil)
}

// ResetSession starts a new trading day.
func (m *Manager) ResetSession(date string, equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.SessionDate = date
	if equity > 0 {
		m.st.SessionEquity = equity
		m.st.Equity = equity
	}
	m.st.DailyRealizedPnL = 0
	m.st.DailyUnrealizedPnL = 0
	m.st.ConsecutiveLosses = 0
	m.st.ConsecutiveWins = 0
	m.refreshRatios()
	m.transition(EventSessionReset, StateNormal, "new_session", "", map[string]any{"equity": m.st.SessionEquity})
}

// State returns a copy of the current risk state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.st
	s.InstrumentRatio = make(map[string]float64, len(m.st.InstrumentRatio))
	for k, v := range m.st.InstrumentRatio {
		s.InstrumentRatio[k] = v
	}
	s.Breakouts = make(map[string]float64, len(m.breakouts))
	for k, v := range m.breakouts {
		s.Breakouts[k] = v
	}
	s.Reservations = len(m.reservations)
	return s
}

// Position returns the mirrored position for instrument.
func (m *Manager) Position(instrument string) (exchange.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[instrument]
	return p, ok
}
