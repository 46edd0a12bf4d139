package risk

import (
	"fmt"
	"time"

	"github.com/Rajchodisetti/swapfusion/internal/observ"
	"github.com/Rajchodisetti/swapfusion/internal/outbox"
)

// BreakerState is the session's risk posture.
type BreakerState string

const (
	StateNormal  BreakerState = "normal"
	StateReduced BreakerState = "reduced" // entries sized down
	StateHalted  BreakerState = "halted"  // no new entries, exits still allowed
)

func (s BreakerState) gauge() float64 {
	switch s {
	case StateReduced:
		return 1
	case StateHalted:
		return 2
	}
	return 0
}

// Event types
const (
	EventStateChanged   = "state_changed"
	EventEmergencyStop  = "emergency_stop"
	EventManualOverride = "manual_override"
	EventSessionReset   = "session_reset"
)

// Transition reasons
const (
	ReasonDailyLoss       = "daily_loss_limit"
	ReasonBreakoutCeiling = "breakout_hard_ceiling"
	ReasonLossStreak      = "consecutive_losses"
	ReasonHaltStreak      = "consecutive_losses_halt"
	ReasonWinRecovery     = "winning_trades"
)

// Event is one journaled breaker transition. It carries enough of the state to
// restore the breaker after a restart within the same session.
type Event struct {
	ID                string         `json:"id"`
	Timestamp         time.Time      `json:"timestamp"`
	Type              string         `json:"type"`
	From              BreakerState   `json:"from"`
	To                BreakerState   `json:"to"`
	Reason            string         `json:"reason"`
	UserID            string         `json:"user_id,omitempty"`
	SessionDate       string         `json:"session_date"`
	ConsecutiveLosses int            `json:"consecutive_losses"`
	ConsecutiveWins   int            `json:"consecutive_wins"`
	DailyRealizedPnL  float64        `json:"daily_realized_pnl"`
	Data              map[string]any `json:"data,omitempty"`
}

// Journal persists breaker events. *outbox.Outbox satisfies it.
type Journal interface {
	Append(kind string, data any) error
}

// transition moves the breaker and records the event. Caller holds m.mu.
func (m *Manager) transition(typ string, to BreakerState, reason, user string, data map[string]any) {
	from := m.st.Breaker
	m.st.Breaker = to
	if to == StateHalted {
		m.st.HaltReason = reason
	} else {
		m.st.HaltReason = ""
	}
	m.seq++
	ev := Event{
		ID:                fmt.Sprintf("cb_%d", m.seq),
		Timestamp:         m.cfg.Clock(),
		Type:              typ,
		From:              from,
		To:                to,
		Reason:            reason,
		UserID:            user,
		SessionDate:       m.st.SessionDate,
		ConsecutiveLosses: m.st.ConsecutiveLosses,
		ConsecutiveWins:   m.st.ConsecutiveWins,
		DailyRealizedPnL:  m.st.DailyRealizedPnL,
		Data:              data,
	}
	m.events = append(m.events, ev)
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}

	observ.SetGauge("risk_breaker_state", to.gauge(), nil)
	observ.IncCounter("risk_breaker_transitions_total", map[string]string{"from": string(from), "to": string(to), "reason": reason})
	lvl := "info"
	if to == StateHalted {
		lvl = "warn"
	}
	observ.Log("breaker_transition", map[string]any{
		"level":  lvl,
		"type":   typ,
		"from":   from,
		"to":     to,
		"reason": reason,
		"user":   user,
		"losses": m.st.ConsecutiveLosses,
		"pnl":    m.st.DailyRealizedPnL + m.st.DailyUnrealizedPnL,
	})

	if m.journal != nil {
		if err := m.journal.Append(outbox.KindBreaker, ev); err != nil {
			observ.Error("breaker_journal_failed", err, map[string]any{"event_id": ev.ID})
		}
	}
}

// Restore replays journaled events of the current session so a restart keeps
// the breaker where it was. Events from other sessions are ignored.
func (m *Manager) Restore(events []Event) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range events {
		if ev.SessionDate != m.st.SessionDate {
			continue
		}
		m.st.Breaker = ev.To
		m.st.ConsecutiveLosses = ev.ConsecutiveLosses
		m.st.ConsecutiveWins = ev.ConsecutiveWins
		m.st.DailyRealizedPnL = ev.DailyRealizedPnL
		if ev.To == StateHalted {
			m.st.HaltReason = ev.Reason
		} else {
			m.st.HaltReason = ""
		}
		m.events = append(m.events, ev)
		n++
	}
	if n > 0 {
		m.seq += n
		observ.SetGauge("risk_breaker_state", m.st.Breaker.gauge(), nil)
		observ.Log("breaker_restored", map[string]any{"events": n, "state": m.st.Breaker})
	}
	return n
}

// DecodeEvents extracts breaker events from journal entries.
func DecodeEvents(entries []outbox.Entry) []Event {
	var out []Event
	for _, e := range entries {
		if e.Type != outbox.KindBreaker {
			continue
		}
		var ev Event
		if err := e.Decode(&ev); err != nil {
			observ.IncCounter("risk_event_decode_errors_total", nil)
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Events returns up to max of the most recent events, oldest first.
func (m *Manager) Events(max int) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if max > 0 && max < len(m.events) {
		start = len(m.events) - max
	}
	out := make([]Event, len(m.events)-start)
	copy(out, m.events[start:])
	return out
}
