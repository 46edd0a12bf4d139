package risk

import (
	"sync"

	"github.com/Rajchodisetti/swapfusion/internal/exchange"
	"github.com/Rajchodisetti/swapfusion/internal/observ"
)

// Target is one rung of the partial take-profit ladder.
type Target struct {
	ProfitPct float64
	ClosePct  float64 // of the remaining size
}

type GuardConfig struct {
	StopLossPct       float64
	TakeProfitPct     float64
	TrailingDistance  float64
	MinProfitForTrail float64
	EmergencyFactor   float64 // emergency exit at StopLossPct × factor
	Trailing          bool
	PartialTargets    bool
	Targets           []Target
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		StopLossPct:       0.02,
		TakeProfitPct:     0.015,
		TrailingDistance:  0.01,
		MinProfitForTrail: 0.005,
		EmergencyFactor:   1.5,
		Trailing:          true,
		Targets: []Target{
			{ProfitPct: 0.01, ClosePct: 0.3},
			{ProfitPct: 0.02, ClosePct: 0.5},
			{ProfitPct: 0.03, ClosePct: 1.0},
		},
	}
}

type ExitReason string

const (
	ExitStopLoss      ExitReason = "stop_loss"
	ExitTrailingStop  ExitReason = "trailing_stop"
	ExitTakeProfit    ExitReason = "take_profit"
	ExitPartialTarget ExitReason = "partial_take_profit"
	ExitEmergency     ExitReason = "emergency_exit"
	ExitForceClose    ExitReason = "session_force_close"
)

// CloseAction is a reduce-only order the pipeline should place.
type CloseAction struct {
	Instrument string        `json:"instrument"`
	Side       exchange.Side `json:"side"`
	Size       float64       `json:"size"`
	EntryPrice float64       `json:"entry_price"`
	Price      float64       `json:"price"`
	Reason     ExitReason    `json:"reason"`
	Full       bool          `json:"full"`
}

type guarded struct {
	side     exchange.PositionSide
	entry    float64
	stop     float64
	trailing bool
	targets  []Target
}

// GuardStatus is the exported view of one guarded position.
type GuardStatus struct {
	Side        exchange.PositionSide `json:"side"`
	Entry       float64               `json:"entry"`
	Stop        float64               `json:"stop"`
	Trailing    bool                  `json:"trailing"`
	TargetsLeft int                   `json:"targets_left"`
}

// PositionGuard watches open positions for stop, trailing stop and
// take-profit exits. A position is tracked from the first Evaluate that sees
// it and re-armed whenever its side or entry price changes.
type PositionGuard struct {
	cfg GuardConfig

	mu      sync.Mutex
	tracked map[string]*guarded
}

func NewPositionGuard(cfg GuardConfig) *PositionGuard {
	return &PositionGuard{cfg: cfg, tracked: make(map[string]*guarded)}
}

func (g *PositionGuard) arm(p exchange.Position) *guarded {
	stop := p.AvgEntryPrice * (1 - g.cfg.StopLossPct)
	if p.Side == exchange.Short {
		stop = p.AvgEntryPrice * (1 + g.cfg.StopLossPct)
	}
	return &guarded{
		side:    p.Side,
		entry:   p.AvgEntryPrice,
		stop:    stop,
		targets: append([]Target(nil), g.cfg.Targets...),
	}
}

// Evaluate checks pos at price and returns at most one close action.
func (g *PositionGuard) Evaluate(pos exchange.Position, price float64) []CloseAction {
	if pos.Size <= 0 || pos.AvgEntryPrice <= 0 || price <= 0 {
		g.Forget(pos.Instrument)
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.tracked[pos.Instrument]
	if !ok || st.side != pos.Side || st.entry != pos.AvgEntryPrice {
		st = g.arm(pos)
		g.tracked[pos.Instrument] = st
	}

	long := pos.Side == exchange.Long
	profit := (price - st.entry) / st.entry
	if !long {
		profit = -profit
	}
	closeAll := func(reason ExitReason) []CloseAction {
		delete(g.tracked, pos.Instrument)
		return g.action(pos, st, price, pos.Size, reason, true)
	}

	if g.cfg.EmergencyFactor > 0 && -profit >= g.cfg.StopLossPct*g.cfg.EmergencyFactor {
		return closeAll(ExitEmergency)
	}
	if (long && price <= st.stop) || (!long && price >= st.stop) {
		if st.trailing {
			return closeAll(ExitTrailingStop)
		}
		return closeAll(ExitStopLoss)
	}

	if g.cfg.Trailing && profit >= g.cfg.MinProfitForTrail {
		if long {
			if next := price * (1 - g.cfg.TrailingDistance); next > st.stop {
				st.stop = next
				st.trailing = true
			}
		} else if next := price * (1 + g.cfg.TrailingDistance); next < st.stop {
			st.stop = next
			st.trailing = true
		}
	}

	if g.cfg.PartialTargets {
		for i, t := range st.targets {
			if profit < t.ProfitPct {
				continue
			}
			st.targets = append(st.targets[:i:i], st.targets[i+1:]...)
			if t.ClosePct >= 1 {
				return closeAll(ExitPartialTarget)
			}
			return g.action(pos, st, price, pos.Size*t.ClosePct, ExitPartialTarget, false)
		}
		return nil
	}

	if g.cfg.TakeProfitPct > 0 && profit >= g.cfg.TakeProfitPct {
		return closeAll(ExitTakeProfit)
	}
	return nil
}

func (g *PositionGuard) action(pos exchange.Position, st *guarded, price, size float64, reason ExitReason, full bool) []CloseAction {
	observ.IncCounter("guard_exits_total", map[string]string{"reason": string(reason)})
	observ.Log("guard_exit", map[string]any{
		"instrument": pos.Instrument,
		"side":       pos.Side,
		"reason":     reason,
		"price":      price,
		"entry":      st.entry,
		"stop":       st.stop,
		"size":       size,
	})
	return []CloseAction{{
		Instrument: pos.Instrument,
		Side:       pos.Side.Closing(),
		Size:       size,
		EntryPrice: st.entry,
		Price:      price,
		Reason:     reason,
		Full:       full,
	}}
}

// Forget stops tracking instrument.
func (g *PositionGuard) Forget(instrument string) {
	g.mu.Lock()
	delete(g.tracked, instrument)
	g.mu.Unlock()
}

func (g *PositionGuard) Snapshot() map[string]GuardStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]GuardStatus, len(g.tracked))
	for inst, st := range g.tracked {
		out[inst] = GuardStatus{Side: st.side, Entry: st.entry, Stop: st.stop, Trailing: st.trailing, TargetsLeft: len(st.targets)}
	}
	return out
}
