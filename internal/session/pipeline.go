package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/swapfusion/internal/decision"
	"github.com/Rajchodisetti/swapfusion/internal/exchange"
	"github.com/Rajchodisetti/swapfusion/internal/forecast"
	"github.com/Rajchodisetti/swapfusion/internal/market"
	"github.com/Rajchodisetti/swapfusion/internal/observ"
	"github.com/Rajchodisetti/swapfusion/internal/orders"
	"github.com/Rajchodisetti/swapfusion/internal/oscillation"
	"github.com/Rajchodisetti/swapfusion/internal/risk"
	"github.com/Rajchodisetti/swapfusion/internal/signal"
)

// TickResult describes what one pipeline tick did.
type TickResult struct {
	Instrument string                      `json:"instrument"`
	Time       time.Time                   `json:"time"`
	Price      float64                     `json:"price"`
	Skipped    string                      `json:"skipped,omitempty"`
	Exits      []risk.CloseAction          `json:"exits,omitempty"`
	Decision   *decision.ConsensusDecision `json:"decision,omitempty"`
	Approval   *risk.Approval              `json:"approval,omitempty"`
	Order      *orders.Order               `json:"order,omitempty"`
}

// Skip reasons
const (
	SkipWindowClosed = "window_closed"
	SkipFlattening   = "flattening"
	SkipExit         = "guard_exit"
)

// pipeline evaluates one instrument. Ticks for the same instrument never
// overlap; different instruments run in parallel.
type pipeline struct {
	s          *Scheduler
	instrument string

	mu sync.Mutex // held for the whole tick

	cmu    sync.Mutex
	cancel context.CancelFunc
}

func (p *pipeline) interrupt() {
	p.cmu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.cmu.Unlock()
}

// Tick runs one evaluation: snapshot, range update, guard exits, signal
// fusion, the risk gate and order dispatch.
func (p *pipeline) Tick(ctx context.Context) (TickResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	p.cmu.Lock()
	p.cancel = cancel
	p.cmu.Unlock()
	defer func() {
		p.cmu.Lock()
		p.cancel = nil
		p.cmu.Unlock()
		cancel()
	}()

	s := p.s
	start := time.Now()
	defer func() {
		observ.RecordDuration("tick_duration", time.Since(start), map[string]string{"instrument": p.instrument})
	}()

	now := s.now()
	res := TickResult{Instrument: p.instrument, Time: now}
	s.rollover(now)
	s.deps.Ledger.rec.update(func(r *Record) { r.Ticks++ })
	observ.IncCounter("ticks_total", map[string]string{"instrument": p.instrument})

	snap, err := s.deps.Market.Snapshot(ctx, p.instrument)
	if err != nil {
		return res, fmt.Errorf("snapshot %s: %w", p.instrument, err)
	}
	res.Price = snap.Price
	if s.deps.Marks != nil {
		s.deps.Marks.Mark(p.instrument, snap.Price)
	}

	snap = p.observeRange(snap, now)

	gen := s.deps.Risk.Generation()
	if _, err := s.deps.Book.Refresh(ctx); err != nil {
		observ.Warn("portfolio_refresh_failed", map[string]any{"instrument": p.instrument, "err": err})
	}
	s.deps.Risk.SyncExposure(s.deps.Book.Positions(), s.deps.Book.NAV(), gen)

	if exits := p.guard(snap.Price, now); len(exits) > 0 {
		res.Exits = exits
		res.Skipped = SkipExit
		return res, nil
	}

	if !s.cfg.Window.Open(now) {
		res.Skipped = SkipWindowClosed
		return res, nil
	}
	if s.flattening.Load() {
		res.Skipped = SkipFlattening
		return res, nil
	}

	signals := p.collect(ctx, snap)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	d := s.deps.Engine.Fuse(p.instrument, signals, now)
	res.Decision = &d
	a := s.deps.Risk.CheckOrderRisk(d, snap.Price)
	res.Approval = &a
	s.deps.Ledger.rec.update(func(r *Record) {
		r.Decisions++
		r.Actions[string(d.Action)]++
		if a.Approved {
			r.Approved++
			return
		}
		for _, reason := range a.Reasons {
			r.Rejections[reason]++
		}
	})
	observ.Log("decision_evaluated", map[string]any{
		"instrument": p.instrument,
		"decision":   d.ID,
		"action":     d.Action,
		"score":      d.CompositeScore,
		"approved":   a.Approved,
		"intent":     a.Intent,
		"notional":   a.Notional,
		"size":       a.Size,
		"reasons":    a.Reasons,
		"breaker":    a.Breaker,
	})
	if !a.Approved {
		return res, nil
	}

	// A force close may have started while this tick was in the gate.
	if s.flattening.Load() || ctx.Err() != nil {
		s.deps.Risk.OnOrderTerminal(d.ID, 0)
		res.Skipped = SkipFlattening
		return res, ctx.Err()
	}

	o, err := s.deps.Orders.Dispatch(s.orderCtx(), orders.Request{
		DecisionID:    d.ID,
		Instrument:    p.instrument,
		Side:          a.Side,
		Type:          exchange.Market,
		Size:          a.Size,
		ReduceOnly:    a.ReduceOnly,
		EntryPrice:    a.EntryPrice,
		ExpectedPrice: snap.Price,
		Confidence:    math.Abs(d.CompositeScore),
		Reason:        string(a.Intent),
	})
	if err != nil {
		if a.Intent == risk.IntentEntry {
			s.deps.Risk.OnOrderTerminal(d.ID, 0)
		}
		if errors.Is(err, orders.ErrDuplicateOrder) {
			return res, nil
		}
		return res, fmt.Errorf("dispatch %s: %w", d.ID, err)
	}
	res.Order = &o
	return res, nil
}

// observeRange feeds the tick price to the oscillation tracker and carries
// the band position and breakout flag forward.
func (p *pipeline) observeRange(snap market.Snapshot, now time.Time) market.Snapshot {
	s := p.s
	st, err := s.deps.Ranges.Observe(p.instrument, snap.Price)
	if errors.Is(err, oscillation.ErrNoRange) && s.deps.History != nil && s.recomputeRange(p.instrument, now) {
		st, err = s.deps.Ranges.Observe(p.instrument, snap.Price)
	}
	if err != nil {
		return snap
	}
	s.deps.Risk.SetBreakout(p.instrument, st.Breakout, st.Magnitude)
	return snap.WithBandPosition(st.BandPosition)
}

// guard places reduce-only exits for the instrument's position. Exits are
// submitted inline so the next tick sees the reduced position.
func (p *pipeline) guard(price float64, now time.Time) []risk.CloseAction {
	s := p.s
	pos, ok := s.deps.Book.Position(p.instrument)
	if !ok {
		s.deps.Guard.Forget(p.instrument)
		return nil
	}
	actions := s.deps.Guard.Evaluate(pos, price)
	for _, act := range actions {
		_, err := s.deps.Orders.Submit(s.orderCtx(), orders.Request{
			DecisionID: exitID(act.Instrument, string(act.Reason), now),
			Instrument: act.Instrument,
			Side:       act.Side,
			Type:       exchange.Market,
			Size:       act.Size,
			ReduceOnly: true,
			EntryPrice: act.EntryPrice,
			Reason:     string(act.Reason),
		})
		if err != nil {
			observ.Warn("guard_exit_failed", map[string]any{"instrument": act.Instrument, "reason": act.Reason, "err": err})
		}
	}
	return actions
}

// collect gathers one signal per producer through the forecast cache. A
// producer that fails or times out is simply missing from the result.
func (p *pipeline) collect(ctx context.Context, snap market.Snapshot) map[signal.Source]signal.Signal {
	s := p.s
	var (
		mu  sync.Mutex
		out = make(map[signal.Source]signal.Signal, len(s.deps.Producers))
		g   errgroup.Group
	)
	for _, prod := range s.deps.Producers {
		prod := prod
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, s.cfg.ProducerTimeout)
			defer cancel()

			sig, err := p.signal(pctx, prod, snap)
			if err != nil {
				kind := "unavailable"
				switch {
				case errors.Is(err, signal.ErrMalformed):
					kind = "malformed"
				case errors.Is(err, context.DeadlineExceeded):
					kind = "timeout"
				}
				observ.IncCounter("producer_errors_total", map[string]string{"source": string(prod.Source()), "kind": kind})
				observ.Warn("producer_failed", map[string]any{"instrument": p.instrument, "source": prod.Source(), "kind": kind, "err": err})
				return nil
			}
			mu.Lock()
			out[prod.Source()] = sig
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (p *pipeline) signal(ctx context.Context, prod signal.Producer, snap market.Snapshot) (signal.Signal, error) {
	if p.s.deps.Cache == nil {
		return prod.Signal(ctx, snap)
	}
	key := forecast.Key{
		Instrument:  p.instrument,
		Source:      prod.Source(),
		Fingerprint: forecast.Fingerprint(p.instrument, prod.Params()),
	}
	e, err := p.s.deps.Cache.Get(ctx, key, func(ctx context.Context) (signal.Signal, error) {
		return prod.Signal(ctx, snap)
	})
	if err != nil {
		return signal.Signal{}, err
	}
	return e.Signal, nil
}

// exitID names a guard or flatten close. Distinct reasons or times give
// distinct orders.
func exitID(instrument, reason string, at time.Time) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s|%s|%d", instrument, reason, at.UnixNano()))).String()
}
