// Package session drives the trading day: one pipeline per instrument on the
// tick cadence, an hourly range recompute, the forecast validator, order
// reconciliation and the force-close flatten.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/swapfusion/internal/config"
	"github.com/Rajchodisetti/swapfusion/internal/decision"
	"github.com/Rajchodisetti/swapfusion/internal/exchange"
	"github.com/Rajchodisetti/swapfusion/internal/forecast"
	"github.com/Rajchodisetti/swapfusion/internal/market"
	"github.com/Rajchodisetti/swapfusion/internal/observ"
	"github.com/Rajchodisetti/swapfusion/internal/orders"
	"github.com/Rajchodisetti/swapfusion/internal/oscillation"
	"github.com/Rajchodisetti/swapfusion/internal/outbox"
	"github.com/Rajchodisetti/swapfusion/internal/portfolio"
	"github.com/Rajchodisetti/swapfusion/internal/risk"
	"github.com/Rajchodisetti/swapfusion/internal/signal"
)

// RangeHistory supplies the points a range recompute needs.
type RangeHistory interface {
	Since(instrument string, t time.Time) []market.PricePoint
}

// Marker receives every observed price; the paper exchange uses it to fill
// resting limit orders.
type Marker interface {
	Mark(instrument string, price float64)
}

// Journal records session events.
type Journal interface {
	Append(kind string, data any) error
}

type Config struct {
	Instruments        []string
	Window             config.Window
	TickInterval       time.Duration
	RangeInterval      time.Duration
	RangeLookback      time.Duration
	ProducerTimeout    time.Duration
	ValidationInterval time.Duration
	ReconcileInterval  time.Duration
	ForceCheckInterval time.Duration
	Clock              func() time.Time
}

// Deps are the components a scheduler wires together. Marks and Journal are
// optional.
type Deps struct {
	Market    market.Source
	History   RangeHistory
	Marks     Marker
	Producers []signal.Producer
	Cache     *forecast.Cache
	Validator *forecast.Validator
	Engine    *decision.Engine
	Ranges    *oscillation.Tracker
	Risk      *risk.Manager
	Guard     *risk.PositionGuard
	Orders    *orders.Tracker
	Book      *portfolio.Manager
	Ledger    *Ledger
	Journal   Journal
}

type Scheduler struct {
	cfg  Config
	deps Deps

	pipelines map[string]*pipeline

	rollMu sync.Mutex // serializes day rollover across pipelines

	mu         sync.Mutex
	runCtx     context.Context // parent of dispatched order submissions
	day        string
	forcedDay  string
	lastRanges time.Time

	flattening atomic.Bool
}

func New(cfg Config, deps Deps) (*Scheduler, error) {
	if len(cfg.Instruments) == 0 {
		return nil, errors.New("session: no instruments")
	}
	if deps.Market == nil || deps.Engine == nil || deps.Risk == nil || deps.Orders == nil || deps.Book == nil || deps.Ledger == nil {
		return nil, errors.New("session: missing required dependency")
	}
	if cfg.Window.Location == nil {
		return nil, errors.New("session: window has no location")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.RangeInterval <= 0 {
		cfg.RangeInterval = time.Hour
	}
	if cfg.RangeLookback <= 0 {
		cfg.RangeLookback = 24 * time.Hour
	}
	if cfg.ProducerTimeout <= 0 {
		cfg.ProducerTimeout = 10 * time.Second
	}
	if cfg.ForceCheckInterval <= 0 {
		cfg.ForceCheckInterval = 15 * time.Second
	}
	if deps.Guard == nil {
		deps.Guard = risk.NewPositionGuard(risk.DefaultGuardConfig())
	}
	if deps.Ranges == nil {
		deps.Ranges = oscillation.NewTracker(oscillation.DefaultConfig())
	}

	s := &Scheduler{
		cfg:       cfg,
		deps:      deps,
		pipelines: make(map[string]*pipeline, len(cfg.Instruments)),
		runCtx:    context.Background(),
	}
	for _, inst := range cfg.Instruments {
		if _, dup := s.pipelines[inst]; dup {
			return nil, fmt.Errorf("session: duplicate instrument %q", inst)
		}
		s.pipelines[inst] = &pipeline{s: s, instrument: inst}
	}
	now := cfg.Clock()
	s.day = cfg.Window.Day(now)
	deps.Ledger.rec.reset(s.day, now)
	s.event(Event{Time: now, Type: EventSessionStart, Data: map[string]any{"instruments": cfg.Instruments}})
	return s, nil
}

func (s *Scheduler) now() time.Time { return s.cfg.Clock() }

func (s *Scheduler) orderCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx
}

// Run drives the session until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	s.RecomputeRanges(s.now())
	observ.Log("session_started", map[string]any{"instruments": s.cfg.Instruments, "tick": s.cfg.TickInterval.String()})

	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range s.cfg.Instruments {
		p := s.pipelines[inst]
		g.Go(func() error {
			every(gctx, s.cfg.TickInterval, func() {
				if _, err := p.Tick(gctx); err != nil && gctx.Err() == nil {
					observ.Warn("tick_failed", map[string]any{"instrument": p.instrument, "err": err})
				}
			})
			return nil
		})
	}
	g.Go(func() error {
		every(gctx, s.cfg.RangeInterval, func() { s.RecomputeRanges(s.now()) })
		return nil
	})
	g.Go(func() error {
		every(gctx, s.cfg.ForceCheckInterval, func() { s.housekeeping(gctx, s.now()) })
		return nil
	})
	if s.deps.Validator != nil && s.cfg.ValidationInterval > 0 {
		g.Go(func() error {
			s.deps.Validator.Run(gctx, s.cfg.ValidationInterval, s.cfg.Clock)
			return nil
		})
	}
	if s.cfg.ReconcileInterval > 0 {
		g.Go(func() error {
			if err := s.deps.Orders.Run(gctx, s.cfg.ReconcileInterval); err != nil && gctx.Err() == nil {
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	s.deps.Orders.Wait()
	observ.Log("session_stopped", map[string]any{"err": err})
	return err
}

func every(ctx context.Context, d time.Duration, fn func()) {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

// Step runs one scheduling round at the clock's current time: the day
// rollover, a due range recompute, force close, validation and one tick per
// instrument. Replays drive the session with Step instead of Run.
func (s *Scheduler) Step(ctx context.Context) ([]TickResult, error) {
	now := s.now()
	s.mu.Lock()
	due := s.lastRanges.IsZero() || now.Sub(s.lastRanges) >= s.cfg.RangeInterval
	s.mu.Unlock()
	if due {
		s.RecomputeRanges(now)
	}
	s.housekeeping(ctx, now)
	if s.deps.Validator != nil {
		if _, err := s.deps.Validator.RunOnce(ctx, now); err != nil {
			return nil, err
		}
	}

	results := make([]TickResult, len(s.cfg.Instruments))
	g, gctx := errgroup.WithContext(ctx)
	for i, inst := range s.cfg.Instruments {
		i := i
		p := s.pipelines[inst]
		g.Go(func() error {
			r, err := p.Tick(gctx)
			results[i] = r
			if err != nil && !errors.Is(err, context.Canceled) {
				observ.Warn("tick_failed", map[string]any{"instrument": p.instrument, "err": err})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	if _, err := s.deps.Orders.Reconcile(ctx); err != nil {
		observ.Warn("orders_reconcile_failed", map[string]any{"err": err})
	}
	return results, ctx.Err()
}

// housekeeping handles the day rollover and the once-per-day force close.
func (s *Scheduler) housekeeping(ctx context.Context, now time.Time) {
	s.rollover(now)
	if !s.cfg.Window.PastForceClose(now) {
		return
	}
	day := s.cfg.Window.Day(now)
	s.mu.Lock()
	done := s.forcedDay == day
	s.forcedDay = day
	s.mu.Unlock()
	if done {
		return
	}
	if err := s.ForceClose(ctx, "session_end"); err != nil {
		observ.Error("force_close_failed", err, map[string]any{"day": day})
	}
}

// rollover starts a new risk session when the trading day changes.
func (s *Scheduler) rollover(now time.Time) {
	day := s.cfg.Window.Day(now)
	s.rollMu.Lock()
	defer s.rollMu.Unlock()
	s.mu.Lock()
	changed := day != s.day
	s.day = day
	s.mu.Unlock()
	if !changed && s.deps.Risk.State().SessionDate == day {
		return
	}
	equity := s.deps.Book.NAV()
	s.deps.Risk.ResetSession(day, equity)
	s.deps.Ledger.rec.reset(day, now)
	s.event(Event{Time: now, Type: EventSessionReset, Data: map[string]any{"date": day, "equity": equity}})
}

// RecomputeRanges refreshes every instrument's oscillation band.
func (s *Scheduler) RecomputeRanges(now time.Time) {
	s.mu.Lock()
	s.lastRanges = now
	s.mu.Unlock()
	if s.deps.History == nil {
		return
	}
	for _, inst := range s.cfg.Instruments {
		s.recomputeRange(inst, now)
	}
}

func (s *Scheduler) recomputeRange(inst string, now time.Time) bool {
	pts := s.deps.History.Since(inst, now.Add(-s.cfg.RangeLookback))
	r, ok := s.deps.Ranges.Recompute(inst, pts, now)
	if ok {
		observ.Log("range_recomputed", map[string]any{
			"instrument": inst,
			"high":       r.High,
			"low":        r.Low,
			"band_upper": r.BandUpper,
			"band_lower": r.BandLower,
			"points":     r.Points,
		})
	}
	return ok
}

// ForceClose cancels in-flight evaluations and open orders, then closes every
// position with reduce-only market orders. New entries are blocked until it
// returns.
func (s *Scheduler) ForceClose(ctx context.Context, reason string) error {
	now := s.now()
	s.deps.Ledger.rec.update(func(r *Record) { r.ForcedClose = true })
	s.event(Event{Time: now, Type: EventForceClose, Reason: reason})
	observ.IncCounter("session_force_close_total", map[string]string{"reason": reason})
	return s.flatten(ctx, "scheduler", string(risk.ExitForceClose)+":"+reason)
}

func (s *Scheduler) flatten(ctx context.Context, user, reason string) error {
	s.flattening.Store(true)
	defer s.flattening.Store(false)

	// Interrupt and wait out in-flight ticks, then let background
	// submissions settle before touching the book.
	for _, inst := range s.cfg.Instruments {
		s.pipelines[inst].interrupt()
	}
	for _, inst := range s.cfg.Instruments {
		s.pipelines[inst].mu.Lock()
	}
	defer func() {
		for _, inst := range s.cfg.Instruments {
			s.pipelines[inst].mu.Unlock()
		}
	}()
	s.deps.Orders.Wait()

	cancelled := 0
	for _, inst := range s.cfg.Instruments {
		cancelled += s.deps.Orders.CancelAll(ctx, inst)
	}
	gen := s.deps.Risk.Generation()
	if _, err := s.deps.Book.Refresh(ctx); err != nil {
		return fmt.Errorf("flatten: %w", err)
	}
	s.deps.Risk.SyncExposure(s.deps.Book.Positions(), s.deps.Book.NAV(), gen)

	now := s.now()
	var errs []error
	closed := 0
	for _, pos := range s.deps.Book.Positions() {
		o, err := s.deps.Orders.Submit(ctx, orders.Request{
			DecisionID: exitID(pos.Instrument, reason, now),
			Instrument: pos.Instrument,
			Side:       pos.Side.Closing(),
			Type:       exchange.Market,
			Size:       pos.Size,
			ReduceOnly: true,
			EntryPrice: pos.AvgEntryPrice,
			Reason:     string(risk.ExitForceClose),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", pos.Instrument, err))
			continue
		}
		s.deps.Guard.Forget(pos.Instrument)
		if o.Status == exchange.StatusFilled {
			closed++
		}
	}
	observ.Log("positions_flattened", map[string]any{
		"user":             user,
		"reason":           reason,
		"orders_cancelled": cancelled,
		"positions_closed": closed,
	})
	s.event(Event{Time: now, Type: EventFlatten, User: user, Reason: reason, Data: map[string]any{
		"orders_cancelled": cancelled,
		"positions_closed": closed,
	}})
	return errors.Join(errs...)
}

func (s *Scheduler) event(ev Event) {
	s.deps.Ledger.rec.update(func(r *Record) { r.Events = append(r.Events, ev) })
	if s.deps.Journal != nil {
		if err := s.deps.Journal.Append(outbox.KindSession, ev); err != nil {
			observ.Error("session_journal_failed", err, map[string]any{"type": ev.Type})
		}
	}
}

// Status is a point-in-time view for the dashboard. It shares no state with
// the scheduler.
type Status struct {
	Time        time.Time                             `json:"time"`
	SessionDate string                                `json:"session_date"`
	WindowOpen  bool                                  `json:"window_open"`
	Flattening  bool                                  `json:"flattening"`
	Decisions   map[string]decision.ConsensusDecision `json:"decisions"`
	Risk        risk.State                            `json:"risk"`
	OpenOrders  []orders.Order                        `json:"open_orders"`
	OrderStats  orders.Stats                          `json:"order_stats"`
	Positions   []exchange.Position                   `json:"positions"`
	Daily       portfolio.DailyStats                  `json:"daily"`
	Accuracy    []forecast.Stats                      `json:"accuracy"`
	Ranges      map[string]oscillation.Status         `json:"ranges"`
	Guard       map[string]risk.GuardStatus           `json:"guard"`
	Breaker     []risk.Event                          `json:"breaker_events"`
	Record      Record                                `json:"record"`
}

func (s *Scheduler) Status() Status {
	now := s.now()
	st := Status{
		Time:       now,
		WindowOpen: s.cfg.Window.Open(now),
		Flattening: s.flattening.Load(),
		Decisions:  s.deps.Engine.LatestAll(),
		Risk:       s.deps.Risk.State(),
		OpenOrders: s.deps.Orders.Open(),
		OrderStats: s.deps.Orders.Stats(),
		Positions:  s.deps.Book.Positions(),
		Daily:      s.deps.Book.DailyStats(),
		Ranges:     s.deps.Ranges.Snapshot(),
		Guard:      s.deps.Guard.Snapshot(),
		Breaker:    s.deps.Risk.Events(20),
		Record:     s.deps.Ledger.Record(),
	}
	st.SessionDate = st.Risk.SessionDate
	if s.deps.Validator != nil {
		st.Accuracy = s.deps.Validator.Stats()
	}
	return st
}
