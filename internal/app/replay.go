package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Rajchodisetti/swapfusion/internal/config"
	"github.com/Rajchodisetti/swapfusion/internal/market"
	"github.com/Rajchodisetti/swapfusion/internal/observ"
	"github.com/Rajchodisetti/swapfusion/internal/session"
)

// VirtualClock is a settable clock for simulations.
type VirtualClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewVirtualClock(t time.Time) *VirtualClock { return &VirtualClock{t: t} }

func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *VirtualClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// Summary is the outcome of a replay.
type Summary struct {
	Steps  int            `json:"steps"`
	Ticks  int            `json:"ticks"`
	Start  time.Time      `json:"start"`
	End    time.Time      `json:"end"`
	Status session.Status `json:"status"`
}

// Replay runs a full session over recorded prices on a virtual clock, one
// scheduling step per tick interval.
func Replay(ctx context.Context, cfg config.Root, feed *market.ReplayFeed) (Summary, error) {
	start, end, ok := feed.Bounds()
	if !ok {
		return Summary{}, errors.New("replay: no ticks")
	}
	clock := NewVirtualClock(start)
	a, err := Build(ctx, cfg, Options{Clock: clock.Now, Ephemeral: true, Unlimited: true, Seed: 1})
	if err != nil {
		return Summary{}, err
	}
	defer a.Close()

	sum := Summary{Start: start, End: end}
	step := cfg.Session.TickInterval
	for t := start; !t.After(end); t = t.Add(step) {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		clock.Set(t)
		sum.Ticks += feed.AdvanceTo(a.History, t)
		if _, err := a.Scheduler.Step(ctx); err != nil {
			return sum, err
		}
		a.Orders.Wait()
		sum.Steps++
	}
	sum.Status = a.Scheduler.Status()
	observ.Log("replay_finished", map[string]any{
		"steps":     sum.Steps,
		"ticks":     sum.Ticks,
		"decisions": sum.Status.Record.Decisions,
		"approved":  sum.Status.Record.Approved,
		"realized":  sum.Status.OrderStats.RealizedPnL,
	})
	return sum, nil
}
