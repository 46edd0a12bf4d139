package session

import (
	"context"

	"github.com/Rajchodisetti/swapfusion/internal/observ"
)

// Override is the operator surface. Each call preempts normal scheduling:
// EmergencyStop takes effect before any in-flight decision reaches the
// exchange, and FlattenAll interrupts running ticks.
type Override interface {
	EmergencyStop(user, reason string)
	Resume(user, reason string)
	FlattenAll(ctx context.Context, user, reason string) error
}

var _ Override = (*Scheduler)(nil)

// EmergencyStop halts the breaker and interrupts in-flight ticks. Open
// positions stay under the guard.
func (s *Scheduler) EmergencyStop(user, reason string) {
	s.deps.Risk.EmergencyStop(user, reason)
	for _, inst := range s.cfg.Instruments {
		s.pipelines[inst].interrupt()
	}
	observ.Warn("operator_emergency_stop", map[string]any{"user": user, "reason": reason})
	s.event(Event{Time: s.now(), Type: EventEmergencyStop, User: user, Reason: reason})
}

// Resume returns the breaker to normal.
func (s *Scheduler) Resume(user, reason string) {
	s.deps.Risk.Override(user, reason)
	observ.Log("operator_resume", map[string]any{"user": user, "reason": reason})
	s.event(Event{Time: s.now(), Type: EventResume, User: user, Reason: reason})
}

// FlattenAll cancels open orders and closes every position now.
func (s *Scheduler) FlattenAll(ctx context.Context, user, reason string) error {
	observ.Warn("operator_flatten", map[string]any{"user": user, "reason": reason})
	return s.flatten(ctx, user, reason)
}
