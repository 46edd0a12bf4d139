package session

import (
	"sync"
	"time"

	"github.com/Rajchodisetti/swapfusion/internal/exchange"
	"github.com/Rajchodisetti/swapfusion/internal/observ"
	"github.com/Rajchodisetti/swapfusion/internal/orders"
	"github.com/Rajchodisetti/swapfusion/internal/portfolio"
	"github.com/Rajchodisetti/swapfusion/internal/risk"
)

const maxRecorded = 200

// Event is an operator or scheduler action on the session.
type Event struct {
	Time       time.Time      `json:"time"`
	Type       string         `json:"type"`
	User       string         `json:"user,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Instrument string         `json:"instrument,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Session event types
const (
	EventSessionStart  = "session_start"
	EventSessionReset  = "session_reset"
	EventForceClose    = "force_close"
	EventFlatten       = "flatten_all"
	EventEmergencyStop = "emergency_stop"
	EventResume        = "resume"
)

// OrderFailure is an order that ended Rejected.
type OrderFailure struct {
	Time       time.Time `json:"time"`
	ClientID   string    `json:"client_id"`
	DecisionID string    `json:"decision_id"`
	Instrument string    `json:"instrument"`
	Error      string    `json:"error"`
}

// Record is the session-level log shown to the dashboard.
type Record struct {
	Date        string         `json:"date"`
	StartedAt   time.Time      `json:"started_at"`
	Ticks       int            `json:"ticks"`
	Decisions   int            `json:"decisions"`
	Actions     map[string]int `json:"actions"`
	Approved    int            `json:"approved"`
	Rejections  map[string]int `json:"rejections"`
	TradesWon   int            `json:"trades_won"`
	TradesLost  int            `json:"trades_lost"`
	Failures    []OrderFailure `json:"failures"`
	Events      []Event        `json:"events"`
	ForcedClose bool           `json:"forced_close"`
}

type recorder struct {
	mu  sync.Mutex
	rec Record
}

func newRecorder(date string, at time.Time) *recorder {
	r := &recorder{}
	r.reset(date, at)
	return r
}

func (r *recorder) reset(date string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rec = Record{
		Date:       date,
		StartedAt:  at,
		Actions:    make(map[string]int),
		Rejections: make(map[string]int),
	}
}

func (r *recorder) update(fn func(*Record)) {
	r.mu.Lock()
	fn(&r.rec)
	if n := len(r.rec.Failures); n > maxRecorded {
		r.rec.Failures = r.rec.Failures[n-maxRecorded:]
	}
	if n := len(r.rec.Events); n > maxRecorded {
		r.rec.Events = r.rec.Events[n-maxRecorded:]
	}
	r.mu.Unlock()
}

func (r *recorder) snapshot() Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.rec
	out.Actions = copyCounts(r.rec.Actions)
	out.Rejections = copyCounts(r.rec.Rejections)
	out.Failures = append([]OrderFailure(nil), r.rec.Failures...)
	out.Events = append([]Event(nil), r.rec.Events...)
	return out
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Ledger is the order tracker's listener. It settles risk reservations,
// books closed trades and records failures on the session record.
type Ledger struct {
	risk *risk.Manager
	book *portfolio.Manager
	rec  *recorder
}

func NewLedger(rm *risk.Manager, book *portfolio.Manager) *Ledger {
	return &Ledger{risk: rm, book: book, rec: newRecorder(rm.State().SessionDate, time.Now())}
}

// reservationKey is the risk reservation an entry settles under. Orders
// adopted without a decision reserve under their client id.
func reservationKey(o orders.Order) string {
	if o.DecisionID != "" {
		return o.DecisionID
	}
	if o.Adopted {
		return o.ClientID
	}
	return ""
}

func (l *Ledger) OnOrderTerminal(o orders.Order) {
	if key := reservationKey(o); !o.ReduceOnly && key != "" {
		l.risk.OnOrderTerminal(key, o.FilledNotional())
	}
	if o.FilledSize > 0 && l.book != nil {
		l.book.NoteFill(o.Instrument)
	}
	if o.Status == exchange.StatusRejected {
		l.rec.update(func(r *Record) {
			r.Failures = append(r.Failures, OrderFailure{
				Time:       o.UpdatedAt,
				ClientID:   o.ClientID,
				DecisionID: o.DecisionID,
				Instrument: o.Instrument,
				Error:      o.LastError,
			})
		})
	}
}

// OnOrderAdopted reserves exposure for an entry the exchange holds but the
// session never approved as live.
func (l *Ledger) OnOrderAdopted(o orders.Order) {
	if o.ReduceOnly {
		return
	}
	px := o.AvgFillPrice
	switch {
	case o.Price != nil && *o.Price > 0:
		px = *o.Price
	case px <= 0:
		px = o.Expected
	}
	l.risk.Reserve(reservationKey(o), o.Instrument, o.Size*px)
}

func (l *Ledger) OnTradeClosed(o orders.Order) {
	l.risk.OnTradeClosed(risk.TradeOutcome{
		Instrument:  o.Instrument,
		DecisionID:  o.DecisionID,
		RealizedPnL: o.RealizedPnL,
		ClosedAt:    o.UpdatedAt,
	})
	l.rec.update(func(r *Record) {
		switch {
		case o.RealizedPnL > 0:
			r.TradesWon++
		case o.RealizedPnL < 0:
			r.TradesLost++
		}
	})
	if l.book != nil {
		if err := l.book.RecordTrade(o.Instrument, o.RealizedPnL, o.Fee+o.EntryFee, o.UpdatedAt); err != nil {
			observ.Error("portfolio_record_failed", err, map[string]any{"instrument": o.Instrument})
		}
	}
}

// Record returns a copy of the session record.
func (l *Ledger) Record() Record { return l.rec.snapshot() }
