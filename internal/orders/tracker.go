// Package orders tracks every order from submission to a terminal state and
// keeps the local view reconciled with the exchange.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/swapfusion/internal/exchange"
	"github.com/Rajchodisetti/swapfusion/internal/observ"
	"github.com/Rajchodisetti/swapfusion/internal/outbox"
)

var (
	ErrDuplicateOrder = errors.New("orders: live order already exists for decision")
	ErrOrderBusy      = errors.New("orders: another mutation is in flight")
	ErrUnknownOrder   = errors.New("orders: unknown order")
	ErrTerminal       = errors.New("orders: order is terminal")
)

// Order is the tracker's record. Terminal orders are archival and never change.
type Order struct {
	ID           string             `json:"id"`
	ClientID     string             `json:"client_id"`
	DecisionID   string             `json:"decision_id"`
	Instrument   string             `json:"instrument"`
	Side         exchange.Side      `json:"side"`
	Type         exchange.OrderType `json:"type"`
	Size         float64            `json:"size"`
	Price        *float64           `json:"price,omitempty"`
	ReduceOnly   bool               `json:"reduce_only"`
	EntryPrice   float64            `json:"entry_price,omitempty"`
	EntryFee     float64            `json:"entry_fee,omitempty"`
	Expected     float64            `json:"expected_price,omitempty"`
	Reason       string             `json:"reason,omitempty"`
	Status       exchange.Status    `json:"status"`
	FilledSize   float64            `json:"filled_size"`
	AvgFillPrice float64            `json:"avg_fill_price"`
	Fee          float64            `json:"fee"`
	RealizedPnL  float64            `json:"realized_pnl"`
	Attempts     int                `json:"attempts"`
	LastError    string             `json:"last_error,omitempty"`
	Adopted      bool               `json:"adopted,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`

	missingSince time.Time
}

// FilledNotional is filled size at the average fill price.
func (o Order) FilledNotional() float64 { return o.FilledSize * o.AvgFillPrice }

// Request asks the tracker for one order. EntryPrice is the average entry of
// the position a reduce-only order closes. ExpectedPrice and Confidence feed
// slippage protection of market entries.
type Request struct {
	DecisionID    string
	Instrument    string
	Side          exchange.Side
	Type          exchange.OrderType
	Size          float64
	Price         *float64
	ReduceOnly    bool
	EntryPrice    float64
	ExpectedPrice float64
	Confidence    float64
	Reason        string
}

// Listener receives terminal bookkeeping. Calls happen outside the tracker's
// lock, once per order.
type Listener interface {
	OnOrderTerminal(o Order)
	OnTradeClosed(o Order)
}

// AdoptionListener is optionally implemented by a Listener that wants to
// hear about orders reconciliation starts tracking.
type AdoptionListener interface {
	OnOrderAdopted(o Order)
}

// Journal is the order log. *outbox.Outbox satisfies it.
type Journal interface {
	AppendKeyed(kind, key string, data any) error
	HasRecent(key string) (bool, error)
}

type Config struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	MissingGrace time.Duration
	Slippage     SlippageConfig
	Clock        func() time.Time
	Sleep        func(ctx context.Context, d time.Duration) error
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		BackoffBase:  500 * time.Millisecond,
		BackoffMax:   5 * time.Second,
		MissingGrace: 2 * time.Minute,
		Slippage:     SlippageConfig{Mode: SlippageNone},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Stats are running totals over terminal orders.
type Stats struct {
	Filled      int     `json:"filled"`
	Cancelled   int     `json:"cancelled"`
	Rejected    int     `json:"rejected"`
	Fees        float64 `json:"fees"`
	RealizedPnL float64 `json:"realized_pnl"`
}

type Tracker struct {
	cfg      Config
	client   exchange.Client
	journal  Journal
	listener Listener

	mu       sync.Mutex
	orders   map[string]*Order // by client id
	byID     map[string]string // exchange id -> client id
	live     map[string]string // instrument|decision -> client id
	busy     map[string]bool
	fees     decimal.Decimal
	realized decimal.Decimal
	counts   map[exchange.Status]int
	entry    map[string]feePool // instrument -> unclosed entry fills

	wg sync.WaitGroup
}

func NewTracker(cfg Config, client exchange.Client, journal Journal, listener Listener) *Tracker {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Tracker{
		cfg:      cfg,
		client:   client,
		journal:  journal,
		listener: listener,
		orders:   make(map[string]*Order),
		byID:     make(map[string]string),
		live:     make(map[string]string),
		busy:     make(map[string]bool),
		counts:   make(map[exchange.Status]int),
		entry:    make(map[string]feePool),
	}
}

// feePool is filled entry size and the fees paid for it, drawn down pro rata
// as exits close it.
type feePool struct {
	size decimal.Decimal
	fee  decimal.Decimal
}

func liveKey(instrument, decisionID string) string { return instrument + "|" + decisionID }

func intent(req Request) string {
	if req.ReduceOnly {
		return "exit"
	}
	return "entry"
}

// register records a New order and marks it busy for its submitter.
func (t *Tracker) register(req Request) (*Order, error) {
	if req.Size <= 0 {
		return nil, fmt.Errorf("orders: non-positive size %v", req.Size)
	}
	if req.Type == "" {
		req.Type = exchange.Market
	}
	if req.Type == exchange.Market && !req.ReduceOnly {
		if px, ok := t.cfg.Slippage.ProtectedPrice(req.Side, req.ExpectedPrice, req.Confidence); ok {
			req.Type = exchange.Limit
			req.Price = &px
			observ.IncCounter("orders_slippage_protected_total", map[string]string{"instrument": req.Instrument, "mode": string(t.cfg.Slippage.Mode)})
		}
	}
	key := outbox.IdempotencyKey(req.Instrument, req.DecisionID, intent(req))

	t.mu.Lock()
	defer t.mu.Unlock()

	if req.DecisionID != "" {
		if cid, ok := t.live[liveKey(req.Instrument, req.DecisionID)]; ok && !t.orders[cid].Status.Terminal() {
			return nil, ErrDuplicateOrder
		}
		if t.journal != nil {
			if seen, err := t.journal.HasRecent(key); err == nil && seen {
				return nil, ErrDuplicateOrder
			}
		}
	}

	now := t.cfg.Clock()
	o := &Order{
		ClientID:   uuid.NewString(),
		DecisionID: req.DecisionID,
		Instrument: req.Instrument,
		Side:       req.Side,
		Type:       req.Type,
		Size:       req.Size,
		Price:      req.Price,
		ReduceOnly: req.ReduceOnly,
		EntryPrice: req.EntryPrice,
		Expected:   req.ExpectedPrice,
		Reason:     req.Reason,
		Status:     exchange.StatusNew,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	t.orders[o.ClientID] = o
	if req.DecisionID != "" {
		t.live[liveKey(req.Instrument, req.DecisionID)] = o.ClientID
	}
	t.busy[o.ClientID] = true
	t.journalLocked(key, o)
	return o, nil
}

func (t *Tracker) journalLocked(key string, o *Order) {
	if t.journal == nil {
		return
	}
	if err := t.journal.AppendKeyed(outbox.KindOrder, key, *o); err != nil {
		observ.Error("order_journal_failed", err, map[string]any{"client_id": o.ClientID})
	}
}

// Submit places the order and returns once it is accepted or terminal.
func (t *Tracker) Submit(ctx context.Context, req Request) (Order, error) {
	o, err := t.register(req)
	if err != nil {
		return Order{}, err
	}
	return t.submit(ctx, o.ClientID)
}

// Dispatch registers the order and submits it in the background. The
// returned order is in state New.
func (t *Tracker) Dispatch(ctx context.Context, req Request) (Order, error) {
	o, err := t.register(req)
	if err != nil {
		return Order{}, err
	}
	t.mu.Lock()
	snap := *o
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if _, err := t.submit(ctx, snap.ClientID); err != nil {
			observ.Warn("order_dispatch_failed", map[string]any{"client_id": snap.ClientID, "err": err})
		}
	}()
	return snap, nil
}

// Wait blocks until background submissions finish.
func (t *Tracker) Wait() { t.wg.Wait() }

func (t *Tracker) backoff(attempt int) time.Duration {
	d := t.cfg.BackoffBase << (attempt - 1)
	if d > t.cfg.BackoffMax || d <= 0 {
		d = t.cfg.BackoffMax
	}
	return d
}

// submit runs the retry loop. The caller owns the busy flag.
func (t *Tracker) submit(ctx context.Context, clientID string) (Order, error) {
	t.mu.Lock()
	o := t.orders[clientID]
	req := exchange.OrderRequest{
		ClientID:   o.ClientID,
		Instrument: o.Instrument,
		Side:       o.Side,
		Type:       o.Type,
		Size:       o.Size,
		Price:      o.Price,
		ReduceOnly: o.ReduceOnly,
	}
	t.mu.Unlock()

	start := t.cfg.Clock()
	var lastErr error
	for attempt := 1; attempt <= t.cfg.MaxAttempts; attempt++ {
		t.mu.Lock()
		o.Attempts = attempt
		t.mu.Unlock()

		remote, err := t.client.PlaceOrder(ctx, req)
		if err == nil {
			observ.RecordDuration("order_submit", t.cfg.Clock().Sub(start), map[string]string{"instrument": req.Instrument})
			return t.settle(clientID, func() bool { return t.applyLocked(o, remote) }, nil)
		}
		lastErr = err
		observ.Warn("order_submit_failed", map[string]any{
			"client_id": clientID,
			"attempt":   attempt,
			"err":       err,
		})
		if !exchange.Retryable(err) {
			break
		}
		if attempt == t.cfg.MaxAttempts {
			lastErr = fmt.Errorf("retries exhausted after %d attempts: %w", attempt, err)
			break
		}
		observ.IncCounter("orders_retries_total", map[string]string{"instrument": req.Instrument})
		if serr := t.cfg.Sleep(ctx, t.backoff(attempt)); serr != nil {
			lastErr = fmt.Errorf("%w (retry aborted: %v)", err, serr)
			break
		}
	}

	return t.settle(clientID, func() bool {
		return t.transitionLocked(o, exchange.StatusRejected, lastErr.Error())
	}, lastErr)
}

// settle applies change under the lock, releases the busy flag and runs
// terminal bookkeeping when the order just finished.
func (t *Tracker) settle(clientID string, change func() bool, err error) (Order, error) {
	t.mu.Lock()
	o := t.orders[clientID]
	finished := change()
	delete(t.busy, clientID)
	snap := *o
	t.mu.Unlock()

	if finished {
		t.notify(snap)
	}
	return snap, err
}

var transitions = map[exchange.Status][]exchange.Status{
	exchange.StatusNew:             {exchange.StatusSubmitted, exchange.StatusPartiallyFilled, exchange.StatusFilled, exchange.StatusCancelled, exchange.StatusRejected},
	exchange.StatusSubmitted:       {exchange.StatusPartiallyFilled, exchange.StatusFilled, exchange.StatusCancelled, exchange.StatusRejected},
	exchange.StatusPartiallyFilled: {exchange.StatusPartiallyFilled, exchange.StatusFilled, exchange.StatusCancelled},
}

func canTransition(from, to exchange.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transitionLocked moves o to status. It returns true when o became terminal.
func (t *Tracker) transitionLocked(o *Order, to exchange.Status, lastErr string) bool {
	if !canTransition(o.Status, to) {
		if o.Status != to {
			observ.Warn("order_transition_refused", map[string]any{"client_id": o.ClientID, "from": o.Status, "to": to})
		}
		return false
	}
	o.Status = to
	o.UpdatedAt = t.cfg.Clock()
	if lastErr != "" {
		o.LastError = lastErr
	}
	key := outbox.IdempotencyKey(o.Instrument, o.DecisionID, intentOf(o))
	if to.Terminal() {
		t.closeLocked(o)
	}
	t.journalLocked(key, o)
	return to.Terminal()
}

func intentOf(o *Order) string {
	if o.ReduceOnly {
		return "exit"
	}
	return "entry"
}

// applyLocked folds the exchange's view of o into the record.
func (t *Tracker) applyLocked(o *Order, remote exchange.Order) bool {
	if o.Status.Terminal() {
		return false
	}
	if remote.ID != "" && o.ID == "" {
		o.ID = remote.ID
		t.byID[remote.ID] = o.ClientID
	}
	to := remote.Status
	if to == exchange.StatusNew || to == "" {
		to = exchange.StatusSubmitted
	}
	if to == exchange.StatusSubmitted && remote.FilledSize > 0 {
		to = exchange.StatusPartiallyFilled
	}
	if !canTransition(o.Status, to) {
		return false
	}
	o.FilledSize = remote.FilledSize
	o.AvgFillPrice = remote.AvgFillPrice
	o.Fee = remote.Fee
	o.missingSince = time.Time{}
	return t.transitionLocked(o, to, "")
}

// closeLocked does terminal bookkeeping: fee accrual and realized PnL. An
// exit's PnL is net of its own fee and its share of the entry fees.
func (t *Tracker) closeLocked(o *Order) {
	fee := decimal.NewFromFloat(o.Fee)
	t.fees = t.fees.Add(fee)
	qty := decimal.NewFromFloat(o.FilledSize)
	switch {
	case !o.ReduceOnly && qty.IsPositive():
		p := t.entry[o.Instrument]
		t.entry[o.Instrument] = feePool{size: p.size.Add(qty), fee: p.fee.Add(fee)}
	case o.ReduceOnly && qty.IsPositive():
		entryFee := t.drawEntryFeeLocked(o.Instrument, qty)
		o.EntryFee = entryFee.InexactFloat64()
		if o.EntryPrice > 0 {
			move := decimal.NewFromFloat(o.AvgFillPrice).Sub(decimal.NewFromFloat(o.EntryPrice))
			if o.Side == exchange.Buy {
				move = move.Neg() // buying back a short
			}
			pnl := move.Mul(qty).Sub(fee).Sub(entryFee)
			o.RealizedPnL = pnl.InexactFloat64()
			t.realized = t.realized.Add(pnl)
		}
	}
	t.counts[o.Status]++
	if o.DecisionID != "" {
		delete(t.live, liveKey(o.Instrument, o.DecisionID))
	}
	observ.IncCounter("orders_terminal_total", map[string]string{"status": string(o.Status), "instrument": o.Instrument})
	observ.Log("order_terminal", map[string]any{
		"client_id":   o.ClientID,
		"order_id":    o.ID,
		"decision_id": o.DecisionID,
		"instrument":  o.Instrument,
		"status":      o.Status,
		"filled":      o.FilledSize,
		"avg_price":   o.AvgFillPrice,
		"fee":         o.Fee,
		"pnl":         o.RealizedPnL,
		"attempts":    o.Attempts,
		"last_error":  o.LastError,
	})
}

// drawEntryFeeLocked removes qty from the instrument's entry pool and returns
// the fees paid for it.
func (t *Tracker) drawEntryFeeLocked(instrument string, qty decimal.Decimal) decimal.Decimal {
	p, ok := t.entry[instrument]
	if !ok || !p.size.IsPositive() {
		return decimal.Zero
	}
	q := decimal.Min(qty, p.size)
	share := p.fee.Mul(q).Div(p.size)
	p.size = p.size.Sub(q)
	p.fee = p.fee.Sub(share)
	if p.size.IsPositive() {
		t.entry[instrument] = p
	} else {
		delete(t.entry, instrument)
	}
	return share
}

func (t *Tracker) notify(o Order) {
	if t.listener == nil {
		return
	}
	t.listener.OnOrderTerminal(o)
	if o.ReduceOnly && o.FilledSize > 0 {
		t.listener.OnTradeClosed(o)
	}
}

func (t *Tracker) lookupLocked(id string) (*Order, bool) {
	if o, ok := t.orders[id]; ok {
		return o, true
	}
	if cid, ok := t.byID[id]; ok {
		return t.orders[cid], true
	}
	return nil, false
}

// Cancel asks the exchange to cancel id (client or exchange id). A second
// mutation while one is outstanding fails with ErrOrderBusy.
func (t *Tracker) Cancel(ctx context.Context, id string) (Order, error) {
	t.mu.Lock()
	o, ok := t.lookupLocked(id)
	switch {
	case !ok:
		t.mu.Unlock()
		return Order{}, ErrUnknownOrder
	case o.Status.Terminal():
		snap := *o
		t.mu.Unlock()
		return snap, ErrTerminal
	case t.busy[o.ClientID]:
		t.mu.Unlock()
		return Order{}, ErrOrderBusy
	}
	t.busy[o.ClientID] = true
	clientID, exID := o.ClientID, o.ID
	t.mu.Unlock()

	if exID == "" {
		return t.settle(clientID, func() bool {
			return t.transitionLocked(o, exchange.StatusCancelled, "cancelled before submission")
		}, nil)
	}
	remote, err := t.client.CancelOrder(ctx, exID)
	if err != nil {
		var rej *exchange.RejectedError
		if errors.As(err, &rej) && remote.ID != "" {
			// already finished on the exchange; take its word
			return t.settle(clientID, func() bool { return t.applyLocked(o, remote) }, err)
		}
		return t.settle(clientID, func() bool { return false }, fmt.Errorf("cancel %s: %w", exID, err))
	}
	return t.settle(clientID, func() bool { return t.applyLocked(o, remote) }, nil)
}

// CancelAll cancels every live order for instrument, or all when empty.
func (t *Tracker) CancelAll(ctx context.Context, instrument string) int {
	n := 0
	for _, o := range t.Open() {
		if instrument != "" && o.Instrument != instrument {
			continue
		}
		if _, err := t.Cancel(ctx, o.ClientID); err == nil {
			n++
		}
	}
	return n
}

// Report summarizes one reconciliation pass.
type Report struct {
	Adopted   int `json:"adopted"`
	Updated   int `json:"updated"`
	Cancelled int `json:"cancelled"`
}

// Reconcile aligns the local view with the exchange. Running it twice against
// the same exchange state changes nothing the second time.
func (t *Tracker) Reconcile(ctx context.Context) (Report, error) {
	var rep Report
	remote, err := t.client.GetOpenOrders(ctx)
	if err != nil {
		observ.IncCounter("orders_reconcile_errors_total", nil)
		return rep, fmt.Errorf("reconcile: %w", err)
	}
	now := t.cfg.Clock()

	var finished, adopted []Order
	seen := make(map[string]bool, len(remote))

	t.mu.Lock()
	for _, r := range remote {
		o, ok := t.lookupLocked(r.ID)
		if !ok && r.ClientID != "" {
			o, ok = t.orders[r.ClientID]
		}
		if !ok {
			a := t.adoptLocked(r, nil)
			seen[a.ClientID] = true
			adopted = append(adopted, *a)
			rep.Adopted++
			continue
		}
		seen[o.ClientID] = true
		if o.Status.Terminal() {
			// rejected locally after the exchange took it, e.g. a timed out submit
			if o.Status == exchange.StatusRejected && o.ID == "" && !statusOf(r).Terminal() {
				a := t.adoptLocked(r, o)
				seen[a.ClientID] = true
				adopted = append(adopted, *a)
				rep.Adopted++
			}
			continue
		}
		if t.busy[o.ClientID] {
			continue
		}
		if o.ID == "" {
			o.ID = r.ID
			t.byID[r.ID] = o.ClientID
		}
		if o.Status == statusOf(r) && o.FilledSize == r.FilledSize {
			continue
		}
		mismatch(o, string(o.Status), string(r.Status))
		if t.applyLocked(o, r) {
			finished = append(finished, *o)
		}
		rep.Updated++
	}

	var missing []*Order
	for cid, o := range t.orders {
		if seen[cid] || o.Status.Terminal() || t.busy[cid] || o.ID == "" {
			continue
		}
		t.busy[cid] = true
		missing = append(missing, o)
	}
	t.mu.Unlock()

	if al, ok := t.listener.(AdoptionListener); ok {
		for _, o := range adopted {
			al.OnOrderAdopted(o)
		}
	}

	sort.Slice(missing, func(i, j int) bool { return missing[i].ClientID < missing[j].ClientID })
	for _, o := range missing {
		r, err := t.client.GetOrder(ctx, o.ID)

		t.mu.Lock()
		switch {
		case err == nil:
			if o.Status != statusOf(r) || o.FilledSize != r.FilledSize {
				mismatch(o, string(o.Status), string(r.Status))
				rep.Updated++
			}
			if t.applyLocked(o, r) {
				finished = append(finished, *o)
			}
		case errors.Is(err, exchange.ErrOrderNotFound):
			if o.missingSince.IsZero() {
				o.missingSince = now
			}
			if now.Sub(o.missingSince) >= t.cfg.MissingGrace {
				mismatch(o, string(o.Status), "missing")
				if t.transitionLocked(o, exchange.StatusCancelled, "missing on exchange") {
					finished = append(finished, *o)
				}
				rep.Cancelled++
			}
		default:
			observ.Warn("orders_reconcile_lookup_failed", map[string]any{"order_id": o.ID, "err": err})
		}
		delete(t.busy, o.ClientID)
		t.mu.Unlock()
	}

	for _, o := range finished {
		t.notify(o)
	}
	observ.IncCounter("orders_reconcile_runs_total", nil)
	return rep, nil
}

func statusOf(r exchange.Order) exchange.Status {
	if r.Status == exchange.StatusNew || r.Status == "" {
		return exchange.StatusSubmitted
	}
	if r.Status == exchange.StatusSubmitted && r.FilledSize > 0 {
		return exchange.StatusPartiallyFilled
	}
	return r.Status
}

func mismatch(o *Order, local, remote string) {
	observ.IncCounter("reconciliation_mismatches_total", map[string]string{"kind": "order"})
	observ.Warn("reconciliation_mismatch", map[string]any{
		"kind":      "order",
		"client_id": o.ClientID,
		"order_id":  o.ID,
		"local":     local,
		"remote":    remote,
	})
}

func clientIDOf(r exchange.Order) string {
	if r.ClientID != "" {
		return r.ClientID
	}
	return "adopted-" + r.ID
}

// adoptLocked starts tracking r. With from set, r is the exchange copy of a
// locally rejected order and the new record inherits its decision.
func (t *Tracker) adoptLocked(r exchange.Order, from *Order) *Order {
	o := &Order{
		ID:           r.ID,
		ClientID:     clientIDOf(r),
		Instrument:   r.Instrument,
		Side:         r.Side,
		Type:         r.Type,
		Size:         r.Size,
		Price:        r.Price,
		ReduceOnly:   r.ReduceOnly,
		Status:       statusOf(r),
		FilledSize:   r.FilledSize,
		AvgFillPrice: r.AvgFillPrice,
		Fee:          r.Fee,
		Adopted:      true,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    t.cfg.Clock(),
	}
	local := "unknown"
	if from != nil {
		o.ClientID = "adopted-" + r.ID
		o.DecisionID = from.DecisionID
		o.EntryPrice = from.EntryPrice
		o.Expected = from.Expected
		o.Reason = from.Reason
		local = string(from.Status)
		if o.DecisionID != "" {
			t.live[liveKey(o.Instrument, o.DecisionID)] = o.ClientID
		}
	}
	t.orders[o.ClientID] = o
	t.byID[o.ID] = o.ClientID
	mismatch(o, local, string(o.Status))
	t.journalLocked("", o)
	return o
}

// Run reconciles every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if rep, err := t.Reconcile(ctx); err != nil {
				observ.Warn("orders_reconcile_failed", map[string]any{"err": err})
			} else if rep != (Report{}) {
				observ.Log("orders_reconciled", map[string]any{
					"adopted":   rep.Adopted,
					"updated":   rep.Updated,
					"cancelled": rep.Cancelled,
				})
			}
		}
	}
}

// Get returns a copy of one order by client or exchange id.
func (t *Tracker) Get(id string) (Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.lookupLocked(id)
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Open returns the non-terminal orders ordered by creation.
func (t *Tracker) Open() []Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Order
	for _, o := range t.orders {
		if !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Filled:      t.counts[exchange.StatusFilled],
		Cancelled:   t.counts[exchange.StatusCancelled],
		Rejected:    t.counts[exchange.StatusRejected],
		Fees:        t.fees.InexactFloat64(),
		RealizedPnL: t.realized.InexactFloat64(),
	}
}
