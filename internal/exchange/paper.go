package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/swapfusion/internal/observ"
)

// Fill is one simulated execution.
type Fill struct {
	OrderID     string    `json:"order_id"`
	Instrument  string    `json:"instrument"`
	Side        Side      `json:"side"`
	Size        float64   `json:"size"`
	Price       float64   `json:"price"`
	Fee         float64   `json:"fee"`
	SlippageBps int       `json:"slippage_bps"`
	Time        time.Time `json:"time"`
}

// Journal receives fills. *outbox.Outbox satisfies it.
type Journal interface {
	Append(kind string, data any) error
}

type PaperConfig struct {
	FeeRate        float64 // taker fee on notional
	SlippageBpsMax int
	LotSize        float64
	Leverage       float64
	Seed           int64
	Clock          func() time.Time
	Journal        Journal
}

type paperPosition struct {
	side     PositionSide
	size     decimal.Decimal
	avg      decimal.Decimal
	openedAt time.Time
}

// Paper is an in-memory exchange. Market orders fill immediately at the last
// mark with random adverse slippage. A limit order already through the mark
// fills at the mark; others rest until the mark crosses.
type Paper struct {
	cfg PaperConfig
	lot decimal.Decimal

	mu        sync.Mutex
	rng       *rand.Rand
	seq       int
	orders    map[string]*Order
	positions map[string]*paperPosition
	marks     map[string]float64
	failures  []error
}

func NewPaper(cfg PaperConfig) *Paper {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Leverage <= 0 {
		cfg.Leverage = 1
	}
	if cfg.LotSize <= 0 {
		cfg.LotSize = 0.0001
	}
	return &Paper{
		cfg:       cfg,
		lot:       decimal.NewFromFloat(cfg.LotSize),
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		orders:    make(map[string]*Order),
		positions: make(map[string]*paperPosition),
		marks:     make(map[string]float64),
	}
}

// FailNext queues errors returned by the next PlaceOrder calls, in order.
func (p *Paper) FailNext(errs ...error) {
	p.mu.Lock()
	p.failures = append(p.failures, errs...)
	p.mu.Unlock()
}

// Mark sets the instrument's price and fills resting limit orders it crosses.
func (p *Paper) Mark(instrument string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[instrument] = price

	ids := make([]string, 0, len(p.orders))
	for id := range p.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		o := p.orders[id]
		if o.Instrument != instrument || o.Status.Terminal() || o.Type != Limit || o.Price == nil {
			continue
		}
		if crosses(o.Side, price, *o.Price) {
			p.fill(o, *o.Price, 0)
		}
	}
}

func crosses(side Side, mark, limit float64) bool {
	if side == Buy {
		return mark <= limit
	}
	return mark >= limit
}

func (p *Paper) quantize(size float64) decimal.Decimal {
	return decimal.NewFromFloat(size).Div(p.lot).Floor().Mul(p.lot)
}

func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		return Order{}, err
	}
	for _, o := range p.orders {
		if req.ClientID != "" && o.ClientID == req.ClientID {
			return *o, nil
		}
	}

	size := p.quantize(req.Size)
	if pos, ok := p.positions[req.Instrument]; req.ReduceOnly {
		if !ok || pos.side.Closing() != req.Side {
			return Order{}, &RejectedError{Code: "reduce_only", Reason: "no position to reduce"}
		}
		size = decimal.Min(size, pos.size)
	}
	if !size.IsPositive() {
		return Order{}, &RejectedError{Code: "lot_size", Reason: "size below lot size"}
	}
	mark, ok := p.marks[req.Instrument]
	if !ok && req.Type == Market {
		return Order{}, &RejectedError{Code: "no_price", Reason: "no mark price for " + req.Instrument}
	}
	if req.Type == Limit && req.Price == nil {
		return Order{}, &RejectedError{Code: "price", Reason: "limit order without price"}
	}

	now := p.cfg.Clock()
	p.seq++
	o := &Order{
		ID:         fmt.Sprintf("paper-%d", p.seq),
		ClientID:   req.ClientID,
		Instrument: req.Instrument,
		Side:       req.Side,
		Type:       req.Type,
		Size:       size.InexactFloat64(),
		Price:      req.Price,
		ReduceOnly: req.ReduceOnly,
		Status:     StatusSubmitted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	p.orders[o.ID] = o

	if req.Type == Market {
		bps := 0
		if p.cfg.SlippageBpsMax > 0 {
			bps = p.rng.Intn(p.cfg.SlippageBpsMax + 1)
		}
		price := mark * (1 + float64(bps)/10000)
		if req.Side == Sell {
			price = mark / (1 + float64(bps)/10000)
		}
		p.fill(o, price, bps)
	} else if req.Type == Limit && ok && crosses(o.Side, mark, *o.Price) {
		// marketable limit: takes the mark, never worse than its limit
		p.fill(o, mark, 0)
	}
	return *o, nil
}

// fill executes the full remaining size of o at price. Caller holds p.mu.
func (p *Paper) fill(o *Order, price float64, slippageBps int) {
	qty := decimal.NewFromFloat(o.Size).Sub(decimal.NewFromFloat(o.FilledSize))
	px := decimal.NewFromFloat(price)
	fee := qty.Mul(px).Mul(decimal.NewFromFloat(p.cfg.FeeRate))

	p.apply(o.Instrument, o.Side, qty, px)

	filled := decimal.NewFromFloat(o.FilledSize)
	total := filled.Add(qty)
	avg := px
	if filled.IsPositive() {
		avg = filled.Mul(decimal.NewFromFloat(o.AvgFillPrice)).Add(qty.Mul(px)).Div(total)
	}
	now := p.cfg.Clock()
	o.FilledSize = total.InexactFloat64()
	o.AvgFillPrice = avg.InexactFloat64()
	o.Fee = decimal.NewFromFloat(o.Fee).Add(fee).InexactFloat64()
	o.Status = StatusFilled
	o.UpdatedAt = now

	f := Fill{
		OrderID:     o.ID,
		Instrument:  o.Instrument,
		Side:        o.Side,
		Size:        qty.InexactFloat64(),
		Price:       price,
		Fee:         fee.InexactFloat64(),
		SlippageBps: slippageBps,
		Time:        now,
	}
	observ.IncCounter("paper_fills_total", map[string]string{"instrument": o.Instrument, "side": string(o.Side)})
	if p.cfg.Journal != nil {
		if err := p.cfg.Journal.Append("fill", f); err != nil {
			observ.Warn("paper_fill_journal_failed", map[string]any{"order_id": o.ID, "err": err})
		}
	}
}

func (p *Paper) apply(instrument string, side Side, qty, px decimal.Decimal) {
	pos, ok := p.positions[instrument]
	if !ok {
		p.positions[instrument] = &paperPosition{side: side.Opening(), size: qty, avg: px, openedAt: p.cfg.Clock()}
		return
	}
	if pos.side == side.Opening() {
		total := pos.size.Add(qty)
		pos.avg = pos.size.Mul(pos.avg).Add(qty.Mul(px)).Div(total)
		pos.size = total
		return
	}
	switch rest := qty.Sub(pos.size); {
	case rest.IsNegative():
		pos.size = pos.size.Sub(qty)
	case rest.IsZero():
		delete(p.positions, instrument)
	default:
		p.positions[instrument] = &paperPosition{side: side.Opening(), size: rest, avg: px, openedAt: p.cfg.Clock()}
	}
}

func (p *Paper) CancelOrder(ctx context.Context, id string) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[id]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	if o.Status.Terminal() {
		return *o, &RejectedError{Code: "not_cancellable", Reason: "order is " + string(o.Status)}
	}
	o.Status = StatusCancelled
	o.UpdatedAt = p.cfg.Clock()
	return *o, nil
}

func (p *Paper) GetOrder(ctx context.Context, id string) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[id]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return *o, nil
}

// Forget drops an order from the book, as if the exchange no longer knew it.
func (p *Paper) Forget(id string) {
	p.mu.Lock()
	delete(p.orders, id)
	p.mu.Unlock()
}

func (p *Paper) GetOpenOrders(ctx context.Context) ([]Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Order
	for _, o := range p.orders {
		if !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *Paper) GetPositions(ctx context.Context) ([]Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.positions))
	lev := decimal.NewFromFloat(p.cfg.Leverage)
	for inst, pos := range p.positions {
		mark := decimal.NewFromFloat(p.marks[inst])
		if !mark.IsPositive() {
			mark = pos.avg
		}
		upnl := mark.Sub(pos.avg).Mul(pos.size)
		if pos.side == Short {
			upnl = upnl.Neg()
		}
		out = append(out, Position{
			Instrument:    inst,
			Side:          pos.side,
			Size:          pos.size.InexactFloat64(),
			AvgEntryPrice: pos.avg.InexactFloat64(),
			MarkPrice:     mark.InexactFloat64(),
			UnrealizedPnL: upnl.InexactFloat64(),
			Margin:        pos.size.Mul(mark).Div(lev).InexactFloat64(),
			Leverage:      p.cfg.Leverage,
			OpenedAt:      pos.openedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out, nil
}
