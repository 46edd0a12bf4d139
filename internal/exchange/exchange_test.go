package exchange

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memJournal struct{ kinds []string }

func (m *memJournal) Append(kind string, _ any) error {
	m.kinds = append(m.kinds, kind)
	return nil
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", Transient(errors.New("x")), true},
		{"wrapped transient", fmt.Errorf("place: %w", ErrTransient), true},
		{"rejected", &RejectedError{Code: "51008", Reason: "insufficient margin"}, false},
		{"wrapped rejected", fmt.Errorf("place: %w", &RejectedError{Reason: "x"}), false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"net timeout", timeoutErr{}, true},
		{"rate limit text", errors.New("Rate limit exceeded"), true},
		{"okx busy", errors.New("code 50011"), true},
		{"not found", ErrOrderNotFound, false},
		{"other", errors.New("invalid instrument"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Retryable(tc.err))
		})
	}
}

func newPaper(j Journal) *Paper {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return NewPaper(PaperConfig{
		FeeRate:  0.0005,
		LotSize:  0.001,
		Leverage: 10,
		Clock:    func() time.Time { return now },
		Journal:  j,
	})
}

func TestPaper_MarketRoundTrip(t *testing.T) {
	ctx := context.Background()
	j := &memJournal{}
	p := newPaper(j)

	_, err := p.PlaceOrder(ctx, OrderRequest{Instrument: "BTC", Side: Buy, Type: Market, Size: 1})
	var rej *RejectedError
	require.ErrorAs(t, err, &rej, "no mark yet")

	p.Mark("BTC", 100)
	o, err := p.PlaceOrder(ctx, OrderRequest{ClientID: "c1", Instrument: "BTC", Side: Buy, Type: Market, Size: 2.0004})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, o.Status)
	assert.InDelta(t, 2.0, o.Size, 1e-12, "quantized to lot")
	assert.InDelta(t, 100, o.AvgFillPrice, 1e-9)
	assert.InDelta(t, 0.1, o.Fee, 1e-9)

	again, err := p.PlaceOrder(ctx, OrderRequest{ClientID: "c1", Instrument: "BTC", Side: Buy, Type: Market, Size: 5})
	require.NoError(t, err)
	assert.Equal(t, o.ID, again.ID, "same client id is idempotent")

	p.Mark("BTC", 110)
	pos, err := p.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, Long, pos[0].Side)
	assert.InDelta(t, 20, pos[0].UnrealizedPnL, 1e-9)
	assert.InDelta(t, 22, pos[0].Margin, 1e-9)

	exit, err := p.PlaceOrder(ctx, OrderRequest{Instrument: "BTC", Side: Sell, Type: Market, Size: 10, ReduceOnly: true})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, exit.FilledSize, 1e-12, "reduce-only capped to position")

	pos, _ = p.GetPositions(ctx)
	assert.Empty(t, pos)
	assert.Equal(t, []string{"fill", "fill"}, j.kinds)

	_, err = p.PlaceOrder(ctx, OrderRequest{Instrument: "BTC", Side: Sell, Type: Market, Size: 1, ReduceOnly: true})
	require.ErrorAs(t, err, &rej)
}

func TestPaper_LimitAndCancel(t *testing.T) {
	ctx := context.Background()
	p := newPaper(nil)
	p.Mark("ETH", 10)
	px := 9.0

	o, err := p.PlaceOrder(ctx, OrderRequest{Instrument: "ETH", Side: Buy, Type: Limit, Size: 1, Price: &px})
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, o.Status)

	open, _ := p.GetOpenOrders(ctx)
	require.Len(t, open, 1)

	p.Mark("ETH", 8.5)
	got, err := p.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, got.Status)
	assert.InDelta(t, 9.0, got.AvgFillPrice, 1e-9)

	_, err = p.CancelOrder(ctx, o.ID)
	var rej *RejectedError
	assert.ErrorAs(t, err, &rej)

	o2, _ := p.PlaceOrder(ctx, OrderRequest{Instrument: "ETH", Side: Buy, Type: Limit, Size: 1, Price: &px})
	c, err := p.CancelOrder(ctx, o2.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, c.Status)

	_, err = p.GetOrder(ctx, "nope")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestPaper_MarketableLimitFillsAtMark(t *testing.T) {
	ctx := context.Background()
	p := newPaper(nil)
	p.Mark("ETH", 10)

	cases := []struct {
		name  string
		side  Side
		limit float64
	}{
		{"buy above mark", Buy, 10.5},
		{"sell below mark", Sell, 9.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			px := tc.limit
			o, err := p.PlaceOrder(ctx, OrderRequest{Instrument: "ETH", Side: tc.side, Type: Limit, Size: 1, Price: &px})
			require.NoError(t, err)
			assert.Equal(t, StatusFilled, o.Status)
			assert.InDelta(t, 10.0, o.AvgFillPrice, 1e-9)
		})
	}
}

func TestPaper_FlipPosition(t *testing.T) {
	ctx := context.Background()
	p := newPaper(nil)
	p.Mark("SOL", 50)
	_, err := p.PlaceOrder(ctx, OrderRequest{Instrument: "SOL", Side: Sell, Type: Market, Size: 1})
	require.NoError(t, err)
	_, err = p.PlaceOrder(ctx, OrderRequest{Instrument: "SOL", Side: Buy, Type: Market, Size: 3})
	require.NoError(t, err)

	pos, _ := p.GetPositions(ctx)
	require.Len(t, pos, 1)
	assert.Equal(t, Long, pos[0].Side)
	assert.InDelta(t, 2, pos[0].Size, 1e-12)
}

func TestPaper_FailNext(t *testing.T) {
	p := newPaper(nil)
	p.Mark("BTC", 1)
	p.FailNext(Transient(errors.New("timeout")))
	_, err := p.PlaceOrder(context.Background(), OrderRequest{Instrument: "BTC", Side: Buy, Type: Market, Size: 1})
	assert.ErrorIs(t, err, ErrTransient)
	_, err = p.PlaceOrder(context.Background(), OrderRequest{Instrument: "BTC", Side: Buy, Type: Market, Size: 1})
	assert.NoError(t, err)
}

func TestLimited(t *testing.T) {
	p := newPaper(nil)
	p.Mark("BTC", 1)
	l := NewLimited(p, 1000, 1)
	_, err := l.PlaceOrder(context.Background(), OrderRequest{Instrument: "BTC", Side: Buy, Type: Market, Size: 1})
	require.NoError(t, err)
	pos, err := l.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Len(t, pos, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.GetOpenOrders(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, Retryable(err))
}
