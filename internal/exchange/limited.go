package exchange

import (
	"context"

	"golang.org/x/time/rate"
)

// Limited throttles every call to the wrapped client through one token bucket.
type Limited struct {
	next    Client
	limiter *rate.Limiter
}

func NewLimited(next Client, perSecond float64, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *Limited) wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// wait would outlast the deadline
		return Transient(err)
	}
	return nil
}

func (l *Limited) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if err := l.wait(ctx); err != nil {
		return Order{}, err
	}
	return l.next.PlaceOrder(ctx, req)
}

func (l *Limited) CancelOrder(ctx context.Context, id string) (Order, error) {
	if err := l.wait(ctx); err != nil {
		return Order{}, err
	}
	return l.next.CancelOrder(ctx, id)
}

func (l *Limited) GetOrder(ctx context.Context, id string) (Order, error) {
	if err := l.wait(ctx); err != nil {
		return Order{}, err
	}
	return l.next.GetOrder(ctx, id)
}

func (l *Limited) GetPositions(ctx context.Context) ([]Position, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.next.GetPositions(ctx)
}

func (l *Limited) GetOpenOrders(ctx context.Context) ([]Order, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.next.GetOpenOrders(ctx)
}
