// Package exchange defines the exchange client the engine trades through and
// its wire types.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var (
	// ErrTransient marks a failure worth retrying.
	ErrTransient = errors.New("exchange: transient error")
	// ErrOrderNotFound is returned by GetOrder and CancelOrder for unknown ids.
	ErrOrderNotFound = errors.New("exchange: order not found")
)

// RejectedError is a definitive refusal. It is never retried.
type RejectedError struct {
	Code   string
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Code == "" {
		return "exchange rejected order: " + e.Reason
	}
	return fmt.Sprintf("exchange rejected order: %s (%s)", e.Reason, e.Code)
}

// Transient wraps err so errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

var retryablePatterns = []string{
	"timeout",
	"network",
	"connection",
	"server error",
	"service unavailable",
	"rate limit",
	"busy",
	"temporar",
	"try again",
	"50001", // okx server error
	"50004", // okx request timeout
	"50011", // okx system busy
}

// Retryable classifies err. Rejections and caller cancellation never retry.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var rej *RejectedError
	if errors.As(err, &rej) || errors.Is(err, context.Canceled) || errors.Is(err, ErrOrderNotFound) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// Closing returns the order side that reduces a position of this side.
func (s PositionSide) Closing() Side {
	if s == Long {
		return Sell
	}
	return Buy
}

// Opening returns the position side an order of side s opens.
func (s Side) Opening() PositionSide {
	if s == Buy {
		return Long
	}
	return Short
}

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

type Status string

const (
	StatusNew             Status = "new"
	StatusSubmitted       Status = "submitted"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusCancelled       Status = "cancelled"
	StatusRejected        Status = "rejected"
)

func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// OrderRequest is what the engine asks the exchange to place.
type OrderRequest struct {
	ClientID   string    `json:"client_id"`
	Instrument string    `json:"instrument"`
	Side       Side      `json:"side"`
	Type       OrderType `json:"type"`
	Size       float64   `json:"size"`
	Price      *float64  `json:"price,omitempty"`
	ReduceOnly bool      `json:"reduce_only"`
}

// Order is the exchange's view of one order.
type Order struct {
	ID           string    `json:"id"`
	ClientID     string    `json:"client_id"`
	Instrument   string    `json:"instrument"`
	Side         Side      `json:"side"`
	Type         OrderType `json:"type"`
	Size         float64   `json:"size"`
	Price        *float64  `json:"price,omitempty"`
	ReduceOnly   bool      `json:"reduce_only"`
	Status       Status    `json:"status"`
	FilledSize   float64   `json:"filled_size"`
	AvgFillPrice float64   `json:"avg_fill_price"`
	Fee          float64   `json:"fee"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Position is exchange-authoritative. Size is always positive.
type Position struct {
	Instrument    string       `json:"instrument"`
	Side          PositionSide `json:"side"`
	Size          float64      `json:"size"`
	AvgEntryPrice float64      `json:"avg_entry_price"`
	MarkPrice     float64      `json:"mark_price"`
	UnrealizedPnL float64      `json:"unrealized_pnl"`
	Margin        float64      `json:"margin"`
	Leverage      float64      `json:"leverage"`
	OpenedAt      time.Time    `json:"opened_at"`
}

// Notional is the marked value of the position.
func (p Position) Notional() float64 {
	price := p.MarkPrice
	if price <= 0 {
		price = p.AvgEntryPrice
	}
	return p.Size * price
}

// Client is everything the engine needs from an exchange. Every call may fail
// and is treated as retryable unless it returns a *RejectedError.
type Client interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, id string) (Order, error)
	GetOrder(ctx context.Context, id string) (Order, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetOpenOrders(ctx context.Context) ([]Order, error)
}
