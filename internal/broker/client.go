package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrSubmission wraps transport failures while talking to the broker
	ErrSubmission = errors.New("order submission failed")
	// ErrOrderNotFound is returned when the broker does not know the order id
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderNotOpen is returned when cancelling or replacing an order that already finished
	ErrOrderNotOpen = errors.New("order is no longer open")
	// ErrUnknownInstrument is returned for symbols without registered metadata
	ErrUnknownInstrument = errors.New("unknown instrument")
)

// SubmissionError is a submission that failed after the order id was
// assigned. The broker may still have accepted the order under OrderID.
type SubmissionError struct {
	OrderID string
	Err     error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%v (client order id %s)", e.Err, e.OrderID)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Client is the order protocol consumed by the execution coordinator
type Client interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (string, error)
	GetOrderStatus(ctx context.Context, instrumentID, orderID string) (*OrderState, error)
	CancelOrder(ctx context.Context, instrumentID, orderID string) error
	ReplaceOrder(ctx context.Context, instrumentID, orderID string, newPrice decimal.Decimal, remainingLots int64) (string, error)
	GetPortfolioRiskCapital(ctx context.Context) (decimal.Decimal, error)
}

// CandleSource provides historical bars for indicator calculation
type CandleSource interface {
	GetCandles(ctx context.Context, instrumentID, interval string, limit int) ([]Candle, error)
}

// CapitalSource provides account risk capital
type CapitalSource interface {
	GetPortfolioRiskCapital(ctx context.Context) (decimal.Decimal, error)
}

// PositionSource reports the net position the broker holds for an instrument
type PositionSource interface {
	GetPosition(ctx context.Context, instrumentID string) (*Position, error)
}
