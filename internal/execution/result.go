package execution

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"turtle-futures-bot/internal/broker"
	"turtle-futures-bot/internal/risk"
)

// Outcome distinguishes complete from partial execution
type Outcome int

const (
	OutcomeFilled Outcome = iota
	OutcomePartial
)

func (o Outcome) String() string {
	if o == OutcomeFilled {
		return "filled"
	}
	return "partial"
}

// Fill is the executed part of one broker order
type Fill struct {
	OrderID    string             `json:"order_id"`
	Lots       int64              `json:"lots"`
	Price      decimal.Decimal    `json:"price"`
	Direction  broker.Direction   `json:"direction"`
	Status     broker.OrderStatus `json:"status"`
	Superseded bool               `json:"superseded"` // recorded when the order was replaced
	At         time.Time          `json:"at"`
}

// Result is a successful, possibly partial, execution
type Result struct {
	Outcome       Outcome          `json:"outcome"`
	Direction     broker.Direction `json:"direction"`
	RequestedLots int64            `json:"requested_lots"`
	RequestPrice  decimal.Decimal  `json:"request_price"`
	Fills         []Fill           `json:"fills"`
	FullyClosed   bool             `json:"fully_closed"`
}

// ExecutedLots sums executed lots over every order of the attempt
func (r *Result) ExecutedLots() int64 {
	var total int64
	for _, f := range r.Fills {
		total += f.Lots
	}
	return total
}

// AveragePrice is the lot-weighted fill price. Orders without a reported
// fill price contribute the request price.
func (r *Result) AveragePrice() decimal.Decimal {
	total := r.ExecutedLots()
	if total == 0 {
		return r.RequestPrice
	}
	sum := decimal.Zero
	for _, f := range r.Fills {
		p := f.Price
		if !p.IsPositive() {
			p = r.RequestPrice
		}
		sum = sum.Add(p.Mul(decimal.NewFromInt(f.Lots)))
	}
	return sum.Div(decimal.NewFromInt(total))
}

// Kind classifies a fatal execution failure
type Kind int

const (
	KindZeroQuantity Kind = iota
	KindRejected
	KindNotFilled
	KindTimeout
	KindTransport
	KindInvalid
	KindInterrupted
)

var (
	ErrZeroQuantity   = risk.ErrZeroQuantity
	ErrOrderRejected  = errors.New("order rejected")
	ErrOrderNotFilled = errors.New("order cancelled without fills")
	ErrOrderTimeout   = errors.New("order not filled before attempts ran out")
	ErrTransport      = errors.New("broker transport failure")
	ErrInvalidRequest = errors.New("invalid execution request")
	ErrInterrupted    = errors.New("execution interrupted")
)

func (k Kind) sentinel() error {
	switch k {
	case KindZeroQuantity:
		return ErrZeroQuantity
	case KindRejected:
		return ErrOrderRejected
	case KindNotFilled:
		return ErrOrderNotFilled
	case KindTimeout:
		return ErrOrderTimeout
	case KindTransport:
		return ErrTransport
	case KindInterrupted:
		return ErrInterrupted
	default:
		return ErrInvalidRequest
	}
}

func (k Kind) String() string {
	switch k {
	case KindZeroQuantity:
		return "zero_quantity"
	case KindRejected:
		return "rejected"
	case KindNotFilled:
		return "not_filled"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindInterrupted:
		return "interrupted"
	default:
		return "invalid"
	}
}

// Error is a fatal execution failure. No lots were executed.
type Error struct {
	Kind         Kind
	Op           string
	InstrumentID string
	OrderID      string
	Err          error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Op, e.InstrumentID)
	if e.OrderID != "" {
		msg += " order " + e.OrderID
	}
	msg += ": " + e.Kind.sentinel().Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

// KindOf extracts the failure kind from err
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
