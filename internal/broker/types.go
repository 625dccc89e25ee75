package broker

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of an order
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Opposite returns the closing direction for a position opened with d
func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// OrderStatus represents the lifecycle state reported by the broker
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// IsOpen reports whether the order can still execute
func (s OrderStatus) IsOpen() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled
}

// OrderRequest is a limit order for a number of lots
type OrderRequest struct {
	InstrumentID string          `json:"instrument_id"`
	Direction    Direction       `json:"direction"`
	Lots         int64           `json:"lots"`
	Price        decimal.Decimal `json:"price"`
}

// OrderState is the broker view of one order
type OrderState struct {
	OrderID       string          `json:"order_id"`
	InstrumentID  string          `json:"instrument_id"`
	Status        OrderStatus     `json:"status"`
	Direction     Direction       `json:"direction"`
	RequestedLots int64           `json:"requested_lots"`
	ExecutedLots  int64           `json:"executed_lots"`
	InitialPrice  decimal.Decimal `json:"initial_price"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// RemainingLots returns the unfilled quantity
func (o *OrderState) RemainingLots() int64 {
	rem := o.RequestedLots - o.ExecutedLots
	if rem < 0 {
		return 0
	}
	return rem
}

// Instrument describes a tradable futures contract
type Instrument struct {
	Symbol    string          `json:"symbol"`
	Name      string          `json:"name,omitempty"`
	TickSize  decimal.Decimal `json:"tick_size"`
	TickValue decimal.Decimal `json:"tick_value"` // money value of one tick per lot
	LotSize   decimal.Decimal `json:"lot_size"`   // contract amount per lot
}

// PointValue is the money value of a one unit price move per lot.
func (i Instrument) PointValue() decimal.Decimal {
	if i.TickSize.IsZero() {
		return i.TickValue
	}
	return i.TickValue.Div(i.TickSize)
}

// RoundDownToTick floors price to the instrument's tick increment
func (i Instrument) RoundDownToTick(price decimal.Decimal) decimal.Decimal {
	return RoundDown(price, i.TickSize)
}

// Lots converts a base-asset quantity into whole lots
func (i Instrument) Lots(qty decimal.Decimal) int64 {
	if i.LotSize.IsZero() {
		return qty.IntPart()
	}
	return qty.Div(i.LotSize).Floor().IntPart()
}

// Quantity converts lots into a base-asset quantity
func (i Instrument) Quantity(lots int64) decimal.Decimal {
	q := decimal.NewFromInt(lots)
	if i.LotSize.IsZero() {
		return q
	}
	return q.Mul(i.LotSize)
}

// RoundDown floors value to a multiple of step
func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// Candle is one OHLC bar
type Candle struct {
	OpenTime  time.Time       `json:"open_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	CloseTime time.Time       `json:"close_time"`
}

// Position is the broker's net position. Lots is signed, long > 0.
type Position struct {
	InstrumentID string
	Lots         int64
	EntryPrice   decimal.Decimal
}

// IsFlat reports whether no position is held
func (p *Position) IsFlat() bool {
	return p == nil || p.Lots == 0
}
