package strategy

import (
	"github.com/shopspring/decimal"

	"turtle-futures-bot/internal/broker"
)

// StateKind is the strategy state variant
type StateKind string

const (
	StateIdle      StateKind = "idle"
	StateTradeOpen StateKind = "trade_open"
)

// Side is the direction of the open position
type Side string

const (
	SideFlat  Side = "flat"
	SideLong  Side = "long"
	SideShort Side = "short"
)

// OpenDirection is the order direction that adds to the position
func (s Side) OpenDirection() broker.Direction {
	if s == SideShort {
		return broker.DirectionSell
	}
	return broker.DirectionBuy
}

// CloseDirection is the order direction that reduces the position
func (s Side) CloseDirection() broker.Direction {
	return s.OpenDirection().Opposite()
}

// Action is what a price update did, or should do, to the context
type Action string

const (
	ActionNone         Action = "none"
	ActionOpen         Action = "open"
	ActionScale        Action = "scale"
	ActionTightenStop  Action = "tighten_stop"
	ActionPartialClose Action = "partial_close"
	ActionClose        Action = "close"
	ActionReconcile    Action = "reconcile"
)

var half = decimal.NewFromFloat(0.5)

// Decision is the outcome of evaluating one price against a context
type Decision struct {
	Action Action
	Side   Side
	// Price is the order price for open, scale and close
	Price decimal.Decimal
	// Stop is the effective last stop after any tightening
	Stop decimal.Decimal
}

// Decide evaluates price against the context without mutating it.
//
// Idle opens on a breakout by more than one tick. TradeOpen checks, in order:
// scale-in, stop tightening at max units, then exit at the stop level. A
// context left with NoClose retries the close before anything else.
func Decide(c *Context, price decimal.Decimal) Decision {
	switch c.State {
	case StateTradeOpen:
		return decideTradeOpen(c, price)
	default:
		return decideIdle(c, price)
	}
}

func decideIdle(c *Context, price decimal.Decimal) Decision {
	if !c.HasLevels() {
		return Decision{Action: ActionNone}
	}
	tick := c.Instrument.TickSize

	if price.GreaterThanOrEqual(c.Data.BreakoutLong.Add(tick)) {
		return Decision{Action: ActionOpen, Side: SideLong, Price: price}
	}
	if price.LessThan(c.Data.BreakoutShort.Sub(tick)) {
		return Decision{Action: ActionOpen, Side: SideShort, Price: price}
	}
	return Decision{Action: ActionNone}
}

func decideTradeOpen(c *Context, price decimal.Decimal) Decision {
	if len(c.EntryPrices) == 0 || len(c.StopLevels) == 0 {
		return Decision{Action: ActionNone}
	}
	stop := c.StopLevels[len(c.StopLevels)-1]

	if c.NoClose {
		return Decision{Action: ActionClose, Side: c.Side, Price: stop, Stop: stop}
	}

	entry := c.EntryPrices[len(c.EntryPrices)-1]
	step := c.Data.ATR.Mul(half)

	if c.Units < c.maxUnits() {
		switch c.Side {
		case SideLong:
			if price.GreaterThanOrEqual(entry.Add(step)) {
				return Decision{Action: ActionScale, Side: SideLong, Price: price, Stop: stop}
			}
		case SideShort:
			if price.LessThanOrEqual(entry.Sub(step)) {
				return Decision{Action: ActionScale, Side: SideShort, Price: price, Stop: stop}
			}
		}
	}

	tightened := c.tightenedStop(stop)

	switch c.Side {
	case SideLong:
		if price.LessThan(tightened) {
			return Decision{Action: ActionClose, Side: SideLong, Price: tightened, Stop: tightened}
		}
	case SideShort:
		if price.GreaterThan(tightened) {
			return Decision{Action: ActionClose, Side: SideShort, Price: tightened, Stop: tightened}
		}
	}

	if !tightened.Equal(stop) {
		return Decision{Action: ActionTightenStop, Side: c.Side, Stop: tightened}
	}
	return Decision{Action: ActionNone, Side: c.Side, Stop: stop}
}
