package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"turtle-futures-bot/internal/broker"
	"turtle-futures-bot/internal/execution"
	"turtle-futures-bot/internal/logging"
)

// DefaultMaxUnits caps pyramiding
const DefaultMaxUnits = 4

var ErrInvalidContext = errors.New("strategy context invariant violated")

// ErrPositionMismatch is a broker position the context cannot adopt
var ErrPositionMismatch = errors.New("broker position does not match context")

// Executor places and closes orders for a context. *execution.Coordinator implements it.
type Executor interface {
	Place(ctx context.Context, target execution.Target, price decimal.Decimal, dir broker.Direction) (*execution.Result, error)
	ClosePosition(ctx context.Context, target execution.Target, lots int64, dir broker.Direction, price decimal.Decimal) (*execution.Result, error)
}

// Context is the strategy state of one instrument. It is owned by at most
// one flow at a time and is not safe for concurrent use.
type Context struct {
	Instrument broker.Instrument `json:"instrument"`
	Data       HistoricalData    `json:"data"`

	State       StateKind         `json:"state"`
	Side        Side              `json:"side"`
	Units       int               `json:"units"`
	MaxUnits    int               `json:"max_units"`
	EntryPrices []decimal.Decimal `json:"entry_prices"`
	StopLevels  []decimal.Decimal `json:"stop_levels"`
	Quantity    int64             `json:"quantity"`
	NoClose     bool              `json:"no_close"` // last close was partial
	LastAction  Action            `json:"last_action"`
	OpenedAt    *time.Time        `json:"opened_at,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// NewContext creates an idle context for inst
func NewContext(inst broker.Instrument, data HistoricalData, maxUnits int) *Context {
	if maxUnits <= 0 {
		maxUnits = DefaultMaxUnits
	}
	c := &Context{
		Instrument:  inst,
		MaxUnits:    maxUnits,
		EntryPrices: []decimal.Decimal{},
		StopLevels:  []decimal.Decimal{},
	}
	c.Reset()
	c.UpdateData(data)
	return c
}

func (c *Context) maxUnits() int {
	if c.MaxUnits <= 0 {
		return DefaultMaxUnits
	}
	return c.MaxUnits
}

// HasLevels reports whether breakout levels are known
func (c *Context) HasLevels() bool {
	return c.Data.BreakoutLong.IsPositive() && c.Data.BreakoutShort.IsPositive()
}

// Target is what the executor needs to size and price orders
func (c *Context) Target() execution.Target {
	return execution.Target{Instrument: c.Instrument, ATR: c.Data.ATR}
}

// Reset returns the context to Idle with empty ladders. Channel data is kept.
func (c *Context) Reset() {
	c.State = StateIdle
	c.Side = SideFlat
	c.Units = 0
	c.EntryPrices = c.EntryPrices[:0]
	c.StopLevels = c.StopLevels[:0]
	c.Quantity = 0
	c.NoClose = false
	c.OpenedAt = nil
}

// UpdateData replaces the volatility and channel levels. At max units the
// last stop is moved to the exit channel if that is more favorable; it is
// never moved the other way. Reports whether the stop moved.
func (c *Context) UpdateData(data HistoricalData) bool {
	c.Data = data
	c.UpdatedAt = time.Now().UTC()

	if c.State != StateTradeOpen || len(c.StopLevels) == 0 {
		return false
	}
	last := c.StopLevels[len(c.StopLevels)-1]
	if !c.applyStop(c.tightenedStop(last)) {
		return false
	}
	c.LastAction = ActionTightenStop
	return true
}

// tightenedStop returns stop moved to the exit channel when at max units
// and the channel is more favorable
func (c *Context) tightenedStop(stop decimal.Decimal) decimal.Decimal {
	if c.Units < c.maxUnits() {
		return stop
	}
	switch c.Side {
	case SideLong:
		if c.Data.ExitLong.IsPositive() && c.Data.ExitLong.GreaterThan(stop) {
			return c.Data.ExitLong
		}
	case SideShort:
		if c.Data.ExitShort.IsPositive() && c.Data.ExitShort.LessThan(stop) {
			return c.Data.ExitShort
		}
	}
	return stop
}

// applyStop replaces the last stop, only in the favorable direction
func (c *Context) applyStop(stop decimal.Decimal) bool {
	if len(c.StopLevels) == 0 || stop.IsZero() {
		return false
	}
	i := len(c.StopLevels) - 1
	last := c.StopLevels[i]
	switch {
	case c.Side == SideLong && stop.GreaterThan(last),
		c.Side == SideShort && stop.LessThan(last):
		c.StopLevels[i] = stop
		return true
	}
	return false
}

// OnNewPrice evaluates price and runs the resulting order through exec. It
// reports whether the context changed. An order failure leaves the position
// untouched and is returned after being logged.
func (c *Context) OnNewPrice(ctx context.Context, price decimal.Decimal, exec Executor) (bool, error) {
	logger := logging.InstrumentContext(logging.FromContext(ctx), c.Instrument.Symbol, string(c.State))

	d := Decide(c, price)
	switch d.Action {
	case ActionOpen, ActionScale:
		logger.Info().
			Str("action", string(d.Action)).
			Str("side", string(d.Side)).
			Str("price", price.String()).
			Int("units", c.Units).
			Msg("Entry signal")
		return c.open(ctx, logger, d, exec)

	case ActionClose:
		logger.Info().
			Str("side", string(c.Side)).
			Str("price", price.String()).
			Str("stop", d.Stop.String()).
			Int64("quantity", c.Quantity).
			Bool("resume", c.NoClose).
			Msg("Exit signal")
		return c.close(ctx, logger, d, exec)

	case ActionTightenStop:
		if !c.applyStop(d.Stop) {
			return false, nil
		}
		c.LastAction = ActionTightenStop
		c.UpdatedAt = time.Now().UTC()
		logger.Info().Str("stop", d.Stop.String()).Msg("Stop moved to exit channel")
		return true, nil
	}
	return false, nil
}

func (c *Context) open(ctx context.Context, logger zerolog.Logger, d Decision, exec Executor) (bool, error) {
	res, err := exec.Place(ctx, c.Target(), d.Price, d.Side.OpenDirection())
	if err != nil {
		logger.Error().Err(err).Str("action", string(d.Action)).Str("price", d.Price.String()).Msg("Order placement failed")
		return false, err
	}
	executed := res.ExecutedLots()
	if executed <= 0 {
		return false, nil
	}

	entry := res.AveragePrice()
	step := c.Data.ATR.Mul(half)
	stop := entry.Sub(step)
	if d.Side == SideShort {
		stop = entry.Add(step)
	}

	c.State = StateTradeOpen
	c.Side = d.Side
	c.Units++
	c.EntryPrices = append(c.EntryPrices, entry)
	c.StopLevels = append(c.StopLevels, stop)
	c.Quantity += executed
	c.LastAction = d.Action
	c.UpdatedAt = time.Now().UTC()
	if c.Units == 1 {
		opened := c.UpdatedAt
		if len(res.Fills) > 0 && !res.Fills[0].At.IsZero() {
			opened = res.Fills[0].At
		}
		c.OpenedAt = &opened
	}
	c.applyStop(c.tightenedStop(stop))

	logger.Info().
		Str("action", string(d.Action)).
		Str("side", string(c.Side)).
		Str("entry", entry.String()).
		Str("stop", c.StopLevels[len(c.StopLevels)-1].String()).
		Int("units", c.Units).
		Int64("quantity", c.Quantity).
		Str("outcome", res.Outcome.String()).
		Msg("Position opened")
	return true, nil
}

func (c *Context) close(ctx context.Context, logger zerolog.Logger, d Decision, exec Executor) (bool, error) {
	tightened := c.applyStop(d.Stop)

	lots := c.Quantity
	if lots <= 0 {
		logger.Warn().Msg("Nothing left to close, resetting")
		c.Reset()
		c.LastAction = ActionClose
		return true, nil
	}

	res, err := exec.ClosePosition(ctx, c.Target(), lots, c.Side.CloseDirection(), d.Price)
	if err != nil {
		logger.Error().Err(err).Str("price", d.Price.String()).Int64("quantity", lots).Msg("Close failed")
		return tightened, err
	}

	executed := res.ExecutedLots()
	c.UpdatedAt = time.Now().UTC()
	if res.FullyClosed || executed >= lots {
		logger.Info().
			Str("price", res.AveragePrice().String()).
			Int64("quantity", executed).
			Msg("Position closed")
		c.Reset()
		c.LastAction = ActionClose
		return true, nil
	}

	c.Quantity -= executed
	c.NoClose = true
	c.LastAction = ActionPartialClose
	logger.Warn().
		Int64("closed", executed).
		Int64("remaining", c.Quantity).
		Msg("Position closed partially")
	return true, nil
}

// Reconcile adopts the broker's signed position in lots. A flat broker
// resets an open trade and a differing size replaces Quantity. A position
// the context does not hold, or one on the other side, is left alone and
// reported. Reports whether the context changed.
func (c *Context) Reconcile(lots int64) (bool, error) {
	if lots == 0 {
		if c.State != StateTradeOpen {
			return false, nil
		}
		c.Reset()
		c.LastAction = ActionReconcile
		c.UpdatedAt = time.Now().UTC()
		return true, nil
	}

	side := SideLong
	if lots < 0 {
		side = SideShort
		lots = -lots
	}
	if c.State != StateTradeOpen || c.Side != side {
		return false, fmt.Errorf("%w: context %s/%s, broker %s %d lots", ErrPositionMismatch, c.State, c.Side, side, lots)
	}
	if c.Quantity == lots {
		return false, nil
	}
	c.Quantity = lots
	c.LastAction = ActionReconcile
	c.UpdatedAt = time.Now().UTC()
	return true, nil
}

// Validate checks the ladder invariants
func (c *Context) Validate() error {
	if len(c.EntryPrices) != c.Units || len(c.StopLevels) != c.Units {
		return fmt.Errorf("%w: units=%d entries=%d stops=%d", ErrInvalidContext, c.Units, len(c.EntryPrices), len(c.StopLevels))
	}
	if c.Units > c.maxUnits() {
		return fmt.Errorf("%w: units %d above max %d", ErrInvalidContext, c.Units, c.maxUnits())
	}
	if c.Quantity < 0 {
		return fmt.Errorf("%w: negative quantity %d", ErrInvalidContext, c.Quantity)
	}
	if c.Side == SideFlat && (c.Units != 0 || c.Quantity != 0) {
		return fmt.Errorf("%w: flat with units=%d quantity=%d", ErrInvalidContext, c.Units, c.Quantity)
	}
	if (c.State == StateIdle) != (c.Side == SideFlat) {
		return fmt.Errorf("%w: state %s with side %s", ErrInvalidContext, c.State, c.Side)
	}
	return nil
}

// Snapshot is a read-only view of the position used by notifications and the API
type Snapshot struct {
	Symbol        string            `json:"symbol"`
	Name          string            `json:"name,omitempty"`
	State         StateKind         `json:"state"`
	Direction     Side              `json:"direction"`
	Units         int               `json:"units"`
	MaxUnits      int               `json:"max_units"`
	EntryPrices   []decimal.Decimal `json:"entry_prices"`
	StopLevels    []decimal.Decimal `json:"stop_levels"`
	Quantity      int64             `json:"quantity"`
	ATR           decimal.Decimal   `json:"atr"`
	BreakoutLong  decimal.Decimal   `json:"breakout_long"`
	BreakoutShort decimal.Decimal   `json:"breakout_short"`
	ExitLong      decimal.Decimal   `json:"exit_long"`
	ExitShort     decimal.Decimal   `json:"exit_short"`
	OpenedAt      *time.Time        `json:"opened_at,omitempty"`
	NoClose       bool              `json:"no_close"`
	LastAction    Action            `json:"last_action"`
}

// Snapshot copies the current position
func (c *Context) Snapshot() Snapshot {
	s := Snapshot{
		Symbol:        c.Instrument.Symbol,
		Name:          c.Instrument.Name,
		State:         c.State,
		Direction:     c.Side,
		Units:         c.Units,
		MaxUnits:      c.maxUnits(),
		EntryPrices:   append([]decimal.Decimal(nil), c.EntryPrices...),
		StopLevels:    append([]decimal.Decimal(nil), c.StopLevels...),
		Quantity:      c.Quantity,
		ATR:           c.Data.ATR,
		BreakoutLong:  c.Data.BreakoutLong,
		BreakoutShort: c.Data.BreakoutShort,
		ExitLong:      c.Data.ExitLong,
		ExitShort:     c.Data.ExitShort,
		NoClose:       c.NoClose,
		LastAction:    c.LastAction,
	}
	if c.OpenedAt != nil {
		t := *c.OpenedAt
		s.OpenedAt = &t
	}
	return s
}

// Describe renders the snapshot as notification text
func (s Snapshot) Describe() string {
	var b strings.Builder
	name := s.Symbol
	if s.Name != "" {
		name = fmt.Sprintf("%s (%s)", s.Name, s.Symbol)
	}
	fmt.Fprintf(&b, "%s: %s\n", name, s.LastAction)
	fmt.Fprintf(&b, "State: %s, direction: %s\n", s.State, s.Direction)
	fmt.Fprintf(&b, "Units: %d/%d, quantity: %d\n", s.Units, s.MaxUnits, s.Quantity)
	if len(s.EntryPrices) > 0 {
		fmt.Fprintf(&b, "Entries: %s\n", joinDecimals(s.EntryPrices))
		fmt.Fprintf(&b, "Stops: %s\n", joinDecimals(s.StopLevels))
	}
	fmt.Fprintf(&b, "ATR: %s, channel: %s / %s", s.ATR.StringFixed(4), s.BreakoutLong, s.BreakoutShort)
	if s.OpenedAt != nil {
		fmt.Fprintf(&b, "\nOpened: %s", s.OpenedAt.Format("2006-01-02 15:04:05"))
	}
	if s.NoClose {
		b.WriteString("\nClose incomplete, retrying on next tick")
	}
	return b.String()
}

func joinDecimals(values []decimal.Decimal) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = v.String()
	}
	return strings.Join(parts, ", ")
}
