package execution

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"turtle-futures-bot/internal/broker"
	"turtle-futures-bot/internal/logging"
	"turtle-futures-bot/internal/risk"
)

const cancelTimeout = 10 * time.Second

var half = decimal.NewFromFloat(0.5)

// Policy bounds one polling loop
type Policy struct {
	MaxAttempts   int
	RetryInterval time.Duration
	SettleDelay   time.Duration
}

// DefaultOpenPolicy and DefaultClosePolicy are the polling bounds for entries and exits
var (
	DefaultOpenPolicy  = Policy{MaxAttempts: 500, RetryInterval: 30 * time.Second, SettleDelay: 10 * time.Second}
	DefaultClosePolicy = Policy{MaxAttempts: 100, RetryInterval: 10 * time.Second, SettleDelay: 10 * time.Second}
)

// PriceWatcher exposes the freshest price seen for an instrument while a flow is in flight
type PriceWatcher interface {
	Latest(instrumentID string) (decimal.Decimal, bool)
}

// Observer receives execution events, used for metrics
type Observer interface {
	OrderSubmitted(instrumentID string, dir broker.Direction)
	OrderReplaced(instrumentID string)
	ExecutionFinished(instrumentID, op, outcome string)
}

type nopObserver struct{}

func (nopObserver) OrderSubmitted(string, broker.Direction)   {}
func (nopObserver) OrderReplaced(string)                     {}
func (nopObserver) ExecutionFinished(string, string, string) {}

// Target identifies what is being traded and its current volatility
type Target struct {
	Instrument broker.Instrument
	ATR        decimal.Decimal
}

// Coordinator submits limit orders, polls them to completion, re-prices them
// when the market runs away and reconciles partial fills. It keeps no state
// between calls.
type Coordinator struct {
	client   broker.Client
	capital  broker.CapitalSource
	prices   PriceWatcher
	sizer    risk.Sizer
	open     Policy
	close    Policy
	observer Observer
	sleep    func(ctx context.Context, d time.Duration) error
	logger   zerolog.Logger
}

// Option customizes a Coordinator
type Option func(*Coordinator)

// WithObserver attaches an execution observer
func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithCapitalSource overrides where risk capital is read from
func WithCapitalSource(src broker.CapitalSource) Option {
	return func(c *Coordinator) {
		if src != nil {
			c.capital = src
		}
	}
}

// WithSleep replaces the poll delay function
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) {
		c.sleep = sleep
	}
}

// NewCoordinator creates a coordinator over a broker client
func NewCoordinator(client broker.Client, prices PriceWatcher, sizer risk.Sizer, open, close Policy, logger zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		client:   client,
		capital:  client,
		prices:   prices,
		sizer:    sizer,
		open:     open,
		close:    close,
		observer: nopObserver{},
		sleep:    sleepCtx,
		logger:   logging.Component(logger, "execution"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Place sizes and opens one unit at price in direction dir
func (c *Coordinator) Place(ctx context.Context, target Target, price decimal.Decimal, dir broker.Direction) (*Result, error) {
	symbol := target.Instrument.Symbol

	capital, err := c.capital.GetPortfolioRiskCapital(ctx)
	if err != nil {
		c.observer.ExecutionFinished(symbol, "open", KindTransport.String())
		return nil, &Error{Kind: KindTransport, Op: "open", InstrumentID: symbol, Err: err}
	}

	lots, err := c.sizer.Quantity(target.Instrument.PointValue(), capital, target.ATR)
	if err != nil {
		kind := KindInvalid
		if errors.Is(err, risk.ErrZeroQuantity) {
			kind = KindZeroQuantity
		}
		c.observer.ExecutionFinished(symbol, "open", kind.String())
		return nil, &Error{Kind: kind, Op: "open", InstrumentID: symbol, Err: err}
	}

	return c.execute(ctx, "open", target, lots, price, dir, c.open)
}

// ClosePosition sells or buys back lots at price. Result.FullyClosed reports
// whether the whole quantity executed.
func (c *Coordinator) ClosePosition(ctx context.Context, target Target, lots int64, dir broker.Direction, price decimal.Decimal) (*Result, error) {
	if lots <= 0 {
		return nil, &Error{Kind: KindInvalid, Op: "close", InstrumentID: target.Instrument.Symbol}
	}
	res, err := c.execute(ctx, "close", target, lots, price, dir, c.close)
	if res != nil {
		res.FullyClosed = res.ExecutedLots() >= lots
	}
	return res, err
}

// attempt is the coordinator-local view of one execution
type attempt struct {
	op      string
	target  Target
	dir     broker.Direction
	lots    int64
	price   decimal.Decimal
	orderID string
	fills   []Fill
	current *broker.OrderState
	logger  zerolog.Logger
}

func (a *attempt) executed() int64 {
	var total int64
	for _, f := range a.fills {
		total += f.Lots
	}
	if a.current != nil {
		total += a.current.ExecutedLots
	}
	return total
}

func (a *attempt) record(st *broker.OrderState, superseded bool) {
	if st == nil {
		return
	}
	a.fills = append(a.fills, Fill{
		OrderID:    st.OrderID,
		Lots:       st.ExecutedLots,
		Price:      st.AvgFillPrice,
		Direction:  a.dir,
		Status:     st.Status,
		Superseded: superseded,
		At:         st.UpdatedAt,
	})
}

func (c *Coordinator) execute(ctx context.Context, op string, target Target, lots int64, price decimal.Decimal, dir broker.Direction, policy Policy) (*Result, error) {
	inst := target.Instrument
	a := &attempt{
		op:     op,
		target: target,
		dir:    dir,
		lots:   lots,
		price:  inst.RoundDownToTick(price),
	}
	a.logger = c.logger.With().
		Str("op", op).
		Str("instrument", inst.Symbol).
		Str("direction", string(dir)).
		Int64("requested_lots", lots).
		Logger()

	orderID, err := c.client.SubmitOrder(ctx, broker.OrderRequest{
		InstrumentID: inst.Symbol,
		Direction:    dir,
		Lots:         lots,
		Price:        a.price,
	})
	if err != nil {
		var subErr *broker.SubmissionError
		if errors.As(err, &subErr) && subErr.OrderID != "" {
			// The broker may hold the order even though the call failed
			a.orderID = subErr.OrderID
			c.observer.OrderSubmitted(inst.Symbol, dir)
			return c.transportFailure(ctx, a, "submit", err)
		}
		a.logger.Error().Err(err).Str("price", a.price.String()).Msg("Order submission failed")
		c.observer.ExecutionFinished(inst.Symbol, op, KindTransport.String())
		return nil, &Error{Kind: KindTransport, Op: op, InstrumentID: inst.Symbol, Err: err}
	}
	a.orderID = orderID
	c.observer.OrderSubmitted(inst.Symbol, dir)
	a.logger.Info().Str("order_id", orderID).Str("price", a.price.String()).Msg("Order submitted")

	if err := c.sleep(ctx, policy.SettleDelay); err != nil {
		return c.interrupted(ctx, a, err)
	}

	for n := 1; n <= policy.MaxAttempts; n++ {
		st, err := c.client.GetOrderStatus(ctx, inst.Symbol, a.orderID)
		if err != nil {
			if ctx.Err() != nil {
				return c.interrupted(ctx, a, ctx.Err())
			}
			return c.transportFailure(ctx, a, "poll", err)
		}
		a.current = st

		ol := logging.OrderContext(a.logger, a.orderID, inst.Symbol, string(dir))
		ol.Debug().
			Int("attempt", n).
			Str("status", string(st.Status)).
			Int64("executed_lots", st.ExecutedLots).
			Str("price", a.price.String()).
			Msg("Order polled")

		switch st.Status {
		case broker.OrderStatusFilled:
			return c.finish(a, OutcomeFilled), nil

		case broker.OrderStatusCancelled:
			if a.executed() > 0 {
				return c.finish(a, OutcomePartial), nil
			}
			return nil, c.fail(a, KindNotFilled, nil)

		case broker.OrderStatusRejected:
			// Fills captured on superseded orders are still real executions
			if a.executed() > 0 {
				ol.Warn().Msg("Replacement order rejected after earlier fills")
				return c.finish(a, OutcomePartial), nil
			}
			return nil, c.fail(a, KindRejected, nil)

		case broker.OrderStatusNew, broker.OrderStatusPartiallyFilled:
			if newPrice, ok := c.repriceTarget(a); ok {
				if err := c.replace(ctx, a, st, newPrice); err != nil {
					if ctx.Err() != nil {
						return c.interrupted(ctx, a, ctx.Err())
					}
					return c.transportFailure(ctx, a, "replace", err)
				}
			}
		}

		if n < policy.MaxAttempts {
			if err := c.sleep(ctx, policy.RetryInterval); err != nil {
				return c.interrupted(ctx, a, err)
			}
		}
	}

	return c.exhausted(ctx, a)
}

// repriceTarget reports the new limit price when the latest price has moved
// at least half an ATR against the working order.
func (c *Coordinator) repriceTarget(a *attempt) (decimal.Decimal, bool) {
	if c.prices == nil {
		return decimal.Zero, false
	}
	latest, ok := c.prices.Latest(a.target.Instrument.Symbol)
	if !ok {
		return decimal.Zero, false
	}

	step := a.target.ATR.Mul(half)
	var newPrice decimal.Decimal
	switch a.dir {
	case broker.DirectionBuy:
		if latest.LessThan(a.price.Add(step)) {
			return decimal.Zero, false
		}
		newPrice = a.price.Add(step)
	default:
		if latest.GreaterThan(a.price.Sub(step)) {
			return decimal.Zero, false
		}
		newPrice = a.price.Sub(step)
	}
	return a.target.Instrument.RoundDownToTick(newPrice), true
}

func (c *Coordinator) replace(ctx context.Context, a *attempt, st *broker.OrderState, newPrice decimal.Decimal) error {
	symbol := a.target.Instrument.Symbol
	remaining := a.lots - a.executed()
	if remaining <= 0 {
		return nil
	}

	newID, err := c.client.ReplaceOrder(ctx, symbol, a.orderID, newPrice, remaining)
	if errors.Is(err, broker.ErrOrderNotOpen) {
		// Finished in the meantime; the next poll sees the terminal state
		a.logger.Info().Str("order_id", a.orderID).Msg("Order closed before replace")
		return nil
	}
	var subErr *broker.SubmissionError
	if errors.As(err, &subErr) && subErr.OrderID != "" {
		// Old order withdrawn, replacement possibly live: track the replacement
		// so the caller's cleanup cancels it
		c.supersede(ctx, a, st)
		a.orderID = subErr.OrderID
		a.price = newPrice
		return err
	}
	if err != nil {
		return err
	}

	c.supersede(ctx, a, st)

	a.logger.Info().
		Str("old_order_id", a.orderID).
		Str("new_order_id", newID).
		Str("old_price", a.price.String()).
		Str("new_price", newPrice.String()).
		Int64("executed_lots", a.executed()).
		Int64("remaining_lots", remaining).
		Msg("Order replaced")

	c.observer.OrderReplaced(symbol)
	a.orderID = newID
	a.price = newPrice
	return nil
}

// supersede records the final state of a replaced order. It may have filled
// more before the cancel landed.
func (c *Coordinator) supersede(ctx context.Context, a *attempt, st *broker.OrderState) {
	final := st
	if fs, err := c.client.GetOrderStatus(ctx, a.target.Instrument.Symbol, a.orderID); err == nil {
		final = fs
	}
	a.record(final, true)
	a.current = nil
}

// exhausted cancels the working order once the attempts ran out
func (c *Coordinator) exhausted(ctx context.Context, a *attempt) (*Result, error) {
	c.cancelWorking(ctx, a)

	if a.current != nil && a.current.Status == broker.OrderStatusFilled {
		return c.finish(a, OutcomeFilled), nil
	}
	if a.executed() > 0 {
		return c.finish(a, OutcomePartial), nil
	}
	return nil, c.fail(a, KindTimeout, nil)
}

func (c *Coordinator) transportFailure(ctx context.Context, a *attempt, stage string, cause error) (*Result, error) {
	a.logger.Error().Err(cause).Str("stage", stage).Str("order_id", a.orderID).Msg("Broker call failed")
	c.cancelWorking(ctx, a)
	if a.executed() >= a.lots {
		return c.finish(a, OutcomeFilled), nil
	}
	if a.executed() > 0 {
		return c.finish(a, OutcomePartial), nil
	}
	return nil, c.fail(a, KindTransport, cause)
}

func (c *Coordinator) interrupted(ctx context.Context, a *attempt, cause error) (*Result, error) {
	c.cancelWorking(ctx, a)
	if a.executed() > 0 {
		return c.finish(a, OutcomePartial), nil
	}
	return nil, c.fail(a, KindInterrupted, cause)
}

// cancelWorking cancels the working order and refreshes its final state.
// It detaches from ctx cancellation so shutdown still withdraws the order.
func (c *Coordinator) cancelWorking(ctx context.Context, a *attempt) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()

	symbol := a.target.Instrument.Symbol
	if err := c.client.CancelOrder(cctx, symbol, a.orderID); err != nil && !errors.Is(err, broker.ErrOrderNotOpen) {
		a.logger.Error().Err(err).Str("order_id", a.orderID).Msg("Cancel failed")
	} else {
		a.logger.Info().Str("order_id", a.orderID).Msg("Order cancelled")
	}

	if st, err := c.client.GetOrderStatus(cctx, symbol, a.orderID); err == nil {
		a.current = st
	}
}

func (c *Coordinator) finish(a *attempt, outcome Outcome) *Result {
	if a.current != nil {
		if a.current.ExecutedLots > 0 || a.current.Status == broker.OrderStatusFilled {
			a.record(a.current, false)
		}
		a.current = nil
	}

	res := &Result{
		Outcome:       outcome,
		Direction:     a.dir,
		RequestedLots: a.lots,
		RequestPrice:  a.price,
		Fills:         a.fills,
	}

	a.logger.Info().
		Str("outcome", outcome.String()).
		Int64("executed_lots", res.ExecutedLots()).
		Str("avg_price", res.AveragePrice().String()).
		Int("orders", len(res.Fills)).
		Msg("Execution finished")
	c.observer.ExecutionFinished(a.target.Instrument.Symbol, a.op, outcome.String())
	return res
}

func (c *Coordinator) fail(a *attempt, kind Kind, cause error) error {
	err := &Error{Kind: kind, Op: a.op, InstrumentID: a.target.Instrument.Symbol, OrderID: a.orderID, Err: cause}
	a.logger.Warn().Err(err).Str("kind", kind.String()).Msg("Execution failed")
	c.observer.ExecutionFinished(a.target.Instrument.Symbol, a.op, kind.String())
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
