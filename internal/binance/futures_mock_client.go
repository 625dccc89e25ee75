package binance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"turtle-futures-bot/internal/broker"
)

// PriceProvider returns the last traded price for a symbol
type PriceProvider func(symbol string) (decimal.Decimal, bool)

// PaperClient is an in-memory broker for paper trading.
// Limit orders fill in full at their limit price once the market trades through them.
type PaperClient struct {
	mu            sync.Mutex
	orders        map[string]*broker.OrderState
	positions     map[string]*paperPosition
	instruments   map[string]broker.Instrument
	balance       decimal.Decimal
	priceProvider PriceProvider
	logger        zerolog.Logger
	now           func() time.Time
}

type paperPosition struct {
	lots       int64 // signed, long > 0
	entryPrice decimal.Decimal
}

// NewPaperClient creates a new paper broker
func NewPaperClient(initialBalance decimal.Decimal, instruments []broker.Instrument, priceProvider PriceProvider, logger zerolog.Logger) *PaperClient {
	c := &PaperClient{
		orders:        make(map[string]*broker.OrderState),
		positions:     make(map[string]*paperPosition),
		instruments:   make(map[string]broker.Instrument),
		balance:       initialBalance,
		priceProvider: priceProvider,
		logger:        logger.With().Str("component", "paper-broker").Logger(),
		now:           time.Now,
	}
	for _, inst := range instruments {
		c.instruments[inst.Symbol] = inst
	}
	return c
}

// RegisterInstrument adds or replaces instrument metadata
func (c *PaperClient) RegisterInstrument(inst broker.Instrument) {
	c.mu.Lock()
	c.instruments[inst.Symbol] = inst
	c.mu.Unlock()
}

func (c *PaperClient) SubmitOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	if req.Lots <= 0 {
		return "", fmt.Errorf("%w: non-positive quantity %d", broker.ErrSubmission, req.Lots)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	inst, ok := c.instruments[req.InstrumentID]
	if !ok {
		return "", fmt.Errorf("%w: %s", broker.ErrUnknownInstrument, req.InstrumentID)
	}

	order := &broker.OrderState{
		OrderID:       "paper-" + uuid.NewString(),
		InstrumentID:  req.InstrumentID,
		Status:        broker.OrderStatusNew,
		Direction:     req.Direction,
		RequestedLots: req.Lots,
		InitialPrice:  inst.RoundDownToTick(req.Price),
		UpdatedAt:     c.now(),
	}
	c.orders[order.OrderID] = order
	c.matchLocked(order)

	c.logger.Debug().
		Str("order_id", order.OrderID).
		Str("instrument", order.InstrumentID).
		Str("direction", string(order.Direction)).
		Int64("lots", order.RequestedLots).
		Str("price", order.InitialPrice.String()).
		Msg("Paper order placed")
	return order.OrderID, nil
}

func (c *PaperClient) GetOrderStatus(ctx context.Context, instrumentID, orderID string) (*broker.OrderState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	order, exists := c.orders[orderID]
	if !exists || order.InstrumentID != instrumentID {
		return nil, fmt.Errorf("%w: %s", broker.ErrOrderNotFound, orderID)
	}
	c.matchLocked(order)

	snapshot := *order
	return &snapshot, nil
}

func (c *PaperClient) CancelOrder(ctx context.Context, instrumentID, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelLocked(instrumentID, orderID)
}

func (c *PaperClient) cancelLocked(instrumentID, orderID string) error {
	order, exists := c.orders[orderID]
	if !exists || order.InstrumentID != instrumentID {
		return fmt.Errorf("%w: %s", broker.ErrOrderNotFound, orderID)
	}
	if !order.Status.IsOpen() {
		return fmt.Errorf("%w: %s is %s", broker.ErrOrderNotOpen, orderID, order.Status)
	}

	order.Status = broker.OrderStatusCancelled
	order.UpdatedAt = c.now()
	return nil
}

func (c *PaperClient) ReplaceOrder(ctx context.Context, instrumentID, orderID string, newPrice decimal.Decimal, remainingLots int64) (string, error) {
	c.mu.Lock()
	old, exists := c.orders[orderID]
	if !exists {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %s", broker.ErrOrderNotFound, orderID)
	}
	if err := c.cancelLocked(instrumentID, orderID); err != nil {
		c.mu.Unlock()
		return "", err
	}
	if open := old.RemainingLots(); open < remainingLots {
		remainingLots = open
	}
	direction := old.Direction
	c.mu.Unlock()

	return c.SubmitOrder(ctx, broker.OrderRequest{
		InstrumentID: instrumentID,
		Direction:    direction,
		Lots:         remainingLots,
		Price:        newPrice,
	})
}

// GetPortfolioRiskCapital returns the paper balance including realized PnL
func (c *PaperClient) GetPortfolioRiskCapital(ctx context.Context) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance, nil
}

// PositionLots returns the signed paper position for a symbol
func (c *PaperClient) PositionLots(symbol string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pos, ok := c.positions[symbol]; ok {
		return pos.lots
	}
	return 0
}

// GetPosition returns the paper position for an instrument
func (c *PaperClient) GetPosition(ctx context.Context, instrumentID string) (*broker.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos := &broker.Position{InstrumentID: instrumentID}
	if p, ok := c.positions[instrumentID]; ok {
		pos.Lots = p.lots
		pos.EntryPrice = p.entryPrice
	}
	return pos, nil
}

// matchLocked fills an open order if the last price has crossed its limit
func (c *PaperClient) matchLocked(order *broker.OrderState) {
	if !order.Status.IsOpen() || c.priceProvider == nil {
		return
	}
	last, ok := c.priceProvider(order.InstrumentID)
	if !ok {
		return
	}

	crossed := (order.Direction == broker.DirectionBuy && last.LessThanOrEqual(order.InitialPrice)) ||
		(order.Direction == broker.DirectionSell && last.GreaterThanOrEqual(order.InitialPrice))
	if !crossed {
		return
	}

	lots := order.RemainingLots()
	order.ExecutedLots = order.RequestedLots
	order.AvgFillPrice = order.InitialPrice
	order.Status = broker.OrderStatusFilled
	order.UpdatedAt = c.now()
	c.applyFillLocked(order.InstrumentID, order.Direction, lots, order.InitialPrice)
}

func (c *PaperClient) applyFillLocked(symbol string, dir broker.Direction, lots int64, price decimal.Decimal) {
	signed := lots
	if dir == broker.DirectionSell {
		signed = -lots
	}

	pos, exists := c.positions[symbol]
	if !exists {
		pos = &paperPosition{}
		c.positions[symbol] = pos
	}

	oldLots := pos.lots
	newLots := oldLots + signed
	switch {
	case oldLots == 0:
		pos.entryPrice = price
	case (oldLots > 0) == (signed > 0):
		// Adding to position - average entry price
		total := pos.entryPrice.Mul(decimal.NewFromInt(abs(oldLots))).Add(price.Mul(decimal.NewFromInt(lots)))
		pos.entryPrice = total.Div(decimal.NewFromInt(abs(newLots)))
	default:
		// Reducing position - realize PnL on the closed lots
		closed := lots
		if abs(oldLots) < closed {
			closed = abs(oldLots)
		}
		move := price.Sub(pos.entryPrice)
		if oldLots < 0 {
			move = move.Neg()
		}
		pv := c.instruments[symbol].PointValue()
		c.balance = c.balance.Add(move.Mul(pv).Mul(decimal.NewFromInt(closed)))
		if (newLots > 0) != (oldLots > 0) && newLots != 0 {
			pos.entryPrice = price
		}
	}

	pos.lots = newLots
	if pos.lots == 0 {
		delete(c.positions, symbol)
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
