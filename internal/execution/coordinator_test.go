package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"turtle-futures-bot/internal/broker"
	"turtle-futures-bot/internal/risk"
)

// ==================== SCRIPTED BROKER ====================

type scriptedOrder struct {
	req       broker.OrderRequest
	script    []broker.OrderState
	idx       int
	cancelled bool
	last      broker.OrderState
}

type replaceCall struct {
	orderID   string
	price     decimal.Decimal
	remaining int64
}

// scriptedBroker plays back order states. Each submitted or replacement
// order consumes the next script; the last state of a script repeats.
type scriptedBroker struct {
	mu        sync.Mutex
	capital   decimal.Decimal
	scripts   [][]broker.OrderState
	orders    map[string]*scriptedOrder
	submitted []broker.OrderRequest
	replaced  []replaceCall
	cancels   []string
	pollErr   error
	submitErr error
	// lostResponse makes the broker accept orders but fail the call
	lostResponse bool
}

func newScriptedBroker(capital string, scripts ...[]broker.OrderState) *scriptedBroker {
	return &scriptedBroker{
		capital: decimal.RequireFromString(capital),
		scripts: scripts,
		orders:  make(map[string]*scriptedOrder),
	}
}

func (b *scriptedBroker) newOrder(req broker.OrderRequest) string {
	id := fmt.Sprintf("o%d", len(b.orders)+1)
	var script []broker.OrderState
	if len(b.scripts) > 0 {
		script = b.scripts[0]
		b.scripts = b.scripts[1:]
	} else {
		script = []broker.OrderState{{Status: broker.OrderStatusNew}}
	}
	b.orders[id] = &scriptedOrder{req: req, script: script}
	return id
}

// acceptLost registers an order whose submit call failed. The order is
// live at the broker in the first state of its script.
func (b *scriptedBroker) acceptLost(req broker.OrderRequest) error {
	id := b.newOrder(req)
	o := b.orders[id]
	o.last = o.script[0]
	if o.last.Status == broker.OrderStatusFilled && o.last.ExecutedLots == 0 {
		o.last.ExecutedLots = req.Lots
	}
	return &broker.SubmissionError{OrderID: id, Err: fmt.Errorf("%w: 502 bad gateway", broker.ErrSubmission)}
}

func (b *scriptedBroker) SubmitOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return "", b.submitErr
	}
	b.submitted = append(b.submitted, req)
	if b.lostResponse {
		return "", b.acceptLost(req)
	}
	return b.newOrder(req), nil
}

func (b *scriptedBroker) GetOrderStatus(ctx context.Context, instrumentID, orderID string) (*broker.OrderState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pollErr != nil {
		return nil, b.pollErr
	}
	o, ok := b.orders[orderID]
	if !ok {
		return nil, broker.ErrOrderNotFound
	}
	if o.cancelled {
		st := o.last
		if st.Status.IsOpen() {
			st.Status = broker.OrderStatusCancelled
		}
		return &st, nil
	}

	i := o.idx
	if i >= len(o.script) {
		i = len(o.script) - 1
	}
	st := o.script[i]
	o.idx++
	st.OrderID = orderID
	st.InstrumentID = instrumentID
	st.Direction = o.req.Direction
	if st.RequestedLots == 0 {
		st.RequestedLots = o.req.Lots
	}
	if st.Status == broker.OrderStatusFilled && st.ExecutedLots == 0 {
		st.ExecutedLots = st.RequestedLots
	}
	if st.ExecutedLots > 0 && st.AvgFillPrice.IsZero() {
		st.AvgFillPrice = o.req.Price
	}
	o.last = st
	return &st, nil
}

func (b *scriptedBroker) CancelOrder(ctx context.Context, instrumentID, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels = append(b.cancels, orderID)
	o, ok := b.orders[orderID]
	if !ok {
		return broker.ErrOrderNotFound
	}
	if o.cancelled || (o.last.Status != "" && !o.last.Status.IsOpen()) {
		return broker.ErrOrderNotOpen
	}
	o.cancelled = true
	return nil
}

func (b *scriptedBroker) ReplaceOrder(ctx context.Context, instrumentID, orderID string, newPrice decimal.Decimal, remaining int64) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return "", broker.ErrOrderNotFound
	}
	o.cancelled = true
	b.replaced = append(b.replaced, replaceCall{orderID: orderID, price: newPrice, remaining: remaining})
	req := broker.OrderRequest{
		InstrumentID: instrumentID,
		Direction:    o.req.Direction,
		Lots:         remaining,
		Price:        newPrice,
	}
	if b.lostResponse {
		return "", b.acceptLost(req)
	}
	return b.newOrder(req), nil
}

func (b *scriptedBroker) GetPortfolioRiskCapital(ctx context.Context) (decimal.Decimal, error) {
	return b.capital, nil
}

type fixedPrice struct {
	price decimal.Decimal
	ok    bool
}

func (f *fixedPrice) Latest(string) (decimal.Decimal, bool) {
	return f.price, f.ok
}

type countingObserver struct {
	submitted, replaced int
	outcomes            []string
}

func (o *countingObserver) OrderSubmitted(string, broker.Direction) { o.submitted++ }
func (o *countingObserver) OrderReplaced(string)                   { o.replaced++ }
func (o *countingObserver) ExecutionFinished(_, _, outcome string) {
	o.outcomes = append(o.outcomes, outcome)
}

// ==================== HELPERS ====================

var testTarget = Target{
	Instrument: broker.Instrument{
		Symbol:    "BTCUSDT",
		TickSize:  decimal.RequireFromString("0.01"),
		TickValue: decimal.RequireFromString("0.01"),
	},
	ATR: decimal.RequireFromString("2"),
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func newTestCoordinator(b *scriptedBroker, prices PriceWatcher, obs Observer) *Coordinator {
	policy := Policy{MaxAttempts: 3, RetryInterval: time.Second, SettleDelay: time.Second}
	return NewCoordinator(b, prices, risk.NewSizer(0.01), policy, policy, zerolog.Nop(),
		WithSleep(noSleep), WithObserver(obs))
}

func px(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// ==================== OPEN PATH ====================

func TestPlaceFilled(t *testing.T) {
	b := newScriptedBroker("100000",
		[]broker.OrderState{{Status: broker.OrderStatusNew}, {Status: broker.OrderStatusFilled}},
	)
	obs := &countingObserver{}
	c := newTestCoordinator(b, nil, obs)

	res, err := c.Place(context.Background(), testTarget, px("100.029"), broker.DirectionBuy)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.Outcome != OutcomeFilled {
		t.Errorf("Expected filled, got %s", res.Outcome)
	}
	// 0.01 * 100000 / (2 * 1) = 500 lots
	if len(b.submitted) != 1 || b.submitted[0].Lots != 500 {
		t.Fatalf("Expected one 500-lot order, got %+v", b.submitted)
	}
	if !b.submitted[0].Price.Equal(px("100.02")) {
		t.Errorf("Expected price rounded down to 100.02, got %s", b.submitted[0].Price)
	}
	if res.ExecutedLots() != 500 {
		t.Errorf("Expected 500 executed lots, got %d", res.ExecutedLots())
	}
	if !res.AveragePrice().Equal(px("100.02")) {
		t.Errorf("Expected average price 100.02, got %s", res.AveragePrice())
	}
	if len(b.cancels) != 0 {
		t.Errorf("Expected no cancel for filled order, got %v", b.cancels)
	}
	if obs.submitted != 1 || len(obs.outcomes) != 1 || obs.outcomes[0] != "filled" {
		t.Errorf("Unexpected observer state %+v", obs)
	}
}

func TestPlaceZeroQuantity(t *testing.T) {
	b := newScriptedBroker("1000")
	c := newTestCoordinator(b, nil, nil)

	target := Target{
		Instrument: broker.Instrument{Symbol: "ES", TickSize: px("1"), TickValue: px("50")},
		ATR:        px("50"),
	}
	_, err := c.Place(context.Background(), target, px("4000"), broker.DirectionBuy)
	if !errors.Is(err, ErrZeroQuantity) {
		t.Fatalf("Expected ErrZeroQuantity, got %v", err)
	}
	if kind, _ := KindOf(err); kind != KindZeroQuantity {
		t.Errorf("Expected KindZeroQuantity, got %v", kind)
	}
	if len(b.submitted) != 0 {
		t.Errorf("Expected no order submitted, got %d", len(b.submitted))
	}
}

func TestPlaceFatalOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		script     []broker.OrderState
		want       error
		wantCancel bool
	}{
		{
			name:   "rejected",
			script: []broker.OrderState{{Status: broker.OrderStatusRejected}},
			want:   ErrOrderRejected,
		},
		{
			name:   "cancelled without fills",
			script: []broker.OrderState{{Status: broker.OrderStatusNew}, {Status: broker.OrderStatusCancelled}},
			want:   ErrOrderNotFilled,
		},
		{
			name:       "timeout",
			script:     []broker.OrderState{{Status: broker.OrderStatusNew}},
			want:       ErrOrderTimeout,
			wantCancel: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newScriptedBroker("100000", tt.script)
			c := newTestCoordinator(b, nil, nil)

			res, err := c.Place(context.Background(), testTarget, px("100"), broker.DirectionBuy)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, err)
			}
			if res != nil {
				t.Errorf("Expected no result on fatal outcome, got %+v", res)
			}
			if tt.wantCancel && (len(b.cancels) != 1 || b.cancels[0] != "o1") {
				t.Errorf("Expected cancel of o1, got %v", b.cancels)
			}
		})
	}
}

func TestPlacePartialOnCancel(t *testing.T) {
	b := newScriptedBroker("100000", []broker.OrderState{
		{Status: broker.OrderStatusPartiallyFilled, ExecutedLots: 200},
		{Status: broker.OrderStatusCancelled, ExecutedLots: 200, AvgFillPrice: px("100")},
	})
	c := newTestCoordinator(b, nil, nil)

	res, err := c.Place(context.Background(), testTarget, px("100"), broker.DirectionBuy)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.Outcome != OutcomePartial || res.ExecutedLots() != 200 {
		t.Errorf("Expected partial 200 lots, got %s %d", res.Outcome, res.ExecutedLots())
	}
}

func TestPlaceTimeoutWithPartialFill(t *testing.T) {
	b := newScriptedBroker("100000", []broker.OrderState{
		{Status: broker.OrderStatusPartiallyFilled, ExecutedLots: 7},
	})
	c := newTestCoordinator(b, nil, nil)

	res, err := c.Place(context.Background(), testTarget, px("100"), broker.DirectionSell)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(b.cancels) != 1 {
		t.Fatalf("Expected exhaustion to cancel the order, got %v", b.cancels)
	}
	if res.Outcome != OutcomePartial || res.ExecutedLots() != 7 {
		t.Errorf("Expected partial 7 lots, got %s %d", res.Outcome, res.ExecutedLots())
	}
}

func TestPlaceReplacesWhenMarketRunsAway(t *testing.T) {
	b := newScriptedBroker("100000",
		[]broker.OrderState{{Status: broker.OrderStatusPartiallyFilled, ExecutedLots: 100, AvgFillPrice: px("100")}},
		[]broker.OrderState{{Status: broker.OrderStatusFilled, AvgFillPrice: px("101")}},
	)
	// Half an ATR is 1.00; the market is 1.50 above the buy limit
	prices := &fixedPrice{price: px("101.5"), ok: true}
	obs := &countingObserver{}
	c := newTestCoordinator(b, prices, obs)

	res, err := c.Place(context.Background(), testTarget, px("100"), broker.DirectionBuy)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(b.replaced) != 1 {
		t.Fatalf("Expected one replace, got %d", len(b.replaced))
	}
	r := b.replaced[0]
	if r.orderID != "o1" || !r.price.Equal(px("101")) || r.remaining != 400 {
		t.Errorf("Expected replace o1 at 101 for 400 lots, got %+v", r)
	}
	if res.Outcome != OutcomeFilled || res.ExecutedLots() != 500 {
		t.Fatalf("Expected filled 500 lots, got %s %d", res.Outcome, res.ExecutedLots())
	}
	if len(res.Fills) != 2 || !res.Fills[0].Superseded || res.Fills[1].Superseded {
		t.Errorf("Expected superseded fill then final fill, got %+v", res.Fills)
	}
	// (100*100 + 400*101) / 500
	if !res.AveragePrice().Equal(px("100.8")) {
		t.Errorf("Expected average 100.8, got %s", res.AveragePrice())
	}
	if obs.replaced != 1 {
		t.Errorf("Expected observer to see one replace, got %d", obs.replaced)
	}
}

func TestPlaceDoesNotReplaceOnSmallMove(t *testing.T) {
	b := newScriptedBroker("100000",
		[]broker.OrderState{{Status: broker.OrderStatusNew}, {Status: broker.OrderStatusFilled}},
	)
	prices := &fixedPrice{price: px("100.99"), ok: true}
	c := newTestCoordinator(b, prices, nil)

	if _, err := c.Place(context.Background(), testTarget, px("100"), broker.DirectionBuy); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(b.replaced) != 0 {
		t.Errorf("Expected no replace below half ATR, got %d", len(b.replaced))
	}
}

func TestPlaceSellReplacesDownward(t *testing.T) {
	b := newScriptedBroker("100000",
		[]broker.OrderState{{Status: broker.OrderStatusNew}},
		[]broker.OrderState{{Status: broker.OrderStatusFilled}},
	)
	prices := &fixedPrice{price: px("99"), ok: true}
	c := newTestCoordinator(b, prices, nil)

	res, err := c.Place(context.Background(), testTarget, px("100"), broker.DirectionSell)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(b.replaced) != 1 || !b.replaced[0].price.Equal(px("99")) {
		t.Fatalf("Expected replace at 99, got %+v", b.replaced)
	}
	if res.Fills[0].Lots != 0 || !res.Fills[0].Superseded {
		t.Errorf("Expected empty superseded record first, got %+v", res.Fills[0])
	}
}

func TestRejectedReplacementKeepsEarlierFills(t *testing.T) {
	b := newScriptedBroker("100000",
		[]broker.OrderState{{Status: broker.OrderStatusPartiallyFilled, ExecutedLots: 50}},
		[]broker.OrderState{{Status: broker.OrderStatusRejected}},
	)
	prices := &fixedPrice{price: px("102"), ok: true}
	c := newTestCoordinator(b, prices, nil)

	res, err := c.Place(context.Background(), testTarget, px("100"), broker.DirectionBuy)
	if err != nil {
		t.Fatalf("Expected partial result, got %v", err)
	}
	if res.Outcome != OutcomePartial || res.ExecutedLots() != 50 {
		t.Errorf("Expected partial 50, got %s %d", res.Outcome, res.ExecutedLots())
	}
}

func TestTransportFailures(t *testing.T) {
	t.Run("submit", func(t *testing.T) {
		b := newScriptedBroker("100000")
		b.submitErr = errors.New("connection reset")
		c := newTestCoordinator(b, nil, nil)

		_, err := c.Place(context.Background(), testTarget, px("100"), broker.DirectionBuy)
		if !errors.Is(err, ErrTransport) {
			t.Fatalf("Expected ErrTransport, got %v", err)
		}
	})

	t.Run("poll", func(t *testing.T) {
		b := newScriptedBroker("100000")
		b.pollErr = errors.New("timeout")
		c := newTestCoordinator(b, nil, nil)

		_, err := c.Place(context.Background(), testTarget, px("100"), broker.DirectionBuy)
		if !errors.Is(err, ErrTransport) {
			t.Fatalf("Expected ErrTransport, got %v", err)
		}
		if len(b.cancels) != 1 {
			t.Errorf("Expected cancel attempt after poll failure, got %v", b.cancels)
		}
	})
}

func TestSubmitFailureAfterAcceptance(t *testing.T) {
	tests := []struct {
		name     string
		state    broker.OrderState
		outcome  Outcome
		executed int64
		wantErr  error
	}{
		{"resting order", broker.OrderState{Status: broker.OrderStatusNew}, 0, 0, ErrTransport},
		{"partially filled", broker.OrderState{Status: broker.OrderStatusPartiallyFilled, ExecutedLots: 120}, OutcomePartial, 120, nil},
		{"filled", broker.OrderState{Status: broker.OrderStatusFilled}, OutcomeFilled, 500, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newScriptedBroker("100000", []broker.OrderState{tt.state})
			b.lostResponse = true
			c := newTestCoordinator(b, nil, nil)

			res, err := c.Place(context.Background(), testTarget, px("100"), broker.DirectionBuy)
			if len(b.cancels) != 1 || b.cancels[0] != "o1" {
				t.Fatalf("Expected cancel of o1, got %v", b.cancels)
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				var subErr *broker.SubmissionError
				if !errors.As(err, &subErr) || subErr.OrderID != "o1" {
					t.Errorf("Expected submission error for o1, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if res.Outcome != tt.outcome || res.ExecutedLots() != tt.executed {
				t.Errorf("Expected %s %d, got %s %d", tt.outcome, tt.executed, res.Outcome, res.ExecutedLots())
			}
		})
	}
}

func TestReplaceSubmitFailureCancelsReplacement(t *testing.T) {
	b := newScriptedBroker("100000",
		[]broker.OrderState{{Status: broker.OrderStatusPartiallyFilled, ExecutedLots: 50}},
		[]broker.OrderState{{Status: broker.OrderStatusPartiallyFilled, ExecutedLots: 100}},
	)
	prices := &fixedPrice{price: px("102"), ok: true}
	c := newTestCoordinator(b, prices, nil)

	// The first poll sees o1 working; the replacement call then fails after
	// the broker accepted o2
	c.sleep = func(ctx context.Context, d time.Duration) error {
		b.mu.Lock()
		b.lostResponse = true
		b.mu.Unlock()
		return ctx.Err()
	}

	res, err := c.Place(context.Background(), testTarget, px("100"), broker.DirectionBuy)
	if err != nil {
		t.Fatalf("Expected partial result, got %v", err)
	}
	if len(b.replaced) != 1 {
		t.Fatalf("Expected one replace, got %d", len(b.replaced))
	}
	if len(b.cancels) != 1 || b.cancels[0] != "o2" {
		t.Errorf("Expected cancel of replacement o2, got %v", b.cancels)
	}
	if res.Outcome != OutcomePartial || res.ExecutedLots() != 150 {
		t.Errorf("Expected partial 150, got %s %d", res.Outcome, res.ExecutedLots())
	}
}

func TestInterruptedCancelsOrder(t *testing.T) {
	b := newScriptedBroker("100000", []broker.OrderState{{Status: broker.OrderStatusNew}})
	c := newTestCoordinator(b, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Place(ctx, testTarget, px("100"), broker.DirectionBuy)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Expected ErrInterrupted, got %v", err)
	}
	if len(b.cancels) != 1 {
		t.Errorf("Expected cancel on shutdown, got %v", b.cancels)
	}
}

// ==================== CLOSE PATH ====================

func TestClosePosition(t *testing.T) {
	t.Run("full", func(t *testing.T) {
		b := newScriptedBroker("100000", []broker.OrderState{{Status: broker.OrderStatusFilled}})
		c := newTestCoordinator(b, nil, nil)

		res, err := c.ClosePosition(context.Background(), testTarget, 4, broker.DirectionSell, px("100.02"))
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !res.FullyClosed || res.ExecutedLots() != 4 {
			t.Errorf("Expected full close of 4, got closed=%v lots=%d", res.FullyClosed, res.ExecutedLots())
		}
		if b.submitted[0].Lots != 4 || b.submitted[0].Direction != broker.DirectionSell {
			t.Errorf("Expected SELL 4 lots, got %+v", b.submitted[0])
		}
	})

	t.Run("partial", func(t *testing.T) {
		b := newScriptedBroker("100000", []broker.OrderState{
			{Status: broker.OrderStatusPartiallyFilled, ExecutedLots: 2},
		})
		c := newTestCoordinator(b, nil, nil)

		res, err := c.ClosePosition(context.Background(), testTarget, 4, broker.DirectionSell, px("100.02"))
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if res.FullyClosed || res.ExecutedLots() != 2 {
			t.Errorf("Expected partial close of 2, got closed=%v lots=%d", res.FullyClosed, res.ExecutedLots())
		}
	})

	t.Run("invalid quantity", func(t *testing.T) {
		c := newTestCoordinator(newScriptedBroker("1"), nil, nil)
		if _, err := c.ClosePosition(context.Background(), testTarget, 0, broker.DirectionSell, px("1")); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("Expected ErrInvalidRequest, got %v", err)
		}
	})
}
