// Package bot wires the strategy context to storage, execution and the
// market stream. The Runner's Flow is the dispatcher's per-tick function;
// the other methods are maintenance jobs run under the same instrument gate.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"turtle-futures-bot/internal/broker"
	"turtle-futures-bot/internal/database"
	"turtle-futures-bot/internal/events"
	"turtle-futures-bot/internal/execution"
	"turtle-futures-bot/internal/logging"
	"turtle-futures-bot/internal/market"
	"turtle-futures-bot/internal/strategy"
)

var (
	ErrAlreadySubscribed = errors.New("instrument already subscribed")
	ErrNotSubscribed     = errors.New("instrument not subscribed")
	ErrPositionOpen      = errors.New("instrument has an open position")
)

const persistTimeout = 10 * time.Second

// Stream is the subscription side of the market stream
type Stream interface {
	Subscribe(symbols ...string) error
	Unsubscribe(symbols ...string) error
}

// Gate serializes maintenance jobs with price flows for one instrument
type Gate interface {
	WithInstrument(ctx context.Context, instrumentID string, fn func(ctx context.Context) error) error
}

// Recorder receives strategy changes, used for metrics
type Recorder interface {
	StrategyChanged(instrumentID, action string, units int)
	Forget(instrumentID string)
}

type nopRecorder struct{}

func (nopRecorder) StrategyChanged(string, string, int) {}
func (nopRecorder) Forget(string)                       {}

type directGate struct{}

func (directGate) WithInstrument(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Settings controls context creation and data refresh
type Settings struct {
	MaxUnits           int
	Periods            strategy.Periods
	CandleInterval     string
	CandleLimit        int
	RefreshConcurrency int
}

// Runner owns the per-instrument strategy lifecycle
type Runner struct {
	repo      database.ContextRepository
	exec      strategy.Executor
	candles   broker.CandleSource
	stream    Stream
	bus       *events.EventBus
	recorder  Recorder
	positions broker.PositionSource
	settings  Settings
	logger    zerolog.Logger

	mu          sync.RWMutex
	gate        Gate
	instruments map[string]broker.Instrument
}

// Option customizes a Runner
type Option func(*Runner)

// WithRecorder attaches a strategy change recorder
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// WithPositions enables Reconcile against the broker's positions
func WithPositions(src broker.PositionSource) Option {
	return func(r *Runner) {
		r.positions = src
	}
}

// WithGate sets the instrument gate. Without one, jobs run unguarded.
func WithGate(g Gate) Option {
	return func(r *Runner) {
		if g != nil {
			r.gate = g
		}
	}
}

func NewRunner(
	repo database.ContextRepository,
	exec strategy.Executor,
	candles broker.CandleSource,
	stream Stream,
	bus *events.EventBus,
	instruments []broker.Instrument,
	settings Settings,
	logger zerolog.Logger,
	opts ...Option,
) *Runner {
	if settings.CandleInterval == "" {
		settings.CandleInterval = "1d"
	}
	if settings.CandleLimit <= 0 {
		settings.CandleLimit = 100
	}
	if settings.RefreshConcurrency <= 0 {
		settings.RefreshConcurrency = 4
	}

	r := &Runner{
		repo:        repo,
		exec:        exec,
		candles:     candles,
		stream:      stream,
		bus:         bus,
		recorder:    nopRecorder{},
		settings:    settings,
		logger:      logging.Component(logger, "runner"),
		gate:        directGate{},
		instruments: make(map[string]broker.Instrument, len(instruments)),
	}
	for _, inst := range instruments {
		r.instruments[inst.Symbol] = inst
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetGate installs the gate after construction, for when the gate is built
// from the runner's own Flow
func (r *Runner) SetGate(g Gate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gate = g
}

func (r *Runner) currentGate() Gate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gate
}

// Instrument returns the configured contract for symbol
func (r *Runner) Instrument(symbol string) (broker.Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instruments[symbol]
	return inst, ok
}

// Flow loads the instrument's context, feeds it the tick price, saves and
// announces any change
func (r *Runner) Flow(ctx context.Context, tick market.Tick) {
	ctx, logger := logging.WithFlowContext(ctx, r.logger, tick.InstrumentID)

	sc, err := r.repo.Load(ctx, tick.InstrumentID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			logger.Debug().Msg("Tick for unsubscribed instrument ignored")
			return
		}
		logger.Error().Err(err).Msg("Failed to load strategy context")
		return
	}

	changed, flowErr := sc.OnNewPrice(ctx, tick.Price, r.exec)
	if flowErr != nil {
		kind := "unknown"
		if k, ok := execution.KindOf(flowErr); ok {
			kind = k.String()
		}
		if r.bus != nil {
			r.bus.PublishOrderFailed(sc.Instrument.Symbol, kind, flowErr)
		}
	}
	if !changed {
		return
	}

	if err := sc.Validate(); err != nil {
		logger.Error().Err(err).Msg("Strategy context failed validation")
	}
	if err := r.save(ctx, sc); err != nil {
		logger.Error().Err(err).Msg("Failed to save strategy context")
		if r.bus != nil {
			r.bus.PublishError("store", err.Error())
		}
		return
	}

	r.announce(sc)
}

// save persists even when the flow context was cancelled mid-order
func (r *Runner) save(ctx context.Context, sc *strategy.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	return r.repo.Save(ctx, sc)
}

func (r *Runner) announce(sc *strategy.Context) {
	r.recorder.StrategyChanged(sc.Instrument.Symbol, string(sc.LastAction), sc.Units)
	if r.bus == nil {
		return
	}
	snap := sc.Snapshot()
	r.bus.PublishStateChanged(sc.Instrument.Symbol, string(sc.LastAction), snap.Describe(), snap)
}

// Subscribe creates an idle context from fresh candles and adds the
// instrument to the stream
func (r *Runner) Subscribe(ctx context.Context, symbol string) (*strategy.Context, error) {
	inst, ok := r.Instrument(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", broker.ErrUnknownInstrument, symbol)
	}

	var created *strategy.Context
	err := r.currentGate().WithInstrument(ctx, symbol, func(ctx context.Context) error {
		if _, err := r.repo.Load(ctx, symbol); err == nil {
			return fmt.Errorf("%w: %s", ErrAlreadySubscribed, symbol)
		} else if !errors.Is(err, database.ErrNotFound) {
			return err
		}

		data, err := r.historicalData(ctx, symbol)
		if err != nil {
			return err
		}
		sc := strategy.NewContext(inst, data, r.settings.MaxUnits)
		if err := r.repo.Save(ctx, sc); err != nil {
			return fmt.Errorf("save context: %w", err)
		}
		created = sc
		return nil
	})
	if err != nil {
		return nil, err
	}

	if r.stream != nil {
		if err := r.stream.Subscribe(symbol); err != nil {
			r.logger.Warn().Err(err).Str("instrument", symbol).Msg("Stream subscribe failed, will retry on reconnect")
		}
	}
	r.logger.Info().
		Str("instrument", symbol).
		Str("breakout_long", created.Data.BreakoutLong.String()).
		Str("breakout_short", created.Data.BreakoutShort.String()).
		Str("atr", created.Data.ATR.String()).
		Msg("Instrument subscribed")
	if r.bus != nil {
		snap := created.Snapshot()
		r.bus.Publish(events.Event{
			Type:         events.EventSubscribed,
			InstrumentID: symbol,
			Message:      snap.Describe(),
			Data:         map[string]interface{}{"snapshot": snap},
		})
	}
	return created, nil
}

// Unsubscribe deletes the instrument's context and leaves the stream. An
// open position is refused unless force is set.
func (r *Runner) Unsubscribe(ctx context.Context, symbol string, force bool) error {
	err := r.currentGate().WithInstrument(ctx, symbol, func(ctx context.Context) error {
		sc, err := r.repo.Load(ctx, symbol)
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotSubscribed, symbol)
		}
		if err != nil {
			return err
		}
		if sc.State == strategy.StateTradeOpen && !force {
			return fmt.Errorf("%w: %s %s %d units", ErrPositionOpen, symbol, sc.Side, sc.Units)
		}
		return r.repo.Delete(ctx, symbol)
	})
	if err != nil {
		return err
	}

	if r.stream != nil {
		if err := r.stream.Unsubscribe(symbol); err != nil {
			r.logger.Warn().Err(err).Str("instrument", symbol).Msg("Stream unsubscribe failed")
		}
	}
	r.recorder.Forget(symbol)
	r.logger.Info().Str("instrument", symbol).Bool("force", force).Msg("Instrument unsubscribed")
	if r.bus != nil {
		r.bus.Publish(events.Event{Type: events.EventUnsubscribed, InstrumentID: symbol})
	}
	return nil
}

// Resume subscribes the stream to every stored context, for startup
func (r *Runner) Resume(ctx context.Context) ([]string, error) {
	list, err := r.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(list))
	for _, sc := range list {
		symbols = append(symbols, sc.Instrument.Symbol)
	}
	if len(symbols) > 0 && r.stream != nil {
		if err := r.stream.Subscribe(symbols...); err != nil {
			return symbols, err
		}
	}
	r.logger.Info().Strs("instruments", symbols).Msg("Resumed stored contexts")
	return symbols, nil
}

// Reconcile aligns every stored context with the broker's position, for
// startup. Mismatches the context cannot adopt are published as errors and
// the context is left unchanged. Returns the instruments that changed.
func (r *Runner) Reconcile(ctx context.Context) ([]string, error) {
	if r.positions == nil {
		return nil, nil
	}
	list, err := r.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	var changed []string
	var errs []error
	for _, stored := range list {
		symbol := stored.Instrument.Symbol
		err := r.currentGate().WithInstrument(ctx, symbol, func(ctx context.Context) error {
			sc, err := r.repo.Load(ctx, symbol)
			if err != nil {
				return err
			}
			pos, err := r.positions.GetPosition(ctx, symbol)
			if err != nil {
				return fmt.Errorf("get position: %w", err)
			}

			var lots int64
			if !pos.IsFlat() {
				lots = pos.Lots
			}
			before := sc.Quantity
			moved, err := sc.Reconcile(lots)
			if err != nil {
				if r.bus != nil {
					r.bus.PublishError("reconcile", fmt.Sprintf("%s: %v", symbol, err))
				}
				return err
			}
			if !moved {
				return nil
			}
			if err := r.save(ctx, sc); err != nil {
				return fmt.Errorf("save context: %w", err)
			}
			r.logger.Warn().
				Str("instrument", symbol).
				Int64("context_lots", before).
				Int64("broker_lots", lots).
				Str("state", string(sc.State)).
				Msg("Context reconciled with broker position")
			r.announce(sc)
			changed = append(changed, symbol)
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", symbol, err))
		}
	}
	return changed, errors.Join(errs...)
}

// Refresh recomputes the instrument's levels from fresh candles. Reports
// whether the stop moved.
func (r *Runner) Refresh(ctx context.Context, symbol string) (bool, error) {
	var moved bool
	err := r.currentGate().WithInstrument(ctx, symbol, func(ctx context.Context) error {
		sc, err := r.repo.Load(ctx, symbol)
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotSubscribed, symbol)
		}
		if err != nil {
			return err
		}

		data, err := r.historicalData(ctx, symbol)
		if err != nil {
			return err
		}
		moved = sc.UpdateData(data)
		if err := r.repo.Save(ctx, sc); err != nil {
			return fmt.Errorf("save context: %w", err)
		}

		if r.bus != nil {
			r.bus.PublishDataRefreshed(symbol, moved, data)
		}
		if moved {
			r.announce(sc)
		}
		return nil
	})
	return moved, err
}

// RefreshAll refreshes every stored context concurrently
func (r *Runner) RefreshAll(ctx context.Context) error {
	list, err := r.repo.List(ctx)
	if err != nil {
		return err
	}

	start := time.Now()
	p := pool.New().WithContext(ctx).WithMaxGoroutines(r.settings.RefreshConcurrency)
	for _, sc := range list {
		symbol := sc.Instrument.Symbol
		p.Go(func(ctx context.Context) error {
			if _, err := r.Refresh(ctx, symbol); err != nil {
				return fmt.Errorf("%s: %w", symbol, err)
			}
			return nil
		})
	}
	err = p.Wait()

	logging.Elapsed(r.logger.Info(), start).
		Int("instruments", len(list)).
		Bool("errors", err != nil).
		Msg("Data refresh finished")
	return err
}

// RunRefresher calls RefreshAll every interval until ctx is done
func (r *Runner) RunRefresher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RefreshAll(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Data refresh failed")
				if r.bus != nil {
					r.bus.PublishError("refresh", err.Error())
				}
			}
		}
	}
}

// Sink forwards trading-status and subscription-ack stream events to the bus
func (r *Runner) Sink(ev market.Event) {
	if r.bus == nil {
		return
	}
	switch ev.Kind {
	case market.KindTradingStatus:
		r.bus.PublishTradingStatus(ev.InstrumentID, ev.Status)
	case market.KindSubscriptionAck:
		r.bus.PublishSubscriptionAck(ev.Streams, ev.Status)
	}
}

// Contexts lists all stored contexts as snapshots
func (r *Runner) Contexts(ctx context.Context) ([]strategy.Snapshot, error) {
	list, err := r.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]strategy.Snapshot, 0, len(list))
	for _, sc := range list {
		out = append(out, sc.Snapshot())
	}
	return out, nil
}

// Context returns one stored context as a snapshot
func (r *Runner) Context(ctx context.Context, symbol string) (strategy.Snapshot, error) {
	sc, err := r.repo.Load(ctx, symbol)
	if err != nil {
		return strategy.Snapshot{}, err
	}
	return sc.Snapshot(), nil
}

func (r *Runner) historicalData(ctx context.Context, symbol string) (strategy.HistoricalData, error) {
	candles, err := r.candles.GetCandles(ctx, symbol, r.settings.CandleInterval, r.settings.CandleLimit)
	if err != nil {
		return strategy.HistoricalData{}, fmt.Errorf("fetch candles for %s: %w", symbol, err)
	}
	data, err := strategy.BuildHistoricalData(candles, r.settings.Periods)
	if err != nil {
		return strategy.HistoricalData{}, fmt.Errorf("%s: %w", symbol, err)
	}
	return data, nil
}
