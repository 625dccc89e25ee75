package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"turtle-futures-bot/internal/logging"
	"turtle-futures-bot/internal/market"
)

var ErrStopped = errors.New("dispatcher stopped")

// FlowFunc runs one strategy update for the tick's instrument
type FlowFunc func(ctx context.Context, tick market.Tick)

// EventSink receives trading-status and subscription-ack events
type EventSink func(ev market.Event)

// Observer is notified about flow lifecycle, used for metrics
type Observer interface {
	FlowStarted(instrumentID string)
	FlowFinished(instrumentID string, elapsed time.Duration)
	PriceBuffered(instrumentID string)
}

type nopObserver struct{}

func (nopObserver) FlowStarted(string)                  {}
func (nopObserver) FlowFinished(string, time.Duration) {}
func (nopObserver) PriceBuffered(string)                {}

// Dispatcher runs at most one flow per instrument. Ticks arriving while a
// flow is in flight overwrite the instrument's latest-price slot; when the
// flow completes the buffered tick starts the next one.
type Dispatcher struct {
	flow     FlowFunc
	sink     EventSink
	latest   *market.LatestPrices
	observer Observer
	logger   zerolog.Logger

	mu       sync.Mutex
	ctx      context.Context
	inFlight map[string]chan struct{} // closed when the instrument is released
	stopped  bool

	wg conc.WaitGroup
}

// Option customizes a Dispatcher
type Option func(*Dispatcher)

// WithSink forwards non-price events to sink
func WithSink(sink EventSink) Option {
	return func(d *Dispatcher) {
		d.sink = sink
	}
}

// WithObserver attaches a flow observer
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		if o != nil {
			d.observer = o
		}
	}
}

// New creates a dispatcher. latest is the slot the in-flight flows consult.
func New(flow FlowFunc, latest *market.LatestPrices, logger zerolog.Logger, opts ...Option) *Dispatcher {
	if latest == nil {
		latest = market.NewLatestPrices()
	}
	d := &Dispatcher{
		flow:     flow,
		latest:   latest,
		observer: nopObserver{},
		logger:   logging.Component(logger, "dispatcher"),
		ctx:      context.Background(),
		inFlight: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Latest exposes the buffered-price slots
func (d *Dispatcher) Latest() *market.LatestPrices {
	return d.latest
}

// Run consumes events in order until ctx is done or events is closed, then
// waits for in-flight flows to return.
func (d *Dispatcher) Run(ctx context.Context, events <-chan market.Event) error {
	d.mu.Lock()
	d.ctx = ctx
	d.stopped = false
	d.mu.Unlock()

	d.logger.Info().Msg("Dispatcher started")

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			d.Handle(ev)
		}
	}

	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info().Msg("Dispatcher stopped")
	return err
}

// Handle routes one stream event
func (d *Dispatcher) Handle(ev market.Event) {
	if ev.Kind == market.KindPrice {
		d.HandlePrice(ev.Tick())
		return
	}
	if d.sink == nil {
		return
	}
	d.wg.Go(func() {
		defer d.recoverPanic("sink", ev.InstrumentID)
		d.sink(ev)
	})
}

// HandlePrice starts a flow for the tick's instrument, or buffers the tick
// when one is already in flight. Reports whether a flow started.
func (d *Dispatcher) HandlePrice(tick market.Tick) bool {
	id := tick.InstrumentID

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	if _, busy := d.inFlight[id]; busy {
		d.latest.Store(tick)
		d.mu.Unlock()
		d.observer.PriceBuffered(id)
		return false
	}
	d.inFlight[id] = make(chan struct{})
	d.launch(d.ctx, tick)
	d.mu.Unlock()
	return true
}

// launch starts a flow goroutine. Callers hold d.mu so the WaitGroup add is
// ordered before Run marks the dispatcher stopped and waits.
func (d *Dispatcher) launch(ctx context.Context, tick market.Tick) {
	id := tick.InstrumentID
	d.observer.FlowStarted(id)
	d.wg.Go(func() {
		start := time.Now()
		defer func() {
			d.observer.FlowFinished(id, time.Since(start))
			d.release(id)
		}()
		defer d.recoverPanic("flow", id)
		d.flow(ctx, tick)
	})
}

// release ends the instrument's in-flight period, or hands it straight to a
// new flow when a newer tick was buffered. The slot take and the release are
// one critical section so a concurrent tick either lands in the slot before
// the take or sees the instrument free.
func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	tick, ok := d.latest.Take(id)
	ctx := d.ctx
	if ok && !d.stopped && ctx.Err() == nil {
		d.launch(ctx, tick)
		d.mu.Unlock()
		d.logger.Debug().Str("instrument", id).Str("price", tick.Price.String()).Msg("Restarted flow with buffered price")
		return
	}
	if done, busy := d.inFlight[id]; busy {
		close(done)
		delete(d.inFlight, id)
	}
	d.mu.Unlock()
}

// WithInstrument runs fn while holding the instrument's gate, waiting for an
// in-flight flow to finish first. Ticks arriving meanwhile are buffered and
// processed after fn returns.
func (d *Dispatcher) WithInstrument(ctx context.Context, instrumentID string, fn func(ctx context.Context) error) error {
	for {
		d.mu.Lock()
		if d.stopped {
			d.mu.Unlock()
			return ErrStopped
		}
		done, busy := d.inFlight[instrumentID]
		if !busy {
			d.inFlight[instrumentID] = make(chan struct{})
			d.mu.Unlock()
			break
		}
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
	}

	defer d.release(instrumentID)
	return fn(ctx)
}

// InFlight reports whether a flow or job holds the instrument
func (d *Dispatcher) InFlight(instrumentID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, busy := d.inFlight[instrumentID]
	return busy
}

// InFlightCount is the number of instruments currently held
func (d *Dispatcher) InFlightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

// Wait blocks until every started flow and sink call has returned
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) recoverPanic(what, instrumentID string) {
	if r := recover(); r != nil {
		d.logger.Error().
			Str("instrument", instrumentID).
			Interface("panic", r).
			Msgf("Recovered panic in %s", what)
	}
}
