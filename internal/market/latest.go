package market

import (
	"sync"

	"github.com/shopspring/decimal"
)

// LatestPrices holds one last-write-wins price slot per instrument.
// Intermediate prices are overwritten, never queued.
type LatestPrices struct {
	mu    sync.RWMutex
	slots map[string]Tick
}

func NewLatestPrices() *LatestPrices {
	return &LatestPrices{slots: make(map[string]Tick)}
}

// Store overwrites the slot for the tick's instrument
func (l *LatestPrices) Store(t Tick) {
	l.mu.Lock()
	l.slots[t.InstrumentID] = t
	l.mu.Unlock()
}

// Load returns the slot without clearing it
func (l *LatestPrices) Load(instrumentID string) (Tick, bool) {
	l.mu.RLock()
	t, ok := l.slots[instrumentID]
	l.mu.RUnlock()
	return t, ok
}

// Take returns and clears the slot
func (l *LatestPrices) Take(instrumentID string) (Tick, bool) {
	l.mu.Lock()
	t, ok := l.slots[instrumentID]
	if ok {
		delete(l.slots, instrumentID)
	}
	l.mu.Unlock()
	return t, ok
}

// Latest implements the price watcher consulted by order replacement
func (l *LatestPrices) Latest(instrumentID string) (decimal.Decimal, bool) {
	t, ok := l.Load(instrumentID)
	return t.Price, ok
}

// Clear drops the slot for an instrument
func (l *LatestPrices) Clear(instrumentID string) {
	l.mu.Lock()
	delete(l.slots, instrumentID)
	l.mu.Unlock()
}
