package events

import (
	"errors"
	"sync"
	"testing"
)

func TestPublishReachesSubscribers(t *testing.T) {
	bus := NewEventBus()

	var mu sync.Mutex
	var specific, all []Event
	bus.Subscribe(EventStateChanged, func(e Event) {
		mu.Lock()
		specific = append(specific, e)
		mu.Unlock()
	})
	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		all = append(all, e)
		mu.Unlock()
	})

	bus.PublishStateChanged("BTCUSDT", "open", "BTCUSDT: open", map[string]int{"units": 1})
	bus.PublishOrderFailed("BTCUSDT", "rejected", errors.New("order rejected"))
	bus.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(specific) != 1 {
		t.Fatalf("Expected 1 state change, got %d", len(specific))
	}
	if specific[0].InstrumentID != "BTCUSDT" || specific[0].Data["action"] != "open" {
		t.Errorf("Unexpected event %+v", specific[0])
	}
	if specific[0].Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}
	if len(all) != 2 {
		t.Errorf("Expected catch-all subscriber to see 2 events, got %d", len(all))
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	bus := NewEventBus()
	bus.PublishTradingStatus("BTCUSDT", "SETTLING")
	bus.Wait()
}
