package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventStateChanged    EventType = "STATE_CHANGED"
	EventOrderFailed     EventType = "ORDER_FAILED"
	EventTradingStatus   EventType = "TRADING_STATUS"
	EventSubscriptionAck EventType = "SUBSCRIPTION_ACK"
	EventDataRefreshed   EventType = "DATA_REFRESHED"
	EventSubscribed      EventType = "SUBSCRIBED"
	EventUnsubscribed    EventType = "UNSUBSCRIBED"
	EventBotStarted      EventType = "BOT_STARTED"
	EventBotStopped      EventType = "BOT_STOPPED"
	EventError           EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type         EventType              `json:"type"`
	Timestamp    time.Time              `json:"timestamp"`
	InstrumentID string                 `json:"instrument_id,omitempty"`
	Message      string                 `json:"message,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Publisher is the sending side of the bus
type Publisher interface {
	Publish(event Event)
}

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
	wg          sync.WaitGroup
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Subscribers run on their own
// goroutines so a slow notifier never blocks a trading flow.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sub := range eb.subscribers[event.Type] {
		eb.dispatch(sub, event)
	}
	for _, sub := range eb.allSubs {
		eb.dispatch(sub, event)
	}
}

func (eb *EventBus) dispatch(sub Subscriber, event Event) {
	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		sub(event)
	}()
}

// Wait blocks until every delivered event has been handled
func (eb *EventBus) Wait() {
	eb.wg.Wait()
}

// PublishStateChanged publishes a strategy state change with its description
func (eb *EventBus) PublishStateChanged(instrumentID, action, description string, snapshot interface{}) {
	eb.Publish(Event{
		Type:         EventStateChanged,
		InstrumentID: instrumentID,
		Message:      description,
		Data: map[string]interface{}{
			"action":   action,
			"snapshot": snapshot,
		},
	})
}

// PublishOrderFailed publishes a failed strategy action
func (eb *EventBus) PublishOrderFailed(instrumentID, kind string, err error) {
	eb.Publish(Event{
		Type:         EventOrderFailed,
		InstrumentID: instrumentID,
		Message:      err.Error(),
		Data: map[string]interface{}{
			"kind": kind,
		},
	})
}

// PublishTradingStatus publishes an instrument trading-status change
func (eb *EventBus) PublishTradingStatus(instrumentID, status string) {
	eb.Publish(Event{
		Type:         EventTradingStatus,
		InstrumentID: instrumentID,
		Message:      status,
	})
}

// PublishSubscriptionAck publishes a stream subscription acknowledgement
func (eb *EventBus) PublishSubscriptionAck(streams []string, result string) {
	eb.Publish(Event{
		Type:    EventSubscriptionAck,
		Message: result,
		Data: map[string]interface{}{
			"streams": streams,
		},
	})
}

// PublishDataRefreshed publishes refreshed channel levels for an instrument
func (eb *EventBus) PublishDataRefreshed(instrumentID string, stopMoved bool, data interface{}) {
	eb.Publish(Event{
		Type:         EventDataRefreshed,
		InstrumentID: instrumentID,
		Data: map[string]interface{}{
			"stop_moved": stopMoved,
			"data":       data,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string) {
	eb.Publish(Event{
		Type:    EventError,
		Message: message,
		Data: map[string]interface{}{
			"source": source,
		},
	})
}
