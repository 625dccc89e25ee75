package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies the payload of a stream event
type Kind int

const (
	KindPrice Kind = iota
	KindTradingStatus
	KindSubscriptionAck
)

func (k Kind) String() string {
	switch k {
	case KindPrice:
		return "price"
	case KindTradingStatus:
		return "trading_status"
	case KindSubscriptionAck:
		return "subscription_ack"
	default:
		return "unknown"
	}
}

// Tick is one observed trade price
type Tick struct {
	InstrumentID string          `json:"instrument_id"`
	Price        decimal.Decimal `json:"price"`
	Time         time.Time       `json:"time"`
}

// Event is one item from the ordered market stream
type Event struct {
	Kind         Kind            `json:"kind"`
	InstrumentID string          `json:"instrument_id,omitempty"`
	Price        decimal.Decimal `json:"price,omitempty"`
	Time         time.Time       `json:"time"`
	Status       string          `json:"status,omitempty"` // trading status or ack result
	Streams      []string        `json:"streams,omitempty"`
}

// Tick converts a price event
func (e Event) Tick() Tick {
	return Tick{InstrumentID: e.InstrumentID, Price: e.Price, Time: e.Time}
}

// PriceEvent builds a price event
func PriceEvent(instrumentID string, price decimal.Decimal, at time.Time) Event {
	return Event{Kind: KindPrice, InstrumentID: instrumentID, Price: price, Time: at}
}
