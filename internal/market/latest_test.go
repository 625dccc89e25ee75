package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLatestPricesLastWriteWins(t *testing.T) {
	l := NewLatestPrices()
	now := time.Now()

	l.Store(Tick{InstrumentID: "BTCUSDT", Price: decimal.RequireFromString("100"), Time: now})
	l.Store(Tick{InstrumentID: "BTCUSDT", Price: decimal.RequireFromString("101"), Time: now})
	l.Store(Tick{InstrumentID: "ETHUSDT", Price: decimal.RequireFromString("5"), Time: now})

	p, ok := l.Latest("BTCUSDT")
	if !ok || !p.Equal(decimal.RequireFromString("101")) {
		t.Fatalf("Expected 101, got %s (ok=%v)", p, ok)
	}

	tick, ok := l.Take("BTCUSDT")
	if !ok || !tick.Price.Equal(decimal.RequireFromString("101")) {
		t.Fatalf("Expected take 101, got %s (ok=%v)", tick.Price, ok)
	}
	if _, ok := l.Take("BTCUSDT"); ok {
		t.Error("Expected slot to be empty after take")
	}
	if _, ok := l.Load("ETHUSDT"); !ok {
		t.Error("Expected other instrument slot to be untouched")
	}

	l.Clear("ETHUSDT")
	if _, ok := l.Latest("ETHUSDT"); ok {
		t.Error("Expected cleared slot")
	}
}

func TestKindString(t *testing.T) {
	tests := map[Kind]string{
		KindPrice:           "price",
		KindTradingStatus:   "trading_status",
		KindSubscriptionAck: "subscription_ack",
		Kind(42):            "unknown",
	}
	for k, want := range tests {
		if got := k.String(); got != want {
			t.Errorf("Expected %s, got %s", want, got)
		}
	}
}
