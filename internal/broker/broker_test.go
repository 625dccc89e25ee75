package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestInstrumentRounding(t *testing.T) {
	inst := Instrument{Symbol: "BTCUSDT", TickSize: d("0.01"), TickValue: d("0.01"), LotSize: d("0.001")}

	tests := []struct {
		name  string
		price string
		want  string
	}{
		{"already on tick", "100.02", "100.02"},
		{"floors fraction", "100.029", "100.02"},
		{"floors half tick", "99.995", "99.99"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := inst.RoundDownToTick(d(tt.price))
			if !got.Equal(d(tt.want)) {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestInstrumentPointValue(t *testing.T) {
	inst := Instrument{TickSize: d("0.5"), TickValue: d("25")}
	if pv := inst.PointValue(); !pv.Equal(d("50")) {
		t.Errorf("Expected point value 50, got %s", pv)
	}

	inst = Instrument{TickValue: d("7")}
	if pv := inst.PointValue(); !pv.Equal(d("7")) {
		t.Errorf("Expected tick value fallback 7, got %s", pv)
	}
}

func TestInstrumentLots(t *testing.T) {
	inst := Instrument{LotSize: d("0.001")}
	if lots := inst.Lots(d("0.0059")); lots != 5 {
		t.Errorf("Expected 5 lots, got %d", lots)
	}
	if q := inst.Quantity(5); !q.Equal(d("0.005")) {
		t.Errorf("Expected quantity 0.005, got %s", q)
	}
}

func TestDirectionOpposite(t *testing.T) {
	if DirectionBuy.Opposite() != DirectionSell {
		t.Error("Expected SELL to close BUY")
	}
	if DirectionSell.Opposite() != DirectionBuy {
		t.Error("Expected BUY to close SELL")
	}
}

type countingCapital struct {
	calls int
	value decimal.Decimal
	err   error
}

func (c *countingCapital) GetPortfolioRiskCapital(ctx context.Context) (decimal.Decimal, error) {
	c.calls++
	return c.value, c.err
}

func TestCachedCapital(t *testing.T) {
	src := &countingCapital{value: d("1000")}
	cache := NewCachedCapital(src, time.Minute)
	now := time.Unix(0, 0)
	cache.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		v, err := cache.GetPortfolioRiskCapital(context.Background())
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !v.Equal(d("1000")) {
			t.Errorf("Expected 1000, got %s", v)
		}
	}
	if src.calls != 1 {
		t.Errorf("Expected 1 source call, got %d", src.calls)
	}

	// Expired entry with failing source serves the stale value
	now = now.Add(2 * time.Minute)
	src.err = errors.New("boom")
	v, err := cache.GetPortfolioRiskCapital(context.Background())
	if err != nil {
		t.Fatalf("Expected stale value, got error %v", err)
	}
	if !v.Equal(d("1000")) {
		t.Errorf("Expected stale 1000, got %s", v)
	}

	cache.Invalidate()
	if _, err := cache.GetPortfolioRiskCapital(context.Background()); err == nil {
		t.Error("Expected error when no cached value and source fails")
	}
}
