package risk

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestPositionSize(t *testing.T) {
	tests := []struct {
		name       string
		pointValue string
		capital    string
		atr        string
		want       int64
		wantErr    error
	}{
		{"basic", "1", "100000", "2", 500, nil},
		{"floors fractional lots", "10", "100000", "3", 33, nil},
		{"zero quantity", "50", "1000", "50", 0, ErrZeroQuantity},
		{"non-positive atr", "1", "1000", "0", 0, ErrInvalidATR},
		{"non-positive capital", "1", "0", "2", 0, ErrInvalidCapital},
		{"non-positive point value", "0", "1000", "2", 0, ErrInvalidValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PositionSize(dec(tt.pointValue), dec(tt.capital), dec(tt.atr))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %d lots, got %d", tt.want, got)
			}
		})
	}
}

func TestSizerCustomFraction(t *testing.T) {
	s := NewSizer(0.02)
	got, err := s.Quantity(dec("1"), dec("10000"), dec("2"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got != 100 {
		t.Errorf("Expected 100 lots, got %d", got)
	}

	if !NewSizer(0).RiskFraction.Equal(DefaultRiskFraction) {
		t.Error("Expected default fraction for zero input")
	}
}
