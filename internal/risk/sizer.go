package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultRiskFraction is the share of capital risked per unit
var DefaultRiskFraction = decimal.RequireFromString("0.01")

var (
	ErrZeroQuantity   = errors.New("computed position size is zero")
	ErrInvalidATR     = errors.New("ATR must be positive")
	ErrInvalidCapital = errors.New("risk capital must be positive")
	ErrInvalidValue   = errors.New("point value must be positive")
)

// Sizer converts account risk and volatility into a lot count.
// One unit risks RiskFraction of capital over one ATR move.
type Sizer struct {
	RiskFraction decimal.Decimal
}

// NewSizer creates a sizer; a non-positive fraction falls back to 1%
func NewSizer(fraction float64) Sizer {
	f := decimal.NewFromFloat(fraction)
	if !f.IsPositive() {
		f = DefaultRiskFraction
	}
	return Sizer{RiskFraction: f}
}

// Quantity computes floor(fraction * capital / (atr * pointValue))
func (s Sizer) Quantity(pointValue, capital, atr decimal.Decimal) (int64, error) {
	if !atr.IsPositive() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidATR, atr)
	}
	if !pointValue.IsPositive() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidValue, pointValue)
	}
	if !capital.IsPositive() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidCapital, capital)
	}

	fraction := s.RiskFraction
	if !fraction.IsPositive() {
		fraction = DefaultRiskFraction
	}

	lots := fraction.Mul(capital).Div(atr.Mul(pointValue)).Floor().IntPart()
	if lots <= 0 {
		return 0, fmt.Errorf("%w: capital=%s atr=%s point_value=%s", ErrZeroQuantity, capital, atr, pointValue)
	}
	return lots, nil
}

// PositionSize sizes one unit at the default 1% risk fraction
func PositionSize(pointValue, capital, atr decimal.Decimal) (int64, error) {
	return Sizer{RiskFraction: DefaultRiskFraction}.Quantity(pointValue, capital, atr)
}
