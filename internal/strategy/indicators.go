package strategy

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"turtle-futures-bot/internal/broker"
)

// Default indicator lookbacks
const (
	DefaultATRPeriod   = 14
	DefaultEntryPeriod = 20
)

var ErrNotEnoughCandles = errors.New("not enough candles for channel lookback")

// Periods configures indicator lookbacks. A zero Exit period means Entry/2.
type Periods struct {
	ATR   int `json:"atr"`
	Entry int `json:"entry"`
	Exit  int `json:"exit"`
}

func (p Periods) normalized() Periods {
	if p.ATR <= 0 {
		p.ATR = DefaultATRPeriod
	}
	if p.Entry <= 0 {
		p.Entry = DefaultEntryPeriod
	}
	if p.Exit <= 0 {
		p.Exit = p.Entry / 2
		if p.Exit < 1 {
			p.Exit = 1
		}
	}
	return p
}

// HistoricalData holds the volatility and channel levels derived from candles
type HistoricalData struct {
	ATR           decimal.Decimal `json:"atr"`
	BreakoutLong  decimal.Decimal `json:"breakout_long"`
	BreakoutShort decimal.Decimal `json:"breakout_short"`
	ExitLong      decimal.Decimal `json:"exit_long"`
	ExitShort     decimal.Decimal `json:"exit_short"`
	Periods       Periods         `json:"periods"`
	LastCandle    time.Time       `json:"last_candle"`
}

// BuildHistoricalData computes ATR and entry/exit Donchian channels over candles.
// The long exit is the lowest low of the exit window, the short exit its highest high.
func BuildHistoricalData(candles []broker.Candle, periods Periods) (HistoricalData, error) {
	p := periods.normalized()
	need := p.Entry
	if p.Exit > need {
		need = p.Exit
	}
	if len(candles) < need {
		return HistoricalData{}, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughCandles, len(candles), need)
	}

	upper, lower := Donchian(candles, p.Entry)
	exitHigh, exitLow := Donchian(candles, p.Exit)

	return HistoricalData{
		ATR:           CalculateATR(candles, p.ATR),
		BreakoutLong:  upper,
		BreakoutShort: lower,
		ExitLong:      exitLow,
		ExitShort:     exitHigh,
		Periods:       p,
		LastCandle:    candles[len(candles)-1].OpenTime,
	}, nil
}

// ============================================================================
// ATR (Average True Range)
// ============================================================================

// TrueRange returns the true range of candles[i]. The first candle has no
// previous close and uses high - low.
func TrueRange(candles []broker.Candle, i int) decimal.Decimal {
	c := candles[i]
	tr := c.High.Sub(c.Low)
	if i == 0 {
		return tr
	}
	prevClose := candles[i-1].Close
	return decimal.Max(tr, c.High.Sub(prevClose).Abs(), c.Low.Sub(prevClose).Abs())
}

// CalculateATR is the mean true range of the last period candles, or of all
// candles when fewer are available
func CalculateATR(candles []broker.Candle, period int) decimal.Decimal {
	if len(candles) == 0 || period <= 0 {
		return decimal.Zero
	}

	start := len(candles) - period
	if start < 0 {
		start = 0
	}

	sum := decimal.Zero
	for i := start; i < len(candles); i++ {
		sum = sum.Add(TrueRange(candles, i))
	}
	return sum.Div(decimal.NewFromInt(int64(len(candles) - start)))
}

// ============================================================================
// DONCHIAN CHANNEL
// ============================================================================

// Donchian returns the highest high and lowest low of the last period candles
func Donchian(candles []broker.Candle, period int) (upper, lower decimal.Decimal) {
	if len(candles) == 0 || period <= 0 {
		return decimal.Zero, decimal.Zero
	}

	start := len(candles) - period
	if start < 0 {
		start = 0
	}

	upper = candles[start].High
	lower = candles[start].Low
	for _, c := range candles[start+1:] {
		if c.High.GreaterThan(upper) {
			upper = c.High
		}
		if c.Low.LessThan(lower) {
			lower = c.Low
		}
	}
	return upper, lower
}
