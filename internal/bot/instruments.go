package bot

import (
	"fmt"

	"github.com/shopspring/decimal"

	"turtle-futures-bot/config"
	"turtle-futures-bot/internal/broker"
)

// InstrumentsFromConfig converts the configured contracts. An empty lot size
// means one contract per lot.
func InstrumentsFromConfig(list []config.InstrumentConfig) ([]broker.Instrument, error) {
	out := make([]broker.Instrument, 0, len(list))
	for _, ic := range list {
		inst, err := instrumentFromConfig(ic)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func instrumentFromConfig(ic config.InstrumentConfig) (broker.Instrument, error) {
	tickSize, err := decimal.NewFromString(ic.TickSize)
	if err != nil {
		return broker.Instrument{}, fmt.Errorf("%s tick_size: %w", ic.Symbol, err)
	}
	tickValue, err := decimal.NewFromString(ic.TickValue)
	if err != nil {
		return broker.Instrument{}, fmt.Errorf("%s tick_value: %w", ic.Symbol, err)
	}
	lotSize := decimal.NewFromInt(1)
	if ic.LotSize != "" {
		if lotSize, err = decimal.NewFromString(ic.LotSize); err != nil {
			return broker.Instrument{}, fmt.Errorf("%s lot_size: %w", ic.Symbol, err)
		}
	}
	return broker.Instrument{
		Symbol:    ic.Symbol,
		Name:      ic.Name,
		TickSize:  tickSize,
		TickValue: tickValue,
		LotSize:   lotSize,
	}, nil
}
