package strategy

import (
	"context"
	"fmt"
	"time"

	"pivot/internal/domain"
	"pivot/internal/store"
)

// BacktestResult summarizes a bracket replay over journaled bars. PnL is in
// price points per contract, before any point-value scaling.
type BacktestResult struct {
	Bars       int
	Signals    int
	Trades     int
	Wins       int
	Losses     int
	Unresolved int
	PnLPoints  float64
}

// Backtester replays journaled bars through a strategy and simulates the
// bracket outcome of each entry: a fixed stop below and target above the
// entry close. When a bar spans both levels the stop is assumed to fill
// first.
type Backtester struct {
	store    store.BarStore
	registry *Registry
}

// NewBacktester creates a Backtester that reads bars from the given store
// and looks up strategies in the provided registry.
func NewBacktester(barStore store.BarStore, registry *Registry) *Backtester {
	return &Backtester{
		store:    barStore,
		registry: registry,
	}
}

// Run replays bars for symbol in [start, end] through the named strategy
// with the given bracket geometry.
func (bt *Backtester) Run(
	ctx context.Context,
	strategyName, symbol string,
	start, end time.Time,
	tickSize float64,
	stopTicks, profitTicks int,
) (*BacktestResult, error) {
	strat, ok := bt.registry.Get(strategyName)
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", strategyName)
	}

	bars, err := bt.store.ReadBars(ctx, symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("reading bars: %w", err)
	}

	res := &BacktestResult{Bars: len(bars)}
	var (
		inTrade bool
		stop    float64
		target  float64
		entry   float64
	)

	for i := range bars {
		if inTrade {
			switch {
			case bars[i].Low <= stop:
				res.Losses++
				res.PnLPoints += stop - entry
				inTrade = false
			case bars[i].High >= target:
				res.Wins++
				res.PnLPoints += target - entry
				inTrade = false
			}
			continue
		}

		if strat.Evaluate(bars[:i+1]) != domain.SignalBuy {
			continue
		}
		res.Signals++
		res.Trades++
		entry = bars[i].Close
		stop = entry - float64(stopTicks)*tickSize
		target = entry + float64(profitTicks)*tickSize
		inTrade = true
	}

	if inTrade {
		res.Unresolved++
	}
	return res, nil
}
