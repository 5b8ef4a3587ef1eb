// Package builtins provides the built-in signal strategies.
package builtins

import (
	"math"

	"pivot/internal/domain"
	"pivot/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*BBRSI)(nil)

// BBRSI is a mean-reversion entry strategy. It signals BUY when the latest
// close sits below the Bollinger middle band while RSI crosses up through
// the oversold threshold, and HOLD otherwise. It never signals SELL; exits
// belong to the bracket, not the strategy.
type BBRSI struct {
	bbPeriod     int
	bbStdDev     float64
	rsiPeriod    int
	rsiThreshold float64
}

// NewBBRSI creates a BBRSI strategy with the given indicator parameters.
func NewBBRSI(bbPeriod int, bbStdDev float64, rsiPeriod int, rsiThreshold float64) *BBRSI {
	return &BBRSI{
		bbPeriod:     bbPeriod,
		bbStdDev:     bbStdDev,
		rsiPeriod:    rsiPeriod,
		rsiThreshold: rsiThreshold,
	}
}

// Name returns "bb-rsi".
func (s *BBRSI) Name() string { return "bb-rsi" }

// Evaluate applies the entry conditions to the bar history.
func (s *BBRSI) Evaluate(bars []domain.Bar) domain.Signal {
	if len(bars) < 2 {
		return domain.SignalHold
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	middle := sma(closes, s.bbPeriod)
	if math.IsNaN(middle) {
		return domain.SignalHold
	}

	rsi := rsiSeries(closes, s.rsiPeriod)
	last, prev := rsi[len(rsi)-1], rsi[len(rsi)-2]
	if math.IsNaN(last) || math.IsNaN(prev) {
		return domain.SignalHold
	}

	belowMiddle := closes[len(closes)-1] < middle
	crossedUp := prev < s.rsiThreshold && last > s.rsiThreshold

	if belowMiddle && crossedUp {
		return domain.SignalBuy
	}
	return domain.SignalHold
}
