package builtins

import (
	"pivot/internal/domain"
	"pivot/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*AlwaysBuy)(nil)

// AlwaysBuy signals BUY on every evaluation with data. It exists for paper
// runs and end-to-end tests where the order path matters more than the
// entry logic.
type AlwaysBuy struct{}

// NewAlwaysBuy creates an AlwaysBuy strategy.
func NewAlwaysBuy() *AlwaysBuy { return &AlwaysBuy{} }

// Name returns "always-buy".
func (s *AlwaysBuy) Name() string { return "always-buy" }

// Evaluate returns BUY whenever at least one bar is present.
func (s *AlwaysBuy) Evaluate(bars []domain.Bar) domain.Signal {
	if len(bars) == 0 {
		return domain.SignalHold
	}
	return domain.SignalBuy
}
