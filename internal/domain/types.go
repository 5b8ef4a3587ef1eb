// Package domain defines the shared value types of the trading system:
// contracts, orders, order state snapshots, positions, bars, and signals.
package domain

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Enums
// ---------------------------------------------------------------------------

// Action is the side of an order.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// OrderType identifies the execution type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MKT"
	OrderTypeLimit  OrderType = "LMT"
	OrderTypeStop   OrderType = "STP"
)

// Status is the lifecycle state of an order as reported by the broker.
type Status string

const (
	StatusPendingSubmit Status = "PendingSubmit"
	StatusPreSubmitted  Status = "PreSubmitted"
	StatusSubmitted     Status = "Submitted"
	StatusFilled        Status = "Filled"
	StatusCancelled     Status = "Cancelled"
	StatusInactive      Status = "Inactive"
)

// Terminal reports whether the status is final. Terminal orders receive no
// further updates from the broker.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusInactive
}

// Signal is a strategy recommendation for the next action.
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

// ---------------------------------------------------------------------------
// Contract
// ---------------------------------------------------------------------------

// Contract identifies a tradable instrument. Expiry uses the YYYYMM contract
// month format and is empty for non-expiring instruments.
type Contract struct {
	Ticker   string
	SecType  string
	Exchange string
	Currency string
	Expiry   string
}

// String returns a compact identifier like "MNQ/FUT/202509".
func (c Contract) String() string {
	if c.Expiry == "" {
		return fmt.Sprintf("%s/%s", c.Ticker, c.SecType)
	}
	return fmt.Sprintf("%s/%s/%s", c.Ticker, c.SecType, c.Expiry)
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// Order is an instruction sent to the broker. ID is assigned by the broker
// adapter from a monotonically increasing counter. ParentID is zero for a
// standalone or entry order and links child exit orders to their entry.
type Order struct {
	ID            int64
	ParentID      int64
	ClientOrderID string
	Contract      Contract
	Action        Action
	Type          OrderType
	Quantity      int
	// AuxPrice is the limit price for LMT orders and the trigger price for
	// STP orders. Unused for MKT orders.
	AuxPrice float64
	// Transmit false holds the order at the broker until a later order in the
	// same chain carries true, which releases the whole group atomically.
	Transmit   bool
	OutsideRTH bool
	CreatedAt  time.Time
}

// OrderState is a point-in-time status snapshot for one order.
type OrderState struct {
	OrderID       int64
	ParentID      int64
	Status        Status
	Filled        int
	Remaining     int
	AvgFillPrice  float64
	LastFillPrice float64
	UpdatedAt     time.Time
}

// Leg pairs an order with its reconciliation flag. Handled marks a fill whose
// position effect has already been applied, so replays and repeated
// reconciliation passes never double-apply it.
type Leg struct {
	Order   Order
	Handled bool
}

// BracketOrder groups an entry with its protective exits. TakeProfit and
// StopLoss are nil for brackets that record a bare market order, such as an
// emergency flatten.
type BracketOrder struct {
	Entry      *Leg
	TakeProfit *Leg
	StopLoss   *Leg
}

// Legs returns the non-nil legs in entry, take-profit, stop-loss order.
func (b *BracketOrder) Legs() []*Leg {
	legs := make([]*Leg, 0, 3)
	for _, l := range []*Leg{b.Entry, b.TakeProfit, b.StopLoss} {
		if l != nil {
			legs = append(legs, l)
		}
	}
	return legs
}

// ---------------------------------------------------------------------------
// Positions and pauses
// ---------------------------------------------------------------------------

// Position is one row of the append-only position history. The newest row is
// the current position; earlier rows are never mutated.
type Position struct {
	Contract Contract
	Quantity int
	AvgPrice float64
	OpenedAt time.Time
}

// TradingPause is a cool-down window during which no new entries are allowed.
type TradingPause struct {
	Start time.Time
	End   time.Time
}

// Active reports whether the pause covers the given instant.
func (p TradingPause) Active(now time.Time) bool {
	return !now.Before(p.Start) && now.Before(p.End)
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar is one OHLCV bar.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}
