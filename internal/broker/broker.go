// Package broker defines the Broker interface and provides implementations
// for order execution, order status tracking, and market data access.
package broker

import (
	"context"
	"errors"
	"time"

	"pivot/internal/domain"
)

// ErrTimeout is returned when a broker operation did not observe the
// expected result within its deadline.
var ErrTimeout = errors.New("broker operation timed out")

// ErrNoMarketData is returned when the broker produced no usable price.
var ErrNoMarketData = errors.New("no market data available")

// ErrUnsupportedOrder is returned for an order type or action the broker
// cannot express.
var ErrUnsupportedOrder = errors.New("unsupported order")

// Broker abstracts brokerage operations. All blocking operations take a
// context and return within the broker's configured timeout. Order status is
// observed by polling OrderState; brokers deliver status updates
// asynchronously into an in-memory map and never push to callers.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "paper").
	Name() string

	// Connect establishes the session and starts status tracking.
	Connect(ctx context.Context) error

	// Disconnect tears the session down. Safe to call more than once.
	Disconnect()

	// CreateBracketOrder builds a linked entry/take-profit/stop-loss group
	// with freshly allocated order IDs. Nothing is sent to the exchange
	// until PlaceOrders.
	CreateBracketOrder(c domain.Contract, action domain.Action, qty int, takeProfit, stopLoss float64) domain.BracketOrder

	// PlaceOrders submits orders to the exchange. Orders holding
	// Transmit=false stay parked until the final transmitting order of the
	// group arrives, so a bracket goes live atomically.
	PlaceOrders(ctx context.Context, orders ...domain.Order) error

	// PlaceMarketOrder submits a standalone market order and waits for its
	// first status snapshot.
	PlaceMarketOrder(ctx context.Context, c domain.Contract, action domain.Action, qty int) (domain.Order, domain.OrderState, error)

	// CancelOrder requests cancellation of an open order.
	CancelOrder(ctx context.Context, orderID int64) error

	// OrderState returns the live in-memory status snapshot for an order.
	// The second result is false when the broker has not reported the order
	// in this session; callers then fall back to the durable ledger.
	OrderState(orderID int64) (domain.OrderState, bool)

	// OpenOrders returns all orders the broker currently considers open.
	OpenOrders(ctx context.Context) ([]domain.Order, error)

	// Positions returns the broker-side view of open positions.
	Positions(ctx context.Context) ([]domain.Position, error)

	// LatestMidPrice returns the current bid/ask midpoint, falling back to
	// the last trade when the book is one-sided.
	LatestMidPrice(ctx context.Context, c domain.Contract) (float64, error)

	// HistoricalBars returns bars covering the lookback window ending now.
	HistoricalBars(ctx context.Context, c domain.Contract, lookback, barSize time.Duration) ([]domain.Bar, error)
}

// WaitOrderState polls the broker until a status snapshot for orderID
// appears or the timeout elapses. This is the shared observation idiom:
// brokers update state asynchronously, callers poll with a deadline.
func WaitOrderState(ctx context.Context, b Broker, orderID int64, timeout time.Duration) (domain.OrderState, error) {
	deadline := time.Now().Add(timeout)
	for {
		if st, ok := b.OrderState(orderID); ok {
			return st, nil
		}
		if time.Now().After(deadline) {
			return domain.OrderState{}, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return domain.OrderState{}, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// WaitFill polls until the order reaches a terminal status or the timeout
// elapses. It returns the last observed snapshot together with ErrTimeout
// when the order stays open.
func WaitFill(ctx context.Context, b Broker, orderID int64, timeout time.Duration) (domain.OrderState, error) {
	deadline := time.Now().Add(timeout)
	var last domain.OrderState
	for {
		if st, ok := b.OrderState(orderID); ok {
			last = st
			if st.Status.Terminal() {
				return st, nil
			}
		}
		if time.Now().After(deadline) {
			return last, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// buildBracket assembles the three linked orders of a bracket. The entry is
// a market order; exits are a limit and a stop on the opposite side. Only
// the stop transmits, releasing the whole group at once.
func buildBracket(nextID func() int64, c domain.Contract, action domain.Action, qty int, takeProfit, stopLoss float64, now time.Time) domain.BracketOrder {
	exit := domain.ActionSell
	if action == domain.ActionSell {
		exit = domain.ActionBuy
	}

	entry := domain.Order{
		ID:        nextID(),
		Contract:  c,
		Action:    action,
		Type:      domain.OrderTypeMarket,
		Quantity:  qty,
		Transmit:  false,
		CreatedAt: now,
	}
	tp := domain.Order{
		ID:        nextID(),
		ParentID:  entry.ID,
		Contract:  c,
		Action:    exit,
		Type:      domain.OrderTypeLimit,
		Quantity:  qty,
		AuxPrice:  takeProfit,
		Transmit:  false,
		CreatedAt: now,
	}
	sl := domain.Order{
		ID:         nextID(),
		ParentID:   entry.ID,
		Contract:   c,
		Action:     exit,
		Type:       domain.OrderTypeStop,
		Quantity:   qty,
		AuxPrice:   stopLoss,
		Transmit:   true,
		OutsideRTH: true,
		CreatedAt:  now,
	}

	return domain.BracketOrder{
		Entry:      &domain.Leg{Order: entry},
		TakeProfit: &domain.Leg{Order: tp},
		StopLoss:   &domain.Leg{Order: sl},
	}
}
