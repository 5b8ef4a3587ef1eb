// Package store defines storage interfaces for the durable order ledger and
// the bar journal, plus their SQLite and Parquet implementations.
package store

import (
	"context"
	"time"

	"pivot/internal/domain"
)

// Ledger is the durable record of everything the engine has done: orders,
// their latest status snapshots, the append-only position history, and
// trading pauses. The ledger is the source of truth across restarts.
type Ledger interface {
	// SaveOrders inserts order rows. Orders are immutable once written.
	SaveOrders(ctx context.Context, orders ...domain.Order) error

	// SaveOrderState upserts the latest status snapshot for an order.
	SaveOrderState(ctx context.Context, st domain.OrderState) error

	// OrderState returns the stored snapshot for one order, or nil when the
	// order has no recorded status.
	OrderState(ctx context.Context, orderID int64) (*domain.OrderState, error)

	// OrdersSince returns orders created at or after the cutoff, oldest first.
	OrdersSince(ctx context.Context, since time.Time) ([]domain.Order, error)

	// OrderStatesSince returns status snapshots for orders created at or
	// after the cutoff.
	OrderStatesSince(ctx context.Context, since time.Time) ([]domain.OrderState, error)

	// SavePosition appends a position row. Rows are never updated or deleted.
	SavePosition(ctx context.Context, pos domain.Position) error

	// LatestPosition returns the newest position row, or nil when the ledger
	// holds none.
	LatestPosition(ctx context.Context) (*domain.Position, error)

	// PositionsSince returns position rows opened at or after the cutoff,
	// oldest first.
	PositionsSince(ctx context.Context, since time.Time) ([]domain.Position, error)

	// SavePause records a trading pause window.
	SavePause(ctx context.Context, p domain.TradingPause) error

	// LatestPause returns the most recent pause, or nil when none exists.
	LatestPause(ctx context.Context) (*domain.TradingPause, error)

	// Reinitialize drops and recreates all tables. Only called after a
	// confirmed mismatch between the ledger and the broker.
	Reinitialize(ctx context.Context) error
}

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars, merging with existing data.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol within [start, end].
	ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols with journaled bars.
	ListSymbols(ctx context.Context) ([]string, error)
}
