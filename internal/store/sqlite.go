package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"pivot/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Ledger = (*SQLiteStore)(nil)

// SQLiteStore implements Ledger backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS orders (
	id              INTEGER PRIMARY KEY,
	parent_id       INTEGER NOT NULL DEFAULT 0,
	client_order_id TEXT NOT NULL DEFAULT '',
	ticker          TEXT NOT NULL,
	sec_type        TEXT NOT NULL,
	exchange        TEXT NOT NULL,
	currency        TEXT NOT NULL,
	expiry          TEXT NOT NULL,
	action          TEXT NOT NULL,
	order_type      TEXT NOT NULL,
	quantity        INTEGER NOT NULL,
	aux_price       REAL NOT NULL DEFAULT 0,
	outside_rth     INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders(created_at);

CREATE TABLE IF NOT EXISTS order_status (
	order_id        INTEGER PRIMARY KEY,
	parent_id       INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	filled          INTEGER NOT NULL DEFAULT 0,
	remaining       INTEGER NOT NULL DEFAULT 0,
	avg_fill_price  REAL NOT NULL DEFAULT 0,
	last_fill_price REAL NOT NULL DEFAULT 0,
	updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	ticker    TEXT NOT NULL,
	sec_type  TEXT NOT NULL,
	exchange  TEXT NOT NULL,
	currency  TEXT NOT NULL,
	expiry    TEXT NOT NULL,
	quantity  INTEGER NOT NULL,
	avg_price REAL NOT NULL,
	opened_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_opened_at ON positions(opened_at);

CREATE TABLE IF NOT EXISTS trading_pause (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	start_at INTEGER NOT NULL,
	end_at   INTEGER NOT NULL
);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, ensures the
// ledger schema exists, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// The ledger is written by a single process; one connection avoids
	// SQLITE_BUSY under the pure-Go driver.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// SaveOrders inserts order rows inside a single transaction.
func (s *SQLiteStore) SaveOrders(ctx context.Context, orders ...domain.Order) error {
	if len(orders) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, o := range orders {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders
				(id, parent_id, client_order_id, ticker, sec_type, exchange,
				 currency, expiry, action, order_type, quantity, aux_price,
				 outside_rth, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.ParentID, o.ClientOrderID,
			o.Contract.Ticker, o.Contract.SecType, o.Contract.Exchange,
			o.Contract.Currency, o.Contract.Expiry,
			string(o.Action), string(o.Type), o.Quantity, o.AuxPrice,
			boolToInt(o.OutsideRTH), o.CreatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("inserting order %d: %w", o.ID, err)
		}
	}
	return tx.Commit()
}

// SaveOrderState upserts the latest status snapshot for an order.
func (s *SQLiteStore) SaveOrderState(ctx context.Context, st domain.OrderState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_status
			(order_id, parent_id, status, filled, remaining, avg_fill_price,
			 last_fill_price, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			parent_id = excluded.parent_id,
			status = excluded.status,
			filled = excluded.filled,
			remaining = excluded.remaining,
			avg_fill_price = excluded.avg_fill_price,
			last_fill_price = excluded.last_fill_price,
			updated_at = excluded.updated_at`,
		st.OrderID, st.ParentID, string(st.Status), st.Filled, st.Remaining,
		st.AvgFillPrice, st.LastFillPrice, st.UpdatedAt.UnixNano(),
	)
	return err
}

// OrderState returns the stored snapshot for one order, or nil when absent.
func (s *SQLiteStore) OrderState(ctx context.Context, orderID int64) (*domain.OrderState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, parent_id, status, filled, remaining, avg_fill_price,
		       last_fill_price, updated_at
		FROM order_status WHERE order_id = ?`, orderID)

	st, err := scanOrderState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// OrdersSince returns orders created at or after the cutoff, oldest first.
func (s *SQLiteStore) OrdersSince(ctx context.Context, since time.Time) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, client_order_id, ticker, sec_type, exchange,
		       currency, expiry, action, order_type, quantity, aux_price,
		       outside_rth, created_at
		FROM orders WHERE created_at >= ? ORDER BY created_at, id`,
		since.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var (
			o          domain.Order
			action     string
			orderType  string
			outsideRTH int
			createdNS  int64
		)
		err := rows.Scan(&o.ID, &o.ParentID, &o.ClientOrderID,
			&o.Contract.Ticker, &o.Contract.SecType, &o.Contract.Exchange,
			&o.Contract.Currency, &o.Contract.Expiry,
			&action, &orderType, &o.Quantity, &o.AuxPrice,
			&outsideRTH, &createdNS)
		if err != nil {
			return nil, err
		}
		o.Action = domain.Action(action)
		o.Type = domain.OrderType(orderType)
		o.OutsideRTH = outsideRTH != 0
		o.CreatedAt = time.Unix(0, createdNS)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// OrderStatesSince returns status snapshots for orders created at or after
// the cutoff.
func (s *SQLiteStore) OrderStatesSince(ctx context.Context, since time.Time) ([]domain.OrderState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.order_id, s.parent_id, s.status, s.filled, s.remaining,
		       s.avg_fill_price, s.last_fill_price, s.updated_at
		FROM order_status s
		JOIN orders o ON o.id = s.order_id
		WHERE o.created_at >= ?
		ORDER BY o.created_at, s.order_id`,
		since.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []domain.OrderState
	for rows.Next() {
		st, err := scanOrderState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *st)
	}
	return states, rows.Err()
}

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

// SavePosition appends a position row.
func (s *SQLiteStore) SavePosition(ctx context.Context, pos domain.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions
			(ticker, sec_type, exchange, currency, expiry, quantity, avg_price, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pos.Contract.Ticker, pos.Contract.SecType, pos.Contract.Exchange,
		pos.Contract.Currency, pos.Contract.Expiry,
		pos.Quantity, pos.AvgPrice, pos.OpenedAt.UnixNano(),
	)
	return err
}

// LatestPosition returns the newest position row, or nil when none exists.
func (s *SQLiteStore) LatestPosition(ctx context.Context) (*domain.Position, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ticker, sec_type, exchange, currency, expiry, quantity, avg_price, opened_at
		FROM positions ORDER BY id DESC LIMIT 1`)

	pos, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return pos, nil
}

// PositionsSince returns position rows opened at or after the cutoff.
func (s *SQLiteStore) PositionsSince(ctx context.Context, since time.Time) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ticker, sec_type, exchange, currency, expiry, quantity, avg_price, opened_at
		FROM positions WHERE opened_at >= ? ORDER BY id`,
		since.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *pos)
	}
	return positions, rows.Err()
}

// ---------------------------------------------------------------------------
// Pauses
// ---------------------------------------------------------------------------

// SavePause records a trading pause window.
func (s *SQLiteStore) SavePause(ctx context.Context, p domain.TradingPause) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trading_pause (start_at, end_at) VALUES (?, ?)`,
		p.Start.UnixNano(), p.End.UnixNano())
	return err
}

// LatestPause returns the most recent pause, or nil when none exists.
func (s *SQLiteStore) LatestPause(ctx context.Context) (*domain.TradingPause, error) {
	var startNS, endNS int64
	err := s.db.QueryRowContext(ctx,
		`SELECT start_at, end_at FROM trading_pause ORDER BY id DESC LIMIT 1`,
	).Scan(&startNS, &endNS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &domain.TradingPause{
		Start: time.Unix(0, startNS),
		End:   time.Unix(0, endNS),
	}, nil
}

// ---------------------------------------------------------------------------
// Reset
// ---------------------------------------------------------------------------

// Reinitialize drops and recreates all ledger tables.
func (s *SQLiteStore) Reinitialize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DROP TABLE IF EXISTS orders;
		DROP TABLE IF EXISTS order_status;
		DROP TABLE IF EXISTS positions;
		DROP TABLE IF EXISTS trading_pause;`)
	if err != nil {
		return fmt.Errorf("dropping ledger tables: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("recreating ledger schema: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Scan helpers
// ---------------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrderState(r rowScanner) (*domain.OrderState, error) {
	var (
		st        domain.OrderState
		status    string
		updatedNS int64
	)
	err := r.Scan(&st.OrderID, &st.ParentID, &status, &st.Filled, &st.Remaining,
		&st.AvgFillPrice, &st.LastFillPrice, &updatedNS)
	if err != nil {
		return nil, err
	}
	st.Status = domain.Status(status)
	st.UpdatedAt = time.Unix(0, updatedNS)
	return &st, nil
}

func scanPosition(r rowScanner) (*domain.Position, error) {
	var (
		pos      domain.Position
		openedNS int64
	)
	err := r.Scan(&pos.Contract.Ticker, &pos.Contract.SecType,
		&pos.Contract.Exchange, &pos.Contract.Currency, &pos.Contract.Expiry,
		&pos.Quantity, &pos.AvgPrice, &openedNS)
	if err != nil {
		return nil, err
	}
	pos.OpenedAt = time.Unix(0, openedNS)
	return &pos, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
