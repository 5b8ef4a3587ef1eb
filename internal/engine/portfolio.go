// Package engine coordinates order placement, position reconciliation, and
// risk gating for the trading system.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"pivot/internal/broker"
	"pivot/internal/domain"
	"pivot/internal/notify"
	"pivot/internal/store"
	"pivot/internal/util"
)

// PortfolioManager owns the live bracket orders and the position book. It
// reconciles broker status against the durable ledger and applies every fill
// to the position exactly once.
type PortfolioManager struct {
	broker broker.Broker
	ledger store.Ledger
	board  *notify.Board
	log    *slog.Logger

	contracts       int
	tickSize        float64
	pointValue      float64
	stopLossTicks   int
	takeProfitTicks int
	timeout         time.Duration

	mu       sync.Mutex
	brackets []*domain.BracketOrder
	position domain.Position
}

// NewPortfolioManager creates a PortfolioManager wired to the given broker
// and ledger.
func NewPortfolioManager(
	b broker.Broker,
	ledger store.Ledger,
	board *notify.Board,
	log *slog.Logger,
	contracts int,
	tickSize, pointValue float64,
	stopLossTicks, takeProfitTicks int,
	timeout time.Duration,
) *PortfolioManager {
	return &PortfolioManager{
		broker:          b,
		ledger:          ledger,
		board:           board,
		log:             log,
		contracts:       contracts,
		tickSize:        tickSize,
		pointValue:      pointValue,
		stopLossTicks:   stopLossTicks,
		takeProfitTicks: takeProfitTicks,
		timeout:         timeout,
	}
}

// alignToTick rounds a price to the nearest valid tick.
func alignToTick(price, tick float64) float64 {
	return math.Round(price/tick) * tick
}

// ---------------------------------------------------------------------------
// Order placement
// ---------------------------------------------------------------------------

// PlaceBracketOrder opens a new long bracket around the given reference
// price: a market entry, a take-profit limit above, and a stop-loss below.
// On a failed submission it cancels what it can and flattens any naked fill;
// if that recovery cannot restore a known state it returns ErrConsistency.
func (pm *PortfolioManager) PlaceBracketOrder(ctx context.Context, c domain.Contract, refPrice float64) error {
	takeProfit := alignToTick(refPrice+float64(pm.takeProfitTicks)*pm.tickSize, pm.tickSize)
	stopLoss := alignToTick(refPrice-float64(pm.stopLossTicks)*pm.tickSize, pm.tickSize)

	bo := pm.broker.CreateBracketOrder(c, domain.ActionBuy, pm.contracts, takeProfit, stopLoss)

	orders := make([]domain.Order, 0, 3)
	for _, leg := range bo.Legs() {
		orders = append(orders, leg.Order)
	}

	pm.log.Info("placing bracket order",
		"contract", c.String(),
		"qty", pm.contracts,
		"ref", refPrice,
		"take_profit", takeProfit,
		"stop_loss", stopLoss)

	placeErr := pm.broker.PlaceOrders(ctx, orders...)
	if placeErr == nil {
		// Accepted means every leg has reported a status.
		for _, leg := range bo.Legs() {
			if _, err := broker.WaitOrderState(ctx, pm.broker, leg.Order.ID, pm.timeout); err != nil {
				placeErr = fmt.Errorf("order %d: %w", leg.Order.ID, err)
				break
			}
		}
	}
	if placeErr != nil {
		pm.log.Error("bracket submission failed, recovering", "error", placeErr)
		if err := pm.recoverFailedBracket(ctx, &bo); err != nil {
			return err
		}
		return fmt.Errorf("bracket submission failed: %w", placeErr)
	}

	pm.mu.Lock()
	pm.brackets = append(pm.brackets, &bo)
	pm.mu.Unlock()

	// The ledger records the bracket only after the broker accepted all
	// three legs; a failed submission leaves no rows to replay after a
	// restart.
	if err := pm.ledger.SaveOrders(ctx, orders...); err != nil {
		return fmt.Errorf("recording bracket orders: %w", err)
	}
	for _, leg := range bo.Legs() {
		st, ok := pm.broker.OrderState(leg.Order.ID)
		if !ok {
			continue
		}
		if err := pm.ledger.SaveOrderState(ctx, st); err != nil {
			return fmt.Errorf("recording bracket status: %w", err)
		}
	}

	pm.board.Appendf("placed bracket %s x%d tp=%.2f sl=%.2f", c.String(), pm.contracts, takeProfit, stopLoss)
	return nil
}

// recoverFailedBracket walks back a bracket whose submission did not
// complete cleanly. Every leg is driven to a terminal status: open legs are
// cancelled, entry first, and polled until the cancel or a fill racing it
// settles. The ledger never saw these orders, so nothing is recorded unless
// a flatten trade happens.
func (pm *PortfolioManager) recoverFailedBracket(ctx context.Context, bo *domain.BracketOrder) error {
	// One more bounded look in case the entry's status arrived late.
	broker.WaitOrderState(ctx, pm.broker, bo.Entry.Order.ID, pm.timeout)

	for _, leg := range bo.Legs() {
		st, ok := pm.broker.OrderState(leg.Order.ID)
		if ok && st.Status.Terminal() {
			continue
		}
		if err := pm.broker.CancelOrder(ctx, leg.Order.ID); err != nil {
			pm.log.Error("cancel during bracket recovery failed",
				"order_id", leg.Order.ID, "error", err)
			return fmt.Errorf("order %d uncancellable: %w", leg.Order.ID, ErrConsistency)
		}
		// A fill can race the cancel request. Wait for the leg to settle
		// one way or the other before trusting its state.
		if _, err := broker.WaitFill(ctx, pm.broker, leg.Order.ID, pm.timeout); err != nil {
			pm.log.Error("order still open after cancel",
				"order_id", leg.Order.ID, "error", err)
			return fmt.Errorf("order %d still open after cancel: %w", leg.Order.ID, ErrConsistency)
		}
	}

	// Re-read the entry now that every leg has settled. A fill that raced
	// the cancel leaves an unprotected position; flatten it immediately.
	entryState, _ := pm.broker.OrderState(bo.Entry.Order.ID)
	if entryState.Filled > 0 {
		pm.log.Warn("flattening naked fill after failed bracket",
			"order_id", bo.Entry.Order.ID, "filled", entryState.Filled)
		ord, st, err := pm.broker.PlaceMarketOrder(ctx, bo.Entry.Order.Contract, domain.ActionSell, entryState.Filled)
		if err != nil {
			return fmt.Errorf("flattening naked fill: %w", ErrConsistency)
		}
		if err := pm.ledger.SaveOrders(ctx, ord); err != nil {
			return err
		}
		if err := pm.ledger.SaveOrderState(ctx, st); err != nil {
			return err
		}
		pm.board.Appendf("flattened %d naked contracts after failed bracket", entryState.Filled)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

// legState looks up the status snapshot for an order: the broker's live map
// first, the durable ledger as fallback for orders the current broker
// session has never seen.
func (pm *PortfolioManager) legState(ctx context.Context, orderID int64) (domain.OrderState, bool) {
	if st, ok := pm.broker.OrderState(orderID); ok {
		return st, true
	}
	st, err := pm.ledger.OrderState(ctx, orderID)
	if err != nil || st == nil {
		return domain.OrderState{}, false
	}
	return *st, true
}

// UpdatePositions reconciles every tracked leg against the broker, persists
// fresh status snapshots, and applies each fill to the position book once.
// Repeated calls with no new fills are no-ops.
func (pm *PortfolioManager) UpdatePositions(ctx context.Context) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for _, bo := range pm.brackets {
		for _, leg := range bo.Legs() {
			st, fromBroker := pm.broker.OrderState(leg.Order.ID)
			if fromBroker {
				if err := pm.ledger.SaveOrderState(ctx, st); err != nil {
					return fmt.Errorf("persisting order state: %w", err)
				}
			} else {
				stored, err := pm.ledger.OrderState(ctx, leg.Order.ID)
				if err != nil || stored == nil {
					continue
				}
				st = *stored
			}
			if st.Status != domain.StatusFilled || leg.Handled {
				continue
			}

			pm.position = applyFill(pm.position, leg.Order.Contract, leg.Order.Action, st.Filled, st.AvgFillPrice, st.UpdatedAt)
			leg.Handled = true

			pm.log.Info("fill applied",
				"order_id", leg.Order.ID,
				"action", leg.Order.Action,
				"qty", st.Filled,
				"price", st.AvgFillPrice,
				"position", pm.position.Quantity,
				"avg_price", pm.position.AvgPrice)
			pm.board.Appendf("%s %d @ %.2f, position %d", leg.Order.Action, st.Filled, st.AvgFillPrice, pm.position.Quantity)

			if err := pm.ledger.SavePosition(ctx, pm.position); err != nil {
				return fmt.Errorf("persisting position: %w", err)
			}
		}
	}
	return nil
}

// applyFill merges one fill into the position with the quantity-weighted
// average rule: a buy is a positive quantity delta, a sell a negative one,
// and the fill price folds into the average either way. A position that
// reaches zero clears its average price.
func applyFill(pos domain.Position, c domain.Contract, action domain.Action, qty int, price float64, at time.Time) domain.Position {
	pos.Contract = c
	pos.OpenedAt = at

	delta := qty
	if action == domain.ActionSell {
		delta = -qty
	}
	total := pos.Quantity + delta
	if total != 0 {
		pos.AvgPrice = (float64(pos.Quantity)*pos.AvgPrice + float64(delta)*price) / float64(total)
	} else {
		pos.AvgPrice = 0
	}
	pos.Quantity = total
	return pos
}

// CheckCancelledEntries handles brackets whose entry the broker cancelled
// before any fill: the orphaned exit legs are cancelled and the bracket is
// dropped. It returns the number of brackets torn down this way, so the
// caller can decide whether to submit a replacement.
func (pm *PortfolioManager) CheckCancelledEntries(ctx context.Context) (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var kept []*domain.BracketOrder
	dropped := 0
	for _, bo := range pm.brackets {
		st, ok := pm.legState(ctx, bo.Entry.Order.ID)
		if !ok || st.Status != domain.StatusCancelled || st.Filled > 0 {
			kept = append(kept, bo)
			continue
		}

		pm.log.Warn("entry cancelled before fill, tearing down bracket", "order_id", bo.Entry.Order.ID)
		for _, leg := range []*domain.Leg{bo.TakeProfit, bo.StopLoss} {
			if leg == nil {
				continue
			}
			if ls, ok := pm.legState(ctx, leg.Order.ID); ok && ls.Status.Terminal() {
				continue
			}
			if err := pm.broker.CancelOrder(ctx, leg.Order.ID); err != nil {
				pm.log.Error("cancelling orphaned exit failed", "order_id", leg.Order.ID, "error", err)
			}
		}
		pm.board.Appendf("bracket %d torn down: entry cancelled unfilled", bo.Entry.Order.ID)
		dropped++
	}
	pm.brackets = kept
	return dropped, nil
}

// ---------------------------------------------------------------------------
// PnL
// ---------------------------------------------------------------------------

// DailyPnL sums realized profit across tracked brackets, scaled by the
// contract point value. A bracket counts only once at least two of its legs
// have filled, which is the earliest point a round trip is complete. Sell
// fills add, buy fills subtract. Both exits filling is a broker-side OCO
// failure; it is logged and still summed so the loss gate sees it.
func (pm *PortfolioManager) DailyPnL(ctx context.Context) float64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var points float64
	for _, bo := range pm.brackets {
		var filled []struct {
			action domain.Action
			qty    int
			price  float64
		}
		exitFills := 0
		for _, leg := range bo.Legs() {
			st, ok := pm.legState(ctx, leg.Order.ID)
			if !ok || st.Status != domain.StatusFilled {
				continue
			}
			if leg != bo.Entry {
				exitFills++
			}
			filled = append(filled, struct {
				action domain.Action
				qty    int
				price  float64
			}{leg.Order.Action, st.Filled, st.AvgFillPrice})
		}
		if len(filled) < 2 {
			continue
		}
		if exitFills == 2 {
			pm.log.Error("both exit legs filled, OCO failed at broker", "entry_id", bo.Entry.Order.ID)
			pm.board.Appendf("anomaly: both exits of bracket %d filled", bo.Entry.Order.ID)
		}
		for _, f := range filled {
			v := float64(f.qty) * f.price
			if f.action == domain.ActionSell {
				points += v
			} else {
				points -= v
			}
		}
	}
	return points * pm.pointValue
}

// ---------------------------------------------------------------------------
// Bulk actions
// ---------------------------------------------------------------------------

// CancelAllOrders cancels every tracked leg that is still open.
func (pm *PortfolioManager) CancelAllOrders(ctx context.Context) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for _, bo := range pm.brackets {
		for _, leg := range bo.Legs() {
			if st, ok := pm.legState(ctx, leg.Order.ID); ok && st.Status.Terminal() {
				continue
			}
			if err := pm.broker.CancelOrder(ctx, leg.Order.ID); err != nil {
				pm.log.Error("cancel failed", "order_id", leg.Order.ID, "error", err)
			}
		}
	}
	return nil
}

// CloseAllPositions flattens the current position with a market order and
// records the flat position in the ledger.
func (pm *PortfolioManager) CloseAllPositions(ctx context.Context) error {
	pm.mu.Lock()
	qty := pm.position.Quantity
	c := pm.position.Contract
	pm.mu.Unlock()

	if qty <= 0 {
		return nil
	}

	// Confirm with the broker before selling; the broker's count wins.
	brokerPositions, err := pm.broker.Positions(ctx)
	if err != nil {
		return fmt.Errorf("verifying position before close: %w", err)
	}
	live := 0
	for _, bp := range brokerPositions {
		if bp.Contract.Ticker == c.Ticker {
			live += bp.Quantity
		}
	}
	if live != qty {
		pm.log.Warn("book and broker disagree at close", "book_qty", qty, "broker_qty", live)
		qty = live
	}
	if qty <= 0 {
		return nil
	}

	pm.log.Info("closing position", "contract", c.String(), "qty", qty)
	ord, st, err := pm.broker.PlaceMarketOrder(ctx, c, domain.ActionSell, qty)
	if err != nil {
		return fmt.Errorf("closing position: %w", err)
	}
	if err := pm.ledger.SaveOrders(ctx, ord); err != nil {
		return err
	}
	if err := pm.ledger.SaveOrderState(ctx, st); err != nil {
		return err
	}

	pm.mu.Lock()
	pm.position = applyFill(pm.position, c, domain.ActionSell, st.Filled, st.AvgFillPrice, st.UpdatedAt)
	flat := pm.position
	pm.mu.Unlock()

	if err := pm.ledger.SavePosition(ctx, flat); err != nil {
		return err
	}
	pm.board.Appendf("closed %d %s @ %.2f", st.Filled, c.String(), st.AvgFillPrice)
	return nil
}

// ---------------------------------------------------------------------------
// Crash recovery
// ---------------------------------------------------------------------------

// PopulateFromStore rebuilds the in-memory brackets and position from the
// ledger after a restart. It replays all orders of the current trading day,
// re-derives the handled flag from filled statuses, and cross-checks the
// resulting position against the broker. On a mismatch it resets the ledger
// and adopts the broker's view, loudly.
func (pm *PortfolioManager) PopulateFromStore(ctx context.Context, now time.Time, sessionStart util.Clock) error {
	cutoff := util.TradingDayStart(now, sessionStart)

	orders, err := pm.ledger.OrdersSince(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("replaying orders: %w", err)
	}
	states, err := pm.ledger.OrderStatesSince(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("replaying order states: %w", err)
	}

	stateByID := make(map[int64]domain.OrderState, len(states))
	for _, st := range states {
		stateByID[st.OrderID] = st
	}

	// Rebuild brackets: entries carry no parent, exits reference theirs.
	brackets := make(map[int64]*domain.BracketOrder)
	var order []int64
	for _, o := range orders {
		if o.ParentID == 0 {
			leg := &domain.Leg{Order: o}
			brackets[o.ID] = &domain.BracketOrder{Entry: leg}
			order = append(order, o.ID)
		}
	}
	for _, o := range orders {
		if o.ParentID == 0 {
			continue
		}
		bo, ok := brackets[o.ParentID]
		if !ok {
			pm.log.Warn("orphan exit order in ledger", "order_id", o.ID, "parent_id", o.ParentID)
			continue
		}
		leg := &domain.Leg{Order: o}
		switch o.Type {
		case domain.OrderTypeLimit:
			bo.TakeProfit = leg
		case domain.OrderTypeStop:
			bo.StopLoss = leg
		}
	}

	// Re-derive handled flags and the net position from filled legs.
	var pos domain.Position
	rebuilt := make([]*domain.BracketOrder, 0, len(order))
	for _, id := range order {
		bo := brackets[id]
		rebuilt = append(rebuilt, bo)
		for _, leg := range bo.Legs() {
			st, ok := stateByID[leg.Order.ID]
			if !ok || st.Status != domain.StatusFilled {
				continue
			}
			leg.Handled = true
			pos = applyFill(pos, leg.Order.Contract, leg.Order.Action, st.Filled, st.AvgFillPrice, st.UpdatedAt)
		}
	}

	// Cross-check the replayed position against the broker.
	brokerQty := 0
	brokerPositions, err := pm.broker.Positions(ctx)
	if err != nil {
		return fmt.Errorf("fetching broker positions: %w", err)
	}
	var brokerPos domain.Position
	for _, bp := range brokerPositions {
		if len(orders) == 0 || bp.Contract.Ticker == orders[0].Contract.Ticker {
			brokerQty += bp.Quantity
			brokerPos = bp
		}
	}

	if brokerQty != pos.Quantity {
		pm.log.Error("ledger and broker disagree on position, resetting ledger",
			"ledger_qty", pos.Quantity,
			"broker_qty", brokerQty)
		pm.board.Appendf("RESET: ledger said %d contracts, broker says %d", pos.Quantity, brokerQty)
		// Nothing working at the broker may outlive the reset; a stale exit
		// could later fill against an empty book.
		open, err := pm.broker.OpenOrders(ctx)
		if err != nil {
			return fmt.Errorf("listing open orders during reset: %w", err)
		}
		for _, o := range open {
			if err := pm.broker.CancelOrder(ctx, o.ID); err != nil {
				pm.log.Error("cancelling stale order during reset failed",
					"order_id", o.ID, "error", err)
			}
		}
		if err := pm.ledger.Reinitialize(ctx); err != nil {
			return fmt.Errorf("reinitializing ledger: %w", err)
		}
		pm.mu.Lock()
		pm.brackets = nil
		pm.position = brokerPos
		pm.mu.Unlock()
		if brokerQty > 0 {
			if err := pm.ledger.SavePosition(ctx, brokerPos); err != nil {
				return err
			}
		}
		return nil
	}

	pm.mu.Lock()
	pm.brackets = rebuilt
	pm.position = pos
	pm.mu.Unlock()

	pm.log.Info("state rebuilt from ledger",
		"since", cutoff,
		"brackets", len(rebuilt),
		"position", pos.Quantity,
		"avg_price", pos.AvgPrice)
	return nil
}

// ---------------------------------------------------------------------------
// Views
// ---------------------------------------------------------------------------

// CurrentPosition returns the in-memory position.
func (pm *PortfolioManager) CurrentPosition() domain.Position {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.position
}

// HasPendingOrders reports whether any tracked leg is still open. A leg with
// no known status counts as pending: it may be in flight at the broker.
func (pm *PortfolioManager) HasPendingOrders(ctx context.Context) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for _, bo := range pm.brackets {
		for _, leg := range bo.Legs() {
			st, ok := pm.legState(ctx, leg.Order.ID)
			if !ok || !st.Status.Terminal() {
				return true
			}
		}
	}
	return false
}

// Brackets returns a snapshot of the tracked brackets.
func (pm *PortfolioManager) Brackets() []domain.BracketOrder {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	out := make([]domain.BracketOrder, 0, len(pm.brackets))
	for _, bo := range pm.brackets {
		out = append(out, *bo)
	}
	return out
}
