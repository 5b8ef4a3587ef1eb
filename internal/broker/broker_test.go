package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"pivot/internal/domain"
)

var testContract = domain.Contract{
	Ticker: "MNQ", SecType: "FUT", Exchange: "CME", Currency: "USD", Expiry: "202509",
}

func newConnectedPaper(t *testing.T, price float64) *PaperBroker {
	t.Helper()
	b := NewPaperBroker(price)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(b.Disconnect)
	return b
}

func TestPaperBrokerName(t *testing.T) {
	if got := NewPaperBroker(100).Name(); got != "paper" {
		t.Errorf("PaperBroker.Name() = %q, want %q", got, "paper")
	}
}

func TestAlpacaBrokerName(t *testing.T) {
	b := NewAlpacaBroker("key", "secret", "https://paper-api.alpaca.markets", "", 10*time.Second)
	if got := b.Name(); got != "alpaca" {
		t.Errorf("AlpacaBroker.Name() = %q, want %q", got, "alpaca")
	}
}

func TestCreateBracketOrderLinkage(t *testing.T) {
	b := NewPaperBroker(100)
	bo := b.CreateBracketOrder(testContract, domain.ActionBuy, 2, 103.0, 99.0)

	entry, tp, sl := bo.Entry.Order, bo.TakeProfit.Order, bo.StopLoss.Order

	if entry.ParentID != 0 {
		t.Errorf("entry.ParentID = %d, want 0", entry.ParentID)
	}
	if tp.ParentID != entry.ID || sl.ParentID != entry.ID {
		t.Errorf("children parents = %d, %d, want %d", tp.ParentID, sl.ParentID, entry.ID)
	}
	if entry.ID >= tp.ID || tp.ID >= sl.ID {
		t.Errorf("order IDs not monotonically increasing: %d, %d, %d", entry.ID, tp.ID, sl.ID)
	}

	if entry.Type != domain.OrderTypeMarket || entry.Action != domain.ActionBuy {
		t.Errorf("entry = %v %v, want MKT BUY", entry.Type, entry.Action)
	}
	if tp.Type != domain.OrderTypeLimit || tp.AuxPrice != 103.0 || tp.Action != domain.ActionSell {
		t.Errorf("take-profit = %v %v @ %v, want LMT SELL @ 103", tp.Type, tp.Action, tp.AuxPrice)
	}
	if sl.Type != domain.OrderTypeStop || sl.AuxPrice != 99.0 || sl.Action != domain.ActionSell {
		t.Errorf("stop = %v %v @ %v, want STP SELL @ 99", sl.Type, sl.Action, sl.AuxPrice)
	}

	// Only the last leg transmits; it releases the group atomically.
	if entry.Transmit || tp.Transmit || !sl.Transmit {
		t.Errorf("transmit flags = %v/%v/%v, want false/false/true",
			entry.Transmit, tp.Transmit, sl.Transmit)
	}
}

func TestPaperBrokerBracketFillFlow(t *testing.T) {
	b := newConnectedPaper(t, 100.0)
	ctx := context.Background()

	bo := b.CreateBracketOrder(testContract, domain.ActionBuy, 2, 103.0, 99.0)
	legs := bo.Legs()
	orders := make([]domain.Order, 0, len(legs))
	for _, l := range legs {
		orders = append(orders, l.Order)
	}
	if err := b.PlaceOrders(ctx, orders...); err != nil {
		t.Fatalf("PlaceOrders: %v", err)
	}

	// The entry fills asynchronously at the quoted price.
	entrySt, err := WaitFill(ctx, b, bo.Entry.Order.ID, time.Second)
	if err != nil {
		t.Fatalf("waiting for entry fill: %v", err)
	}
	if entrySt.AvgFillPrice != 100.0 || entrySt.Filled != 2 {
		t.Errorf("entry fill = %d @ %v, want 2 @ 100", entrySt.Filled, entrySt.AvgFillPrice)
	}

	pos, err := b.Positions(ctx)
	if err != nil {
		t.Fatalf("Positions: %v", err)
	}
	if len(pos) != 1 || pos[0].Quantity != 2 {
		t.Fatalf("positions after entry = %v, want one position of 2", pos)
	}

	// Price reaches the take-profit. The sibling stop is cancelled (OCO).
	b.SetPrice(103.5)

	tpSt, err := WaitFill(ctx, b, bo.TakeProfit.Order.ID, time.Second)
	if err != nil {
		t.Fatalf("waiting for take-profit fill: %v", err)
	}
	if tpSt.Status != domain.StatusFilled || tpSt.AvgFillPrice != 103.0 {
		t.Errorf("take-profit = %v @ %v, want Filled @ 103", tpSt.Status, tpSt.AvgFillPrice)
	}

	slSt, ok := b.OrderState(bo.StopLoss.Order.ID)
	if !ok || slSt.Status != domain.StatusCancelled {
		t.Errorf("stop after take-profit fill = %v, want Cancelled", slSt.Status)
	}

	pos, _ = b.Positions(ctx)
	if len(pos) != 0 {
		t.Errorf("positions after exit = %v, want flat", pos)
	}
}

func TestPaperBrokerStopFill(t *testing.T) {
	b := newConnectedPaper(t, 100.0)
	ctx := context.Background()

	bo := b.CreateBracketOrder(testContract, domain.ActionBuy, 1, 103.0, 99.0)
	if err := b.PlaceOrders(ctx, bo.Entry.Order, bo.TakeProfit.Order, bo.StopLoss.Order); err != nil {
		t.Fatalf("PlaceOrders: %v", err)
	}
	if _, err := WaitFill(ctx, b, bo.Entry.Order.ID, time.Second); err != nil {
		t.Fatalf("waiting for entry fill: %v", err)
	}

	b.SetPrice(98.5)

	slSt, err := WaitFill(ctx, b, bo.StopLoss.Order.ID, time.Second)
	if err != nil {
		t.Fatalf("waiting for stop fill: %v", err)
	}
	if slSt.AvgFillPrice != 99.0 {
		t.Errorf("stop fill price = %v, want 99 (trigger price)", slSt.AvgFillPrice)
	}

	tpSt, _ := b.OrderState(bo.TakeProfit.Order.ID)
	if tpSt.Status != domain.StatusCancelled {
		t.Errorf("take-profit after stop fill = %v, want Cancelled", tpSt.Status)
	}
}

func TestPaperBrokerChildrenWaitForEntry(t *testing.T) {
	b := NewPaperBroker(104.0)
	b.fillDelay = 100 * time.Millisecond
	ctx := context.Background()
	if err := b.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(b.Disconnect)

	// Price already beyond the take-profit, but exits must not fill before
	// the entry does.
	bo := b.CreateBracketOrder(testContract, domain.ActionBuy, 1, 103.0, 99.0)
	if err := b.PlaceOrders(ctx, bo.Entry.Order, bo.TakeProfit.Order, bo.StopLoss.Order); err != nil {
		t.Fatalf("PlaceOrders: %v", err)
	}

	st, ok := b.OrderState(bo.TakeProfit.Order.ID)
	if !ok || st.Status != domain.StatusPreSubmitted {
		t.Errorf("take-profit before entry fill = %v, want PreSubmitted", st.Status)
	}
}

func TestPaperBrokerPlaceMarketOrder(t *testing.T) {
	b := newConnectedPaper(t, 100.0)

	order, st, err := b.PlaceMarketOrder(context.Background(), testContract, domain.ActionBuy, 3)
	if err != nil {
		t.Fatalf("PlaceMarketOrder: %v", err)
	}
	if st.Status != domain.StatusFilled || st.Filled != 3 {
		t.Errorf("market order state = %v filled %d, want Filled 3", st.Status, st.Filled)
	}
	if order.ID == 0 {
		t.Error("market order has no ID")
	}
}

func TestPaperBrokerCancelOrder(t *testing.T) {
	b := newConnectedPaper(t, 100.0)
	ctx := context.Background()

	bo := b.CreateBracketOrder(testContract, domain.ActionBuy, 1, 103.0, 99.0)
	if err := b.PlaceOrders(ctx, bo.Entry.Order, bo.TakeProfit.Order, bo.StopLoss.Order); err != nil {
		t.Fatalf("PlaceOrders: %v", err)
	}
	if _, err := WaitFill(ctx, b, bo.Entry.Order.ID, time.Second); err != nil {
		t.Fatalf("waiting for entry fill: %v", err)
	}

	if err := b.CancelOrder(ctx, bo.TakeProfit.Order.ID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	st, _ := b.OrderState(bo.TakeProfit.Order.ID)
	if st.Status != domain.StatusCancelled {
		t.Errorf("cancelled order status = %v, want Cancelled", st.Status)
	}

	// Cancelling a filled order is a no-op, not an error.
	if err := b.CancelOrder(ctx, bo.Entry.Order.ID); err != nil {
		t.Errorf("CancelOrder on filled order: %v", err)
	}

	// Cancelling an unknown order is an error.
	if err := b.CancelOrder(ctx, 9999); err == nil {
		t.Error("CancelOrder on unknown order should fail")
	}
}

func TestWaitOrderStateTimeout(t *testing.T) {
	b := newConnectedPaper(t, 100.0)

	_, err := WaitOrderState(context.Background(), b, 42, 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("WaitOrderState for unknown order = %v, want ErrTimeout", err)
	}
}

func TestPaperBrokerOpenOrders(t *testing.T) {
	b := newConnectedPaper(t, 100.0)
	ctx := context.Background()

	bo := b.CreateBracketOrder(testContract, domain.ActionBuy, 1, 103.0, 99.0)
	if err := b.PlaceOrders(ctx, bo.Entry.Order, bo.TakeProfit.Order, bo.StopLoss.Order); err != nil {
		t.Fatalf("PlaceOrders: %v", err)
	}
	if _, err := WaitFill(ctx, b, bo.Entry.Order.ID, time.Second); err != nil {
		t.Fatalf("waiting for entry fill: %v", err)
	}

	open, err := b.OpenOrders(ctx)
	if err != nil {
		t.Fatalf("OpenOrders: %v", err)
	}
	// Entry filled; both exits remain open.
	if len(open) != 2 {
		t.Errorf("OpenOrders returned %d orders, want 2", len(open))
	}
}
