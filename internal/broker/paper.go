package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pivot/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*PaperBroker)(nil)

// PaperBroker is an in-process broker for tests and dry runs. Orders are
// accepted synchronously and filled asynchronously by an event pump
// goroutine, so callers observe the same poll-for-status behaviour a live
// session has. Exit legs of a bracket are one-cancels-other: the first leg
// to fill cancels its sibling.
type PaperBroker struct {
	fillDelay time.Duration
	log       *slog.Logger

	mu        sync.Mutex
	connected bool
	nextID    int64
	price     float64
	orders    map[int64]domain.Order
	states    map[int64]domain.OrderState
	held      []domain.Order // parked until a transmitting order arrives
	positions map[domain.Contract]*paperPosition

	// Failure injection for recovery-path tests.
	rejectChildren bool
	stallEntries   bool

	pending chan int64
	done    chan struct{}
	wg      sync.WaitGroup
}

type paperPosition struct {
	qty int
	avg float64
}

// NewPaperBroker creates a PaperBroker quoting the given starting price.
func NewPaperBroker(startPrice float64) *PaperBroker {
	return &PaperBroker{
		fillDelay: 5 * time.Millisecond,
		log:       slog.Default().With("broker", "paper"),
		price:     startPrice,
		orders:    make(map[int64]domain.Order),
		states:    make(map[int64]domain.OrderState),
		positions: make(map[domain.Contract]*paperPosition),
	}
}

// Name returns "paper".
func (b *PaperBroker) Name() string { return "paper" }

// Connect starts the fill pump.
func (b *PaperBroker) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	b.connected = true
	b.pending = make(chan int64, 256)
	b.done = make(chan struct{})
	b.wg.Add(1)
	go b.pump()
	return nil
}

// Disconnect stops the fill pump.
func (b *PaperBroker) Disconnect() {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return
	}
	b.connected = false
	close(b.done)
	b.mu.Unlock()
	b.wg.Wait()
}

// SetFillDelay changes the pump's artificial fill latency. Call before
// Connect.
func (b *PaperBroker) SetFillDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fillDelay = d
}

// SetPrice moves the quoted price and runs resting-order matching at the new
// level. Tests drive fills through this.
func (b *PaperBroker) SetPrice(p float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.price = p
	b.match()
}

// SetRejectChildren makes the broker cancel bracket exit legs on arrival
// while still filling entries, reproducing a broker-side group rejection.
func (b *PaperBroker) SetRejectChildren(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectChildren = v
}

// SetStallEntries makes the broker swallow entry orders without ever
// reporting a status for them, reproducing a dead session.
func (b *PaperBroker) SetStallEntries(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stallEntries = v
}

// CreateBracketOrder builds a bracket with IDs from the local counter.
func (b *PaperBroker) CreateBracketOrder(c domain.Contract, action domain.Action, qty int, takeProfit, stopLoss float64) domain.BracketOrder {
	return buildBracket(b.allocID, c, action, qty, takeProfit, stopLoss, time.Now())
}

func (b *PaperBroker) allocID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

// PlaceOrders accepts orders, holding non-transmitting ones until the
// transmitting order of the group arrives.
func (b *PaperBroker) PlaceOrders(_ context.Context, orders ...domain.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return fmt.Errorf("paper broker not connected")
	}

	for _, o := range orders {
		b.held = append(b.held, o)
		if o.Transmit {
			for _, held := range b.held {
				b.accept(held)
			}
			b.held = nil
		}
	}
	return nil
}

// accept registers one order and queues it for the pump. Caller holds mu.
func (b *PaperBroker) accept(o domain.Order) {
	if b.stallEntries && o.ParentID == 0 {
		b.log.Warn("stalling entry order", "orderID", o.ID)
		return
	}

	b.orders[o.ID] = o

	if b.rejectChildren && o.ParentID != 0 {
		b.states[o.ID] = domain.OrderState{
			OrderID: o.ID, ParentID: o.ParentID,
			Status: domain.StatusCancelled, Remaining: o.Quantity,
			UpdatedAt: time.Now(),
		}
		return
	}

	status := domain.StatusSubmitted
	if o.ParentID != 0 {
		// Exit legs rest until the entry fills.
		status = domain.StatusPreSubmitted
	}
	b.states[o.ID] = domain.OrderState{
		OrderID: o.ID, ParentID: o.ParentID,
		Status: status, Remaining: o.Quantity,
		UpdatedAt: time.Now(),
	}

	if o.Type == domain.OrderTypeMarket {
		select {
		case b.pending <- o.ID:
		default:
			b.log.Error("fill queue full, dropping order", "orderID", o.ID)
		}
	}
}

// pump fills queued market orders after a short delay.
func (b *PaperBroker) pump() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case id := <-b.pending:
			select {
			case <-b.done:
				return
			case <-time.After(b.fillDelay):
			}
			b.mu.Lock()
			b.fill(id, b.price)
			b.match()
			b.mu.Unlock()
		}
	}
}

// fill marks an order filled at px and applies its position effect.
// Caller holds mu.
func (b *PaperBroker) fill(id int64, px float64) {
	o, ok := b.orders[id]
	if !ok {
		return
	}
	st := b.states[id]
	if st.Status.Terminal() {
		return
	}

	b.states[id] = domain.OrderState{
		OrderID: id, ParentID: o.ParentID,
		Status: domain.StatusFilled,
		Filled: o.Quantity, Remaining: 0,
		AvgFillPrice: px, LastFillPrice: px,
		UpdatedAt: time.Now(),
	}

	pos := b.positions[o.Contract]
	if pos == nil {
		pos = &paperPosition{}
		b.positions[o.Contract] = pos
	}
	if o.Action == domain.ActionBuy {
		total := pos.qty + o.Quantity
		pos.avg = (float64(pos.qty)*pos.avg + float64(o.Quantity)*px) / float64(total)
		pos.qty = total
	} else {
		pos.qty -= o.Quantity
	}

	// Entry fill arms the exit legs.
	if o.ParentID == 0 {
		for cid, cst := range b.states {
			if cst.ParentID == id && cst.Status == domain.StatusPreSubmitted {
				cst.Status = domain.StatusSubmitted
				cst.UpdatedAt = time.Now()
				b.states[cid] = cst
			}
		}
	}

	// One-cancels-other between sibling exits.
	if o.ParentID != 0 {
		for sid, sst := range b.states {
			if sid != id && sst.ParentID == o.ParentID && !sst.Status.Terminal() {
				sst.Status = domain.StatusCancelled
				sst.UpdatedAt = time.Now()
				b.states[sid] = sst
			}
		}
	}
}

// match fills resting exit orders crossed by the current price.
// Caller holds mu.
func (b *PaperBroker) match() {
	for id, st := range b.states {
		if st.Status != domain.StatusSubmitted {
			continue
		}
		o := b.orders[id]
		if o.Type == domain.OrderTypeMarket {
			continue
		}

		crossed := false
		switch {
		case o.Type == domain.OrderTypeLimit && o.Action == domain.ActionSell:
			crossed = b.price >= o.AuxPrice
		case o.Type == domain.OrderTypeStop && o.Action == domain.ActionSell:
			crossed = b.price <= o.AuxPrice
		case o.Type == domain.OrderTypeLimit && o.Action == domain.ActionBuy:
			crossed = b.price <= o.AuxPrice
		case o.Type == domain.OrderTypeStop && o.Action == domain.ActionBuy:
			crossed = b.price >= o.AuxPrice
		}
		if crossed {
			b.fill(id, o.AuxPrice)
		}
	}
}

// PlaceMarketOrder submits a standalone market order and waits for its fill.
func (b *PaperBroker) PlaceMarketOrder(ctx context.Context, c domain.Contract, action domain.Action, qty int) (domain.Order, domain.OrderState, error) {
	o := domain.Order{
		ID:        b.allocID(),
		Contract:  c,
		Action:    action,
		Type:      domain.OrderTypeMarket,
		Quantity:  qty,
		Transmit:  true,
		CreatedAt: time.Now(),
	}
	if err := b.PlaceOrders(ctx, o); err != nil {
		return o, domain.OrderState{}, err
	}
	st, err := WaitFill(ctx, b, o.ID, 2*time.Second)
	return o, st, err
}

// CancelOrder cancels an open order. Cancelling an order the broker has
// never seen is an error.
func (b *PaperBroker) CancelOrder(_ context.Context, orderID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[orderID]
	if !ok {
		return fmt.Errorf("cancel order %d: unknown order", orderID)
	}
	if st.Status.Terminal() {
		return nil
	}
	st.Status = domain.StatusCancelled
	st.UpdatedAt = time.Now()
	b.states[orderID] = st
	return nil
}

// OrderState returns the live snapshot for an order.
func (b *PaperBroker) OrderState(orderID int64) (domain.OrderState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[orderID]
	return st, ok
}

// OpenOrders returns all non-terminal orders.
func (b *PaperBroker) OpenOrders(_ context.Context) ([]domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var open []domain.Order
	for id, st := range b.states {
		if !st.Status.Terminal() {
			open = append(open, b.orders[id])
		}
	}
	return open, nil
}

// Positions returns all non-flat positions.
func (b *PaperBroker) Positions(_ context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Position
	for c, p := range b.positions {
		if p.qty != 0 {
			out = append(out, domain.Position{
				Contract: c, Quantity: p.qty, AvgPrice: p.avg, OpenedAt: time.Now(),
			})
		}
	}
	return out, nil
}

// LatestMidPrice returns the quoted price.
func (b *PaperBroker) LatestMidPrice(_ context.Context, _ domain.Contract) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.price == 0 {
		return 0, ErrNoMarketData
	}
	return b.price, nil
}

// HistoricalBars synthesizes a flat bar series at the quoted price.
func (b *PaperBroker) HistoricalBars(_ context.Context, c domain.Contract, lookback, barSize time.Duration) ([]domain.Bar, error) {
	b.mu.Lock()
	px := b.price
	b.mu.Unlock()
	if px == 0 {
		return nil, ErrNoMarketData
	}

	n := int(lookback / barSize)
	if n > 500 {
		n = 500
	}
	end := time.Now().Truncate(barSize)
	bars := make([]domain.Bar, 0, n)
	for i := n - 1; i >= 0; i-- {
		bars = append(bars, domain.Bar{
			Symbol:    c.Ticker,
			Timestamp: end.Add(-time.Duration(i) * barSize),
			Open:      px, High: px, Low: px, Close: px,
		})
	}
	return bars, nil
}
