package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	alpacaapi "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pivot/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaBroker implements Broker on the Alpaca trading and market-data APIs.
// Futures are not routable through Alpaca, so the contract's ticker is used
// as a proxy symbol on a paper account; brackets map onto Alpaca's native
// bracket order class.
//
// Alpaca identifies orders by opaque strings. The adapter allocates local
// monotonically increasing int64 IDs and keeps the mapping, so the rest of
// the system sees the same order-ID model as the ledger.
type AlpacaBroker struct {
	trading *alpacaapi.Client
	md      *marketdata.Client
	timeout time.Duration
	log     *slog.Logger

	mu        sync.Mutex
	connected bool
	nextID    int64
	remote    map[int64]string // local ID -> Alpaca order ID
	orders    map[int64]domain.Order
	states    map[int64]domain.OrderState
	held      []domain.Order

	done chan struct{}
	wg   sync.WaitGroup
}

// NewAlpacaBroker creates an AlpacaBroker with the given credentials and
// endpoints. dataURL may be empty to use the SDK default.
func NewAlpacaBroker(apiKey, apiSecret, baseURL, dataURL string, timeout time.Duration) *AlpacaBroker {
	mdOpts := marketdata.ClientOpts{APIKey: apiKey, APISecret: apiSecret}
	if dataURL != "" {
		mdOpts.BaseURL = dataURL
	}
	return &AlpacaBroker{
		trading: alpacaapi.NewClient(alpacaapi.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		md:      marketdata.NewClient(mdOpts),
		timeout: timeout,
		log:     slog.Default().With("broker", "alpaca"),
		remote:  make(map[int64]string),
		orders:  make(map[int64]domain.Order),
		states:  make(map[int64]domain.OrderState),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string { return "alpaca" }

// Connect verifies the account and starts the status poller.
func (b *AlpacaBroker) Connect(_ context.Context) error {
	acct, err := b.trading.GetAccount()
	if err != nil {
		return fmt.Errorf("verifying alpaca account: %w", err)
	}
	b.log.Info("connected", "account", acct.AccountNumber, "status", acct.Status)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	b.connected = true
	b.done = make(chan struct{})
	b.wg.Add(1)
	go b.poll()
	return nil
}

// Disconnect stops the status poller.
func (b *AlpacaBroker) Disconnect() {
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

// poll refreshes status snapshots for tracked non-terminal orders. Alpaca
// has no push channel here, so the live map is fed by periodic reads.
func (b *AlpacaBroker) poll() {
	defer b.wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.refreshOpen()
		}
	}
}

func (b *AlpacaBroker) refreshOpen() {
	b.mu.Lock()
	type tracked struct {
		localID  int64
		remoteID string
	}
	var open []tracked
	for id, st := range b.states {
		if !st.Status.Terminal() {
			if rid, ok := b.remote[id]; ok {
				open = append(open, tracked{id, rid})
			}
		}
	}
	b.mu.Unlock()

	for _, tr := range open {
		ao, err := b.trading.GetOrder(tr.remoteID)
		if err != nil {
			b.log.Warn("refreshing order status", "orderID", tr.localID, "error", err)
			continue
		}
		b.mu.Lock()
		b.states[tr.localID] = b.toState(tr.localID, ao)
		b.mu.Unlock()
	}
}

// toState converts an Alpaca order into a local snapshot. Caller holds mu.
func (b *AlpacaBroker) toState(localID int64, ao *alpacaapi.Order) domain.OrderState {
	o := b.orders[localID]
	filled := int(ao.FilledQty.IntPart())
	st := domain.OrderState{
		OrderID:   localID,
		ParentID:  o.ParentID,
		Status:    mapAlpacaStatus(ao.Status),
		Filled:    filled,
		Remaining: o.Quantity - filled,
		UpdatedAt: ao.UpdatedAt,
	}
	if ao.FilledAvgPrice != nil {
		px, _ := ao.FilledAvgPrice.Float64()
		st.AvgFillPrice = px
		st.LastFillPrice = px
	}
	return st
}

func mapAlpacaStatus(s string) domain.Status {
	switch s {
	case "new", "partially_filled", "pending_replace", "pending_cancel":
		return domain.StatusSubmitted
	case "accepted", "pending_new", "accepted_for_bidding", "held":
		return domain.StatusPreSubmitted
	case "filled":
		return domain.StatusFilled
	case "canceled", "expired", "replaced", "done_for_day":
		return domain.StatusCancelled
	case "rejected", "stopped", "suspended":
		return domain.StatusInactive
	default:
		return domain.StatusSubmitted
	}
}

// CreateBracketOrder builds a bracket with IDs from the local counter.
func (b *AlpacaBroker) CreateBracketOrder(c domain.Contract, action domain.Action, qty int, takeProfit, stopLoss float64) domain.BracketOrder {
	bracket := buildBracket(b.allocID, c, action, qty, takeProfit, stopLoss, time.Now())
	// Tag each leg so fills can be matched back after a reconnect.
	for _, leg := range bracket.Legs() {
		leg.Order.ClientOrderID = uuid.NewString()
	}
	return bracket
}

func (b *AlpacaBroker) allocID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

// PlaceOrders submits orders. A held group that completes with a
// transmitting stop order is sent as one native Alpaca bracket.
func (b *AlpacaBroker) PlaceOrders(ctx context.Context, orders ...domain.Order) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return fmt.Errorf("alpaca broker not connected")
	}
	var groups [][]domain.Order
	for _, o := range orders {
		b.held = append(b.held, o)
		if o.Transmit {
			groups = append(groups, b.held)
			b.held = nil
		}
	}
	b.mu.Unlock()

	for _, group := range groups {
		if err := b.submitGroup(ctx, group); err != nil {
			return err
		}
	}
	return nil
}

func (b *AlpacaBroker) submitGroup(_ context.Context, group []domain.Order) error {
	if len(group) == 3 {
		return b.submitBracket(group)
	}
	for _, o := range group {
		if err := b.submitSingle(o); err != nil {
			return err
		}
	}
	return nil
}

func (b *AlpacaBroker) submitBracket(group []domain.Order) error {
	var entry, tp, sl *domain.Order
	for i := range group {
		o := &group[i]
		switch {
		case o.ParentID == 0:
			entry = o
		case o.Type == domain.OrderTypeLimit:
			tp = o
		case o.Type == domain.OrderTypeStop:
			sl = o
		}
	}
	if entry == nil || tp == nil || sl == nil {
		return fmt.Errorf("bracket group missing legs")
	}

	qty := decimal.NewFromInt(int64(entry.Quantity))
	tpPrice := decimal.NewFromFloat(tp.AuxPrice)
	slPrice := decimal.NewFromFloat(sl.AuxPrice)

	ao, err := b.trading.PlaceOrder(alpacaapi.PlaceOrderRequest{
		Symbol:        entry.Contract.Ticker,
		Qty:           &qty,
		Side:          mapAction(entry.Action),
		Type:          alpacaapi.Market,
		TimeInForce:   alpacaapi.GTC,
		ClientOrderID: entry.ClientOrderID,
		OrderClass:    alpacaapi.Bracket,
		TakeProfit:    &alpacaapi.TakeProfit{LimitPrice: &tpPrice},
		StopLoss:      &alpacaapi.StopLoss{StopPrice: &slPrice},
	})
	if err != nil {
		return fmt.Errorf("placing bracket: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.track(*entry, ao)
	for i := range ao.Legs {
		leg := &ao.Legs[i]
		switch leg.Type {
		case alpacaapi.Limit:
			b.track(*tp, leg)
		case alpacaapi.Stop:
			b.track(*sl, leg)
		}
	}
	return nil
}

func (b *AlpacaBroker) submitSingle(o domain.Order) error {
	qty := decimal.NewFromInt(int64(o.Quantity))
	req := alpacaapi.PlaceOrderRequest{
		Symbol:        o.Contract.Ticker,
		Qty:           &qty,
		Side:          mapAction(o.Action),
		TimeInForce:   alpacaapi.GTC,
		ClientOrderID: o.ClientOrderID,
	}
	switch o.Type {
	case domain.OrderTypeMarket:
		req.Type = alpacaapi.Market
	case domain.OrderTypeLimit:
		px := decimal.NewFromFloat(o.AuxPrice)
		req.Type = alpacaapi.Limit
		req.LimitPrice = &px
	case domain.OrderTypeStop:
		px := decimal.NewFromFloat(o.AuxPrice)
		req.Type = alpacaapi.Stop
		req.StopPrice = &px
	default:
		return fmt.Errorf("order type %q: %w", o.Type, ErrUnsupportedOrder)
	}

	ao, err := b.trading.PlaceOrder(req)
	if err != nil {
		return fmt.Errorf("placing order %d: %w", o.ID, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.track(o, ao)
	return nil
}

// track records the local/remote mapping and the first snapshot.
// Caller holds mu.
func (b *AlpacaBroker) track(o domain.Order, ao *alpacaapi.Order) {
	b.orders[o.ID] = o
	b.remote[o.ID] = ao.ID
	b.states[o.ID] = b.toState(o.ID, ao)
}

func mapAction(a domain.Action) alpacaapi.Side {
	if a == domain.ActionSell {
		return alpacaapi.Sell
	}
	return alpacaapi.Buy
}

// PlaceMarketOrder submits a standalone market order and waits for its first
// terminal snapshot within the configured timeout.
func (b *AlpacaBroker) PlaceMarketOrder(ctx context.Context, c domain.Contract, action domain.Action, qty int) (domain.Order, domain.OrderState, error) {
	o := domain.Order{
		ID:            b.allocID(),
		ClientOrderID: uuid.NewString(),
		Contract:      c,
		Action:        action,
		Type:          domain.OrderTypeMarket,
		Quantity:      qty,
		Transmit:      true,
		CreatedAt:     time.Now(),
	}
	if err := b.PlaceOrders(ctx, o); err != nil {
		return o, domain.OrderState{}, err
	}

	// Force an early refresh rather than waiting for the poll tick.
	b.refreshOpen()
	st, err := WaitFill(ctx, b, o.ID, b.timeout)
	return o, st, err
}

// CancelOrder cancels an open order by its local ID.
func (b *AlpacaBroker) CancelOrder(_ context.Context, orderID int64) error {
	b.mu.Lock()
	remoteID, ok := b.remote[orderID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel order %d: unknown order", orderID)
	}
	if err := b.trading.CancelOrder(remoteID); err != nil {
		return fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	return nil
}

// OrderState returns the live snapshot for an order.
func (b *AlpacaBroker) OrderState(orderID int64) (domain.OrderState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[orderID]
	return st, ok
}

// OpenOrders returns tracked orders that are not yet terminal.
func (b *AlpacaBroker) OpenOrders(_ context.Context) ([]domain.Order, error) {
	b.refreshOpen()
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

// Positions returns the account's open positions.
func (b *AlpacaBroker) Positions(_ context.Context) ([]domain.Position, error) {
	aps, err := b.trading.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}
	out := make([]domain.Position, 0, len(aps))
	for _, p := range aps {
		avg, _ := p.AvgEntryPrice.Float64()
		out = append(out, domain.Position{
			Contract: domain.Contract{Ticker: p.Symbol, SecType: "STK", Currency: "USD"},
			Quantity: int(p.Qty.IntPart()),
			AvgPrice: avg,
			OpenedAt: time.Now(),
		})
	}
	return out, nil
}

// LatestMidPrice returns the bid/ask midpoint for the contract's proxy
// symbol, falling back to the last trade when the book is one-sided.
func (b *AlpacaBroker) LatestMidPrice(_ context.Context, c domain.Contract) (float64, error) {
	q, err := b.md.GetLatestQuote(c.Ticker, marketdata.GetLatestQuoteRequest{})
	if err == nil && q != nil && q.BidPrice > 0 && q.AskPrice > 0 {
		return (q.BidPrice + q.AskPrice) / 2, nil
	}

	tr, terr := b.md.GetLatestTrade(c.Ticker, marketdata.GetLatestTradeRequest{})
	if terr == nil && tr != nil && tr.Price > 0 {
		return tr.Price, nil
	}
	if err == nil {
		err = terr
	}
	if err != nil {
		return 0, fmt.Errorf("latest mid price for %s: %w", c.Ticker, err)
	}
	return 0, ErrNoMarketData
}

// HistoricalBars fetches bars covering the lookback window ending now.
func (b *AlpacaBroker) HistoricalBars(_ context.Context, c domain.Contract, lookback, barSize time.Duration) ([]domain.Bar, error) {
	end := time.Now()
	start := end.Add(-lookback)

	minutes := int(barSize / time.Minute)
	if minutes < 1 {
		minutes = 1
	}

	abars, err := b.md.GetBars(c.Ticker, marketdata.GetBarsRequest{
		TimeFrame: marketdata.NewTimeFrame(minutes, marketdata.Min),
		Start:     start,
		End:       end,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching bars for %s: %w", c.Ticker, err)
	}

	bars := make([]domain.Bar, 0, len(abars))
	for _, ab := range abars {
		bars = append(bars, domain.Bar{
			Symbol:     c.Ticker,
			Timestamp:  ab.Timestamp,
			Open:       ab.Open,
			High:       ab.High,
			Low:        ab.Low,
			Close:      ab.Close,
			Volume:     int64(ab.Volume),
			TradeCount: int64(ab.TradeCount),
			VWAP:       ab.VWAP,
		})
	}
	return bars, nil
}
