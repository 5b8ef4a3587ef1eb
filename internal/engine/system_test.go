package engine

import (
	"context"
	"testing"
	"time"

	"pivot/internal/broker"
	"pivot/internal/config"
	"pivot/internal/domain"
	"pivot/internal/notify"
	"pivot/internal/store"
	"pivot/internal/strategy/builtins"
	"pivot/internal/util"
)

type systemFixture struct {
	ts     *TradingSystem
	pb     *broker.PaperBroker
	ledger *store.SQLiteStore
	board  *notify.Board
	risk   *RiskManager
	pm     *PortfolioManager
}

// newTestSystem wires a full trading system on the paper broker with the
// always-buy strategy, quoting startPrice. maxLossPerContract tunes the
// pause gate.
func newTestSystem(t *testing.T, startPrice, maxLossPerContract float64) *systemFixture {
	t.Helper()
	ctx := context.Background()

	pb := broker.NewPaperBroker(startPrice)
	if err := pb.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(pb.Disconnect)

	ledger := newTestLedger(t)
	bars := store.NewParquetStore(t.TempDir())
	board := notify.NewBoard()
	log := testLogger()

	cfg := &config.Config{
		Trading: config.TradingConfig{
			Ticker: "MNQ", SecType: "FUT", Exchange: "CME", Currency: "USD",
			Contracts: 2, TickSize: 0.25, PointValue: 1,
			StopLossTicks: 4, TakeProfitTicks: 12,
			RolloverDays: 5, CycleSeconds: 1, Timezone: "UTC",
		},
		Risk: config.RiskConfig{
			SessionStart: "2100", SessionEnd: "1600", EODExit: "1550",
			MaxLossPerContract: maxLossPerContract, PauseMinutes: 60,
		},
		MarketData: config.MarketDataConfig{
			HistoryMinutes: 30, BarSeconds: 60, RateLimitPerMin: 6000,
		},
	}

	pm := NewPortfolioManager(pb, ledger, board, log,
		cfg.Trading.Contracts, cfg.Trading.TickSize, cfg.Trading.PointValue,
		cfg.Trading.StopLossTicks, cfg.Trading.TakeProfitTicks, 2*time.Second)
	rm := NewRiskManager(ledger, log, time.UTC,
		util.Clock{Hour: 21}, util.Clock{Hour: 16}, util.Clock{Hour: 15, Minute: 50},
		maxLossPerContract, cfg.Trading.Contracts, time.Hour, nil)

	ts := NewTradingSystem(cfg, pb, ledger, bars, builtins.NewAlwaysBuy(), pm, rm, board, log, time.UTC)
	ts.mu.Lock()
	ts.contract = testContract
	ts.mu.Unlock()

	return &systemFixture{ts: ts, pb: pb, ledger: ledger, board: board, risk: rm, pm: pm}
}

// sessionTime is a Monday 22:00 UTC instant inside the overnight session.
var sessionTime = time.Date(2025, 6, 9, 22, 0, 0, 0, time.UTC)

func TestCycleDoesNothingWhenStopped(t *testing.T) {
	f := newTestSystem(t, 100, 360)

	if err := f.ts.Cycle(context.Background(), sessionTime); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(f.pm.Brackets()) != 0 {
		t.Error("a stopped system must not place orders")
	}
}

func TestCycleOutsideHoursSetsNotice(t *testing.T) {
	f := newTestSystem(t, 100, 360)
	f.ts.Start()

	closed := time.Date(2025, 6, 9, 17, 0, 0, 0, time.UTC)
	if err := f.ts.Cycle(context.Background(), closed); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(f.pm.Brackets()) != 0 {
		t.Error("no orders outside trading hours")
	}
	if _, hours := f.board.Notices(); hours == "" {
		t.Error("outside hours should post a notice")
	}
}

func TestCycleEndToEnd(t *testing.T) {
	f := newTestSystem(t, 100, 360)
	f.ts.Start()
	ctx := context.Background()

	// First cycle: flat book, BUY signal, bracket placed around mid 100.
	if err := f.ts.Cycle(ctx, sessionTime); err != nil {
		t.Fatalf("first Cycle: %v", err)
	}
	brackets := f.pm.Brackets()
	if len(brackets) != 1 {
		t.Fatalf("brackets after first cycle = %d, want 1", len(brackets))
	}
	bo := brackets[0]
	if bo.StopLoss.Order.AuxPrice != 99 {
		t.Errorf("stop price = %v, want 99.00", bo.StopLoss.Order.AuxPrice)
	}
	if bo.TakeProfit.Order.AuxPrice != 103 {
		t.Errorf("target price = %v, want 103.00", bo.TakeProfit.Order.AuxPrice)
	}

	if _, err := broker.WaitFill(ctx, f.pb, bo.Entry.Order.ID, 2*time.Second); err != nil {
		t.Fatalf("waiting for entry fill: %v", err)
	}

	// Second cycle: the fill lands on the book; exits keep us out of a
	// second entry.
	if err := f.ts.Cycle(ctx, sessionTime.Add(time.Minute)); err != nil {
		t.Fatalf("second Cycle: %v", err)
	}
	if pos := f.pm.CurrentPosition(); pos.Quantity != 2 || pos.AvgPrice != 100 {
		t.Fatalf("position = %d@%v, want 2@100", pos.Quantity, pos.AvgPrice)
	}
	if len(f.pm.Brackets()) != 1 {
		t.Fatal("an open bracket must block a second entry")
	}

	// Price rallies through the target.
	f.pb.SetPrice(103.5)
	if _, err := broker.WaitFill(ctx, f.pb, bo.TakeProfit.Order.ID, 2*time.Second); err != nil {
		t.Fatalf("waiting for take-profit fill: %v", err)
	}

	// Third cycle: exit applied, round trip realized.
	if err := f.ts.Cycle(ctx, sessionTime.Add(2*time.Minute)); err != nil {
		t.Fatalf("third Cycle: %v", err)
	}
	st := f.ts.Status(ctx)
	// Bought 2 @ 100, sold 2 @ 103.
	if st.DailyPnL != 6.0 {
		t.Errorf("DailyPnL = %v, want 6.0", st.DailyPnL)
	}
	if st.LastSignal != domain.SignalBuy {
		t.Errorf("LastSignal = %v, want BUY", st.LastSignal)
	}
}

func TestCycleLossPausesTrading(t *testing.T) {
	// Limit of 0.5 per contract on a 2-lot: a one point stop-out (-2.0)
	// breaches it.
	f := newTestSystem(t, 100, 0.5)
	f.ts.Start()
	ctx := context.Background()

	if err := f.ts.Cycle(ctx, sessionTime); err != nil {
		t.Fatalf("first Cycle: %v", err)
	}
	bo := f.pm.Brackets()[0]
	if _, err := broker.WaitFill(ctx, f.pb, bo.Entry.Order.ID, 2*time.Second); err != nil {
		t.Fatalf("waiting for entry fill: %v", err)
	}

	// Price drops through the stop.
	f.pb.SetPrice(98.5)
	if _, err := broker.WaitFill(ctx, f.pb, bo.StopLoss.Order.ID, 2*time.Second); err != nil {
		t.Fatalf("waiting for stop fill: %v", err)
	}

	if err := f.ts.Cycle(ctx, sessionTime.Add(time.Minute)); err != nil {
		t.Fatalf("second Cycle: %v", err)
	}

	if !f.risk.Paused(sessionTime.Add(2 * time.Minute)) {
		t.Fatal("stop-out beyond the limit must pause trading")
	}
	if pause, _ := f.board.Notices(); pause == "" {
		t.Error("pause should post a notice")
	}

	// Cycles inside the pause place nothing despite a standing BUY signal.
	if err := f.ts.Cycle(ctx, sessionTime.Add(2*time.Minute)); err != nil {
		t.Fatalf("paused Cycle: %v", err)
	}
	if len(f.pm.Brackets()) != 1 {
		t.Error("no new entries while paused")
	}

	// The pause survives a restart through the ledger.
	p, err := f.ledger.LatestPause(ctx)
	if err != nil {
		t.Fatalf("LatestPause: %v", err)
	}
	if p == nil || !p.Active(sessionTime.Add(2*time.Minute)) {
		t.Errorf("persisted pause = %+v, want active window", p)
	}
}

func TestCycleEODCloseFlattens(t *testing.T) {
	f := newTestSystem(t, 100, 360)
	f.ts.Start()
	ctx := context.Background()

	if err := f.ts.Cycle(ctx, sessionTime); err != nil {
		t.Fatalf("first Cycle: %v", err)
	}
	bo := f.pm.Brackets()[0]
	if _, err := broker.WaitFill(ctx, f.pb, bo.Entry.Order.ID, 2*time.Second); err != nil {
		t.Fatalf("waiting for entry fill: %v", err)
	}
	if err := f.ts.Cycle(ctx, sessionTime.Add(time.Minute)); err != nil {
		t.Fatalf("second Cycle: %v", err)
	}

	// Next day, inside the close window.
	eod := time.Date(2025, 6, 10, 15, 55, 0, 0, time.UTC)
	if err := f.ts.Cycle(ctx, eod); err != nil {
		t.Fatalf("EOD Cycle: %v", err)
	}

	if pos := f.pm.CurrentPosition(); pos.Quantity != 0 {
		t.Errorf("position after EOD close = %d, want flat", pos.Quantity)
	}
	for _, leg := range []*domain.Leg{bo.TakeProfit, bo.StopLoss} {
		st, ok := f.pb.OrderState(leg.Order.ID)
		if !ok || !st.Status.Terminal() {
			t.Errorf("exit %d status = %v, want terminal after EOD cancel", leg.Order.ID, st.Status)
		}
	}

	// A second cycle in the window neither closes again nor re-enters.
	if err := f.ts.Cycle(ctx, eod.Add(time.Minute)); err != nil {
		t.Fatalf("post-EOD Cycle: %v", err)
	}
	if len(f.pm.Brackets()) != 1 {
		t.Error("no new entries inside the close window")
	}
}

func TestStartStop(t *testing.T) {
	f := newTestSystem(t, 100, 360)

	if f.ts.Running() {
		t.Error("system must start stopped")
	}
	f.ts.Start()
	if !f.ts.Running() {
		t.Error("Start should enable trading")
	}
	f.ts.Stop()
	if f.ts.Running() {
		t.Error("Stop should disable trading")
	}
}
