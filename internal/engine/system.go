package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pivot/internal/broker"
	"pivot/internal/config"
	"pivot/internal/domain"
	"pivot/internal/notify"
	"pivot/internal/store"
	"pivot/internal/strategy"
	"pivot/internal/util"
)

// Status is a point-in-time snapshot of the trading system for the HTTP API.
type Status struct {
	Running    bool          `json:"running"`
	Broker     string        `json:"broker"`
	Contract   string        `json:"contract"`
	Position   int           `json:"position"`
	AvgPrice   float64       `json:"avg_price"`
	DailyPnL   float64       `json:"daily_pnl"`
	LastSignal domain.Signal `json:"last_signal"`
	PausedTill *time.Time    `json:"paused_till,omitempty"`
	Cycle      int64         `json:"cycle"`
	LastUpdate time.Time     `json:"last_update"`
}

// TradingSystem runs the sequential control loop: gate on the calendar and
// the loss limit, reconcile fills, fetch bars, evaluate the strategy, and
// place brackets. All trading decisions happen on this single loop; only the
// broker's status pump runs concurrently.
type TradingSystem struct {
	cfg       *config.Config
	broker    broker.Broker
	ledger    store.Ledger
	bars      store.BarStore
	strat     strategy.Strategy
	portfolio *PortfolioManager
	risk      *RiskManager
	board     *notify.Board
	log       *slog.Logger
	loc       *time.Location
	limiter   *util.RateLimiter

	mu          sync.Mutex
	running     bool
	contract    domain.Contract
	lastSignal  domain.Signal
	lastBar     time.Time
	lastCycleAt time.Time
	resubmit    bool
	cycles      int64
}

// NewTradingSystem wires the control loop from its collaborators. The
// configuration must already be validated.
func NewTradingSystem(
	cfg *config.Config,
	b broker.Broker,
	ledger store.Ledger,
	bars store.BarStore,
	strat strategy.Strategy,
	portfolio *PortfolioManager,
	risk *RiskManager,
	board *notify.Board,
	log *slog.Logger,
	loc *time.Location,
) *TradingSystem {
	return &TradingSystem{
		cfg:        cfg,
		broker:     b,
		ledger:     ledger,
		bars:       bars,
		strat:      strat,
		portfolio:  portfolio,
		risk:       risk,
		board:      board,
		log:        log,
		loc:        loc,
		limiter:    util.NewRateLimiter(cfg.MarketData.RateLimitPerMin),
		lastSignal: domain.SignalHold,
	}
}

// Start enables trading. The loop itself keeps running either way; Start
// and Stop only gate whether cycles act.
func (ts *TradingSystem) Start() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.running {
		return
	}
	ts.running = true
	ts.board.Append("trading started")
	ts.log.Info("trading started")
}

// Stop disables trading. Open orders and positions are left untouched.
func (ts *TradingSystem) Stop() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if !ts.running {
		return
	}
	ts.running = false
	ts.board.Append("trading stopped")
	ts.log.Info("trading stopped")
}

// Running reports whether trading is enabled.
func (ts *TradingSystem) Running() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.running
}

// Contract returns the instrument currently traded.
func (ts *TradingSystem) Contract() domain.Contract {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.contract
}

// Status returns a snapshot for the HTTP API.
func (ts *TradingSystem) Status(ctx context.Context) Status {
	pos := ts.portfolio.CurrentPosition()

	ts.mu.Lock()
	st := Status{
		Running:    ts.running,
		Broker:     ts.broker.Name(),
		Contract:   ts.contract.String(),
		Position:   pos.Quantity,
		AvgPrice:   pos.AvgPrice,
		LastSignal: ts.lastSignal,
		Cycle:      ts.cycles,
		LastUpdate: ts.lastCycleAt,
	}
	ts.mu.Unlock()

	st.DailyPnL = ts.portfolio.DailyPnL(ctx)
	now := time.Now().In(ts.loc)
	if end := ts.risk.PauseEnd(now); !end.IsZero() {
		st.PausedTill = &end
	}
	return st
}

// Run executes the control loop until the context is cancelled. Startup
// resolves the front contract, restores persisted state, and then iterates
// Cycle at the configured interval. A consistency failure stops the loop.
func (ts *TradingSystem) Run(ctx context.Context) error {
	now := time.Now().In(ts.loc)

	c := domain.FrontContract(
		ts.cfg.Trading.Ticker,
		ts.cfg.Trading.SecType,
		ts.cfg.Trading.Exchange,
		ts.cfg.Trading.Currency,
		now,
		ts.cfg.Trading.RolloverDays,
	)
	ts.mu.Lock()
	ts.contract = c
	ts.mu.Unlock()
	ts.log.Info("trading contract resolved", "contract", c.String())

	sessionStart, err := util.ParseClock(ts.cfg.Risk.SessionStart)
	if err != nil {
		return err
	}
	if err := ts.portfolio.PopulateFromStore(ctx, now, sessionStart); err != nil {
		return fmt.Errorf("restoring state: %w", err)
	}
	if err := ts.risk.LoadPause(ctx, now); err != nil {
		return err
	}

	ticker := time.NewTicker(ts.cfg.CycleInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ts.log.Info("control loop stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := ts.Cycle(ctx, time.Now().In(ts.loc)); err != nil {
				if errors.Is(err, ErrConsistency) {
					ts.log.Error("fatal consistency failure", "error", err)
					return err
				}
				ts.log.Error("cycle failed", "error", err)
			}
		}
	}
}

// Cycle runs one control loop iteration at the given instant.
func (ts *TradingSystem) Cycle(ctx context.Context, now time.Time) error {
	ts.mu.Lock()
	running := ts.running
	c := ts.contract
	ts.cycles++
	ts.lastCycleAt = now
	ts.mu.Unlock()

	if !running {
		return nil
	}

	if !ts.risk.IsTradingDay(now) {
		ts.board.SetHoursNotice("market closed: not a trading day")
		return nil
	}
	if !ts.risk.InTradingHours(now) {
		ts.board.SetHoursNotice("market closed: outside trading hours")
		return nil
	}
	ts.board.ClearHoursNotice()

	if err := ts.portfolio.UpdatePositions(ctx); err != nil {
		return err
	}

	dropped, err := ts.portfolio.CheckCancelledEntries(ctx)
	if err != nil {
		return err
	}
	if dropped > 0 && ts.cfg.Trading.ResubmitCancelledEntry {
		ts.mu.Lock()
		ts.resubmit = true
		ts.mu.Unlock()
	}

	pnl := ts.portfolio.DailyPnL(ctx)
	paused, err := ts.risk.CheckLoss(ctx, pnl, now)
	if err != nil {
		return err
	}
	if paused {
		ts.board.SetPauseNotice(fmt.Sprintf("loss limit hit (%.2f), paused until %s",
			pnl, ts.risk.PauseEnd(now).Format("15:04")))
		if err := ts.portfolio.CancelAllOrders(ctx); err != nil {
			return err
		}
		if err := ts.portfolio.UpdatePositions(ctx); err != nil {
			return err
		}
		if err := ts.portfolio.CloseAllPositions(ctx); err != nil {
			return err
		}
	}

	if ts.risk.ShouldCloseEOD(now) {
		ts.log.Info("end-of-day close window entered")
		ts.board.Append("end-of-day close")
		if err := ts.portfolio.CancelAllOrders(ctx); err != nil {
			return err
		}
		if err := ts.portfolio.UpdatePositions(ctx); err != nil {
			return err
		}
		if err := ts.portfolio.CloseAllPositions(ctx); err != nil {
			return err
		}
		ts.risk.MarkEODClosed(now)
		return nil
	}

	if ts.risk.Paused(now) {
		return nil
	}
	ts.board.ClearPauseNotice()

	// Inside the close window the book only winds down.
	if ts.risk.InEODWindow(now) {
		return nil
	}

	signal, fresh, err := ts.evaluate(ctx, c)
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}
	ts.mu.Lock()
	ts.lastSignal = signal
	resubmit := ts.resubmit
	ts.mu.Unlock()

	if signal != domain.SignalBuy && !resubmit {
		return nil
	}
	if ts.portfolio.CurrentPosition().Quantity != 0 || ts.portfolio.HasPendingOrders(ctx) {
		return nil
	}

	mid, err := ts.broker.LatestMidPrice(ctx, c)
	if err != nil {
		return fmt.Errorf("fetching reference price: %w", err)
	}
	if err := ts.portfolio.PlaceBracketOrder(ctx, c, mid); err != nil {
		return err
	}
	ts.mu.Lock()
	ts.resubmit = false
	ts.mu.Unlock()
	return nil
}

// evaluate fetches recent bars, journals them, and runs the strategy. When
// the newest bar is the one already evaluated, it reports fresh=false and
// the cycle takes no action.
func (ts *TradingSystem) evaluate(ctx context.Context, c domain.Contract) (domain.Signal, bool, error) {
	if err := ts.limiter.Wait(ctx); err != nil {
		return domain.SignalHold, false, err
	}

	lookback := time.Duration(ts.cfg.MarketData.HistoryMinutes) * time.Minute
	barSize := time.Duration(ts.cfg.MarketData.BarSeconds) * time.Second
	bars, err := ts.broker.HistoricalBars(ctx, c, lookback, barSize)
	if err != nil {
		return domain.SignalHold, false, fmt.Errorf("fetching bars: %w", err)
	}
	if len(bars) == 0 {
		return domain.SignalHold, false, nil
	}

	newest := bars[len(bars)-1].Timestamp
	ts.mu.Lock()
	stale := newest.Equal(ts.lastBar)
	if !stale {
		ts.lastBar = newest
	}
	ts.mu.Unlock()
	if stale {
		return domain.SignalHold, false, nil
	}

	if err := ts.bars.WriteBars(ctx, bars); err != nil {
		ts.log.Error("journaling bars failed", "error", err)
	}

	return ts.strat.Evaluate(bars), true, nil
}
