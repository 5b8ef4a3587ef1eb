// Command pivot-backfill pulls recent bars from the broker into the local
// journal and optionally replays a strategy over the journaled history.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pivot/internal/broker"
	"pivot/internal/config"
	"pivot/internal/domain"
	"pivot/internal/store"
	"pivot/internal/strategy"
	"pivot/internal/strategy/builtins"
	"pivot/internal/util"
)

func main() {
	days := flag.Int("days", 5, "days of history to backfill")
	backtest := flag.Bool("backtest", false, "replay the configured strategy over the journaled bars")
	flag.Parse()

	cfgPath := "config/pivot.yaml"
	if p := os.Getenv("PIVOT_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, "")
	util.SetDefault(logger)

	if cfg.Broker.Kind != "alpaca" {
		log.Fatalf("backfill needs the alpaca broker, have %q", cfg.Broker.Kind)
	}
	b := broker.NewAlpacaBroker(
		cfg.Broker.Alpaca.APIKey,
		cfg.Broker.Alpaca.APISecret,
		cfg.Broker.Alpaca.BaseURL,
		cfg.Broker.Alpaca.DataURL,
		cfg.BrokerTimeout(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := b.Connect(ctx); err != nil {
		log.Fatalf("connecting: %v", err)
	}
	defer b.Disconnect()

	now := time.Now()
	c := domain.FrontContract(
		cfg.Trading.Ticker, cfg.Trading.SecType, cfg.Trading.Exchange, cfg.Trading.Currency,
		now, cfg.Trading.RolloverDays,
	)
	barSize := time.Duration(cfg.MarketData.BarSeconds) * time.Second
	lookback := time.Duration(*days) * 24 * time.Hour

	bars, err := b.HistoricalBars(ctx, c, lookback, barSize)
	if err != nil {
		log.Fatalf("fetching bars: %v", err)
	}
	logger.Info("bars fetched", "contract", c.String(), "bars", len(bars))

	ps := store.NewParquetStore(cfg.Storage.DataDir)
	if err := ps.WriteBars(ctx, bars); err != nil {
		log.Fatalf("journaling bars: %v", err)
	}
	logger.Info("bars journaled", "data_dir", cfg.Storage.DataDir)

	if !*backtest {
		return
	}

	registry := strategy.NewRegistry()
	registry.Register(builtins.NewBBRSI(
		cfg.Strategy.BBPeriod,
		cfg.Strategy.BBStdDev,
		cfg.Strategy.RSIPeriod,
		cfg.Strategy.RSIThreshold,
	))
	registry.Register(builtins.NewAlwaysBuy())

	bt := strategy.NewBacktester(ps, registry)
	res, err := bt.Run(ctx, cfg.Strategy.Name, c.Ticker,
		now.Add(-lookback), now,
		cfg.Trading.TickSize, cfg.Trading.StopLossTicks, cfg.Trading.TakeProfitTicks)
	if err != nil {
		log.Fatalf("backtest: %v", err)
	}

	fmt.Printf("strategy:   %s\n", cfg.Strategy.Name)
	fmt.Printf("bars:       %d\n", res.Bars)
	fmt.Printf("trades:     %d (%d wins, %d losses, %d unresolved)\n",
		res.Trades, res.Wins, res.Losses, res.Unresolved)
	fmt.Printf("pnl points: %.2f\n", res.PnLPoints)
	fmt.Printf("pnl:        %.2f\n", res.PnLPoints*cfg.Trading.PointValue*float64(cfg.Trading.Contracts))
}
