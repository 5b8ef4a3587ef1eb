package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pivot/internal/broker"
	"pivot/internal/config"
	"pivot/internal/engine"
	"pivot/internal/httpapi"
	"pivot/internal/notify"
	"pivot/internal/store"
	"pivot/internal/strategy"
	"pivot/internal/strategy/builtins"
	"pivot/internal/util"
)

func main() {
	cfgPath := "config/pivot.yaml"
	if p := os.Getenv("PIVOT_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.File)
	util.SetDefault(logger)

	loc, err := cfg.Location()
	if err != nil {
		log.Fatalf("resolving timezone: %v", err)
	}

	ledger, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening ledger: %v", err)
	}
	defer ledger.Close()
	bars := store.NewParquetStore(cfg.Storage.DataDir)

	var b broker.Broker
	switch cfg.Broker.Kind {
	case "alpaca":
		b = broker.NewAlpacaBroker(
			cfg.Broker.Alpaca.APIKey,
			cfg.Broker.Alpaca.APISecret,
			cfg.Broker.Alpaca.BaseURL,
			cfg.Broker.Alpaca.DataURL,
			cfg.BrokerTimeout(),
		)
	default:
		b = broker.NewPaperBroker(0)
	}

	registry := strategy.NewRegistry()
	registry.Register(builtins.NewBBRSI(
		cfg.Strategy.BBPeriod,
		cfg.Strategy.BBStdDev,
		cfg.Strategy.RSIPeriod,
		cfg.Strategy.RSIThreshold,
	))
	registry.Register(builtins.NewAlwaysBuy())
	strat, ok := registry.Get(cfg.Strategy.Name)
	if !ok {
		log.Fatalf("unknown strategy %q (have %v)", cfg.Strategy.Name, registry.List())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := util.Retry(ctx, 5, time.Second, func() error {
		return b.Connect(ctx)
	}); err != nil {
		log.Fatalf("connecting to %s: %v", b.Name(), err)
	}
	defer b.Disconnect()
	logger.Info("broker connected", "broker", b.Name())

	sessionStart, err := util.ParseClock(cfg.Risk.SessionStart)
	if err != nil {
		log.Fatalf("session start: %v", err)
	}
	sessionEnd, err := util.ParseClock(cfg.Risk.SessionEnd)
	if err != nil {
		log.Fatalf("session end: %v", err)
	}
	eodExit, err := util.ParseClock(cfg.Risk.EODExit)
	if err != nil {
		log.Fatalf("eod exit: %v", err)
	}

	board := notify.NewBoard()
	portfolio := engine.NewPortfolioManager(
		b, ledger, board, logger,
		cfg.Trading.Contracts,
		cfg.Trading.TickSize,
		cfg.Trading.PointValue,
		cfg.Trading.StopLossTicks,
		cfg.Trading.TakeProfitTicks,
		cfg.BrokerTimeout(),
	)
	risk := engine.NewRiskManager(
		ledger, logger, loc,
		sessionStart, sessionEnd, eodExit,
		cfg.Risk.MaxLossPerContract,
		cfg.Trading.Contracts,
		time.Duration(cfg.Risk.PauseMinutes)*time.Minute,
		cfg.Risk.Holidays,
	)
	system := engine.NewTradingSystem(cfg, b, ledger, bars, strat, portfolio, risk, board, logger, loc)

	api := httpapi.NewStatusServer(system, ledger, board, sessionStart, logger)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.Handler(),
	}
	go func() {
		logger.Info("status server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	system.Start()
	if err := system.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("control loop stopped", "error", err)
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
