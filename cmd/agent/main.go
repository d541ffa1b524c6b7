package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/zivhm/MAHORAGA/internal/alerts"
	"github.com/zivhm/MAHORAGA/internal/broker"
	"github.com/zivhm/MAHORAGA/internal/confirm"
	"github.com/zivhm/MAHORAGA/internal/config"
	"github.com/zivhm/MAHORAGA/internal/control"
	"github.com/zivhm/MAHORAGA/internal/engine"
	"github.com/zivhm/MAHORAGA/internal/llm"
	"github.com/zivhm/MAHORAGA/internal/observ"
	"github.com/zivhm/MAHORAGA/internal/signals"
	"github.com/zivhm/MAHORAGA/internal/sources"
	"github.com/zivhm/MAHORAGA/internal/state"
)

func main() {
	var cfgPath string
	var enable bool
	var simSeed int64
	var simVolatility float64
	var simPrice float64
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.BoolVar(&enable, "enable", false, "enable the agent on start (otherwise the persisted flag decides)")
	flag.Int64Var(&simSeed, "sim-seed", 0, "paper market seed (0 uses the clock)")
	flag.Float64Var(&simVolatility, "sim-volatility", 0.002, "paper market per-quote volatility")
	flag.Float64Var(&simPrice, "sim-price", 100, "paper market price for symbols not yet seen")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if errors.Is(err, fs.ErrNotExist) {
		log.Printf("config %s not found, running on defaults", cfgPath)
		cfg = config.Default()
		err = cfg.Validate()
	}
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := observ.Setup(observ.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
		log.Fatalf("logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := state.Open(ctx, cfg.Persistence)
	if err != nil {
		log.Fatalf("state store: %v", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			observ.Warn("state_store_close_failed", map[string]any{"error": err})
		}
	}()

	journal, err := broker.OpenJournal(cfg.Paper.JournalPath)
	if err != nil {
		log.Fatalf("order journal: %v", err)
	}
	if simSeed == 0 {
		simSeed = time.Now().UnixNano()
	}
	var brk broker.Broker = broker.NewPaper(cfg.Paper, broker.NewSimMarket(simSeed, simVolatility, simPrice), journal)
	if cfg.TradingMode == "dry-run" {
		brk = broker.DryRun{Broker: brk}
	}

	var srcs []signals.Source
	if cfg.Signals.StockTwits.Enabled {
		srcs = append(srcs, sources.NewStockTwits(rate.NewLimiter(rate.Limit(cfg.Signals.RequestsPerSec), 1)))
	}
	if cfg.Signals.Reddit.Enabled {
		srcs = append(srcs, sources.NewReddit(cfg.Signals.Reddit, rate.NewLimiter(rate.Limit(cfg.Signals.RequestsPerSec), 1)))
	}
	var searcher confirm.Searcher
	if cfg.Confirmation.Enabled && cfg.Confirmation.BearerToken != "" {
		searcher = sources.NewXSearch(cfg.Confirmation.BearerToken)
	}

	var notifier alerts.Notifier = alerts.Nop{}
	if cfg.Notify.WebhookURL != "" {
		wh := alerts.NewWebhook(cfg.Notify)
		defer wh.Close()
		notifier = wh
	}

	eng, err := engine.New(ctx, cfg, engine.Deps{
		Broker:    brk,
		Store:     store,
		Completer: llm.NewHTTPClient(cfg.LLM),
		Sources:   srcs,
		Searcher:  searcher,
		Notifier:  notifier,
	})
	if err != nil {
		log.Fatalf("engine: %v", err)
	}
	if enable {
		if err := eng.Enable(ctx); err != nil {
			log.Fatalf("enable: %v", err)
		}
	}

	observ.Log("startup", map[string]any{
		"trading_mode": cfg.TradingMode,
		"enabled":      eng.Enabled(),
		"sources":      len(srcs),
		"confirmation": searcher != nil,
		"persistence":  cfg.Persistence.Backend,
		"listen":       cfg.Control.Listen,
	})

	srv := control.New(eng, cfg.Control)
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start() }()

	done := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(done)
	}()

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			observ.Error("control_server_failed", map[string]any{"error": err})
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		observ.Warn("control_shutdown_failed", map[string]any{"error": err})
	}
	<-done
	observ.Log("shutdown", nil)
}
