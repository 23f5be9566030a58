package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"catalyst/internal/alert"
	"catalyst/internal/audit"
	"catalyst/internal/config"
	"catalyst/internal/domain"
	"catalyst/internal/engine"
	"catalyst/internal/httpapi"
	"catalyst/internal/ledger"
	"catalyst/internal/metrics"
	"catalyst/internal/norm"
	"catalyst/internal/recon"
	"catalyst/internal/safety"
	"catalyst/internal/session"
	"catalyst/internal/util"
	"catalyst/internal/venue"
	"catalyst/internal/venue/alpacav"
	"catalyst/internal/venue/opend"
	"catalyst/internal/watch"
)

// drainTimeout bounds the shutdown drain. It exceeds the venue call
// timeout so an in-flight submission can finish rather than being cut off
// mid-call.
const drainTimeout = 15 * time.Second

// lossCheckInterval is how often the daily loss limit is polled for the
// emergency close.
const lossCheckInterval = 30 * time.Second

// watchBridge breaks the construction cycle between the engine and the
// stop/target supervisor: the engine needs a Watcher before the supervisor,
// which submits through the engine, can exist.
type watchBridge struct {
	sup *watch.Supervisor
}

func (b *watchBridge) Track(pos domain.Position) { b.sup.Track(pos) }
func (b *watchBridge) Forget(symbol string)      { b.sup.Forget(symbol) }

func main() {
	_ = godotenv.Load()

	cfgPath := "config/catalyst.yaml"
	if p := os.Getenv("CATALYST_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	store, err := ledger.NewSQLiteLedger(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open ledger: %v", err)
	}
	defer store.Close()

	journal := audit.NewJournal(cfg.Storage.DataDir)
	alerter := alert.NewLogAlerter(logger)
	gate := safety.NewGate(cfg.Safety, logger)

	v, ticks := buildVenue(cfg, logger)
	if len(cfg.Trading.TickTable) > 0 {
		ticks = cfg.Trading.TickTable
	}

	mgr := session.NewManager(cfg.SessionConfig(), v, alerter, logger)

	bridge := &watchBridge{}
	eng := engine.New(v, store, gate, mgr, bridge, ticks, logger)
	sup := watch.NewSupervisor(eng, logger)
	bridge.sup = sup

	rec := recon.New(cfg.ReconConfig(), v, store, journal, eng, sup, mgr, alerter, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mgr.Connect(ctx); err != nil {
		log.Fatalf("venue connect failed: %v", err)
	}
	defer mgr.Stop()

	symbols := make([]string, 0, len(cfg.Trading.Watchlist))
	for _, s := range cfg.Trading.Watchlist {
		c, err := norm.Canonical(s)
		if err != nil {
			log.Fatalf("invalid watchlist symbol %q: %v", s, err)
		}
		symbols = append(symbols, c)
	}
	if len(symbols) > 0 {
		if err := v.SubscribeQuotes(ctx, symbols); err != nil {
			log.Fatalf("quote subscription failed: %v", err)
		}
	}

	// Re-arm emulated stops for positions that survived a restart.
	if !v.SupportsLinkedOrders() {
		positions, err := store.ListPositions(ctx)
		if err != nil {
			log.Fatalf("listing positions failed: %v", err)
		}
		for _, p := range positions {
			sup.Track(p)
		}
	}

	// Settle anything that moved while we were down before taking orders.
	if err := rec.ReconcileOnce(ctx); err != nil {
		logger.Error("startup reconciliation failed", "error", err)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	var wg sync.WaitGroup
	wg.Add(5)
	go func() { defer wg.Done(); mgr.Start(runCtx) }()
	go func() { defer wg.Done(); eng.Run(runCtx) }()
	go func() { defer wg.Done(); sup.Run(runCtx, v.Quotes()) }()
	go func() { defer wg.Done(); rec.Run(runCtx) }()
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(lossCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := eng.EmergencyClose(runCtx); err != nil {
					logger.Error("emergency close check failed", "error", err)
				}
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	httpapi.NewServer(eng, mgr, store, logger).RegisterRoutes(mux)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	logger.Info("catalyst trader started",
		"venue", v.Name(), "paper", cfg.Trading.PaperMode,
		"watchlist", symbols, "metrics", srv.Addr)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	// Stop taking entries and wait for in-flight submissions to settle.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	if err := eng.Drain(drainCtx); err != nil {
		logger.Warn("drain incomplete", "error", err)
	}
	cancelDrain()

	cancelRun()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown failed", "error", err)
	}
	logger.Info("catalyst trader stopped")
}

// buildVenue constructs the configured venue adapter and the tick table for
// its market.
func buildVenue(cfg *config.Config, logger *slog.Logger) (venue.Venue, norm.TickTable) {
	switch cfg.Venue {
	case "opend":
		return opend.New(cfg.OpenDConfig(), logger), norm.HKEX
	case "alpaca":
		return alpacav.New(cfg.AlpacaConfig(), logger), norm.US
	default:
		return venue.NewSimulator(1_000_000), norm.HKEX
	}
}
