// Package app wires the collector process together: config, store,
// persist pipeline, upstream client, notifier, health endpoint and the
// end-of-day scheduler, plus the supervisor loop that decides the exit
// code.
package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bobmcallan/hktick/internal/archive"
	"github.com/bobmcallan/hktick/internal/clients/futu"
	"github.com/bobmcallan/hktick/internal/collector"
	"github.com/bobmcallan/hktick/internal/common"
	"github.com/bobmcallan/hktick/internal/market"
	"github.com/bobmcallan/hktick/internal/notify/telegram"
	"github.com/bobmcallan/hktick/internal/quality"
	"github.com/bobmcallan/hktick/internal/server"
	"github.com/bobmcallan/hktick/internal/storage"
)

const shutdownTimeout = 10 * time.Second

// App owns every long-lived component of the collector process.
type App struct {
	Config    *common.Config
	Logger    *common.Logger
	Calendar  *market.Calendar
	Store     *storage.Store
	Detector  *quality.GapDetector
	Reporter  *quality.Reporter
	Collector *collector.Collector
	Client    *futu.Client
	Notifier  *telegram.Notifier
	Health    *server.Server
	Archiver  *archive.Archiver

	cron *cron.Cron
}

// NewApp loads config and builds the component graph. Nothing starts
// running until Start.
func NewApp(configPath string) (*App, error) {
	var cfg *common.Config
	var err error
	if configPath != "" {
		cfg, err = common.LoadConfig(configPath)
	} else {
		cfg, err = common.LoadConfig()
	}
	if err != nil {
		return nil, err
	}

	logger := common.NewLoggerFromConfig(cfg.Logging)

	calendar, err := market.NewCalendar(cfg.Quality, logger)
	if err != nil {
		return nil, err
	}

	store := storage.NewStore(cfg.Store, logger)

	var detector *quality.GapDetector
	if cfg.Quality.GapEnabled {
		detector = quality.NewGapDetector(cfg.Quality, calendar)
	}
	reporter := quality.NewReporter(cfg.Quality, calendar, cfg.Store.DataRoot, logger)

	coll := collector.New(store, detector, cfg.Queue, cfg.Retry, logger)
	notifier := telegram.NewNotifier(cfg.Notifier, calendar, logger)
	client := futu.New(cfg, coll, store, notifier, nil, logger)
	coll.SetPersistObserver(client.HandlePersistResult)

	a := &App{
		Config:    cfg,
		Logger:    logger,
		Calendar:  calendar,
		Store:     store,
		Detector:  detector,
		Reporter:  reporter,
		Collector: coll,
		Client:    client,
		Notifier:  notifier,
	}

	if cfg.Health.Enabled {
		a.Health = server.NewServer(cfg.Health, a.healthStatus, logger)
	}
	if cfg.Archive.Enabled {
		a.Archiver = archive.NewArchiver(cfg.Archive, store, logger)
	}
	return a, nil
}

// Start brings components up in dependency order: the persist worker
// before anything that enqueues, the notifier before the first health
// cycle, the upstream client last among producers.
func (a *App) Start() {
	a.Collector.Start()
	a.Notifier.Start()
	a.Client.Start()
	if a.Health != nil {
		a.Health.Start()
	}
	a.startScheduler()

	a.Logger.Info().
		Str("data_root", a.Config.Store.DataRoot).
		Int("symbols", len(a.Config.Upstream.Symbols)).
		Bool("notifier", a.Notifier.Active()).
		Bool("health", a.Health != nil).
		Bool("archive", a.Archiver != nil).
		Msg("collector started")
}

// Run blocks until a shutdown signal, a watchdog exit request, or a
// fatal pipeline error, then shuts everything down and returns the
// process exit code.
func (a *App) Run() int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	code := 0
	select {
	case sig := <-sigCh:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case code = <-a.Client.ExitRequests():
		a.Logger.Error().Int("exit_code", code).Msg("watchdog requested exit")
	case <-a.Collector.WaitFatal():
		// same code as the watchdog path: the service manager should
		// restart us, 1 stays reserved for failing to start at all
		a.Logger.Error().Err(a.Collector.FatalError()).Msg("persist pipeline fatal")
		code = 2
	}

	a.Shutdown()
	return code
}

// Shutdown stops components in reverse order. The client stops first
// so nothing new enters the queue while the collector drains.
func (a *App) Shutdown() {
	if a.cron != nil {
		a.cron.Stop()
	}
	if a.Health != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.Health.Shutdown(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("health endpoint shutdown failed")
		}
		cancel()
	}

	a.Client.Stop()
	if err := a.Collector.Stop(shutdownTimeout); err != nil {
		a.Logger.Warn().Err(err).Msg("persist queue did not drain before timeout")
	}
	a.Notifier.Stop()
	a.Logger.Info().Msg("collector stopped")
}

func (a *App) healthStatus() server.Status {
	status := server.Status{
		Status:    "ok",
		QueueSize: a.Collector.QueueSize(),
		Connected: a.Client.Connected(),
	}
	if ts := a.Client.LastTickTSMs(); ts > 0 {
		formatted := time.UnixMilli(ts).In(a.Calendar.Location()).Format(time.RFC3339)
		status.LastTickTS = &formatted
	}
	return status
}
