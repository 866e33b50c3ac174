package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/heimdex/heimdex-labeler/internal/api"
	"github.com/heimdex/heimdex-labeler/internal/catalog"
	"github.com/heimdex/heimdex-labeler/internal/config"
	"github.com/heimdex/heimdex-labeler/internal/counters"
	"github.com/heimdex/heimdex-labeler/internal/db"
	"github.com/heimdex/heimdex-labeler/internal/detector"
	"github.com/heimdex/heimdex-labeler/internal/logging"
	"github.com/heimdex/heimdex-labeler/internal/metrics"
	"github.com/heimdex/heimdex-labeler/internal/playback"
	"github.com/heimdex/heimdex-labeler/internal/session"
	"github.com/heimdex/heimdex-labeler/internal/ui"
	"github.com/heimdex/heimdex-labeler/internal/watcher"
)

const (
	shutdownTimeout = 10 * time.Second
	doctorRetry     = 15 * time.Second
)

func serveCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the labeling server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	startTime := time.Now()

	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.UploadsDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting heimdex labeler",
		"version", config.Version,
		"data_dir", logging.SanitizePath(cfg.DataDir()),
	)

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := counters.NewRegistry(counters.NewSQLStore(database.Conn()))
	if err := registry.Load(ctx); err != nil {
		return err
	}

	model, doctor := openDetector(cfg, logger)
	adapter := detector.NewAdapter(model, logging.WithComponent(logger, "detector"))

	sess, err := session.New(adapter, registry, session.SettingsFrom(cfg.Pipeline()), logging.WithComponent(logger, "session"))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	sess.SetObserver(m)

	repo := catalog.NewMemoryRepository()
	catalogSvc := catalog.NewService(repo, newDecoder(cfg, logger), logger)

	hub := api.NewHub(logging.WithComponent(logger, "ws"))
	runner := catalog.NewRunner(catalogSvc, repo, sess, logging.WithComponent(logger, "runner"))
	runner.SetNotifier(hub)
	runner.SetObserver(m)

	apiServer := api.NewServer(api.ServerConfig{
		Port:       cfg.Port(),
		Session:    sess,
		Catalog:    catalogSvc,
		Runner:     runner,
		Hub:        hub,
		Metrics:    m,
		Doctor:     doctor,
		Playback:   playback.NewServer(logger),
		UploadsDir: cfg.UploadsDir(),
		Logger:     logger,
		StartTime:  startTime,
	})
	url := "http://" + apiServer.Addr()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(apiServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		runner.Start(gctx)
		return nil
	})
	if doctor != nil {
		g.Go(func() error {
			probeUntilReady(gctx, doctor, logger)
			return nil
		})
	}
	if dir := cfg.WatchDir(); dir != "" {
		g.Go(func() error {
			return watchInbox(gctx, dir, catalogSvc, logger)
		})
	}

	if cfg.Headless() {
		logger.Info("running in headless mode (no system tray)", "url", url)
	} else {
		tray := ui.NewTray(ui.TrayConfig{
			Session: sess,
			Runner:  runner,
			URL:     url,
			Logger:  logger,
			OnQuit:  stop,
		})
		go tray.Run(gctx)
	}

	err = g.Wait()
	logger.Info("shutdown complete")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// openDetector starts the python detector. Without python the labeler still
// serves, reporting the model as not ready.
func openDetector(cfg config.Config, logger *slog.Logger) (detector.Model, *detector.CachedDoctor) {
	detCfg := detector.DefaultConfig(cfg.DataDir(), logging.WithComponent(logger, "detector"))
	detCfg.PythonPath = cfg.Python()
	detCfg.ModuleName = cfg.DetectorModule()
	detCfg.DetectTimeout = cfg.DetectorTimeout()
	detCfg.DoctorTimeout = cfg.DoctorTimeout()

	model, err := detector.NewSubprocessModel(detCfg)
	if err != nil {
		logger.Warn("detector unavailable, labeling disabled", "error", err)
		return nil, nil
	}
	return model, model.Doctor()
}

// probeUntilReady runs the doctor until the model reports loaded weights.
func probeUntilReady(ctx context.Context, doctor *detector.CachedDoctor, logger *slog.Logger) {
	for {
		caps, err := doctor.Refresh(ctx)
		switch {
		case err != nil:
			logger.Warn("detector probe failed", "error", err)
		case caps.HasDetector:
			logger.Info("detector ready",
				"model", caps.Model.Name,
				"classes", caps.Model.Classes,
				"cuda", caps.GPU.CUDAAvailable,
			)
			return
		default:
			logger.Info("detector loading", "model", caps.Model.Name)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(doctorRetry):
		}
	}
}

// watchInbox registers what is already in dir, then every video that lands
// there later.
func watchInbox(ctx context.Context, dir string, svc *catalog.Service, logger *slog.Logger) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create watch dir: %w", err)
	}

	added, err := svc.ScanFolder(ctx, dir)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to scan watch dir: %w", err)
	}
	logger.Info("inbox scanned", "path", logging.SanitizePath(dir), "videos", len(added))

	w := watcher.NewFSWatcher(logger)
	w.OnChange(func(path string, event watcher.EventType) {
		if event == watcher.EventDelete {
			return
		}
		v, err := svc.AddVideo(ctx, path)
		if err != nil {
			logger.Warn("failed to register inbox video", "file", logging.SanitizePath(path), "error", err)
			return
		}
		logger.Info("inbox video registered", "video_id", v.ID, "file", v.Filename)
	})
	return w.Watch(ctx, dir)
}
