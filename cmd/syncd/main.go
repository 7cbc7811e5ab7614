// Package main runs the sync daemon: it opens the local database,
// captures entity commits into the operation log, and keeps the log
// drained against the configured sync targets.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roamlog/roamlog/internal/config"
	"github.com/roamlog/roamlog/internal/db"
	"github.com/roamlog/roamlog/internal/devices"
	"github.com/roamlog/roamlog/internal/entities"
	"github.com/roamlog/roamlog/internal/logging"
	"github.com/roamlog/roamlog/internal/models"
	"github.com/roamlog/roamlog/internal/status"
	syncpkg "github.com/roamlog/roamlog/internal/sync"
	"github.com/roamlog/roamlog/internal/sync/capture"
	"github.com/roamlog/roamlog/internal/sync/conflict"
	"github.com/roamlog/roamlog/internal/sync/queue"
	"github.com/roamlog/roamlog/internal/sync/scheduler"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	configPath := flag.String("config", "syncd.yaml", "path to configuration file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := logrus.InfoLevel
	if *verbose {
		level = logrus.DebugLevel
	}
	logging.Init(os.Stderr, level)

	if err := run(*configPath); err != nil {
		logging.Error("daemon exited", err, nil)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logging.Info("starting sync daemon", map[string]interface{}{
		"version":   Version,
		"device_id": cfg.DeviceID,
		"data_dir":  cfg.DataDir,
		"targets":   len(cfg.Targets),
	})

	database, err := db.OpenAndMigrate(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	registry := devices.NewRegistry(database.DB)
	if _, err := registry.RegisterOrUpdate(&models.DeviceInfo{
		ID:          cfg.DeviceID,
		DisplayName: cfg.DeviceName,
		Platform:    cfg.Platform,
		Priority:    cfg.DevicePriority,
		OwnerUserID: cfg.OwnerUserID,
	}); err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}

	store := entities.NewStore(database.DB)
	opLog := queue.NewLog(database.DB)
	resolver := conflict.NewResolver(registry, conflict.NewStore(database.DB))

	targets := make([]syncpkg.RemoteStore, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		targets = append(targets, syncpkg.NewHTTPRemote(syncpkg.HTTPRemoteConfig{
			Name:      t.Name,
			BaseURL:   t.BaseURL,
			AuthToken: t.AuthToken,
		}))
	}

	var sink syncpkg.EventSink
	var hub *status.Hub
	if cfg.StatusAddr != "" {
		hub = status.NewHub()
		sink = hub
	}

	coordinator := syncpkg.NewCoordinator(opLog, store, resolver,
		conflict.Strategy(cfg.Strategy), targets, sink)
	coordinator.MaxConcurrency = cfg.MaxConcurrency

	capturer := capture.NewCapturer(opLog, store)
	capturer.Start()
	defer capturer.Stop()

	sched := scheduler.New(coordinator, &scheduler.Config{
		SyncInterval:  cfg.SyncInterval,
		DrainInterval: cfg.DrainInterval,
		SyncTimeout:   5 * time.Minute,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched.Start(ctx)
	defer sched.Stop()

	var statusServer *http.Server
	if hub != nil {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", status.Handler(hub))
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"status":"ok","version":%q}`, Version)
		})
		statusServer = &http.Server{Addr: cfg.StatusAddr, Handler: mux}
		go func() {
			logging.Info("status hub listening", map[string]interface{}{"addr": cfg.StatusAddr})
			if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error("status hub stopped", err, nil)
			}
		}()
	}

	<-ctx.Done()
	logging.Info("shutting down", nil)

	if statusServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("status hub shutdown failed", err, nil)
		}
	}
	if hub != nil {
		hub.Close()
	}
	return nil
}
