package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/embersync/embersync/emby"
	"github.com/embersync/embersync/internal/assets"
	"github.com/embersync/embersync/internal/config"
	"github.com/embersync/embersync/internal/connect"
	"github.com/embersync/embersync/internal/discover"
	"github.com/embersync/embersync/internal/logging"
	"github.com/embersync/embersync/internal/models"
	"github.com/embersync/embersync/internal/state"
	syncengine "github.com/embersync/embersync/internal/sync"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.AppVersion == "dev" {
		cfg.AppVersion = Version
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("embersync starting",
		slog.String("version", Version),
		slog.String("data_dir", cfg.DataDir),
		slog.Duration("sync_interval", cfg.SyncInterval),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := state.Load(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer store.Close()

	deviceID, err := store.EnsureDeviceID()
	if err != nil {
		return err
	}

	blobs := assets.NewStore(cfg.DataDir)

	manager := connect.NewManager(connect.ManagerConfig{
		Store:        store,
		App:          emby.AppInfo{Name: cfg.AppName, Version: cfg.AppVersion},
		Device:       emby.DeviceInfo{Name: cfg.DeviceName, Id: deviceID},
		Capabilities: cfg.Capabilities(),
		MinVersion:   cfg.MinServerVersion,
		MaxVersion:   cfg.MaxServerVersion,
		AutoLogin:    cfg.AutoLogin,
		RequireHTTPS: cfg.RequireHTTPS,
	}, logger)

	if err := discoverServers(ctx, store, logger); err != nil {
		logger.Warn("local discovery failed", slog.String("error", err.Error()))
	}

	engine := syncengine.NewEngine(store, blobs, nil, deviceID, logger)
	coordinator := syncengine.NewCoordinator(store, manager, engine, logger)

	result, err := manager.ConnectToAny(ctx, connect.DefaultOptions)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	logger.Info("startup connection finished", slog.String("state", string(result.State)))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runSyncLoop(gctx, cfg, coordinator, logger)
	})

	return g.Wait()
}

// discoverServers broadcasts a local-network probe and folds any replies
// into the known-server list. Best effort: failure never blocks startup.
func discoverServers(ctx context.Context, store *state.Store, logger *slog.Logger) error {
	found, err := discover.New(logger).Discover(ctx)
	if err != nil {
		return err
	}

	for _, rec := range found {
		if err := store.SaveServer(rec); err != nil {
			return fmt.Errorf("saving discovered server %s: %w", rec.Name, err)
		}

		logger.Info("discovered server",
			slog.String("name", rec.Name),
			slog.String("address", firstAddress(rec)),
		)
	}

	return nil
}

func firstAddress(rec models.ServerRecord) string {
	if rec.ManualAddress != "" {
		return rec.ManualAddress
	}
	return rec.LocalAddress
}

// runSyncLoop runs the full pipeline immediately and then on every tick
// until the context ends.
func runSyncLoop(ctx context.Context, cfg *config.Config, coordinator *syncengine.Coordinator, logger *slog.Logger) error {
	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()

	opts := syncengine.Options{CheckExistence: true}

	for {
		if err := coordinator.Sync(ctx, opts); err != nil && ctx.Err() == nil {
			logger.Warn("sync run failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
