package sync

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/embersync/embersync/internal/connect"
	apperrors "github.com/embersync/embersync/internal/errors"
	"github.com/embersync/embersync/internal/models"
	"github.com/embersync/embersync/internal/state"
)

// connector is the slice of the connection manager the coordinator
// needs. Sync-mode connects suppress capability reporting and the
// WebSocket open.
type connector interface {
	Connect(ctx context.Context, rec models.ServerRecord, opts connect.Options) (*connect.Result, error)
}

// Coordinator drives the sync pipeline across every known server, one
// at a time. A slow or failing server delays but never corrupts the
// sync of the next one, and overlapping full runs are rejected.
type Coordinator struct {
	store   *state.Store
	manager connector
	engine  *Engine
	logger  *slog.Logger

	running atomic.Bool
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store *state.Store, manager connector, engine *Engine, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:   store,
		manager: manager,
		engine:  engine,
		logger:  logger,
	}
}

// Running reports whether a full sync run is in progress.
func (c *Coordinator) Running() bool {
	return c.running.Load()
}

// Sync runs the pipeline for every signed-in server sequentially.
// Returns ErrSyncInProgress when a run is already underway.
func (c *Coordinator) Sync(ctx context.Context, opts Options) error {
	if !c.running.CompareAndSwap(false, true) {
		return apperrors.ErrSyncInProgress
	}
	defer c.running.Store(false)

	servers, err := c.store.Servers()
	if err != nil {
		return err
	}

	for _, rec := range servers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if rec.AccessToken == "" {
			c.logger.Debug("skipping server without credentials",
				slog.String("server", rec.Name),
			)
			continue
		}

		result, err := c.manager.Connect(ctx, rec, connect.SyncOptions)
		if err != nil {
			c.logger.Warn("connecting for sync failed",
				slog.String("server", rec.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if result.State != connect.StateSignedIn {
			c.logger.Warn("server not ready for sync",
				slog.String("server", rec.Name),
				slog.String("state", string(result.State)),
			)
			continue
		}

		if err := c.engine.Run(ctx, result.Session, opts); err != nil {
			c.logger.Warn("sync pipeline aborted",
				slog.String("server", rec.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	return ctx.Err()
}
