// Package sync implements the offline synchronization pipeline: per
// server, a fixed sequence of phases reconciles local media state with
// the server and acquires newly queued downloads.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/embersync/embersync/emby"
	"github.com/embersync/embersync/internal/assets"
	"github.com/embersync/embersync/internal/models"
	"github.com/embersync/embersync/internal/state"
)

const (
	// downloadBudget caps how many downloads one acquisition phase may
	// have queued or in flight in total.
	downloadBudget = 10

	// progressGate is the active-download count above which a
	// progress-only cycle skips acquisition and reconciliation.
	progressGate = 2
)

// imageTypes are the item image classes fetched during acquisition.
var imageTypes = []string{"Primary", "Logo", "Art", "Banner", "Thumb"}

// Options tunes one pipeline run.
type Options struct {
	// CheckExistence enables the optional blob existence sweep.
	CheckExistence bool

	// ProgressOnly marks the run as a cheap progress check: with more
	// than progressGate downloads active, acquisition and reconciliation
	// are skipped.
	ProgressOnly bool
}

// Engine runs the sync pipeline for one server at a time. Phases are
// strictly ordered and individually isolated: a failed phase is logged
// and the pipeline moves on. Item processing inside a phase is
// sequential, keeping bandwidth bounded and store writes ordered.
type Engine struct {
	store    *state.Store
	assets   *assets.Store
	queue    DownloadQueue
	logger   *slog.Logger
	deviceID string
}

// NewEngine creates an Engine. A nil queue means the engine transfers
// media itself and nothing is ever externally in flight.
func NewEngine(store *state.Store, blobs *assets.Store, queue DownloadQueue, deviceID string, logger *slog.Logger) *Engine {
	if queue == nil {
		queue = NoQueue{}
	}

	return &Engine{
		store:    store,
		assets:   blobs,
		queue:    queue,
		logger:   logger,
		deviceID: deviceID,
	}
}

// Run executes the full pipeline against one signed-in session. The
// returned error is only ever a cancellation; per-phase failures are
// logged and absorbed.
func (e *Engine) Run(ctx context.Context, sess *emby.Session, opts Options) error {
	serverID := sess.ServerID()

	log := e.logger.With(slog.String("server_id", serverID))
	log.Info("sync pipeline starting")

	if opts.CheckExistence {
		if err := e.checkExistence(ctx, serverID); err != nil {
			log.Warn("existence check failed", slog.String("error", err.Error()))
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := e.reconcileTransfers(ctx, sess, serverID); err != nil {
		log.Warn("transfer reconciliation failed", slog.String("error", err.Error()))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := e.replayActions(ctx, sess, serverID); err != nil {
		log.Warn("offline action replay failed", slog.String("error", err.Error()))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if opts.ProgressOnly && e.queue.ActiveCount() > progressGate {
		log.Debug("busy with downloads, skipping acquisition",
			slog.Int("active", e.queue.ActiveCount()),
		)
		log.Info("sync pipeline finished")
		return nil
	}

	if err := e.acquire(ctx, sess, serverID); err != nil {
		log.Warn("media acquisition failed", slog.String("error", err.Error()))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := e.reconcileWithServer(ctx, sess, serverID); err != nil {
		log.Warn("server reconciliation failed", slog.String("error", err.Error()))
	}

	log.Info("sync pipeline finished")

	return ctx.Err()
}

// checkExistence drops local records whose backing blob has disappeared
// (external deletion, storage swap).
func (e *Engine) checkExistence(ctx context.Context, serverID string) error {
	items, err := e.store.Items(serverID, models.StatusSynced, models.StatusError)
	if err != nil {
		return fmt.Errorf("listing items: %w", err)
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if item.LocalPath == "" {
			continue
		}

		exists, err := e.assets.Exists(item.LocalPath)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		e.logger.Info("blob missing, dropping local record",
			slog.String("server_id", serverID),
			slog.String("item_id", item.ItemId),
		)

		if err := e.store.DeleteItem(serverID, item.ItemId); err != nil {
			return fmt.Errorf("deleting item %s: %w", item.ItemId, err)
		}
	}

	return nil
}

// reconcileTransfers settles every pending transfer: a blob with bytes
// is reported to the server and marked synced; an empty blob is either
// still in the download queue (left alone) or abandoned (deleted).
func (e *Engine) reconcileTransfers(ctx context.Context, sess *emby.Session, serverID string) error {
	items, err := e.store.Items(serverID, models.StatusQueued, models.StatusTransferring)
	if err != nil {
		return fmt.Errorf("listing pending items: %w", err)
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var size int64
		if item.LocalPath != "" {
			size, err = e.assets.Size(item.LocalPath)
			if err != nil {
				return err
			}
		}

		if size > 0 {
			// The bytes are on disk; a failed report must not throw them
			// away, so the record degrades to error instead.
			if err := sess.ReportTransferred(ctx, item.SyncJobItemId); err != nil {
				e.logger.Warn("reporting transfer failed",
					slog.String("item_id", item.ItemId),
					slog.String("error", err.Error()),
				)
				item.Status = models.StatusError
			} else {
				item.Status = models.StatusSynced
			}

			if err := e.store.SaveItem(item); err != nil {
				return fmt.Errorf("saving item %s: %w", item.ItemId, err)
			}

			continue
		}

		if e.queue.InQueue(item.Id) {
			continue
		}

		e.logger.Info("abandoned transfer, dropping local record",
			slog.String("server_id", serverID),
			slog.String("item_id", item.ItemId),
		)

		if err := e.store.DeleteItem(serverID, item.ItemId); err != nil {
			return fmt.Errorf("deleting item %s: %w", item.ItemId, err)
		}
		if err := e.assets.RemoveItem(serverID, item.ItemId); err != nil {
			return err
		}
	}

	return nil
}

// replayActions reports queued offline actions in one batch. Actions
// are deleted whatever the report's outcome: a permanently failing
// action must not wedge the queue.
func (e *Engine) replayActions(ctx context.Context, sess *emby.Session, serverID string) error {
	actions, err := e.store.Actions(serverID)
	if err != nil {
		return fmt.Errorf("listing offline actions: %w", err)
	}
	if len(actions) == 0 {
		return nil
	}

	if err := sess.ReportOfflineActions(ctx, actions); err != nil {
		e.logger.Warn("reporting offline actions failed, dropping them anyway",
			slog.String("server_id", serverID),
			slog.Int("count", len(actions)),
			slog.String("error", err.Error()),
		)
	}

	for _, a := range actions {
		if err := e.store.DeleteAction(serverID, a.Id); err != nil {
			return fmt.Errorf("deleting action %s: %w", a.Id, err)
		}
	}

	return nil
}

// acquire pulls the server's ready job items and starts work on as many
// as the download budget allows.
func (e *Engine) acquire(ctx context.Context, sess *emby.Session, serverID string) error {
	jobItems, err := sess.ReadySyncItems(ctx, e.deviceID)
	if err != nil {
		return fmt.Errorf("fetching ready items: %w", err)
	}

	budget := downloadBudget - e.queue.ActiveCount()

	for _, job := range jobItems {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if budget <= 0 {
			e.logger.Debug("download budget exhausted",
				slog.String("server_id", serverID),
				slog.Int("remaining_jobs", len(jobItems)),
			)
			break
		}

		existing, err := e.store.GetItem(serverID, job.ItemId)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}

		if err := e.acquireItem(ctx, sess, serverID, job); err != nil {
			e.logger.Warn("acquiring item failed",
				slog.String("server_id", serverID),
				slog.String("item_id", job.ItemId),
				slog.String("error", err.Error()),
			)
			continue
		}

		budget--
	}

	return nil
}

// acquireItem brings one job item local: metadata, images, ancestor
// records, matching subtitle files, then the media blob itself. Each
// sub-step failure is absorbed; whatever was assembled is persisted.
func (e *Engine) acquireItem(ctx context.Context, sess *emby.Session, serverID string, job emby.SyncJobItem) error {
	local := models.LocalItem{
		Id:            models.LocalItemId(serverID, job.ItemId),
		ItemId:        job.ItemId,
		ServerId:      serverID,
		SyncJobItemId: job.SyncJobItemId,
		Status:        models.StatusQueued,
		Item:          job.Item,
	}

	if item, err := sess.Item(ctx, job.ItemId); err != nil {
		e.logger.Warn("fetching item metadata",
			slog.String("item_id", job.ItemId),
			slog.String("error", err.Error()),
		)
	} else {
		local.Item = *item
	}

	e.downloadImages(ctx, sess, serverID, &local)
	e.downloadAncestors(ctx, sess, serverID, local.Item)
	e.downloadSubtitles(ctx, sess, serverID, job, &local)

	// The record goes in before the blob transfer so an interrupted
	// download is visible to the next reconciliation pass.
	local.Status = models.StatusTransferring
	if err := e.store.SaveItem(local); err != nil {
		return fmt.Errorf("saving item record: %w", err)
	}

	body, err := sess.SyncJobItemFile(ctx, job.SyncJobItemId)
	if err != nil {
		return fmt.Errorf("opening media stream: %w", err)
	}
	defer body.Close()

	name := job.OriginalFileName
	if name == "" {
		name = job.ItemId
		if local.Item.Container != "" {
			name += "." + local.Item.Container
		}
	}

	path, err := e.assets.Create(serverID, job.ItemId, name, body)
	if err != nil {
		return fmt.Errorf("writing media blob: %w", err)
	}

	local.LocalPath = path

	if err := e.store.SaveItem(local); err != nil {
		return fmt.Errorf("saving item record: %w", err)
	}

	return nil
}

// downloadImages fetches the item's own images plus the primary images
// of its series/season/album parents.
func (e *Engine) downloadImages(ctx context.Context, sess *emby.Session, serverID string, local *models.LocalItem) {
	for _, imageType := range imageTypes {
		tag, ok := local.Item.ImageTags[imageType]
		if !ok {
			continue
		}

		e.downloadImage(ctx, sess, serverID, local, local.Item.Id, imageType, tag)
	}

	if local.Item.SeriesId != "" && local.Item.SeriesPrimaryImageTag != "" {
		e.downloadImage(ctx, sess, serverID, local, local.Item.SeriesId, "Primary", local.Item.SeriesPrimaryImageTag)
	}
	if local.Item.SeasonId != "" {
		e.downloadImage(ctx, sess, serverID, local, local.Item.SeasonId, "Primary", "")
	}
	if local.Item.AlbumId != "" {
		e.downloadImage(ctx, sess, serverID, local, local.Item.AlbumId, "Primary", "")
	}
}

func (e *Engine) downloadImage(ctx context.Context, sess *emby.Session, serverID string, local *models.LocalItem, ownerID, imageType, tag string) {
	body, err := sess.ImageStream(ctx, ownerID, imageType, tag)
	if err != nil {
		e.logger.Debug("downloading image",
			slog.String("item_id", ownerID),
			slog.String("type", imageType),
			slog.String("error", err.Error()),
		)
		return
	}
	defer body.Close()

	name := "image_" + strings.ToLower(imageType)
	if ownerID != local.Item.Id {
		name = "image_" + ownerID + "_" + strings.ToLower(imageType)
	}

	path, err := e.assets.Create(serverID, local.ItemId, name, body)
	if err != nil {
		e.logger.Debug("storing image",
			slog.String("item_id", ownerID),
			slog.String("error", err.Error()),
		)
		return
	}

	local.AdditionalFiles = append(local.AdditionalFiles, models.AdditionalFile{
		Name: name,
		Type: "Image",
		Path: path,
	})
}

// downloadAncestors stores series/season/album metadata records so the
// item remains browsable offline.
func (e *Engine) downloadAncestors(ctx context.Context, sess *emby.Session, serverID string, item models.BaseItem) {
	for _, ancestorID := range []string{item.SeriesId, item.SeasonId, item.AlbumId} {
		if ancestorID == "" {
			continue
		}

		existing, err := e.store.GetItem(serverID, ancestorID)
		if err != nil {
			e.logger.Warn("checking ancestor record",
				slog.String("item_id", ancestorID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if existing != nil {
			continue
		}

		ancestor, err := sess.Item(ctx, ancestorID)
		if err != nil {
			e.logger.Warn("fetching ancestor metadata",
				slog.String("item_id", ancestorID),
				slog.String("error", err.Error()),
			)
			continue
		}

		record := models.LocalItem{
			Id:       models.LocalItemId(serverID, ancestorID),
			ItemId:   ancestorID,
			ServerId: serverID,
			Status:   models.StatusSynced,
			Item:     *ancestor,
		}

		if err := e.store.SaveItem(record); err != nil {
			e.logger.Warn("saving ancestor record",
				slog.String("item_id", ancestorID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// downloadSubtitles fetches additional files tagged as subtitles whose
// index matches one of the item's subtitle streams.
func (e *Engine) downloadSubtitles(ctx context.Context, sess *emby.Session, serverID string, job emby.SyncJobItem, local *models.LocalItem) {
	for _, file := range job.AdditionalFiles {
		if file.Type != "Subtitles" {
			continue
		}
		if !subtitleStreamExists(local.Item.MediaStreams, file.Index) {
			continue
		}

		body, err := sess.AdditionalFileStream(ctx, job.SyncJobItemId, file.Name)
		if err != nil {
			e.logger.Warn("downloading subtitle",
				slog.String("item_id", job.ItemId),
				slog.String("name", file.Name),
				slog.String("error", err.Error()),
			)
			continue
		}

		path, err := e.assets.Create(serverID, job.ItemId, file.Name, body)
		body.Close()
		if err != nil {
			e.logger.Warn("storing subtitle",
				slog.String("item_id", job.ItemId),
				slog.String("name", file.Name),
				slog.String("error", err.Error()),
			)
			continue
		}

		local.AdditionalFiles = append(local.AdditionalFiles, models.AdditionalFile{
			Name: file.Name,
			Type: "Subtitles",
			Path: path,
		})
	}
}

func subtitleStreamExists(streams []models.MediaStream, index int) bool {
	for _, s := range streams {
		if s.Type == "Subtitle" && s.Index == index {
			return true
		}
	}
	return false
}

// reconcileWithServer reports the completed item set and removes
// whatever the server says is no longer in sync scope, then drops
// container records that lost their last child.
func (e *Engine) reconcileWithServer(ctx context.Context, sess *emby.Session, serverID string) error {
	items, err := e.store.Items(serverID)
	if err != nil {
		return fmt.Errorf("listing items: %w", err)
	}

	var completed []string
	for _, item := range items {
		if item.Status == models.StatusSynced && !item.Item.IsContainer() {
			completed = append(completed, item.ItemId)
		}
	}

	resp, err := sess.SyncData(ctx, emby.SyncDataRequest{
		TargetId:     e.deviceID,
		LocalItemIds: completed,
	})
	if err != nil {
		return fmt.Errorf("reconciling with server: %w", err)
	}

	for _, itemID := range resp.ItemIdsToRemove {
		e.logger.Info("removing item at server's request",
			slog.String("server_id", serverID),
			slog.String("item_id", itemID),
		)

		if err := e.store.DeleteItem(serverID, itemID); err != nil {
			return fmt.Errorf("deleting item %s: %w", itemID, err)
		}
		if err := e.assets.RemoveItem(serverID, itemID); err != nil {
			return err
		}
	}

	return e.purgeOrphanedContainers(serverID)
}

// purgeOrphanedContainers deletes series/season/album records no
// remaining media item references.
func (e *Engine) purgeOrphanedContainers(serverID string) error {
	items, err := e.store.Items(serverID)
	if err != nil {
		return fmt.Errorf("listing items: %w", err)
	}

	referenced := make(map[string]struct{})
	for _, item := range items {
		if item.Item.IsContainer() {
			continue
		}
		for _, parent := range []string{item.Item.SeriesId, item.Item.SeasonId, item.Item.AlbumId} {
			if parent != "" {
				referenced[parent] = struct{}{}
			}
		}
	}

	for _, item := range items {
		if !item.Item.IsContainer() {
			continue
		}
		if _, ok := referenced[item.ItemId]; ok {
			continue
		}

		e.logger.Info("purging orphaned container record",
			slog.String("server_id", serverID),
			slog.String("item_id", item.ItemId),
		)

		if err := e.store.DeleteItem(serverID, item.ItemId); err != nil {
			return fmt.Errorf("deleting container %s: %w", item.ItemId, err)
		}
		if err := e.assets.RemoveItem(serverID, item.ItemId); err != nil {
			return err
		}
	}

	return nil
}
