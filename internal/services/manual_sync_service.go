package services

import (
	"context"
	"sync"
	"time"

	"github.com/phomo/syncengine/internal/config"
	"github.com/phomo/syncengine/internal/library"
	"github.com/phomo/syncengine/internal/models"
	"github.com/phomo/syncengine/internal/observability"
	"github.com/phomo/syncengine/internal/state"
)

// pickerSettleFallback bounds the wait for a scope-change event after the
// limited-access picker is presented. Some platforms never deliver an
// event when the user dismisses the picker without changes.
const pickerSettleFallback = 1 * time.Second

// ExistingBatchesResult reports unreviewed work already waiting for the
// user, checked before starting a new manual sync.
type ExistingBatchesResult struct {
	BatchIDs   []string `json:"batchIds"`
	PhotoCount int      `json:"photoCount"`
}

// ManualSyncService runs user-triggered photo collection passes.
type ManualSyncService struct {
	store   *state.SyncStateStore
	library library.MediaLibrary
	batches *BatchService
	cfg     config.Sync

	syncMu sync.Mutex
}

// NewManualSyncService creates a new ManualSyncService
func NewManualSyncService(store *state.SyncStateStore, lib library.MediaLibrary, batches *BatchService, cfg config.Sync) *ManualSyncService {
	return &ManualSyncService{
		store:   store,
		library: lib,
		batches: batches,
		cfg:     cfg,
	}
}

// CheckExistingBatches reports batches still awaiting review. Callers
// route the user to review instead of collecting more photos when this
// is non-empty.
func (s *ManualSyncService) CheckExistingBatches(ctx context.Context) ExistingBatchesResult {
	batches := s.batches.PendingBatches(ctx)
	return ExistingBatchesResult{
		BatchIDs:   models.UnreviewedBatchIDs(batches),
		PhotoCount: models.UnreviewedPhotoCount(batches),
	}
}

// Sync runs a manual collection pass appropriate for the current library
// permission. Denied permission is an error; limited permission goes
// through the picker flow.
func (s *ManualSyncService) Sync(ctx context.Context) (*models.FullSyncResult, *models.LimitedSyncOutcome, error) {
	perm, err := s.library.Permission(ctx)
	if err != nil {
		return nil, nil, err
	}

	switch perm {
	case library.PermissionDenied:
		return nil, nil, models.ErrPermissionDenied
	case library.PermissionLimited:
		outcome, err := s.SyncLimitedAccess(ctx)
		return nil, outcome, err
	default:
		result, err := s.SyncFullAccess(ctx)
		return result, nil, err
	}
}

// SyncFullAccess collects unprocessed photos from the recent window and
// batches them for review. Only one manual sync runs at a time.
func (s *ManualSyncService) SyncFullAccess(ctx context.Context) (*models.FullSyncResult, error) {
	if !s.syncMu.TryLock() {
		return nil, models.ErrSyncInProgress
	}
	defer s.syncMu.Unlock()

	ctx, span := observability.StartServiceSpan(ctx, "ManualSyncService", "SyncFullAccess")
	defer span.End()

	startTime := time.Now()
	log := observability.WithContext(ctx)

	assets, err := s.collectNewAssets(ctx, s.windowCutoff(ctx))
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	if len(assets) == 0 {
		s.advanceLastSync(ctx, startTime, log)
		observability.SetSuccess(span)
		return &models.FullSyncResult{}, nil
	}

	batch, err := s.batches.CreatePhotoBatch(ctx, assets, models.SourceManualSync)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	// The window cursor moves even when nothing was collected; the
	// processed markers carry the dedup guarantee, not the cursor.
	s.advanceLastSync(ctx, startTime, log)
	observability.SetSuccess(span)
	if batch == nil {
		return &models.FullSyncResult{}, nil
	}
	return &models.FullSyncResult{
		BatchID:         &batch.BatchID,
		PhotosCollected: len(batch.Photos),
	}, nil
}

// SyncLimitedAccess presents the limited-access picker and collects any
// newly granted photos once the grant settles. The change handler is
// registered before the picker opens so a fast grant cannot slip by, and
// a short fallback timer covers platforms that never deliver an event on
// dismissal.
func (s *ManualSyncService) SyncLimitedAccess(ctx context.Context) (*models.LimitedSyncOutcome, error) {
	if !s.syncMu.TryLock() {
		return nil, models.ErrSyncInProgress
	}
	defer s.syncMu.Unlock()

	ctx, span := observability.StartServiceSpan(ctx, "ManualSyncService", "SyncLimitedAccess")
	defer span.End()

	log := observability.WithContext(ctx)

	previousGrant := s.store.LimitedAccessPhotoIDs(ctx)

	settled := make(chan struct{}, 1)
	unsubscribe, err := s.library.Subscribe(func(ev library.ChangeEvent) {
		if !ev.ScopeChanged {
			return
		}
		select {
		case settled <- struct{}{}:
		default:
		}
	})
	if err != nil {
		observability.RecordError(span, err)
		return &models.LimitedSyncOutcome{Status: models.LimitedSyncFailed, Error: err.Error()}, err
	}
	defer unsubscribe()

	if err := s.library.PresentPicker(ctx); err != nil {
		observability.RecordError(span, err)
		return &models.LimitedSyncOutcome{Status: models.LimitedSyncFailed, Error: err.Error()}, err
	}

	select {
	case <-settled:
	case <-time.After(pickerSettleFallback):
		log.Debug("Limited sync: no scope change event, checking grant anyway")
	case <-ctx.Done():
		return &models.LimitedSyncOutcome{Status: models.LimitedSyncCancelled}, models.ErrSyncCancelled
	}

	currentAssets, err := s.listAllAssets(ctx)
	if err != nil {
		observability.RecordError(span, err)
		return &models.LimitedSyncOutcome{Status: models.LimitedSyncFailed, Error: err.Error()}, err
	}

	currentGrant := make(map[string]bool, len(currentAssets))
	var fresh []models.DeviceAsset
	for _, asset := range currentAssets {
		currentGrant[asset.ID] = true
		if previousGrant[asset.ID] || s.store.HasProcessedMarker(ctx, asset.ID) {
			continue
		}
		fresh = append(fresh, asset)
	}

	if err := s.store.SetLimitedAccessPhotoIDs(ctx, currentGrant); err != nil {
		log.Warnf("Limited sync: failed to persist grant snapshot: %v", err)
	}

	if len(fresh) == 0 {
		observability.SetSuccess(span)
		return &models.LimitedSyncOutcome{Status: models.LimitedSyncNoNewPhotos}, nil
	}

	batch, err := s.batches.CreatePhotoBatch(ctx, fresh, models.SourceManualSync)
	if err != nil {
		observability.RecordError(span, err)
		return &models.LimitedSyncOutcome{Status: models.LimitedSyncFailed, Error: err.Error()}, err
	}
	if batch == nil {
		observability.SetSuccess(span)
		return &models.LimitedSyncOutcome{Status: models.LimitedSyncNoNewPhotos}, nil
	}

	observability.SetSuccess(span)
	return &models.LimitedSyncOutcome{
		Status:          models.LimitedSyncNewPhotos,
		BatchID:         batch.BatchID,
		PhotosCollected: len(batch.Photos),
	}, nil
}

func (s *ManualSyncService) advanceLastSync(ctx context.Context, t time.Time, log *observability.Logger) {
	if err := s.store.SetLastSyncTime(ctx, t); err != nil {
		log.Warnf("Manual sync: failed to update last sync time: %v", err)
	}
}

// windowCutoff returns the lower bound for a collection pass: the last
// recorded sync time when one exists, otherwise the configured window.
func (s *ManualSyncService) windowCutoff(ctx context.Context) time.Time {
	if last, ok := s.store.LastSyncTime(ctx); ok {
		return last
	}
	return time.Now().AddDate(0, 0, -s.cfg.WindowDays)
}

// collectNewAssets pages through the library and keeps unprocessed
// assets, up to the per-run cap.
func (s *ManualSyncService) collectNewAssets(ctx context.Context, since time.Time) ([]models.DeviceAsset, error) {
	var collected []models.DeviceAsset
	cursor := ""

	for {
		page, err := s.library.Assets(ctx, library.AssetQuery{
			CreatedAfter: since,
			PageSize:     s.cfg.PageSize,
			Cursor:       cursor,
		})
		if err != nil {
			return nil, err
		}

		for _, asset := range page.Assets {
			if s.store.HasProcessedMarker(ctx, asset.ID) {
				continue
			}
			collected = append(collected, asset)
			if len(collected) >= s.cfg.MaxPhotosPerRun {
				return collected, nil
			}
		}

		if !page.HasMore {
			return collected, nil
		}
		cursor = page.NextCursor
	}
}

// limitedSnapshotMax bounds the accessible-asset snapshot taken around the
// picker. A limited grant in practice is far smaller than this.
const limitedSnapshotMax = 1000

// listAllAssets lists everything currently visible, page by page, up to
// limitedSnapshotMax entries.
func (s *ManualSyncService) listAllAssets(ctx context.Context) ([]models.DeviceAsset, error) {
	var all []models.DeviceAsset
	cursor := ""

	for {
		page, err := s.library.Assets(ctx, library.AssetQuery{
			PageSize: s.cfg.PageSize,
			Cursor:   cursor,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, page.Assets...)
		if len(all) >= limitedSnapshotMax {
			return all[:limitedSnapshotMax], nil
		}
		if !page.HasMore {
			return all, nil
		}
		cursor = page.NextCursor
	}
}
