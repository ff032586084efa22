package services

import (
	"context"
	"fmt"
	"os"

	"github.com/phomo/syncengine/internal/library"
	"github.com/phomo/syncengine/internal/models"
	"github.com/phomo/syncengine/internal/observability"
	"github.com/phomo/syncengine/internal/state"
)

// BatchService turns freshly detected device photos into persisted review
// batches and stamps their dedup markers.
type BatchService struct {
	store    *state.SyncStateStore
	library  library.MediaLibrary
	previews *PreviewService
	hub      *EventHub
	metrics  *observability.SyncMetrics
}

// NewBatchService creates a new BatchService. Previews, hub and metrics
// are optional.
func NewBatchService(store *state.SyncStateStore, lib library.MediaLibrary, previews *PreviewService, hub *EventHub, metrics *observability.SyncMetrics) *BatchService {
	return &BatchService{
		store:    store,
		library:  lib,
		previews: previews,
		hub:      hub,
		metrics:  metrics,
	}
}

// CreatePhotoBatch persists a review batch for the given assets and writes
// their processed markers in one pass. Returns nil when there is nothing
// to batch.
//
// URI resolution failures are isolated per asset: a photo whose URI cannot
// be resolved is dropped from this batch, unmarked, and eligible for the
// next pass. Markers for the resolved photos are flushed before the batch
// itself, so a crash between the two writes can only leave markers without
// a batch, never a batch whose photos get re-collected.
func (s *BatchService) CreatePhotoBatch(ctx context.Context, assets []models.DeviceAsset, source models.MarkerSource) (*models.PendingSyncedPhotosBatch, error) {
	if len(assets) == 0 {
		return nil, nil
	}

	ctx, span := observability.StartServiceSpan(ctx, "BatchService", "CreatePhotoBatch")
	defer span.End()

	log := observability.WithContext(ctx)

	photos := make([]models.PendingSyncedPhoto, 0, len(assets))
	markers := make(map[string]models.ProcessedMarker, len(assets))
	for _, asset := range assets {
		uri, err := s.library.AssetURI(ctx, asset.ID)
		if err != nil {
			log.Warnf("Batch: could not resolve URI for asset %s, skipping: %v", asset.ID, err)
			continue
		}

		photo := models.NewPendingSyncedPhoto(asset, uri)
		if preview := s.generatePreview(asset.ID, uri); preview != "" {
			photo.PreviewURI = preview
		}
		photos = append(photos, photo)
		markers[asset.ID] = models.NewProcessedMarker(source, models.StatusPendingUserReview)
	}

	if len(photos) == 0 {
		return nil, nil
	}

	if err := s.store.WriteProcessedMarkers(ctx, markers); err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("failed to write processed markers: %w", err)
	}

	batch := models.NewPendingBatch(photos)
	if err := s.store.AppendPendingBatch(ctx, batch); err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("failed to persist batch: %w", err)
	}

	log.Infof("Created review batch %s with %d photos (source=%s)", batch.BatchID, len(photos), source)

	if s.metrics != nil {
		s.metrics.RecordBatchCreated(ctx, string(source), len(photos))
	}
	if s.hub != nil {
		s.hub.Broadcast(SyncEvent{
			Type: EventBatchCreated,
			Payload: BatchCreatedPayload{
				BatchID:    batch.BatchID,
				PhotoCount: len(photos),
				Source:     string(source),
			},
		})
	}

	observability.SetSuccess(span)
	return batch, nil
}

func (s *BatchService) generatePreview(assetID, uri string) string {
	if s.previews == nil || uri == "" {
		return ""
	}
	data, err := os.ReadFile(uri)
	if err != nil {
		return ""
	}
	preview, err := s.previews.GeneratePreview(data, assetID, uri)
	if err != nil {
		observability.Debugf("Batch: preview generation failed for %s: %v", assetID, err)
		return ""
	}
	return preview
}

// PendingBatches returns all persisted batches, oldest first.
func (s *BatchService) PendingBatches(ctx context.Context) []models.PendingSyncedPhotosBatch {
	return s.store.PendingBatches(ctx)
}

// UnreviewedBatches returns the batches still awaiting review.
func (s *BatchService) UnreviewedBatches(ctx context.Context) []models.PendingSyncedPhotosBatch {
	var unreviewed []models.PendingSyncedPhotosBatch
	for _, b := range s.store.PendingBatches(ctx) {
		if !b.Reviewed {
			unreviewed = append(unreviewed, b)
		}
	}
	return unreviewed
}

// MarkBatchesReviewed flips the given batches to reviewed and returns how
// many actually changed.
func (s *BatchService) MarkBatchesReviewed(ctx context.Context, batchIDs []string) (int, error) {
	flipped, err := s.store.MarkBatchesReviewed(ctx, batchIDs)
	if err != nil {
		return 0, err
	}

	if flipped > 0 && s.hub != nil {
		s.hub.Broadcast(SyncEvent{
			Type:    EventBatchesReviewed,
			Payload: map[string]interface{}{"batchIds": batchIDs, "flipped": flipped},
		})
	}
	return flipped, nil
}

// UnnotifiedBatches returns unreviewed batches no push has been sent for.
func (s *BatchService) UnnotifiedBatches(ctx context.Context) []models.PendingSyncedPhotosBatch {
	var pending []models.PendingSyncedPhotosBatch
	for _, b := range s.store.PendingBatches(ctx) {
		if !b.Reviewed && !b.Notified {
			pending = append(pending, b)
		}
	}
	return pending
}

// MarkBatchesNotified records that a push went out for the given batches.
func (s *BatchService) MarkBatchesNotified(ctx context.Context, batchIDs []string) error {
	return s.store.MarkBatchesNotified(ctx, batchIDs)
}
