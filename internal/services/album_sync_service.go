package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/phomo/syncengine/internal/config"
	"github.com/phomo/syncengine/internal/library"
	"github.com/phomo/syncengine/internal/models"
	"github.com/phomo/syncengine/internal/observability"
	"github.com/phomo/syncengine/internal/remote"
	"github.com/phomo/syncengine/internal/state"
)

// AlbumSyncService downloads photos shared with the current user from the
// backend and saves them into the app's local album.
//
// One sync run holds the global lock; inside a run each photo additionally
// takes an in-memory per-photo lock and a slot in the bounded download
// queue. The persisted syncing set mirrors the in-memory locks so a
// crashed run can be recovered by the stale cleanup on the next start.
type AlbumSyncService struct {
	store     *state.SyncStateStore
	library   library.MediaLibrary
	remote    remote.Service
	previews  *PreviewService
	hub       *EventHub
	metrics   *observability.SyncMetrics
	cfg       config.Sync
	albumName string

	downloadTimeout time.Duration

	globalMu sync.Mutex // one sync run at a time

	mu          sync.Mutex // guards the fields below
	running     bool
	syncEnabled bool
	active      int
	photoLocks  map[string]bool
}

// NewAlbumSyncService creates a new AlbumSyncService. Previews, hub and
// metrics are optional.
func NewAlbumSyncService(
	store *state.SyncStateStore,
	lib library.MediaLibrary,
	remoteSvc remote.Service,
	previews *PreviewService,
	hub *EventHub,
	metrics *observability.SyncMetrics,
	cfg config.Sync,
	albumName string,
) *AlbumSyncService {
	return &AlbumSyncService{
		store:           store,
		library:         lib,
		remote:          remoteSvc,
		previews:        previews,
		hub:             hub,
		metrics:         metrics,
		cfg:             cfg,
		albumName:       albumName,
		downloadTimeout: cfg.DownloadTimeout(),
		syncEnabled:     true,
		photoLocks:      make(map[string]bool),
	}
}

// SetSyncEnabled toggles the kill switch. An in-flight run observes the
// flag between photos and stops collecting new work when it drops.
func (s *AlbumSyncService) SetSyncEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncEnabled = enabled
}

// IsSyncEnabled reports the kill switch state
func (s *AlbumSyncService) IsSyncEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncEnabled
}

// IsSyncing reports whether a sync run currently holds the global lock
func (s *AlbumSyncService) IsSyncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// IsPhotoSyncInProgress reports whether a specific photo holds a lock
func (s *AlbumSyncService) IsPhotoSyncInProgress(photoID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.photoLocks[photoID]
}

// QueueStatus exposes the download queue state
func (s *AlbumSyncService) QueueStatus() models.QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.QueueStatus{
		Active: s.active,
		Max:    s.cfg.DownloadQueueMax,
		Locked: len(s.photoLocks),
	}
}

// SyncPhotosFromCameras runs one full remote-to-local pass: stale lock
// cleanup, candidate gathering from both sharing paths, then sequential
// downloads. Every failure lands in the returned result's error list,
// run-level ones included, so the caller always gets a result to report.
// The typed sentinel still comes back alongside it for status mapping.
func (s *AlbumSyncService) SyncPhotosFromCameras(ctx context.Context) (*models.SyncResult, error) {
	if !s.globalMu.TryLock() {
		return &models.SyncResult{
			Errors: []string{models.ErrSyncInProgress.Error()},
		}, models.ErrSyncInProgress
	}
	defer s.globalMu.Unlock()

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ctx, span := observability.StartServiceSpan(ctx, "AlbumSyncService", "SyncPhotosFromCameras")
	defer span.End()

	log := observability.WithContext(ctx)
	result := &models.SyncResult{Errors: []string{}}

	if purged, err := s.store.CleanupStaleSyncingPhotos(ctx, s.cfg.StaleSyncingTimeout()); err != nil {
		log.Warnf("Album sync: stale cleanup failed: %v", err)
	} else if len(purged) > 0 {
		log.Infof("Album sync: recovered %d stale syncing entries", len(purged))
	}

	user, err := s.remote.CurrentUser(ctx)
	if err != nil {
		observability.RecordError(span, err)
		result.Errors = append(result.Errors, fmt.Sprintf("resolve current user: %v", err))
		return result, err
	}
	if user == nil {
		result.Errors = append(result.Errors, models.ErrNoCurrentUser.Error())
		return result, models.ErrNoCurrentUser
	}

	candidates, err := s.gatherCandidates(ctx, user, result)
	if err != nil {
		observability.RecordError(span, err)
		result.Errors = append(result.Errors, fmt.Sprintf("gather candidates: %v", err))
		return result, err
	}

	log.Infof("Album sync: %d candidate photos for user %s", len(candidates), user.ID)

	for _, photo := range candidates {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, "sync cancelled")
			break
		}
		if !s.IsSyncEnabled() {
			log.Info("Album sync: disabled mid-run, stopping")
			break
		}

		result.TotalPhotosProcessed++
		if err := s.SavePhotoToAlbumWithTracking(ctx, photo); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("photo %s: %v", photo.ID, err))
			continue
		}
		result.NewPhotosSynced++

		s.broadcastProgress(result)
	}

	if s.metrics != nil {
		s.metrics.RecordSyncRun(ctx, "album", len(result.Errors) == 0)
	}
	if s.hub != nil {
		s.hub.Broadcast(SyncEvent{
			Type: EventAlbumSyncComplete,
			Payload: AlbumSyncCompletePayload{
				NewPhotosSynced:      result.NewPhotosSynced,
				TotalPhotosProcessed: result.TotalPhotosProcessed,
				Errors:               result.Errors,
			},
		})
	}

	observability.SetSuccess(span)
	return result, nil
}

func (s *AlbumSyncService) broadcastProgress(result *models.SyncResult) {
	if s.hub == nil {
		return
	}
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	s.hub.Broadcast(SyncEvent{
		Type: EventAlbumSyncProgress,
		Payload: AlbumSyncProgressPayload{
			PhotosProcessed: result.TotalPhotosProcessed,
			PhotosSynced:    result.NewPhotosSynced,
			QueueActive:     active,
			Running:         true,
		},
	})
}

// gatherCandidates collects photos shared with the user through camera
// memberships and through direct recipient matches, deduplicated, with
// invited-only memberships, soft-deleted photos, self-owned photos and
// already-synced photos filtered out.
func (s *AlbumSyncService) gatherCandidates(ctx context.Context, user *remote.User, result *models.SyncResult) ([]remote.RemotePhoto, error) {
	synced := s.store.SyncedPhotoIDs(ctx)
	seen := make(map[string]bool)
	var candidates []remote.RemotePhoto

	keep := func(photo remote.RemotePhoto) {
		if seen[photo.ID] || photo.Deleted || photo.OwnerID == user.ID || synced[photo.ID] {
			return
		}
		seen[photo.ID] = true
		candidates = append(candidates, photo)
	}

	// Path 1: photos in cameras the user is an accepted member of
	cursor := ""
	for {
		page, err := s.remote.CameraMemberships(ctx, user.ID, cursor)
		if err != nil {
			return nil, fmt.Errorf("membership lookup failed: %w", err)
		}

		for _, membership := range page.Items {
			if membership.Role == remote.RoleInvited {
				continue
			}
			if err := s.gatherCameraPhotos(ctx, membership.CameraID, keep); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("camera %s: %v", membership.CameraID, err))
			}
		}

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	// Path 2: photos matched directly to the user
	cursor = ""
	for {
		page, err := s.remote.PhotoRecipients(ctx, user.ID, cursor)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("recipient lookup failed: %v", err))
			break
		}

		for _, recipient := range page.Items {
			if seen[recipient.PhotoID] || synced[recipient.PhotoID] {
				continue
			}
			photo, err := s.remote.PhotoByID(ctx, recipient.PhotoID)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("photo %s lookup failed: %v", recipient.PhotoID, err))
				continue
			}
			if photo == nil {
				continue
			}
			keep(*photo)
		}

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	return candidates, nil
}

func (s *AlbumSyncService) gatherCameraPhotos(ctx context.Context, cameraID string, keep func(remote.RemotePhoto)) error {
	cursor := ""
	for {
		page, err := s.remote.CameraPhotos(ctx, cameraID, cursor)
		if err != nil {
			return err
		}
		for _, photo := range page.Items {
			keep(photo)
		}
		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}

// SavePhotoToAlbumWithTracking downloads one remote photo and saves it
// into the app album with full state tracking: per-photo lock, queue
// slot, persisted syncing marker, and rollback on any failure.
func (s *AlbumSyncService) SavePhotoToAlbumWithTracking(ctx context.Context, photo remote.RemotePhoto) error {
	if err := s.acquirePhotoSlot(photo.ID); err != nil {
		return err
	}
	defer s.releasePhotoSlot(photo.ID)

	if s.metrics != nil {
		s.metrics.DownloadStarted(ctx)
		defer s.metrics.DownloadFinished(ctx)
	}

	if err := s.store.MarkPhotoAsSyncing(ctx, photo.ID); err != nil {
		return fmt.Errorf("failed to mark syncing: %w", err)
	}

	localAssetID, err := s.downloadAndSave(ctx, photo)
	if err != nil {
		s.rollback(ctx, photo.ID)
		if s.metrics != nil {
			s.metrics.RecordDownload(ctx, false)
		}
		return err
	}

	// The marker is keyed by the LOCAL asset ID the save returned. The
	// background collector sees that local asset; without this marker it
	// would offer the photo for upload and bounce it back to the backend.
	marker := models.NewProcessedMarker(models.SourceDownloadedPhoto, models.StatusSynced)
	marker.PhotoID = photo.ID
	if err := s.store.WriteProcessedMarker(ctx, localAssetID, marker); err != nil {
		s.rollback(ctx, photo.ID)
		return fmt.Errorf("failed to write downloaded marker: %w", err)
	}

	if err := s.store.MarkPhotoAsSynced(ctx, photo.ID); err != nil {
		// The marker went in but the synced set did not; take the marker
		// back out so a retry does not leave two copies of the state.
		if rmErr := s.store.RemoveProcessedMarker(ctx, localAssetID); rmErr != nil {
			observability.Warnf("Album sync: rollback marker removal failed for %s: %v", localAssetID, rmErr)
		}
		s.rollback(ctx, photo.ID)
		return fmt.Errorf("failed to mark synced: %w", err)
	}

	if err := s.store.UnmarkPhotoAsSyncing(ctx, photo.ID); err != nil {
		observability.Warnf("Album sync: failed to clear syncing marker for %s: %v", photo.ID, err)
	}

	if s.metrics != nil {
		s.metrics.RecordDownload(ctx, true)
	}

	observability.WithField("photo_id", photo.ID).Infof("Album sync: saved photo as local asset %s", localAssetID)
	return nil
}

// acquirePhotoSlot takes the per-photo lock and a queue slot, or fails
// fast when either is unavailable.
func (s *AlbumSyncService) acquirePhotoSlot(photoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.photoLocks[photoID] {
		return models.ErrPhotoSyncBusy
	}
	if s.active >= s.cfg.DownloadQueueMax {
		return models.ErrDownloadQueueFull
	}

	s.photoLocks[photoID] = true
	s.active++
	return nil
}

func (s *AlbumSyncService) releasePhotoSlot(photoID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.photoLocks, photoID)
	s.active--
}

// rollback undoes partial state so the photo is eligible for retry.
func (s *AlbumSyncService) rollback(ctx context.Context, photoID string) {
	if err := s.store.UnmarkPhotoAsSyncing(ctx, photoID); err != nil {
		observability.Warnf("Album sync: rollback unmark syncing failed for %s: %v", photoID, err)
	}
	if err := s.store.RemovePhotoFromSyncedList(ctx, photoID); err != nil {
		observability.Warnf("Album sync: rollback synced-list removal failed for %s: %v", photoID, err)
	}
}

// downloadAndSave fetches the photo bytes under the download deadline,
// verifies they decode, and saves them into the app album. Returns the
// local asset ID of the saved photo.
func (s *AlbumSyncService) downloadAndSave(ctx context.Context, photo remote.RemotePhoto) (string, error) {
	downloadCtx, cancel := context.WithTimeout(ctx, s.downloadTimeout)
	defer cancel()

	type downloadResult struct {
		data []byte
		err  error
	}
	resultCh := make(chan downloadResult, 1)
	go func() {
		data, err := s.remote.DownloadPhoto(downloadCtx, photo.ID, photo.OwnerID)
		resultCh <- downloadResult{data, err}
	}()

	var data []byte
	select {
	case res := <-resultCh:
		if res.err != nil {
			return "", fmt.Errorf("download failed: %w", res.err)
		}
		data = res.data
	case <-downloadCtx.Done():
		if ctx.Err() != nil {
			return "", models.ErrSyncCancelled
		}
		return "", models.ErrDownloadTimeout
	}

	filename := photo.Filename
	if filename == "" {
		filename = photo.ID + ".jpg"
	}

	if s.previews != nil {
		if err := s.previews.VerifyImage(data, filename); err != nil {
			return "", fmt.Errorf("downloaded data is not a valid image: %w", err)
		}
	}

	tmpPath, err := s.writeTemp(data, filename)
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(filepath.Dir(tmpPath))

	localAssetID, err := s.library.SaveToAlbum(ctx, tmpPath, s.albumName)
	if err != nil {
		return "", fmt.Errorf("failed to save to album: %w", err)
	}
	return localAssetID, nil
}

func (s *AlbumSyncService) writeTemp(data []byte, filename string) (string, error) {
	tmpDir, err := os.MkdirTemp("", "syncengine-download-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}

	tmpPath := filepath.Join(tmpDir, filepath.Base(filename))
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		os.RemoveAll(tmpDir)
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	return tmpPath, nil
}

// RemoveDownloadedPhoto resets all persisted state for a remote photo so
// it can be downloaded again.
func (s *AlbumSyncService) RemoveDownloadedPhoto(ctx context.Context, photoID string) error {
	return s.store.RemovePhotoFromSyncState(ctx, photoID)
}

// WaitForIdle blocks until no downloads are active, or the deadline
// passes. Used in shutdown paths.
func (s *AlbumSyncService) WaitForIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		idle := s.active == 0 && !s.running
		s.mu.Unlock()
		if idle {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}
