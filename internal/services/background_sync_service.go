package services

import (
	"context"
	"sync"
	"time"

	"github.com/phomo/syncengine/internal/config"
	"github.com/phomo/syncengine/internal/library"
	"github.com/phomo/syncengine/internal/models"
	"github.com/phomo/syncengine/internal/observability"
	"github.com/phomo/syncengine/internal/push"
	"github.com/phomo/syncengine/internal/remote"
	"github.com/phomo/syncengine/internal/state"
)

// BackgroundSyncStatus describes the periodic collection runner.
type BackgroundSyncStatus struct {
	Running          bool      `json:"running"`
	Enabled          bool      `json:"enabled"`
	LastRun          time.Time `json:"lastRun,omitempty"`
	LastRunDuration  string    `json:"lastRunDuration,omitempty"`
	PhotosCollected  int       `json:"photosCollected"`
	LastBatchID      string    `json:"lastBatchId,omitempty"`
	Errors           []string  `json:"errors,omitempty"`
	NextScheduledRun time.Time `json:"nextScheduledRun,omitempty"`
}

// BackgroundSyncService periodically collects new device photos into
// review batches and sends an aggregate push for anything unreviewed.
// A run must never take the process down: every failure is recorded in
// the run status and swallowed.
type BackgroundSyncService struct {
	store   *state.SyncStateStore
	library library.MediaLibrary
	batches *BatchService
	remote  remote.Service
	sender  push.Sender
	hub     *EventHub
	metrics *observability.SyncMetrics
	cfg       config.Sync
	albumName string

	mu       sync.RWMutex
	enabled  bool
	running  bool
	stopChan chan struct{}
	status   BackgroundSyncStatus
	ticker   *time.Ticker
}

// NewBackgroundSyncService creates a new BackgroundSyncService. The
// remote service, push sender, hub and metrics are optional.
func NewBackgroundSyncService(
	store *state.SyncStateStore,
	lib library.MediaLibrary,
	batches *BatchService,
	remoteSvc remote.Service,
	sender push.Sender,
	hub *EventHub,
	metrics *observability.SyncMetrics,
	cfg config.Sync,
	albumName string,
) *BackgroundSyncService {
	return &BackgroundSyncService{
		store:     store,
		library:   lib,
		batches:   batches,
		remote:    remoteSvc,
		sender:    sender,
		hub:       hub,
		metrics:   metrics,
		cfg:       cfg,
		albumName: albumName,
		enabled:   true,
		status: BackgroundSyncStatus{
			Enabled: true,
			Errors:  []string{},
		},
	}
}

// Start begins the periodic collection loop
func (s *BackgroundSyncService) Start() {
	s.mu.Lock()
	if s.ticker != nil {
		s.mu.Unlock()
		return // Already started
	}
	s.enabled = true
	s.status.Enabled = true
	interval := s.cfg.BackgroundInterval()
	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	s.ticker = ticker
	s.stopChan = stop
	s.status.NextScheduledRun = time.Now().Add(interval)
	s.mu.Unlock()

	observability.Infof("Background sync started (runs every %s)", interval)

	// The loop owns only its local ticker and stop channel; Stop clears
	// the fields, so a later Start never races this goroutine.
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.mu.Lock()
				s.status.NextScheduledRun = time.Now().Add(s.cfg.BackgroundInterval())
				s.mu.Unlock()
				s.runSync()
			case <-stop:
				observability.Info("Background sync stopped")
				return
			}
		}
	}()
}

// Stop stops the background sync loop
func (s *BackgroundSyncService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return // Already stopped
	}

	s.enabled = false
	s.status.Enabled = false
	close(s.stopChan)
	s.ticker = nil
	s.stopChan = nil
}

// IsEnabled returns whether the background runner is enabled
func (s *BackgroundSyncService) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// IsRunning returns whether a run is currently in progress
func (s *BackgroundSyncService) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// GetStatus returns the current runner status
func (s *BackgroundSyncService) GetStatus() BackgroundSyncStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// RunNow triggers an immediate run
func (s *BackgroundSyncService) RunNow() {
	go s.runSync()
}

// runSync performs one collection pass
func (s *BackgroundSyncService) runSync() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		observability.Debug("Background sync already running, skipping")
		return
	}
	s.running = true
	s.status.Running = true
	s.status.PhotosCollected = 0
	s.status.LastBatchID = ""
	s.status.Errors = []string{}
	s.mu.Unlock()

	startTime := time.Now()
	ctx := context.Background()
	var runErrors []string
	collected := 0
	batchID := ""

	defer func() {
		if r := recover(); r != nil {
			observability.Errorf("Background sync panicked: %v", r)
			runErrors = append(runErrors, "panic during sync run")
		}

		duration := time.Since(startTime)

		s.mu.Lock()
		s.running = false
		s.status.Running = false
		s.status.LastRun = startTime
		s.status.LastRunDuration = duration.Round(time.Millisecond).String()
		s.status.PhotosCollected = collected
		s.status.LastBatchID = batchID
		s.status.Errors = runErrors
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.RecordSyncRun(ctx, "background", len(runErrors) == 0)
		}
		if s.hub != nil {
			s.hub.Broadcast(SyncEvent{
				Type: EventBackgroundComplete,
				Payload: map[string]interface{}{
					"photosCollected": collected,
					"batchId":         batchID,
					"errors":          runErrors,
				},
			})
		}

		observability.Infof("Background sync completed: %d photos collected in %s", collected, duration.Round(time.Millisecond))
	}()

	ctx, span := observability.StartServiceSpan(ctx, "BackgroundSyncService", "runSync")
	defer span.End()

	perm, err := s.library.Permission(ctx)
	if err != nil {
		runErrors = append(runErrors, "permission check failed: "+err.Error())
		s.advanceLastSync(ctx, &runErrors)
		return
	}
	if perm == library.PermissionDenied {
		observability.Debug("Background sync: library permission denied, skipping run")
		s.advanceLastSync(ctx, &runErrors)
		return
	}

	// With a backend configured, no signed-in user means nobody to
	// collect for; a backend-less daemon still collects locally.
	if s.remote != nil {
		user, err := s.remote.CurrentUser(ctx)
		if err != nil {
			runErrors = append(runErrors, "user resolution failed: "+err.Error())
			s.advanceLastSync(ctx, &runErrors)
			return
		}
		if user == nil {
			observability.Debug("Background sync: no current user, skipping run")
			s.advanceLastSync(ctx, &runErrors)
			return
		}
	}

	cutoff := s.windowCutoff(ctx)
	assets, err := s.collectNewAssets(ctx, cutoff)
	if err != nil {
		runErrors = append(runErrors, "asset collection failed: "+err.Error())
		s.advanceLastSync(ctx, &runErrors)
		return
	}

	if len(assets) > 0 {
		batch, err := s.batches.CreatePhotoBatch(ctx, assets, models.SourceCollectedForReview)
		if err != nil {
			runErrors = append(runErrors, "batch creation failed: "+err.Error())
		} else if batch != nil {
			collected = len(batch.Photos)
			batchID = batch.BatchID
		}
	}

	// The timestamp always advances, even after a failed pass. A pass
	// that keeps failing must not grow the window unboundedly; dedup
	// markers protect already-collected photos either way.
	s.advanceLastSync(ctx, &runErrors)

	s.notifyPendingReview(ctx, &runErrors)
}

func (s *BackgroundSyncService) advanceLastSync(ctx context.Context, runErrors *[]string) {
	if err := s.store.SetLastSyncTime(ctx, time.Now()); err != nil {
		*runErrors = append(*runErrors, "failed to record sync time: "+err.Error())
	}
}

// notifyPendingReview sends one aggregate push covering every batch that
// has not been announced yet.
func (s *BackgroundSyncService) notifyPendingReview(ctx context.Context, runErrors *[]string) {
	if s.sender == nil || s.remote == nil {
		return
	}

	pending := s.batches.UnnotifiedBatches(ctx)
	if len(pending) == 0 {
		return
	}

	user, err := s.remote.CurrentUser(ctx)
	if err != nil || user == nil {
		observability.Debug("Background sync: no authenticated user, skipping push")
		return
	}

	token, err := s.remote.PushToken(ctx, user.ID)
	if err != nil {
		*runErrors = append(*runErrors, "push token lookup failed: "+err.Error())
		return
	}
	if token == "" {
		return
	}

	batchIDs := make([]string, 0, len(pending))
	photoCount := 0
	for _, b := range pending {
		batchIDs = append(batchIDs, b.BatchID)
		photoCount += len(b.Photos)
	}

	err = s.sender.SendSyncNotification(ctx, token, push.SyncNotification{
		PhotoCount: photoCount,
		BatchIDs:   batchIDs,
	})
	if err != nil {
		*runErrors = append(*runErrors, "push notification failed: "+err.Error())
		return
	}

	if err := s.batches.MarkBatchesNotified(ctx, batchIDs); err != nil {
		*runErrors = append(*runErrors, "failed to mark batches notified: "+err.Error())
	}
}

func (s *BackgroundSyncService) windowCutoff(ctx context.Context) time.Time {
	if last, ok := s.store.LastSyncTime(ctx); ok {
		return last
	}
	return time.Now().AddDate(0, 0, -s.cfg.WindowDays)
}

// collectNewAssets pages through the library, skipping assets that carry
// a dedup marker or already live in the app album.
func (s *BackgroundSyncService) collectNewAssets(ctx context.Context, since time.Time) ([]models.DeviceAsset, error) {
	albumMembers, err := s.appAlbumMembers(ctx)
	if err != nil {
		observability.Warnf("Background sync: album member lookup failed: %v", err)
		albumMembers = map[string]bool{}
	}

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
			if albumMembers[asset.ID] || s.store.HasProcessedMarker(ctx, asset.ID) {
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

// appAlbumMembers returns the asset IDs already saved into the app's own
// album. Those came FROM the backend; offering them for upload again
// would bounce photos in a loop.
func (s *BackgroundSyncService) appAlbumMembers(ctx context.Context) (map[string]bool, error) {
	members := make(map[string]bool)

	album, err := s.library.AlbumByName(ctx, s.appAlbumName())
	if err != nil {
		return nil, err
	}
	if album == nil {
		return members, nil
	}

	ids, err := s.library.AlbumAssetIDs(ctx, album.ID)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		members[id] = true
	}
	return members, nil
}

func (s *BackgroundSyncService) appAlbumName() string {
	if s.albumName != "" {
		return s.albumName
	}
	return "Phomo"
}
