package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phomo/syncengine/internal/config"
	"github.com/phomo/syncengine/internal/library"
	"github.com/phomo/syncengine/internal/models"
	"github.com/phomo/syncengine/internal/state"
)

func manualSyncConfig() config.Sync {
	return config.Sync{
		WindowDays:      3,
		PageSize:        2,
		MaxPhotosPerRun: 10,
	}
}

func newManualFixture() (*ManualSyncService, *state.SyncStateStore, *fakeLibrary) {
	store := state.NewSyncStateStore(newMemKV())
	lib := newFakeLibrary()
	batches := NewBatchService(store, lib, nil, nil, nil)
	return NewManualSyncService(store, lib, batches, manualSyncConfig()), store, lib
}

func TestCheckExistingBatches(t *testing.T) {
	svc, store, lib := newManualFixture()
	ctx := context.Background()

	assert.Empty(t, svc.CheckExistingBatches(ctx).BatchIDs)

	batches := NewBatchService(store, lib, nil, nil, nil)
	b, err := batches.CreatePhotoBatch(ctx, testAssets("a1", "a2"), models.SourceManualSync)
	require.NoError(t, err)

	existing := svc.CheckExistingBatches(ctx)
	assert.Equal(t, []string{b.BatchID}, existing.BatchIDs)
	assert.Equal(t, 2, existing.PhotoCount)
}

func TestSyncFullAccess(t *testing.T) {
	svc, _, lib := newManualFixture()
	ctx := context.Background()

	lib.assets = testAssets("a1", "a2", "a3")

	result, err := svc.SyncFullAccess(ctx)
	require.NoError(t, err)
	require.NotNil(t, result.BatchID)
	assert.Equal(t, 3, result.PhotosCollected)

	t.Run("second pass finds nothing new", func(t *testing.T) {
		result, err := svc.SyncFullAccess(ctx)
		require.NoError(t, err)
		assert.Nil(t, result.BatchID)
		assert.Equal(t, 0, result.PhotosCollected)
	})
}

func TestSyncFullAccess_AdvancesLastSyncTime(t *testing.T) {
	svc, store, lib := newManualFixture()
	ctx := context.Background()

	lib.assets = testAssets("a1")

	before := time.Now()
	_, err := svc.SyncFullAccess(ctx)
	require.NoError(t, err)

	first, ok := store.LastSyncTime(ctx)
	require.True(t, ok, "a collecting run must record a sync time")
	assert.False(t, first.Before(before.Truncate(time.Second)))

	// An empty pass still moves the cursor
	_, err = svc.SyncFullAccess(ctx)
	require.NoError(t, err)

	second, ok := store.LastSyncTime(ctx)
	require.True(t, ok)
	assert.False(t, second.Before(first))
}

func TestSyncFullAccess_SkipsMarkedAssets(t *testing.T) {
	svc, store, lib := newManualFixture()
	ctx := context.Background()

	lib.assets = testAssets("a1", "a2")
	require.NoError(t, store.WriteProcessedMarker(ctx, "a1",
		models.NewProcessedMarker(models.SourceDownloadedPhoto, models.StatusSynced)))

	result, err := svc.SyncFullAccess(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.PhotosCollected)

	batches := store.PendingBatches(ctx)
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Photos, 1)
	assert.Equal(t, "a2", batches[0].Photos[0].ID)
}

func TestSyncFullAccess_WindowCutoff(t *testing.T) {
	svc, _, lib := newManualFixture()
	ctx := context.Background()

	lib.assets = []models.DeviceAsset{
		{ID: "recent", Filename: "recent.jpg", CreationTime: time.Now().Add(-time.Hour)},
		{ID: "ancient", Filename: "ancient.jpg", CreationTime: time.Now().AddDate(0, 0, -30)},
	}

	result, err := svc.SyncFullAccess(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.PhotosCollected)
}

func TestSyncFullAccess_CapsPerRun(t *testing.T) {
	svc, _, lib := newManualFixture()
	svc.cfg.MaxPhotosPerRun = 2
	ctx := context.Background()

	lib.assets = testAssets("a1", "a2", "a3", "a4")

	result, err := svc.SyncFullAccess(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.PhotosCollected)
}

func TestSync_PermissionDenied(t *testing.T) {
	svc, _, lib := newManualFixture()
	lib.permission = library.PermissionDenied

	_, _, err := svc.Sync(context.Background())
	assert.ErrorIs(t, err, models.ErrPermissionDenied)
}

func TestSyncLimitedAccess_NewPhotos(t *testing.T) {
	svc, store, lib := newManualFixture()
	ctx := context.Background()

	lib.permission = library.PermissionLimited
	lib.assets = testAssets("kept", "new")
	require.NoError(t, store.SetLimitedAccessPhotoIDs(ctx, map[string]bool{"kept": true}))

	// The picker grants access; the scope event fires before dismissal
	lib.onPicker = func() {
		go lib.emit(library.ChangeEvent{ScopeChanged: true})
	}

	outcome, err := svc.SyncLimitedAccess(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.LimitedSyncNewPhotos, outcome.Status)
	assert.Equal(t, 1, outcome.PhotosCollected)
	assert.NotEmpty(t, outcome.BatchID)

	// The grant snapshot now covers both photos
	grant := store.LimitedAccessPhotoIDs(ctx)
	assert.True(t, grant["kept"])
	assert.True(t, grant["new"])
}

func TestSyncLimitedAccess_NoNewPhotos(t *testing.T) {
	svc, store, lib := newManualFixture()
	ctx := context.Background()

	lib.permission = library.PermissionLimited
	lib.assets = testAssets("kept")
	require.NoError(t, store.SetLimitedAccessPhotoIDs(ctx, map[string]bool{"kept": true}))

	// No scope event: the fallback timer settles the flow
	outcome, err := svc.SyncLimitedAccess(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.LimitedSyncNoNewPhotos, outcome.Status)
	assert.Empty(t, svc.CheckExistingBatches(ctx).BatchIDs)
}

func TestSyncLimitedAccess_SkipsProcessed(t *testing.T) {
	svc, store, lib := newManualFixture()
	ctx := context.Background()

	lib.permission = library.PermissionLimited
	lib.assets = testAssets("downloaded")
	require.NoError(t, store.WriteProcessedMarker(ctx, "downloaded",
		models.NewProcessedMarker(models.SourceDownloadedPhoto, models.StatusSynced)))

	outcome, err := svc.SyncLimitedAccess(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.LimitedSyncNoNewPhotos, outcome.Status)
}

func TestSyncLimitedAccess_Cancelled(t *testing.T) {
	svc, _, lib := newManualFixture()

	lib.permission = library.PermissionLimited
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := svc.SyncLimitedAccess(ctx)
	assert.ErrorIs(t, err, models.ErrSyncCancelled)
	assert.Equal(t, models.LimitedSyncCancelled, outcome.Status)
}

func TestManualSync_MutualExclusion(t *testing.T) {
	svc, _, _ := newManualFixture()

	svc.syncMu.Lock()
	defer svc.syncMu.Unlock()

	_, err := svc.SyncFullAccess(context.Background())
	assert.ErrorIs(t, err, models.ErrSyncInProgress)

	_, err = svc.SyncLimitedAccess(context.Background())
	assert.ErrorIs(t, err, models.ErrSyncInProgress)
}
