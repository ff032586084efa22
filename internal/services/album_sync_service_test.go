package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phomo/syncengine/internal/models"
	"github.com/phomo/syncengine/internal/remote"
	"github.com/phomo/syncengine/internal/state"
)

func newAlbumFixture() (*AlbumSyncService, *state.SyncStateStore, *fakeLibrary, *fakeRemote) {
	store := state.NewSyncStateStore(newMemKV())
	lib := newFakeLibrary()
	remoteSvc := newFakeRemote()
	cfg := manualSyncConfig()
	cfg.DownloadQueueMax = 3
	cfg.DownloadTimeoutMinutes = 5
	cfg.StaleSyncingMinutes = 5
	svc := NewAlbumSyncService(store, lib, remoteSvc, nil, nil, nil, cfg, "Phomo")
	return svc, store, lib, remoteSvc
}

func cameraPhoto(id, cameraID, ownerID string) remote.RemotePhoto {
	return remote.RemotePhoto{
		ID:       id,
		CameraID: cameraID,
		OwnerID:  ownerID,
		FileKey:  "photos/" + id,
		Filename: id + ".jpg",
	}
}

func TestAlbumSync_DownloadsSharedPhotos(t *testing.T) {
	svc, store, lib, remoteSvc := newAlbumFixture()
	ctx := context.Background()

	remoteSvc.memberships = []remote.CameraMembership{
		{CameraID: "cam-1", UserID: "user-1", Role: "MEMBER"},
	}
	remoteSvc.cameraPhotos["cam-1"] = []remote.RemotePhoto{
		cameraPhoto("p1", "cam-1", "user-2"),
		cameraPhoto("p2", "cam-1", "user-2"),
	}

	result, err := svc.SyncPhotosFromCameras(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.NewPhotosSynced)
	assert.Equal(t, 2, result.TotalPhotosProcessed)
	assert.Empty(t, result.Errors)

	// Both photos landed in the app album
	assert.Len(t, lib.albums["Phomo"], 2)

	// Synced set covers both, syncing set is drained
	synced := store.SyncedPhotoIDs(ctx)
	assert.True(t, synced["p1"])
	assert.True(t, synced["p2"])
	assert.Empty(t, store.SyncingPhotoIDs(ctx))

	// Each saved local asset carries a downloaded marker so the
	// collector never offers it for upload
	marker := store.ProcessedMarker(ctx, "local-1")
	require.NotNil(t, marker)
	assert.Equal(t, models.SourceDownloadedPhoto, marker.Source)
	assert.Equal(t, models.StatusSynced, marker.Status)
}

func TestAlbumSync_FiltersCandidates(t *testing.T) {
	svc, store, lib, remoteSvc := newAlbumFixture()
	ctx := context.Background()

	remoteSvc.memberships = []remote.CameraMembership{
		{CameraID: "cam-1", UserID: "user-1", Role: "MEMBER"},
		{CameraID: "cam-2", UserID: "user-1", Role: remote.RoleInvited},
	}
	deleted := cameraPhoto("deleted", "cam-1", "user-2")
	deleted.Deleted = true
	remoteSvc.cameraPhotos["cam-1"] = []remote.RemotePhoto{
		cameraPhoto("own", "cam-1", "user-1"),     // self-owned
		deleted,                                   // soft-deleted
		cameraPhoto("already", "cam-1", "user-2"), // previously synced
		cameraPhoto("wanted", "cam-1", "user-2"),
	}
	remoteSvc.cameraPhotos["cam-2"] = []remote.RemotePhoto{
		cameraPhoto("invited-only", "cam-2", "user-3"),
	}
	require.NoError(t, store.MarkPhotoAsSynced(ctx, "already"))

	result, err := svc.SyncPhotosFromCameras(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.NewPhotosSynced)
	assert.Len(t, lib.albums["Phomo"], 1)

	synced := store.SyncedPhotoIDs(ctx)
	assert.True(t, synced["wanted"])
	assert.False(t, synced["own"])
	assert.False(t, synced["deleted"])
	assert.False(t, synced["invited-only"])
}

func TestAlbumSync_RecipientPath(t *testing.T) {
	svc, store, _, remoteSvc := newAlbumFixture()
	ctx := context.Background()

	remoteSvc.recipients = []remote.PhotoRecipient{
		{PhotoID: "matched", RecipientID: "user-1"},
		{PhotoID: "vanished", RecipientID: "user-1"},
	}
	remoteSvc.photos["matched"] = cameraPhoto("matched", "cam-9", "user-2")

	result, err := svc.SyncPhotosFromCameras(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.NewPhotosSynced)
	assert.True(t, store.SyncedPhotoIDs(ctx)["matched"])
}

func TestAlbumSync_DeduplicatesAcrossPaths(t *testing.T) {
	svc, _, lib, remoteSvc := newAlbumFixture()
	ctx := context.Background()

	remoteSvc.memberships = []remote.CameraMembership{
		{CameraID: "cam-1", UserID: "user-1", Role: "MEMBER"},
	}
	remoteSvc.cameraPhotos["cam-1"] = []remote.RemotePhoto{
		cameraPhoto("both", "cam-1", "user-2"),
	}
	remoteSvc.recipients = []remote.PhotoRecipient{
		{PhotoID: "both", RecipientID: "user-1"},
	}
	remoteSvc.photos["both"] = cameraPhoto("both", "cam-1", "user-2")

	result, err := svc.SyncPhotosFromCameras(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.NewPhotosSynced)
	assert.Len(t, lib.albums["Phomo"], 1)
}

func TestAlbumSync_RollbackOnFailure(t *testing.T) {
	svc, store, lib, remoteSvc := newAlbumFixture()
	ctx := context.Background()

	remoteSvc.memberships = []remote.CameraMembership{
		{CameraID: "cam-1", UserID: "user-1", Role: "MEMBER"},
	}
	remoteSvc.cameraPhotos["cam-1"] = []remote.RemotePhoto{
		cameraPhoto("p1", "cam-1", "user-2"),
	}
	lib.saveErr = errors.New("disk full")

	result, err := svc.SyncPhotosFromCameras(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.NewPhotosSynced)
	assert.Equal(t, 1, result.TotalPhotosProcessed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "disk full")

	// Fully rolled back: eligible for retry on the next pass
	assert.Empty(t, store.SyncedPhotoIDs(ctx))
	assert.Empty(t, store.SyncingPhotoIDs(ctx))

	lib.saveErr = nil
	result, err = svc.SyncPhotosFromCameras(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.NewPhotosSynced)
}

// failingSetKV rejects writes to one key, passing everything else through.
type failingSetKV struct {
	*memKV
	failKey string
}

func (f *failingSetKV) Set(ctx context.Context, key, value string) error {
	if key == f.failKey {
		return errors.New("write rejected")
	}
	return f.memKV.Set(ctx, key, value)
}

func TestAlbumSync_RollbackRemovesMarker(t *testing.T) {
	ctx := context.Background()

	// The downloaded marker goes in, then the synced-set write fails
	kv := &failingSetKV{memKV: newMemKV(), failKey: state.KeySyncedPhotos}
	store := state.NewSyncStateStore(kv)
	cfg := manualSyncConfig()
	cfg.DownloadQueueMax = 3
	svc := NewAlbumSyncService(store, newFakeLibrary(), newFakeRemote(), nil, nil, nil, cfg, "Phomo")

	err := svc.SavePhotoToAlbumWithTracking(ctx, cameraPhoto("p1", "cam-1", "user-2"))
	require.Error(t, err)

	// The half-written marker is taken back out with the rest of the state
	assert.Nil(t, store.ProcessedMarker(ctx, "local-1"))
	assert.Empty(t, store.SyncingPhotoIDs(ctx))
}

func TestAlbumSync_DownloadTimeoutRollback(t *testing.T) {
	svc, store, _, remoteSvc := newAlbumFixture()
	ctx := context.Background()

	svc.downloadTimeout = 50 * time.Millisecond
	remoteSvc.downloadBlock = make(chan struct{}) // never closed: the download hangs

	err := svc.SavePhotoToAlbumWithTracking(ctx, cameraPhoto("p1", "cam-1", "user-2"))
	assert.ErrorIs(t, err, models.ErrDownloadTimeout)

	// Rolled back with the lock and slot released
	assert.Empty(t, store.SyncedPhotoIDs(ctx))
	assert.Empty(t, store.SyncingPhotoIDs(ctx))
	assert.Equal(t, 0, svc.QueueStatus().Active)
	assert.False(t, svc.IsPhotoSyncInProgress("p1"))

	remoteSvc.mu.Lock()
	remoteSvc.downloadBlock = nil
	remoteSvc.mu.Unlock()

	require.NoError(t, svc.SavePhotoToAlbumWithTracking(ctx, cameraPhoto("p1", "cam-1", "user-2")))
	assert.True(t, store.SyncedPhotoIDs(ctx)["p1"])
}

func TestAlbumSync_QueueSaturation(t *testing.T) {
	svc, store, _, remoteSvc := newAlbumFixture()
	ctx := context.Background()

	block := make(chan struct{})
	remoteSvc.downloadBlock = block

	ids := []string{"p1", "p2", "p3"}
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(n int, photoID string) {
			defer wg.Done()
			errs[n] = svc.SavePhotoToAlbumWithTracking(ctx, cameraPhoto(photoID, "cam-1", "user-2"))
		}(i, id)
	}

	require.Eventually(t, func() bool {
		return svc.QueueStatus().Active == svc.cfg.DownloadQueueMax
	}, time.Second, 5*time.Millisecond, "three downloads should hold the queue")

	// The queue is full; two more offers bounce without entering
	err := svc.SavePhotoToAlbumWithTracking(ctx, cameraPhoto("p4", "cam-1", "user-2"))
	assert.ErrorIs(t, err, models.ErrDownloadQueueFull)
	err = svc.SavePhotoToAlbumWithTracking(ctx, cameraPhoto("p5", "cam-1", "user-2"))
	assert.ErrorIs(t, err, models.ErrDownloadQueueFull)

	close(block)
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "download %s", ids[i])
	}
	synced := store.SyncedPhotoIDs(ctx)
	assert.Len(t, synced, 3)
	assert.False(t, synced["p4"])
	assert.False(t, synced["p5"])
}

func TestAlbumSync_NoCurrentUser(t *testing.T) {
	svc, _, _, remoteSvc := newAlbumFixture()
	remoteSvc.user = nil

	result, err := svc.SyncPhotosFromCameras(context.Background())
	assert.ErrorIs(t, err, models.ErrNoCurrentUser)
	require.NotNil(t, result)
	assert.Contains(t, result.Errors, models.ErrNoCurrentUser.Error())
}

func TestAlbumSync_MutualExclusion(t *testing.T) {
	svc, _, _, _ := newAlbumFixture()

	svc.globalMu.Lock()
	defer svc.globalMu.Unlock()

	result, err := svc.SyncPhotosFromCameras(context.Background())
	assert.ErrorIs(t, err, models.ErrSyncInProgress)

	// The busy caller still gets a zero-work result with the error entry
	require.NotNil(t, result)
	assert.Equal(t, 0, result.TotalPhotosProcessed)
	assert.Equal(t, 0, result.NewPhotosSynced)
	assert.Contains(t, result.Errors, models.ErrSyncInProgress.Error())
}

func TestAlbumSync_DisabledStopsRun(t *testing.T) {
	svc, _, lib, remoteSvc := newAlbumFixture()
	ctx := context.Background()

	remoteSvc.memberships = []remote.CameraMembership{
		{CameraID: "cam-1", UserID: "user-1", Role: "MEMBER"},
	}
	remoteSvc.cameraPhotos["cam-1"] = []remote.RemotePhoto{
		cameraPhoto("p1", "cam-1", "user-2"),
	}
	svc.SetSyncEnabled(false)

	result, err := svc.SyncPhotosFromCameras(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.TotalPhotosProcessed)
	assert.Empty(t, lib.albums["Phomo"])
}

func TestAlbumSync_PerPhotoLock(t *testing.T) {
	svc, _, _, _ := newAlbumFixture()
	ctx := context.Background()

	svc.mu.Lock()
	svc.photoLocks["p1"] = true
	svc.mu.Unlock()

	err := svc.SavePhotoToAlbumWithTracking(ctx, cameraPhoto("p1", "cam-1", "user-2"))
	assert.ErrorIs(t, err, models.ErrPhotoSyncBusy)
	assert.True(t, svc.IsPhotoSyncInProgress("p1"))
}

func TestAlbumSync_QueueFull(t *testing.T) {
	svc, _, _, _ := newAlbumFixture()
	ctx := context.Background()

	svc.mu.Lock()
	svc.active = svc.cfg.DownloadQueueMax
	svc.mu.Unlock()

	err := svc.SavePhotoToAlbumWithTracking(ctx, cameraPhoto("p1", "cam-1", "user-2"))
	assert.ErrorIs(t, err, models.ErrDownloadQueueFull)

	status := svc.QueueStatus()
	assert.Equal(t, svc.cfg.DownloadQueueMax, status.Active)
	assert.Equal(t, 0, status.Locked)
}

func TestAlbumSync_StaleCleanupRuns(t *testing.T) {
	ctx := context.Background()

	// A syncing entry with no timestamp is a leftover from a crashed run
	kv := newMemKV()
	require.NoError(t, kv.Set(ctx, state.KeySyncingPhotos, `["stuck"]`))

	store := state.NewSyncStateStore(kv)
	cfg := manualSyncConfig()
	cfg.DownloadQueueMax = 3
	cfg.StaleSyncingMinutes = 5
	svc := NewAlbumSyncService(store, newFakeLibrary(), newFakeRemote(), nil, nil, nil, cfg, "Phomo")

	_, err := svc.SyncPhotosFromCameras(ctx)
	require.NoError(t, err)

	assert.Empty(t, store.SyncingPhotoIDs(ctx), "orphaned entry purged at run start")
}

func TestAlbumSync_RemoveDownloadedPhoto(t *testing.T) {
	svc, store, _, remoteSvc := newAlbumFixture()
	ctx := context.Background()

	remoteSvc.memberships = []remote.CameraMembership{
		{CameraID: "cam-1", UserID: "user-1", Role: "MEMBER"},
	}
	remoteSvc.cameraPhotos["cam-1"] = []remote.RemotePhoto{
		cameraPhoto("p1", "cam-1", "user-2"),
	}

	_, err := svc.SyncPhotosFromCameras(ctx)
	require.NoError(t, err)
	require.True(t, store.SyncedPhotoIDs(ctx)["p1"])

	require.NoError(t, svc.RemoveDownloadedPhoto(ctx, "p1"))
	assert.False(t, store.SyncedPhotoIDs(ctx)["p1"])
}
