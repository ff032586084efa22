package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phomo/syncengine/internal/models"
	"github.com/phomo/syncengine/internal/state"
)

func newBatchFixture() (*BatchService, *state.SyncStateStore, *fakeLibrary) {
	store := state.NewSyncStateStore(newMemKV())
	lib := newFakeLibrary()
	return NewBatchService(store, lib, nil, nil, nil), store, lib
}

func testAssets(ids ...string) []models.DeviceAsset {
	assets := make([]models.DeviceAsset, 0, len(ids))
	for i, id := range ids {
		assets = append(assets, models.DeviceAsset{
			ID:           id,
			Filename:     id + ".jpg",
			CreationTime: time.Now().Add(-time.Duration(i) * time.Minute),
		})
	}
	return assets
}

func TestCreatePhotoBatch(t *testing.T) {
	svc, store, _ := newBatchFixture()
	ctx := context.Background()

	batch, err := svc.CreatePhotoBatch(ctx, testAssets("a1", "a2"), models.SourceManualSync)
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.NotEmpty(t, batch.BatchID)
	assert.Len(t, batch.Photos, 2)
	assert.False(t, batch.Reviewed)
	assert.False(t, batch.Notified)

	persisted := store.PendingBatches(ctx)
	require.Len(t, persisted, 1)
	assert.Equal(t, batch.BatchID, persisted[0].BatchID)

	for _, id := range []string{"a1", "a2"} {
		marker := store.ProcessedMarker(ctx, id)
		require.NotNil(t, marker, "marker missing for %s", id)
		assert.Equal(t, models.SourceManualSync, marker.Source)
		assert.Equal(t, models.StatusPendingUserReview, marker.Status)
	}
}

func TestCreatePhotoBatch_Empty(t *testing.T) {
	svc, store, _ := newBatchFixture()
	ctx := context.Background()

	batch, err := svc.CreatePhotoBatch(ctx, nil, models.SourceManualSync)
	require.NoError(t, err)
	assert.Nil(t, batch)
	assert.Empty(t, store.PendingBatches(ctx))
}

func TestCreatePhotoBatch_DropsUnresolvedAssets(t *testing.T) {
	svc, store, lib := newBatchFixture()
	ctx := context.Background()

	lib.uriErrs = map[string]error{"broken": errors.New("resolution failed")}

	batch, err := svc.CreatePhotoBatch(ctx, testAssets("broken", "ok"), models.SourceCollectedForReview)
	require.NoError(t, err)
	require.Len(t, batch.Photos, 1)
	assert.Equal(t, "ok", batch.Photos[0].ID)

	// The dropped asset stays unmarked and eligible for the next pass
	assert.False(t, store.HasProcessedMarker(ctx, "broken"))
	assert.True(t, store.HasProcessedMarker(ctx, "ok"))

	t.Run("all assets unresolvable", func(t *testing.T) {
		lib.uriErrs["other"] = errors.New("resolution failed")
		batch, err := svc.CreatePhotoBatch(ctx, testAssets("other"), models.SourceCollectedForReview)
		require.NoError(t, err)
		assert.Nil(t, batch)
	})
}

func TestMarkBatchesReviewed(t *testing.T) {
	svc, _, _ := newBatchFixture()
	ctx := context.Background()

	b1, err := svc.CreatePhotoBatch(ctx, testAssets("a1"), models.SourceManualSync)
	require.NoError(t, err)
	b2, err := svc.CreatePhotoBatch(ctx, testAssets("a2"), models.SourceManualSync)
	require.NoError(t, err)

	flipped, err := svc.MarkBatchesReviewed(ctx, []string{b1.BatchID})
	require.NoError(t, err)
	assert.Equal(t, 1, flipped)

	unreviewed := svc.UnreviewedBatches(ctx)
	require.Len(t, unreviewed, 1)
	assert.Equal(t, b2.BatchID, unreviewed[0].BatchID)

	t.Run("already reviewed batches do not flip again", func(t *testing.T) {
		flipped, err := svc.MarkBatchesReviewed(ctx, []string{b1.BatchID})
		require.NoError(t, err)
		assert.Equal(t, 0, flipped)
	})

	t.Run("unknown IDs are ignored", func(t *testing.T) {
		flipped, err := svc.MarkBatchesReviewed(ctx, []string{"nope"})
		require.NoError(t, err)
		assert.Equal(t, 0, flipped)
	})
}

func TestUnnotifiedBatches(t *testing.T) {
	svc, _, _ := newBatchFixture()
	ctx := context.Background()

	b1, err := svc.CreatePhotoBatch(ctx, testAssets("a1"), models.SourceCollectedForReview)
	require.NoError(t, err)
	b2, err := svc.CreatePhotoBatch(ctx, testAssets("a2"), models.SourceCollectedForReview)
	require.NoError(t, err)

	require.NoError(t, svc.MarkBatchesNotified(ctx, []string{b1.BatchID}))

	pending := svc.UnnotifiedBatches(ctx)
	require.Len(t, pending, 1)
	assert.Equal(t, b2.BatchID, pending[0].BatchID)

	// A reviewed batch no longer needs announcing
	_, err = svc.MarkBatchesReviewed(ctx, []string{b2.BatchID})
	require.NoError(t, err)
	assert.Empty(t, svc.UnnotifiedBatches(ctx))
}
