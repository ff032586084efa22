package state

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/phomo/syncengine/internal/models"
	"github.com/phomo/syncengine/internal/repository"
)

// Persisted key layout. All state is per-device, not per-user: switching
// accounts on the same device intentionally does not clear it.
const (
	KeySyncedPhotos        = "downloaded_photos"
	KeyLastBackgroundSync  = "last_background_sync"
	KeyPendingBatches      = "pending_synced_photos"
	KeyLimitedAccessPhotos = "limited_access_photos"
	KeySyncingPhotos       = "syncing_photos"
	KeySyncingTimestamps   = "syncing_timestamps"

	processedKeyPrefix = "processed_"
)

// ProcessedKey returns the store key for an asset's processed marker.
func ProcessedKey(assetID string) string {
	return processedKeyPrefix + assetID
}

// SyncStateStore is the durable sync ledger: synced/syncing sets, processed
// markers, pending review batches, and scan timestamps, all layered over a
// flat string KV store.
//
// Every read-modify-write goes through a per-concern mutex so concurrent
// sync paths (background runner, manual sync, album sync) cannot lose
// updates to the same key. Reads degrade to empty defaults on failure; the
// system prefers "treat as unsynced" over crashing.
type SyncStateStore struct {
	kv repository.KVStore

	syncedMu  sync.Mutex // guards downloaded_photos
	syncingMu sync.Mutex // guards syncing_photos + syncing_timestamps
	batchesMu sync.Mutex // guards pending_synced_photos
}

// NewSyncStateStore creates a new SyncStateStore
func NewSyncStateStore(kv repository.KVStore) *SyncStateStore {
	return &SyncStateStore{kv: kv}
}

// readStringSet loads a JSON array key into a set; empty on any failure.
func (s *SyncStateStore) readStringSet(ctx context.Context, key string) map[string]bool {
	set := make(map[string]bool)

	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		log.Printf("Sync state: read %s failed, treating as empty: %v", key, err)
		return set
	}
	if !ok {
		return set
	}

	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		log.Printf("Sync state: %s is corrupt, treating as empty: %v", key, err)
		return set
	}
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func (s *SyncStateStore) writeStringSet(ctx context.Context, key string, set map[string]bool) error {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids) // stable serialization

	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, key, string(raw))
}

// SyncedPhotoIDs returns the auto-sync dedup set: remote photo IDs the
// album sync has already saved to the device.
func (s *SyncStateStore) SyncedPhotoIDs(ctx context.Context) map[string]bool {
	return s.readStringSet(ctx, KeySyncedPhotos)
}

// SetSyncedPhotoIDs replaces the synced-photo set.
func (s *SyncStateStore) SetSyncedPhotoIDs(ctx context.Context, ids map[string]bool) error {
	s.syncedMu.Lock()
	defer s.syncedMu.Unlock()
	return s.writeStringSet(ctx, KeySyncedPhotos, ids)
}

// MarkPhotoAsSynced adds a remote photo ID to the synced set.
func (s *SyncStateStore) MarkPhotoAsSynced(ctx context.Context, photoID string) error {
	s.syncedMu.Lock()
	defer s.syncedMu.Unlock()

	set := s.readStringSet(ctx, KeySyncedPhotos)
	set[photoID] = true
	return s.writeStringSet(ctx, KeySyncedPhotos, set)
}

// RemovePhotoFromSyncedList removes a remote photo ID from the synced set,
// making it eligible for retry.
func (s *SyncStateStore) RemovePhotoFromSyncedList(ctx context.Context, photoID string) error {
	s.syncedMu.Lock()
	defer s.syncedMu.Unlock()

	set := s.readStringSet(ctx, KeySyncedPhotos)
	delete(set, photoID)
	return s.writeStringSet(ctx, KeySyncedPhotos, set)
}

// SyncingPhotoIDs returns the set of photos currently mid-download.
func (s *SyncStateStore) SyncingPhotoIDs(ctx context.Context) map[string]bool {
	return s.readStringSet(ctx, KeySyncingPhotos)
}

// SyncingTimestamps returns the per-photo start times (epoch millis)
// paired with the syncing set, used for stale-lock detection.
func (s *SyncStateStore) SyncingTimestamps(ctx context.Context) map[string]int64 {
	stamps := make(map[string]int64)

	raw, ok, err := s.kv.Get(ctx, KeySyncingTimestamps)
	if err != nil {
		log.Printf("Sync state: read %s failed, treating as empty: %v", KeySyncingTimestamps, err)
		return stamps
	}
	if !ok {
		return stamps
	}

	if err := json.Unmarshal([]byte(raw), &stamps); err != nil {
		log.Printf("Sync state: %s is corrupt, treating as empty: %v", KeySyncingTimestamps, err)
		return map[string]int64{}
	}
	return stamps
}

func (s *SyncStateStore) writeSyncing(ctx context.Context, set map[string]bool, stamps map[string]int64) error {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	idsRaw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	stampsRaw, err := json.Marshal(stamps)
	if err != nil {
		return err
	}

	// Both keys in one transaction: the set and its timestamps must not
	// diverge across a crash.
	return s.kv.SetMany(ctx, map[string]string{
		KeySyncingPhotos:     string(idsRaw),
		KeySyncingTimestamps: string(stampsRaw),
	})
}

// MarkPhotoAsSyncing adds a photo to the syncing set and records its start
// time, atomically.
func (s *SyncStateStore) MarkPhotoAsSyncing(ctx context.Context, photoID string) error {
	s.syncingMu.Lock()
	defer s.syncingMu.Unlock()

	set := s.readStringSet(ctx, KeySyncingPhotos)
	stamps := s.SyncingTimestamps(ctx)
	set[photoID] = true
	stamps[photoID] = time.Now().UnixMilli()
	return s.writeSyncing(ctx, set, stamps)
}

// UnmarkPhotoAsSyncing removes a photo from the syncing set and its
// timestamp, atomically.
func (s *SyncStateStore) UnmarkPhotoAsSyncing(ctx context.Context, photoID string) error {
	s.syncingMu.Lock()
	defer s.syncingMu.Unlock()

	set := s.readStringSet(ctx, KeySyncingPhotos)
	stamps := s.SyncingTimestamps(ctx)
	delete(set, photoID)
	delete(stamps, photoID)
	return s.writeSyncing(ctx, set, stamps)
}

// CleanupStaleSyncingPhotos purges syncing entries whose timestamp is
// missing or older than timeout, and returns the purged IDs. Called at the
// start of every album sync run to recover from crashed runs.
func (s *SyncStateStore) CleanupStaleSyncingPhotos(ctx context.Context, timeout time.Duration) ([]string, error) {
	s.syncingMu.Lock()
	defer s.syncingMu.Unlock()

	set := s.readStringSet(ctx, KeySyncingPhotos)
	stamps := s.SyncingTimestamps(ctx)
	cutoff := time.Now().Add(-timeout).UnixMilli()

	var purged []string
	for id := range set {
		startedAt, ok := stamps[id]
		if !ok || startedAt < cutoff {
			purged = append(purged, id)
			delete(set, id)
			delete(stamps, id)
		}
	}
	// Timestamps without a set entry are leftovers too
	for id := range stamps {
		if !set[id] {
			delete(stamps, id)
		}
	}

	if len(purged) == 0 {
		return nil, nil
	}
	sort.Strings(purged)

	if err := s.writeSyncing(ctx, set, stamps); err != nil {
		return nil, err
	}
	return purged, nil
}

// RemovePhotoFromSyncState hard-resets a photo: clears it from the synced
// set, the syncing set, and the timestamp map.
func (s *SyncStateStore) RemovePhotoFromSyncState(ctx context.Context, photoID string) error {
	if err := s.RemovePhotoFromSyncedList(ctx, photoID); err != nil {
		return err
	}
	return s.UnmarkPhotoAsSyncing(ctx, photoID)
}

// LastSyncTime returns the last background/full sync timestamp, and false
// when none was ever recorded.
func (s *SyncStateStore) LastSyncTime(ctx context.Context) (time.Time, bool) {
	raw, ok, err := s.kv.Get(ctx, KeyLastBackgroundSync)
	if err != nil || !ok {
		if err != nil {
			log.Printf("Sync state: read %s failed: %v", KeyLastBackgroundSync, err)
		}
		return time.Time{}, false
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		log.Printf("Sync state: %s is corrupt: %v", KeyLastBackgroundSync, err)
		return time.Time{}, false
	}
	return t, true
}

// SetLastSyncTime records the last sync timestamp.
func (s *SyncStateStore) SetLastSyncTime(ctx context.Context, t time.Time) error {
	return s.kv.Set(ctx, KeyLastBackgroundSync, t.UTC().Format(time.RFC3339))
}

// ProcessedMarker returns the dedup marker for an asset, or nil when the
// asset was never processed.
func (s *SyncStateStore) ProcessedMarker(ctx context.Context, assetID string) *models.ProcessedMarker {
	raw, ok, err := s.kv.Get(ctx, ProcessedKey(assetID))
	if err != nil || !ok {
		if err != nil {
			log.Printf("Sync state: read marker for %s failed: %v", assetID, err)
		}
		return nil
	}

	var marker models.ProcessedMarker
	if err := json.Unmarshal([]byte(raw), &marker); err != nil {
		log.Printf("Sync state: marker for %s is corrupt: %v", assetID, err)
		return nil
	}
	return &marker
}

// HasProcessedMarker reports whether an asset has a dedup marker.
func (s *SyncStateStore) HasProcessedMarker(ctx context.Context, assetID string) bool {
	return s.ProcessedMarker(ctx, assetID) != nil
}

// WriteProcessedMarker writes a single processed marker.
func (s *SyncStateStore) WriteProcessedMarker(ctx context.Context, assetID string, marker models.ProcessedMarker) error {
	raw, err := json.Marshal(marker)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, ProcessedKey(assetID), string(raw))
}

// WriteProcessedMarkers bulk-writes markers in one transaction. Used by the
// batch builder so a batch's dedup protection lands all at once.
func (s *SyncStateStore) WriteProcessedMarkers(ctx context.Context, markers map[string]models.ProcessedMarker) error {
	if len(markers) == 0 {
		return nil
	}

	pairs := make(map[string]string, len(markers))
	for assetID, marker := range markers {
		raw, err := json.Marshal(marker)
		if err != nil {
			return err
		}
		pairs[ProcessedKey(assetID)] = string(raw)
	}
	return s.kv.SetMany(ctx, pairs)
}

// RemoveProcessedMarker deletes an asset's marker. The album sync rollback
// uses this when a download's marker went in but the synced set did not;
// everywhere else markers are write-once.
func (s *SyncStateStore) RemoveProcessedMarker(ctx context.Context, assetID string) error {
	return s.kv.Delete(ctx, ProcessedKey(assetID))
}

// PendingBatches returns all persisted review batches, oldest first.
func (s *SyncStateStore) PendingBatches(ctx context.Context) []models.PendingSyncedPhotosBatch {
	raw, ok, err := s.kv.Get(ctx, KeyPendingBatches)
	if err != nil {
		log.Printf("Sync state: read %s failed, treating as empty: %v", KeyPendingBatches, err)
		return nil
	}
	if !ok {
		return nil
	}

	var batches []models.PendingSyncedPhotosBatch
	if err := json.Unmarshal([]byte(raw), &batches); err != nil {
		log.Printf("Sync state: %s is corrupt, treating as empty: %v", KeyPendingBatches, err)
		return nil
	}
	return batches
}

func (s *SyncStateStore) writeBatches(ctx context.Context, batches []models.PendingSyncedPhotosBatch) error {
	raw, err := json.Marshal(batches)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, KeyPendingBatches, string(raw))
}

// AppendPendingBatch appends a batch to the persisted list. The append is
// serialized under the batches mutex, so two producers firing together
// (background runner and manual sync) cannot lose each other's batch.
func (s *SyncStateStore) AppendPendingBatch(ctx context.Context, batch *models.PendingSyncedPhotosBatch) error {
	s.batchesMu.Lock()
	defer s.batchesMu.Unlock()

	batches := s.PendingBatches(ctx)
	batches = append(batches, *batch)
	return s.writeBatches(ctx, batches)
}

// MarkBatchesReviewed flips Reviewed on the given batch IDs and returns
// how many batches were actually flipped.
func (s *SyncStateStore) MarkBatchesReviewed(ctx context.Context, batchIDs []string) (int, error) {
	s.batchesMu.Lock()
	defer s.batchesMu.Unlock()

	wanted := make(map[string]bool, len(batchIDs))
	for _, id := range batchIDs {
		wanted[id] = true
	}

	batches := s.PendingBatches(ctx)
	flipped := 0
	for i := range batches {
		if wanted[batches[i].BatchID] && !batches[i].Reviewed {
			batches[i].Reviewed = true
			flipped++
		}
	}

	if flipped == 0 {
		return 0, nil
	}
	return flipped, s.writeBatches(ctx, batches)
}

// MarkBatchesNotified flips Notified on the given batch IDs.
func (s *SyncStateStore) MarkBatchesNotified(ctx context.Context, batchIDs []string) error {
	s.batchesMu.Lock()
	defer s.batchesMu.Unlock()

	wanted := make(map[string]bool, len(batchIDs))
	for _, id := range batchIDs {
		wanted[id] = true
	}

	batches := s.PendingBatches(ctx)
	changed := false
	for i := range batches {
		if wanted[batches[i].BatchID] && !batches[i].Notified {
			batches[i].Notified = true
			changed = true
		}
	}

	if !changed {
		return nil
	}
	return s.writeBatches(ctx, batches)
}

// LimitedAccessPhotoIDs returns the last-known snapshot of asset IDs
// visible under limited photo permission.
func (s *SyncStateStore) LimitedAccessPhotoIDs(ctx context.Context) map[string]bool {
	return s.readStringSet(ctx, KeyLimitedAccessPhotos)
}

// SetLimitedAccessPhotoIDs persists the limited-access snapshot.
func (s *SyncStateStore) SetLimitedAccessPhotoIDs(ctx context.Context, ids map[string]bool) error {
	return s.writeStringSet(ctx, KeyLimitedAccessPhotos, ids)
}
