package models

import (
	"time"

	"github.com/google/uuid"
)

// PendingSyncedPhotosBatch groups photos detected in one sync pass and
// awaiting user review. The Photos slice is fixed at creation; Reviewed is
// the only field that changes afterwards (Notified flips once when a push
// about the batch has been sent).
type PendingSyncedPhotosBatch struct {
	BatchID   string               `json:"batchId"`
	CreatedAt time.Time            `json:"createdAt"`
	Photos    []PendingSyncedPhoto `json:"photos"`
	Notified  bool                 `json:"notified"`
	Reviewed  bool                 `json:"reviewed"`
}

// NewPendingBatch creates a batch with a fresh unique ID.
func NewPendingBatch(photos []PendingSyncedPhoto) *PendingSyncedPhotosBatch {
	return &PendingSyncedPhotosBatch{
		BatchID:   uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		Photos:    photos,
	}
}

// UnreviewedBatchIDs returns the IDs of all batches not yet reviewed,
// oldest first (input order).
func UnreviewedBatchIDs(batches []PendingSyncedPhotosBatch) []string {
	var ids []string
	for _, b := range batches {
		if !b.Reviewed {
			ids = append(ids, b.BatchID)
		}
	}
	return ids
}

// UnreviewedPhotoCount sums photo counts across all unreviewed batches.
func UnreviewedPhotoCount(batches []PendingSyncedPhotosBatch) int {
	count := 0
	for _, b := range batches {
		if !b.Reviewed {
			count += len(b.Photos)
		}
	}
	return count
}
