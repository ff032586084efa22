package models

import "time"

// SyncResult summarizes one remote-to-local sync run. Failures never abort
// the run; they accumulate in Errors.
type SyncResult struct {
	NewPhotosSynced      int      `json:"newPhotosSynced"`
	TotalPhotosProcessed int      `json:"totalPhotosProcessed"`
	Errors               []string `json:"errors"`
}

// QueueStatus exposes the download queue for backpressure and UI feedback.
type QueueStatus struct {
	Active int `json:"active"`
	Max    int `json:"max"`
	Locked int `json:"locked"`
}

// FullSyncResult is returned by a full-access manual sync. BatchID is nil
// when no new photos were collected.
type FullSyncResult struct {
	BatchID         *string `json:"batchId"`
	PhotosCollected int     `json:"photosCollected"`
}

// LimitedSyncStatus classifies how a limited-access sync attempt ended.
type LimitedSyncStatus string

const (
	LimitedSyncNewPhotos   LimitedSyncStatus = "new_photos"
	LimitedSyncNoNewPhotos LimitedSyncStatus = "no_new_photos"
	LimitedSyncCancelled   LimitedSyncStatus = "cancelled"
	LimitedSyncFailed      LimitedSyncStatus = "failed"
)

// LimitedSyncOutcome is delivered asynchronously once the limited-access
// picker flow settles. It carries enough structure for the UI layer to
// build its notices without re-deriving anything.
type LimitedSyncOutcome struct {
	Status          LimitedSyncStatus `json:"status"`
	BatchID         string            `json:"batchId,omitempty"`
	PhotosCollected int               `json:"photosCollected"`
	Error           string            `json:"error,omitempty"`
}

// HealthResponse for GET /health
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is the generic JSON error envelope for the control API.
type ErrorResponse struct {
	Error string `json:"error"`
}
