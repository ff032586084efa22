package models

import "time"

// MarkerSource records which pipeline wrote a processed marker.
type MarkerSource string

const (
	SourceCollectedForReview    MarkerSource = "collected_for_review"
	SourceManualSync            MarkerSource = "manual_sync"
	SourceDownloadedPhoto       MarkerSource = "downloaded_photo"
	SourceProcessedSuccessfully MarkerSource = "processed_successfully"
)

// MarkerStatus tracks where the marked asset is in its lifecycle.
type MarkerStatus string

const (
	StatusPendingUserReview MarkerStatus = "pending_user_review"
	StatusSynced            MarkerStatus = "synced"
)

// ProcessedMarker is the dedup ledger entry for a device asset. Its
// presence means "do not collect or process this asset again". Markers are
// only removed on explicit rollback of a failed download.
type ProcessedMarker struct {
	ProcessedAt time.Time    `json:"processedAt"`
	Source      MarkerSource `json:"source"`
	Status      MarkerStatus `json:"status"`
	PhotoID     string       `json:"photoId,omitempty"`
	AssetID     string       `json:"assetId,omitempty"`
}

// NewProcessedMarker creates a marker stamped with the current time.
func NewProcessedMarker(source MarkerSource, status MarkerStatus) ProcessedMarker {
	return ProcessedMarker{
		ProcessedAt: time.Now().UTC(),
		Source:      source,
		Status:      status,
	}
}
