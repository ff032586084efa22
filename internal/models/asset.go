package models

import "time"

// DeviceAsset is a photo asset as reported by the device media library.
// Identity is ID; everything else is informational.
type DeviceAsset struct {
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	CreationTime time.Time `json:"creationTime"`
	LocalURI     string    `json:"localUri,omitempty"`
}

// PendingSyncedPhoto is a device photo staged for user review. Immutable
// once created; it stops being actionable when its batch is reviewed.
type PendingSyncedPhoto struct {
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	CreationTime time.Time `json:"creationTime"`
	URI          string    `json:"uri"`
	PreviewURI   string    `json:"previewUri,omitempty"`
	DetectedAt   time.Time `json:"detectedAt"`
}

// NewPendingSyncedPhoto builds a PendingSyncedPhoto from a resolved asset.
func NewPendingSyncedPhoto(asset DeviceAsset, uri string) PendingSyncedPhoto {
	return PendingSyncedPhoto{
		ID:           asset.ID,
		Filename:     asset.Filename,
		CreationTime: asset.CreationTime,
		URI:          uri,
		DetectedAt:   time.Now().UTC(),
	}
}
