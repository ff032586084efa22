package models

// SyncError is a typed, recoverable sync condition. Callers are expected
// to branch on these rather than parse message strings.
type SyncError struct {
	Message string
}

func (e SyncError) Error() string {
	return e.Message
}

var (
	ErrSyncInProgress    = SyncError{"photo sync already in progress"}
	ErrPhotoSyncBusy     = SyncError{"photo is already being synced"}
	ErrDownloadQueueFull = SyncError{"download queue is full"}
	ErrDownloadTimeout   = SyncError{"photo download timed out"}
	ErrNoCurrentUser     = SyncError{"no authenticated user"}
	ErrPermissionDenied  = SyncError{"media library permission not granted"}
	ErrBatchNotFound     = SyncError{"batch not found"}
	ErrSyncCancelled     = SyncError{"sync cancelled"}
)
