package library

import (
	"context"
	"time"

	"github.com/phomo/syncengine/internal/models"
)

// PermissionStatus is the media library access level.
type PermissionStatus string

const (
	PermissionFull    PermissionStatus = "full"
	PermissionLimited PermissionStatus = "limited"
	PermissionDenied  PermissionStatus = "denied"
)

// ChangeEvent is emitted when the library's contents change. ScopeChanged
// distinguishes a change to the accessible set (the user altered their
// limited-access grant) from an ordinary new or removed photo.
type ChangeEvent struct {
	ScopeChanged bool
}

// Album is a named collection inside the library.
type Album struct {
	ID   string
	Name string
}

// AssetQuery selects a page of assets, newest first.
type AssetQuery struct {
	CreatedAfter time.Time // zero means no lower bound
	PageSize     int
	Cursor       string // opaque; empty for the first page
}

// AssetPage is one page of a library listing.
type AssetPage struct {
	Assets     []models.DeviceAsset
	NextCursor string
	HasMore    bool
}

// MediaLibrary is the device photo library capability. Every call is a
// suspension point from the sync engine's perspective.
type MediaLibrary interface {
	Permission(ctx context.Context) (PermissionStatus, error)
	Assets(ctx context.Context, query AssetQuery) (*AssetPage, error)
	// AssetURI resolves an asset ID to a readable local path.
	AssetURI(ctx context.Context, assetID string) (string, error)
	// AlbumByName returns nil, nil when no such album exists.
	AlbumByName(ctx context.Context, name string) (*Album, error)
	AlbumAssetIDs(ctx context.Context, albumID string) ([]string, error)
	// SaveToAlbum copies the file at localURI into the named album,
	// creating it if needed, and returns the new asset's ID.
	SaveToAlbum(ctx context.Context, localURI, albumName string) (string, error)
	// Subscribe registers a change handler and returns its unsubscribe
	// function. Handlers may fire from a background goroutine.
	Subscribe(handler func(ChangeEvent)) (func(), error)
	// PresentPicker asks the platform to show its limited-access picker.
	// It returns once the picker is presented, not when it is dismissed;
	// grant changes arrive as ScopeChanged events.
	PresentPicker(ctx context.Context) error
}
