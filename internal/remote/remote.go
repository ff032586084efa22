package remote

import (
	"context"
	"time"
)

// User is the authenticated account as seen by the backend.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// Membership roles. INVITED members have not joined yet and receive no
// photos.
const RoleInvited = "INVITED"

// CameraMembership links a user to a shared camera (shared album).
type CameraMembership struct {
	CameraID string `json:"cameraId"`
	UserID   string `json:"userId"`
	Role     string `json:"role"`
}

// RemotePhoto is a photo record on the backend.
type RemotePhoto struct {
	ID        string    `json:"id"`
	CameraID  string    `json:"cameraId,omitempty"`
	OwnerID   string    `json:"ownerId"`
	FileKey   string    `json:"fileKey"`
	Filename  string    `json:"filename"`
	Deleted   bool      `json:"deleted"`
	CreatedAt time.Time `json:"createdAt"`
}

// PhotoRecipient is a face-match grant: the backend matched the user's
// face in someone else's photo and granted access to it.
type PhotoRecipient struct {
	PhotoID     string    `json:"photoId"`
	RecipientID string    `json:"recipientId"`
	MatchedAt   time.Time `json:"matchedAt"`
}

// MembershipPage is one page of camera memberships.
type MembershipPage struct {
	Items      []CameraMembership `json:"items"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

// PhotoPage is one page of camera photos.
type PhotoPage struct {
	Items      []RemotePhoto `json:"items"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

// RecipientPage is one page of face-match grants.
type RecipientPage struct {
	Items      []PhotoRecipient `json:"items"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// Service is the remote backend capability: paged listings with opaque
// continuation cursors, single-record fetches, and the push-token lookup.
// An empty NextCursor means the listing is exhausted.
type Service interface {
	CurrentUser(ctx context.Context) (*User, error)
	CameraMemberships(ctx context.Context, userID, cursor string) (*MembershipPage, error)
	CameraPhotos(ctx context.Context, cameraID, cursor string) (*PhotoPage, error)
	PhotoRecipients(ctx context.Context, userID, cursor string) (*RecipientPage, error)
	// PhotoByID returns nil, nil when the photo does not exist.
	PhotoByID(ctx context.Context, photoID string) (*RemotePhoto, error)
	// PushToken returns "" when the user has no registered push token.
	PushToken(ctx context.Context, userID string) (string, error)
	// DownloadPhoto exchanges a photo's storage key and owner identity for
	// the photo bytes.
	DownloadPhoto(ctx context.Context, photoID, ownerID string) ([]byte, error)
}
