package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks to the Phomo backend over its HTTP API. All listing
// endpoints take an optional cursor query parameter and answer with items
// plus an opaque next cursor.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a backend client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// getJSON performs an authenticated GET and decodes the JSON response.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("backend %s: status %d: %s", path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

var errNotFound = fmt.Errorf("not found")

func cursorQuery(cursor string) url.Values {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return q
}

// CurrentUser resolves the authenticated account.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var user User
	if err := c.getJSON(ctx, "/api/users/me", nil, &user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, nil
	}
	return &user, nil
}

// CameraMemberships lists one page of the user's camera memberships.
func (c *Client) CameraMemberships(ctx context.Context, userID, cursor string) (*MembershipPage, error) {
	var page MembershipPage
	path := fmt.Sprintf("/api/users/%s/cameras", url.PathEscape(userID))
	if err := c.getJSON(ctx, path, cursorQuery(cursor), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// CameraPhotos lists one page of a camera's photos.
func (c *Client) CameraPhotos(ctx context.Context, cameraID, cursor string) (*PhotoPage, error) {
	var page PhotoPage
	path := fmt.Sprintf("/api/cameras/%s/photos", url.PathEscape(cameraID))
	if err := c.getJSON(ctx, path, cursorQuery(cursor), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// PhotoRecipients lists one page of the user's face-match grants.
func (c *Client) PhotoRecipients(ctx context.Context, userID, cursor string) (*RecipientPage, error) {
	var page RecipientPage
	path := fmt.Sprintf("/api/users/%s/photo-recipients", url.PathEscape(userID))
	if err := c.getJSON(ctx, path, cursorQuery(cursor), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// PhotoByID fetches a single photo record; nil when it does not exist.
func (c *Client) PhotoByID(ctx context.Context, photoID string) (*RemotePhoto, error) {
	var photo RemotePhoto
	path := fmt.Sprintf("/api/photos/%s", url.PathEscape(photoID))
	err := c.getJSON(ctx, path, nil, &photo)
	if err == errNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &photo, nil
}

// PushToken looks up the user's push token; "" when none is registered.
func (c *Client) PushToken(ctx context.Context, userID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	path := fmt.Sprintf("/api/users/%s/push-token", url.PathEscape(userID))
	err := c.getJSON(ctx, path, nil, &resp)
	if err == errNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return resp.Token, nil
}

// DownloadPhoto fetches the photo bytes from object storage via the
// backend's download endpoint.
func (c *Client) DownloadPhoto(ctx context.Context, photoID, ownerID string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/api/photos/%s/download?owner=%s",
		c.baseURL, url.PathEscape(photoID), url.QueryEscape(ownerID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download photo %s: %w", photoID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("download photo %s: status %d: %s", photoID, resp.StatusCode, string(body))
	}

	return io.ReadAll(resp.Body)
}
