package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2/google"
)

const fcmScope = "https://www.googleapis.com/auth/firebase.messaging"

// FCMSender sends review notifications through the Firebase Cloud
// Messaging HTTP v1 API.
type FCMSender struct {
	projectID   string
	credentials []byte
	httpClient  *http.Client
	token       string
	tokenExpiry time.Time
	tokenMu     sync.Mutex
}

// NewFCMSender creates an FCMSender from a service-account credentials file.
func NewFCMSender(credentialsPath string) (*FCMSender, error) {
	if credentialsPath == "" {
		return nil, fmt.Errorf("firebase credentials path is required")
	}

	if _, err := os.Stat(credentialsPath); err != nil {
		return nil, fmt.Errorf("credentials file not accessible: %w", err)
	}

	credData, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	var creds struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(credData, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}

	sender := &FCMSender{
		projectID:   creds.ProjectID,
		credentials: credData,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}

	if _, err := sender.getAccessToken(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to get initial access token: %w", err)
	}
	log.Printf("Firebase Cloud Messaging initialized (project %s)", creds.ProjectID)

	return sender, nil
}

// getAccessToken returns a valid OAuth2 access token, refreshing if needed.
func (s *FCMSender) getAccessToken(ctx context.Context) (string, error) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()

	// Reuse the cached token if it has at least 5 minutes left.
	if s.token != "" && time.Now().Add(5*time.Minute).Before(s.tokenExpiry) {
		return s.token, nil
	}

	creds, err := google.FindDefaultCredentials(ctx, fcmScope)
	if err != nil {
		creds, err = google.CredentialsFromJSON(ctx, s.credentials, fcmScope)
		if err != nil {
			return "", fmt.Errorf("failed to create credentials: %w", err)
		}
	}

	token, err := creds.TokenSource.Token()
	if err != nil {
		return "", fmt.Errorf("failed to get token: %w", err)
	}

	s.token = token.AccessToken
	s.tokenExpiry = token.Expiry

	return s.token, nil
}

type fcmMessage struct {
	Message fcmMessageBody `json:"message"`
}

type fcmMessageBody struct {
	Token        string            `json:"token"`
	Data         map[string]string `json:"data,omitempty"`
	Notification *fcmNotification  `json:"notification,omitempty"`
	Android      *fcmAndroid       `json:"android,omitempty"`
	APNS         *fcmAPNS          `json:"apns,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmAndroid struct {
	Priority     string                  `json:"priority,omitempty"`
	Notification *fcmAndroidNotification `json:"notification,omitempty"`
}

type fcmAndroidNotification struct {
	ClickAction string `json:"click_action,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
}

type fcmAPNS struct {
	Headers map[string]string `json:"headers,omitempty"`
	Payload *fcmAPNSPayload   `json:"payload,omitempty"`
}

type fcmAPNSPayload struct {
	Aps *fcmAps `json:"aps,omitempty"`
}

type fcmAps struct {
	Alert            *fcmApsAlert `json:"alert,omitempty"`
	Sound            string       `json:"sound,omitempty"`
	ContentAvailable int          `json:"content-available,omitempty"`
	Category         string       `json:"category,omitempty"`
}

type fcmApsAlert struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// SendSyncNotification notifies the device that new photo batches are
// waiting for review.
func (s *FCMSender) SendSyncNotification(ctx context.Context, deviceToken string, notification SyncNotification) error {
	token, err := s.getAccessToken(ctx)
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	body := notificationBody(notification.PhotoCount)

	message := fcmMessage{
		Message: fcmMessageBody{
			Token: deviceToken,
			Data: map[string]string{
				"type":       "photos_pending_review",
				"photoCount": fmt.Sprintf("%d", notification.PhotoCount),
				"batchIds":   joinBatchIDs(notification.BatchIDs),
			},
			Notification: &fcmNotification{
				Title: "Photos Ready",
				Body:  body,
			},
			Android: &fcmAndroid{
				Priority: "high",
				Notification: &fcmAndroidNotification{
					ClickAction: "OPEN_SYNC_REVIEW",
					ChannelID:   "sync_review",
				},
			},
			APNS: &fcmAPNS{
				Headers: map[string]string{
					"apns-priority":  "10",
					"apns-push-type": "alert",
				},
				Payload: &fcmAPNSPayload{
					Aps: &fcmAps{
						Alert: &fcmApsAlert{
							Title: "Photos Ready",
							Body:  body,
						},
						Sound:            "default",
						ContentAvailable: 1,
						Category:         "SYNC_REVIEW",
					},
				},
			},
		},
	}

	jsonData, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	url := fmt.Sprintf("https://fcm.googleapis.com/v1/projects/%s/messages:send", s.projectID)

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		log.Printf("FCM API error: status=%d, body=%s", resp.StatusCode, string(respBody))
		return fmt.Errorf("FCM API error: %s", string(respBody))
	}

	return nil
}
