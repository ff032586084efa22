package push

import (
	"context"
	"fmt"
	"strings"
)

// SyncNotification is the payload for a "new photos ready for review" push.
type SyncNotification struct {
	PhotoCount int
	BatchIDs   []string
}

// Sender delivers push notifications to the device that runs the review UI.
type Sender interface {
	SendSyncNotification(ctx context.Context, deviceToken string, notification SyncNotification) error
}

// NopSender drops every notification. Used when push is not configured.
type NopSender struct{}

func (NopSender) SendSyncNotification(ctx context.Context, deviceToken string, notification SyncNotification) error {
	return nil
}

func notificationBody(count int) string {
	if count == 1 {
		return "1 new photo is ready for review"
	}
	return fmt.Sprintf("%d new photos are ready for review", count)
}

func joinBatchIDs(ids []string) string {
	return strings.Join(ids, ",")
}
