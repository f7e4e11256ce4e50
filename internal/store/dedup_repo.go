// Package store provides the NotificationRepo interface for inbound notification deduplication.
package store

import (
	"context"
	"time"
)

// NotificationRecord represents an inbound notification deduplication record.
type NotificationRecord struct {
	NotificationID string    `json:"notification_id"`
	Node           string    `json:"node"`
	ReceivedAt     time.Time `json:"received_at"`
}

// NotificationRepo defines the interface for inbound notification deduplication.
// Remote nodes may deliver the same notification more than once.
type NotificationRepo interface {
	// RecordNotification inserts a new notification record. Ids are scoped to
	// the sending node. Returns false if the node already delivered the id.
	RecordNotification(ctx context.Context, notificationID, node string) (bool, error)
}
