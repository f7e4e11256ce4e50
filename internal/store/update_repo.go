package store

import (
	"context"
	"time"
)

// PendingUpdateRow is the durable record of an update waiting in the queue.
type PendingUpdateRow struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Parameters string    `json:"parameters"`
	CreatedAt  time.Time `json:"created_at"`
}

// PendingUpdateRepo defines the interface for update queue persistence.
type PendingUpdateRepo interface {
	// InsertPendingUpdate writes an update row, overwriting a row with the same id.
	InsertPendingUpdate(ctx context.Context, row PendingUpdateRow) error

	// DeletePendingUpdate removes an update row. Deleting a missing row is not an error.
	DeletePendingUpdate(ctx context.Context, id string) error

	// FindPendingUpdates returns all update rows ordered by creation time.
	FindPendingUpdates(ctx context.Context) ([]PendingUpdateRow, error)
}
