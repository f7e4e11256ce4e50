// Package store provides the JobRepo interface and row model for durable jobs.
package store

import (
	"context"
	"time"
)

// JobRow is the durable record of a job that is in the system: running,
// pending start or waiting to retry. The row is deleted when the job succeeds
// or fails permanently.
type JobRow struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	JobKey     string     `json:"job_key"`
	Parameters string     `json:"parameters"`
	State      string     `json:"state"`
	Retries    int        `json:"retries"`
	WaitUntil  *time.Time `json:"wait_until"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// JobRepo defines the interface for durable job persistence.
type JobRepo interface {
	// InsertJob writes a new job row and returns its id. An empty row.ID is
	// assigned a fresh id; a row with an existing id overwrites it.
	InsertJob(ctx context.Context, row JobRow) (string, error)

	// UpdateJob stores a job's progress state and retry bookkeeping.
	// Returns ErrNotFound if the row no longer exists.
	UpdateJob(ctx context.Context, id string, state string, retries int, waitUntil *time.Time) error

	// DeleteJob removes a job row. Deleting a missing row is not an error.
	DeleteJob(ctx context.Context, id string) error

	// FindJobsDueBefore returns the rows whose wait_until is NULL or not after t,
	// oldest first.
	FindJobsDueBefore(ctx context.Context, t time.Time) ([]JobRow, error)

	// GetJob retrieves a single job by id, or nil if it does not exist.
	GetJob(ctx context.Context, id string) (*JobRow, error)

	// JobKeyExists reports whether any job row, due or not, holds key.
	JobKeyExists(ctx context.Context, key string) (bool, error)

	// CountJobs returns the number of job rows of the given kind.
	CountJobs(ctx context.Context, kind string) (int, error)
}
