package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/SearchIngest/internal/models"
	"github.com/BTreeMap/SearchIngest/internal/store"
	"github.com/BTreeMap/SearchIngest/internal/updates"
)

// Defaults for Rescanner.
const (
	DefaultRescanLimit = 8
	DefaultRescanBatch = 100
)

// JobCounter is the part of the job scheduler the rescanner reads.
type JobCounter interface {
	CountRunning(kind string) int
	KeyExists(key string) bool
}

// UpdateOfferer is the part of the update queue the rescanner writes to.
type UpdateOfferer interface {
	Offer(ctx context.Context, u updates.Update) (string, error)
	HasKey(key string) bool
}

// Rescanner periodically offers comments scans for postings whose comments
// were never scanned or whose last scan failed. It keeps at most Limit scans
// in the system at a time, counting durable job rows as well as registered
// jobs so that scans parked far in the future still count.
type Rescanner struct {
	Store store.Store
	Jobs  JobCounter
	Queue UpdateOfferer
	Limit int
	Batch int
}

// Scan offers new comments scans and returns how many were offered.
func (r *Rescanner) Scan(ctx context.Context) (int, error) {
	limit := r.Limit
	if limit <= 0 {
		limit = DefaultRescanLimit
	}
	batch := r.Batch
	if batch <= 0 {
		batch = DefaultRescanBatch
	}

	var (
		stored     int
		candidates []models.Posting
	)
	err := r.Store.View(ctx, func(tx store.Tx) error {
		var err error
		if stored, err = tx.CountJobs(ctx, KindCommentsScan); err != nil {
			return err
		}
		postings, err := tx.FindUnscanned(ctx, ScanComments, batch)
		if err != nil {
			return err
		}
		for _, p := range postings {
			held, err := tx.JobKeyExists(ctx, CommentsKey(p.Node, p.ID))
			if err != nil {
				return err
			}
			if !held {
				candidates = append(candidates, p)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("find unscanned postings: %w", err)
	}

	free := limit - max(stored, r.Jobs.CountRunning(KindCommentsScan))
	offered := 0
	for _, p := range candidates {
		if offered >= free {
			break
		}
		key := CommentsKey(p.Node, p.ID)
		if r.Jobs.KeyExists(key) || r.Queue.HasKey(key) {
			continue
		}
		u := &CommentsScanUpdate{Params: PostingParams{Node: p.Node, PostingID: p.ID}}
		if _, err := r.Queue.Offer(ctx, u); err != nil {
			return offered, err
		}
		offered++
	}

	if offered > 0 {
		slog.Info("Rescanner.Scan: comments scans offered", "count", offered, "stored", stored)
	}
	return offered, nil
}
