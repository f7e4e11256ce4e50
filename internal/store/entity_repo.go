package store

import (
	"context"

	"github.com/BTreeMap/SearchIngest/internal/models"
)

// EntityRepo is the narrow slice of the entity store used by ingest jobs and
// by update readiness checks.
type EntityRepo interface {
	PostingExists(ctx context.Context, node, postingID string) (bool, error)
	SavePosting(ctx context.Context, p models.Posting) error

	CommentExists(ctx context.Context, node, postingID, commentID string) (bool, error)
	SaveComment(ctx context.Context, c models.Comment) error
	DeleteComment(ctx context.Context, node, postingID, commentID string) error
	CountComments(ctx context.Context, node, postingID string) (int, error)

	// MarkScan records the outcome of the latest scan of an entry so periodic
	// scanners can decide whether to offer the work again.
	MarkScan(ctx context.Context, mark models.ScanMark) error
	// GetScan returns the latest scan mark, or nil if the entry was never scanned.
	GetScan(ctx context.Context, node, entry, scan string) (*models.ScanMark, error)
	// FindUnscanned returns up to limit postings without a successful scan of
	// the given kind, oldest first.
	FindUnscanned(ctx context.Context, scan string, limit int) ([]models.Posting, error)
}
