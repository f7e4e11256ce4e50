package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SearchIngest/internal/jobs"
	"github.com/BTreeMap/SearchIngest/internal/models"
	"github.com/BTreeMap/SearchIngest/internal/remote"
	"github.com/BTreeMap/SearchIngest/internal/store"
)

// DefaultPageSize is the number of comments fetched per page by a scan.
const DefaultPageSize = 50

// Deps are the collaborators shared by the ingest jobs.
type Deps struct {
	Store    store.Store
	Client   remote.Client
	PageSize int
	Now      func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Deps) pageSize() int {
	if d.PageSize > 0 {
		return d.PageSize
	}
	return DefaultPageSize
}

// mark records a scan outcome. Failures to record are only logged: the mark
// steers later rescans and does not affect the job's own outcome.
func (d *Deps) mark(ctx context.Context, node, entry, scan string, reason error) {
	m := models.ScanMark{Node: node, Entry: entry, Scan: scan, Succeeded: reason == nil, At: d.now()}
	if reason != nil {
		m.Reason = reason.Error()
	}
	err := d.Store.Update(ctx, func(tx store.Tx) error {
		return tx.MarkScan(ctx, m)
	})
	if err != nil {
		slog.Error("Deps.mark: failed to record scan mark", "node", node, "entry", entry, "scan", scan, "error", err)
	}
}

func (d *Deps) postingExists(ctx context.Context, node, postingID string) (bool, error) {
	var ok bool
	err := d.Store.View(ctx, func(tx store.Tx) error {
		var err error
		ok, err = tx.PostingExists(ctx, node, postingID)
		return err
	})
	return ok, err
}

func commentEntry(postingID, commentID string) string {
	return postingID + "/" + commentID
}

func toComment(node string, c remote.CommentInfo) models.Comment {
	return models.Comment{
		Node:        node,
		PostingID:   c.PostingID,
		ID:          c.ID,
		OwnerName:   c.OwnerName,
		RepliedToID: c.RepliedToID,
		Body:        c.Body,
		Moment:      c.Moment,
		CreatedAt:   remote.Time(c.CreatedAt),
	}
}

// PostingIngestJob fetches a posting and stores it.
type PostingIngestJob struct {
	jobs.Base[PostingParams, struct{}]
	deps *Deps
}

func (j *PostingIngestJob) Kind() string { return KindPostingIngest }

func (j *PostingIngestJob) Key() string { return EntryKey(j.Params.Node, j.Params.PostingID) }

func (j *PostingIngestJob) Describe() string {
	return fmt.Sprintf("ingest posting %s at %s", j.Params.PostingID, j.Params.Node)
}

func (j *PostingIngestJob) Execute(ctx context.Context, _ *jobs.Context) (jobs.Result, error) {
	info, err := j.deps.Client.Posting(ctx, j.Params.Node, j.Params.PostingID)
	if err != nil {
		return jobs.Result{}, err
	}
	if info.ID != j.Params.PostingID {
		return jobs.Fail(fmt.Errorf("node answered with posting %q", info.ID)), nil
	}

	p := models.Posting{
		Node:      j.Params.Node,
		ID:        info.ID,
		OwnerName: info.OwnerName,
		Heading:   info.Heading,
		Body:      info.Body,
		CreatedAt: remote.Time(info.CreatedAt),
	}
	err = j.deps.Store.Update(ctx, func(tx store.Tx) error {
		return tx.SavePosting(ctx, p)
	})
	if err != nil {
		return jobs.Result{}, fmt.Errorf("save posting: %w", err)
	}
	return jobs.Success(), nil
}

func (j *PostingIngestJob) OnSuccess(ctx context.Context) {
	j.deps.mark(ctx, j.Params.Node, j.Params.PostingID, ScanPosting, nil)
}

func (j *PostingIngestJob) OnFailure(ctx context.Context, reason error) {
	j.deps.mark(ctx, j.Params.Node, j.Params.PostingID, ScanPosting, reason)
}

// CommentIngestJob fetches a single comment and stores it once its posting
// and, for a reply, the replied-to comment are stored.
type CommentIngestJob struct {
	jobs.Base[CommentParams, struct{}]
	deps *Deps
}

func (j *CommentIngestJob) Kind() string { return KindCommentIngest }

func (j *CommentIngestJob) Key() string {
	return CommentKey(j.Params.Node, j.Params.PostingID, j.Params.CommentID)
}

func (j *CommentIngestJob) Describe() string {
	return fmt.Sprintf("ingest comment %s of posting %s at %s", j.Params.CommentID, j.Params.PostingID, j.Params.Node)
}

func (j *CommentIngestJob) RetryPolicy() jobs.RetryPolicy {
	return jobs.CountLimited{Max: 5, Period: time.Minute}
}

func (j *CommentIngestJob) Execute(ctx context.Context, _ *jobs.Context) (jobs.Result, error) {
	p := j.Params
	ok, err := j.deps.postingExists(ctx, p.Node, p.PostingID)
	if err != nil {
		return jobs.Result{}, fmt.Errorf("check posting: %w", err)
	}
	if !ok {
		return jobs.Retry(errors.New("posting is not stored yet")), nil
	}

	info, err := j.deps.Client.Comment(ctx, p.Node, p.PostingID, p.CommentID)
	if err != nil {
		return jobs.Result{}, err
	}
	c := toComment(p.Node, *info)

	var result jobs.Result
	err = j.deps.Store.Update(ctx, func(tx store.Tx) error {
		if c.RepliedToID != "" {
			parent, err := tx.CommentExists(ctx, p.Node, p.PostingID, c.RepliedToID)
			if err != nil {
				return err
			}
			if !parent {
				result = jobs.Retry(fmt.Errorf("replied-to comment %s is not stored yet", c.RepliedToID))
				return nil
			}
		}
		result = jobs.Success()
		return tx.SaveComment(ctx, c)
	})
	if err != nil {
		return jobs.Result{}, fmt.Errorf("save comment: %w", err)
	}
	return result, nil
}

func (j *CommentIngestJob) OnSuccess(ctx context.Context) {
	j.deps.mark(ctx, j.Params.Node, commentEntry(j.Params.PostingID, j.Params.CommentID), ScanComment, nil)
}

func (j *CommentIngestJob) OnFailure(ctx context.Context, reason error) {
	j.deps.mark(ctx, j.Params.Node, commentEntry(j.Params.PostingID, j.Params.CommentID), ScanComment, reason)
}

// CommentDeleteJob removes a comment the node reported as deleted.
type CommentDeleteJob struct {
	jobs.Base[CommentParams, struct{}]
	deps *Deps
}

func (j *CommentDeleteJob) Kind() string { return KindCommentDelete }

func (j *CommentDeleteJob) Key() string {
	return CommentKey(j.Params.Node, j.Params.PostingID, j.Params.CommentID)
}

func (j *CommentDeleteJob) Describe() string {
	return fmt.Sprintf("delete comment %s of posting %s at %s", j.Params.CommentID, j.Params.PostingID, j.Params.Node)
}

func (j *CommentDeleteJob) RetryPolicy() jobs.RetryPolicy { return jobs.NoRetry{} }

func (j *CommentDeleteJob) Execute(ctx context.Context, _ *jobs.Context) (jobs.Result, error) {
	p := j.Params
	err := j.deps.Store.Update(ctx, func(tx store.Tx) error {
		return tx.DeleteComment(ctx, p.Node, p.PostingID, p.CommentID)
	})
	if err != nil {
		return jobs.Result{}, fmt.Errorf("delete comment: %w", err)
	}
	return jobs.Success(), nil
}

// ScanProgress is the checkpointed position of a comments scan.
type ScanProgress struct {
	After int64 `json:"after"`
	Pages int   `json:"pages"`
	Saved int   `json:"saved"`
}

// CommentsScanJob pages through all comments of a posting and stores the
// missing ones. It checkpoints after every page, so a restarted scan resumes
// at the first page not yet stored.
type CommentsScanJob struct {
	jobs.Base[PostingParams, ScanProgress]
	deps *Deps
}

func (j *CommentsScanJob) Kind() string { return KindCommentsScan }

func (j *CommentsScanJob) Key() string { return CommentsKey(j.Params.Node, j.Params.PostingID) }

func (j *CommentsScanJob) Describe() string {
	return fmt.Sprintf("scan comments of posting %s at %s (after %d)", j.Params.PostingID, j.Params.Node, j.Progress.After)
}

func (j *CommentsScanJob) Execute(ctx context.Context, jc *jobs.Context) (jobs.Result, error) {
	p := j.Params
	ok, err := j.deps.postingExists(ctx, p.Node, p.PostingID)
	if err != nil {
		return jobs.Result{}, fmt.Errorf("check posting: %w", err)
	}
	if !ok {
		return jobs.Retry(errors.New("posting is not stored yet")), nil
	}

	for {
		slice, err := j.deps.Client.CommentsSlice(ctx, p.Node, p.PostingID, j.Progress.After, j.deps.pageSize())
		if err != nil {
			return jobs.Result{}, err
		}

		saved := 0
		err = j.deps.Store.Update(ctx, func(tx store.Tx) error {
			saved = 0
			for _, info := range slice.Comments {
				exists, err := tx.CommentExists(ctx, p.Node, p.PostingID, info.ID)
				if err != nil {
					return err
				}
				if exists {
					continue
				}
				if err := tx.SaveComment(ctx, toComment(p.Node, info)); err != nil {
					return err
				}
				saved++
			}
			return nil
		})
		if err != nil {
			return jobs.Result{}, fmt.Errorf("save comments page: %w", err)
		}

		last := len(slice.Comments) == 0 || slice.After <= j.Progress.After
		if !last {
			j.Progress.After = slice.After
		}
		j.Progress.Pages++
		j.Progress.Saved += saved
		if err := jc.Checkpoint(ctx); err != nil {
			return jobs.Result{}, err
		}
		if last {
			break
		}
	}

	slog.Info("CommentsScanJob.Execute: scan complete", "node", p.Node, "posting", p.PostingID,
		"pages", j.Progress.Pages, "saved", j.Progress.Saved)
	return jobs.Success(), nil
}

func (j *CommentsScanJob) OnSuccess(ctx context.Context) {
	j.deps.mark(ctx, j.Params.Node, j.Params.PostingID, ScanComments, nil)
}

func (j *CommentsScanJob) OnFailure(ctx context.Context, reason error) {
	j.deps.mark(ctx, j.Params.Node, j.Params.PostingID, ScanComments, reason)
}
