package ingest

import (
	"context"

	"github.com/BTreeMap/SearchIngest/internal/store"
	"github.com/BTreeMap/SearchIngest/internal/updates"
)

// PostingAddedUpdate starts a posting ingest.
type PostingAddedUpdate struct {
	updates.Always
	Params PostingParams
}

func (u *PostingAddedUpdate) Kind() string       { return UpdatePostingAdded }
func (u *PostingAddedUpdate) JobKind() string    { return KindPostingIngest }
func (u *PostingAddedUpdate) JobParameters() any { return u.Params }
func (u *PostingAddedUpdate) JobKey() string     { return EntryKey(u.Params.Node, u.Params.PostingID) }
func (u *PostingAddedUpdate) WaitKeys() []string { return nil }

// CommentAddedUpdate starts a comment ingest once its posting is stored and
// no job for the posting is in flight.
type CommentAddedUpdate struct {
	Params CommentParams
}

func (u *CommentAddedUpdate) Kind() string       { return UpdateCommentAdded }
func (u *CommentAddedUpdate) JobKind() string    { return KindCommentIngest }
func (u *CommentAddedUpdate) JobParameters() any { return u.Params }

func (u *CommentAddedUpdate) JobKey() string {
	return CommentKey(u.Params.Node, u.Params.PostingID, u.Params.CommentID)
}

func (u *CommentAddedUpdate) WaitKeys() []string {
	return []string{EntryKey(u.Params.Node, u.Params.PostingID)}
}

func (u *CommentAddedUpdate) IsReady(ctx context.Context, tx store.Tx) (bool, error) {
	return tx.PostingExists(ctx, u.Params.Node, u.Params.PostingID)
}

// CommentDeletedUpdate starts a comment delete. It shares the comment's key,
// so it never overtakes an earlier add of the same comment.
type CommentDeletedUpdate struct {
	updates.Always
	Params CommentParams
}

func (u *CommentDeletedUpdate) Kind() string       { return UpdateCommentDeleted }
func (u *CommentDeletedUpdate) JobKind() string    { return KindCommentDelete }
func (u *CommentDeletedUpdate) JobParameters() any { return u.Params }

func (u *CommentDeletedUpdate) JobKey() string {
	return CommentKey(u.Params.Node, u.Params.PostingID, u.Params.CommentID)
}

func (u *CommentDeletedUpdate) WaitKeys() []string { return nil }

// CommentsScanUpdate starts a comments scan once the posting is stored.
type CommentsScanUpdate struct {
	Params PostingParams
}

func (u *CommentsScanUpdate) Kind() string       { return UpdateCommentsScan }
func (u *CommentsScanUpdate) JobKind() string    { return KindCommentsScan }
func (u *CommentsScanUpdate) JobParameters() any { return u.Params }
func (u *CommentsScanUpdate) JobKey() string     { return CommentsKey(u.Params.Node, u.Params.PostingID) }

func (u *CommentsScanUpdate) WaitKeys() []string {
	return []string{EntryKey(u.Params.Node, u.Params.PostingID)}
}

func (u *CommentsScanUpdate) IsReady(ctx context.Context, tx store.Tx) (bool, error) {
	return tx.PostingExists(ctx, u.Params.Node, u.Params.PostingID)
}
