// Package ingest defines the concrete ingestion work: the jobs that fetch
// postings and comments from remote nodes into the entity store, and the
// pending updates that start them in dependency order.
package ingest

// Job kinds.
const (
	KindPostingIngest = "posting-ingest"
	KindCommentIngest = "comment-ingest"
	KindCommentDelete = "comment-delete"
	KindCommentsScan  = "comments-scan"
)

// Update kinds.
const (
	UpdatePostingAdded   = "posting-added"
	UpdateCommentAdded   = "comment-added"
	UpdateCommentDeleted = "comment-deleted"
	UpdateCommentsScan   = "comments-scan"
)

// Scan names recorded in scan marks.
const (
	ScanPosting  = "posting"
	ScanComment  = "comment"
	ScanComments = "comments"
)

// EntryKey is the resource key of a posting.
func EntryKey(node, postingID string) string {
	return "entry:" + node + ":p-" + postingID
}

// CommentKey is the resource key of a comment.
func CommentKey(node, postingID, commentID string) string {
	return EntryKey(node, postingID) + ":c-" + commentID
}

// CommentsKey is the resource key of a posting's comment list.
func CommentsKey(node, postingID string) string {
	return "comments:" + node + ":p-" + postingID
}

// PostingParams addresses a posting on a node.
type PostingParams struct {
	Node      string `json:"node"`
	PostingID string `json:"postingId"`
}

// CommentParams addresses a comment on a node.
type CommentParams struct {
	Node      string `json:"node"`
	PostingID string `json:"postingId"`
	CommentID string `json:"commentId"`
}
