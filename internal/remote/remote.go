// Package remote is the client boundary towards remote nodes. Every failure
// is reported as an *Error that knows whether retrying can help.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// PostingInfo is a posting as returned by a remote node.
type PostingInfo struct {
	ID        string `json:"id"`
	OwnerName string `json:"ownerName"`
	Heading   string `json:"heading"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"createdAt"`
	EditedAt  int64  `json:"editedAt"`
}

// CommentInfo is a comment as returned by a remote node.
type CommentInfo struct {
	ID          string `json:"id"`
	PostingID   string `json:"postingId"`
	OwnerName   string `json:"ownerName"`
	RepliedToID string `json:"repliedToId,omitempty"`
	Body        string `json:"body"`
	Moment      int64  `json:"moment"`
	CreatedAt   int64  `json:"createdAt"`
}

// CommentsSlice is one page of a posting's comments ordered by moment.
// After is the moment to pass to fetch the next page; it is zero on the last page.
type CommentsSlice struct {
	Comments []CommentInfo `json:"comments"`
	After    int64         `json:"after"`
	Total    int           `json:"total"`
}

// Client performs typed calls against remote nodes.
type Client interface {
	Posting(ctx context.Context, node, postingID string) (*PostingInfo, error)
	Comment(ctx context.Context, node, postingID, commentID string) (*CommentInfo, error)
	CommentsSlice(ctx context.Context, node, postingID string, after int64, limit int) (*CommentsSlice, error)
}

// Time converts a remote timestamp in seconds to UTC time.
func Time(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// ErrorKind tells where a remote call failed.
type ErrorKind int

const (
	// KindNetwork covers transport failures and timeouts.
	KindNetwork ErrorKind = iota
	// KindStatus is an error status answered by the node.
	KindStatus
	// KindInvalid is a response that could not be decoded or validated.
	KindInvalid
)

// Error is a failed remote call.
type Error struct {
	Kind       ErrorKind
	Node       string
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStatus:
		if e.Code != "" {
			return fmt.Sprintf("remote %s %s: status %d: %s: %s", e.Node, e.Op, e.StatusCode, e.Code, e.Message)
		}
		return fmt.Sprintf("remote %s %s: status %d", e.Node, e.Op, e.StatusCode)
	case KindInvalid:
		return fmt.Sprintf("remote %s %s: invalid response: %v", e.Node, e.Op, e.Err)
	default:
		return fmt.Sprintf("remote %s %s: %v", e.Node, e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Recoverable reports whether the same call may succeed later: timeouts,
// transport failures, server errors and throttling are recoverable; unknown
// targets, validation and authentication failures are not.
func (e *Error) Recoverable() bool {
	switch e.Kind {
	case KindNetwork:
		return true
	case KindStatus:
		return e.StatusCode >= 500 ||
			e.StatusCode == http.StatusTooManyRequests ||
			e.StatusCode == http.StatusRequestTimeout
	default:
		return false
	}
}

// IsNotFound reports whether err is a remote "not found" or "gone" answer.
func IsNotFound(err error) bool {
	var re *Error
	if !errors.As(err, &re) || re.Kind != KindStatus {
		return false
	}
	return re.StatusCode == http.StatusNotFound || re.StatusCode == http.StatusGone
}
