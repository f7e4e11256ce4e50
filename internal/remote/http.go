package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Defaults for HTTPClient.
const (
	DefaultTimeout         = 30 * time.Second
	DefaultNodeURLTemplate = "https://{node}/api"
	maxBodyBytes           = 4 << 20
)

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) HTTPOption {
	return func(c *HTTPClient) {
		c.token = token
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		c.http = hc
	}
}

// HTTPClient talks to remote nodes over HTTP with JSON bodies. The node's
// API root is built from a URL template in which {node} is replaced by the
// node name.
type HTTPClient struct {
	http        *http.Client
	urlTemplate string
	token       string
	timeout     time.Duration
}

// NewHTTPClient creates a client for the given node URL template.
func NewHTTPClient(urlTemplate string, opts ...HTTPOption) *HTTPClient {
	if urlTemplate == "" {
		urlTemplate = DefaultNodeURLTemplate
	}
	c := &HTTPClient{
		http:        &http.Client{},
		urlTemplate: strings.TrimRight(urlTemplate, "/"),
		timeout:     DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Posting fetches a posting.
func (c *HTTPClient) Posting(ctx context.Context, node, postingID string) (*PostingInfo, error) {
	var p PostingInfo
	path := "/postings/" + url.PathEscape(postingID)
	if err := c.get(ctx, node, "posting", path, nil, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, &Error{Kind: KindInvalid, Node: node, Op: "posting", Err: errors.New("posting id is missing")}
	}
	return &p, nil
}

// Comment fetches a single comment.
func (c *HTTPClient) Comment(ctx context.Context, node, postingID, commentID string) (*CommentInfo, error) {
	var cm CommentInfo
	path := "/postings/" + url.PathEscape(postingID) + "/comments/" + url.PathEscape(commentID)
	if err := c.get(ctx, node, "comment", path, nil, &cm); err != nil {
		return nil, err
	}
	if cm.ID == "" {
		return nil, &Error{Kind: KindInvalid, Node: node, Op: "comment", Err: errors.New("comment id is missing")}
	}
	if cm.PostingID == "" {
		cm.PostingID = postingID
	}
	return &cm, nil
}

// CommentsSlice fetches the page of comments following the moment after.
func (c *HTTPClient) CommentsSlice(ctx context.Context, node, postingID string, after int64, limit int) (*CommentsSlice, error) {
	var s CommentsSlice
	path := "/postings/" + url.PathEscape(postingID) + "/comments"
	query := url.Values{}
	query.Set("after", strconv.FormatInt(after, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if err := c.get(ctx, node, "comments-slice", path, query, &s); err != nil {
		return nil, err
	}
	for i := range s.Comments {
		if s.Comments[i].PostingID == "" {
			s.Comments[i].PostingID = postingID
		}
	}
	return &s, nil
}

func (c *HTTPClient) nodeURL(node, path string, query url.Values) (string, error) {
	if node == "" || strings.ContainsAny(node, "/?#@") {
		return "", fmt.Errorf("invalid node name %q", node)
	}
	u := strings.ReplaceAll(c.urlTemplate, "{node}", node) + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u, nil
}

// remoteFailure is the error body a node answers with.
type remoteFailure struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

func (c *HTTPClient) get(ctx context.Context, node, op, path string, query url.Values, out any) error {
	target, err := c.nodeURL(node, path, query)
	if err != nil {
		return &Error{Kind: KindInvalid, Node: node, Op: op, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return &Error{Kind: KindInvalid, Node: node, Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	slog.Debug("HTTPClient.get: request", "node", node, "op", op, "url", target)
	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: KindNetwork, Node: node, Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &Error{Kind: KindNetwork, Node: node, Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := &Error{Kind: KindStatus, Node: node, Op: op, StatusCode: resp.StatusCode}
		var failure remoteFailure
		if json.Unmarshal(body, &failure) == nil {
			e.Code = failure.ErrorCode
			e.Message = failure.Message
		}
		return e
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Kind: KindInvalid, Node: node, Op: op, Err: err}
	}
	return nil
}
