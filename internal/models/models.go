// Package models defines the entity records and API response types shared
// across SearchIngest packages.
package models

import "time"

// Posting is a posting stored from a remote node.
type Posting struct {
	Node      string    `json:"node"`
	ID        string    `json:"id"`
	OwnerName string    `json:"owner_name"`
	Heading   string    `json:"heading"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Comment is a comment on a posting stored from a remote node.
// RepliedToID is empty for top-level comments.
type Comment struct {
	Node        string    `json:"node"`
	PostingID   string    `json:"posting_id"`
	ID          string    `json:"id"`
	OwnerName   string    `json:"owner_name"`
	RepliedToID string    `json:"replied_to_id,omitempty"`
	Body        string    `json:"body"`
	Moment      int64     `json:"moment"`
	CreatedAt   time.Time `json:"created_at"`
}

// ScanMark records the outcome of the latest scan of an entry.
// Entry is the posting id (or comment path) the scan covered and Scan names
// the kind of scan, e.g. "posting" or "comments".
type ScanMark struct {
	Node      string    `json:"node"`
	Entry     string    `json:"entry"`
	Scan      string    `json:"scan"`
	Succeeded bool      `json:"succeeded"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// API Response types for consistent JSON responses

// APIStatus is the status field of an API response.
type APIStatus string

const (
	APIStatusOK        APIStatus = "ok"
	APIStatusError     APIStatus = "error"
	APIStatusAccepted  APIStatus = "accepted"
	APIStatusDuplicate APIStatus = "duplicate"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Accepted creates a response for a notification that was queued.
func Accepted(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusAccepted).
		WithResult(result).
		Build()
}

// Duplicate creates a response for a notification that was already seen.
func Duplicate(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusDuplicate).
		WithMessage(message).
		Build()
}
