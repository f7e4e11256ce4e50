// Package jobs implements the durable job scheduler: resumable units of work
// with typed parameters and progress state, persisted for as long as they are
// in the system and executed on a bounded worker pool with backing-off retries.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
)

// Outcome is the terminal signal of one job attempt.
type Outcome int

const (
	Succeeded Outcome = iota
	Failed
	RetryRequested
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case RetryRequested:
		return "retry-requested"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is what an attempt reports to the scheduler. Reason explains a
// failure or a retry request and is nil on success.
type Result struct {
	Outcome Outcome
	Reason  error
}

// Success reports that the job finished.
func Success() Result {
	return Result{Outcome: Succeeded}
}

// Fail reports a permanent failure.
func Fail(reason error) Result {
	return Result{Outcome: Failed, Reason: reason}
}

// Retry asks the scheduler to run the job again later, subject to its retry policy.
func Retry(reason error) Result {
	return Result{Outcome: RetryRequested, Reason: reason}
}

// Job is a resumable unit of work.
//
// Execute runs once per attempt on a worker. It reports its outcome through
// the returned Result; a non-nil error is classified instead (see Classify).
// Execute must re-check the store before mutating it: ordering across
// unrelated resources is not guaranteed.
type Job interface {
	// Kind names the registered factory that reconstructs the job on reload.
	Kind() string
	// Key identifies the resource the job mutates.
	Key() string
	// Describe returns a human-readable description for logs.
	Describe() string
	// Parameters returns the immutable input, serialized once at creation.
	Parameters() any
	// State returns the mutable progress record, serialized at checkpoints.
	State() any

	Execute(ctx context.Context, jc *Context) (Result, error)
	OnSuccess(ctx context.Context)
	OnFailure(ctx context.Context, reason error)
	RetryPolicy() RetryPolicy
}

// Base carries typed parameters and progress state and supplies the default
// hooks, key and retry policy. Concrete jobs embed it and implement Kind,
// Describe and Execute.
type Base[P, S any] struct {
	Params   P
	Progress S
}

func (b *Base[P, S]) Parameters() any { return b.Params }

func (b *Base[P, S]) State() any { return &b.Progress }

// Key defaults to the serialized parameters.
func (b *Base[P, S]) Key() string {
	data, err := json.Marshal(b.Params)
	if err != nil {
		return fmt.Sprintf("%v", b.Params)
	}
	return string(data)
}

func (b *Base[P, S]) OnSuccess(context.Context) {}

func (b *Base[P, S]) OnFailure(context.Context, error) {}

func (b *Base[P, S]) RetryPolicy() RetryPolicy { return DefaultRetryPolicy() }

// Decode fills parameters and state from their serialized form. Empty state
// leaves the zero value.
func (b *Base[P, S]) Decode(parameters, state json.RawMessage) error {
	if len(parameters) == 0 {
		return fmt.Errorf("job parameters are empty")
	}
	if err := json.Unmarshal(parameters, &b.Params); err != nil {
		return fmt.Errorf("decode job parameters: %w", err)
	}
	if len(state) == 0 || string(state) == "null" {
		return nil
	}
	if err := json.Unmarshal(state, &b.Progress); err != nil {
		return fmt.Errorf("decode job state: %w", err)
	}
	return nil
}

// Context is handed to Execute for the duration of one attempt.
type Context struct {
	s *Scheduler
	e *entry
}

// ID returns the job's durable id.
func (c *Context) ID() string {
	return c.e.id
}

// Retries returns the number of attempts made since the last checkpoint.
func (c *Context) Retries() int {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.e.retries
}

// Checkpoint durably stores the job's current state and resets its retry
// bookkeeping, so that a crash after this point resumes from here.
func (c *Context) Checkpoint(ctx context.Context) error {
	return c.s.checkpoint(ctx, c.e)
}
