package jobs

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownKind is returned when no factory is registered for a job kind.
var ErrUnknownKind = errors.New("unknown job kind")

// StopError carries an explicit outcome through ordinary error returns, so
// helpers deep inside Execute can end the attempt with a specific Result.
type StopError struct {
	Result Result
}

func (e *StopError) Error() string {
	if e.Result.Reason == nil {
		return "job stopped: " + e.Result.Outcome.String()
	}
	return fmt.Sprintf("job stopped: %s: %v", e.Result.Outcome, e.Result.Reason)
}

func (e *StopError) Unwrap() error {
	return e.Result.Reason
}

// Stop wraps a Result as an error.
func Stop(r Result) error {
	return &StopError{Result: r}
}

// recoverable is implemented by remote-peer errors.
type recoverable interface {
	Recoverable() bool
}

// Classify converts an error returned from Execute into a Result:
// stop signals map to their outcome, recoverable remote errors and timeouts
// to a retry, non-recoverable remote errors to a failure. The second return
// value is true when the error matched none of those and should be treated
// as an unexpected failure.
func Classify(err error) (Result, bool) {
	if err == nil {
		return Success(), false
	}

	var stop *StopError
	if errors.As(err, &stop) {
		return stop.Result, false
	}

	var r recoverable
	if errors.As(err, &r) {
		if r.Recoverable() {
			return Retry(err), false
		}
		return Fail(err), false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Retry(err), false
	}

	return Fail(err), true
}
