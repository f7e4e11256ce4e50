package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	reason := errors.New("reason")
	tests := []struct {
		name       string
		err        error
		want       Outcome
		unexpected bool
	}{
		{name: "nil is success", err: nil, want: Succeeded},
		{name: "stop retry", err: Stop(Retry(reason)), want: RetryRequested},
		{name: "wrapped stop failure", err: fmt.Errorf("page 3: %w", Stop(Fail(reason))), want: Failed},
		{name: "recoverable remote", err: fakeRemoteErr{recoverable: true}, want: RetryRequested},
		{name: "wrapped permanent remote", err: fmt.Errorf("fetch: %w", fakeRemoteErr{}), want: Failed},
		{name: "deadline", err: context.DeadlineExceeded, want: RetryRequested},
		{name: "anything else", err: errors.New("nil pointer"), want: Failed, unexpected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, unexpected := Classify(tt.err)
			if got.Outcome != tt.want {
				t.Errorf("Classify(%v) outcome = %v, want %v", tt.err, got.Outcome, tt.want)
			}
			if unexpected != tt.unexpected {
				t.Errorf("Classify(%v) unexpected = %v, want %v", tt.err, unexpected, tt.unexpected)
			}
		})
	}
}

func TestStopError_Unwrap(t *testing.T) {
	reason := errors.New("not ready")
	err := Stop(Retry(reason))
	if !errors.Is(err, reason) {
		t.Error("Expected StopError to unwrap to its reason")
	}
	if got := Stop(Success()).Error(); got != "job stopped: succeeded" {
		t.Errorf("Unexpected message %q", got)
	}
}

func TestBase_DecodeAndKey(t *testing.T) {
	var b Base[testParams, testState]
	if err := b.Decode([]byte(`{"name":"x"}`), nil); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if b.Params.Name != "x" || b.Progress.Step != 0 {
		t.Errorf("Unexpected decoded values %+v %+v", b.Params, b.Progress)
	}
	if got := b.Key(); got != `{"name":"x"}` {
		t.Errorf("Expected default key to be the serialized parameters, got %q", got)
	}

	if err := b.Decode([]byte(`{"name":"x"}`), []byte(`{"step":3}`)); err != nil {
		t.Fatalf("Decode with state failed: %v", err)
	}
	if b.Progress.Step != 3 {
		t.Errorf("Expected step 3, got %d", b.Progress.Step)
	}

	if err := b.Decode(nil, nil); err == nil {
		t.Error("Expected error for empty parameters")
	}
	if err := b.Decode([]byte(`{"name":1}`), nil); err == nil {
		t.Error("Expected error for mistyped parameters")
	}
	if _, ok := b.RetryPolicy().(ExponentialBackoff); !ok {
		t.Errorf("Expected default exponential backoff, got %T", b.RetryPolicy())
	}
}

func TestRegistry_Kinds(t *testing.T) {
	_, reg := newHarness(nil)
	reg.Register("another", nil)
	kinds := reg.Kinds()
	if len(kinds) != 2 || kinds[0] != "another" || kinds[1] != testKind {
		t.Errorf("Unexpected kinds %v", kinds)
	}
	if _, err := reg.New("missing", nil, nil); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Expected ErrUnknownKind, got %v", err)
	}
}
