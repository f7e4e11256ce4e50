// Package testutil provides common test utilities and helpers for SearchIngest tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/SearchIngest/internal/store"
)

// TB is the subset of testing.TB used by the assertion helpers.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
	Fatalf(format string, args ...interface{})
}

// NewSQLiteStore opens a SQLite store in a fresh temp directory and closes it
// when the test ends.
func NewSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "state.db")
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
	if err != nil {
		t.Fatalf("failed to create SQLite store: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// Eventually polls cond every few milliseconds until it returns true or the
// timeout expires, in which case the test fails with msg.
func Eventually(t TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v: %s", timeout, msg)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// JobRows returns every job row in the store regardless of its wait time.
func JobRows(t TB, st store.Store) []store.JobRow {
	t.Helper()
	var rows []store.JobRow
	err := st.View(context.Background(), func(tx store.Tx) error {
		var err error
		rows, err = tx.FindJobsDueBefore(context.Background(), time.Now().AddDate(100, 0, 0))
		return err
	})
	if err != nil {
		t.Fatalf("failed to list job rows: %v", err)
	}
	return rows
}

// PendingRows returns every pending update row in the store, oldest first.
func PendingRows(t TB, st store.Store) []store.PendingUpdateRow {
	t.Helper()
	var rows []store.PendingUpdateRow
	err := st.View(context.Background(), func(tx store.Tx) error {
		var err error
		rows, err = tx.FindPendingUpdates(context.Background())
		return err
	})
	if err != nil {
		t.Fatalf("failed to list pending updates: %v", err)
	}
	return rows
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}
