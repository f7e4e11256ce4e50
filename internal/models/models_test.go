package models

import (
	"encoding/json"
	"testing"
)

func TestAPIResponseBuilders(t *testing.T) {
	tests := []struct {
		name   string
		resp   APIResponse
		status APIStatus
	}{
		{"success", Success(map[string]int{"pending": 1}), APIStatusOK},
		{"error", Error("bad request"), APIStatusError},
		{"accepted", Accepted(nil), APIStatusAccepted},
		{"duplicate", Duplicate("already seen"), APIStatusDuplicate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.resp.Status != string(tt.status) {
				t.Errorf("expected status %q, got %q", tt.status, tt.resp.Status)
			}
		})
	}
}

func TestAPIResponseOmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(Accepted(nil))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"status":"accepted"}` {
		t.Errorf("unexpected JSON: %s", data)
	}
}
