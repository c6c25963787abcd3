package httputil

import (
	"errors"
	"strings"
	"testing"
)

func TestMockClientReplaysQueuedResponses(t *testing.T) {
	m := NewMockHTTPClient().
		AddResponse(201, `{"ok":true}`).
		AddErrorResponse(errors.New("connection refused"))

	resp, err := m.Post("http://collector/sessions/abc", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("first post: %v", err)
	}
	if resp.StatusCode != 201 {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}
	resp.Body.Close()

	if _, err := m.Post("http://collector/sessions/abc", "application/json", nil); err == nil {
		t.Error("expected queued error on second post")
	}

	// Exhausted queue answers 200.
	resp, err = m.Post("http://collector/sessions/abc", "application/json", nil)
	if err != nil || resp.StatusCode != 200 {
		t.Errorf("default response = %v, %v", resp, err)
	}
}

func TestMockClientRecordsRequests(t *testing.T) {
	m := NewMockHTTPClient()
	if _, err := m.Post("http://collector/sessions/xyz", "application/json", nil); err != nil {
		t.Fatalf("post: %v", err)
	}
	reqs := m.Requests()
	if len(reqs) != 1 {
		t.Fatalf("recorded %d requests, want 1", len(reqs))
	}
	if reqs[0].URL.Path != "/sessions/xyz" {
		t.Errorf("path = %s", reqs[0].URL.Path)
	}
	if ct := reqs[0].Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %s", ct)
	}
}
