package trailsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAppendEventSendsActorAndDecodes(t *testing.T) {
	var gotPath, gotActor string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotActor = r.Header.Get("X-Actor-Id")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"event":{"event_id":"e1","sequence":3,"event_type":"ci_passed"},"verdict":{"kind":"ready"},"proposed":true,"job":{"job_id":"j1","status":"scheduled"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "pm@example.com")
	res, err := c.AppendEvent(context.Background(), "PROJ 1", Evidence{TaskID: "ignored", WorkspaceID: "ws", EventType: "ci_passed"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if gotPath != "/v1/tasks/PROJ 1/events" {
		t.Fatalf("path %q", gotPath)
	}
	if gotActor != "pm@example.com" {
		t.Fatalf("actor header %q", gotActor)
	}
	if _, ok := gotBody["task_id"]; ok {
		t.Fatalf("task id belongs in the path, body was %v", gotBody)
	}
	if !res.Proposed || res.Job == nil || res.Job.JobID != "j1" || res.Event.Sequence != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestErrorEnvelopeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"already_fired","message":"closure job already fired"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "pm").VetoJob(context.Background(), "j1", "late")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "already_fired" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}
