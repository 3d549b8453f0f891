package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jrpool/rallytree-sub000/internal/model"
	"github.com/jrpool/rallytree-sub000/internal/serviceapi"
)

func TestRunStreamReplaysSnapshotAndCloses(t *testing.T) {
	core := newFakeCore()
	core.runs["run-9"] = serviceapi.RunSnapshot{
		RunID:    "run-9",
		Op:       "take",
		Status:   model.RunStatusComplete,
		Counters: map[string]int64{"total": 3, "changes": 2},
	}
	runtime := newTestRuntime(t, core)

	recorder := doRequest(t, runtime, http.MethodGet, "/api/v1/runs/run-9/stream", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if got := recorder.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type %q", got)
	}
	body := recorder.Body.String()
	if !strings.Contains(body, "event: progress") {
		t.Fatalf("expected counter replay, got %q", body)
	}
	if !strings.Contains(body, `"name":"total"`) || !strings.Contains(body, `"name":"changes"`) {
		t.Fatalf("expected both counters in replay, got %q", body)
	}
	if !strings.Contains(body, "event: done") || !strings.Contains(body, `"status":"completed"`) {
		t.Fatalf("expected terminal done event, got %q", body)
	}
}

func TestRunStreamUnknownRun(t *testing.T) {
	runtime := newTestRuntime(t, newFakeCore())

	recorder := doRequest(t, runtime, http.MethodGet, "/api/v1/runs/run-missing/stream", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "run_not_found") {
		t.Fatalf("expected run_not_found error, got %s", recorder.Body.String())
	}
}

func TestRunStreamRelaysLiveEvents(t *testing.T) {
	core := newFakeCore()
	core.runs["run-5"] = serviceapi.RunSnapshot{
		RunID:  "run-5",
		Op:     "take",
		Status: model.RunStatusRunning,
	}
	runtime := newTestRuntime(t, core)

	server := httptest.NewServer(runtime.server.Handler)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/runs/run-5/stream")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for runtime.broker.Publish(model.ProgressEvent{RunID: "run-5", Name: "changes", Value: 1}) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream never subscribed to the broker")
		}
		time.Sleep(10 * time.Millisecond)
	}

	buf := make([]byte, 512)
	collected := ""
	for !strings.Contains(collected, `"name":"changes"`) {
		n, err := resp.Body.Read(buf)
		collected += string(buf[:n])
		if err != nil {
			t.Fatalf("read stream: %v (collected %q)", err, collected)
		}
	}
	if !strings.Contains(collected, "event: progress") {
		t.Fatalf("expected progress event framing, got %q", collected)
	}
}
