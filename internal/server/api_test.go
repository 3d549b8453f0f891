package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jrpool/rallytree-sub000/internal/model"
	"github.com/jrpool/rallytree-sub000/internal/orchestrator"
	"github.com/jrpool/rallytree-sub000/internal/policy"
	"github.com/jrpool/rallytree-sub000/internal/progress"
	"github.com/jrpool/rallytree-sub000/internal/serviceapi"
)

type fakeCore struct {
	runs    map[string]serviceapi.RunSnapshot
	started []serviceapi.RunRequest
}

func newFakeCore() *fakeCore {
	return &fakeCore{runs: map[string]serviceapi.RunSnapshot{}}
}

func (f *fakeCore) Shutdown() error { return nil }

func (f *fakeCore) StartRun(_ context.Context, req serviceapi.RunRequest) (serviceapi.RunSnapshot, error) {
	if err := req.Validate(); err != nil {
		return serviceapi.RunSnapshot{}, err
	}
	f.started = append(f.started, req)
	snapshot := serviceapi.RunSnapshot{
		RunID:     fmt.Sprintf("run-%d", len(f.started)),
		Op:        req.Op,
		RootRef:   req.RootRefs[0],
		Status:    model.RunStatusCreated,
		CreatedAt: time.Now(),
	}
	f.runs[snapshot.RunID] = snapshot
	return snapshot, nil
}

func (f *fakeCore) RunSnapshot(_ context.Context, runID string) (serviceapi.RunSnapshot, error) {
	snapshot, ok := f.runs[runID]
	if !ok {
		return serviceapi.RunSnapshot{}, fmt.Errorf("run %s not found", runID)
	}
	return snapshot, nil
}

func (f *fakeCore) ListRunSnapshots(_ context.Context) ([]serviceapi.RunSnapshot, error) {
	out := make([]serviceapi.RunSnapshot, 0, len(f.runs))
	for _, snapshot := range f.runs {
		out = append(out, snapshot)
	}
	return out, nil
}

func (f *fakeCore) WaitRun(_ context.Context, _ string) error { return nil }

func (f *fakeCore) OpCatalog(_ context.Context) ([]serviceapi.OpInfo, error) {
	return orchestrator.Catalog(), nil
}

func (f *fakeCore) JournalActiveRuns(_ context.Context) (int, error) { return 0, nil }

func newTestRuntime(t *testing.T, core serviceapi.Core) *Runtime {
	t.Helper()
	bus := progress.NewGoChannelBus("progress_events")
	t.Cleanup(func() { _ = bus.Close() })
	options := Options{Policy: policy.Default()}
	return newRuntimeWithCore(options, core, bus, nil)
}

func doRequest(t *testing.T, runtime *Runtime, method string, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	recorder := httptest.NewRecorder()
	runtime.server.Handler.ServeHTTP(recorder, req)
	return recorder
}

func TestStartRunEndpoint(t *testing.T) {
	core := newFakeCore()
	runtime := newTestRuntime(t, core)

	recorder := doRequest(t, runtime, http.MethodPost, "/api/v1/runs",
		`{"op":"take","root_refs":["12345"],"owner_name":"Alice"}`)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		Run serviceapi.RunSnapshot `json:"run"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response.Run.RunID == "" || response.Run.Op != "take" {
		t.Fatalf("unexpected run: %+v", response.Run)
	}
	if len(core.started) != 1 || core.started[0].OwnerName != "Alice" {
		t.Fatalf("unexpected started requests: %+v", core.started)
	}
}

func TestStartRunRejectsBadRequests(t *testing.T) {
	runtime := newTestRuntime(t, newFakeCore())

	recorder := doRequest(t, runtime, http.MethodPost, "/api/v1/runs", `{"op":`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", recorder.Code)
	}
	recorder = doRequest(t, runtime, http.MethodPost, "/api/v1/runs", `{"op":"take","bogus":true}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", recorder.Code)
	}
	recorder = doRequest(t, runtime, http.MethodPost, "/api/v1/runs", `{"op":"mangle","root_refs":["1"]}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown op, got %d", recorder.Code)
	}
	var response struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if response.Error.Code != "start_run_failed" {
		t.Fatalf("unexpected error code: %s", response.Error.Code)
	}
}

func TestGetRunEndpoints(t *testing.T) {
	core := newFakeCore()
	core.runs["run-7"] = serviceapi.RunSnapshot{
		RunID:  "run-7",
		Op:     "schedule",
		Status: model.RunStatusComplete,
	}
	runtime := newTestRuntime(t, core)

	recorder := doRequest(t, runtime, http.MethodGet, "/api/v1/runs/run-7", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	recorder = doRequest(t, runtime, http.MethodGet, "/api/v1/runs/run-missing", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing run, got %d", recorder.Code)
	}
	recorder = doRequest(t, runtime, http.MethodGet, "/api/v1/runs", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for list, got %d", recorder.Code)
	}
	var listResponse struct {
		Runs []serviceapi.RunSnapshot `json:"runs"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &listResponse); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listResponse.Runs) != 1 {
		t.Fatalf("expected one run, got %d", len(listResponse.Runs))
	}
}

func TestOpCatalogEndpoint(t *testing.T) {
	runtime := newTestRuntime(t, newFakeCore())

	recorder := doRequest(t, runtime, http.MethodGet, "/api/v1/ops", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var response struct {
		Ops []serviceapi.OpInfo `json:"ops"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode catalog: %v", err)
	}
	if len(response.Ops) != 11 {
		t.Fatalf("expected 11 operations, got %d", len(response.Ops))
	}
}

func TestHealthEndpoint(t *testing.T) {
	runtime := newTestRuntime(t, newFakeCore())

	recorder := doRequest(t, runtime, http.MethodGet, "/api/v1/health", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var response HealthResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if response.Status != "ok" {
		t.Fatalf("unexpected status: %s", response.Status)
	}
}

func TestUnknownRouteReturnsJSONError(t *testing.T) {
	runtime := newTestRuntime(t, newFakeCore())

	recorder := doRequest(t, runtime, http.MethodGet, "/api/v1/bogus", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "not_found") {
		t.Fatalf("expected json error body, got %s", recorder.Body.String())
	}
}
