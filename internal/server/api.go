package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/jrpool/rallytree-sub000/internal/serviceapi"
)

func (r *Runtime) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/health", r.handleHealth)
	mux.HandleFunc("/api/v1/ops", r.handleOps)
	mux.HandleFunc("/api/v1/runs", r.handleRuns)
	mux.HandleFunc("/api/v1/runs/", r.handleRunByID)
}

func (r *Runtime) handleOps(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	ops, err := r.core.OpCatalog(req.Context())
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "catalog_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ops": ops})
}

func (r *Runtime) handleRuns(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		snapshots, err := r.core.ListRunSnapshots(req.Context())
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, "list_runs_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": snapshots})
	case http.MethodPost:
		var payload serviceapi.RunRequest
		if err := decodeJSON(req, &payload); err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
		snapshot, err := r.core.StartRun(req.Context(), payload)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "start_run_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"run": snapshot})
	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET and POST are supported")
	}
}

func (r *Runtime) handleRunByID(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	path := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/v1/runs/"), "/")
	segments := strings.Split(path, "/")
	runID := strings.TrimSpace(segments[0])
	if runID == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_run_id", "run id is required")
		return
	}
	switch {
	case len(segments) == 1:
		snapshot, err := r.core.RunSnapshot(req.Context(), runID)
		if err != nil {
			writeAPIError(w, http.StatusNotFound, "run_not_found", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"run": snapshot})
	case len(segments) == 2 && segments[1] == "stream":
		r.handleRunStream(w, req, runID)
	default:
		writeAPIError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func decodeJSON(req *http.Request, out any) error {
	decoder := json.NewDecoder(req.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeAPIError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
