package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jrpool/rallytree-sub000/internal/hsm"
	"github.com/jrpool/rallytree-sub000/internal/model"
	"github.com/jrpool/rallytree-sub000/internal/orchestrator"
)

// handleRunStream serves one run's progress as server-sent events. The
// stream opens with the run's current counters, then relays live events.
// Each operation declares how long its stream may stay silent; when that
// idle window passes with nothing to send, the stream closes.
func (r *Runtime) handleRunStream(w http.ResponseWriter, req *http.Request, runID string) {
	snapshot, err := r.core.RunSnapshot(req.Context(), runID)
	if err != nil {
		writeAPIError(w, http.StatusNotFound, "run_not_found", err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support flushing")
		return
	}
	idle := streamIdleTimeout(snapshot.Op)

	events, unsubscribe := r.broker.Subscribe(runID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for name, value := range snapshot.Counters {
		writeSSEEvent(w, model.ProgressEvent{RunID: runID, Name: name, Value: value})
	}
	flusher.Flush()

	// A finished run has nothing more to say once the snapshot is sent.
	if hsm.TerminalRunStatus(snapshot.Status) {
		writeSSEDone(w, snapshot.Status)
		flusher.Flush()
		return
	}

	idleTimer := time.NewTimer(idle)
	defer idleTimer.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-idleTimer.C:
			current, err := r.core.RunSnapshot(req.Context(), runID)
			if err == nil && hsm.TerminalRunStatus(current.Status) {
				writeSSEDone(w, current.Status)
				flusher.Flush()
			}
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			writeSSEEvent(w, event)
			flusher.Flush()
			if !idleTimer.Stop() {
				<-idleTimer.C
			}
			idleTimer.Reset(idle)
		}
	}
}

func streamIdleTimeout(op string) time.Duration {
	if info, ok := orchestrator.CatalogEntry(op); ok {
		return time.Duration(info.StreamIdleSec) * time.Second
	}
	return 5 * time.Second
}

func writeSSEEvent(w http.ResponseWriter, event model.ProgressEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: progress\ndata: %s\n\n", payload)
}

func writeSSEDone(w http.ResponseWriter, status model.RunStatus) {
	fmt.Fprintf(w, "event: done\ndata: {\"status\":%q}\n\n", status)
}
