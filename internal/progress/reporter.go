package progress

import (
	"strings"
	"sync"
	"time"

	"github.com/jrpool/rallytree-sub000/internal/model"
)

// Delta is one counter increment. A zero Amount means 1.
type Delta struct {
	Name   string
	Amount int64
}

func D(name string) Delta {
	return Delta{Name: name}
}

func N(name string, amount int64) Delta {
	return Delta{Name: name, Amount: amount}
}

// Reporter owns one run's counters. Operations only ever write; every call
// publishes the changed counters synchronously, with no batching window. The
// doc snapshot is the single debounced exception.
type Reporter struct {
	runID    string
	bus      *Bus
	docQuiet time.Duration

	mu       sync.Mutex
	counters map[string]int64

	docMu      sync.Mutex
	docPending string
	docTimer   *time.Timer
	docClosed  bool
}

func NewReporter(bus *Bus, runID string, docQuiet time.Duration) *Reporter {
	if docQuiet <= 0 {
		docQuiet = 300 * time.Millisecond
	}
	return &Reporter{
		runID:    runID,
		bus:      bus,
		docQuiet: docQuiet,
		counters: map[string]int64{},
	}
}

// Report atomically applies the deltas and pushes one event per changed
// counter carrying its new running value.
func (r *Reporter) Report(deltas ...Delta) {
	events := make([]model.ProgressEvent, 0, len(deltas))
	r.mu.Lock()
	for _, delta := range deltas {
		amount := delta.Amount
		if amount == 0 {
			amount = 1
		}
		r.counters[delta.Name] += amount
		events = append(events, model.ProgressEvent{
			RunID: r.runID,
			Name:  delta.Name,
			Value: r.counters[delta.Name],
		})
	}
	r.mu.Unlock()
	for _, event := range events {
		_ = r.bus.Publish(event)
	}
}

// Error pushes the error event carrying the message. The stream keeps
// working; whether the run continues is the run state's business.
func (r *Reporter) Error(message string) {
	r.mu.Lock()
	r.counters[model.CounterError]++
	value := r.counters[model.CounterError]
	r.mu.Unlock()
	_ = r.bus.Publish(model.ProgressEvent{
		RunID:   r.runID,
		Name:    model.CounterError,
		Value:   value,
		Payload: strings.TrimSpace(message),
	})
}

// Document stages a tree snapshot. Only the most recent snapshot within the
// quiet window is actually sent.
func (r *Reporter) Document(snapshot string) {
	r.docMu.Lock()
	defer r.docMu.Unlock()
	if r.docClosed {
		return
	}
	r.docPending = snapshot
	if r.docTimer != nil {
		r.docTimer.Stop()
	}
	r.docTimer = time.AfterFunc(r.docQuiet, r.flushDocument)
}

func (r *Reporter) flushDocument() {
	r.docMu.Lock()
	snapshot := r.docPending
	r.docPending = ""
	r.docMu.Unlock()
	if snapshot == "" {
		return
	}
	r.mu.Lock()
	r.counters[model.CounterDoc]++
	value := r.counters[model.CounterDoc]
	r.mu.Unlock()
	_ = r.bus.Publish(model.ProgressEvent{
		RunID:   r.runID,
		Name:    model.CounterDoc,
		Value:   value,
		Payload: snapshot,
	})
}

// Snapshot copies the current counter values. The engine and the journal
// worker read it; operations never do.
func (r *Reporter) Snapshot() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.counters))
	for name, value := range r.counters {
		out[name] = value
	}
	return out
}

// Close flushes any staged snapshot and stops the debounce timer.
func (r *Reporter) Close() {
	r.docMu.Lock()
	if r.docClosed {
		r.docMu.Unlock()
		return
	}
	r.docClosed = true
	if r.docTimer != nil {
		r.docTimer.Stop()
	}
	r.docMu.Unlock()
	r.flushDocument()
}
