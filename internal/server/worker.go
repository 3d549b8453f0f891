package server

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jrpool/rallytree-sub000/internal/serviceapi"
)

type JournalWorkerSnapshot struct {
	Running           bool       `json:"running"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	LastTickAt        *time.Time `json:"last_tick_at,omitempty"`
	LastFlushedAt     *time.Time `json:"last_flushed_at,omitempty"`
	LastErrorAt       *time.Time `json:"last_error_at,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	TotalFlushed      int64      `json:"total_flushed"`
	TotalTicks        int64      `json:"total_ticks"`
	IdleTicks         int64      `json:"idle_ticks"`
}

// JournalWorker periodically flushes the live counters of active runs to the
// journal, so a crashed daemon leaves recent totals behind.
type JournalWorker struct {
	core        serviceapi.Core
	interval    time.Duration
	logInterval time.Duration
	logger      *log.Logger

	mu       sync.RWMutex
	running  bool
	doneChan chan struct{}
	snapshot JournalWorkerSnapshot
}

func NewJournalWorker(core serviceapi.Core, interval time.Duration, logInterval time.Duration, logger *log.Logger) *JournalWorker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logInterval <= 0 {
		logInterval = 15 * time.Second
	}
	return &JournalWorker{
		core:        core,
		interval:    interval,
		logInterval: logInterval,
		logger:      logger,
	}
}

func (w *JournalWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	now := time.Now().UTC()
	w.snapshot.Running = true
	w.snapshot.StartedAt = timePtr(now)
	w.doneChan = make(chan struct{})
	done := w.doneChan
	w.mu.Unlock()

	go func() {
		defer close(done)
		w.loop(ctx)
		w.mu.Lock()
		w.running = false
		w.snapshot.Running = false
		w.mu.Unlock()
	}()
}

func (w *JournalWorker) Wait(timeout time.Duration) bool {
	w.mu.RLock()
	done := w.doneChan
	w.mu.RUnlock()
	if done == nil {
		return true
	}
	if timeout <= 0 {
		<-done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (w *JournalWorker) Snapshot() JournalWorkerSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	copySnapshot := w.snapshot
	copySnapshot.StartedAt = cloneTimePtr(w.snapshot.StartedAt)
	copySnapshot.LastTickAt = cloneTimePtr(w.snapshot.LastTickAt)
	copySnapshot.LastFlushedAt = cloneTimePtr(w.snapshot.LastFlushedAt)
	copySnapshot.LastErrorAt = cloneTimePtr(w.snapshot.LastErrorAt)
	return copySnapshot
}

func (w *JournalWorker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	logTicker := time.NewTicker(w.logInterval)
	defer logTicker.Stop()

	w.runIteration(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runIteration(ctx)
		case <-logTicker.C:
			w.logSnapshot()
		}
	}
}

func (w *JournalWorker) runIteration(ctx context.Context) {
	if w.core == nil {
		return
	}
	now := time.Now().UTC()
	flushed, err := w.core.JournalActiveRuns(ctx)
	if err != nil && ctx.Err() != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.snapshot.LastTickAt = timePtr(now)
	w.snapshot.TotalTicks++
	if flushed > 0 {
		w.snapshot.TotalFlushed += int64(flushed)
		w.snapshot.LastFlushedAt = timePtr(now)
	} else {
		w.snapshot.IdleTicks++
	}
	if err != nil {
		w.snapshot.ConsecutiveErrors++
		w.snapshot.LastErrorAt = timePtr(now)
		w.snapshot.LastError = strings.TrimSpace(err.Error())
	} else {
		w.snapshot.ConsecutiveErrors = 0
		w.snapshot.LastError = ""
	}
}

func (w *JournalWorker) logSnapshot() {
	if w.logger == nil {
		return
	}
	snapshot := w.Snapshot()
	w.logger.Printf(
		"journal worker: total_flushed=%d ticks=%d idle=%d errors=%d last_error=%q",
		snapshot.TotalFlushed,
		snapshot.TotalTicks,
		snapshot.IdleTicks,
		snapshot.ConsecutiveErrors,
		snapshot.LastError,
	)
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	copied := *t
	return &copied
}
