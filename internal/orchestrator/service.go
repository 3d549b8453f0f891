package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jrpool/rallytree-sub000/internal/hsm"
	"github.com/jrpool/rallytree-sub000/internal/model"
	"github.com/jrpool/rallytree-sub000/internal/policy"
	"github.com/jrpool/rallytree-sub000/internal/progress"
	"github.com/jrpool/rallytree-sub000/internal/store"
	"github.com/jrpool/rallytree-sub000/internal/tracker"
)

// Service starts runs, executes them on their own goroutines, and keeps the
// journal current. One Service typically lives for the whole process, shared
// by the HTTP API and the CLI.
type Service struct {
	cfg     policy.Config
	api     tracker.API
	journal *store.SQLiteStore
	bus     *progress.Bus
	logger  *log.Logger

	mu   sync.Mutex
	runs map[string]*Run
	wg   sync.WaitGroup
}

// RunSnapshot is a point-in-time view of one run.
type RunSnapshot struct {
	RunID     string           `json:"run_id"`
	Op        string           `json:"op"`
	RootRef   string           `json:"root_ref"`
	Status    model.RunStatus  `json:"status"`
	ErrorText string           `json:"error_text,omitempty"`
	Counters  map[string]int64 `json:"counters,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func NewService(cfg policy.Config, api tracker.API, journal *store.SQLiteStore, bus *progress.Bus, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Service{
		cfg:     cfg,
		api:     api,
		journal: journal,
		bus:     bus,
		logger:  logger,
		runs:    map[string]*Run{},
	}
}

// Bus exposes the progress bus so stream handlers can subscribe.
func (s *Service) Bus() *progress.Bus {
	return s.bus
}

// StartRun validates the request, journals the new run, and launches it on
// its own goroutine. The returned snapshot has status created; the run may
// already be running by the time the caller looks.
func (s *Service) StartRun(_ context.Context, req RunRequest) (RunSnapshot, error) {
	req.Op = strings.TrimSpace(req.Op)
	if strings.TrimSpace(req.Delimiter) == "" {
		req.Delimiter = s.cfg.Run.DefaultDelimiter
	}
	if err := req.Validate(); err != nil {
		return RunSnapshot{}, err
	}
	op, err := newOperation(req, s.cfg)
	if err != nil {
		return RunSnapshot{}, err
	}

	runID := "run-" + uuid.NewString()
	docQuiet := time.Duration(s.cfg.Progress.DocQuietMS) * time.Millisecond
	run := &Run{
		ID:        runID,
		Req:       req,
		State:     NewRunState(),
		Reporter:  progress.NewReporter(s.bus, runID, docQuiet),
		API:       s.api,
		CreatedAt: time.Now(),
		op:        op,
		done:      make(chan struct{}),
		status:    model.RunStatusCreated,
	}

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return RunSnapshot{}, fmt.Errorf("marshal run request: %w", err)
	}
	record := model.RunRecord{
		RunID:   runID,
		Op:      req.Op,
		RootRef: strings.TrimSpace(req.RootRefs[0]),
		Status:  model.RunStatusCreated,
	}
	if err := s.journal.CreateRun(record, string(reqJSON)); err != nil {
		return RunSnapshot{}, fmt.Errorf("journal new run: %w", err)
	}

	s.mu.Lock()
	s.runs[runID] = run
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(run)

	return s.snapshotRun(run), nil
}

func (s *Service) execute(run *Run) {
	defer s.wg.Done()
	defer close(run.done)
	ctx := context.Background()

	s.transition(run, model.RunStatusRunning, "")

	if p, ok := run.op.(preparing); ok && !run.State.Failed() {
		if err := p.prepare(ctx, run); err != nil {
			run.fail("preparing run", err)
		}
	}
	if !run.State.Failed() {
		run.walk(ctx, run.Req.RootRefs)
	}
	if f, ok := run.op.(finishing); ok && !run.State.Failed() {
		f.finish(run)
	}
	run.Reporter.Close()

	final := model.RunStatusComplete
	errorText := ""
	if run.State.Failed() {
		final = model.RunStatusFailed
		errorText = run.State.Message()
	}
	s.transition(run, final, errorText)
	if err := s.journal.SaveCounters(run.ID, run.Reporter.Snapshot()); err != nil {
		s.logger.Printf("journal counters for %s: %v", run.ID, err)
	}
}

func (s *Service) transition(run *Run, to model.RunStatus, errorText string) {
	if err := hsm.ValidateRunTransition(run.Status(), to); err != nil {
		s.logger.Printf("run %s: %v", run.ID, err)
		return
	}
	run.setStatus(to)
	if err := s.journal.UpdateRunStatus(run.ID, to, errorText); err != nil {
		s.logger.Printf("journal status for %s: %v", run.ID, err)
	}
}

// WaitRun blocks until the run has finished. Only runs started by this
// process can be waited on.
func (s *Service) WaitRun(runID string) error {
	s.mu.Lock()
	run, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	<-run.Done()
	return nil
}

// RunSnapshot reads one run, preferring live state over the journal.
func (s *Service) RunSnapshot(runID string) (RunSnapshot, error) {
	s.mu.Lock()
	run, ok := s.runs[runID]
	s.mu.Unlock()
	if ok {
		return s.snapshotRun(run), nil
	}

	record, _, err := s.journal.GetRun(runID)
	if err != nil {
		return RunSnapshot{}, err
	}
	counters, err := s.journal.GetCounters(runID)
	if err != nil {
		return RunSnapshot{}, err
	}
	return snapshotRecord(record, counters), nil
}

// ListRunSnapshots reads every journaled run, overlaying live state for runs
// owned by this process.
func (s *Service) ListRunSnapshots() ([]RunSnapshot, error) {
	records, err := s.journal.ListRuns()
	if err != nil {
		return nil, err
	}
	out := make([]RunSnapshot, 0, len(records))
	for _, record := range records {
		s.mu.Lock()
		run, ok := s.runs[record.RunID]
		s.mu.Unlock()
		if ok {
			out = append(out, s.snapshotRun(run))
			continue
		}
		counters, err := s.journal.GetCounters(record.RunID)
		if err != nil {
			return nil, err
		}
		out = append(out, snapshotRecord(record, counters))
	}
	return out, nil
}

// JournalActiveRuns flushes the live counters of every unfinished run to the
// journal and returns how many were flushed.
func (s *Service) JournalActiveRuns(_ context.Context) (int, error) {
	s.mu.Lock()
	active := make([]*Run, 0, len(s.runs))
	for _, run := range s.runs {
		if !hsm.TerminalRunStatus(run.Status()) {
			active = append(active, run)
		}
	}
	s.mu.Unlock()

	for _, run := range active {
		if err := s.journal.SaveCounters(run.ID, run.Reporter.Snapshot()); err != nil {
			return 0, fmt.Errorf("journal counters for %s: %w", run.ID, err)
		}
	}
	return len(active), nil
}

// OpCatalog lists the operations this service can run.
func (s *Service) OpCatalog() []OpInfo {
	return Catalog()
}

// Shutdown waits out in-flight runs and releases the bus.
func (s *Service) Shutdown() error {
	s.wg.Wait()
	return s.bus.Close()
}

func (s *Service) snapshotRun(run *Run) RunSnapshot {
	snapshot := RunSnapshot{
		RunID:     run.ID,
		Op:        run.Req.Op,
		RootRef:   strings.TrimSpace(run.Req.RootRefs[0]),
		Status:    run.Status(),
		Counters:  run.Reporter.Snapshot(),
		CreatedAt: run.CreatedAt,
		UpdatedAt: time.Now(),
	}
	if run.State.Failed() {
		snapshot.ErrorText = run.State.Message()
	}
	return snapshot
}

func snapshotRecord(record model.RunRecord, counters map[string]int64) RunSnapshot {
	return RunSnapshot{
		RunID:     record.RunID,
		Op:        record.Op,
		RootRef:   record.RootRef,
		Status:    record.Status,
		ErrorText: record.ErrorText,
		Counters:  counters,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}
}
