package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/jrpool/rallytree-sub000/internal/orchestrator"
	"github.com/jrpool/rallytree-sub000/internal/policy"
	"github.com/jrpool/rallytree-sub000/internal/progress"
	"github.com/jrpool/rallytree-sub000/internal/serviceapi"
	"github.com/jrpool/rallytree-sub000/internal/store"
	"github.com/jrpool/rallytree-sub000/internal/tracker"
)

type Options struct {
	Addr            string
	Policy          policy.Config
	WorkerInterval  time.Duration
	WorkerLogPeriod time.Duration
	ShutdownTimeout time.Duration
}

type Runtime struct {
	opts      Options
	core      serviceapi.Core
	bus       *progress.Bus
	worker    *JournalWorker
	broker    *EventBroker
	startedAt time.Time
	server    *http.Server
	stopPump  func()
}

type HealthResponse struct {
	Status    string                `json:"status"`
	StartedAt time.Time             `json:"started_at"`
	Now       time.Time             `json:"now"`
	Worker    JournalWorkerSnapshot `json:"worker"`
}

func NewRuntime(options Options) (*Runtime, error) {
	options = normalizeOptions(options)
	cfg := options.Policy

	journal := store.NewSQLiteStore(cfg.Journal.DBPath)
	if err := journal.Init(); err != nil {
		return nil, fmt.Errorf("init journal: %w", err)
	}
	bus, err := progress.NewBus(cfg.Progress.StreamChannel, cfg.Progress.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("open progress bus: %w", err)
	}
	client := tracker.NewClient(
		cfg.Tracker.BaseURL,
		os.Getenv(cfg.Tracker.APIKeyEnv),
		time.Duration(cfg.Tracker.TimeoutSec)*time.Second,
		cfg.Tracker.PageSize,
	)
	logger := log.New(os.Stdout, "", 0)
	service := orchestrator.NewService(cfg, client, journal, bus, logger)
	return newRuntimeWithCore(options, serviceapi.NewLocalCore(service), bus, logger), nil
}

func newRuntimeWithCore(options Options, core serviceapi.Core, bus *progress.Bus, logger *log.Logger) *Runtime {
	options = normalizeOptions(options)
	runtime := &Runtime{
		opts:      options,
		core:      core,
		bus:       bus,
		worker:    NewJournalWorker(core, options.WorkerInterval, options.WorkerLogPeriod, logger),
		broker:    NewEventBroker(options.Policy.Progress.BrokerBuffer),
		startedAt: time.Now().UTC(),
	}
	mux := http.NewServeMux()
	runtime.registerRoutes(mux)
	mux.HandleFunc("/", runtime.handleNotFound)
	runtime.server = &http.Server{
		Addr:    options.Addr,
		Handler: mux,
	}
	return runtime
}

func (r *Runtime) Run(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runtime is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	r.worker.Start(workerCtx)
	r.startEventPump()

	errCh := make(chan error, 1)
	go func() {
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			workerCancel()
			_ = r.worker.Wait(2 * time.Second)
			r.stopEventPump()
			_ = r.core.Shutdown()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.opts.ShutdownTimeout)
	defer cancel()
	shutdownErr := r.server.Shutdown(shutdownCtx)
	workerCancel()
	_ = r.worker.Wait(2 * time.Second)
	r.stopEventPump()
	if err := r.core.Shutdown(); err != nil && shutdownErr == nil {
		shutdownErr = err
	}
	return shutdownErr
}

func normalizeOptions(options Options) Options {
	if options.Policy.Version == 0 {
		options.Policy = policy.Default()
	}
	if options.Addr == "" {
		options.Addr = options.Policy.Server.Addr
	}
	if options.WorkerInterval <= 0 {
		options.WorkerInterval = 2 * time.Second
	}
	if options.WorkerLogPeriod <= 0 {
		options.WorkerLogPeriod = 15 * time.Second
	}
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = 5 * time.Second
	}
	return options
}

// startEventPump moves progress events from the bus onto the broker that the
// per-run streams subscribe to.
func (r *Runtime) startEventPump() {
	pumpCtx, cancel := context.WithCancel(context.Background())
	r.stopPump = cancel
	messages, err := r.bus.Subscribe(pumpCtx)
	if err != nil {
		cancel()
		r.stopPump = nil
		return
	}
	go func() {
		for msg := range messages {
			event, err := progress.DecodeEvent(msg)
			msg.Ack()
			if err != nil {
				continue
			}
			r.broker.Publish(event)
		}
	}()
}

func (r *Runtime) stopEventPump() {
	if r.stopPump != nil {
		r.stopPump()
		r.stopPump = nil
	}
	if r.broker != nil {
		r.broker.Close()
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		StartedAt: r.startedAt,
		Now:       time.Now().UTC(),
		Worker:    r.worker.Snapshot(),
	})
}

func (r *Runtime) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error": map[string]string{
			"code":    "not_found",
			"message": "route not found",
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
