package serviceapi

import (
	"context"

	"github.com/jrpool/rallytree-sub000/internal/orchestrator"
)

type RunRequest = orchestrator.RunRequest
type RunSnapshot = orchestrator.RunSnapshot
type OpInfo = orchestrator.OpInfo

// Core is the service surface shared by the CLI and the HTTP API. The local
// implementation wraps the orchestrator service in-process; the remote one
// speaks to a serve daemon.
type Core interface {
	Shutdown() error

	StartRun(ctx context.Context, req RunRequest) (RunSnapshot, error)
	RunSnapshot(ctx context.Context, runID string) (RunSnapshot, error)
	ListRunSnapshots(ctx context.Context) ([]RunSnapshot, error)
	WaitRun(ctx context.Context, runID string) error

	OpCatalog(ctx context.Context) ([]OpInfo, error)
	JournalActiveRuns(ctx context.Context) (int, error)
}

type LocalCore struct {
	service *orchestrator.Service
}

func NewLocalCore(service *orchestrator.Service) *LocalCore {
	return &LocalCore{service: service}
}

// Service exposes the wrapped orchestrator service for in-process callers
// that need the progress bus.
func (l *LocalCore) Service() *orchestrator.Service {
	return l.service
}

func (l *LocalCore) Shutdown() error {
	if l == nil || l.service == nil {
		return nil
	}
	return l.service.Shutdown()
}

func (l *LocalCore) StartRun(ctx context.Context, req RunRequest) (RunSnapshot, error) {
	return l.service.StartRun(ctx, req)
}

func (l *LocalCore) RunSnapshot(_ context.Context, runID string) (RunSnapshot, error) {
	return l.service.RunSnapshot(runID)
}

func (l *LocalCore) ListRunSnapshots(_ context.Context) ([]RunSnapshot, error) {
	return l.service.ListRunSnapshots()
}

func (l *LocalCore) WaitRun(_ context.Context, runID string) error {
	return l.service.WaitRun(runID)
}

func (l *LocalCore) OpCatalog(_ context.Context) ([]OpInfo, error) {
	return l.service.OpCatalog(), nil
}

func (l *LocalCore) JournalActiveRuns(ctx context.Context) (int, error) {
	return l.service.JournalActiveRuns(ctx)
}
