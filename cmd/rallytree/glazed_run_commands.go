package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jrpool/rallytree-sub000/internal/orchestrator"
	"github.com/jrpool/rallytree-sub000/internal/policy"
	"github.com/jrpool/rallytree-sub000/internal/progress"
	"github.com/jrpool/rallytree-sub000/internal/serviceapi"
	"github.com/jrpool/rallytree-sub000/internal/store"
	"github.com/jrpool/rallytree-sub000/internal/tracker"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
)

// newCore builds the service core the informational commands query: a remote
// core when a daemon URL is given, otherwise an in-process core over the
// local journal.
func newCore(policyPath string, serverURL string) (serviceapi.Core, error) {
	if strings.TrimSpace(serverURL) != "" {
		return serviceapi.NewRemoteCore(serverURL, 0), nil
	}
	cfg, _, err := policy.Load(policyPath)
	if err != nil {
		return nil, err
	}
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
	service := orchestrator.NewService(cfg, client, journal, bus, log.New(os.Stderr, "", 0))
	return serviceapi.NewLocalCore(service), nil
}

func printRunSnapshotLine(snapshot serviceapi.RunSnapshot) {
	fmt.Printf("%s op=%s root=%s status=%s created=%s\n",
		snapshot.RunID,
		snapshot.Op,
		snapshot.RootRef,
		snapshot.Status,
		snapshot.CreatedAt.Format(time.RFC3339),
	)
}

type statusGlazedCommand struct {
	*cmds.CommandDescription
}

type statusSettings struct {
	RunID      string `glazed.parameter:"run-id"`
	PolicyPath string `glazed.parameter:"policy"`
	ServerURL  string `glazed.parameter:"server"`
}

func newStatusGlazedCommand() (*statusGlazedCommand, error) {
	return &statusGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"status",
			cmds.WithShort("Show one run's status and counters"),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"run-id",
					parameters.ParameterTypeString,
					parameters.WithHelp("Run identifier"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"policy",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file (defaults to .rallytree/policy.json)"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"server",
					parameters.ParameterTypeString,
					parameters.WithHelp("Daemon base URL; query a daemon instead of the local journal"),
					parameters.WithDefault(""),
				),
			),
		),
	}, nil
}

func (c *statusGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &statusSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if strings.TrimSpace(settings.RunID) == "" {
		return fmt.Errorf("--run-id is required")
	}
	core, err := newCore(settings.PolicyPath, settings.ServerURL)
	if err != nil {
		return err
	}
	defer func() { _ = core.Shutdown() }()

	snapshot, err := core.RunSnapshot(ctx, settings.RunID)
	if err != nil {
		return err
	}
	printRunSnapshotLine(snapshot)
	printRunResult(snapshot)
	return nil
}

var _ cmds.BareCommand = &statusGlazedCommand{}

type runsGlazedCommand struct {
	*cmds.CommandDescription
}

type runsSettings struct {
	PolicyPath string `glazed.parameter:"policy"`
	ServerURL  string `glazed.parameter:"server"`
}

func newRunsGlazedCommand() (*runsGlazedCommand, error) {
	return &runsGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"runs",
			cmds.WithShort("List journaled runs, newest first"),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"policy",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file (defaults to .rallytree/policy.json)"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"server",
					parameters.ParameterTypeString,
					parameters.WithHelp("Daemon base URL; query a daemon instead of the local journal"),
					parameters.WithDefault(""),
				),
			),
		),
	}, nil
}

func (c *runsGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &runsSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	core, err := newCore(settings.PolicyPath, settings.ServerURL)
	if err != nil {
		return err
	}
	defer func() { _ = core.Shutdown() }()

	snapshots, err := core.ListRunSnapshots(ctx)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}
	for _, snapshot := range snapshots {
		printRunSnapshotLine(snapshot)
	}
	return nil
}

var _ cmds.BareCommand = &runsGlazedCommand{}

type opsGlazedCommand struct {
	*cmds.CommandDescription
}

type opsSettings struct {
	ServerURL string `glazed.parameter:"server"`
}

func newOpsGlazedCommand() (*opsGlazedCommand, error) {
	return &opsGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"ops",
			cmds.WithShort("List the available bulk operations"),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"server",
					parameters.ParameterTypeString,
					parameters.WithHelp("Daemon base URL; query a daemon's catalog"),
					parameters.WithDefault(""),
				),
			),
		),
	}, nil
}

func (c *opsGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &opsSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	catalog := orchestrator.Catalog()
	if strings.TrimSpace(settings.ServerURL) != "" {
		core := serviceapi.NewRemoteCore(settings.ServerURL, 0)
		remote, err := core.OpCatalog(ctx)
		if err != nil {
			return err
		}
		catalog = remote
	}
	for _, info := range catalog {
		fmt.Printf("%-9s %s\n", info.Name, info.Summary)
		fmt.Printf("          counters: %s\n", strings.Join(info.Counters, ", "))
	}
	return nil
}

var _ cmds.BareCommand = &opsGlazedCommand{}
