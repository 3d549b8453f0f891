package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jrpool/rallytree-sub000/internal/policy"
	"github.com/jrpool/rallytree-sub000/internal/server"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
)

type policyInitGlazedCommand struct {
	*cmds.CommandDescription
}

type policyInitSettings struct {
	Path string `glazed.parameter:"path"`
}

func newPolicyInitGlazedCommand() (*policyInitGlazedCommand, error) {
	return &policyInitGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"policy-init",
			cmds.WithShort("Write a default policy file"),
			cmds.WithLong("Create a default rallytree policy file at the target path."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"path",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file"),
					parameters.WithDefault(policy.DefaultPolicyPath),
				),
			),
		),
	}, nil
}

func (c *policyInitGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &policyInitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if err := policy.SaveDefault(settings.Path); err != nil {
		return err
	}
	fmt.Printf("Wrote default policy to %s\n", settings.Path)
	return nil
}

var _ cmds.BareCommand = &policyInitGlazedCommand{}

type serveGlazedCommand struct {
	*cmds.CommandDescription
}

type serveSettings struct {
	Addr            string `glazed.parameter:"addr"`
	PolicyPath      string `glazed.parameter:"policy"`
	WorkerInterval  string `glazed.parameter:"worker-interval"`
	WorkerLogPeriod string `glazed.parameter:"worker-log-period"`
	ShutdownTimeout string `glazed.parameter:"shutdown-timeout"`
}

func newServeGlazedCommand() (*serveGlazedCommand, error) {
	return &serveGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"serve",
			cmds.WithShort("Run the rallytree API daemon"),
			cmds.WithLong("Start the HTTP server with the run journal worker and progress streams."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"addr",
					parameters.ParameterTypeString,
					parameters.WithHelp("HTTP listen address (default from policy)"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"policy",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file (defaults to .rallytree/policy.json)"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"worker-interval",
					parameters.ParameterTypeString,
					parameters.WithHelp("Journal worker flush interval"),
					parameters.WithDefault("2s"),
				),
				parameters.NewParameterDefinition(
					"worker-log-period",
					parameters.ParameterTypeString,
					parameters.WithHelp("Journal worker summary log period"),
					parameters.WithDefault("15s"),
				),
				parameters.NewParameterDefinition(
					"shutdown-timeout",
					parameters.ParameterTypeString,
					parameters.WithHelp("Graceful shutdown timeout"),
					parameters.WithDefault("5s"),
				),
			),
		),
	}, nil
}

func parseDurationSetting(flagName string, value string) (time.Duration, error) {
	duration, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid --%s duration %q: %w", flagName, value, err)
	}
	return duration, nil
}

func (c *serveGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &serveSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}

	workerInterval, err := parseDurationSetting("worker-interval", settings.WorkerInterval)
	if err != nil {
		return err
	}
	workerLogPeriod, err := parseDurationSetting("worker-log-period", settings.WorkerLogPeriod)
	if err != nil {
		return err
	}
	shutdownTimeout, err := parseDurationSetting("shutdown-timeout", settings.ShutdownTimeout)
	if err != nil {
		return err
	}

	cfg, _, err := policy.Load(settings.PolicyPath)
	if err != nil {
		return err
	}
	runtime, err := server.NewRuntime(server.Options{
		Addr:            settings.Addr,
		Policy:          cfg,
		WorkerInterval:  workerInterval,
		WorkerLogPeriod: workerLogPeriod,
		ShutdownTimeout: shutdownTimeout,
	})
	if err != nil {
		return err
	}

	addr := settings.Addr
	if strings.TrimSpace(addr) == "" {
		addr = cfg.Server.Addr
	}
	fmt.Printf("rallytree serve listening on %s\n", addr)
	return runtime.Run(ctx)
}

var _ cmds.BareCommand = &serveGlazedCommand{}
