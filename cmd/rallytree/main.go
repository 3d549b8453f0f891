package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/jrpool/rallytree-sub000/internal/model"
	"github.com/jrpool/rallytree-sub000/internal/orchestrator"
	"github.com/jrpool/rallytree-sub000/internal/policy"
	"github.com/jrpool/rallytree-sub000/internal/progress"
	"github.com/jrpool/rallytree-sub000/internal/serviceapi"
	"github.com/jrpool/rallytree-sub000/internal/store"
	"github.com/jrpool/rallytree-sub000/internal/tracker"
)

type multiValueFlag []string

func (f *multiValueFlag) String() string {
	return strings.Join(*f, ",")
}

func (f *multiValueFlag) Set(value string) error {
	*f = append(*f, value)
	return nil
}

func main() {
	if err := executeCLI(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type runFlags struct {
	op             string
	roots          multiValueFlag
	owner          string
	ownerRef       string
	project        string
	release        string
	iteration      string
	state          string
	tasks          string
	delimiter      string
	caseMode       string
	caseFolder     string
	caseSet        string
	copyParent     string
	copyTasks      bool
	copyCases      bool
	groupFolder    string
	groupSet       string
	planFolder     string
	planMode       string
	build          string
	riskWeight     int
	priorityWeight int
}

func (f runFlags) request() orchestrator.RunRequest {
	return orchestrator.RunRequest{
		Op:             strings.TrimSpace(f.op),
		RootRefs:       normalizeInputTokens(f.roots),
		OwnerName:      f.owner,
		OwnerRef:       f.ownerRef,
		ProjectName:    f.project,
		ReleaseName:    f.release,
		IterationName:  f.iteration,
		ScheduleState:  f.state,
		TaskNames:      f.tasks,
		Delimiter:      f.delimiter,
		CaseMode:       f.caseMode,
		CaseFolderRef:  f.caseFolder,
		CaseSetRef:     f.caseSet,
		CopyParentRef:  f.copyParent,
		CopyTasks:      f.copyTasks,
		CopyCases:      f.copyCases,
		GroupFolderRef: f.groupFolder,
		GroupSetRef:    f.groupSet,
		PlanFolderRef:  f.planFolder,
		PlanMode:       f.planMode,
		VerdictBuild:   f.build,
		RiskWeight:     f.riskWeight,
		PriorityWeight: f.priorityWeight,
	}
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var flags runFlags
	var policyPath string
	var serverURL string
	var noFollow bool

	fs.StringVar(&flags.op, "op", "", "Operation name (see `rallytree ops`)")
	fs.Var(&flags.roots, "root", "Root user story reference (repeatable, or comma-separated)")
	fs.StringVar(&flags.owner, "owner", "", "Owner user name (take, task)")
	fs.StringVar(&flags.ownerRef, "owner-ref", "", "Owner user reference (take)")
	fs.StringVar(&flags.project, "project", "", "Project name (project, case, copy)")
	fs.StringVar(&flags.release, "release", "", "Release name (project, copy)")
	fs.StringVar(&flags.iteration, "iteration", "", "Iteration name (project, copy)")
	fs.StringVar(&flags.state, "state", "", "Target schedule state (schedule)")
	fs.StringVar(&flags.tasks, "tasks", "", "Delimited task names (task)")
	fs.StringVar(&flags.delimiter, "delimiter", "", "Task name delimiter (default from policy)")
	fs.StringVar(&flags.caseMode, "case-mode", "", "Case creation mode: all|leaf (case)")
	fs.StringVar(&flags.caseFolder, "case-folder", "", "Test folder reference for new cases (case)")
	fs.StringVar(&flags.caseSet, "case-set", "", "Test set reference for new cases (case)")
	fs.StringVar(&flags.copyParent, "copy-parent", "", "Destination parent story reference (copy)")
	fs.BoolVar(&flags.copyTasks, "copy-tasks", false, "Copy tasks along with stories (copy)")
	fs.BoolVar(&flags.copyCases, "copy-cases", false, "Copy test cases along with stories (copy)")
	fs.StringVar(&flags.groupFolder, "group-folder", "", "Test folder reference (group)")
	fs.StringVar(&flags.groupSet, "group-set", "", "Test set reference (group)")
	fs.StringVar(&flags.planFolder, "plan-folder", "", "Parent test folder reference (plan)")
	fs.StringVar(&flags.planMode, "plan-mode", "", "Plan case handling: link|copy (plan)")
	fs.StringVar(&flags.build, "build", "", "Build label for created results (verdict)")
	fs.IntVar(&flags.riskWeight, "risk-weight", 0, "Risk multiplier for scoring (score)")
	fs.IntVar(&flags.priorityWeight, "priority-weight", 0, "Priority multiplier for scoring (score)")
	fs.StringVar(&policyPath, "policy", "", "Path to policy file (defaults to .rallytree/policy.json)")
	fs.StringVar(&serverURL, "server", "", "Daemon base URL; run against a daemon instead of in-process")
	fs.BoolVar(&noFollow, "no-follow", false, "Start the run and exit without streaming progress")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := flags.request()
	if err := req.Validate(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if strings.TrimSpace(serverURL) != "" {
		return runRemote(ctx, serverURL, req, noFollow)
	}
	return runLocal(ctx, policyPath, req, noFollow)
}

func runRemote(ctx context.Context, serverURL string, req orchestrator.RunRequest, noFollow bool) error {
	core := serviceapi.NewRemoteCore(serverURL, 0)
	snapshot, err := core.StartRun(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("Run ID: %s\n", snapshot.RunID)
	if noFollow {
		fmt.Printf("Stream: GET %s/api/v1/runs/%s/stream\n", strings.TrimRight(serverURL, "/"), snapshot.RunID)
		return nil
	}
	if err := core.WaitRun(ctx, snapshot.RunID); err != nil {
		return err
	}
	final, err := core.RunSnapshot(ctx, snapshot.RunID)
	if err != nil {
		return err
	}
	printRunResult(final)
	return nil
}

func runLocal(ctx context.Context, policyPath string, req orchestrator.RunRequest, noFollow bool) error {
	cfg, _, err := policy.Load(policyPath)
	if err != nil {
		return err
	}
	journal := store.NewSQLiteStore(cfg.Journal.DBPath)
	if err := journal.Init(); err != nil {
		return fmt.Errorf("init journal: %w", err)
	}
	bus, err := progress.NewBus(cfg.Progress.StreamChannel, cfg.Progress.RedisURL)
	if err != nil {
		return fmt.Errorf("open progress bus: %w", err)
	}
	client := tracker.NewClient(
		cfg.Tracker.BaseURL,
		os.Getenv(cfg.Tracker.APIKeyEnv),
		time.Duration(cfg.Tracker.TimeoutSec)*time.Second,
		cfg.Tracker.PageSize,
	)
	service := orchestrator.NewService(cfg, client, journal, bus, log.New(os.Stderr, "", 0))
	defer func() { _ = service.Shutdown() }()

	var events <-chan *message.Message
	if !noFollow {
		events, err = bus.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("subscribe to progress: %w", err)
		}
	}

	snapshot, err := service.StartRun(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("Run ID: %s\n", snapshot.RunID)
	if noFollow {
		return nil
	}

	document := followProgress(ctx, events, snapshot.RunID, service)
	final, err := service.RunSnapshot(snapshot.RunID)
	if err != nil {
		return err
	}
	printRunResult(final)
	if document != "" {
		fmt.Println(document)
	}
	return nil
}

// followProgress prints counter updates for one run until it reaches a
// terminal status. The last document snapshot, if any, is returned so the
// caller can print it after the summary.
func followProgress(ctx context.Context, events <-chan *message.Message, runID string, service *orchestrator.Service) string {
	done := make(chan error, 1)
	go func() { done <- service.WaitRun(runID) }()

	document := ""
	var drain <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return document
		case <-done:
			// Give in-flight events a moment to arrive before summarizing.
			done = nil
			timer := time.NewTimer(200 * time.Millisecond)
			defer timer.Stop()
			drain = timer.C
		case <-drain:
			return document
		case msg, ok := <-events:
			if !ok {
				return document
			}
			event, err := progress.DecodeEvent(msg)
			msg.Ack()
			if err != nil || event.RunID != runID {
				continue
			}
			switch event.Name {
			case model.CounterDoc:
				document = event.Payload
			case model.CounterError:
				fmt.Printf("  error: %s\n", event.Payload)
			default:
				fmt.Printf("  %s=%d\n", event.Name, event.Value)
			}
		}
	}
}

func printRunResult(snapshot serviceapi.RunSnapshot) {
	fmt.Printf("Status: %s\n", snapshot.Status)
	if strings.TrimSpace(snapshot.ErrorText) != "" {
		fmt.Printf("Error: %s\n", snapshot.ErrorText)
	}
	for _, line := range formatCounters(snapshot.Counters) {
		fmt.Printf("  %s\n", line)
	}
}

// formatCounters renders counters as name=value lines in a stable order.
func formatCounters(counters map[string]int64) []string {
	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)
	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("%s=%d", name, counters[name]))
	}
	return lines
}

func normalizeInputTokens(values []string) []string {
	out := []string{}
	seen := map[string]struct{}{}
	for _, value := range values {
		for _, token := range strings.Split(value, ",") {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			if _, ok := seen[token]; ok {
				continue
			}
			seen[token] = struct{}{}
			out = append(out, token)
		}
	}
	return out
}

func printUsage() {
	fmt.Println("rallytree - bulk operations on remotely stored user story trees")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  rallytree run --op take --root 12345 --owner \"Jane Doe\"")
	fmt.Println("  rallytree run --op task --root 12345 --tasks \"Review+Test\" [--owner \"Jane Doe\"]")
	fmt.Println("  rallytree run --op schedule --root 12345 --state Defined")
	fmt.Println("  rallytree run --op copy --root 12345 --copy-parent 67890 [--copy-tasks] [--copy-cases]")
	fmt.Println("  rallytree run --op doc --root 12345 [--server http://localhost:3001]")
	fmt.Println("  rallytree status --run-id RUN_ID [--server URL]")
	fmt.Println("  rallytree runs [--server URL]")
	fmt.Println("  rallytree ops")
	fmt.Println("  rallytree serve [--addr :3001]")
	fmt.Println("  rallytree policy-init")
}
