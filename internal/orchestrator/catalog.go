package orchestrator

import (
	"context"
	"fmt"

	"github.com/jrpool/rallytree-sub000/internal/model"
	"github.com/jrpool/rallytree-sub000/internal/policy"
)

// Operation is one tree policy. The engine fetches each story with the
// operation's declared fields and collection summaries, then hands the node
// to Visit. Visit returns a contextualized error on the first remote failure;
// the engine records it on the run state and the traversal unwinds.
type Operation interface {
	Name() string
	Fields() []string
	Collections() []string
	Visit(ctx context.Context, run *Run, node model.Node) error
}

// preparing operations resolve names to references and check preconditions
// once, before the traversal starts.
type preparing interface {
	prepare(ctx context.Context, run *Run) error
}

// finishing operations report aggregates after the whole tree has been
// visited.
type finishing interface {
	finish(run *Run)
}

// fanOut marks read-only operations whose child subtrees may be processed
// concurrently.
type fanOut interface {
	fanOut()
}

// OpInfo describes one operation for the catalog endpoint and the stream
// handler. Counters lists the event names the operation emits, in the order
// a report should display them. StreamIdleSec is how long a progress stream
// for this operation may stay silent before the server closes it.
type OpInfo struct {
	Name          string   `json:"name"`
	Summary       string   `json:"summary"`
	Counters      []string `json:"counters"`
	StreamIdleSec int      `json:"stream_idle_sec"`
}

var catalog = []OpInfo{
	{
		Name:          "take",
		Summary:       "Make one user the owner of every story, task, and test case in the tree",
		Counters:      []string{model.CounterTotal, model.CounterChanges},
		StreamIdleSec: 5,
	},
	{
		Name:          "task",
		Summary:       "Create a set of named tasks on every leaf story",
		Counters:      []string{model.CounterTotal, model.CounterChanges},
		StreamIdleSec: 5,
	},
	{
		Name:          "case",
		Summary:       "Create a test case per story, optionally filed into a folder and a set",
		Counters:      []string{model.CounterTotal, model.CounterChanges},
		StreamIdleSec: 5,
	},
	{
		Name:    "copy",
		Summary: "Copy the tree under another parent story",
		Counters: []string{
			model.CounterStoryTotal, model.CounterStoryChanges,
			model.CounterTaskTotal, model.CounterTaskChanges,
			model.CounterCaseTotal, model.CounterCaseChanges,
		},
		StreamIdleSec: 10,
	},
	{
		Name:          "group",
		Summary:       "File the tree's test cases into a folder and membership of a set",
		Counters:      []string{model.CounterTotal, model.CounterFolderChanges, model.CounterSetChanges},
		StreamIdleSec: 10,
	},
	{
		Name:          "plan",
		Summary:       "Mirror the tree as test folders, linking or copying its test cases",
		Counters:      []string{model.CounterTotal, model.CounterCaseChanges},
		StreamIdleSec: 10,
	},
	{
		Name:    "project",
		Summary: "Reassign the tree and its test cases to a project, scheduling leaves",
		Counters: []string{
			model.CounterTotal, model.CounterChanges,
			model.CounterCaseTotal, model.CounterCaseChanges,
		},
		StreamIdleSec: 5,
	},
	{
		Name:    "schedule",
		Summary: "Set the schedule state of leaf stories and the state of all tasks",
		Counters: []string{
			model.CounterTotal, model.CounterChanges,
			model.CounterTaskTotal, model.CounterTaskChanges,
		},
		StreamIdleSec: 5,
	},
	{
		Name:          "verdict",
		Summary:       "Record a passing result for owned test cases that have none",
		Counters:      []string{model.CounterTotal, model.CounterChanges},
		StreamIdleSec: 5,
	},
	{
		Name:    "score",
		Summary: "Score the tree from test verdicts and defects, weighted by risk and priority",
		Counters: []string{
			model.CounterTotal, model.CounterPasses, model.CounterFails,
			model.CounterDefects, model.CounterMajor, model.CounterMinor,
			model.CounterScore,
		},
		StreamIdleSec: 10,
	},
	{
		Name:          "doc",
		Summary:       "Emit a nested outline document of the tree",
		Counters:      []string{model.CounterTotal, model.CounterDoc},
		StreamIdleSec: 20,
	},
}

// Catalog returns the operation catalog in display order.
func Catalog() []OpInfo {
	out := make([]OpInfo, len(catalog))
	copy(out, catalog)
	return out
}

func CatalogEntry(name string) (OpInfo, bool) {
	for _, info := range catalog {
		if info.Name == name {
			return info, true
		}
	}
	return OpInfo{}, false
}

func newOperation(req RunRequest, cfg policy.Config) (Operation, error) {
	switch req.Op {
	case "take":
		return &takeOwnership{ownerName: req.OwnerName, ownerRef: req.OwnerRef}, nil
	case "task":
		return &createTasks{names: splitNames(req.TaskNames, req.Delimiter), ownerName: req.OwnerName}, nil
	case "case":
		return newCreateCases(req), nil
	case "copy":
		return newCopyTree(req), nil
	case "group":
		return &groupCases{folderRaw: req.GroupFolderRef, setRaw: req.GroupSetRef}, nil
	case "plan":
		return newPlanTree(req), nil
	case "project":
		return &assignProject{
			projectName:   req.ProjectName,
			releaseName:   req.ReleaseName,
			iterationName: req.IterationName,
		}, nil
	case "schedule":
		return &setScheduleState{target: req.ScheduleState}, nil
	case "verdict":
		return &passVerdicts{build: req.VerdictBuild}, nil
	case "score":
		return newScoreTree(req), nil
	case "doc":
		return newDocumentTree(), nil
	default:
		return nil, fmt.Errorf("unknown operation %q", req.Op)
	}
}
