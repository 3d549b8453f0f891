package orchestrator

import (
	"encoding/json"
	"testing"

	"github.com/jrpool/rallytree-sub000/internal/model"
	"github.com/jrpool/rallytree-sub000/internal/tracker"
)

func TestTakeOwnershipIsIdempotent(t *testing.T) {
	api := tracker.NewMemory()
	alice := api.AddItem(model.TypeUser, map[string]any{"Name": "Alice"})
	root := api.AddItem(model.TypeStory, map[string]any{"Name": "Root"})
	leaf := api.AddItem(model.TypeStory, map[string]any{"Name": "Leaf", "Parent": root})
	api.AddItem(model.TypeTask, map[string]any{"Name": "Work", "WorkProduct": leaf})
	api.AddItem(model.TypeCase, map[string]any{"Name": "Check", "WorkProduct": leaf})

	req := RunRequest{Op: "take", RootRefs: []string{api.Locator(root)}, OwnerName: "Alice"}

	first := newTestRun(t, api, req)
	executeRun(t, first)
	if first.State.Failed() {
		t.Fatalf("unexpected failure: %s", first.State.Message())
	}
	counters := first.Reporter.Snapshot()
	if counters[model.CounterTotal] != 4 {
		t.Fatalf("expected total 4, got %d", counters[model.CounterTotal])
	}
	if counters[model.CounterChanges] != 4 {
		t.Fatalf("expected changes 4, got %d", counters[model.CounterChanges])
	}
	if owner, _ := api.Item(leaf)["Owner"].(model.Ref); owner.ID != alice.ID {
		t.Fatalf("expected leaf owner %s, got %+v", alice.ID, owner)
	}

	mutationsBefore := api.MutationCalls()
	second := newTestRun(t, api, req)
	executeRun(t, second)
	if second.State.Failed() {
		t.Fatalf("unexpected failure on rerun: %s", second.State.Message())
	}
	counters = second.Reporter.Snapshot()
	if counters[model.CounterChanges] != 0 {
		t.Fatalf("expected no changes on rerun, got %d", counters[model.CounterChanges])
	}
	if api.MutationCalls() != mutationsBefore {
		t.Fatalf("expected no mutations on rerun")
	}
}

func TestTaskCreationTargetsLeavesOnly(t *testing.T) {
	api := tracker.NewMemory()
	root := api.AddItem(model.TypeStory, map[string]any{"Name": "Root"})
	api.AddItem(model.TypeStory, map[string]any{"Name": "Left", "Parent": root})
	api.AddItem(model.TypeStory, map[string]any{"Name": "Right", "Parent": root})

	run := newTestRun(t, api, RunRequest{
		Op:        "task",
		RootRefs:  []string{api.Locator(root)},
		TaskNames: "Develop+Review",
	})
	executeRun(t, run)

	if run.State.Failed() {
		t.Fatalf("unexpected failure: %s", run.State.Message())
	}
	if got := api.CountCalls("create", model.TypeTask); got != 4 {
		t.Fatalf("expected 4 task creations, got %d", got)
	}
	counters := run.Reporter.Snapshot()
	if counters[model.CounterTotal] != 2 {
		t.Fatalf("expected total 2, got %d", counters[model.CounterTotal])
	}
	if counters[model.CounterChanges] != 4 {
		t.Fatalf("expected changes 4, got %d", counters[model.CounterChanges])
	}
}

func TestScheduleStateSkipsTasksAlreadyAtTarget(t *testing.T) {
	api := tracker.NewMemory()
	root := api.AddItem(model.TypeStory, map[string]any{"Name": "Root", "ScheduleState": "Defined"})
	api.AddItem(model.TypeTask, map[string]any{"Name": "One", "State": "In-Progress", "WorkProduct": root})
	api.AddItem(model.TypeTask, map[string]any{"Name": "Two", "State": "Defined", "WorkProduct": root})

	run := newTestRun(t, api, RunRequest{
		Op:            "schedule",
		RootRefs:      []string{api.Locator(root)},
		ScheduleState: "In-Progress",
	})
	executeRun(t, run)

	if run.State.Failed() {
		t.Fatalf("unexpected failure: %s", run.State.Message())
	}
	if got := api.MutationCalls(); got != 1 {
		t.Fatalf("expected exactly one update, got %d", got)
	}
	counters := run.Reporter.Snapshot()
	if counters[model.CounterTaskTotal] != 2 {
		t.Fatalf("expected taskTotal 2, got %d", counters[model.CounterTaskTotal])
	}
	if counters[model.CounterTaskChanges] != 1 {
		t.Fatalf("expected taskChanges 1, got %d", counters[model.CounterTaskChanges])
	}
	// A story with tasks is not a leaf, so its schedule state is left to
	// derive from below.
	if counters[model.CounterChanges] != 0 {
		t.Fatalf("expected no story changes, got %d", counters[model.CounterChanges])
	}
}

func TestPassVerdictSkipsCasesWithResults(t *testing.T) {
	api := tracker.NewMemory()
	alice := api.AddItem(model.TypeUser, map[string]any{"Name": "Alice"})
	root := api.AddItem(model.TypeStory, map[string]any{"Name": "Root"})
	tested := api.AddItem(model.TypeCase, map[string]any{"Name": "Tested", "Owner": alice, "WorkProduct": root})
	api.AddItem(model.TypeCaseResult, map[string]any{"Verdict": "Fail", "TestCase": tested})
	api.AddItem(model.TypeCase, map[string]any{"Name": "Untested", "Owner": alice, "WorkProduct": root})
	api.AddItem(model.TypeCase, map[string]any{"Name": "Ownerless", "WorkProduct": root})

	run := newTestRun(t, api, RunRequest{
		Op:       "verdict",
		RootRefs: []string{api.Locator(root)},
	})
	executeRun(t, run)

	if run.State.Failed() {
		t.Fatalf("unexpected failure: %s", run.State.Message())
	}
	if got := api.CountCalls("create", model.TypeCaseResult); got != 1 {
		t.Fatalf("expected one result creation, got %d", got)
	}
	counters := run.Reporter.Snapshot()
	if counters[model.CounterTotal] != 3 {
		t.Fatalf("expected total 3, got %d", counters[model.CounterTotal])
	}
	if counters[model.CounterChanges] != 1 {
		t.Fatalf("expected changes 1, got %d", counters[model.CounterChanges])
	}
	for _, call := range api.Calls() {
		if call.Op != "create" || call.ItemType != model.TypeCaseResult {
			continue
		}
		if call.Fields["Verdict"] != "Pass" {
			t.Fatalf("expected a passing verdict, got %v", call.Fields["Verdict"])
		}
		tester, _ := call.Fields["Tester"].(model.Ref)
		if tester.ID != alice.ID {
			t.Fatalf("expected tester %s, got %+v", alice.ID, tester)
		}
	}
}

func TestCopyRejectsCopyIntoItself(t *testing.T) {
	api := tracker.NewMemory()
	root := api.AddItem(model.TypeStory, map[string]any{"Name": "Root"})

	run := newTestRun(t, api, RunRequest{
		Op:            "copy",
		RootRefs:      []string{api.Locator(root)},
		CopyParentRef: api.Locator(root),
	})
	executeRun(t, run)

	if !run.State.Failed() {
		t.Fatalf("expected run to fail")
	}
	if got := api.CountCalls("create", model.TypeStory); got != 0 {
		t.Fatalf("expected no story creations, got %d", got)
	}
}

func TestCopyRejectsParentWithTasks(t *testing.T) {
	api := tracker.NewMemory()
	root := api.AddItem(model.TypeStory, map[string]any{"Name": "Root"})
	parent := api.AddItem(model.TypeStory, map[string]any{"Name": "Parent"})
	api.AddItem(model.TypeTask, map[string]any{"Name": "Work", "WorkProduct": parent})

	run := newTestRun(t, api, RunRequest{
		Op:            "copy",
		RootRefs:      []string{api.Locator(root)},
		CopyParentRef: api.Locator(parent),
	})
	executeRun(t, run)

	if !run.State.Failed() {
		t.Fatalf("expected run to fail")
	}
	if got := api.CountCalls("create", model.TypeStory); got != 0 {
		t.Fatalf("expected no story creations, got %d", got)
	}
}

func TestCopyTreePreservesHierarchy(t *testing.T) {
	api := tracker.NewMemory()
	root := api.AddItem(model.TypeStory, map[string]any{"Name": "Root", "Description": "top"})
	child := api.AddItem(model.TypeStory, map[string]any{"Name": "Child", "Parent": root})
	api.AddItem(model.TypeTask, map[string]any{"Name": "Work", "WorkProduct": child})
	destination := api.AddItem(model.TypeStory, map[string]any{"Name": "Destination"})

	run := newTestRun(t, api, RunRequest{
		Op:            "copy",
		RootRefs:      []string{api.Locator(root)},
		CopyParentRef: api.Locator(destination),
		CopyTasks:     true,
	})
	executeRun(t, run)

	if run.State.Failed() {
		t.Fatalf("unexpected failure: %s", run.State.Message())
	}
	topCopies := api.Members(destination, "Children")
	if len(topCopies) != 1 {
		t.Fatalf("expected one copy under the destination, got %d", len(topCopies))
	}
	rootCopy := topCopies[0]
	if name, _ := api.Item(rootCopy)["Name"].(string); name != "Root" {
		t.Fatalf("expected copied root named Root, got %q", name)
	}
	childCopies := api.Members(rootCopy, "Children")
	if len(childCopies) != 1 {
		t.Fatalf("expected one copied child, got %d", len(childCopies))
	}
	if tasks := api.Members(childCopies[0], "Tasks"); len(tasks) != 1 {
		t.Fatalf("expected one copied task, got %d", len(tasks))
	}

	counters := run.Reporter.Snapshot()
	if counters[model.CounterStoryTotal] != 2 || counters[model.CounterStoryChanges] != 2 {
		t.Fatalf("unexpected story counters: %v", counters)
	}
	if counters[model.CounterTaskChanges] != 1 {
		t.Fatalf("expected one task copy, got %d", counters[model.CounterTaskChanges])
	}
}

func TestGroupCasesConverges(t *testing.T) {
	api := tracker.NewMemory()
	folder := api.AddItem(model.TypeFolder, map[string]any{"Name": "Folder"})
	set := api.AddItem(model.TypeSet, map[string]any{"Name": "Set"})
	root := api.AddItem(model.TypeStory, map[string]any{"Name": "Root"})
	filed := api.AddItem(model.TypeCase, map[string]any{"Name": "Filed", "TestFolder": folder, "WorkProduct": root})
	api.Link(filed, "TestSets", set)
	api.AddItem(model.TypeCase, map[string]any{"Name": "Loose", "WorkProduct": root})

	run := newTestRun(t, api, RunRequest{
		Op:             "group",
		RootRefs:       []string{api.Locator(root)},
		GroupFolderRef: api.Locator(folder),
		GroupSetRef:    api.Locator(set),
	})
	executeRun(t, run)

	if run.State.Failed() {
		t.Fatalf("unexpected failure: %s", run.State.Message())
	}
	counters := run.Reporter.Snapshot()
	if counters[model.CounterTotal] != 2 {
		t.Fatalf("expected total 2, got %d", counters[model.CounterTotal])
	}
	if counters[model.CounterFolderChanges] != 1 {
		t.Fatalf("expected folderChanges 1, got %d", counters[model.CounterFolderChanges])
	}
	if counters[model.CounterSetChanges] != 1 {
		t.Fatalf("expected setChanges 1, got %d", counters[model.CounterSetChanges])
	}
	if got := api.MutationCalls(); got != 2 {
		t.Fatalf("expected 2 mutations, got %d", got)
	}
}

func TestCreateCasesLeafMode(t *testing.T) {
	api := tracker.NewMemory()
	folder := api.AddItem(model.TypeFolder, map[string]any{"Name": "Folder"})
	set := api.AddItem(model.TypeSet, map[string]any{"Name": "Set"})
	alice := api.AddItem(model.TypeUser, map[string]any{"Name": "Alice"})
	root := api.AddItem(model.TypeStory, map[string]any{"Name": "Root"})
	leaf := api.AddItem(model.TypeStory, map[string]any{"Name": "Leaf", "Description": "does things", "Owner": alice, "Parent": root})

	run := newTestRun(t, api, RunRequest{
		Op:            "case",
		RootRefs:      []string{api.Locator(root)},
		CaseMode:      "leaf",
		CaseFolderRef: api.Locator(folder),
		CaseSetRef:    api.Locator(set),
	})
	executeRun(t, run)

	if run.State.Failed() {
		t.Fatalf("unexpected failure: %s", run.State.Message())
	}
	if got := api.CountCalls("create", model.TypeCase); got != 1 {
		t.Fatalf("expected one case creation, got %d", got)
	}
	cases := api.Members(leaf, "TestCases")
	if len(cases) != 1 {
		t.Fatalf("expected the case linked to the leaf, got %d", len(cases))
	}
	created := api.Item(cases[0])
	if created["Name"] != "Leaf" || created["Description"] != "does things" {
		t.Fatalf("expected case named after the story, got %+v", created)
	}
	if owner, _ := created["Owner"].(model.Ref); owner.ID != alice.ID {
		t.Fatalf("expected case owned by the story owner, got %+v", created["Owner"])
	}
	if setMembers := api.Members(cases[0], "TestSets"); len(setMembers) != 1 || setMembers[0].ID != set.ID {
		t.Fatalf("expected case added to the set, got %+v", setMembers)
	}
}

func TestPlanTreeMirrorsHierarchy(t *testing.T) {
	api := tracker.NewMemory()
	parentFolder := api.AddItem(model.TypeFolder, map[string]any{"Name": "Plans"})
	root := api.AddItem(model.TypeStory, map[string]any{"Name": "Root"})
	child := api.AddItem(model.TypeStory, map[string]any{"Name": "Child", "Parent": root})
	testCase := api.AddItem(model.TypeCase, map[string]any{"Name": "Check", "WorkProduct": child})

	run := newTestRun(t, api, RunRequest{
		Op:            "plan",
		RootRefs:      []string{api.Locator(root)},
		PlanFolderRef: api.Locator(parentFolder),
	})
	executeRun(t, run)

	if run.State.Failed() {
		t.Fatalf("unexpected failure: %s", run.State.Message())
	}
	topFolders := api.Members(parentFolder, "Children")
	if len(topFolders) != 1 {
		t.Fatalf("expected one folder under the parent, got %d", len(topFolders))
	}
	childFolders := api.Members(topFolders[0], "Children")
	if len(childFolders) != 1 {
		t.Fatalf("expected one mirrored child folder, got %d", len(childFolders))
	}
	if filed, _ := api.Item(testCase)["TestFolder"].(model.Ref); filed.ID != childFolders[0].ID {
		t.Fatalf("expected case filed into the mirrored folder, got %+v", filed)
	}
	counters := run.Reporter.Snapshot()
	if counters[model.CounterTotal] != 2 || counters[model.CounterCaseChanges] != 1 {
		t.Fatalf("unexpected counters: %v", counters)
	}
}

func TestProjectReassignSchedulesLeaves(t *testing.T) {
	api := tracker.NewMemory()
	project := api.AddItem(model.TypeProject, map[string]any{"Name": "Apollo"})
	release := api.AddItem(model.TypeRelease, map[string]any{"Name": "R1"})
	oldProject := api.AddItem(model.TypeProject, map[string]any{"Name": "Legacy"})
	root := api.AddItem(model.TypeStory, map[string]any{"Name": "Root", "Project": oldProject})
	leaf := api.AddItem(model.TypeStory, map[string]any{"Name": "Leaf", "Project": oldProject, "Parent": root})
	api.AddItem(model.TypeCase, map[string]any{"Name": "Check", "Project": oldProject, "WorkProduct": leaf})

	run := newTestRun(t, api, RunRequest{
		Op:          "project",
		RootRefs:    []string{api.Locator(root)},
		ProjectName: "Apollo",
		ReleaseName: "R1",
	})
	executeRun(t, run)

	if run.State.Failed() {
		t.Fatalf("unexpected failure: %s", run.State.Message())
	}
	if assigned, _ := api.Item(root)["Project"].(model.Ref); assigned.ID != project.ID {
		t.Fatalf("expected root reassigned, got %+v", assigned)
	}
	if _, ok := api.Item(root)["Release"]; ok {
		t.Fatalf("release should only be set on leaves")
	}
	if scheduled, _ := api.Item(leaf)["Release"].(model.Ref); scheduled.ID != release.ID {
		t.Fatalf("expected leaf scheduled into release, got %+v", scheduled)
	}
	counters := run.Reporter.Snapshot()
	if counters[model.CounterChanges] != 2 {
		t.Fatalf("expected 2 story changes, got %d", counters[model.CounterChanges])
	}
	if counters[model.CounterCaseChanges] != 1 {
		t.Fatalf("expected 1 case change, got %d", counters[model.CounterCaseChanges])
	}
}

func TestScoreTreeWeightsVerdicts(t *testing.T) {
	api := tracker.NewMemory()
	root := api.AddItem(model.TypeStory, map[string]any{"Name": "Root"})
	api.AddItem(model.TypeCase, map[string]any{
		"Name": "Critical", "Risk": "High", "Priority": "Critical",
		"LastVerdict": "Pass", "WorkProduct": root,
	})
	api.AddItem(model.TypeCase, map[string]any{
		"Name": "Routine", "LastVerdict": "Fail", "WorkProduct": root,
	})
	defect := api.AddItem(model.TypeDefect, map[string]any{"Name": "Broken", "Severity": "Major Problem"})
	api.Link(root, "Defects", defect)

	run := newTestRun(t, api, RunRequest{
		Op:       "score",
		RootRefs: []string{api.Locator(root)},
	})
	executeRun(t, run)

	if run.State.Failed() {
		t.Fatalf("unexpected failure: %s", run.State.Message())
	}
	counters := run.Reporter.Snapshot()
	if counters[model.CounterPasses] != 1 || counters[model.CounterFails] != 1 {
		t.Fatalf("unexpected verdict counters: %v", counters)
	}
	if counters[model.CounterDefects] != 1 || counters[model.CounterMajor] != 1 {
		t.Fatalf("unexpected defect counters: %v", counters)
	}
	// Weighted: pass case 3+3=6 of 8 total, rounded.
	if counters[model.CounterScore] != 75 {
		t.Fatalf("expected score 75, got %d", counters[model.CounterScore])
	}
	if got := api.MutationCalls(); got != 0 {
		t.Fatalf("scoring must not mutate, got %d mutations", got)
	}
}

func TestDocumentTreeOrdersChildrenByRank(t *testing.T) {
	api := tracker.NewMemory()
	root := api.AddItem(model.TypeStory, map[string]any{"Name": "Root", "DragAndDropRank": "m"})
	api.AddItem(model.TypeStory, map[string]any{"Name": "Second", "DragAndDropRank": "b", "Parent": root})
	api.AddItem(model.TypeStory, map[string]any{"Name": "First", "DragAndDropRank": "a", "Parent": root})

	run := newTestRun(t, api, RunRequest{
		Op:       "doc",
		RootRefs: []string{api.Locator(root)},
	})
	executeRun(t, run)

	if run.State.Failed() {
		t.Fatalf("unexpected failure: %s", run.State.Message())
	}
	counters := run.Reporter.Snapshot()
	if counters[model.CounterTotal] != 3 {
		t.Fatalf("expected total 3, got %d", counters[model.CounterTotal])
	}
	if counters[model.CounterDoc] < 1 {
		t.Fatalf("expected at least one document snapshot")
	}

	op := run.op.(*documentTree)
	op.mu.Lock()
	snapshot, err := op.marshalLocked()
	op.mu.Unlock()
	if err != nil {
		t.Fatalf("marshal outline: %v", err)
	}
	var outline []struct {
		Name     string `json:"name"`
		Children []struct {
			Name string `json:"name"`
		} `json:"children"`
	}
	if err := json.Unmarshal([]byte(snapshot), &outline); err != nil {
		t.Fatalf("decode outline: %v", err)
	}
	if len(outline) != 1 || outline[0].Name != "Root" {
		t.Fatalf("unexpected outline roots: %s", snapshot)
	}
	if len(outline[0].Children) != 2 ||
		outline[0].Children[0].Name != "First" ||
		outline[0].Children[1].Name != "Second" {
		t.Fatalf("expected children ordered by rank, got %s", snapshot)
	}
}
