package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/jrpool/rallytree-sub000/internal/model"
	"github.com/jrpool/rallytree-sub000/internal/progress"
)

// documentTree builds a nested outline of the tree and streams it as a
// document snapshot while the traversal runs. Subtrees are read
// concurrently; each snapshot is a consistent marshaling of whatever has
// been gathered so far, with children ordered by rank.
type documentTree struct {
	mu      sync.Mutex
	entries map[string]*docEntry
	roots   []*docEntry
}

type docEntry struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	TaskCount   int         `json:"tasks,omitempty"`
	CaseCount   int         `json:"cases,omitempty"`
	Children    []*docEntry `json:"children,omitempty"`

	rank string
}

func newDocumentTree() *documentTree {
	return &documentTree{entries: map[string]*docEntry{}}
}

func (op *documentTree) Name() string { return "doc" }

func (op *documentTree) Fields() []string {
	return []string{"Name", "Description", "Parent", "DragAndDropRank"}
}

func (op *documentTree) Collections() []string {
	return []string{"Children", "Tasks", "TestCases"}
}

func (op *documentTree) fanOut() {}

func (op *documentTree) Visit(ctx context.Context, run *Run, node model.Node) error {
	entry := &docEntry{
		Name:        node.String("Name"),
		Description: node.String("Description"),
		TaskCount:   node.Collection("Tasks").Count,
		CaseCount:   node.Collection("TestCases").Count,
		rank:        node.String("DragAndDropRank"),
	}

	op.mu.Lock()
	op.entries[node.Ref.ID] = entry
	if parent, ok := op.entries[node.RefID("Parent")]; ok {
		parent.Children = append(parent.Children, entry)
	} else {
		op.roots = append(op.roots, entry)
	}
	snapshot, err := op.marshalLocked()
	op.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshaling tree document: %w", err)
	}

	run.Reporter.Report(progress.D(model.CounterTotal))
	run.Reporter.Document(snapshot)
	return nil
}

func (op *documentTree) marshalLocked() (string, error) {
	sortEntries(op.roots)
	payload, err := json.Marshal(op.roots)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func sortEntries(entries []*docEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].rank < entries[j].rank
	})
	for _, entry := range entries {
		sortEntries(entry.Children)
	}
}
