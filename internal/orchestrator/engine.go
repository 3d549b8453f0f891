package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jrpool/rallytree-sub000/internal/model"
	"github.com/jrpool/rallytree-sub000/internal/progress"
	"github.com/jrpool/rallytree-sub000/internal/tracker"
)

// Run is one in-flight bulk operation over a story tree.
type Run struct {
	ID        string
	Req       RunRequest
	State     *RunState
	Reporter  *progress.Reporter
	API       tracker.API
	CreatedAt time.Time

	op   Operation
	done chan struct{}

	statusMu sync.Mutex
	status   model.RunStatus
}

// Done is closed once the run has reached a terminal status and its final
// counters are journaled.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

func (r *Run) Status() model.RunStatus {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	return r.status
}

func (r *Run) setStatus(status model.RunStatus) {
	r.statusMu.Lock()
	r.status = status
	r.statusMu.Unlock()
}

func (r *Run) Failed() bool {
	return r.State.Failed()
}

// fail records the first failure on the run state and pushes it to the event
// stream. Later calls keep the original message.
func (r *Run) fail(what string, err error) {
	message := what
	if err != nil {
		message = fmt.Sprintf("%s: %v", what, err)
	}
	r.State.Fail(message)
	r.Reporter.Error(message)
}

// Collection fetches the contents of a node's named collection. A summary
// with a zero count is never dereferenced.
func (r *Run) Collection(ctx context.Context, node model.Node, name string, fields []string, collections []string) ([]model.Node, error) {
	summary := node.Collection(name)
	if summary.Count == 0 {
		return nil, nil
	}
	return r.API.GetCollection(ctx, summary.Ref, fields, collections)
}

// walk processes a sibling list of story references depth-first: each
// sibling's whole subtree completes before the next sibling starts. Every
// entry re-checks the stop flag, so a failure anywhere turns the rest of the
// traversal into no-ops.
func (r *Run) walk(ctx context.Context, refs []string) {
	if len(refs) == 0 || r.State.Failed() {
		return
	}

	ref, err := model.Normalize(model.TypeStory, refs[0])
	if err != nil {
		r.fail("invalid reference", nil)
		return
	}
	node, err := r.API.GetItem(ctx, ref, r.op.Fields(), r.op.Collections())
	if err != nil {
		r.fail("getting data on user story", err)
		return
	}

	if err := r.op.Visit(ctx, r, node); err != nil {
		r.State.Fail(err.Error())
		r.Reporter.Error(err.Error())
		return
	}
	if r.State.Failed() {
		return
	}

	_, parallel := r.op.(fanOut)
	var childFields []string
	if parallel {
		childFields = []string{"DragAndDropRank"}
	}
	children, err := r.Collection(ctx, node, "Children", childFields, nil)
	if err != nil {
		r.fail("getting children of user story", err)
		return
	}

	if parallel {
		r.walkChildrenConcurrently(ctx, children)
	} else {
		childRefs := make([]string, 0, len(children))
		for _, child := range children {
			childRefs = append(childRefs, child.RawRef)
		}
		r.walk(ctx, childRefs)
	}

	r.walk(ctx, refs[1:])
}

// walkChildrenConcurrently fans the child subtrees out as one goroutine
// each, launched in rank order, and joins them all before returning so the
// parent's aggregation only ever sees finished subtrees.
func (r *Run) walkChildrenConcurrently(ctx context.Context, children []model.Node) {
	if len(children) == 0 || r.State.Failed() {
		return
	}
	ordered := make([]model.Node, len(children))
	copy(ordered, children)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].String("DragAndDropRank") < ordered[j].String("DragAndDropRank")
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, child := range ordered {
		rawRef := child.RawRef
		g.Go(func() error {
			r.walk(gctx, []string{rawRef})
			if r.State.Failed() {
				return errors.New(r.State.Message())
			}
			return nil
		})
	}
	_ = g.Wait()
}
