package tracker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/jrpool/rallytree-sub000/internal/model"
)

// Call records one store call the Memory tracker served. Tests assert on the
// sequence to verify short-circuiting and the no-call-on-empty-collection
// invariant.
type Call struct {
	Op         string
	ItemType   string
	ID         string
	Collection string
	Fields     map[string]any
}

// Memory is an in-memory implementation of API backed by a flat item table.
// It serves the same node shapes the HTTP client decodes, so the engine and
// the operations cannot tell the two apart.
type Memory struct {
	BaseURL string

	mu     sync.Mutex
	nextID int
	items  map[string]*memoryItem
	calls  []Call
	failOn map[string]error
}

type memoryItem struct {
	itemType    string
	id          string
	fields      map[string]any
	collections map[string][]model.Ref
}

func NewMemory() *Memory {
	return &Memory{
		BaseURL: "https://tracker.test/api/v1",
		nextID:  1000,
		items:   map[string]*memoryItem{},
		failOn:  map[string]error{},
	}
}

func (m *Memory) key(ref model.Ref) string {
	return ref.Type + "/" + ref.ID
}

func (m *Memory) Locator(ref model.Ref) string {
	return m.BaseURL + "/" + ref.Type + "/" + ref.ID
}

// AddItem seeds one item and returns its reference.
func (m *Memory) AddItem(itemType string, fields map[string]any) model.Ref {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	ref := model.Ref{Type: itemType, ID: strconv.Itoa(m.nextID)}
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	m.items[m.key(ref)] = &memoryItem{
		itemType:    itemType,
		id:          ref.ID,
		fields:      copied,
		collections: map[string][]model.Ref{},
	}
	m.autoLinkLocked(itemType, ref, copied)
	return ref
}

// Link appends a member to an item's named collection.
func (m *Memory) Link(parent model.Ref, collection string, member model.Ref) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.items[m.key(parent)]
	if item == nil {
		return
	}
	item.collections[collection] = append(item.collections[collection], member)
}

// FailOn makes every subsequent call matching key ("<op> <type>", e.g.
// "update task" or "get hierarchicalrequirement") return err.
func (m *Memory) FailOn(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn[key] = err
}

// Calls returns a copy of the recorded call log.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// MutationCalls counts recorded create, update and add calls.
func (m *Memory) MutationCalls() int {
	count := 0
	for _, call := range m.Calls() {
		switch call.Op {
		case "create", "update", "add":
			count++
		}
	}
	return count
}

// CountCalls counts recorded calls for one op, optionally narrowed by type.
func (m *Memory) CountCalls(op string, itemType string) int {
	count := 0
	for _, call := range m.Calls() {
		if call.Op != op {
			continue
		}
		if itemType != "" && call.ItemType != itemType {
			continue
		}
		count++
	}
	return count
}

// Item returns a copy of a stored item's fields.
func (m *Memory) Item(ref model.Ref) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.items[m.key(ref)]
	if item == nil {
		return nil
	}
	out := make(map[string]any, len(item.fields))
	for k, v := range item.fields {
		out[k] = v
	}
	return out
}

// Members returns the current members of an item's named collection.
func (m *Memory) Members(ref model.Ref, collection string) []model.Ref {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := m.items[m.key(ref)]
	if item == nil {
		return nil
	}
	out := make([]model.Ref, len(item.collections[collection]))
	copy(out, item.collections[collection])
	return out
}

func (m *Memory) GetItem(_ context.Context, ref model.Ref, fields []string, collections []string) (model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: "get", ItemType: ref.Type, ID: ref.ID})
	if err := m.failOn["get "+ref.Type]; err != nil {
		return model.Node{}, err
	}
	item := m.items[m.key(ref)]
	if item == nil {
		return model.Node{}, fmt.Errorf("item %s/%s not found", ref.Type, ref.ID)
	}
	return m.nodeLocked(item, fields, collections), nil
}

func (m *Memory) GetCollection(_ context.Context, collectionRef string, fields []string, collections []string) ([]model.Node, error) {
	collectionRef = strings.TrimSpace(collectionRef)
	if collectionRef == "" {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, collection, err := m.parseCollectionLocator(collectionRef)
	if err != nil {
		return nil, err
	}
	m.calls = append(m.calls, Call{Op: "getcollection", ItemType: owner.itemType, ID: owner.id, Collection: collection})
	if err := m.failOn["getcollection "+collection]; err != nil {
		return nil, err
	}
	members := owner.collections[collection]
	nodes := make([]model.Node, 0, len(members))
	for _, memberRef := range members {
		member := m.items[m.key(memberRef)]
		if member == nil {
			continue
		}
		nodes = append(nodes, m.nodeLocked(member, fields, collections))
	}
	return nodes, nil
}

func (m *Memory) Create(_ context.Context, itemType string, fields map[string]any) (model.Ref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: "create", ItemType: itemType, Fields: fields})
	if err := m.failOn["create "+itemType]; err != nil {
		return model.Ref{}, err
	}
	m.nextID++
	ref := model.Ref{Type: itemType, ID: strconv.Itoa(m.nextID)}
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	m.items[m.key(ref)] = &memoryItem{
		itemType:    itemType,
		id:          ref.ID,
		fields:      copied,
		collections: map[string][]model.Ref{},
	}
	m.autoLinkLocked(itemType, ref, copied)
	return ref, nil
}

func (m *Memory) Update(_ context.Context, ref model.Ref, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: "update", ItemType: ref.Type, ID: ref.ID, Fields: fields})
	if err := m.failOn["update "+ref.Type]; err != nil {
		return err
	}
	item := m.items[m.key(ref)]
	if item == nil {
		return fmt.Errorf("item %s/%s not found", ref.Type, ref.ID)
	}
	for k, v := range fields {
		item.fields[k] = v
	}
	return nil
}

func (m *Memory) AddToCollection(_ context.Context, ref model.Ref, collection string, members []model.Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: "add", ItemType: ref.Type, ID: ref.ID, Collection: collection})
	if err := m.failOn["add "+collection]; err != nil {
		return err
	}
	item := m.items[m.key(ref)]
	if item == nil {
		return fmt.Errorf("item %s/%s not found", ref.Type, ref.ID)
	}
	item.collections[collection] = append(item.collections[collection], members...)
	return nil
}

func (m *Memory) QueryByName(_ context.Context, itemType string, name string) ([]model.Ref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: "query", ItemType: itemType})
	if err := m.failOn["query "+itemType]; err != nil {
		return nil, err
	}
	var refs []model.Ref
	for _, item := range m.items {
		if item.itemType != itemType {
			continue
		}
		if itemName, _ := item.fields["Name"].(string); itemName == name {
			refs = append(refs, model.Ref{Type: item.itemType, ID: item.id})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs, nil
}

func (m *Memory) nodeLocked(item *memoryItem, fields []string, collections []string) model.Node {
	ref := model.Ref{Type: item.itemType, ID: item.id}
	node := model.Node{
		Ref:         ref,
		RawRef:      m.Locator(ref),
		Fields:      map[string]any{},
		Collections: map[string]model.CollectionSummary{},
	}
	for _, name := range fields {
		value, ok := item.fields[name]
		if !ok {
			continue
		}
		if fieldRef, ok := value.(model.Ref); ok {
			if fieldRef.Empty() {
				node.Fields[name] = nil
				continue
			}
			node.Fields[name] = map[string]any{"_ref": m.Locator(fieldRef)}
			continue
		}
		node.Fields[name] = value
	}
	for _, name := range collections {
		members := item.collections[name]
		summary := model.CollectionSummary{Count: len(members)}
		if len(members) > 0 {
			summary.Ref = m.Locator(ref) + "/" + name
		}
		node.Collections[name] = summary
	}
	return node
}

// autoLinkLocked wires a freshly created item into its parent's collection,
// the way the remote store does server-side.
func (m *Memory) autoLinkLocked(itemType string, ref model.Ref, fields map[string]any) {
	link := func(parentField string, collection string) {
		parent, ok := fields[parentField].(model.Ref)
		if !ok || parent.Empty() {
			return
		}
		if item := m.items[m.key(parent)]; item != nil {
			item.collections[collection] = append(item.collections[collection], ref)
		}
	}
	switch itemType {
	case model.TypeTask:
		link("WorkProduct", "Tasks")
	case model.TypeStory:
		link("Parent", "Children")
	case model.TypeCase:
		link("WorkProduct", "TestCases")
	case model.TypeCaseResult:
		link("TestCase", "Results")
	case model.TypeFolder:
		link("Parent", "Children")
	}
}

func (m *Memory) parseCollectionLocator(locator string) (*memoryItem, string, error) {
	trimmed := strings.TrimRight(locator, "/")
	segments := strings.Split(trimmed, "/")
	if len(segments) < 3 {
		return nil, "", fmt.Errorf("malformed collection locator %q", locator)
	}
	collection := segments[len(segments)-1]
	id := segments[len(segments)-2]
	itemType := segments[len(segments)-3]
	item := m.items[itemType+"/"+id]
	if item == nil {
		return nil, "", fmt.Errorf("collection owner %s/%s not found", itemType, id)
	}
	return item, collection, nil
}

var _ API = (*Memory)(nil)
var _ API = (*Client)(nil)
