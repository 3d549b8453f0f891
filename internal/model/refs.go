package model

import (
	"errors"
	"strings"
)

// ErrInvalidRef marks an identifier that could not be normalized.
var ErrInvalidRef = errors.New("invalid reference")

// Item type tags as the remote store names them.
const (
	TypeStory      = "hierarchicalrequirement"
	TypeTask       = "task"
	TypeCase       = "testcase"
	TypeCaseResult = "testcaseresult"
	TypeFolder     = "testfolder"
	TypeSet        = "testset"
	TypeDefect     = "defect"
	TypeProject    = "project"
	TypeRelease    = "release"
	TypeIteration  = "iteration"
	TypeUser       = "user"
)

// Ref is a normalized (type, id) pointer to one remote item. The zero value
// is the empty reference.
type Ref struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (r Ref) Empty() bool {
	return r.ID == ""
}

// CollectionSummary describes a named child collection of an item without
// fetching its contents. Ref is the opaque collection locator the store
// returned, empty when the item has no such collection.
type CollectionSummary struct {
	Count int    `json:"count"`
	Ref   string `json:"ref,omitempty"`
}

// Node is one fetched item: its normalized reference, the raw locator it was
// reached through, the scalar fields that were requested, and the collection
// summaries that were requested.
type Node struct {
	Ref         Ref                          `json:"ref"`
	RawRef      string                       `json:"raw_ref"`
	Fields      map[string]any               `json:"fields,omitempty"`
	Collections map[string]CollectionSummary `json:"collections,omitempty"`
}

func (n Node) String(name string) string {
	value, ok := n.Fields[name]
	if !ok || value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return ""
}

func (n Node) Float(name string) float64 {
	if value, ok := n.Fields[name].(float64); ok {
		return value
	}
	return 0
}

// RefID extracts the numeric identifier of a reference-valued scalar field
// such as Owner or Project. Returns "" when the field is absent or null.
func (n Node) RefID(name string) string {
	value, ok := n.Fields[name]
	if !ok || value == nil {
		return ""
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return ""
	}
	raw, _ := obj["_ref"].(string)
	return trailingDigits(raw)
}

// RefName extracts the display name of a reference-valued scalar field, when
// the store included one alongside the locator.
func (n Node) RefName(name string) string {
	obj, ok := n.Fields[name].(map[string]any)
	if !ok {
		return ""
	}
	display, _ := obj["_refObjectName"].(string)
	return display
}

func (n Node) Collection(name string) CollectionSummary {
	return n.Collections[name]
}

// Normalize canonicalizes a store identifier into a (type, id) reference.
// The identifier may be an absolute locator URL, a percent-encoded locator,
// or a bare numeric id; anything whose trailing segment is not an unsigned
// decimal integer fails with ErrInvalidRef. Normalization never produces a
// partial reference.
func Normalize(itemType string, raw string) (Ref, error) {
	id := trailingDigits(strings.TrimSpace(raw))
	if id == "" {
		return Ref{}, ErrInvalidRef
	}
	return Ref{Type: itemType, ID: id}, nil
}

// trailingDigits returns the decimal suffix after the last '/' or '%2F', or
// "" when the suffix is empty or non-numeric.
func trailingDigits(raw string) string {
	rest := raw
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] == '/' {
			rest = raw[i+1:]
			break
		}
		if (raw[i] == 'F' || raw[i] == 'f') && i >= 2 && raw[i-2] == '%' && raw[i-1] == '2' {
			rest = raw[i+1:]
			break
		}
	}
	if rest == "" {
		return ""
	}
	for i := 0; i < len(rest); i++ {
		if rest[i] < '0' || rest[i] > '9' {
			return ""
		}
	}
	return rest
}
