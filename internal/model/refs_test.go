package model

import "testing"

func TestNodeRefID(t *testing.T) {
	node := Node{
		Fields: map[string]any{
			"Owner": map[string]any{
				"_ref":           "https://tracker.example.com/api/v1/user/777",
				"_refObjectName": "Pat Oakley",
			},
			"Project": nil,
			"Name":    "A story",
		},
	}
	if got := node.RefID("Owner"); got != "777" {
		t.Fatalf("owner ref id = %q, want 777", got)
	}
	if got := node.RefName("Owner"); got != "Pat Oakley" {
		t.Fatalf("owner ref name = %q", got)
	}
	if got := node.RefID("Project"); got != "" {
		t.Fatalf("null project ref id = %q, want empty", got)
	}
	if got := node.RefID("Release"); got != "" {
		t.Fatalf("absent release ref id = %q, want empty", got)
	}
	if got := node.String("Name"); got != "A story" {
		t.Fatalf("name = %q", got)
	}
}

func TestNormalize(t *testing.T) {
	ref, err := Normalize(TypeStory, "https://tracker.example.com/api/v1/hierarchicalrequirement/42")
	if err != nil {
		t.Fatalf("normalize valid locator: %v", err)
	}
	if ref.Type != TypeStory || ref.ID != "42" {
		t.Fatalf("normalized ref = %+v", ref)
	}

	ref, err = Normalize(TypeCase, "https%3A%2F%2Ftracker.example.com%2Fapi%2Fv1%2Ftestcase%2F99")
	if err != nil {
		t.Fatalf("normalize encoded locator: %v", err)
	}
	if ref.ID != "99" {
		t.Fatalf("encoded locator id = %q", ref.ID)
	}

	if _, err := Normalize(TypeStory, "https://tracker.example.com/api/v1/hierarchicalrequirement/oops"); err == nil {
		t.Fatalf("expected invalid reference error")
	}
	if ref, err := Normalize(TypeStory, ""); err == nil || !ref.Empty() {
		t.Fatalf("expected empty input to fail closed, got %+v err=%v", ref, err)
	}
}

func TestTrailingDigits(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"https://tracker.example.com/api/v1/hierarchicalrequirement/123", "123"},
		{"https%3A%2F%2Ftracker.example.com%2Fapi%2Fv1%2Ftask%2F456", "456"},
		{"https://tracker.example.com/api/v1/task/45a6", ""},
		{"https://tracker.example.com/api/v1/task/", ""},
		{"789", "789"},
		{"", ""},
	}
	for _, c := range cases {
		if got := trailingDigits(c.raw); got != c.want {
			t.Fatalf("trailingDigits(%q) = %q, want %q", c.raw, got, c.want)
		}
	}
}
