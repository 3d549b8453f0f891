package orchestrator

import (
	"fmt"
	"strings"
)

// RunRequest carries everything a caller supplies to start a bulk operation.
// Only the fields the chosen operation reads are consulted; Validate rejects
// requests whose operation-specific parameters are missing or malformed.
type RunRequest struct {
	Op       string   `json:"op"`
	RootRefs []string `json:"root_refs"`

	OwnerName string `json:"owner_name,omitempty"`
	OwnerRef  string `json:"owner_ref,omitempty"`

	ProjectName   string `json:"project_name,omitempty"`
	ReleaseName   string `json:"release_name,omitempty"`
	IterationName string `json:"iteration_name,omitempty"`

	ScheduleState string `json:"schedule_state,omitempty"`

	TaskNames string `json:"task_names,omitempty"`
	Delimiter string `json:"delimiter,omitempty"`

	CaseMode      string `json:"case_mode,omitempty"`
	CaseFolderRef string `json:"case_folder_ref,omitempty"`
	CaseSetRef    string `json:"case_set_ref,omitempty"`

	CopyParentRef string `json:"copy_parent_ref,omitempty"`
	CopyTasks     bool   `json:"copy_tasks,omitempty"`
	CopyCases     bool   `json:"copy_cases,omitempty"`

	GroupFolderRef string `json:"group_folder_ref,omitempty"`
	GroupSetRef    string `json:"group_set_ref,omitempty"`

	PlanFolderRef string `json:"plan_folder_ref,omitempty"`
	PlanMode      string `json:"plan_mode,omitempty"`

	VerdictBuild string `json:"verdict_build,omitempty"`

	RiskWeight     int `json:"risk_weight,omitempty"`
	PriorityWeight int `json:"priority_weight,omitempty"`
}

// scheduleStates are the schedule values the remote store accepts, in rank
// order.
var scheduleStates = []string{"Needs Definition", "Defined", "In-Progress", "Completed", "Accepted"}

func (r RunRequest) Validate() error {
	if _, ok := CatalogEntry(r.Op); !ok {
		return fmt.Errorf("unknown operation %q", r.Op)
	}
	roots := 0
	for _, ref := range r.RootRefs {
		if strings.TrimSpace(ref) != "" {
			roots++
		}
	}
	if roots == 0 {
		return fmt.Errorf("at least one root reference is required")
	}

	switch r.Op {
	case "take":
		if strings.TrimSpace(r.OwnerName) == "" && strings.TrimSpace(r.OwnerRef) == "" {
			return fmt.Errorf("take requires an owner name or reference")
		}
	case "task":
		if len(splitNames(r.TaskNames, r.Delimiter)) == 0 {
			return fmt.Errorf("task requires at least one task name")
		}
	case "case":
		switch strings.TrimSpace(r.CaseMode) {
		case "", "all", "leaf":
		default:
			return fmt.Errorf("case mode must be all or leaf, got %q", r.CaseMode)
		}
	case "copy":
		if strings.TrimSpace(r.CopyParentRef) == "" {
			return fmt.Errorf("copy requires a destination parent reference")
		}
	case "group":
		if strings.TrimSpace(r.GroupFolderRef) == "" && strings.TrimSpace(r.GroupSetRef) == "" {
			return fmt.Errorf("group requires a folder or set reference")
		}
	case "plan":
		if strings.TrimSpace(r.PlanFolderRef) == "" {
			return fmt.Errorf("plan requires a parent folder reference")
		}
		switch strings.TrimSpace(r.PlanMode) {
		case "", "link", "copy":
		default:
			return fmt.Errorf("plan mode must be link or copy, got %q", r.PlanMode)
		}
	case "project":
		if strings.TrimSpace(r.ProjectName) == "" {
			return fmt.Errorf("project requires a project name")
		}
	case "schedule":
		if !validScheduleState(r.ScheduleState) {
			return fmt.Errorf("unknown schedule state %q", r.ScheduleState)
		}
	}
	return nil
}

func validScheduleState(state string) bool {
	state = strings.TrimSpace(state)
	for _, known := range scheduleStates {
		if state == known {
			return true
		}
	}
	return false
}

// splitNames breaks a delimited name list into trimmed, non-empty names.
func splitNames(names string, delimiter string) []string {
	if strings.TrimSpace(delimiter) == "" {
		delimiter = "+"
	}
	out := []string{}
	for _, name := range strings.Split(names, delimiter) {
		name = strings.TrimSpace(name)
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}
