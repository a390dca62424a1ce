package types

import (
	"strings"
)

// Task statuses the scheduler cares about. Status is free-form otherwise.
const (
	StatusQueued   = "queued"
	StatusInReview = "in_review"
	StatusDone     = "done"
)

// DefaultPriority is assigned to records that omit a priority.
const DefaultPriority = "P2"

// TaskRecord is one declarative backlog entry parsed from a task file
type TaskRecord struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Status    string   `json:"status"`
	Priority  string   `json:"priority"`
	DependsOn []string `json:"depends_on"`
	// Order is an optional sequencing hint; nil means absent.
	Order *int   `json:"order,omitempty"`
	Body  string `json:"body,omitempty"`
	// Path is the file the record was parsed from, relative to the working copy root.
	Path string `json:"path"`
	// Jira links the task to an issue key mirrored by the Jira integration.
	Jira string `json:"jira,omitempty"`
	// Paths optionally fences the directories a task may touch.
	Paths []string `json:"paths,omitempty"`
	// Extra holds front-matter keys the scheduler does not interpret.
	Extra map[string]any `json:"extra,omitempty"`
}

// IsQueued reports whether the record is waiting to be started.
func (t *TaskRecord) IsQueued() bool {
	return strings.EqualFold(strings.TrimSpace(t.Status), StatusQueued)
}

// IsSatisfied reports whether the record counts as finished for its dependents.
func (t *TaskRecord) IsSatisfied() bool {
	switch strings.ToLower(strings.TrimSpace(t.Status)) {
	case "done", "merged", "completed", "closed":
		return true
	}
	return false
}
