package scheduler

import (
	"fmt"
	"strings"

	"github.com/clintrovert/foreman/internal/tasks"
	"github.com/clintrovert/foreman/pkg/types"
)

// SkipReasonCode enumerates why a record was not eligible.
type SkipReasonCode string

const (
	SkipMissingID             SkipReasonCode = "missing-id"
	SkipDuplicateID           SkipReasonCode = "duplicate-id"
	SkipNotQueued             SkipReasonCode = "not-queued"
	SkipOpenChangeRequest     SkipReasonCode = "open-change-request"
	SkipBranchExists          SkipReasonCode = "branch-exists"
	SkipUnknownDependency     SkipReasonCode = "unknown-dependency"
	SkipUnsatisfiedDependency SkipReasonCode = "unsatisfied-dependency"
)

// SkipReason explains why a record was excluded from the eligible set.
type SkipReason struct {
	Reason SkipReasonCode `json:"reason"`
	Detail string         `json:"detail,omitempty"`
}

// Evaluation is the result of one eligibility pass.
type Evaluation struct {
	Eligible []types.TaskRecord
	Skipped  map[string]SkipReason
	Cycle    []string
}

// BranchPrefix is the namespace for task branches.
const BranchPrefix = "feature/"

// BranchName derives the canonical branch for a task.
func BranchName(id, title string) string {
	slug := tasks.Slug(title)
	if slug == "" {
		return BranchPrefix + id
	}
	return BranchPrefix + id + "-" + slug
}

// Evaluate returns the records that may be dispatched now, given the open
// change request titles and every branch name in use locally or remotely.
func Evaluate(records []types.TaskRecord, openTitles []string, branches []string) Evaluation {
	g := BuildGraph(records)
	ev := Evaluation{
		Skipped: make(map[string]SkipReason),
		Cycle:   g.DetectCycle(),
	}

	for i := range records {
		rec := records[i]
		id := strings.TrimSpace(rec.ID)
		if id == "" {
			ev.Skipped[rec.Path] = SkipReason{Reason: SkipMissingID}
			continue
		}
		if g.Tasks[id] != &records[i] {
			ev.Skipped[rec.Path] = SkipReason{Reason: SkipDuplicateID, Detail: id}
			continue
		}
		if reason, skip := check(g, &rec, openTitles, branches); skip {
			ev.Skipped[id] = reason
			continue
		}
		ev.Eligible = append(ev.Eligible, rec)
	}
	return ev
}

func check(g *Graph, rec *types.TaskRecord, openTitles, branches []string) (SkipReason, bool) {
	if !rec.IsQueued() {
		return SkipReason{Reason: SkipNotQueued, Detail: rec.Status}, true
	}

	for _, title := range openTitles {
		if strings.Contains(title, rec.ID) {
			return SkipReason{Reason: SkipOpenChangeRequest, Detail: title}, true
		}
	}

	exact := BranchPrefix + rec.ID
	for _, b := range branches {
		if b == exact || strings.HasPrefix(b, exact+"-") {
			return SkipReason{Reason: SkipBranchExists, Detail: b}, true
		}
	}

	if unknown := g.Unknown[rec.ID]; len(unknown) > 0 {
		return SkipReason{Reason: SkipUnknownDependency, Detail: strings.Join(unknown, ",")}, true
	}
	for _, dep := range g.RevAdj[rec.ID] {
		if d := g.Tasks[dep]; !d.IsSatisfied() {
			return SkipReason{Reason: SkipUnsatisfiedDependency, Detail: fmt.Sprintf("%s is %s", dep, d.Status)}, true
		}
	}
	return SkipReason{}, false
}
