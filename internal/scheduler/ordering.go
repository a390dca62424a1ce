package scheduler

import (
	"sort"
	"strings"

	"github.com/clintrovert/foreman/pkg/types"
)

var priorityRank = map[string]int{"P0": 0, "P1": 1, "P2": 2, "P3": 3}

const unrankedPriority = 99

func rank(priority string) int {
	if r, ok := priorityRank[strings.ToUpper(strings.TrimSpace(priority))]; ok {
		return r
	}
	return unrankedPriority
}

// Less is the total order over eligible tasks: priority, then order hint
// (present before absent), then id.
func Less(a, b *types.TaskRecord) bool {
	if ra, rb := rank(a.Priority), rank(b.Priority); ra != rb {
		return ra < rb
	}
	switch {
	case a.Order != nil && b.Order == nil:
		return true
	case a.Order == nil && b.Order != nil:
		return false
	case a.Order != nil && b.Order != nil && *a.Order != *b.Order:
		return *a.Order < *b.Order
	}
	return a.ID < b.ID
}

// Order returns a sorted copy of the eligible set.
func Order(eligible []types.TaskRecord) []types.TaskRecord {
	out := append([]types.TaskRecord(nil), eligible...)
	sort.SliceStable(out, func(i, j int) bool {
		return Less(&out[i], &out[j])
	})
	return out
}

// Next picks the task to dispatch, or nil when nothing is eligible.
func Next(eligible []types.TaskRecord) *types.TaskRecord {
	if len(eligible) == 0 {
		return nil
	}
	ordered := Order(eligible)
	return &ordered[0]
}
