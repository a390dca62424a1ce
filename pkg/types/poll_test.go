package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkSeenEvictsOldest(t *testing.T) {
	var st PollState
	for _, sha := range []string{"a", "b", "c", "d"} {
		st.MarkSeen(sha, 3)
	}
	assert.Equal(t, []string{"b", "c", "d"}, st.Open.Seen)
	assert.False(t, st.HasSeen("a"))

	st.MarkSeen("c", 3)
	assert.Equal(t, []string{"b", "c", "d"}, st.Open.Seen)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("ACT")
	assert.NoError(t, err)
	assert.Equal(t, ModeAct, m)

	m, err = ParseMode("pr")
	assert.NoError(t, err)
	assert.Equal(t, ModeAct, m)

	_, err = ParseMode("yolo")
	assert.Error(t, err)
}

func TestTaskSatisfied(t *testing.T) {
	for _, s := range []string{"done", "Merged", "completed", "CLOSED"} {
		rec := TaskRecord{Status: s}
		assert.True(t, rec.IsSatisfied(), s)
	}
	rec := TaskRecord{Status: "in_review"}
	assert.False(t, rec.IsSatisfied())
	rec = TaskRecord{Status: " Queued "}
	assert.True(t, rec.IsQueued())
}

func TestRecordFailureCountsUntilCleared(t *testing.T) {
	var st PollState
	assert.Equal(t, 1, st.RecordFailure("merge:2"))
	assert.Equal(t, 2, st.RecordFailure("merge:2"))
	assert.Equal(t, 1, st.RecordFailure("review:a1"))

	st.ClearFailure("merge:2")
	assert.Equal(t, map[string]int{"review:a1": 1}, st.Failures)

	st.ClearFailure("review:a1")
	assert.Nil(t, st.Failures)
}
