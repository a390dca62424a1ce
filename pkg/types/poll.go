package types

import (
	"time"
)

// PollState is the per-repository memory of the change detector.
type PollState struct {
	Open   OpenBucket   `json:"open"`
	Closed ClosedBucket `json:"closed"`
	// Cycle counts polls; the closed collection is fetched every Nth cycle.
	Cycle int `json:"cycle"`
	// Failures counts consecutive failed attempts per pending change.
	Failures map[string]int `json:"failures,omitempty"`
}

// OpenBucket tracks the open pull request collection.
type OpenBucket struct {
	ETag string `json:"etag,omitempty"`
	// Seen lists reviewed head SHAs, oldest first.
	Seen []string `json:"seen"`
	// Count is the number of open entries in the last full response.
	Count int `json:"count"`
}

// ClosedBucket tracks the closed pull request collection.
type ClosedBucket struct {
	ETag         string     `json:"etag,omitempty"`
	LastMergedAt *time.Time `json:"last_merged_at,omitempty"`
}

// HasSeen reports whether a head SHA was already reviewed.
func (s *PollState) HasSeen(sha string) bool {
	for _, seen := range s.Open.Seen {
		if seen == sha {
			return true
		}
	}
	return false
}

// MarkSeen records a reviewed head, evicting the oldest entries beyond limit.
func (s *PollState) MarkSeen(sha string, limit int) {
	if sha == "" || s.HasSeen(sha) {
		return
	}
	s.Open.Seen = append(s.Open.Seen, sha)
	if limit > 0 && len(s.Open.Seen) > limit {
		s.Open.Seen = append([]string(nil), s.Open.Seen[len(s.Open.Seen)-limit:]...)
	}
}

// RecordFailure counts one more failed attempt for key and returns the total.
func (s *PollState) RecordFailure(key string) int {
	if s.Failures == nil {
		s.Failures = map[string]int{}
	}
	s.Failures[key]++
	return s.Failures[key]
}

// ClearFailure forgets the attempts recorded for key.
func (s *PollState) ClearFailure(key string) {
	delete(s.Failures, key)
	if len(s.Failures) == 0 {
		s.Failures = nil
	}
}

// Lock is the content of an exclusive work marker.
type Lock struct {
	RepoID     string    `json:"repo_id"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}
