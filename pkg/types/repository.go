package types

import (
	"fmt"
	"strings"
	"time"
)

// Mode gates what the system may do for a repository.
type Mode string

const (
	// ModeObserve computes and reports eligibility without side effects.
	ModeObserve Mode = "observe"
	// ModeAct dispatches work and performs side effects.
	ModeAct Mode = "act"
	// ModeDisabled ignores the repository entirely.
	ModeDisabled Mode = "disabled"
)

// ParseMode validates a mode string. The legacy spelling "pr" maps to act.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeObserve:
		return ModeObserve, nil
	case ModeAct, "pr":
		return ModeAct, nil
	case ModeDisabled:
		return ModeDisabled, nil
	}
	return "", fmt.Errorf("invalid mode %q", s)
}

// DefaultProtectedPaths are applied to newly registered repositories.
var DefaultProtectedPaths = []string{".github/", "infra/", "secrets/"}

// RepoContext is the durable configuration of one registered repository
type RepoContext struct {
	ID             string    `json:"id"`
	Owner          string    `json:"owner"`
	Name           string    `json:"repo"`
	CloneURL       string    `json:"clone_url"`
	DefaultBranch  string    `json:"default_branch"`
	Mode           Mode      `json:"mode"`
	TargetSubdir   string    `json:"target_subdir,omitempty"`
	ProtectedPaths []string  `json:"protected_paths"`
	WebhookSecret  string    `json:"webhook_secret,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RepoID derives the registry key for an owner/name pair.
func RepoID(owner, name string) string {
	return owner + "_" + name
}

// CloneURLFor builds the default HTTPS clone URL.
func CloneURLFor(owner, name string) string {
	return fmt.Sprintf("https://github.com/%s/%s.git", owner, name)
}

// FullName returns owner/name.
func (r *RepoContext) FullName() string {
	return r.Owner + "/" + r.Name
}

// PRInfo contains pull request information
type PRInfo struct {
	PRNumber    int64  `json:"pr_number"`
	PRURL       string `json:"pr_url"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
	HeadRef     string `json:"head_ref,omitempty"`
}

// PullRequest is the subset of a host pull request the poller and collaborators use
type PullRequest struct {
	Number   int        `json:"number"`
	Title    string     `json:"title"`
	HeadRef  string     `json:"head_ref"`
	HeadSHA  string     `json:"head_sha"`
	BaseRef  string     `json:"base_ref"`
	URL      string     `json:"url"`
	Merged   bool       `json:"merged"`
	MergedAt *time.Time `json:"merged_at,omitempty"`
}

// PullRequestEvent is a pull request webhook delivery reduced to what the
// dispatcher acts on.
type PullRequestEvent struct {
	Action   string      `json:"action"`
	FullName string      `json:"full_name"`
	Pull     PullRequest `json:"pull_request"`
}
