// Package activities holds the collaborators that act on a repository: the
// developer that turns a task into a pull request, the reviewer that comments
// on opened pull requests and the integrator that closes tasks out on merge.
package activities

import (
	"context"
	"io/fs"

	"github.com/clintrovert/foreman/pkg/types"
)

// Host is the subset of the change-request host the collaborators call.
type Host interface {
	OpenPullRequest(ctx context.Context, owner, repo, head, base, title, body string) (*types.PRInfo, error)
	FindOpenByHead(ctx context.Context, owner, repo, branch, base string) (*types.PullRequest, error)
	FindOpenByTaskID(ctx context.Context, owner, repo, taskID string) (*types.PullRequest, error)
	Comment(ctx context.Context, owner, repo string, number int, body string) (string, error)
	ListFiles(ctx context.Context, owner, repo string, number int) ([]string, error)
}

// Workspace is a local working copy.
type Workspace interface {
	EnsureLocalClone(ctx context.Context) (string, error)
	Sync(ctx context.Context) error
	CreateOrSwitchBranch(ctx context.Context, name string) error
	CommitAll(ctx context.Context, message string) (bool, error)
	PushBranch(ctx context.Context, name string) error
	WriteFile(rel string, content []byte) error
	ReadFile(rel string) ([]byte, error)
	FS() fs.FS
}

// Workspaces opens the working copy for a repository.
type Workspaces func(repo types.RepoContext) Workspace

// IssueTracker mirrors progress onto linked issues. Optional.
type IssueTracker interface {
	Comment(ctx context.Context, key, body string) error
	Transition(ctx context.Context, key, status string) error
}

// Outcome is what a developer run produced.
type Outcome struct {
	Branch string        `json:"branch"`
	PR     *types.PRInfo `json:"pr,omitempty"`
	// Reused is set when an open pull request for the task already existed.
	Reused bool `json:"reused,omitempty"`
	// NoChanges is set when the host reported nothing to merge.
	NoChanges bool `json:"no_changes,omitempty"`
}

// Prepared is the result of the branch preparation step.
type Prepared struct {
	Branch   string        `json:"branch"`
	Existing *types.PRInfo `json:"existing,omitempty"`
}

// ReviewResult reports a posted review comment.
type ReviewResult struct {
	PRNumber         int      `json:"pr_number"`
	CommentURL       string   `json:"comment_url,omitempty"`
	ProtectedTouched []string `json:"protected_touched,omitempty"`
}

// IntegrationResult reports the bookkeeping done for a merged pull request.
type IntegrationResult struct {
	TaskID  string        `json:"task_id,omitempty"`
	Updated int           `json:"updated"`
	PR      *types.PRInfo `json:"pr,omitempty"`
	Message string        `json:"message,omitempty"`
}

func infoOf(pr *types.PullRequest) *types.PRInfo {
	return &types.PRInfo{
		PRNumber: int64(pr.Number),
		PRURL:    pr.URL,
		Title:    pr.Title,
		Status:   "open",
		HeadRef:  pr.HeadRef,
	}
}
