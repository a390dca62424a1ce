package activities

import (
	"context"
	"errors"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/clintrovert/foreman/internal/gitrepo"
	"github.com/clintrovert/foreman/internal/github"
	"github.com/clintrovert/foreman/pkg/types"
)

// DispatchInput is the workflow and activity payload for one dispatch.
type DispatchInput struct {
	RunID string            `json:"run_id"`
	Repo  types.RepoContext `json:"repo"`
	Task  types.TaskRecord  `json:"task"`
}

// TemporalActivities exposes the developer steps as Temporal activities.
// Register the struct on a worker; each exported method becomes an activity.
type TemporalActivities struct {
	developer *Developer
}

// NewTemporalActivities wraps a developer.
func NewTemporalActivities(developer *Developer) *TemporalActivities {
	return &TemporalActivities{developer: developer}
}

// PrepareBranch syncs the working copy and switches to the task branch.
func (a *TemporalActivities) PrepareBranch(ctx context.Context, in DispatchInput) (Prepared, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("preparing branch", "repo_id", in.Repo.ID, "task_id", in.Task.ID)

	prep, err := a.developer.PrepareBranch(ctx, in.Repo, in.Task)
	return prep, wrapActivityError(err)
}

// ApplyTask writes the plan and the status change, then commits.
func (a *TemporalActivities) ApplyTask(ctx context.Context, in DispatchInput, branch string) (bool, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("applying task", "repo_id", in.Repo.ID, "task_id", in.Task.ID, "branch", branch)

	changed, err := a.developer.ApplyTask(ctx, in.Repo, in.Task, branch)
	return changed, wrapActivityError(err)
}

// PublishBranch pushes the task branch.
func (a *TemporalActivities) PublishBranch(ctx context.Context, in DispatchInput, branch string) error {
	logger := activity.GetLogger(ctx)
	logger.Info("publishing branch", "repo_id", in.Repo.ID, "branch", branch)

	return wrapActivityError(a.developer.PublishBranch(ctx, in.Repo, branch))
}

// OpenChangeRequest opens or reuses the pull request.
func (a *TemporalActivities) OpenChangeRequest(ctx context.Context, in DispatchInput, branch string) (Outcome, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("opening pull request", "repo_id", in.Repo.ID, "task_id", in.Task.ID, "branch", branch)

	out, err := a.developer.OpenChangeRequest(ctx, in.Repo, in.Task, branch)
	return out, wrapActivityError(err)
}

// wrapActivityError stops retries for failures another attempt cannot fix.
func wrapActivityError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gitrepo.ErrProtectedPath) || errors.Is(err, github.ErrNotFound) {
		return temporal.NewNonRetryableApplicationError(err.Error(), "permanent", err)
	}
	return err
}
