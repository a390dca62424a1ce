package activities

import (
	"context"
	"errors"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/clintrovert/foreman/internal/github"
	"github.com/clintrovert/foreman/internal/planner"
	"github.com/clintrovert/foreman/internal/scheduler"
	"github.com/clintrovert/foreman/internal/tasks"
	"github.com/clintrovert/foreman/pkg/types"
)

// Developer turns one eligible task into a pull request.
type Developer struct {
	host       Host
	workspaces Workspaces
	drafter    planner.Drafter
	codec      tasks.Codec
	tracker    IssueTracker
	logger     *zap.Logger
}

// NewDeveloper creates a developer. tracker may be nil.
func NewDeveloper(host Host, workspaces Workspaces, drafter planner.Drafter, tracker IssueTracker, logger *zap.Logger) *Developer {
	if drafter == nil {
		drafter = planner.Template{}
	}
	return &Developer{
		host:       host,
		workspaces: workspaces,
		drafter:    drafter,
		codec:      tasks.FrontMatter{},
		tracker:    tracker,
		logger:     logger,
	}
}

// Execute runs every step in-process.
func (d *Developer) Execute(ctx context.Context, repo types.RepoContext, task types.TaskRecord) (Outcome, error) {
	prep, err := d.PrepareBranch(ctx, repo, task)
	if err != nil {
		return Outcome{}, err
	}
	if prep.Existing != nil {
		return Outcome{Branch: prep.Existing.HeadRef, PR: prep.Existing, Reused: true}, nil
	}
	if _, err := d.ApplyTask(ctx, repo, task, prep.Branch); err != nil {
		return Outcome{}, err
	}
	if err := d.PublishBranch(ctx, repo, prep.Branch); err != nil {
		return Outcome{}, err
	}
	return d.OpenChangeRequest(ctx, repo, task, prep.Branch)
}

// PrepareBranch syncs the working copy and switches to the task branch. When
// an open pull request already carries the task id it is returned instead
// and nothing else happens.
func (d *Developer) PrepareBranch(ctx context.Context, repo types.RepoContext, task types.TaskRecord) (Prepared, error) {
	ws := d.workspaces(repo)
	if _, err := ws.EnsureLocalClone(ctx); err != nil {
		return Prepared{}, err
	}
	if err := ws.Sync(ctx); err != nil {
		return Prepared{}, err
	}

	existing, err := d.host.FindOpenByTaskID(ctx, repo.Owner, repo.Name, task.ID)
	if err != nil {
		return Prepared{}, err
	}
	if existing != nil {
		d.logger.Info("task already has an open pull request",
			zap.String("repo_id", repo.ID),
			zap.String("task_id", task.ID),
			zap.Int("pr_number", existing.Number),
		)
		return Prepared{Branch: existing.HeadRef, Existing: infoOf(existing)}, nil
	}

	branch := scheduler.BranchName(task.ID, task.Title)
	if err := ws.CreateOrSwitchBranch(ctx, branch); err != nil {
		return Prepared{}, err
	}
	return Prepared{Branch: branch}, nil
}

// ApplyTask writes the drafted plan, flips the task to in_review and commits.
func (d *Developer) ApplyTask(ctx context.Context, repo types.RepoContext, task types.TaskRecord, branch string) (bool, error) {
	ws := d.workspaces(repo)
	if err := ws.CreateOrSwitchBranch(ctx, branch); err != nil {
		return false, err
	}

	plan, err := d.drafter.Draft(ctx, repo, task)
	if err != nil {
		return false, fmt.Errorf("failed to draft plan: %w", err)
	}
	if err := ws.WriteFile(PlanPath(repo, task.ID), []byte(plan)); err != nil {
		return false, err
	}

	if task.Path != "" {
		content, err := ws.ReadFile(task.Path)
		if err != nil {
			return false, err
		}
		updated, err := d.codec.SetStatus(content, types.StatusInReview)
		if err != nil {
			return false, fmt.Errorf("failed to update status of %s: %w", task.ID, err)
		}
		if err := ws.WriteFile(task.Path, updated); err != nil {
			return false, err
		}
	}

	return ws.CommitAll(ctx, fmt.Sprintf("%s: %s", task.ID, task.Title))
}

// PublishBranch pushes the task branch.
func (d *Developer) PublishBranch(ctx context.Context, repo types.RepoContext, branch string) error {
	return d.workspaces(repo).PushBranch(ctx, branch)
}

// OpenChangeRequest opens the pull request for the branch, reusing an open
// one for the same head.
func (d *Developer) OpenChangeRequest(ctx context.Context, repo types.RepoContext, task types.TaskRecord, branch string) (Outcome, error) {
	out := Outcome{Branch: branch}

	pr, err := d.host.OpenPullRequest(ctx, repo.Owner, repo.Name, branch, repo.DefaultBranch,
		github.PRTitle(task.ID, task.Title), github.PRBody(task.ID, task.Title, nil))
	switch {
	case err == nil:
		out.PR = pr
	case errors.Is(err, github.ErrAlreadyExists):
		existing, ferr := d.host.FindOpenByHead(ctx, repo.Owner, repo.Name, branch, repo.DefaultBranch)
		if ferr != nil {
			return out, ferr
		}
		if existing != nil {
			out.PR = infoOf(existing)
		}
		out.Reused = true
	case errors.Is(err, github.ErrNoChanges):
		d.logger.Info("nothing to merge for task",
			zap.String("repo_id", repo.ID),
			zap.String("task_id", task.ID),
		)
		out.NoChanges = true
		return out, nil
	default:
		return out, err
	}

	if d.tracker != nil && task.Jira != "" && out.PR != nil {
		msg := fmt.Sprintf("Pull request for %s: %s", task.ID, out.PR.PRURL)
		if err := d.tracker.Comment(ctx, task.Jira, msg); err != nil {
			d.logger.Warn("failed to mirror pull request to jira",
				zap.String("task_id", task.ID),
				zap.String("issue", task.Jira),
				zap.Error(err),
			)
		}
	}
	return out, nil
}

// PlanPath is where the plan for a task is committed.
func PlanPath(repo types.RepoContext, taskID string) string {
	return path.Join(repo.TargetSubdir, "plans", taskID+".md")
}
