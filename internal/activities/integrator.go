package activities

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/clintrovert/foreman/internal/github"
	"github.com/clintrovert/foreman/internal/tasks"
	"github.com/clintrovert/foreman/pkg/types"
)

// Integrator closes a task out after its pull request merges. It proposes the
// status change through a follow-up pull request and never writes to the
// default branch directly.
type Integrator struct {
	host       Host
	workspaces Workspaces
	ids        *tasks.IDMatcher
	pattern    string
	codec      tasks.Codec
	tracker    IssueTracker
	doneStatus string
	logger     *zap.Logger
}

// IntegratorOptions tunes task discovery and the Jira mirror.
type IntegratorOptions struct {
	TaskPattern    string
	IDs            *tasks.IDMatcher
	Tracker        IssueTracker
	JiraDoneStatus string
}

// NewIntegrator creates an integrator.
func NewIntegrator(host Host, workspaces Workspaces, opts IntegratorOptions, logger *zap.Logger) *Integrator {
	if opts.IDs == nil {
		opts.IDs, _ = tasks.NewIDMatcher(tasks.DefaultIDPattern)
	}
	if opts.TaskPattern == "" {
		opts.TaskPattern = tasks.DefaultPattern
	}
	if opts.JiraDoneStatus == "" {
		opts.JiraDoneStatus = "Done"
	}
	return &Integrator{
		host:       host,
		workspaces: workspaces,
		ids:        opts.IDs,
		pattern:    opts.TaskPattern,
		codec:      tasks.FrontMatter{},
		tracker:    opts.Tracker,
		doneStatus: opts.JiraDoneStatus,
		logger:     logger,
	}
}

type pendingWrite struct {
	path    string
	content []byte
}

// OnMerge marks the task named in the merged title done where it is in review.
// Running it twice for the same merge is harmless.
func (i *Integrator) OnMerge(ctx context.Context, repo types.RepoContext, pr types.PullRequest) (IntegrationResult, error) {
	id := i.ids.Find(pr.Title)
	if id == "" {
		return IntegrationResult{Message: "no task id found in title"}, nil
	}
	res := IntegrationResult{TaskID: id}

	ws := i.workspaces(repo)
	if _, err := ws.EnsureLocalClone(ctx); err != nil {
		return res, err
	}
	if err := ws.Sync(ctx); err != nil {
		return res, err
	}

	records, skipped, err := tasks.Load(ws.FS(), i.pattern, i.codec)
	if err != nil {
		return res, err
	}
	for _, s := range skipped {
		i.logger.Warn("skipping malformed task", zap.String("path", s.Path), zap.Error(s.Err))
	}

	var writes []pendingWrite
	var jiraKeys []string
	for _, rec := range records {
		if rec.ID != id || !strings.EqualFold(strings.TrimSpace(rec.Status), types.StatusInReview) {
			continue
		}
		content, err := ws.ReadFile(rec.Path)
		if err != nil {
			return res, err
		}
		updated, err := i.codec.SetStatus(content, types.StatusDone)
		if err != nil {
			return res, err
		}
		writes = append(writes, pendingWrite{path: rec.Path, content: updated})
		if rec.Jira != "" {
			jiraKeys = append(jiraKeys, rec.Jira)
		}
	}

	res.Updated = len(writes)
	if len(writes) == 0 {
		res.Message = "no task in review"
		return res, nil
	}

	branch := github.IntegrationBranch(id)
	if err := ws.CreateOrSwitchBranch(ctx, branch); err != nil {
		return res, err
	}
	for _, w := range writes {
		if err := ws.WriteFile(w.path, w.content); err != nil {
			return res, err
		}
	}
	if _, err := ws.CommitAll(ctx, id+": mark task done"); err != nil {
		return res, err
	}
	if err := ws.PushBranch(ctx, branch); err != nil {
		return res, err
	}

	info, err := i.host.OpenPullRequest(ctx, repo.Owner, repo.Name, branch, repo.DefaultBranch,
		github.IntegrationTitle(id), github.PRBody(id, "mark task done", nil))
	switch {
	case err == nil:
		res.PR = info
	case errors.Is(err, github.ErrAlreadyExists):
		existing, ferr := i.host.FindOpenByHead(ctx, repo.Owner, repo.Name, branch, repo.DefaultBranch)
		if ferr != nil {
			return res, ferr
		}
		if existing != nil {
			res.PR = infoOf(existing)
		}
	case errors.Is(err, github.ErrNoChanges):
		res.Message = "status change already on default branch"
	default:
		return res, err
	}

	if i.tracker != nil {
		for _, key := range jiraKeys {
			if err := i.tracker.Transition(ctx, key, i.doneStatus); err != nil {
				i.logger.Warn("failed to transition jira issue",
					zap.String("task_id", id),
					zap.String("issue", key),
					zap.Error(err),
				)
			}
		}
	}

	i.logger.Info("integrated merged pull request",
		zap.String("repo_id", repo.ID),
		zap.String("task_id", id),
		zap.Int("pr_number", pr.Number),
		zap.Int("updated", res.Updated),
	)
	return res, nil
}
