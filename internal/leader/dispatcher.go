// Package leader decides what to do next for each registered repository and
// carries it out under the repository's work lock.
package leader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/clintrovert/foreman/internal/activities"
	"github.com/clintrovert/foreman/internal/lock"
	"github.com/clintrovert/foreman/internal/scheduler"
	"github.com/clintrovert/foreman/internal/tasks"
	"github.com/clintrovert/foreman/pkg/types"
)

// ErrDisabled is returned when scanning a disabled repository.
var ErrDisabled = errors.New("repository is disabled")

const (
	msgDisabled    = "repository is disabled"
	msgInProgress  = "dispatch in progress"
	msgNoEligible  = "no eligible task"
	msgObserve     = "observe mode: next task computed, nothing dispatched"
	msgModeChanged = "mode changed before dispatch, nothing dispatched"
	msgDispatched  = "change request opened"
	msgReused      = "change request already open"
	msgNoChanges   = "task produced no changes"
)

// Registry is the registry view the dispatcher needs.
type Registry interface {
	Get(ctx context.Context, id string) (types.RepoContext, error)
	Mode(ctx context.Context, id string) (types.Mode, error)
}

// Host lists open change requests.
type Host interface {
	ListOpen(ctx context.Context, owner, repo string) ([]types.PullRequest, error)
}

// Workspace is the read side of a working copy.
type Workspace interface {
	EnsureLocalClone(ctx context.Context) (string, error)
	Sync(ctx context.Context) error
	ListLocalBranches(ctx context.Context) ([]string, error)
	ListRemoteBranches(ctx context.Context) ([]string, error)
	FS() fs.FS
}

// Workspaces opens the working copy for a repository.
type Workspaces func(repo types.RepoContext) Workspace

// Reviews reviews a head once, sharing the poller's record of reviewed heads.
type Reviews interface {
	ReviewOnce(ctx context.Context, repo types.RepoContext, pr types.PullRequest) (bool, error)
}

// Merges closes out a merged change request.
type Merges interface {
	OnMerge(ctx context.Context, repo types.RepoContext, pr types.PullRequest) (activities.IntegrationResult, error)
}

// Options tune the dispatcher.
type Options struct {
	TaskPattern  string
	AutoDispatch bool
}

// ScanReport is the state of a repository as seen by one scan.
type ScanReport struct {
	RepoID      string                          `json:"repo_id"`
	Mode        types.Mode                      `json:"mode"`
	Present     Signals                         `json:"present"`
	OpenPRs     []types.PullRequest             `json:"open_prs"`
	Eligible    []string                        `json:"eligible"`
	Skipped     map[string]scheduler.SkipReason `json:"skipped,omitempty"`
	Cycle       []string                        `json:"cycle,omitempty"`
	ParseErrors []string                        `json:"parse_errors,omitempty"`
	Next        *types.TaskRecord               `json:"next,omitempty"`
}

// EventOutcome reports what a pull request event caused.
type EventOutcome struct {
	Action      string                        `json:"action"`
	Reviewed    bool                          `json:"reviewed,omitempty"`
	Integration *activities.IntegrationResult `json:"integration,omitempty"`
	Message     string                        `json:"message,omitempty"`
}

// Dispatcher scans repositories, picks the next task and hands it to the
// executor.
type Dispatcher struct {
	registry   Registry
	host       Host
	workspaces Workspaces
	locker     lock.Locker
	executor   Executor
	reviews    Reviews
	merges     Merges
	codec      tasks.Codec
	opts       Options
	logger     *zap.Logger

	// serialises working copy use within this process
	mu   sync.Mutex
	work map[string]*sync.Mutex
}

// NewDispatcher creates a dispatcher. reviews and merges may be nil until
// SetCollaborators is called.
func NewDispatcher(
	registry Registry,
	host Host,
	workspaces Workspaces,
	locker lock.Locker,
	executor Executor,
	opts Options,
	logger *zap.Logger,
) *Dispatcher {
	if opts.TaskPattern == "" {
		opts.TaskPattern = tasks.DefaultPattern
	}
	return &Dispatcher{
		registry:   registry,
		host:       host,
		workspaces: workspaces,
		locker:     locker,
		executor:   executor,
		codec:      tasks.FrontMatter{},
		opts:       opts,
		logger:     logger,
		work:       make(map[string]*sync.Mutex),
	}
}

// SetCollaborators wires the reviewer and integrator used for pull request
// events. The poller depends on the dispatcher for its merge hook, so the two
// are connected after construction.
func (d *Dispatcher) SetCollaborators(reviews Reviews, merges Merges) {
	d.reviews = reviews
	d.merges = merges
}

func (d *Dispatcher) workLock(repoID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.work[repoID]
	if !ok {
		m = &sync.Mutex{}
		d.work[repoID] = m
	}
	return m
}

// Scan refreshes the working copy and reports eligibility for a repository.
func (d *Dispatcher) Scan(ctx context.Context, repoID string) (ScanReport, error) {
	repo, err := d.registry.Get(ctx, repoID)
	if err != nil {
		return ScanReport{}, err
	}
	if repo.Mode == types.ModeDisabled {
		return ScanReport{}, ErrDisabled
	}

	m := d.workLock(repo.ID)
	m.Lock()
	defer m.Unlock()
	return d.scan(ctx, repo)
}

// Next returns the task that would be dispatched now, or nil.
func (d *Dispatcher) Next(ctx context.Context, repoID string) (*types.TaskRecord, error) {
	report, err := d.Scan(ctx, repoID)
	if err != nil {
		return nil, err
	}
	return report.Next, nil
}

func (d *Dispatcher) scan(ctx context.Context, repo types.RepoContext) (ScanReport, error) {
	logger := d.logger.With(zap.String("repo_id", repo.ID))
	report := ScanReport{RepoID: repo.ID, Mode: repo.Mode}

	ws := d.workspaces(repo)
	if _, err := ws.EnsureLocalClone(ctx); err != nil {
		return report, fmt.Errorf("failed to prepare working copy: %w", err)
	}
	if err := ws.Sync(ctx); err != nil {
		return report, fmt.Errorf("failed to sync working copy: %w", err)
	}

	records, parseErrs, err := tasks.Load(ws.FS(), d.opts.TaskPattern, d.codec)
	if err != nil {
		return report, fmt.Errorf("failed to load tasks: %w", err)
	}
	for _, pe := range parseErrs {
		logger.Warn("skipping malformed task", zap.String("path", pe.Path), zap.Error(pe.Err))
		report.ParseErrors = append(report.ParseErrors, pe.Error())
	}

	open, err := d.host.ListOpen(ctx, repo.Owner, repo.Name)
	if err != nil {
		return report, fmt.Errorf("failed to list open pull requests: %w", err)
	}
	report.OpenPRs = open
	titles := make([]string, 0, len(open))
	for _, pr := range open {
		titles = append(titles, pr.Title)
	}

	local, err := ws.ListLocalBranches(ctx)
	if err != nil {
		return report, err
	}
	remote, err := ws.ListRemoteBranches(ctx)
	if err != nil {
		return report, err
	}

	ev := scheduler.Evaluate(records, titles, append(local, remote...))
	if len(ev.Cycle) > 0 {
		logger.Warn("dependency cycle in backlog", zap.Strings("cycle", ev.Cycle))
	}
	ordered := scheduler.Order(ev.Eligible)

	report.Present = PresentSignals(ws.FS(), d.opts.TaskPattern)
	report.Skipped = ev.Skipped
	report.Cycle = ev.Cycle
	report.Eligible = make([]string, 0, len(ordered))
	for _, rec := range ordered {
		report.Eligible = append(report.Eligible, rec.ID)
	}
	report.Next = scheduler.Next(ordered)
	return report, nil
}

// Dispatch runs the next eligible task for a repository. Expected outcomes
// such as observe mode, lock contention or an empty backlog are reported in
// the result rather than as errors.
func (d *Dispatcher) Dispatch(ctx context.Context, repoID string) types.DispatchResult {
	repo, err := d.registry.Get(ctx, repoID)
	if err != nil {
		return types.Failed(repoID, "", err.Error())
	}
	logger := d.logger.With(zap.String("repo_id", repo.ID))

	switch repo.Mode {
	case types.ModeDisabled:
		res := types.Failed(repo.ID, "", msgDisabled)
		res.Mode = repo.Mode
		return res
	case types.ModeObserve:
		return d.observe(ctx, repo)
	}

	if !d.locker.Acquire(ctx, repo.ID, 0) {
		logger.Info("dispatch already in progress")
		res := types.Failed(repo.ID, "", msgInProgress)
		res.Mode = repo.Mode
		return res
	}
	defer d.locker.Release(repo.ID)

	m := d.workLock(repo.ID)
	m.Lock()
	defer m.Unlock()

	report, err := d.scan(ctx, repo)
	if err != nil {
		logger.Error("scan under lock failed", zap.Error(err))
		return d.failed(repo, "", err.Error())
	}
	if report.Next == nil {
		return d.failed(repo, "", msgNoEligible)
	}
	task := *report.Next

	mode, err := d.registry.Mode(ctx, repo.ID)
	if err != nil {
		return d.failed(repo, task.ID, err.Error())
	}
	if mode != types.ModeAct {
		logger.Info("mode changed before dispatch", zap.String("mode", string(mode)))
		res := d.failed(repo, task.ID, msgModeChanged)
		res.Mode = mode
		return res
	}

	runID := ulid.Make().String()
	logger.Info("dispatching task",
		zap.String("run_id", runID),
		zap.String("task_id", task.ID),
	)
	out, err := d.executor.Execute(ctx, runID, repo, task)
	if err != nil {
		logger.Error("dispatch failed", zap.String("task_id", task.ID), zap.Error(err))
		res := d.failed(repo, task.ID, err.Error())
		res.RunID = runID
		res.Title = task.Title
		return res
	}

	res := types.DispatchResult{
		OK:      true,
		RunID:   runID,
		RepoID:  repo.ID,
		Mode:    repo.Mode,
		TaskID:  task.ID,
		Title:   task.Title,
		Branch:  out.Branch,
		Message: msgDispatched,
	}
	switch {
	case out.Reused:
		res.Message = msgReused
	case out.NoChanges:
		res.Message = msgNoChanges
	}
	if out.PR != nil {
		res.URL = out.PR.PRURL
	}
	return res
}

func (d *Dispatcher) observe(ctx context.Context, repo types.RepoContext) types.DispatchResult {
	m := d.workLock(repo.ID)
	m.Lock()
	defer m.Unlock()

	report, err := d.scan(ctx, repo)
	if err != nil {
		return d.failed(repo, "", err.Error())
	}
	if report.Next == nil {
		return d.failed(repo, "", msgNoEligible)
	}
	return types.DispatchResult{
		OK:      true,
		RepoID:  repo.ID,
		Mode:    repo.Mode,
		TaskID:  report.Next.ID,
		Title:   report.Next.Title,
		Branch:  scheduler.BranchName(report.Next.ID, report.Next.Title),
		Message: msgObserve,
	}
}

func (d *Dispatcher) failed(repo types.RepoContext, taskID, message string) types.DispatchResult {
	res := types.Failed(repo.ID, taskID, message)
	res.Mode = repo.Mode
	return res
}

// OnMerge integrates a merged change request while holding the repository's
// working copy.
func (d *Dispatcher) OnMerge(ctx context.Context, repo types.RepoContext, pr types.PullRequest) (activities.IntegrationResult, error) {
	if d.merges == nil {
		return activities.IntegrationResult{}, errors.New("no integrator configured")
	}
	m := d.workLock(repo.ID)
	m.Lock()
	defer m.Unlock()
	return d.merges.OnMerge(ctx, repo, pr)
}

// OnMerged dispatches the next task after a merge when auto dispatch is on
// and the repository is in act mode.
func (d *Dispatcher) OnMerged(ctx context.Context, repo types.RepoContext) {
	if !d.opts.AutoDispatch {
		return
	}
	mode, err := d.registry.Mode(ctx, repo.ID)
	if err != nil || mode != types.ModeAct {
		return
	}
	res := d.Dispatch(ctx, repo.ID)
	d.logger.Info("auto dispatch after merge",
		zap.String("repo_id", repo.ID),
		zap.Bool("ok", res.OK),
		zap.String("task_id", res.TaskID),
		zap.String("message", res.Message),
	)
}

// HandlePullRequestEvent reacts to a pull request delivered by webhook.
func (d *Dispatcher) HandlePullRequestEvent(ctx context.Context, repo types.RepoContext, ev types.PullRequestEvent) (EventOutcome, error) {
	out := EventOutcome{Action: ev.Action}

	mode, err := d.registry.Mode(ctx, repo.ID)
	if err != nil {
		return out, err
	}
	if mode != types.ModeAct {
		out.Message = fmt.Sprintf("%s mode: event ignored", mode)
		return out, nil
	}

	logger := d.logger.With(
		zap.String("repo_id", repo.ID),
		zap.Int("pr_number", ev.Pull.Number),
		zap.String("action", ev.Action),
	)

	switch ev.Action {
	case "opened", "synchronize", "reopened":
		if d.reviews == nil {
			return out, errors.New("no reviewer configured")
		}
		reviewed, err := d.reviews.ReviewOnce(ctx, repo, ev.Pull)
		if err != nil {
			return out, fmt.Errorf("failed to review pull request #%d: %w", ev.Pull.Number, err)
		}
		out.Reviewed = reviewed
		if !reviewed {
			out.Message = "head already reviewed"
		}
		logger.Info("handled pull request event", zap.Bool("reviewed", reviewed))
		return out, nil

	case "closed":
		if !ev.Pull.Merged {
			out.Message = "closed without merge"
			return out, nil
		}
		res, err := d.OnMerge(ctx, repo, ev.Pull)
		if err != nil {
			return out, fmt.Errorf("failed to integrate pull request #%d: %w", ev.Pull.Number, err)
		}
		out.Integration = &res
		logger.Info("integrated merged pull request", zap.String("task_id", res.TaskID))
		d.OnMerged(ctx, repo)
		return out, nil
	}

	out.Message = "action ignored"
	return out, nil
}
