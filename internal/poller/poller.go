// Package poller detects opened, updated and merged pull requests by polling
// the host with conditional requests, and hands each change to the reviewer
// or the integrator exactly once.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clintrovert/foreman/internal/activities"
	"github.com/clintrovert/foreman/internal/config"
	"github.com/clintrovert/foreman/internal/github"
	"github.com/clintrovert/foreman/internal/store"
	"github.com/clintrovert/foreman/pkg/types"
)

// Host lists pull requests conditionally.
type Host interface {
	ListPulls(ctx context.Context, owner, repo, state, etag string) (github.PullList, error)
}

// Repos is the registry view the poller needs.
type Repos interface {
	List(ctx context.Context) ([]types.RepoContext, error)
	Mode(ctx context.Context, id string) (types.Mode, error)
}

// Reviewer comments on a newly seen head.
type Reviewer interface {
	Review(ctx context.Context, repo types.RepoContext, pr types.PullRequest) (activities.ReviewResult, error)
}

// Integrator closes out a merged pull request.
type Integrator interface {
	OnMerge(ctx context.Context, repo types.RepoContext, pr types.PullRequest) (activities.IntegrationResult, error)
}

// MergeHook runs after a repository's state is saved when at least one merge
// was integrated during the poll.
type MergeHook func(ctx context.Context, repo types.RepoContext)

// errNotActing stops dispatch when the repository left act mode mid-poll.
var errNotActing = errors.New("repository is not in act mode")

// Summary reports one repository's poll.
type Summary struct {
	RepoID            string      `json:"repo_id"`
	Mode              types.Mode  `json:"mode"`
	OpenNotModified   bool        `json:"open_not_modified"`
	OpenCount         int         `json:"open_count"`
	ClosedPolled      bool        `json:"closed_polled"`
	ClosedNotModified bool        `json:"closed_not_modified"`
	Reviewed          []int       `json:"reviewed,omitempty"`
	Integrated        []int       `json:"integrated,omitempty"`
	Pending           []int       `json:"pending,omitempty"`
	Abandoned         []int       `json:"abandoned,omitempty"`
	Rate              github.Rate `json:"rate"`
	Errors            []string    `json:"errors,omitempty"`
}

// Observation is what the interval calculation needs from a round.
type Observation struct {
	SawOpen bool
	Rate    github.Rate
}

// Round reports one pass over every repository.
type Round struct {
	Summaries   []Summary     `json:"summaries"`
	Observation Observation   `json:"-"`
	Next        time.Duration `json:"next"`
}

// Poller drives change detection for every registered repository.
type Poller struct {
	repos      Repos
	store      store.Store
	host       Host
	reviewer   Reviewer
	integrator Integrator
	onMerged   MergeHook
	cfg        config.Poll
	logger     *zap.Logger
	now        func() time.Time

	// rounds and webhook-driven reviews both read-modify-write poll state
	mu sync.Mutex
}

// New creates a poller.
func New(repos Repos, st store.Store, host Host, reviewer Reviewer, integrator Integrator, cfg config.Poll, logger *zap.Logger) *Poller {
	if cfg.ClosedEvery <= 0 {
		cfg.ClosedEvery = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Poller{
		repos:      repos,
		store:      st,
		host:       host,
		reviewer:   reviewer,
		integrator: integrator,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// SetMergeHook installs the hook called after merges are integrated.
func (p *Poller) SetMergeHook(hook MergeHook) {
	p.onMerged = hook
}

// Start polls until ctx is cancelled. It returns early only when poll state
// cannot be persisted.
func (p *Poller) Start(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("stopping poller")
			return nil
		case <-timer.C:
			round, err := p.RunRound(ctx)
			if err != nil {
				return err
			}
			p.logger.Debug("poll round finished",
				zap.Int("repos", len(round.Summaries)),
				zap.Duration("next", round.Next),
			)
			timer.Reset(round.Next)
		}
	}
}

// RunRound polls every registered, non-disabled repository once.
func (p *Poller) RunRound(ctx context.Context) (Round, error) {
	repos, err := p.repos.List(ctx)
	if err != nil {
		return Round{}, fmt.Errorf("failed to list repositories: %w", err)
	}

	var round Round
	for _, repo := range repos {
		if repo.Mode == types.ModeDisabled {
			continue
		}
		sum, err := p.PollRepo(ctx, repo)
		if err != nil {
			return round, err
		}
		round.Summaries = append(round.Summaries, sum)

		if sum.OpenCount > 0 {
			round.Observation.SawOpen = true
		}
		if sum.Rate.Known && (!round.Observation.Rate.Known || sum.Rate.Remaining < round.Observation.Rate.Remaining) {
			round.Observation.Rate = sum.Rate
		}
	}

	round.Next = NextInterval(p.cfg, round.Observation, p.now())
	return round, nil
}

// PollRepo polls one repository. Host failures are reported in the summary;
// the returned error is reserved for failing to persist poll state. The merge
// hook runs after the poll state lock is released.
func (p *Poller) PollRepo(ctx context.Context, repo types.RepoContext) (Summary, error) {
	sum, merged, err := p.pollRepo(ctx, repo)
	if err != nil {
		return sum, err
	}
	if merged && p.onMerged != nil {
		p.onMerged(ctx, repo)
	}
	return sum, nil
}

func (p *Poller) pollRepo(ctx context.Context, repo types.RepoContext) (Summary, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	logger := p.logger.With(zap.String("repo_id", repo.ID))
	sum := Summary{RepoID: repo.ID, Mode: repo.Mode}

	st, err := p.store.PollState(ctx, repo.ID)
	if err != nil {
		return sum, false, fmt.Errorf("failed to load poll state for %s: %w", repo.ID, err)
	}
	st.Cycle++
	closedDue := (st.Cycle-1)%p.cfg.ClosedEvery == 0

	merged := false
	if err := p.pollOpen(ctx, logger, repo, &st, &sum); err != nil {
		logger.Warn("open poll failed", zap.Error(err))
		sum.Errors = append(sum.Errors, "open: "+err.Error())
	} else if closedDue {
		sum.ClosedPolled = true
		n, err := p.pollClosed(ctx, logger, repo, &st, &sum)
		if err != nil {
			logger.Warn("closed poll failed", zap.Error(err))
			sum.Errors = append(sum.Errors, "closed: "+err.Error())
		}
		merged = n > 0
	}

	if err := p.store.PutPollState(ctx, repo.ID, st); err != nil {
		return sum, false, fmt.Errorf("failed to save poll state for %s: %w", repo.ID, err)
	}
	return sum, merged, nil
}

func reviewKey(sha string) string { return "review:" + sha }

func mergeKey(number int) string { return fmt.Sprintf("merge:%d", number) }

// giveUp records a failed attempt and reports whether the retry budget for
// key is spent, in which case the counter is dropped.
func (p *Poller) giveUp(st *types.PollState, key string) bool {
	if st.RecordFailure(key) < p.cfg.MaxAttempts {
		return false
	}
	st.ClearFailure(key)
	return true
}

func (p *Poller) pollOpen(ctx context.Context, logger *zap.Logger, repo types.RepoContext, st *types.PollState, sum *Summary) error {
	list, err := p.host.ListPulls(ctx, repo.Owner, repo.Name, "open", st.Open.ETag)
	sum.Rate = list.Rate
	if err != nil {
		return err
	}
	if list.NotModified {
		sum.OpenNotModified = true
		sum.OpenCount = st.Open.Count
		return nil
	}

	sum.OpenCount = len(list.Pulls)
	st.Open.Count = len(list.Pulls)

	// withheld keeps the validator unset while any head still needs a retry
	withheld := false
	acting := true
	for _, pr := range list.Pulls {
		if st.HasSeen(pr.HeadSHA) {
			continue
		}
		if acting {
			if err := p.requireAct(ctx, repo.ID); err != nil {
				acting = false
				if !errors.Is(err, errNotActing) {
					sum.Errors = append(sum.Errors, err.Error())
				}
			}
		}
		if !acting {
			// observe mode costs a full open fetch per cycle while unseen heads exist
			withheld = true
			sum.Pending = append(sum.Pending, pr.Number)
			continue
		}

		key := reviewKey(pr.HeadSHA)
		if _, err := p.reviewer.Review(ctx, repo, pr); err != nil {
			sum.Errors = append(sum.Errors, fmt.Sprintf("review #%d: %v", pr.Number, err))
			if !p.giveUp(st, key) {
				// the head stays unrecorded so the next full fetch retries it
				withheld = true
				sum.Pending = append(sum.Pending, pr.Number)
				continue
			}
			logger.Error("giving up on review",
				zap.Int("pr", pr.Number),
				zap.String("head_sha", pr.HeadSHA),
				zap.Int("attempts", p.cfg.MaxAttempts),
				zap.Error(err),
			)
			st.MarkSeen(pr.HeadSHA, p.cfg.SeenCap)
			sum.Abandoned = append(sum.Abandoned, pr.Number)
			continue
		}
		st.ClearFailure(key)
		st.MarkSeen(pr.HeadSHA, p.cfg.SeenCap)
		sum.Reviewed = append(sum.Reviewed, pr.Number)
	}

	if !withheld {
		st.Open.ETag = list.ETag
	}
	return nil
}

func (p *Poller) pollClosed(ctx context.Context, logger *zap.Logger, repo types.RepoContext, st *types.PollState, sum *Summary) (int, error) {
	list, err := p.host.ListPulls(ctx, repo.Owner, repo.Name, "closed", st.Closed.ETag)
	if list.Rate.Known {
		sum.Rate = list.Rate
	}
	if err != nil {
		return 0, err
	}
	if list.NotModified {
		sum.ClosedNotModified = true
		return 0, nil
	}

	var candidates []types.PullRequest
	for _, pr := range list.Pulls {
		if pr.MergedAt == nil {
			continue
		}
		if st.Closed.LastMergedAt != nil && !pr.MergedAt.After(*st.Closed.LastMergedAt) {
			continue
		}
		candidates = append(candidates, pr)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].MergedAt.Before(*candidates[j].MergedAt)
	})
	if st.Closed.LastMergedAt == nil && len(candidates) > 1 {
		// first contact: only the newest merge, older history is not replayed
		candidates = candidates[len(candidates)-1:]
	}

	integrated := 0
	for i, pr := range candidates {
		if err := p.requireAct(ctx, repo.ID); err != nil {
			if !errors.Is(err, errNotActing) {
				sum.Errors = append(sum.Errors, err.Error())
			}
			for _, rest := range candidates[i:] {
				sum.Pending = append(sum.Pending, rest.Number)
			}
			return integrated, nil
		}

		key := mergeKey(pr.Number)
		if _, err := p.integrator.OnMerge(ctx, repo, pr); err != nil {
			sum.Errors = append(sum.Errors, fmt.Sprintf("integrate #%d: %v", pr.Number, err))
			if !p.giveUp(st, key) {
				// the watermark stops at the last success and the validator is
				// not stored, so a retry re-delivers only what is left
				for _, rest := range candidates[i:] {
					sum.Pending = append(sum.Pending, rest.Number)
				}
				return integrated, nil
			}
			logger.Error("giving up on merge integration",
				zap.Int("pr", pr.Number),
				zap.String("head_ref", pr.HeadRef),
				zap.Int("attempts", p.cfg.MaxAttempts),
				zap.Error(err),
			)
			sum.Abandoned = append(sum.Abandoned, pr.Number)
		} else {
			st.ClearFailure(key)
			sum.Integrated = append(sum.Integrated, pr.Number)
			integrated++
		}
		mergedAt := *pr.MergedAt
		st.Closed.LastMergedAt = &mergedAt
	}

	st.Closed.ETag = list.ETag
	return integrated, nil
}

// requireAct re-reads the mode right before a side effect.
func (p *Poller) requireAct(ctx context.Context, repoID string) error {
	mode, err := p.repos.Mode(ctx, repoID)
	if err != nil {
		return err
	}
	if mode != types.ModeAct {
		return errNotActing
	}
	return nil
}

// ReviewOnce reviews pr unless its head was already reviewed, recording the
// head on success. It serves pull request events delivered by webhook.
func (p *Poller) ReviewOnce(ctx context.Context, repo types.RepoContext, pr types.PullRequest) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, err := p.store.PollState(ctx, repo.ID)
	if err != nil {
		return false, fmt.Errorf("failed to load poll state for %s: %w", repo.ID, err)
	}
	if st.HasSeen(pr.HeadSHA) {
		return false, nil
	}
	if _, err := p.reviewer.Review(ctx, repo, pr); err != nil {
		return false, err
	}
	st.ClearFailure(reviewKey(pr.HeadSHA))
	st.MarkSeen(pr.HeadSHA, p.cfg.SeenCap)
	if err := p.store.PutPollState(ctx, repo.ID, st); err != nil {
		return true, fmt.Errorf("failed to save poll state for %s: %w", repo.ID, err)
	}
	return true, nil
}

// NextInterval picks the delay before the next round. A quota below the
// floor backs off until the reset, clamped to the backoff window.
func NextInterval(cfg config.Poll, obs Observation, now time.Time) time.Duration {
	if obs.Rate.Known && obs.Rate.Remaining < cfg.RateFloor {
		wait := obs.Rate.Reset.Sub(now)
		if wait < cfg.BackoffMin {
			wait = cfg.BackoffMin
		}
		if wait > cfg.BackoffMax {
			wait = cfg.BackoffMax
		}
		return wait
	}
	if obs.SawOpen {
		return cfg.Active
	}
	return cfg.Idle
}
