package poller

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/clintrovert/foreman/internal/activities"
	"github.com/clintrovert/foreman/internal/config"
	"github.com/clintrovert/foreman/internal/github"
	"github.com/clintrovert/foreman/internal/store"
	"github.com/clintrovert/foreman/pkg/types"
)

var repo = types.RepoContext{ID: "acme_api", Owner: "acme", Name: "api", DefaultBranch: "main", Mode: types.ModeAct}

var pollCfg = config.Poll{
	Active:      30 * time.Second,
	Idle:        120 * time.Second,
	RateFloor:   200,
	BackoffMin:  600 * time.Second,
	BackoffMax:  900 * time.Second,
	ClosedEvery: 1,
	SeenCap:     200,
	MaxAttempts: 3,
}

// fakeHost serves two collections and answers 304 when the validator
// matches the current content version.
type fakeHost struct {
	open, closed   []types.PullRequest
	openV, closedV int
	calls          map[string]int
	notModified    map[string]int
	fail           map[string]error
	rate           github.Rate
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		calls:       map[string]int{},
		notModified: map[string]int{},
		fail:        map[string]error{},
		rate:        github.Rate{Remaining: 5000, Reset: time.Now().Add(time.Hour), Known: true},
	}
}

func (h *fakeHost) setOpen(prs ...types.PullRequest) {
	h.open = prs
	h.openV++
}

func (h *fakeHost) setClosed(prs ...types.PullRequest) {
	h.closed = prs
	h.closedV++
}

func (h *fakeHost) ListPulls(_ context.Context, _, _, state, etag string) (github.PullList, error) {
	h.calls[state]++
	if err := h.fail[state]; err != nil {
		return github.PullList{Rate: h.rate}, err
	}
	pulls, version := h.open, h.openV
	if state == "closed" {
		pulls, version = h.closed, h.closedV
	}
	current := fmt.Sprintf(`W/"%s-%d"`, state, version)
	if etag == current {
		h.notModified[state]++
		return github.PullList{NotModified: true, ETag: etag, Rate: h.rate}, nil
	}
	return github.PullList{ETag: current, Pulls: pulls, Rate: h.rate}, nil
}

type fakeRepos struct {
	repos []types.RepoContext
	mode  types.Mode
}

func (r *fakeRepos) List(context.Context) ([]types.RepoContext, error) { return r.repos, nil }

func (r *fakeRepos) Mode(context.Context, string) (types.Mode, error) { return r.mode, nil }

type fakeReviewer struct {
	reviewed []int
	failOn   map[int]bool
}

func (f *fakeReviewer) Review(_ context.Context, _ types.RepoContext, pr types.PullRequest) (activities.ReviewResult, error) {
	if f.failOn[pr.Number] {
		return activities.ReviewResult{}, errors.New("comment rejected")
	}
	f.reviewed = append(f.reviewed, pr.Number)
	return activities.ReviewResult{PRNumber: pr.Number}, nil
}

type fakeIntegrator struct {
	integrated []int
	failOn     map[int]bool
}

func (f *fakeIntegrator) OnMerge(_ context.Context, _ types.RepoContext, pr types.PullRequest) (activities.IntegrationResult, error) {
	if f.failOn[pr.Number] {
		return activities.IntegrationResult{}, errors.New("push rejected")
	}
	f.integrated = append(f.integrated, pr.Number)
	return activities.IntegrationResult{Updated: 1}, nil
}

type harness struct {
	poller     *Poller
	host       *fakeHost
	repos      *fakeRepos
	store      store.Store
	reviewer   *fakeReviewer
	integrator *fakeIntegrator
	merges     int
}

func newHarness(t *testing.T, cfg config.Poll) *harness {
	logger := zaptest.NewLogger(t)
	st, err := store.NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)

	h := &harness{
		host:       newFakeHost(),
		repos:      &fakeRepos{repos: []types.RepoContext{repo}, mode: types.ModeAct},
		store:      st,
		reviewer:   &fakeReviewer{failOn: map[int]bool{}},
		integrator: &fakeIntegrator{failOn: map[int]bool{}},
	}
	h.poller = New(h.repos, st, h.host, h.reviewer, h.integrator, cfg, logger)
	h.poller.SetMergeHook(func(context.Context, types.RepoContext) { h.merges++ })
	return h
}

func (h *harness) poll(t *testing.T) Summary {
	sum, err := h.poller.PollRepo(context.Background(), repo)
	require.NoError(t, err)
	return sum
}

func (h *harness) state(t *testing.T) types.PollState {
	st, err := h.store.PollState(context.Background(), repo.ID)
	require.NoError(t, err)
	return st
}

func openPR(n int, sha string) types.PullRequest {
	return types.PullRequest{Number: n, HeadSHA: sha, HeadRef: fmt.Sprintf("feature/T-%d", n), BaseRef: "main"}
}

func mergedPR(n int, at time.Time) types.PullRequest {
	return types.PullRequest{Number: n, HeadSHA: fmt.Sprintf("m%d", n), Merged: true, MergedAt: &at}
}

func TestReviewsEachHeadOnce(t *testing.T) {
	h := newHarness(t, pollCfg)
	h.host.setOpen(openPR(1, "a1"), openPR(2, "b1"))

	sum := h.poll(t)
	assert.Equal(t, []int{1, 2}, sum.Reviewed)
	assert.Equal(t, 2, sum.OpenCount)

	sum = h.poll(t)
	assert.True(t, sum.OpenNotModified)
	assert.Empty(t, sum.Reviewed)
	assert.Equal(t, 2, sum.OpenCount)
	assert.Equal(t, []int{1, 2}, h.reviewer.reviewed)
}

func TestNewHeadIsReviewedAgain(t *testing.T) {
	h := newHarness(t, pollCfg)
	h.host.setOpen(openPR(1, "a1"))
	h.poll(t)

	h.host.setOpen(openPR(1, "a2"))
	sum := h.poll(t)
	assert.Equal(t, []int{1}, sum.Reviewed)
	assert.Equal(t, []string{"a1", "a2"}, h.state(t).Open.Seen)
}

func TestNotModifiedKeepsValidator(t *testing.T) {
	h := newHarness(t, pollCfg)
	h.host.setOpen(openPR(1, "a1"))
	h.poll(t)
	before := h.state(t)

	h.poll(t)
	after := h.state(t)
	assert.Equal(t, before.Open.ETag, after.Open.ETag)
	assert.Equal(t, before.Open.Seen, after.Open.Seen)
	assert.Equal(t, 1, h.host.notModified["open"])
}

func TestMergeIntegratedExactlyOnce(t *testing.T) {
	h := newHarness(t, pollCfg)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.host.setClosed(mergedPR(5, base))
	h.poll(t)
	require.Equal(t, []int{5}, h.integrator.integrated)

	h.host.setClosed(mergedPR(6, base.Add(time.Hour)), mergedPR(5, base))
	sum := h.poll(t)
	assert.Equal(t, []int{6}, sum.Integrated)

	sum = h.poll(t)
	assert.Empty(t, sum.Integrated)
	assert.True(t, sum.ClosedNotModified)
	assert.Equal(t, []int{5, 6}, h.integrator.integrated)
	assert.Equal(t, 2, h.merges)
}

func TestFirstContactTakesNewestMergeOnly(t *testing.T) {
	h := newHarness(t, pollCfg)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	closedUnmerged := types.PullRequest{Number: 9, HeadSHA: "x"}
	h.host.setClosed(mergedPR(3, base.Add(2*time.Hour)), closedUnmerged, mergedPR(1, base), mergedPR(2, base.Add(time.Hour)))

	sum := h.poll(t)
	assert.Equal(t, []int{3}, sum.Integrated)
	require.NotNil(t, h.state(t).Closed.LastMergedAt)
	assert.True(t, h.state(t).Closed.LastMergedAt.Equal(base.Add(2*time.Hour)))
}

func TestMergesAfterWatermarkInOrder(t *testing.T) {
	h := newHarness(t, pollCfg)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.host.setClosed(mergedPR(1, base))
	h.poll(t)

	h.host.setClosed(mergedPR(3, base.Add(2*time.Hour)), mergedPR(2, base.Add(time.Hour)), mergedPR(1, base))
	sum := h.poll(t)
	assert.Equal(t, []int{2, 3}, sum.Integrated)
}

func TestPartialIntegrationFailureRetriesRemainder(t *testing.T) {
	h := newHarness(t, pollCfg)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.host.setClosed(mergedPR(1, base))
	h.poll(t)

	h.host.setClosed(mergedPR(3, base.Add(2*time.Hour)), mergedPR(2, base.Add(time.Hour)), mergedPR(1, base))
	h.integrator.failOn[3] = true
	sum := h.poll(t)
	assert.Equal(t, []int{2}, sum.Integrated)
	assert.Equal(t, []int{3}, sum.Pending)
	assert.NotEmpty(t, sum.Errors)

	st := h.state(t)
	assert.True(t, st.Closed.LastMergedAt.Equal(base.Add(time.Hour)))

	delete(h.integrator.failOn, 3)
	sum = h.poll(t)
	assert.False(t, sum.ClosedNotModified)
	assert.Equal(t, []int{3}, sum.Integrated)
	assert.Equal(t, []int{1, 2, 3}, h.integrator.integrated)
}

func TestPartialReviewFailureWithholdsValidator(t *testing.T) {
	h := newHarness(t, pollCfg)
	h.host.setOpen(openPR(1, "a1"), openPR(2, "b1"))
	h.reviewer.failOn[1] = true

	sum := h.poll(t)
	assert.Equal(t, []int{2}, sum.Reviewed)
	assert.Equal(t, []int{1}, sum.Pending)
	assert.Empty(t, h.state(t).Open.ETag)
	assert.Equal(t, 1, h.state(t).Failures["review:a1"])

	delete(h.reviewer.failOn, 1)
	sum = h.poll(t)
	assert.Equal(t, []int{1}, sum.Reviewed)
	assert.Equal(t, []int{2, 1}, h.reviewer.reviewed)

	st := h.state(t)
	assert.NotEmpty(t, st.Open.ETag)
	assert.Empty(t, st.Failures)
}

func TestFailingReviewDoesNotStarveOthers(t *testing.T) {
	cfg := pollCfg
	cfg.MaxAttempts = 5
	h := newHarness(t, cfg)
	h.host.setOpen(openPR(1, "a1"), openPR(2, "b1"))
	h.reviewer.failOn[1] = true

	sum := h.poll(t)
	assert.Equal(t, []int{2}, sum.Reviewed)

	for i := 0; i < 3; i++ {
		sum = h.poll(t)
		assert.Empty(t, sum.Reviewed)
		assert.Equal(t, []int{1}, sum.Pending)
	}
	assert.Equal(t, []int{2}, h.reviewer.reviewed)
}

func TestReviewGivenUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, pollCfg)
	h.host.setOpen(openPR(1, "a1"), openPR(2, "b1"))
	h.reviewer.failOn[1] = true

	h.poll(t)
	h.poll(t)
	sum := h.poll(t)
	assert.Equal(t, []int{1}, sum.Abandoned)
	assert.Empty(t, sum.Pending)

	st := h.state(t)
	assert.True(t, st.HasSeen("a1"))
	assert.NotEmpty(t, st.Open.ETag)
	assert.Empty(t, st.Failures)

	sum = h.poll(t)
	assert.True(t, sum.OpenNotModified)
}

func TestFailingMergeDoesNotStallLaterMerges(t *testing.T) {
	h := newHarness(t, pollCfg)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.host.setClosed(mergedPR(1, base))
	h.poll(t)

	h.host.setClosed(mergedPR(3, base.Add(2*time.Hour)), mergedPR(2, base.Add(time.Hour)), mergedPR(1, base))
	h.integrator.failOn[2] = true

	for i := 0; i < pollCfg.MaxAttempts-1; i++ {
		sum := h.poll(t)
		assert.Empty(t, sum.Integrated)
		assert.Equal(t, []int{2, 3}, sum.Pending)
	}

	sum := h.poll(t)
	assert.Equal(t, []int{2}, sum.Abandoned)
	assert.Equal(t, []int{3}, sum.Integrated)
	assert.Empty(t, sum.Pending)

	st := h.state(t)
	assert.True(t, st.Closed.LastMergedAt.Equal(base.Add(2*time.Hour)))
	assert.NotEmpty(t, st.Closed.ETag)
	assert.Empty(t, st.Failures)

	sum = h.poll(t)
	assert.True(t, sum.ClosedNotModified)
	assert.Equal(t, []int{1, 3}, h.integrator.integrated)
	assert.Equal(t, 1, h.host.notModified["closed"])
}

func TestMergeHookRunsOutsideStateLock(t *testing.T) {
	h := newHarness(t, pollCfg)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.host.setClosed(mergedPR(5, base))

	reviewed := false
	h.poller.SetMergeHook(func(ctx context.Context, r types.RepoContext) {
		done, err := h.poller.ReviewOnce(ctx, r, openPR(6, "f1"))
		assert.NoError(t, err)
		reviewed = done
	})

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_, err := h.poller.PollRepo(context.Background(), repo)
		assert.NoError(t, err)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("merge hook blocked on the poll state lock")
	}
	assert.True(t, reviewed)
	assert.Equal(t, []int{5}, h.integrator.integrated)
}

func TestClosedFetchedEveryNthCycle(t *testing.T) {
	cfg := pollCfg
	cfg.ClosedEvery = 3
	h := newHarness(t, cfg)

	polled := make([]bool, 0, 7)
	for i := 0; i < 7; i++ {
		polled = append(polled, h.poll(t).ClosedPolled)
	}
	assert.Equal(t, []bool{true, false, false, true, false, false, true}, polled)
	assert.Equal(t, 3, h.host.calls["closed"])
	assert.Equal(t, 7, h.host.calls["open"])
}

func TestOpenFailureSkipsClosed(t *testing.T) {
	h := newHarness(t, pollCfg)
	h.host.fail["open"] = github.ErrTransport

	sum := h.poll(t)
	assert.NotEmpty(t, sum.Errors)
	assert.False(t, sum.ClosedPolled)
	assert.Zero(t, h.host.calls["closed"])
	assert.Equal(t, 1, h.state(t).Cycle)
}

func TestObserveModeDetectsWithoutSideEffects(t *testing.T) {
	h := newHarness(t, pollCfg)
	h.repos.mode = types.ModeObserve
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.host.setOpen(openPR(1, "a1"))
	h.host.setClosed(mergedPR(5, base))

	sum := h.poll(t)
	assert.Equal(t, []int{1, 5}, sum.Pending)
	assert.Empty(t, h.reviewer.reviewed)
	assert.Empty(t, h.integrator.integrated)
	assert.Zero(t, h.merges)

	st := h.state(t)
	assert.Empty(t, st.Open.Seen)
	assert.Empty(t, st.Open.ETag)
	assert.Nil(t, st.Closed.LastMergedAt)
}

func TestRunRoundSkipsDisabled(t *testing.T) {
	h := newHarness(t, pollCfg)
	disabled := types.RepoContext{ID: "acme_old", Owner: "acme", Name: "old", Mode: types.ModeDisabled}
	h.repos.repos = append(h.repos.repos, disabled)
	h.host.setOpen(openPR(1, "a1"))

	round, err := h.poller.RunRound(context.Background())
	require.NoError(t, err)
	require.Len(t, round.Summaries, 1)
	assert.Equal(t, repo.ID, round.Summaries[0].RepoID)
	assert.True(t, round.Observation.SawOpen)
	assert.Equal(t, pollCfg.Active, round.Next)
}

func TestReviewOnceSharesSeenSet(t *testing.T) {
	h := newHarness(t, pollCfg)
	ctx := context.Background()

	done, err := h.poller.ReviewOnce(ctx, repo, openPR(4, "d1"))
	require.NoError(t, err)
	assert.True(t, done)

	done, err = h.poller.ReviewOnce(ctx, repo, openPR(4, "d1"))
	require.NoError(t, err)
	assert.False(t, done)

	h.host.setOpen(openPR(4, "d1"))
	sum := h.poll(t)
	assert.Empty(t, sum.Reviewed)
	assert.Equal(t, []int{4}, h.reviewer.reviewed)
}

func TestNextInterval(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		obs  Observation
		want time.Duration
	}{
		{"idle", Observation{}, 120 * time.Second},
		{"active", Observation{SawOpen: true}, 30 * time.Second},
		{"unknown rate", Observation{SawOpen: true, Rate: github.Rate{Remaining: 10}}, 30 * time.Second},
		{"low quota clamps up", Observation{SawOpen: true, Rate: github.Rate{Remaining: 150, Reset: now.Add(300 * time.Second), Known: true}}, 600 * time.Second},
		{"low quota clamps down", Observation{Rate: github.Rate{Remaining: 0, Reset: now.Add(time.Hour), Known: true}}, 900 * time.Second},
		{"low quota inside window", Observation{Rate: github.Rate{Remaining: 1, Reset: now.Add(700 * time.Second), Known: true}}, 700 * time.Second},
		{"healthy quota", Observation{Rate: github.Rate{Remaining: 4000, Reset: now.Add(time.Hour), Known: true}}, 120 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextInterval(pollCfg, tt.obs, now))
		})
	}
}
