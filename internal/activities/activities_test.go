package activities

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/clintrovert/foreman/internal/github"
	"github.com/clintrovert/foreman/pkg/types"
)

const taskFile = "---\nid: T-3\ntitle: Add CI\nstatus: queued\njira: OPS-7\n---\nRun tests.\n"

var testRepo = types.RepoContext{
	ID:             "acme_api",
	Owner:          "acme",
	Name:           "api",
	DefaultBranch:  "main",
	ProtectedPaths: types.DefaultProtectedPaths,
}

var testTask = types.TaskRecord{
	ID:       "T-3",
	Title:    "Add CI",
	Status:   "queued",
	Priority: "P2",
	Path:     "tasks/T-3.md",
	Jira:     "OPS-7",
}

func workspacesOf(ws *fakeWorkspace) Workspaces {
	return func(types.RepoContext) Workspace { return ws }
}

func TestDeveloperOpensPullRequest(t *testing.T) {
	host := newFakeHost()
	ws := newFakeWorkspace(map[string]string{"tasks/T-3.md": taskFile})
	tracker := newFakeTracker()
	dev := NewDeveloper(host, workspacesOf(ws), nil, tracker, zaptest.NewLogger(t))

	out, err := dev.Execute(context.Background(), testRepo, testTask)
	require.NoError(t, err)

	assert.Equal(t, "feature/T-3-add-ci", out.Branch)
	require.NotNil(t, out.PR)
	assert.Equal(t, "T-3 - Add CI", out.PR.Title)
	assert.False(t, out.Reused)

	assert.Contains(t, ws.file("feature/T-3-add-ci", "tasks/T-3.md"), "status: in_review")
	assert.Contains(t, ws.file("main", "tasks/T-3.md"), "status: queued")
	assert.Contains(t, ws.file("feature/T-3-add-ci", "plans/T-3.md"), "# T-3: Add CI")
	assert.Equal(t, []string{"T-3: Add CI"}, ws.commits)
	assert.Equal(t, []string{"feature/T-3-add-ci"}, ws.pushed)
	require.Len(t, tracker.comments["OPS-7"], 1)
	assert.Contains(t, tracker.comments["OPS-7"][0], out.PR.PRURL)
}

func TestDeveloperIsIdempotent(t *testing.T) {
	host := newFakeHost()
	ws := newFakeWorkspace(map[string]string{"tasks/T-3.md": taskFile})
	dev := NewDeveloper(host, workspacesOf(ws), nil, nil, zaptest.NewLogger(t))

	first, err := dev.Execute(context.Background(), testRepo, testTask)
	require.NoError(t, err)
	second, err := dev.Execute(context.Background(), testRepo, testTask)
	require.NoError(t, err)

	assert.True(t, second.Reused)
	assert.Equal(t, first.PR.PRNumber, second.PR.PRNumber)
	assert.Len(t, host.opened, 1)
	assert.Len(t, ws.commits, 1)
}

func TestDeveloperPlanUnderTargetSubdir(t *testing.T) {
	repo := testRepo
	repo.TargetSubdir = "services/api"
	assert.Equal(t, "services/api/plans/T-3.md", PlanPath(repo, "T-3"))
	assert.Equal(t, "plans/T-3.md", PlanPath(testRepo, "T-3"))
}

func TestDeveloperRefusesProtectedPlanPath(t *testing.T) {
	repo := testRepo
	repo.TargetSubdir = "infra"
	ws := newFakeWorkspace(map[string]string{"tasks/T-3.md": taskFile})
	dev := NewDeveloper(newFakeHost(), workspacesOf(ws), nil, nil, zaptest.NewLogger(t))

	_, err := dev.Execute(context.Background(), repo, testTask)
	require.Error(t, err)
	assert.Empty(t, ws.pushed)
}

func TestDeveloperNoChangesIsBenign(t *testing.T) {
	host := newFakeHost()
	host.openErr = fmt.Errorf("failed to create pull request: %w", github.ErrNoChanges)
	ws := newFakeWorkspace(map[string]string{"tasks/T-3.md": taskFile})
	dev := NewDeveloper(host, workspacesOf(ws), nil, nil, zaptest.NewLogger(t))

	out, err := dev.Execute(context.Background(), testRepo, testTask)
	require.NoError(t, err)
	assert.True(t, out.NoChanges)
	assert.Nil(t, out.PR)
}

func TestReviewerReportsProtectedPaths(t *testing.T) {
	host := newFakeHost()
	host.files[5] = []string{".github/workflows/ci.yml", "src/main.go"}
	r := NewReviewer(host, zaptest.NewLogger(t))

	res, err := r.Review(context.Background(), testRepo, types.PullRequest{Number: 5, HeadRef: "feature/T-3-add-ci"})
	require.NoError(t, err)

	assert.Equal(t, []string{".github/workflows/ci.yml"}, res.ProtectedTouched)
	require.Len(t, host.comments[5], 1)
	body := host.comments[5][0]
	assert.Contains(t, body, "Automated review summary for `feature/T-3-add-ci`")
	assert.Contains(t, body, "- CI:")
	assert.Contains(t, body, "`.github/workflows/ci.yml`")
}

func TestIntegratorMarksTaskDone(t *testing.T) {
	inReview := "---\nid: T-3\ntitle: Add CI\nstatus: in_review\njira: OPS-7\n---\nRun tests.\n"
	host := newFakeHost()
	ws := newFakeWorkspace(map[string]string{
		"tasks/T-3.md": inReview,
		"tasks/T-4.md": "---\nid: T-4\ntitle: Docs\nstatus: in_review\n---\n",
	})
	tracker := newFakeTracker()
	in := NewIntegrator(host, workspacesOf(ws), IntegratorOptions{Tracker: tracker}, zaptest.NewLogger(t))

	res, err := in.OnMerge(context.Background(), testRepo, types.PullRequest{Number: 9, Title: "T-3 - Add CI", Merged: true})
	require.NoError(t, err)

	assert.Equal(t, "T-3", res.TaskID)
	assert.Equal(t, 1, res.Updated)
	require.NotNil(t, res.PR)
	assert.Equal(t, "T-3 - mark task done", res.PR.Title)

	assert.Contains(t, ws.file("integration/T-3-mark-done", "tasks/T-3.md"), "status: done")
	assert.Contains(t, ws.file("integration/T-3-mark-done", "tasks/T-4.md"), "status: in_review")
	assert.Contains(t, ws.file("main", "tasks/T-3.md"), "status: in_review")
	assert.NotContains(t, ws.pushed, "main")
	assert.Equal(t, "Done", tracker.transitions["OPS-7"])
}

func TestIntegratorIgnoresTitlesWithoutID(t *testing.T) {
	ws := newFakeWorkspace(nil)
	in := NewIntegrator(newFakeHost(), workspacesOf(ws), IntegratorOptions{}, zaptest.NewLogger(t))

	res, err := in.OnMerge(context.Background(), testRepo, types.PullRequest{Number: 1, Title: "bump deps"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Updated)
	assert.Equal(t, 0, ws.syncs)
}

func TestIntegratorSkipsTasksNotInReview(t *testing.T) {
	host := newFakeHost()
	ws := newFakeWorkspace(map[string]string{"tasks/T-3.md": "---\nid: T-3\nstatus: done\n---\n"})
	in := NewIntegrator(host, workspacesOf(ws), IntegratorOptions{}, zaptest.NewLogger(t))

	res, err := in.OnMerge(context.Background(), testRepo, types.PullRequest{Number: 2, Title: "T-3 - mark task done"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Updated)
	assert.Empty(t, host.opened)
	assert.Equal(t, []string{"main"}, ws.branchNames())
}
