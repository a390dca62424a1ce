package rest

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/clintrovert/foreman/internal/leader"
	"github.com/clintrovert/foreman/internal/poller"
	"github.com/clintrovert/foreman/internal/registry"
	"github.com/clintrovert/foreman/internal/store"
	"github.com/clintrovert/foreman/pkg/types"
)

const prPayload = `{
  "action": "opened",
  "number": 3,
  "pull_request": {
    "number": 3,
    "title": "T-1 - Add CI",
    "html_url": "https://github.com/acme/api/pull/3",
    "head": {"ref": "feature/T-1-add-ci", "sha": "abc123"},
    "base": {"ref": "main"}
  },
  "repository": {"full_name": "acme/api"}
}`

type fakeDispatcher struct {
	events     []types.PullRequestEvent
	dispatched []string
	result     types.DispatchResult
}

func (f *fakeDispatcher) Scan(_ context.Context, repoID string) (leader.ScanReport, error) {
	return leader.ScanReport{RepoID: repoID, Eligible: []string{"T-1"}}, nil
}

func (f *fakeDispatcher) Next(context.Context, string) (*types.TaskRecord, error) {
	return &types.TaskRecord{ID: "T-1", Title: "Add CI"}, nil
}

func (f *fakeDispatcher) Dispatch(_ context.Context, repoID string) types.DispatchResult {
	f.dispatched = append(f.dispatched, repoID)
	return f.result
}

func (f *fakeDispatcher) HandlePullRequestEvent(_ context.Context, _ types.RepoContext, ev types.PullRequestEvent) (leader.EventOutcome, error) {
	f.events = append(f.events, ev)
	return leader.EventOutcome{Action: ev.Action, Reviewed: true}, nil
}

type fakePoller struct {
	rounds int
}

func (f *fakePoller) RunRound(context.Context) (poller.Round, error) {
	f.rounds++
	return poller.Round{Summaries: []poller.Summary{{RepoID: "acme_api"}}}, nil
}

type harness struct {
	server     *httptest.Server
	registry   *registry.Registry
	dispatcher *fakeDispatcher
	poller     *fakePoller
}

func newHarness(t *testing.T) *harness {
	logger := zaptest.NewLogger(t)
	st, err := store.NewFileStore(t.TempDir(), logger)
	require.NoError(t, err)

	h := &harness{
		registry:   registry.New(st, logger),
		dispatcher: &fakeDispatcher{},
		poller:     &fakePoller{},
	}
	h.server = httptest.NewServer(NewRouter(NewHandler(h.registry, h.dispatcher, h.poller, logger)))
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) register(t *testing.T, secret string) types.RepoContext {
	ctx := context.Background()
	repo, err := h.registry.Register(ctx, registry.RegisterRequest{Owner: "acme", Name: "api"})
	require.NoError(t, err)
	if secret != "" {
		repo, err = h.registry.Patch(ctx, repo.ID, registry.Patch{WebhookSecret: &secret})
		require.NoError(t, err)
	}
	return repo
}

func (h *harness) do(t *testing.T, method, path string, body []byte, headers map[string]string) *http.Response {
	req, err := http.NewRequest(method, h.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegisterAndList(t *testing.T) {
	h := newHarness(t)
	body := []byte(`{"owner":"acme","repo":"api"}`)

	resp := h.do(t, http.MethodPost, "/api/v1/repos", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var repo types.RepoContext
	decode(t, resp, &repo)
	assert.Equal(t, "acme_api", repo.ID)
	assert.Equal(t, types.ModeObserve, repo.Mode)

	h.do(t, http.MethodPost, "/api/v1/repos", body, nil)

	resp = h.do(t, http.MethodGet, "/api/v1/repos", nil, nil)
	var repos []types.RepoContext
	decode(t, resp, &repos)
	assert.Len(t, repos, 1)
}

func TestRegisterRejectsMissingName(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodPost, "/api/v1/repos", []byte(`{"owner":"acme"}`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body ErrorResponse
	decode(t, resp, &body)
	assert.False(t, body.OK)
	assert.NotEmpty(t, body.Message)
}

func TestSetModeRejectsInvalid(t *testing.T) {
	h := newHarness(t)
	h.register(t, "")

	resp := h.do(t, http.MethodPut, "/api/v1/repos/acme_api/mode", []byte(`{"mode":"yolo"}`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPut, "/api/v1/repos/acme_api/mode", []byte(`{"mode":"pr"}`), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	decode(t, resp, &body)
	assert.Equal(t, "act", body["mode"])
}

func TestPatchRepo(t *testing.T) {
	h := newHarness(t)
	h.register(t, "")

	resp := h.do(t, http.MethodPatch, "/api/v1/repos/acme_api", []byte(`{"target_subdir":"/services/api/"}`), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var repo types.RepoContext
	decode(t, resp, &repo)
	assert.Equal(t, "services/api", repo.TargetSubdir)
}

func TestUnknownRepoIsNotFound(t *testing.T) {
	h := newHarness(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/repos/nobody_here"},
		{http.MethodPost, "/api/v1/repos/nobody_here/dispatch"},
	} {
		resp := h.do(t, tc.method, tc.path, nil, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, tc.path)
	}
	assert.Empty(t, h.dispatcher.dispatched)
}

func TestDispatchReturnsResult(t *testing.T) {
	h := newHarness(t)
	h.register(t, "")
	h.dispatcher.result = types.Failed("acme_api", "", "dispatch in progress")

	resp := h.do(t, http.MethodPost, "/api/v1/repos/acme_api/dispatch", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res types.DispatchResult
	decode(t, resp, &res)
	assert.False(t, res.OK)
	assert.Equal(t, "dispatch in progress", res.Message)
	assert.Equal(t, []string{"acme_api"}, h.dispatcher.dispatched)
}

func TestNextAndScan(t *testing.T) {
	h := newHarness(t)
	h.register(t, "")

	resp := h.do(t, http.MethodGet, "/api/v1/repos/acme_api/next", nil, nil)
	var next NextResponse
	decode(t, resp, &next)
	require.NotNil(t, next.Next)
	assert.Equal(t, "T-1", next.Next.ID)

	resp = h.do(t, http.MethodPost, "/api/v1/repos/acme_api/scan", nil, nil)
	var report leader.ScanReport
	decode(t, resp, &report)
	assert.Equal(t, []string{"T-1"}, report.Eligible)
}

func TestManualPoll(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodPost, "/api/v1/poll", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, h.poller.rounds)
}

func TestWebhookVerifiesSignature(t *testing.T) {
	h := newHarness(t)
	h.register(t, "s3cret")
	payload := []byte(prPayload)
	headers := map[string]string{"X-GitHub-Event": "pull_request"}

	resp := h.do(t, http.MethodPost, "/webhook", payload, headers)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	headers["X-Hub-Signature-256"] = sign("wrong", payload)
	resp = h.do(t, http.MethodPost, "/webhook", payload, headers)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, h.dispatcher.events)

	headers["X-Hub-Signature-256"] = sign("s3cret", payload)
	resp = h.do(t, http.MethodPost, "/webhook", payload, headers)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, h.dispatcher.events, 1)
	assert.Equal(t, "opened", h.dispatcher.events[0].Action)
	assert.Equal(t, "abc123", h.dispatcher.events[0].Pull.HeadSHA)
}

func TestWebhookWithoutSecretSkipsVerification(t *testing.T) {
	h := newHarness(t)
	h.register(t, "")

	resp := h.do(t, http.MethodPost, "/webhook", []byte(prPayload), map[string]string{"X-GitHub-Event": "pull_request"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, h.dispatcher.events, 1)
}

func TestWebhookUnknownRepo(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodPost, "/webhook", []byte(prPayload), map[string]string{"X-GitHub-Event": "pull_request"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	h := newHarness(t)
	h.register(t, "")
	payload := []byte(`{"zen":"Keep it logically awesome.","repository":{"full_name":"acme/api"}}`)

	resp := h.do(t, http.MethodPost, "/webhook", payload, map[string]string{"X-GitHub-Event": "ping"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Empty(t, h.dispatcher.events)
}
