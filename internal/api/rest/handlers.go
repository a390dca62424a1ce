package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/clintrovert/foreman/internal/github"
	"github.com/clintrovert/foreman/internal/leader"
	"github.com/clintrovert/foreman/internal/poller"
	"github.com/clintrovert/foreman/internal/registry"
	"github.com/clintrovert/foreman/pkg/types"
)

// maxPayload bounds webhook bodies; GitHub caps deliveries at 25 MB.
const maxPayload = 25 << 20

// Registry is the registry surface exposed over REST.
type Registry interface {
	Register(ctx context.Context, req registry.RegisterRequest) (types.RepoContext, error)
	Patch(ctx context.Context, id string, p registry.Patch) (types.RepoContext, error)
	SetMode(ctx context.Context, id, mode string) (types.RepoContext, error)
	Get(ctx context.Context, id string) (types.RepoContext, error)
	GetByFullName(ctx context.Context, fullName string) (types.RepoContext, error)
	List(ctx context.Context) ([]types.RepoContext, error)
}

// Dispatcher is the scheduling surface exposed over REST.
type Dispatcher interface {
	Scan(ctx context.Context, repoID string) (leader.ScanReport, error)
	Next(ctx context.Context, repoID string) (*types.TaskRecord, error)
	Dispatch(ctx context.Context, repoID string) types.DispatchResult
	HandlePullRequestEvent(ctx context.Context, repo types.RepoContext, ev types.PullRequestEvent) (leader.EventOutcome, error)
}

// Poller runs a poll round on demand.
type Poller interface {
	RunRound(ctx context.Context) (poller.Round, error)
}

// Handler handles REST API requests
type Handler struct {
	registry   Registry
	dispatcher Dispatcher
	poller     Poller
	logger     *zap.Logger
}

// NewHandler creates a new REST handler
func NewHandler(reg Registry, dispatcher Dispatcher, p Poller, logger *zap.Logger) *Handler {
	return &Handler{
		registry:   reg,
		dispatcher: dispatcher,
		poller:     p,
		logger:     logger,
	}
}

// ModeRequest changes a repository's mode.
type ModeRequest struct {
	Mode string `json:"mode"`
}

// NextResponse carries the next eligible task, if any.
type NextResponse struct {
	OK     bool              `json:"ok"`
	RepoID string            `json:"repo_id"`
	Next   *types.TaskRecord `json:"next"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	OK      bool   `json:"ok"`
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

// NewRouter builds the full HTTP surface.
func NewRouter(h *Handler) chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Get("/health", h.Health)
	router.Post("/webhook", h.Webhook)
	router.Route("/api/v1", func(r chi.Router) {
		h.RegisterRoutes(r)
	})
	return router
}

// RegisterRoutes registers REST API routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/repos", h.RegisterRepo)
	r.Get("/repos", h.ListRepos)
	r.Get("/repos/{id}", h.GetRepo)
	r.Patch("/repos/{id}", h.PatchRepo)
	r.Get("/repos/{id}/mode", h.GetMode)
	r.Put("/repos/{id}/mode", h.SetMode)
	r.Post("/repos/{id}/scan", h.Scan)
	r.Get("/repos/{id}/next", h.Next)
	r.Post("/repos/{id}/dispatch", h.Dispatch)
	r.Post("/poll", h.Poll)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Webhook handles POST /webhook. The signature is verified against the
// secret of the repository named in the payload before anything else runs.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayload))
	if err != nil {
		writeError(w, http.StatusBadRequest, "", "failed to read body")
		return
	}

	fullName, err := github.RepoFullName(payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "", err.Error())
		return
	}
	repo, err := h.registry.GetByFullName(r.Context(), fullName)
	if err != nil {
		h.fail(w, "", err)
		return
	}

	if err := github.VerifySignature(r.Header.Get("X-Hub-Signature-256"), payload, repo.WebhookSecret); err != nil {
		h.logger.Warn("rejected webhook delivery",
			zap.String("repo_id", repo.ID),
			zap.String("delivery", r.Header.Get("X-GitHub-Delivery")),
			zap.Error(err),
		)
		writeError(w, http.StatusUnauthorized, "", "invalid signature")
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	ev, err := github.ParseEvent(eventType, payload)
	if errors.Is(err, github.ErrUnsupportedEvent) {
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "message": "event ignored: " + eventType})
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "", err.Error())
		return
	}

	out, err := h.dispatcher.HandlePullRequestEvent(r.Context(), repo, *ev)
	if err != nil {
		h.logger.Error("failed to handle pull request event",
			zap.String("repo_id", repo.ID),
			zap.Int("pr_number", ev.Pull.Number),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "event": out})
}

// RegisterRepo handles POST /repos
func (h *Handler) RegisterRepo(w http.ResponseWriter, r *http.Request) {
	var req registry.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", err.Error())
		return
	}
	repo, err := h.registry.Register(r.Context(), req)
	if err != nil {
		h.fail(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

// ListRepos handles GET /repos
func (h *Handler) ListRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := h.registry.List(r.Context())
	if err != nil {
		h.fail(w, "", err)
		return
	}
	if repos == nil {
		repos = []types.RepoContext{}
	}
	writeJSON(w, http.StatusOK, repos)
}

// GetRepo handles GET /repos/{id}
func (h *Handler) GetRepo(w http.ResponseWriter, r *http.Request) {
	repo, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

// PatchRepo handles PATCH /repos/{id}
func (h *Handler) PatchRepo(w http.ResponseWriter, r *http.Request) {
	var p registry.Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "", err.Error())
		return
	}
	repo, err := h.registry.Patch(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		h.fail(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

// GetMode handles GET /repos/{id}/mode
func (h *Handler) GetMode(w http.ResponseWriter, r *http.Request) {
	repo, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "repo_id": repo.ID, "mode": repo.Mode})
}

// SetMode handles PUT /repos/{id}/mode
func (h *Handler) SetMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", err.Error())
		return
	}
	repo, err := h.registry.SetMode(r.Context(), chi.URLParam(r, "id"), req.Mode)
	if err != nil {
		h.fail(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "repo_id": repo.ID, "mode": repo.Mode})
}

// Scan handles POST /repos/{id}/scan
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	report, err := h.dispatcher.Scan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Next handles GET /repos/{id}/next
func (h *Handler) Next(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	next, err := h.dispatcher.Next(r.Context(), id)
	if err != nil {
		h.fail(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, NextResponse{OK: true, RepoID: id, Next: next})
}

// Dispatch handles POST /repos/{id}/dispatch. Expected refusals such as lock
// contention come back as a result with ok=false, not as an HTTP error.
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.registry.Get(r.Context(), id); err != nil {
		h.fail(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, h.dispatcher.Dispatch(r.Context(), id))
}

// Poll handles POST /poll
func (h *Handler) Poll(w http.ResponseWriter, r *http.Request) {
	round, err := h.poller.RunRound(r.Context())
	if err != nil {
		h.logger.Error("manual poll failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, round)
}

func (h *Handler) fail(w http.ResponseWriter, taskID string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrRepoNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrInvalidMode), errors.Is(err, registry.ErrInvalidRepo):
		status = http.StatusBadRequest
	case errors.Is(err, leader.ErrDisabled):
		status = http.StatusConflict
	default:
		h.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, taskID, err.Error())
}

func writeError(w http.ResponseWriter, status int, taskID, message string) {
	writeJSON(w, status, ErrorResponse{OK: false, TaskID: taskID, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
