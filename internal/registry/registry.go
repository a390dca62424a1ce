// Package registry manages registered repositories and their operating mode.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/clintrovert/foreman/internal/store"
	"github.com/clintrovert/foreman/pkg/types"
)

var (
	// ErrRepoNotFound is returned for ids that were never registered.
	ErrRepoNotFound = errors.New("repository not registered")
	// ErrInvalidMode is returned when a mode value is not recognised.
	ErrInvalidMode = errors.New("invalid mode")
	// ErrInvalidRepo is returned when owner or name is missing.
	ErrInvalidRepo = errors.New("owner and repo are required")
)

// RegisterRequest describes a repository to track.
type RegisterRequest struct {
	Owner         string `json:"owner"`
	Name          string `json:"repo"`
	CloneURL      string `json:"clone_url,omitempty"`
	DefaultBranch string `json:"default_branch,omitempty"`
	Mode          string `json:"mode,omitempty"`
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Mode           *string   `json:"mode,omitempty"`
	TargetSubdir   *string   `json:"target_subdir,omitempty"`
	WebhookSecret  *string   `json:"webhook_secret,omitempty"`
	ProtectedPaths *[]string `json:"protected_paths,omitempty"`
	DefaultBranch  *string   `json:"default_branch,omitempty"`
}

// Registry reads and writes repository contexts. Every read goes to the store
// so mode changes take effect on the next operation.
type Registry struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

// New creates a registry over st.
func New(st store.Store, logger *zap.Logger) *Registry {
	return &Registry{
		store:  st,
		logger: logger,
		now:    time.Now,
	}
}

// Register adds a repository or merges the request into an existing entry.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (types.RepoContext, error) {
	owner := strings.TrimSpace(req.Owner)
	name := strings.TrimSpace(req.Name)
	if owner == "" || name == "" {
		return types.RepoContext{}, ErrInvalidRepo
	}

	var mode types.Mode
	if req.Mode != "" {
		m, err := types.ParseMode(req.Mode)
		if err != nil {
			return types.RepoContext{}, fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
		}
		mode = m
	}

	id := types.RepoID(owner, name)
	now := r.now().UTC()

	existing, err := r.lookup(ctx, id)
	if err != nil && !errors.Is(err, ErrRepoNotFound) {
		return types.RepoContext{}, err
	}

	var repo types.RepoContext
	if existing != nil {
		repo = *existing
		if req.CloneURL != "" {
			repo.CloneURL = req.CloneURL
		}
		if req.DefaultBranch != "" {
			repo.DefaultBranch = req.DefaultBranch
		}
		if mode != "" && mode != repo.Mode {
			r.logTransition(id, repo.Mode, mode)
			repo.Mode = mode
		}
	} else {
		repo = types.RepoContext{
			ID:             id,
			Owner:          owner,
			Name:           name,
			CloneURL:       req.CloneURL,
			DefaultBranch:  req.DefaultBranch,
			Mode:           mode,
			ProtectedPaths: append([]string(nil), types.DefaultProtectedPaths...),
			CreatedAt:      now,
		}
		if repo.CloneURL == "" {
			repo.CloneURL = types.CloneURLFor(owner, name)
		}
		if repo.DefaultBranch == "" {
			repo.DefaultBranch = "main"
		}
		if repo.Mode == "" {
			repo.Mode = types.ModeObserve
		}
	}
	repo.UpdatedAt = now

	if err := r.store.PutRepo(ctx, repo); err != nil {
		return types.RepoContext{}, fmt.Errorf("failed to save repository: %w", err)
	}

	r.logger.Info("registered repository",
		zap.String("repo_id", id),
		zap.String("mode", string(repo.Mode)),
		zap.Bool("existing", existing != nil),
	)
	return repo, nil
}

// Patch applies a partial update to an existing repository.
func (r *Registry) Patch(ctx context.Context, id string, p Patch) (types.RepoContext, error) {
	existing, err := r.lookup(ctx, id)
	if err != nil {
		return types.RepoContext{}, err
	}
	repo := *existing

	if p.Mode != nil {
		mode, err := types.ParseMode(*p.Mode)
		if err != nil {
			return types.RepoContext{}, fmt.Errorf("%w: %q", ErrInvalidMode, *p.Mode)
		}
		if mode != repo.Mode {
			r.logTransition(id, repo.Mode, mode)
			repo.Mode = mode
		}
	}
	if p.TargetSubdir != nil {
		repo.TargetSubdir = strings.Trim(strings.TrimSpace(*p.TargetSubdir), "/")
	}
	if p.WebhookSecret != nil {
		repo.WebhookSecret = *p.WebhookSecret
	}
	if p.ProtectedPaths != nil {
		repo.ProtectedPaths = append([]string(nil), (*p.ProtectedPaths)...)
	}
	if p.DefaultBranch != nil && strings.TrimSpace(*p.DefaultBranch) != "" {
		repo.DefaultBranch = strings.TrimSpace(*p.DefaultBranch)
	}
	repo.UpdatedAt = r.now().UTC()

	if err := r.store.PutRepo(ctx, repo); err != nil {
		return types.RepoContext{}, fmt.Errorf("failed to save repository: %w", err)
	}
	return repo, nil
}

// SetMode is shorthand for a mode-only patch.
func (r *Registry) SetMode(ctx context.Context, id, mode string) (types.RepoContext, error) {
	return r.Patch(ctx, id, Patch{Mode: &mode})
}

// Get returns a single repository.
func (r *Registry) Get(ctx context.Context, id string) (types.RepoContext, error) {
	repo, err := r.lookup(ctx, id)
	if err != nil {
		return types.RepoContext{}, err
	}
	return *repo, nil
}

// GetByFullName finds a repository by its owner/name pair.
func (r *Registry) GetByFullName(ctx context.Context, fullName string) (types.RepoContext, error) {
	owner, name, ok := strings.Cut(fullName, "/")
	if !ok {
		return types.RepoContext{}, fmt.Errorf("%w: %q", ErrRepoNotFound, fullName)
	}
	return r.Get(ctx, types.RepoID(owner, name))
}

// List returns every registered repository.
func (r *Registry) List(ctx context.Context) ([]types.RepoContext, error) {
	repos, err := r.store.ListRepos(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	return repos, nil
}

// Mode returns the current mode for a repository.
func (r *Registry) Mode(ctx context.Context, id string) (types.Mode, error) {
	repo, err := r.lookup(ctx, id)
	if err != nil {
		return "", err
	}
	return repo.Mode, nil
}

func (r *Registry) lookup(ctx context.Context, id string) (*types.RepoContext, error) {
	repos, err := r.store.ListRepos(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	for i := range repos {
		if repos[i].ID == id {
			return &repos[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRepoNotFound, id)
}

func (r *Registry) logTransition(id string, from, to types.Mode) {
	r.logger.Info("repository mode changed",
		zap.String("repo_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
}
