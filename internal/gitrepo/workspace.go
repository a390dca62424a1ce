// Package gitrepo manages the local working copy of a tracked repository.
package gitrepo

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"github.com/clintrovert/foreman/pkg/types"
)

// ErrProtectedPath is returned when a write targets a protected path.
var ErrProtectedPath = errors.New("path is protected")

// DefaultTimeout bounds one remote operation when Options.Timeout is unset.
const DefaultTimeout = 2 * time.Minute

// Options configures authentication, commit identity and the per-operation
// deadline for clone, fetch, push, ls-remote and rebase.
type Options struct {
	Token       string
	AuthorName  string
	AuthorEmail string
	Timeout     time.Duration
}

// Workspace is the working copy of one repository under the work root.
type Workspace struct {
	repo    types.RepoContext
	path    string
	opts    Options
	logger  *zap.Logger
	git     *git.Repository
	gitPath string
}

// NewWorkspace binds a repository to <root>/<repo id>. Nothing touches disk
// until EnsureLocalClone.
func NewWorkspace(root string, repo types.RepoContext, opts Options, logger *zap.Logger) *Workspace {
	if opts.AuthorName == "" {
		opts.AuthorName = "foreman"
	}
	if opts.AuthorEmail == "" {
		opts.AuthorEmail = "foreman@users.noreply.github.com"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Workspace{
		repo:    repo,
		path:    filepath.Join(root, repo.ID),
		opts:    opts,
		logger:  logger.With(zap.String("repo_id", repo.ID)),
		gitPath: "git",
	}
}

// Path returns the working copy directory.
func (w *Workspace) Path() string {
	return w.path
}

// FS exposes the working copy for task discovery.
func (w *Workspace) FS() fs.FS {
	return os.DirFS(w.path)
}

// remote bounds one network round trip with the configured timeout.
func (w *Workspace) remote(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, w.opts.Timeout)
}

func (w *Workspace) auth() transport.AuthMethod {
	if w.opts.Token == "" || !strings.HasPrefix(w.repo.CloneURL, "http") {
		return nil
	}
	return &githttp.BasicAuth{
		Username: "x-access-token",
		Password: w.opts.Token,
	}
}

// EnsureLocalClone clones the repository if the working copy does not exist
// yet, otherwise opens it.
func (w *Workspace) EnsureLocalClone(ctx context.Context) (string, error) {
	if w.git != nil {
		return w.path, nil
	}

	r, err := git.PlainOpen(w.path)
	if err == nil {
		w.git = r
		return w.path, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return "", fmt.Errorf("failed to open working copy: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create work root: %w", err)
	}
	cloneCtx, cancel := w.remote(ctx)
	defer cancel()
	r, err = git.PlainCloneContext(cloneCtx, w.path, false, &git.CloneOptions{
		URL:  w.repo.CloneURL,
		Auth: w.auth(),
	})
	if err != nil {
		os.RemoveAll(w.path)
		return "", fmt.Errorf("failed to clone repository: %w", err)
	}
	w.git = r

	w.logger.Info("cloned repository", zap.String("path", w.path))
	return w.path, nil
}

func (w *Workspace) open(ctx context.Context) (*git.Repository, error) {
	if _, err := w.EnsureLocalClone(ctx); err != nil {
		return nil, err
	}
	return w.git, nil
}

// Sync fetches origin and resets the default branch to the remote head.
func (w *Workspace) Sync(ctx context.Context) error {
	r, err := w.open(ctx)
	if err != nil {
		return err
	}

	if err := w.fetch(ctx, r); err != nil {
		return err
	}

	branch := w.repo.DefaultBranch
	remoteRef, err := r.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return fmt.Errorf("failed to resolve origin/%s: %w", branch, err)
	}

	wt, err := r.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}

	local := plumbing.NewBranchReferenceName(branch)
	_, err = r.Reference(local, false)
	co := &git.CheckoutOptions{Branch: local, Force: true}
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		co.Create = true
		co.Hash = remoteRef.Hash()
	}
	if err := wt.Checkout(co); err != nil {
		return fmt.Errorf("failed to checkout %s: %w", branch, err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: remoteRef.Hash(), Mode: git.HardReset}); err != nil {
		return fmt.Errorf("failed to reset %s: %w", branch, err)
	}
	return nil
}

func (w *Workspace) fetch(ctx context.Context, r *git.Repository) error {
	ctx, cancel := w.remote(ctx)
	defer cancel()

	err := r.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
		Auth:       w.auth(),
		Force:      true,
		Prune:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to fetch origin: %w", err)
	}
	return nil
}

// CreateOrSwitchBranch checks out name, creating it from the default branch
// when it does not exist locally. Uncommitted changes are carried over to a
// new branch.
func (w *Workspace) CreateOrSwitchBranch(ctx context.Context, name string) error {
	r, err := w.open(ctx)
	if err != nil {
		return err
	}
	wt, err := r.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}

	ref := plumbing.NewBranchReferenceName(name)
	if _, err := r.Reference(ref, false); err == nil {
		if err := wt.Checkout(&git.CheckoutOptions{Branch: ref, Force: true}); err != nil {
			return fmt.Errorf("failed to switch to %s: %w", name, err)
		}
		return nil
	}

	base, err := r.Reference(plumbing.NewBranchReferenceName(w.repo.DefaultBranch), true)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", w.repo.DefaultBranch, err)
	}
	err = wt.Checkout(&git.CheckoutOptions{
		Branch: ref,
		Hash:   base.Hash(),
		Create: true,
		Keep:   true,
	})
	if err != nil {
		return fmt.Errorf("failed to create branch %s: %w", name, err)
	}

	w.logger.Info("created branch", zap.String("branch", name))
	return nil
}

// CommitAll stages everything and commits. It reports false when there was
// nothing to commit.
func (w *Workspace) CommitAll(ctx context.Context, message string) (bool, error) {
	r, err := w.open(ctx)
	if err != nil {
		return false, err
	}
	wt, err := r.Worktree()
	if err != nil {
		return false, fmt.Errorf("failed to get worktree: %w", err)
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return false, fmt.Errorf("failed to add changes: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("failed to read status: %w", err)
	}
	if status.IsClean() {
		return false, nil
	}

	_, err = wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  w.opts.AuthorName,
			Email: w.opts.AuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}

	w.logger.Info("committed changes", zap.String("message", message))
	return true, nil
}

// PushBranch pushes name to origin. A non-fast-forward rejection triggers one
// rebase onto the remote branch followed by a single retry.
func (w *Workspace) PushBranch(ctx context.Context, name string) error {
	r, err := w.open(ctx)
	if err != nil {
		return err
	}

	err = w.push(ctx, r, name)
	if err == nil {
		return nil
	}
	if !isNonFastForward(err) {
		return fmt.Errorf("failed to push %s: %w", name, err)
	}

	w.logger.Warn("push rejected, rebasing once", zap.String("branch", name), zap.Error(err))
	if err := w.fetch(ctx, r); err != nil {
		return err
	}
	if err := w.rebase(ctx, name); err != nil {
		return err
	}
	if err := w.push(ctx, r, name); err != nil {
		return fmt.Errorf("failed to push %s after rebase: %w", name, err)
	}
	return nil
}

func (w *Workspace) push(ctx context.Context, r *git.Repository, name string) error {
	ctx, cancel := w.remote(ctx)
	defer cancel()

	spec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", name, name))
	err := r.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{spec},
		Auth:       w.auth(),
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if err == nil {
		w.logger.Info("pushed branch", zap.String("branch", name))
	}
	return err
}

func isNonFastForward(err error) bool {
	if errors.Is(err, git.ErrNonFastForwardUpdate) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "non-fast-forward") || strings.Contains(msg, "fetch first")
}

// rebase shells out because go-git has no rebase support.
func (w *Workspace) rebase(ctx context.Context, name string) error {
	ctx, cancel := w.remote(ctx)
	defer cancel()

	args := []string{"-C", w.path}
	if a := w.auth(); a != nil {
		cred := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + w.opts.Token))
		args = append(args, "-c", "http.extraHeader=Authorization: Basic "+cred)
	}
	args = append(args,
		"-c", "user.name="+w.opts.AuthorName,
		"-c", "user.email="+w.opts.AuthorEmail,
		"pull", "--rebase", "origin", name,
	)

	cmd := exec.CommandContext(ctx, w.gitPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		// leave the working copy usable for the next sync
		abort := exec.Command(w.gitPath, "-C", w.path, "rebase", "--abort")
		if abortErr := abort.Run(); abortErr != nil {
			w.logger.Debug("no rebase to abort", zap.String("branch", name), zap.Error(abortErr))
		}
		return fmt.Errorf("failed to rebase %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ListLocalBranches returns the short names of every local branch.
func (w *Workspace) ListLocalBranches(ctx context.Context) ([]string, error) {
	r, err := w.open(ctx)
	if err != nil {
		return nil, err
	}
	iter, err := r.Branches()
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name().Short())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate branches: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// ListRemoteBranches asks origin for its branch list, like git ls-remote.
func (w *Workspace) ListRemoteBranches(ctx context.Context) ([]string, error) {
	r, err := w.open(ctx)
	if err != nil {
		return nil, err
	}
	origin, err := r.Remote("origin")
	if err != nil {
		return nil, fmt.Errorf("failed to get remote: %w", err)
	}
	listCtx, cancel := w.remote(ctx)
	defer cancel()
	refs, err := origin.ListContext(listCtx, &git.ListOptions{Auth: w.auth()})
	if err != nil {
		return nil, fmt.Errorf("failed to list remote refs: %w", err)
	}
	var names []string
	for _, ref := range refs {
		if ref.Name().IsBranch() {
			names = append(names, ref.Name().Short())
		}
	}
	sort.Strings(names)
	return names, nil
}

// WriteFile writes content at rel inside the working copy, refusing
// protected paths and anything that escapes the working copy.
func (w *Workspace) WriteFile(rel string, content []byte) error {
	abs, err := w.resolve(rel)
	if err != nil {
		return err
	}
	if IsProtected(w.repo.ProtectedPaths, rel) {
		return fmt.Errorf("%w: %s", ErrProtectedPath, rel)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	return nil
}

// ReadFile reads rel from the working copy.
func (w *Workspace) ReadFile(rel string) ([]byte, error) {
	abs, err := w.resolve(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rel, err)
	}
	return data, nil
}

func (w *Workspace) resolve(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the working copy", rel)
	}
	return filepath.Join(w.path, clean), nil
}
