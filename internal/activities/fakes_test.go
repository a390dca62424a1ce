package activities

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"testing/fstest"

	"github.com/clintrovert/foreman/internal/gitrepo"
	"github.com/clintrovert/foreman/internal/github"
	"github.com/clintrovert/foreman/pkg/types"
)

type fakeHost struct {
	mu       sync.Mutex
	open     []types.PullRequest
	files    map[int][]string
	comments map[int][]string
	opened   []string
	openErr  error
	nextNum  int
}

func newFakeHost() *fakeHost {
	return &fakeHost{files: map[int][]string{}, comments: map[int][]string{}, nextNum: 100}
}

func (h *fakeHost) OpenPullRequest(_ context.Context, owner, repo, head, base, title, body string) (*types.PRInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.openErr != nil {
		return nil, h.openErr
	}
	for _, pr := range h.open {
		if pr.HeadRef == head {
			return nil, fmt.Errorf("failed to create pull request: %w", github.ErrAlreadyExists)
		}
	}
	h.nextNum++
	pr := types.PullRequest{
		Number:  h.nextNum,
		Title:   title,
		HeadRef: head,
		BaseRef: base,
		URL:     fmt.Sprintf("https://github.com/%s/%s/pull/%d", owner, repo, h.nextNum),
	}
	h.open = append(h.open, pr)
	h.opened = append(h.opened, title)
	return &types.PRInfo{PRNumber: int64(pr.Number), PRURL: pr.URL, Title: title, HeadRef: head}, nil
}

func (h *fakeHost) FindOpenByHead(_ context.Context, _, _, branch, _ string) (*types.PullRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.open {
		if h.open[i].HeadRef == branch {
			pr := h.open[i]
			return &pr, nil
		}
	}
	return nil, nil
}

func (h *fakeHost) FindOpenByTaskID(_ context.Context, _, _, taskID string) (*types.PullRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.open {
		if strings.Contains(h.open[i].Title, taskID) {
			pr := h.open[i]
			return &pr, nil
		}
	}
	return nil, nil
}

func (h *fakeHost) Comment(_ context.Context, _, _ string, number int, body string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.comments[number] = append(h.comments[number], body)
	return fmt.Sprintf("https://github.com/c/%d", number), nil
}

func (h *fakeHost) ListFiles(_ context.Context, _, _ string, number int) ([]string, error) {
	return h.files[number], nil
}

// fakeWorkspace keeps files per branch in memory.
type fakeWorkspace struct {
	mu        sync.Mutex
	protected []string
	def       string
	branch    string
	branches  map[string]map[string]string
	dirty     bool
	commits   []string
	pushed    []string
	syncs     int
}

func newFakeWorkspace(files map[string]string) *fakeWorkspace {
	main := map[string]string{}
	for k, v := range files {
		main[k] = v
	}
	return &fakeWorkspace{
		protected: types.DefaultProtectedPaths,
		def:       "main",
		branch:    "main",
		branches:  map[string]map[string]string{"main": main},
	}
}

func (w *fakeWorkspace) EnsureLocalClone(context.Context) (string, error) { return "/work", nil }

func (w *fakeWorkspace) Sync(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.syncs++
	w.branch = w.def
	w.dirty = false
	return nil
}

func (w *fakeWorkspace) CreateOrSwitchBranch(_ context.Context, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.branches[name]; !ok {
		cp := map[string]string{}
		for k, v := range w.branches[w.def] {
			cp[k] = v
		}
		w.branches[name] = cp
	}
	w.branch = name
	return nil
}

func (w *fakeWorkspace) CommitAll(_ context.Context, message string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.dirty {
		return false, nil
	}
	w.dirty = false
	w.commits = append(w.commits, message)
	return true, nil
}

func (w *fakeWorkspace) PushBranch(_ context.Context, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pushed = append(w.pushed, name)
	return nil
}

func (w *fakeWorkspace) WriteFile(rel string, content []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gitrepo.IsProtected(w.protected, rel) {
		return fmt.Errorf("%w: %s", gitrepo.ErrProtectedPath, rel)
	}
	if w.branches[w.branch][rel] != string(content) {
		w.dirty = true
	}
	w.branches[w.branch][rel] = string(content)
	return nil
}

func (w *fakeWorkspace) ReadFile(rel string) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.branches[w.branch][rel]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return []byte(v), nil
}

func (w *fakeWorkspace) FS() fs.FS {
	w.mu.Lock()
	defer w.mu.Unlock()
	m := fstest.MapFS{}
	for k, v := range w.branches[w.branch] {
		m[k] = &fstest.MapFile{Data: []byte(v)}
	}
	return m
}

func (w *fakeWorkspace) file(branch, rel string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.branches[branch][rel]
}

func (w *fakeWorkspace) branchNames() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for b := range w.branches {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

type fakeTracker struct {
	comments    map[string][]string
	transitions map[string]string
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{comments: map[string][]string{}, transitions: map[string]string{}}
}

func (t *fakeTracker) Comment(_ context.Context, key, body string) error {
	t.comments[key] = append(t.comments[key], body)
	return nil
}

func (t *fakeTracker) Transition(_ context.Context, key, status string) error {
	t.transitions[key] = status
	return nil
}
