package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/clintrovert/foreman/pkg/types"
)

type registryFile struct {
	Repos []types.RepoContext `json:"repos"`
}

// FileStore keeps registry.json plus one etags/<id>.json per repository.
type FileStore struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the state directory if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "etags"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) registryPath() string {
	return filepath.Join(s.dir, "registry.json")
}

func (s *FileStore) pollPath(repoID string) string {
	return filepath.Join(s.dir, "etags", repoID+".json")
}

// ListRepos reads the registry. A missing or corrupt file reads as empty.
func (s *FileStore) ListRepos(ctx context.Context) ([]types.RepoContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, err := s.load()
	if err != nil {
		return nil, err
	}
	return reg.Repos, nil
}

// PutRepo inserts or replaces the entry with the same id.
func (s *FileStore) PutRepo(ctx context.Context, repo types.RepoContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.load()
	if err != nil {
		return err
	}
	replaced := false
	for i := range reg.Repos {
		if reg.Repos[i].ID == repo.ID {
			reg.Repos[i] = repo
			replaced = true
			break
		}
	}
	if !replaced {
		reg.Repos = append(reg.Repos, repo)
	}
	return writeJSON(s.registryPath(), reg)
}

func (s *FileStore) load() (registryFile, error) {
	data, err := os.ReadFile(s.registryPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return registryFile{}, nil
		}
		return registryFile{}, fmt.Errorf("failed to read registry: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return registryFile{}, nil
	}
	var reg registryFile
	if err := json.Unmarshal(data, &reg); err != nil {
		s.logger.Warn("registry file is corrupt, treating as empty", zap.Error(err))
		return registryFile{}, nil
	}
	return reg, nil
}

// PollState reads the poll state for a repository.
func (s *FileStore) PollState(ctx context.Context, repoID string) (types.PollState, error) {
	data, err := os.ReadFile(s.pollPath(repoID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return types.PollState{}, nil
		}
		return types.PollState{}, fmt.Errorf("failed to read poll state: %w", err)
	}
	var st types.PollState
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.Warn("poll state is corrupt, starting fresh",
			zap.String("repo_id", repoID),
			zap.Error(err),
		)
		return types.PollState{}, nil
	}
	return st, nil
}

// PutPollState overwrites the poll state for a repository.
func (s *FileStore) PutPollState(ctx context.Context, repoID string, st types.PollState) error {
	return writeJSON(s.pollPath(repoID), st)
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

// writeJSON replaces path atomically via a temp file and rename.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
