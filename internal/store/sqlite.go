package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/clintrovert/foreman/pkg/types"
)

// SQLiteStore keeps the registry and poll state in a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path and migrates it.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection serialises writers inside this process
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS repos (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS poll_state (
		repo_id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ListRepos returns every registered repository ordered by id.
func (s *SQLiteStore) ListRepos(ctx context.Context) ([]types.RepoContext, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM repos ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query repos: %w", err)
	}
	defer rows.Close()

	var repos []types.RepoContext
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan repo: %w", err)
		}
		var repo types.RepoContext
		if err := json.Unmarshal([]byte(data), &repo); err != nil {
			s.logger.Warn("skipping corrupt repo row", zap.Error(err))
			continue
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

// PutRepo upserts a repository row.
func (s *SQLiteStore) PutRepo(ctx context.Context, repo types.RepoContext) error {
	data, err := json.Marshal(repo)
	if err != nil {
		return fmt.Errorf("failed to marshal repo: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO repos (id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, repo.ID, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert repo %s: %w", repo.ID, err)
	}
	return nil
}

// PollState reads the poll state row, or the zero state.
func (s *SQLiteStore) PollState(ctx context.Context, repoID string) (types.PollState, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM poll_state WHERE repo_id = ?`, repoID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return types.PollState{}, nil
	}
	if err != nil {
		return types.PollState{}, fmt.Errorf("failed to read poll state: %w", err)
	}
	var st types.PollState
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		s.logger.Warn("poll state is corrupt, starting fresh", zap.String("repo_id", repoID), zap.Error(err))
		return types.PollState{}, nil
	}
	return st, nil
}

// PutPollState upserts the poll state row.
func (s *SQLiteStore) PutPollState(ctx context.Context, repoID string, st types.PollState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal poll state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO poll_state (repo_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(repo_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, repoID, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert poll state %s: %w", repoID, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
