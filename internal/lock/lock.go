package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clintrovert/foreman/pkg/types"
)

// RetryInterval is how often a blocking Acquire re-checks the marker.
const RetryInterval = 100 * time.Millisecond

// Locker answers "is a dispatch already in progress for this repository".
// It is advisory: only cooperating callers are excluded.
type Locker interface {
	Acquire(ctx context.Context, repoID string, timeout time.Duration) bool
	Release(repoID string)
}

// FileLocker keeps one marker file per repository on the local host.
type FileLocker struct {
	dir      string
	identity string
	logger   *zap.Logger
	now      func() time.Time
}

// NewIdentity returns a holder identity unique to this locker instance.
func NewIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString())
}

// NewFileLocker creates a locker storing markers under dir.
func NewFileLocker(dir, identity string, logger *zap.Logger) *FileLocker {
	if identity == "" {
		identity = NewIdentity()
	}
	return &FileLocker{
		dir:      dir,
		identity: identity,
		logger:   logger,
		now:      time.Now,
	}
}

// Identity returns the holder identity written into markers.
func (l *FileLocker) Identity() string {
	return l.identity
}

// Path returns the marker location for a repository.
func (l *FileLocker) Path(repoID string) string {
	return filepath.Join(l.dir, repoID+".lock")
}

// Acquire creates the marker exclusively. A zero timeout tries once; a positive
// timeout retries every RetryInterval until it elapses. Any unexpected error is
// reported as failure to acquire. A marker left by a crashed holder is never
// reclaimed here; removing the file at Path releases it.
func (l *FileLocker) Acquire(ctx context.Context, repoID string, timeout time.Duration) bool {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		l.logger.Warn("failed to create lock directory", zap.String("dir", l.dir), zap.Error(err))
		return false
	}

	deadline := l.now().Add(timeout)
	for {
		err := l.tryCreate(repoID)
		if err == nil {
			return true
		}
		if !errors.Is(err, os.ErrExist) {
			l.logger.Warn("failed to acquire lock",
				zap.String("repo_id", repoID),
				zap.Error(err),
			)
			return false
		}
		if timeout <= 0 || !l.now().Before(deadline) {
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(RetryInterval):
		}
	}
}

func (l *FileLocker) tryCreate(repoID string) error {
	f, err := os.OpenFile(l.Path(repoID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	marker := types.Lock{RepoID: repoID, Holder: l.identity, AcquiredAt: l.now().UTC()}
	if err := json.NewEncoder(f).Encode(marker); err != nil {
		f.Close()
		os.Remove(l.Path(repoID))
		return fmt.Errorf("failed to write lock marker: %w", err)
	}
	return f.Close()
}

// Release removes the marker only if this locker holds it. Markers held by
// another identity are left alone. A marker whose body cannot be read is
// treated as ours.
func (l *FileLocker) Release(repoID string) {
	path := l.Path(repoID)
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var marker types.Lock
	if err := json.Unmarshal(data, &marker); err == nil && marker.Holder != "" && marker.Holder != l.identity {
		l.logger.Debug("lock held by another identity, not releasing",
			zap.String("repo_id", repoID),
			zap.String("holder", marker.Holder),
		)
		return
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.logger.Warn("failed to release lock", zap.String("repo_id", repoID), zap.Error(err))
	}
}

// Holder reads the current marker, if any.
func (l *FileLocker) Holder(repoID string) (*types.Lock, error) {
	data, err := os.ReadFile(l.Path(repoID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read lock marker: %w", err)
	}
	var marker types.Lock
	if err := json.Unmarshal(data, &marker); err != nil {
		return nil, fmt.Errorf("failed to decode lock marker: %w", err)
	}
	return &marker, nil
}
