// Package store persists the repository registry and per-repository poll state.
package store

import (
	"context"
	"errors"

	"github.com/clintrovert/foreman/pkg/types"
)

// ErrClosed indicates the store has been closed.
var ErrClosed = errors.New("store is closed")

// Store is the durable backing for the registry and the poller. Writers use
// read-modify-write with last-writer-wins semantics.
type Store interface {
	ListRepos(ctx context.Context) ([]types.RepoContext, error)
	PutRepo(ctx context.Context, repo types.RepoContext) error
	// PollState returns the zero state when nothing was stored yet.
	PollState(ctx context.Context, repoID string) (types.PollState, error)
	PutPollState(ctx context.Context, repoID string, st types.PollState) error
	Close() error
}
