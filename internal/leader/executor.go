package leader

import (
	"context"

	"go.uber.org/zap"

	"github.com/clintrovert/foreman/internal/activities"
	"github.com/clintrovert/foreman/pkg/types"
)

// Executor runs the developer for one task and reports what it produced.
// The temporal client satisfies it for durable execution.
type Executor interface {
	Execute(ctx context.Context, runID string, repo types.RepoContext, task types.TaskRecord) (activities.Outcome, error)
}

// LocalExecutor runs the developer in-process.
type LocalExecutor struct {
	developer *activities.Developer
	logger    *zap.Logger
}

// NewLocalExecutor creates an in-process executor.
func NewLocalExecutor(developer *activities.Developer, logger *zap.Logger) *LocalExecutor {
	return &LocalExecutor{developer: developer, logger: logger}
}

func (e *LocalExecutor) Execute(ctx context.Context, runID string, repo types.RepoContext, task types.TaskRecord) (activities.Outcome, error) {
	e.logger.Info("executing task locally",
		zap.String("run_id", runID),
		zap.String("repo_id", repo.ID),
		zap.String("task_id", task.ID),
	)
	return e.developer.Execute(ctx, repo, task)
}
