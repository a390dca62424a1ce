package temporal

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/clintrovert/foreman/internal/activities"
	"github.com/clintrovert/foreman/internal/temporal/workflows"
	"github.com/clintrovert/foreman/pkg/types"
)

// Client runs dispatches as Temporal workflows
type Client struct {
	temporalClient client.Client
	logger         *zap.Logger
	taskQueue      string
}

// NewClient dials Temporal.
func NewClient(address, namespace, taskQueue string, logger *zap.Logger) (*Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  address,
		Namespace: namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create temporal client: %w", err)
	}
	return NewClientFrom(c, taskQueue, logger), nil
}

// NewClientFrom wraps an existing SDK client.
func NewClientFrom(c client.Client, taskQueue string, logger *zap.Logger) *Client {
	return &Client{
		temporalClient: c,
		logger:         logger,
		taskQueue:      taskQueue,
	}
}

// WorkflowID is stable per repository and task, so a second start while a
// run is in flight attaches to that run.
func WorkflowID(repoID, taskID string) string {
	return fmt.Sprintf("dispatch-%s-%s", repoID, taskID)
}

// Execute starts the dispatch workflow and waits for its outcome.
func (c *Client) Execute(ctx context.Context, runID string, repo types.RepoContext, task types.TaskRecord) (activities.Outcome, error) {
	options := client.StartWorkflowOptions{
		ID:        WorkflowID(repo.ID, task.ID),
		TaskQueue: c.taskQueue,
	}
	input := activities.DispatchInput{RunID: runID, Repo: repo, Task: task}

	we, err := c.temporalClient.ExecuteWorkflow(ctx, options, workflows.DispatchWorkflow, input)
	if err != nil {
		return activities.Outcome{}, fmt.Errorf("failed to start workflow: %w", err)
	}

	c.logger.Info("started workflow",
		zap.String("workflow_id", we.GetID()),
		zap.String("run_id", we.GetRunID()),
		zap.String("repo_id", repo.ID),
		zap.String("task_id", task.ID),
	)

	var out activities.Outcome
	if err := we.Get(ctx, &out); err != nil {
		return activities.Outcome{}, fmt.Errorf("dispatch workflow failed: %w", err)
	}
	return out, nil
}

// Close closes the Temporal client
func (c *Client) Close() {
	c.temporalClient.Close()
}
