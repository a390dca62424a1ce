package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/clintrovert/foreman/internal/activities"
)

// DispatchWorkflow turns one task into a pull request
func DispatchWorkflow(ctx workflow.Context, input activities.DispatchInput) (activities.Outcome, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("starting dispatch workflow",
		"repo_id", input.Repo.ID,
		"task_id", input.Task.ID,
		"run_id", input.RunID,
	)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var a *activities.TemporalActivities

	// Step 1: sync and branch, or find the pull request that already exists
	var prep activities.Prepared
	if err := workflow.ExecuteActivity(ctx, a.PrepareBranch, input).Get(ctx, &prep); err != nil {
		logger.Error("failed to prepare branch", "error", err)
		return activities.Outcome{}, err
	}
	if prep.Existing != nil {
		logger.Info("reusing open pull request", "pr_url", prep.Existing.PRURL)
		return activities.Outcome{Branch: prep.Branch, PR: prep.Existing, Reused: true}, nil
	}

	// Step 2: plan, status flip and commit
	var changed bool
	if err := workflow.ExecuteActivity(ctx, a.ApplyTask, input, prep.Branch).Get(ctx, &changed); err != nil {
		logger.Error("failed to apply task", "error", err)
		return activities.Outcome{}, err
	}

	// Step 3: push
	if err := workflow.ExecuteActivity(ctx, a.PublishBranch, input, prep.Branch).Get(ctx, nil); err != nil {
		logger.Error("failed to publish branch", "error", err)
		return activities.Outcome{}, err
	}

	// Step 4: pull request
	var out activities.Outcome
	if err := workflow.ExecuteActivity(ctx, a.OpenChangeRequest, input, prep.Branch).Get(ctx, &out); err != nil {
		logger.Error("failed to open pull request", "error", err)
		return activities.Outcome{}, err
	}

	logger.Info("dispatch workflow completed", "branch", out.Branch, "changed", changed)
	return out, nil
}
