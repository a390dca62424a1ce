package main

import (
	"log"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/clintrovert/foreman/internal/activities"
	"github.com/clintrovert/foreman/internal/config"
	"github.com/clintrovert/foreman/internal/github"
	"github.com/clintrovert/foreman/internal/gitrepo"
	"github.com/clintrovert/foreman/internal/jira"
	"github.com/clintrovert/foreman/internal/planner"
	workflows "github.com/clintrovert/foreman/internal/temporal/workflows"
	"github.com/clintrovert/foreman/pkg/types"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg := config.Load(logger)

	// Create Temporal client
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.Address,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		logger.Fatal("failed to create temporal client", zap.Error(err))
	}
	defer c.Close()

	host, err := github.NewClient(cfg.GitHubToken, cfg.GitHubBaseURL, cfg.HostTimeout, logger)
	if err != nil {
		logger.Fatal("failed to create github client", zap.Error(err))
	}

	// Jira is optional; the developer comments on linked issues when present
	var tracker activities.IssueTracker
	if cfg.Jira.Enabled() {
		jc, err := jira.NewClient(cfg.Jira.BaseURL, cfg.Jira.Username, cfg.Jira.Token, cfg.Jira.Timeout, logger)
		if err != nil {
			logger.Warn("jira disabled", zap.Error(err))
		} else {
			tracker = jc
		}
	}

	var drafter planner.Drafter = planner.Template{}
	if cfg.OpenAI.Enabled() {
		drafter = planner.NewAIDrafter(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, cfg.OpenAI.Timeout, logger)
	}

	gitOpts := gitrepo.Options{
		Token:       cfg.GitHubToken,
		AuthorName:  cfg.GitAuthor,
		AuthorEmail: cfg.GitEmail,
		Timeout:     cfg.GitTimeout,
	}
	workspaces := func(repo types.RepoContext) activities.Workspace {
		return gitrepo.NewWorkspace(cfg.WorkdirRoot, repo, gitOpts, logger)
	}

	developer := activities.NewDeveloper(host, workspaces, drafter, tracker, logger)

	// Create worker
	w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.DispatchWorkflow)
	w.RegisterActivity(activities.NewTemporalActivities(developer))

	logger.Info("starting worker",
		zap.String("task_queue", cfg.Temporal.TaskQueue),
		zap.String("namespace", cfg.Temporal.Namespace),
	)

	if err := w.Run(worker.InterruptCh()); err != nil {
		logger.Fatal("worker failed", zap.Error(err))
	}
	logger.Info("worker stopped")
}
