package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/clintrovert/foreman/internal/activities"
	grpcapi "github.com/clintrovert/foreman/internal/api/grpc"
	"github.com/clintrovert/foreman/internal/api/rest"
	"github.com/clintrovert/foreman/internal/config"
	"github.com/clintrovert/foreman/internal/github"
	"github.com/clintrovert/foreman/internal/gitrepo"
	"github.com/clintrovert/foreman/internal/jira"
	"github.com/clintrovert/foreman/internal/leader"
	"github.com/clintrovert/foreman/internal/lock"
	"github.com/clintrovert/foreman/internal/planner"
	"github.com/clintrovert/foreman/internal/poller"
	"github.com/clintrovert/foreman/internal/registry"
	"github.com/clintrovert/foreman/internal/store"
	"github.com/clintrovert/foreman/internal/tasks"
	"github.com/clintrovert/foreman/internal/temporal"
	"github.com/clintrovert/foreman/pkg/types"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	defer logger.Sync()

	cfg := config.Load(logger)

	st, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("failed to open state store", zap.Error(err))
	}
	defer st.Close()

	reg := registry.New(st, logger)
	locker := lock.NewFileLocker(cfg.LockDir(), lock.NewIdentity(), logger)

	host, err := github.NewClient(cfg.GitHubToken, cfg.GitHubBaseURL, cfg.HostTimeout, logger)
	if err != nil {
		logger.Fatal("failed to create github client", zap.Error(err))
	}

	ids, err := tasks.NewIDMatcher(cfg.TaskIDPattern)
	if err != nil {
		logger.Fatal("invalid task id pattern", zap.Error(err))
	}

	gitOpts := gitrepo.Options{
		Token:       cfg.GitHubToken,
		AuthorName:  cfg.GitAuthor,
		AuthorEmail: cfg.GitEmail,
		Timeout:     cfg.GitTimeout,
	}
	workspace := func(repo types.RepoContext) *gitrepo.Workspace {
		return gitrepo.NewWorkspace(cfg.WorkdirRoot, repo, gitOpts, logger)
	}

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

	toolWorkspaces := func(repo types.RepoContext) activities.Workspace { return workspace(repo) }
	reviewer := activities.NewReviewer(host, logger)
	integrator := activities.NewIntegrator(host, toolWorkspaces, activities.IntegratorOptions{
		TaskPattern:    cfg.TaskPattern,
		IDs:            ids,
		Tracker:        tracker,
		JiraDoneStatus: cfg.Jira.DoneStatus,
	}, logger)

	var executor leader.Executor
	switch cfg.Executor {
	case "temporal":
		tc, err := temporal.NewClient(cfg.Temporal.Address, cfg.Temporal.Namespace, cfg.Temporal.TaskQueue, logger)
		if err != nil {
			logger.Fatal("failed to create temporal client", zap.Error(err))
		}
		defer tc.Close()
		executor = tc
	default:
		developer := activities.NewDeveloper(host, toolWorkspaces, drafter, tracker, logger)
		executor = leader.NewLocalExecutor(developer, logger)
	}

	dispatcher := leader.NewDispatcher(
		reg,
		host,
		func(repo types.RepoContext) leader.Workspace { return workspace(repo) },
		locker,
		executor,
		leader.Options{TaskPattern: cfg.TaskPattern, AutoDispatch: cfg.AutoDispatch},
		logger,
	)

	changes := poller.New(reg, st, host, reviewer, dispatcher, cfg.Poll, logger)
	changes.SetMergeHook(dispatcher.OnMerged)
	dispatcher.SetCollaborators(changes, integrator)

	// Setup REST API
	restHandler := rest.NewHandler(reg, dispatcher, changes, logger)
	restAddr := fmt.Sprintf(":%s", cfg.RestPort)
	restServer := &http.Server{
		Addr:              restAddr,
		Handler:           rest.NewRouter(restHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting REST API server", zap.String("address", restAddr))
		if err := restServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start REST server", zap.Error(err))
		}
	}()

	// Start gRPC server
	grpcAddr := fmt.Sprintf(":%s", cfg.GRPCPort)
	grpcListener, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logger.Fatal("failed to listen on gRPC port", zap.Error(err))
	}

	grpcSrv := grpc.NewServer()
	operator := grpcapi.NewServer(reg, dispatcher, logger)
	operator.Attach(grpcSrv)

	go func() {
		logger.Info("starting gRPC server", zap.String("address", grpcAddr))
		if err := grpcSrv.Serve(grpcListener); err != nil {
			logger.Fatal("failed to start gRPC server", zap.Error(err))
		}
	}()

	// Start poller
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.Info("starting poller",
			zap.Duration("active", cfg.Poll.Active),
			zap.Duration("idle", cfg.Poll.Idle),
		)
		if err := changes.Start(ctx); err != nil {
			logger.Fatal("poller stopped", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	operator.Shutdown()
	restServer.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()

	logger.Info("shutdown complete")
}

func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.StateBackend {
	case "sqlite":
		return store.NewSQLiteStore(cfg.SQLitePath(), logger)
	case "file", "":
		return store.NewFileStore(cfg.StateDir, logger)
	}
	return nil, fmt.Errorf("unknown state backend %q", cfg.StateBackend)
}
