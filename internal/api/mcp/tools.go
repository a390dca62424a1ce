// Package mcp exposes the operator surface as MCP tools so an assistant can
// inspect and drive repositories over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	grpcapi "github.com/clintrovert/foreman/internal/api/grpc"
	"github.com/clintrovert/foreman/internal/leader"
	"github.com/clintrovert/foreman/internal/registry"
	"github.com/clintrovert/foreman/pkg/types"
)

// Operator issues calls against a running leader.
type Operator interface {
	Call(ctx context.Context, method string, req, resp any) error
}

// RepoArgs addresses one repository.
type RepoArgs struct {
	RepoID string `json:"repo_id" jsonschema:"required,description=Registry id of the repository (owner_name)"`
}

// ModeArgs changes a repository's mode.
type ModeArgs struct {
	RepoID string `json:"repo_id" jsonschema:"required,description=Registry id of the repository (owner_name)"`
	Mode   string `json:"mode" jsonschema:"required,enum=observe,enum=act,enum=disabled,description=New operating mode"`
}

// NewServer builds the MCP server with every operator tool registered.
func NewServer(op Operator, version string, logger *zap.Logger) *server.MCPServer {
	s := server.NewMCPServer("foreman", version, server.WithToolCapabilities(false))
	RegisterTools(s, op, logger)
	return s
}

// RegisterTools adds the operator tools to s.
func RegisterTools(s *server.MCPServer, op Operator, logger *zap.Logger) {
	s.AddTool(mcp.NewTool("list_repos",
		mcp.WithDescription("List registered repositories with their mode and protected paths."),
	), listRepos(op, logger))

	s.AddTool(mcp.NewTool("scan_repo",
		mcp.WithDescription("Refresh a repository and report eligible tasks, skip reasons, open pull requests and present conventions."),
		mcp.WithInputSchema[RepoArgs](),
	), scanRepo(op, logger))

	s.AddTool(mcp.NewTool("next_task",
		mcp.WithDescription("Return the task that would be dispatched next for a repository."),
		mcp.WithInputSchema[RepoArgs](),
	), nextTask(op, logger))

	s.AddTool(mcp.NewTool("dispatch_task",
		mcp.WithDescription("Dispatch the next eligible task. In observe mode this only reports what would run."),
		mcp.WithInputSchema[RepoArgs](),
	), dispatchTask(op, logger))

	s.AddTool(mcp.NewTool("set_mode",
		mcp.WithDescription("Switch a repository between observe, act and disabled."),
		mcp.WithInputSchema[ModeArgs](),
	), setMode(op, logger))
}

func listRepos(op Operator, logger *zap.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var resp grpcapi.ReposResponse
		if err := op.Call(ctx, "ListRepos", nil, &resp); err != nil {
			return failure(logger, "list_repos", err), nil
		}
		return jsonResult(resp.Repos)
	}
}

func scanRepo(op Operator, logger *zap.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, errResult := bindRepo(request)
		if errResult != nil {
			return errResult, nil
		}
		var report leader.ScanReport
		if err := op.Call(ctx, "Scan", grpcapi.RepoRequest{RepoID: args.RepoID}, &report); err != nil {
			return failure(logger, "scan_repo", err), nil
		}
		return jsonResult(report)
	}
}

func nextTask(op Operator, logger *zap.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, errResult := bindRepo(request)
		if errResult != nil {
			return errResult, nil
		}
		var resp grpcapi.NextResponse
		if err := op.Call(ctx, "Next", grpcapi.RepoRequest{RepoID: args.RepoID}, &resp); err != nil {
			return failure(logger, "next_task", err), nil
		}
		if resp.Next == nil {
			return mcp.NewToolResultText(fmt.Sprintf("no eligible task for %s", args.RepoID)), nil
		}
		return jsonResult(resp.Next)
	}
}

func dispatchTask(op Operator, logger *zap.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, errResult := bindRepo(request)
		if errResult != nil {
			return errResult, nil
		}
		var res types.DispatchResult
		if err := op.Call(ctx, "Dispatch", grpcapi.RepoRequest{RepoID: args.RepoID}, &res); err != nil {
			return failure(logger, "dispatch_task", err), nil
		}
		return jsonResult(res)
	}
}

func setMode(op Operator, logger *zap.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args ModeArgs
		if err := request.BindArguments(&args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		if args.RepoID == "" || args.Mode == "" {
			return mcp.NewToolResultError("repo_id and mode are required"), nil
		}
		req := grpcapi.PatchRequest{RepoID: args.RepoID, Patch: registry.Patch{Mode: &args.Mode}}
		var repo types.RepoContext
		if err := op.Call(ctx, "Patch", req, &repo); err != nil {
			return failure(logger, "set_mode", err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%s is now in %s mode", repo.ID, repo.Mode)), nil
	}
}

func bindRepo(request mcp.CallToolRequest) (RepoArgs, *mcp.CallToolResult) {
	var args RepoArgs
	if err := request.BindArguments(&args); err != nil {
		return args, mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err))
	}
	if args.RepoID == "" {
		return args, mcp.NewToolResultError("repo_id is required")
	}
	return args, nil
}

func failure(logger *zap.Logger, tool string, err error) *mcp.CallToolResult {
	logger.Warn("tool call failed", zap.String("tool", tool), zap.Error(err))
	return mcp.NewToolResultError(err.Error())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
