package planner

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/clintrovert/foreman/pkg/types"
)

const systemPrompt = "You are an expert software engineer that writes concise implementation plans " +
	"in markdown for backlog tasks. Reply with the plan only."

// AIDrafter asks an OpenAI-compatible chat endpoint for a plan and falls back
// to the template when the call fails.
type AIDrafter struct {
	client  *openai.Client
	logger  *zap.Logger
	model   string
	timeout time.Duration
}

// DefaultTimeout bounds one completion when no timeout is configured.
const DefaultTimeout = 60 * time.Second

// NewAIDrafter creates a drafter. baseURL may point at any OpenAI-compatible
// server; empty means api.openai.com. timeout bounds each completion.
func NewAIDrafter(apiKey, baseURL, model string, timeout time.Duration, logger *zap.Logger) *AIDrafter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	if model == "" {
		model = openai.GPT4oMini
	}

	return &AIDrafter{
		client:  openai.NewClientWithConfig(cfg),
		logger:  logger,
		model:   model,
		timeout: timeout,
	}
}

// Draft returns the model's plan, or the template plan when the model is
// unavailable. It never fails.
func (d *AIDrafter) Draft(ctx context.Context, repo types.RepoContext, task types.TaskRecord) (string, error) {
	plan, err := d.complete(ctx, repo, task)
	if err != nil {
		d.logger.Warn("drafter unavailable, using fallback plan",
			zap.String("repo_id", repo.ID),
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		return Fallback(repo, task), nil
	}

	d.logger.Info("drafted plan",
		zap.String("repo_id", repo.ID),
		zap.String("task_id", task.ID),
		zap.Int("bytes", len(plan)),
	)
	return plan, nil
}

func (d *AIDrafter) complete(ctx context.Context, repo types.RepoContext, task types.TaskRecord) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp, err := d.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: d.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: systemPrompt,
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: buildPrompt(repo, task),
				},
			},
			Temperature: 0.2,
		},
	)
	if err != nil {
		return "", fmt.Errorf("failed to create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from model")
	}

	plan := strings.TrimSpace(resp.Choices[0].Message.Content)
	if plan == "" {
		return "", fmt.Errorf("empty response from model")
	}
	return plan + "\n", nil
}

func buildPrompt(repo types.RepoContext, task types.TaskRecord) string {
	var sb strings.Builder

	sb.WriteString("Create an implementation plan for the following task:\n\n")
	sb.WriteString("**Task ID:** " + task.ID + "\n")
	sb.WriteString("**Title:** " + task.Title + "\n")
	sb.WriteString("**Priority:** " + task.Priority + "\n")
	sb.WriteString("**Repository:** " + repo.FullName() + "\n")
	if len(task.Paths) > 0 {
		sb.WriteString("**Allowed paths:** " + strings.Join(task.Paths, ", ") + "\n")
	}
	if len(repo.ProtectedPaths) > 0 {
		sb.WriteString("**Do not touch:** " + strings.Join(repo.ProtectedPaths, ", ") + "\n")
	}
	if body := strings.TrimSpace(task.Body); body != "" {
		sb.WriteString("\n" + body + "\n")
	}

	sb.WriteString("\nPlease provide:\n")
	sb.WriteString("1. A summary of the approach\n")
	sb.WriteString("2. Ordered steps\n")
	sb.WriteString("3. Files to modify or create\n")
	sb.WriteString("4. How the change will be validated\n")

	return sb.String()
}
