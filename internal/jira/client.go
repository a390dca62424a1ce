// Package jira mirrors task progress onto linked Jira issues.
package jira

import (
	"context"
	"fmt"
	"strings"
	"time"

	jira "github.com/andygrunwald/go-jira"
	"go.uber.org/zap"
)

// Client wraps the Jira API calls the mirror needs
type Client struct {
	client  *jira.Client
	logger  *zap.Logger
	timeout time.Duration
}

// DefaultTimeout bounds one mirror operation when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// NewClient creates a new Jira client. timeout bounds each Comment or
// Transition call.
func NewClient(baseURL, username, apiToken string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	tp := jira.BasicAuthTransport{
		Username: username,
		Password: apiToken,
	}
	hc := tp.Client()
	hc.Timeout = timeout

	client, err := jira.NewClient(hc, baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create jira client: %w", err)
	}

	return &Client{
		client:  client,
		logger:  logger,
		timeout: timeout,
	}, nil
}

// Comment adds a comment to an issue
func (c *Client) Comment(ctx context.Context, key, body string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, _, err := c.client.Issue.AddCommentWithContext(ctx, key, &jira.Comment{
		Body: body,
	})
	if err != nil {
		return fmt.Errorf("failed to add comment to %s: %w", key, err)
	}

	c.logger.Info("commented on jira issue", zap.String("issue", key))
	return nil
}

// Transition moves an issue to the named status. An issue already in that
// status is left alone.
func (c *Client) Transition(ctx context.Context, key, status string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	issue, _, err := c.client.Issue.GetWithContext(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("failed to get issue %s: %w", key, err)
	}
	if issue.Fields != nil && issue.Fields.Status != nil && strings.EqualFold(issue.Fields.Status.Name, status) {
		return nil
	}

	transitions, _, err := c.client.Issue.GetTransitionsWithContext(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to get transitions: %w", err)
	}

	var transitionID string
	for _, transition := range transitions {
		if strings.EqualFold(transition.To.Name, status) || strings.EqualFold(transition.Name, status) {
			transitionID = transition.ID
			break
		}
	}

	if transitionID == "" {
		return fmt.Errorf("transition to status %s not found for %s", status, key)
	}

	if _, err := c.client.Issue.DoTransitionWithContext(ctx, key, transitionID); err != nil {
		return fmt.Errorf("failed to transition issue: %w", err)
	}

	c.logger.Info("transitioned jira issue",
		zap.String("issue", key),
		zap.String("status", status),
	)
	return nil
}
