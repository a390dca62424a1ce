package activities

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/clintrovert/foreman/internal/gitrepo"
	"github.com/clintrovert/foreman/pkg/types"
)

const checklist = "- CI: tests (and linters if configured) pass on the pull request\n" +
	"- Docs: CHANGELOG updated and linked in PR body\n" +
	"- Guardrails: No edits to protected paths unless task explicitly allows\n"

// Reviewer posts the automated checklist on opened pull requests. It never
// changes scheduling state.
type Reviewer struct {
	host   Host
	logger *zap.Logger
}

// NewReviewer creates a reviewer.
func NewReviewer(host Host, logger *zap.Logger) *Reviewer {
	return &Reviewer{host: host, logger: logger}
}

// Review comments on pr with the checklist and the protected-path report.
func (r *Reviewer) Review(ctx context.Context, repo types.RepoContext, pr types.PullRequest) (ReviewResult, error) {
	files, err := r.host.ListFiles(ctx, repo.Owner, repo.Name, pr.Number)
	if err != nil {
		return ReviewResult{}, err
	}
	touched := gitrepo.ProtectedTouched(repo.ProtectedPaths, files)

	url, err := r.host.Comment(ctx, repo.Owner, repo.Name, pr.Number, ReviewBody(pr.HeadRef, touched))
	if err != nil {
		return ReviewResult{}, err
	}

	r.logger.Info("reviewed pull request",
		zap.String("repo_id", repo.ID),
		zap.Int("pr_number", pr.Number),
		zap.Int("protected_touched", len(touched)),
	)
	return ReviewResult{PRNumber: pr.Number, CommentURL: url, ProtectedTouched: touched}, nil
}

// ReviewBody renders the review comment.
func ReviewBody(head string, touched []string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Automated review summary for `%s`:\n\n", head))
	sb.WriteString(checklist)
	sb.WriteString("\n")
	if len(touched) == 0 {
		sb.WriteString("Protected paths: none touched.\n")
	} else {
		sb.WriteString("Protected paths touched:\n")
		for _, f := range touched {
			sb.WriteString("- `" + f + "`\n")
		}
	}
	sb.WriteString("\nIf checks are green and acceptance criteria are met, mark task status to `ready_for_integration`.\n")
	return sb.String()
}
