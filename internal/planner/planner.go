// Package planner drafts the implementation plan committed with each task.
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/clintrovert/foreman/pkg/types"
)

// Drafter produces a markdown plan for a task.
type Drafter interface {
	Draft(ctx context.Context, repo types.RepoContext, task types.TaskRecord) (string, error)
}

// Template is the deterministic drafter used when no model is configured.
type Template struct{}

// Draft renders the plan from the task record alone.
func (Template) Draft(_ context.Context, repo types.RepoContext, task types.TaskRecord) (string, error) {
	return Fallback(repo, task), nil
}

// Fallback renders a plan without calling a model.
func Fallback(repo types.RepoContext, task types.TaskRecord) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# %s: %s\n\n", task.ID, task.Title))
	sb.WriteString(fmt.Sprintf("Repository: %s\n", repo.FullName()))
	sb.WriteString(fmt.Sprintf("Priority: %s\n", task.Priority))
	if len(task.DependsOn) > 0 {
		sb.WriteString(fmt.Sprintf("Depends on: %s\n", strings.Join(task.DependsOn, ", ")))
	}
	sb.WriteString("\n## Summary\n\n")
	if body := strings.TrimSpace(task.Body); body != "" {
		sb.WriteString(body + "\n")
	} else {
		sb.WriteString(task.Title + "\n")
	}
	sb.WriteString("\n## Steps\n\n")
	sb.WriteString("1. Implement the change described above\n")
	sb.WriteString("2. Add or update tests\n")
	sb.WriteString("3. Update documentation and the changelog\n")
	if len(task.Paths) > 0 {
		sb.WriteString("\n## Scope\n\n")
		for _, p := range task.Paths {
			sb.WriteString("- " + p + "\n")
		}
	}
	return sb.String()
}
