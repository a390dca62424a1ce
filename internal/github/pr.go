package github

import (
	"fmt"
	"strings"
)

// PRTitle is the title used for task pull requests. The task id must stay in
// the title; merge detection and eligibility both match on it.
func PRTitle(taskID, title string) string {
	return taskID + " - " + title
}

// IntegrationTitle is the title of the follow-up that marks a task done.
func IntegrationTitle(taskID string) string {
	return PRTitle(taskID, "mark task done")
}

// IntegrationBranch is the head branch of the follow-up that marks a task done.
func IntegrationBranch(taskID string) string {
	return "integration/" + taskID + "-mark-done"
}

// PRBody renders the standard description for a task pull request.
func PRBody(taskID, summary string, protectedTouched []string) string {
	var sb strings.Builder

	sb.WriteString("## Linked Tasks\n")
	sb.WriteString("- " + taskID + "\n\n")
	sb.WriteString("## What changed\n")
	sb.WriteString("- " + summary + "\n\n")
	sb.WriteString("## Validation\n")
	sb.WriteString("- CI runs on pull_request\n")
	sb.WriteString("- Smoke test passes\n\n")
	sb.WriteString("## Risk\n")
	if len(protectedTouched) == 0 {
		sb.WriteString("- No protected paths changed\n")
	} else {
		for _, p := range protectedTouched {
			sb.WriteString(fmt.Sprintf("- Touches protected path `%s`\n", p))
		}
	}
	return sb.String()
}
