package types

// DispatchResult is returned by every dispatch attempt, successful or not.
type DispatchResult struct {
	OK      bool   `json:"ok"`
	RunID   string `json:"run_id,omitempty"`
	RepoID  string `json:"repo_id"`
	Mode    Mode   `json:"mode,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
	Title   string `json:"title,omitempty"`
	Branch  string `json:"branch,omitempty"`
	URL     string `json:"url,omitempty"`
	Message string `json:"message,omitempty"`
}

// Failed builds a failed result for a task.
func Failed(repoID, taskID, message string) DispatchResult {
	return DispatchResult{OK: false, RepoID: repoID, TaskID: taskID, Message: message}
}
