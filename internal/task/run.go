package task

import (
	"context"
	"time"
)

// Run is a point-in-time view of an in-flight task run.
type Run struct {
	RunID     string      `json:"run_id"`
	TaskID    string      `json:"task_id"`
	ProjectID string      `json:"project_id"`
	AgentID   string      `json:"agent_id"`
	StartedAt time.Time   `json:"started_at"`
	Outputs   []RunOutput `json:"outputs"`
	LastLine  string      `json:"last_line"`
}

type RunOutput struct {
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

// Runner starts and stops task runs. Implemented by the scheduler.
type Runner interface {
	RunTask(ctx context.Context, taskID, agentID string) (*Run, error)
	StopTask(ctx context.Context, taskID string) (*Task, error)
	SkipTask(ctx context.Context, taskID string) (*Task, error)
	IsTaskReady(ctx context.Context, taskID string) (bool, error)
	RunningTask(taskID string) (*Run, bool)
	RunningTasks(projectID string) []*Run
}
