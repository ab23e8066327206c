package activity

import "time"

type Type string

const (
	TypeTaskStarted      Type = "task_started"
	TypeTaskCompleted    Type = "task_completed"
	TypeTaskFailed       Type = "task_failed"
	TypeTaskStopped      Type = "task_stopped"
	TypeTaskSkipped      Type = "task_skipped"
	TypeProjectPlanned   Type = "project_planned"
	TypeProjectFailed    Type = "project_failed"
	TypeProjectApproved  Type = "project_approved"
	TypeProjectPaused    Type = "project_paused"
	TypeProjectResumed   Type = "project_resumed"
	TypeProjectCompleted Type = "project_completed"
)

type Activity struct {
	ID        string    `yaml:"id" json:"id"`
	Type      Type      `yaml:"type" json:"type"`
	ProjectID string    `yaml:"project_id" json:"project_id"`
	TaskID    string    `yaml:"task_id,omitempty" json:"task_id,omitempty"`
	AgentID   string    `yaml:"agent_id,omitempty" json:"agent_id,omitempty"`
	Message   string    `yaml:"message" json:"message"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
}
