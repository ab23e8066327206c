package document

import "time"

type Kind string

const (
	KindPRD         Kind = "prd"
	KindResearch    Kind = "research"
	KindDeliverable Kind = "deliverable"
)

// Document is an artifact produced by planning or by a task run. Documents
// are never edited once written.
type Document struct {
	ID        string    `yaml:"id" json:"id"`
	ProjectID string    `yaml:"project_id" json:"project_id"`
	TaskID    string    `yaml:"task_id,omitempty" json:"task_id,omitempty"`
	Kind      Kind      `yaml:"kind" json:"kind"`
	Title     string    `yaml:"title" json:"title"`
	Content   string    `yaml:"content" json:"content"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
}
