package task

import (
	"slices"
	"time"
)

type Status string

const (
	StatusInbox      Status = "inbox"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
	StatusBlocked    Status = "blocked"
	StatusSkipped    Status = "skipped"
)

var Statuses = []Status{
	StatusInbox, StatusAssigned, StatusInProgress, StatusReview,
	StatusDone, StatusBlocked, StatusSkipped,
}

func (s Status) Valid() bool {
	return slices.Contains(Statuses, s)
}

// Resolved reports whether the status satisfies dependents. skipped counts
// the same as done.
func (s Status) Resolved() bool {
	return s == StatusDone || s == StatusSkipped
}

func (s Status) Final() bool {
	return s == StatusDone || s == StatusSkipped
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

type Type string

const (
	TypeAgent  Type = "agent"
	TypeHuman  Type = "human"
	TypeReview Type = "review"
)

func (t Type) Valid() bool {
	return t == TypeAgent || t == TypeHuman || t == TypeReview
}

const DefaultEstimatedMinutes = 30

type Task struct {
	ID                  string     `yaml:"id" json:"id"`
	ProjectID           string     `yaml:"project_id,omitempty" json:"project_id,omitempty"`
	Key                 string     `yaml:"key,omitempty" json:"key,omitempty"`
	Title               string     `yaml:"title" json:"title"`
	Description         string     `yaml:"description" json:"description"`
	Type                Type       `yaml:"type" json:"task_type"`
	Priority            Priority   `yaml:"priority" json:"priority"`
	Status              Status     `yaml:"status" json:"status"`
	AssigneeIDs         []string   `yaml:"assignee_ids" json:"assignee_ids"`
	BlockedBy           []string   `yaml:"blocked_by" json:"blocked_by"`
	Blocks              []string   `yaml:"blocks" json:"blocks"`
	RequiredSpecialties []string   `yaml:"required_specialties,omitempty" json:"required_specialties,omitempty"`
	Tags                []string   `yaml:"tags,omitempty" json:"tags,omitempty"`
	EstimatedMinutes    int        `yaml:"estimated_minutes" json:"estimated_minutes"`
	ActiveDescription   string     `yaml:"active_description,omitempty" json:"active_description,omitempty"`
	Error               string     `yaml:"error,omitempty" json:"error,omitempty"`
	StartedAt           *time.Time `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt         *time.Time `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
	CreatedAt           time.Time  `yaml:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `yaml:"updated_at" json:"updated_at"`
}

func (t *Task) Clone() *Task {
	c := *t
	c.AssigneeIDs = slices.Clone(t.AssigneeIDs)
	c.BlockedBy = slices.Clone(t.BlockedBy)
	c.Blocks = slices.Clone(t.Blocks)
	c.RequiredSpecialties = slices.Clone(t.RequiredSpecialties)
	c.Tags = slices.Clone(t.Tags)
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

func (t *Task) IsAssignedTo(agentID string) bool {
	return slices.Contains(t.AssigneeIDs, agentID)
}

// Stats counts tasks by status. Every status is present, zero or not.
func Stats(tasks []*Task) map[Status]int {
	stats := make(map[Status]int, len(Statuses))
	for _, s := range Statuses {
		stats[s] = 0
	}
	for _, t := range tasks {
		stats[t.Status]++
	}
	return stats
}
