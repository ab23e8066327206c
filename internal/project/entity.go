package project

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/kazz187/deepwork/pkg/cerr"
)

type Status string

const (
	StatusDraft            Status = "draft"
	StatusPlanning         Status = "planning"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusExecuting        Status = "executing"
	StatusPaused           Status = "paused"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

type ResearchDepth string

const (
	ResearchNone     ResearchDepth = "none"
	ResearchQuick    ResearchDepth = "quick"
	ResearchStandard ResearchDepth = "standard"
	ResearchDeep     ResearchDepth = "deep"
)

func (d ResearchDepth) Valid() bool {
	switch d {
	case ResearchNone, ResearchQuick, ResearchStandard, ResearchDeep:
		return true
	}
	return false
}

var ErrInvalidTransition = errors.New("invalid project status transition")

var transitions = map[Status][]Status{
	StatusDraft:            {StatusPlanning},
	StatusPlanning:         {StatusAwaitingApproval, StatusFailed},
	StatusAwaitingApproval: {StatusApproved},
	StatusApproved:         {StatusExecuting},
	StatusExecuting:        {StatusPaused, StatusCompleted},
	StatusPaused:           {StatusExecuting},
	StatusFailed:           {StatusPlanning},
}

func CheckTransition(from, to Status) error {
	if slices.Contains(transitions[from], to) {
		return nil
	}
	return cerr.NewError(cerr.FailedPrecondition,
		fmt.Sprintf("project cannot move from %q to %q", from, to), ErrInvalidTransition)
}

// Runnable reports whether the scheduler may start tasks of a project in this
// status. A paused project still accepts explicit runs; the orchestrator is
// what stops starting new work.
func (s Status) Runnable() bool {
	return s == StatusExecuting || s == StatusPaused
}

type Project struct {
	ID                    string            `yaml:"id" json:"id"`
	Title                 string            `yaml:"title" json:"title"`
	Description           string            `yaml:"description" json:"description"`
	ResearchDepth         ResearchDepth     `yaml:"research_depth" json:"research_depth"`
	Status                Status            `yaml:"status" json:"status"`
	PlannerAgentID        string            `yaml:"planner_agent_id,omitempty" json:"planner_agent_id,omitempty"`
	TeamAgentIDs          []string          `yaml:"team_agent_ids" json:"team_agent_ids"`
	TaskIDs               []string          `yaml:"task_ids" json:"task_ids"`
	PRDDocumentID         string            `yaml:"prd_document_id,omitempty" json:"prd_document_id,omitempty"`
	CreatorID             string            `yaml:"creator_id" json:"creator_id"`
	WorkDir               string            `yaml:"work_dir,omitempty" json:"work_dir,omitempty"`
	Tags                  []string          `yaml:"tags,omitempty" json:"tags,omitempty"`
	Error                 string            `yaml:"error,omitempty" json:"error,omitempty"`
	EstimatedTotalMinutes int               `yaml:"estimated_total_minutes" json:"estimated_total_minutes"`
	Metadata              map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	StartedAt             *time.Time        `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt           *time.Time        `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
	CreatedAt             time.Time         `yaml:"created_at" json:"created_at"`
	UpdatedAt             time.Time         `yaml:"updated_at" json:"updated_at"`
}

const DefaultCreatorID = "human"

func (p *Project) Clone() *Project {
	c := *p
	c.TeamAgentIDs = slices.Clone(p.TeamAgentIDs)
	c.TaskIDs = slices.Clone(p.TaskIDs)
	c.Tags = slices.Clone(p.Tags)
	c.Metadata = maps.Clone(p.Metadata)
	if p.StartedAt != nil {
		v := *p.StartedAt
		c.StartedAt = &v
	}
	if p.CompletedAt != nil {
		v := *p.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// StartRequest describes a project to plan.
type StartRequest struct {
	Description   string
	Title         string
	ResearchDepth ResearchDepth
	WorkDir       string
	Tags          []string
	CreatorID     string
}
