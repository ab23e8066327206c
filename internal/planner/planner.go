// Package planner turns a project description into a PRD, a task graph and
// a team of agents.
package planner

import (
	"context"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/deepwork/internal/graph"
	"github.com/kazz187/deepwork/internal/project"
	"github.com/kazz187/deepwork/internal/task"
	"github.com/kazz187/deepwork/pkg/cerr"
)

type Phase string

const (
	PhaseResearch Phase = "research"
	PhasePRD      Phase = "prd"
	PhaseTasks    Phase = "tasks"
	PhaseTeam     Phase = "team"
)

var ErrUnknownKey = errors.New("task spec references an unknown key")

type PRD struct {
	Title   string `json:"title"`
	Content string `json:"prd"`
}

type TaskSpec struct {
	Key                 string        `json:"key"`
	Title               string        `json:"title"`
	Description         string        `json:"description"`
	TaskType            task.Type     `json:"task_type"`
	Priority            task.Priority `json:"priority"`
	Tags                []string      `json:"tags"`
	EstimatedMinutes    int           `json:"estimated_minutes"`
	RequiredSpecialties []string      `json:"required_specialties"`
	BlockedByKeys       []string      `json:"blocked_by_keys"`
}

type AgentSpec struct {
	Name        string   `json:"name"`
	Role        string   `json:"role"`
	Description string   `json:"description"`
	Specialties []string `json:"specialties"`
	Backend     string   `json:"backend"`
}

// Planner produces the artifact of each phase. Implementations are free to
// call a language model; the pipeline only sees the results.
type Planner interface {
	Research(ctx context.Context, description string, depth project.ResearchDepth) (string, error)
	PRD(ctx context.Context, description, research string) (*PRD, error)
	Tasks(ctx context.Context, description, prd string) ([]TaskSpec, error)
	Team(ctx context.Context, prd string, tasks []TaskSpec) ([]AgentSpec, error)
}

// Materialize converts specs into tasks of projectID, resolving blocked_by
// keys to the new task ids. Unknown or duplicate keys and cycles are
// rejected before anything is stored.
func Materialize(projectID string, specs []TaskSpec) ([]*task.Task, error) {
	ids := make(map[string]string, len(specs))
	for i, s := range specs {
		if s.Key == "" {
			return nil, cerr.Newf(cerr.InvalidArgument, nil, "task spec %d has no key", i)
		}
		if _, dup := ids[s.Key]; dup {
			return nil, cerr.Newf(cerr.InvalidArgument, nil, "task key %q is used twice", s.Key)
		}
		ids[s.Key] = ulid.Make().String()
	}

	nodes := make([]graph.Node, 0, len(specs))
	for _, s := range specs {
		for _, k := range s.BlockedByKeys {
			if _, ok := ids[k]; !ok {
				return nil, cerr.Newf(cerr.InvalidArgument, ErrUnknownKey, "task %q is blocked by unknown key %q", s.Key, k)
			}
		}
		nodes = append(nodes, graph.Node{ID: s.Key, BlockedBy: s.BlockedByKeys})
	}
	if _, err := graph.Build(nodes); err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, "planned tasks form a cycle", err)
	}

	tasks := make([]*task.Task, 0, len(specs))
	for _, s := range specs {
		blockedBy := make([]string, 0, len(s.BlockedByKeys))
		for _, k := range s.BlockedByKeys {
			blockedBy = append(blockedBy, ids[k])
		}
		tasks = append(tasks, &task.Task{
			ID:                  ids[s.Key],
			ProjectID:           projectID,
			Key:                 s.Key,
			Title:               s.Title,
			Description:         s.Description,
			Type:                s.TaskType,
			Priority:            s.Priority,
			Tags:                s.Tags,
			EstimatedMinutes:    s.EstimatedMinutes,
			RequiredSpecialties: s.RequiredSpecialties,
			BlockedBy:           blockedBy,
		})
	}
	return tasks, nil
}

func phaseError(phase Phase, err error) error {
	return fmt.Errorf("%s phase: %w", phase, err)
}
