package task

import (
	"context"

	"github.com/kazz187/deepwork/internal/store"
)

type Filter struct {
	ProjectID string
	Status    Status
	AgentID   string
	Limit     int
	Offset    int
}

func (f Filter) Match(t *Task) bool {
	if f.ProjectID != "" && t.ProjectID != f.ProjectID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.AgentID != "" && !t.IsAssignedTo(f.AgentID) {
		return false
	}
	return true
}

type Repository interface {
	store.Repository[*Task]
	List(ctx context.Context, f Filter) ([]*Task, int, error)
	// PathID maps a storage path to a task id for external change tracking.
	PathID(path string) (string, bool)
}
