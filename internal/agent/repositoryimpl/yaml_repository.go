package repositoryimpl

import (
	"context"

	"github.com/kazz187/deepwork/internal/agent"
	"github.com/kazz187/deepwork/internal/store"
	"github.com/kazz187/deepwork/pkg/cerr"
	"github.com/kazz187/deepwork/pkg/storage"
)

const agentsPrefix = "agents"

type YAMLRepository struct {
	*store.YAMLRepository[*agent.Agent]
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{
		YAMLRepository: store.NewYAMLRepository(s, agentsPrefix, "agent",
			func(a *agent.Agent) string { return a.ID },
			func() *agent.Agent { return &agent.Agent{} }),
	}
}

// List filters by project when projectID is set. Agents without a project
// are shared and always listed.
func (r *YAMLRepository) List(ctx context.Context, projectID string, limit, offset int) ([]*agent.Agent, int, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, 0, err
	}
	matched := all[:0]
	for _, a := range all {
		if projectID != "" && a.ProjectID != "" && a.ProjectID != projectID {
			continue
		}
		matched = append(matched, a)
	}
	page, total := store.Paginate(matched, limit, offset)
	return page, total, nil
}

func (r *YAMLRepository) FindByName(ctx context.Context, projectID, name string) (*agent.Agent, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range all {
		if a.ProjectID == projectID && a.Name == name {
			return a, nil
		}
	}
	return nil, cerr.NewError(cerr.NotFound, "agent not found", nil)
}

func (r *YAMLRepository) PathID(path string) (string, bool) {
	return r.IDFromPath(path)
}
