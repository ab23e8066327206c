package repositoryimpl

import (
	"context"

	"github.com/kazz187/deepwork/internal/project"
	"github.com/kazz187/deepwork/internal/store"
	"github.com/kazz187/deepwork/pkg/storage"
)

const projectsPrefix = "projects"

type YAMLRepository struct {
	*store.YAMLRepository[*project.Project]
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{
		YAMLRepository: store.NewYAMLRepository(s, projectsPrefix, "project",
			func(p *project.Project) string { return p.ID },
			func() *project.Project { return &project.Project{} }),
	}
}

func (r *YAMLRepository) List(ctx context.Context, status project.Status, limit, offset int) ([]*project.Project, int, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, 0, err
	}
	matched := all[:0]
	for _, p := range all {
		if status != "" && p.Status != status {
			continue
		}
		matched = append(matched, p)
	}
	page, total := store.Paginate(matched, limit, offset)
	return page, total, nil
}

func (r *YAMLRepository) PathID(path string) (string, bool) {
	return r.IDFromPath(path)
}
