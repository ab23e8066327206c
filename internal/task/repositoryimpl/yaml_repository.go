package repositoryimpl

import (
	"context"

	"github.com/kazz187/deepwork/internal/store"
	"github.com/kazz187/deepwork/internal/task"
	"github.com/kazz187/deepwork/pkg/storage"
)

const tasksPrefix = "tasks"

type YAMLRepository struct {
	*store.YAMLRepository[*task.Task]
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{
		YAMLRepository: store.NewYAMLRepository(s, tasksPrefix, "task",
			func(t *task.Task) string { return t.ID },
			func() *task.Task { return &task.Task{} }),
	}
}

func (r *YAMLRepository) List(ctx context.Context, f task.Filter) ([]*task.Task, int, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, 0, err
	}
	matched := all[:0]
	for _, t := range all {
		if f.Match(t) {
			matched = append(matched, t)
		}
	}
	page, total := store.Paginate(matched, f.Limit, f.Offset)
	return page, total, nil
}

func (r *YAMLRepository) PathID(path string) (string, bool) {
	return r.IDFromPath(path)
}
