package repositoryimpl

import (
	"context"
	"slices"

	"github.com/kazz187/deepwork/internal/activity"
	"github.com/kazz187/deepwork/internal/store"
	"github.com/kazz187/deepwork/pkg/storage"
)

const activitiesPrefix = "activities"

type YAMLRepository struct {
	*store.YAMLRepository[*activity.Activity]
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{
		YAMLRepository: store.NewYAMLRepository(s, activitiesPrefix, "activity",
			func(a *activity.Activity) string { return a.ID },
			func() *activity.Activity { return &activity.Activity{} }),
	}
}

func (r *YAMLRepository) List(ctx context.Context, projectID string, limit int) ([]*activity.Activity, int, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, 0, err
	}
	matched := all[:0]
	for _, a := range all {
		if projectID != "" && a.ProjectID != projectID {
			continue
		}
		matched = append(matched, a)
	}
	slices.Reverse(matched)
	page, total := store.Paginate(matched, limit, 0)
	return page, total, nil
}
