package repositoryimpl

import (
	"context"

	"github.com/kazz187/deepwork/internal/document"
	"github.com/kazz187/deepwork/internal/store"
	"github.com/kazz187/deepwork/pkg/storage"
)

const documentsPrefix = "documents"

type YAMLRepository struct {
	*store.YAMLRepository[*document.Document]
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{
		YAMLRepository: store.NewYAMLRepository(s, documentsPrefix, "document",
			func(d *document.Document) string { return d.ID },
			func() *document.Document { return &document.Document{} }),
	}
}

func (r *YAMLRepository) List(ctx context.Context, f document.Filter, limit, offset int) ([]*document.Document, int, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, 0, err
	}
	matched := all[:0]
	for _, d := range all {
		if f.ProjectID != "" && d.ProjectID != f.ProjectID {
			continue
		}
		if f.TaskID != "" && d.TaskID != f.TaskID {
			continue
		}
		if f.Kind != "" && d.Kind != f.Kind {
			continue
		}
		matched = append(matched, d)
	}
	page, total := store.Paginate(matched, limit, offset)
	return page, total, nil
}
