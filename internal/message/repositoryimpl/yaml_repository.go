package repositoryimpl

import (
	"context"

	"github.com/kazz187/deepwork/internal/message"
	"github.com/kazz187/deepwork/internal/store"
	"github.com/kazz187/deepwork/pkg/storage"
)

const messagesPrefix = "messages"

type YAMLRepository struct {
	*store.YAMLRepository[*message.Message]
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{
		YAMLRepository: store.NewYAMLRepository(s, messagesPrefix, "message",
			func(m *message.Message) string { return m.ID },
			func() *message.Message { return &message.Message{} }),
	}
}

// List relies on ulid ids sorting in creation order.
func (r *YAMLRepository) List(ctx context.Context, taskID string, limit, offset int) ([]*message.Message, int, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, 0, err
	}
	matched := all[:0]
	for _, m := range all {
		if taskID != "" && m.TaskID != taskID {
			continue
		}
		matched = append(matched, m)
	}
	page, total := store.Paginate(matched, limit, offset)
	return page, total, nil
}
