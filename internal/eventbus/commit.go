package eventbus

import (
	"context"

	"github.com/kazz187/deepwork/internal/store"
)

// CommitPublisher turns store commits into bus events. scope names the
// project and task the record belongs to.
func CommitPublisher[T any](b *Bus, updated, deleted Type, scope func(T) (projectID, taskID string)) store.CommitFunc[T] {
	return func(_ context.Context, op store.Op, v T) {
		projectID, taskID := scope(v)
		typ := updated
		if op == store.OpDeleted {
			typ = deleted
		}
		b.PublishNew(typ, projectID, taskID, RecordChanged{Op: string(op), Record: v})
	}
}
