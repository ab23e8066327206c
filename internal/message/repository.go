package message

import "context"

type Repository interface {
	Create(ctx context.Context, m *Message) error
	// List returns the messages of a task oldest first.
	List(ctx context.Context, taskID string, limit, offset int) ([]*Message, int, error)
	Delete(ctx context.Context, id string) error
}
