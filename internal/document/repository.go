package document

import "context"

type Filter struct {
	ProjectID string
	TaskID    string
	Kind      Kind
}

type Repository interface {
	Create(ctx context.Context, d *Document) error
	Get(ctx context.Context, id string) (*Document, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Document, int, error)
	Delete(ctx context.Context, id string) error
}
