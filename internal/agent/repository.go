package agent

import (
	"context"

	"github.com/kazz187/deepwork/internal/store"
)

type Repository interface {
	store.Repository[*Agent]
	List(ctx context.Context, projectID string, limit, offset int) ([]*Agent, int, error)
	FindByName(ctx context.Context, projectID, name string) (*Agent, error)
	PathID(path string) (string, bool)
}
