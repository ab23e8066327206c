package project

import (
	"context"

	"github.com/kazz187/deepwork/internal/store"
)

type Repository interface {
	store.Repository[*Project]
	List(ctx context.Context, status Status, limit, offset int) ([]*Project, int, error)
	PathID(path string) (string, bool)
}
