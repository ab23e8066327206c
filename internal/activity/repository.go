package activity

import "context"

type Repository interface {
	Create(ctx context.Context, a *Activity) error
	// List returns the activity of a project newest first.
	List(ctx context.Context, projectID string, limit int) ([]*Activity, int, error)
	Delete(ctx context.Context, id string) error
}
