package pushsubscription

import "context"

type Repository interface {
	Create(ctx context.Context, s *Subscription) error
	Update(ctx context.Context, s *Subscription) error
	List(ctx context.Context) ([]*Subscription, error)
	// ListWatching returns the subscriptions a notification of projectID
	// is delivered to.
	ListWatching(ctx context.Context, projectID string) ([]*Subscription, error)
	Delete(ctx context.Context, id string) error
	FindByEndpoint(ctx context.Context, endpoint string) (*Subscription, error)
	DeleteByEndpoint(ctx context.Context, endpoint string) error
}
