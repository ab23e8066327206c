package repositoryimpl

import (
	"context"

	"github.com/kazz187/deepwork/internal/pushsubscription"
	"github.com/kazz187/deepwork/internal/store"
	"github.com/kazz187/deepwork/pkg/cerr"
	"github.com/kazz187/deepwork/pkg/storage"
)

const pushSubscriptionsPrefix = "push_subscriptions"

type YAMLRepository struct {
	*store.YAMLRepository[*pushsubscription.Subscription]
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{
		YAMLRepository: store.NewYAMLRepository(s, pushSubscriptionsPrefix, "push_subscription",
			func(s *pushsubscription.Subscription) string { return s.ID },
			func() *pushsubscription.Subscription { return &pushsubscription.Subscription{} }),
	}
}

func (r *YAMLRepository) List(ctx context.Context) ([]*pushsubscription.Subscription, error) {
	return r.All(ctx)
}

func (r *YAMLRepository) ListWatching(ctx context.Context, projectID string) ([]*pushsubscription.Subscription, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	watching := all[:0]
	for _, s := range all {
		if s.Watches(projectID) {
			watching = append(watching, s)
		}
	}
	return watching, nil
}

func (r *YAMLRepository) FindByEndpoint(ctx context.Context, endpoint string) (*pushsubscription.Subscription, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range all {
		if s.Endpoint == endpoint {
			return s, nil
		}
	}
	return nil, cerr.NewError(cerr.NotFound, "push subscription not found", nil)
}

func (r *YAMLRepository) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	s, err := r.FindByEndpoint(ctx, endpoint)
	if err != nil {
		return err
	}
	return r.Delete(ctx, s.ID)
}
