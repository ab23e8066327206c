package pushnotification

import (
	"context"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/oklog/ulid/v2"

	"github.com/kazz187/deepwork/internal/config"
	"github.com/kazz187/deepwork/internal/pushsubscription"
	"github.com/kazz187/deepwork/internal/rpc"
	"github.com/kazz187/deepwork/pkg/cerr"
)

const ServiceName = "PushService"

type GetVAPIDPublicKeyRequest struct{}

type GetVAPIDPublicKeyResponse struct {
	PublicKey string `json:"public_key"`
}

type RegisterPushSubscriptionRequest struct {
	Endpoint  string `json:"endpoint"`
	P256dhKey string `json:"p256dh_key"`
	AuthKey   string `json:"auth_key"`

	// ProjectIDs narrows delivery to these projects; empty watches all.
	ProjectIDs []string `json:"project_ids,omitempty"`
}

type RegisterPushSubscriptionResponse struct {
	Subscription *pushsubscription.Subscription `json:"subscription"`
}

type ListPushSubscriptionsRequest struct{}

type ListPushSubscriptionsResponse struct {
	Subscriptions []*pushsubscription.Subscription `json:"subscriptions"`
}

type UnregisterPushSubscriptionRequest struct {
	Endpoint string `json:"endpoint"`
}

type UnregisterPushSubscriptionResponse struct{}

type SendTestNotificationRequest struct{}

type SendTestNotificationResponse struct {
	Sent int `json:"sent"`
}

type Server struct {
	vapidEnv *config.VAPIDEnv
	repo     pushsubscription.Repository
	sender   *Sender
}

func NewServer(vapidEnv *config.VAPIDEnv, repo pushsubscription.Repository, sender *Sender) *Server {
	return &Server{
		vapidEnv: vapidEnv,
		repo:     repo,
		sender:   sender,
	}
}

func (s *Server) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	svc := rpc.NewService(ServiceName, opts...)
	rpc.Unary(svc, "GetVAPIDPublicKey", s.GetVAPIDPublicKey)
	rpc.Unary(svc, "RegisterPushSubscription", s.RegisterPushSubscription)
	rpc.Unary(svc, "ListPushSubscriptions", s.ListPushSubscriptions)
	rpc.Unary(svc, "UnregisterPushSubscription", s.UnregisterPushSubscription)
	rpc.Unary(svc, "SendTestNotification", s.SendTestNotification)
	return svc.Handler()
}

func (s *Server) GetVAPIDPublicKey(_ context.Context, _ *connect.Request[GetVAPIDPublicKeyRequest]) (*connect.Response[GetVAPIDPublicKeyResponse], error) {
	if s.vapidEnv.VAPIDPublicKey == "" {
		return nil, cerr.NewError(cerr.FailedPrecondition, "VAPID keys not configured", nil)
	}
	return connect.NewResponse(&GetVAPIDPublicKeyResponse{PublicKey: s.vapidEnv.VAPIDPublicKey}), nil
}

// RegisterPushSubscription is idempotent per endpoint: registering a known
// endpoint again refreshes its keys.
func (s *Server) RegisterPushSubscription(ctx context.Context, req *connect.Request[RegisterPushSubscriptionRequest]) (*connect.Response[RegisterPushSubscriptionResponse], error) {
	if req.Msg.Endpoint == "" {
		return nil, cerr.RequiredField("endpoint")
	}
	if req.Msg.P256dhKey == "" {
		return nil, cerr.RequiredField("p256dh_key")
	}
	if req.Msg.AuthKey == "" {
		return nil, cerr.RequiredField("auth_key")
	}

	now := time.Now()
	existing, err := s.repo.FindByEndpoint(ctx, req.Msg.Endpoint)
	switch {
	case err == nil:
		existing.P256dhKey = req.Msg.P256dhKey
		existing.AuthKey = req.Msg.AuthKey
		existing.ProjectIDs = req.Msg.ProjectIDs
		existing.UpdatedAt = now
		if err := s.repo.Update(ctx, existing); err != nil {
			return nil, err
		}
		return connect.NewResponse(&RegisterPushSubscriptionResponse{Subscription: existing}), nil
	case !cerr.IsCode(err, cerr.NotFound):
		return nil, err
	}

	sub := &pushsubscription.Subscription{
		ID:         ulid.Make().String(),
		Endpoint:   req.Msg.Endpoint,
		P256dhKey:  req.Msg.P256dhKey,
		AuthKey:    req.Msg.AuthKey,
		ProjectIDs: req.Msg.ProjectIDs,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.Create(ctx, sub); err != nil {
		return nil, err
	}
	return connect.NewResponse(&RegisterPushSubscriptionResponse{Subscription: sub}), nil
}

func (s *Server) ListPushSubscriptions(ctx context.Context, _ *connect.Request[ListPushSubscriptionsRequest]) (*connect.Response[ListPushSubscriptionsResponse], error) {
	subs, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&ListPushSubscriptionsResponse{Subscriptions: subs}), nil
}

func (s *Server) UnregisterPushSubscription(ctx context.Context, req *connect.Request[UnregisterPushSubscriptionRequest]) (*connect.Response[UnregisterPushSubscriptionResponse], error) {
	if req.Msg.Endpoint == "" {
		return nil, cerr.RequiredField("endpoint")
	}
	if err := s.repo.DeleteByEndpoint(ctx, req.Msg.Endpoint); err != nil {
		return nil, err
	}
	return connect.NewResponse(&UnregisterPushSubscriptionResponse{}), nil
}

func (s *Server) SendTestNotification(ctx context.Context, _ *connect.Request[SendTestNotificationRequest]) (*connect.Response[SendTestNotificationResponse], error) {
	if !s.sender.Configured() {
		return nil, cerr.NewError(cerr.FailedPrecondition, "VAPID keys not configured", nil)
	}
	sent := s.sender.Send(ctx, "", &NotificationPayload{
		Title: "deepwork",
		Body:  "Push notifications are working!",
	})
	return connect.NewResponse(&SendTestNotificationResponse{Sent: sent}), nil
}
