package pushnotification

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/kazz187/deepwork/internal/config"
	"github.com/kazz187/deepwork/internal/pushsubscription"
)

// pushTTL is how long, in seconds, a push service keeps an undelivered
// notification.
const pushTTL = 86400

type NotificationPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Level string `json:"level,omitempty"`
	URL   string `json:"url,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

type Sender struct {
	vapidEnv *config.VAPIDEnv
	repo     pushsubscription.Repository
	client   webpush.HTTPClient
}

func NewSender(vapidEnv *config.VAPIDEnv, repo pushsubscription.Repository) *Sender {
	return &Sender{
		vapidEnv: vapidEnv,
		repo:     repo,
		client:   http.DefaultClient,
	}
}

// WithHTTPClient replaces the client used to reach push services.
func (s *Sender) WithHTTPClient(c webpush.HTTPClient) *Sender {
	s.client = c
	return s
}

func (s *Sender) Configured() bool {
	return s.vapidEnv.VAPIDPrivateKey != "" && s.vapidEnv.VAPIDPublicKey != ""
}

// Send delivers payload to every subscription watching projectID and returns
// how many push services accepted it. An empty projectID reaches everyone.
func (s *Sender) Send(ctx context.Context, projectID string, payload *NotificationPayload) int {
	if !s.Configured() {
		slog.WarnContext(ctx, "push notification: VAPID keys not configured, skipping")
		return 0
	}

	subs, err := s.repo.ListWatching(ctx, projectID)
	if err != nil {
		slog.ErrorContext(ctx, "push notification: failed to list subscriptions", "error", err)
		return 0
	}

	data, err := json.Marshal(payload)
	if err != nil {
		slog.ErrorContext(ctx, "push notification: failed to marshal payload", "error", err)
		return 0
	}

	sent := 0
	for _, sub := range subs {
		if s.sendToSubscription(ctx, sub, data) {
			sent++
		}
	}
	return sent
}

func (s *Sender) sendToSubscription(ctx context.Context, sub *pushsubscription.Subscription, data []byte) bool {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dhKey,
			Auth:   sub.AuthKey,
		},
	}

	resp, err := webpush.SendNotificationWithContext(ctx, data, wpSub, &webpush.Options{
		HTTPClient:      s.client,
		VAPIDPublicKey:  s.vapidEnv.VAPIDPublicKey,
		VAPIDPrivateKey: s.vapidEnv.VAPIDPrivateKey,
		Subscriber:      s.vapidEnv.VAPIDContact,
		TTL:             pushTTL,
	})
	if err != nil {
		slog.ErrorContext(ctx, "push notification: failed to send", "endpoint", sub.Endpoint, "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		slog.InfoContext(ctx, "push notification: subscription expired, removing", "endpoint", sub.Endpoint)
		if err := s.repo.Delete(ctx, sub.ID); err != nil {
			slog.ErrorContext(ctx, "push notification: failed to delete expired subscription", "id", sub.ID, "error", err)
		}
		return false
	}

	if resp.StatusCode >= 400 {
		slog.WarnContext(ctx, "push notification: unexpected status", "endpoint", sub.Endpoint, "status", resp.StatusCode)
		return false
	}
	return true
}
