package pushnotification_test

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"connectrpc.com/connect"
	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/deepwork/internal/config"
	"github.com/kazz187/deepwork/internal/eventbus"
	"github.com/kazz187/deepwork/internal/pushnotification"
	"github.com/kazz187/deepwork/internal/pushsubscription/repositoryimpl"
	"github.com/kazz187/deepwork/pkg/cerr"
	"github.com/kazz187/deepwork/pkg/storage"
)

// pushService records deliveries and answers each endpoint path with the
// configured status code.
type pushService struct {
	mu       sync.Mutex
	hits     map[string]int
	statuses map[string]int
}

func (p *pushService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hits[r.URL.Path]++
	status, ok := p.statuses[r.URL.Path]
	if !ok {
		status = http.StatusCreated
	}
	w.WriteHeader(status)
}

func (p *pushService) count(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits[path]
}

type env struct {
	push   *pushService
	url    string
	server *pushnotification.Server
	sender *pushnotification.Sender
}

func newEnv(t *testing.T) *env {
	t.Helper()
	priv, pub, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ps := &pushService{hits: map[string]int{}, statuses: map[string]int{"/gone": http.StatusGone}}
	srv := httptest.NewServer(ps)
	t.Cleanup(srv.Close)

	vapid := &config.VAPIDEnv{VAPIDPublicKey: pub, VAPIDPrivateKey: priv, VAPIDContact: "mailto:test@example.com"}
	repo := repositoryimpl.NewYAMLRepository(local)
	sender := pushnotification.NewSender(vapid, repo).WithHTTPClient(srv.Client())
	return &env{
		push:   ps,
		url:    srv.URL,
		server: pushnotification.NewServer(vapid, repo, sender),
		sender: sender,
	}
}

// clientKeys generates browser-side subscription keys.
func clientKeys(t *testing.T) (p256dh, auth string) {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	secret := make([]byte, 16)
	_, err = rand.Read(secret)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()), base64.RawURLEncoding.EncodeToString(secret)
}

func (e *env) register(t *testing.T, path string, projectIDs ...string) {
	t.Helper()
	p256dh, auth := clientKeys(t)
	_, err := e.server.RegisterPushSubscription(context.Background(), connect.NewRequest(&pushnotification.RegisterPushSubscriptionRequest{
		Endpoint: e.url + path, P256dhKey: p256dh, AuthKey: auth, ProjectIDs: projectIDs,
	}))
	require.NoError(t, err)
}

func (e *env) subscriptions(t *testing.T) int {
	t.Helper()
	res, err := e.server.ListPushSubscriptions(context.Background(), connect.NewRequest(&pushnotification.ListPushSubscriptionsRequest{}))
	require.NoError(t, err)
	return len(res.Msg.Subscriptions)
}

func TestRegisterIsIdempotentPerEndpoint(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.register(t, "/a")
	e.register(t, "/a")
	e.register(t, "/b")
	assert.Equal(t, 2, e.subscriptions(t))

	_, err := e.server.UnregisterPushSubscription(ctx, connect.NewRequest(&pushnotification.UnregisterPushSubscriptionRequest{Endpoint: e.url + "/a"}))
	require.NoError(t, err)
	assert.Equal(t, 1, e.subscriptions(t))

	_, err = e.server.UnregisterPushSubscription(ctx, connect.NewRequest(&pushnotification.UnregisterPushSubscriptionRequest{Endpoint: e.url + "/a"}))
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
	_, err = e.server.RegisterPushSubscription(ctx, connect.NewRequest(&pushnotification.RegisterPushSubscriptionRequest{Endpoint: e.url + "/c"}))
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
}

func TestSendRemovesExpiredSubscriptions(t *testing.T) {
	e := newEnv(t)
	e.register(t, "/ok")
	e.register(t, "/gone")

	sent := e.sender.Send(context.Background(), "", &pushnotification.NotificationPayload{Title: "t", Body: "b"})
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, e.push.count("/ok"))
	assert.Equal(t, 1, e.push.count("/gone"))
	assert.Equal(t, 1, e.subscriptions(t))
}

func TestSendHonorsProjectFilter(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.register(t, "/all")
	e.register(t, "/docs", "p-docs")
	e.register(t, "/api", "p-api", "p-infra")

	assert.Equal(t, 2, e.sender.Send(ctx, "p-docs", &pushnotification.NotificationPayload{Title: "docs done"}))
	assert.Equal(t, 1, e.push.count("/all"))
	assert.Equal(t, 1, e.push.count("/docs"))
	assert.Zero(t, e.push.count("/api"))

	assert.Equal(t, 3, e.sender.Send(ctx, "", &pushnotification.NotificationPayload{Title: "server restarted"}))

	// Re-registering replaces the filter.
	e.register(t, "/docs", "p-api")
	assert.Equal(t, 3, e.sender.Send(ctx, "p-api", &pushnotification.NotificationPayload{Title: "api done"}))
	assert.Equal(t, 3, e.push.count("/docs"))
	assert.Equal(t, 2, e.push.count("/api"))
}

func TestSendWithoutVAPIDKeysIsSkipped(t *testing.T) {
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	sender := pushnotification.NewSender(&config.VAPIDEnv{}, repositoryimpl.NewYAMLRepository(local))
	assert.False(t, sender.Configured())
	assert.Zero(t, sender.Send(context.Background(), "", &pushnotification.NotificationPayload{Title: "t"}))

	srv := pushnotification.NewServer(&config.VAPIDEnv{}, repositoryimpl.NewYAMLRepository(local), sender)
	_, err = srv.GetVAPIDPublicKey(context.Background(), connect.NewRequest(&pushnotification.GetVAPIDPublicKeyRequest{}))
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
}

func TestDispatcherForwardsNotifications(t *testing.T) {
	e := newEnv(t)
	e.register(t, "/ok")

	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := pushnotification.NewDispatcher(bus, e.sender, 16)
	done := make(chan struct{})
	go func() {
		d.Start(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	bus.PublishNew(eventbus.TypeTaskOutput, "p1", "t1", eventbus.TaskOutput{TaskID: "t1"})
	bus.PublishNew(eventbus.TypeNotification, "p1", "t1", eventbus.Notification{
		Level: eventbus.NotificationError, Title: "Task failed", Message: "boom",
	})
	require.Eventually(t, func() bool { return e.push.count("/ok") == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
