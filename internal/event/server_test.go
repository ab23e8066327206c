package event_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/deepwork/internal/event"
	"github.com/kazz187/deepwork/internal/eventbus"
	"github.com/kazz187/deepwork/internal/rpc"
)

func TestMatch(t *testing.T) {
	req := &event.SubscribeEventsRequest{
		ProjectID:  "p1",
		EventTypes: []eventbus.Type{eventbus.TypeTaskCompleted, eventbus.TypeNotification},
	}
	assert.True(t, req.Match(&eventbus.Event{Type: eventbus.TypeTaskCompleted, ProjectID: "p1"}))
	assert.False(t, req.Match(&eventbus.Event{Type: eventbus.TypeTaskCompleted, ProjectID: "p2"}))
	assert.False(t, req.Match(&eventbus.Event{Type: eventbus.TypeTaskOutput, ProjectID: "p1"}))
	assert.True(t, req.Match(&eventbus.Event{Type: eventbus.TypeNotification}))

	all := &event.SubscribeEventsRequest{}
	assert.True(t, all.Match(&eventbus.Event{Type: eventbus.TypeTaskOutput, ProjectID: "p9"}))
}

func TestSubscribeEventsStreamsFilteredEvents(t *testing.T) {
	bus := eventbus.New()
	mux := http.NewServeMux()
	mux.Handle(event.NewServer(bus, 16).Handler())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := connect.NewClient[event.SubscribeEventsRequest, eventbus.Event](
		srv.Client(), srv.URL+"/"+rpc.Package+"."+event.ServiceName+"/SubscribeEvents",
		connect.WithCodec(rpc.Codec{}),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.CallServerStream(ctx, connect.NewRequest(&event.SubscribeEventsRequest{ProjectID: "p1"}))
	require.NoError(t, err)
	defer stream.Close()

	require.True(t, stream.Receive(), "stream ended: %v", stream.Err())
	assert.Equal(t, eventbus.TypeSubscribed, stream.Msg().Type)
	assert.NotEmpty(t, stream.Msg().ID)
	assert.Equal(t, 1, bus.SubscriberCount())

	bus.PublishNew(eventbus.TypeTaskStarted, "p2", "t2", eventbus.TaskStarted{TaskID: "t2"})
	bus.PublishNew(eventbus.TypeTaskStarted, "p1", "t1", eventbus.TaskStarted{TaskID: "t1", TaskTitle: "Outline"})

	require.True(t, stream.Receive(), "stream ended: %v", stream.Err())
	ev := stream.Msg()
	assert.Equal(t, eventbus.TypeTaskStarted, ev.Type)
	assert.Equal(t, "t1", ev.TaskID)
	payload, ok := ev.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Outline", payload["task_title"])
}
