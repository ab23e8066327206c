package event

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"connectrpc.com/connect"

	"github.com/kazz187/deepwork/internal/eventbus"
	"github.com/kazz187/deepwork/internal/rpc"
	"github.com/kazz187/deepwork/pkg/cerr"
)

const ServiceName = "EventService"

type SubscribeEventsRequest struct {
	ProjectID  string          `json:"project_id"`
	EventTypes []eventbus.Type `json:"event_types"`
}

type Server struct {
	eventBus *eventbus.Bus
	bufSize  int
}

func NewServer(eventBus *eventbus.Bus, bufSize int) *Server {
	return &Server{eventBus: eventBus, bufSize: bufSize}
}

func (s *Server) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	svc := rpc.NewService(ServiceName, opts...)
	rpc.ServerStream(svc, "SubscribeEvents", s.SubscribeEvents)
	return svc.Handler()
}

// Match reports whether ev passes the request filters. Events without a
// project, such as notifications, reach every project filter.
func (r *SubscribeEventsRequest) Match(ev *eventbus.Event) bool {
	if len(r.EventTypes) > 0 && !slices.Contains(r.EventTypes, ev.Type) {
		return false
	}
	if r.ProjectID != "" && ev.ProjectID != "" && ev.ProjectID != r.ProjectID {
		return false
	}
	return true
}

// SubscribeEvents first sends a subscribed event, which flushes the response
// headers. Every event published after it is delivered.
func (s *Server) SubscribeEvents(ctx context.Context, req *connect.Request[SubscribeEventsRequest], stream *connect.ServerStream[eventbus.Event]) error {
	sub := s.eventBus.Subscribe(s.bufSize)
	defer s.eventBus.Unsubscribe(sub.ID)

	if err := stream.Send(&eventbus.Event{
		ID:        sub.ID,
		Type:      eventbus.TypeSubscribed,
		ProjectID: req.Msg.ProjectID,
		Payload:   eventbus.Subscribed{SubscriberID: sub.ID},
		CreatedAt: time.Now(),
	}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				if errors.Is(sub.Err(), eventbus.ErrSubscriberDropped) {
					return cerr.NewError(cerr.ResourceExhausted, "event stream fell behind, refetch and resubscribe", sub.Err()).ConnectError()
				}
				return nil
			}
			if !req.Msg.Match(ev) {
				continue
			}
			if err := stream.Send(ev); err != nil {
				return err
			}
		}
	}
}
