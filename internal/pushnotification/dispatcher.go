package pushnotification

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kazz187/deepwork/internal/eventbus"
)

// Dispatcher forwards notification events to web push subscribers.
type Dispatcher struct {
	eventBus *eventbus.Bus
	sender   *Sender
	bufSize  int
}

func NewDispatcher(eventBus *eventbus.Bus, sender *Sender, bufSize int) *Dispatcher {
	return &Dispatcher{
		eventBus: eventBus,
		sender:   sender,
		bufSize:  bufSize,
	}
}

// Start consumes the bus until ctx is done. A dropped subscription is
// replaced; notifications published in between are lost.
func (d *Dispatcher) Start(ctx context.Context) {
	slog.Info("push notification dispatcher started")
	for {
		sub := d.eventBus.Subscribe(d.bufSize)
		done := d.consume(ctx, sub)
		d.eventBus.Unsubscribe(sub.ID)
		if done {
			slog.Info("push notification dispatcher stopped")
			return
		}
		slog.Warn("push notification dispatcher: subscription dropped, resubscribing")
	}
}

func (d *Dispatcher) consume(ctx context.Context, sub *eventbus.Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-sub.Events():
			if !ok {
				return sub.Err() == nil
			}
			if ev.Type == eventbus.TypeNotification {
				d.handleNotification(ctx, ev)
			}
		}
	}
}

func (d *Dispatcher) handleNotification(ctx context.Context, ev *eventbus.Event) {
	n, ok := ev.Payload.(eventbus.Notification)
	if !ok {
		slog.ErrorContext(ctx, "push dispatcher: unexpected notification payload", "event_id", ev.ID, "type", fmt.Sprintf("%T", ev.Payload))
		return
	}
	url := n.URL
	if url == "" && ev.ProjectID != "" {
		url = "/projects/" + ev.ProjectID
		if ev.TaskID != "" {
			url += "/tasks/" + ev.TaskID
		}
	}
	d.sender.Send(ctx, ev.ProjectID, &NotificationPayload{
		Title: n.Title,
		Body:  n.Message,
		Level: string(n.Level),
		URL:   url,
		Tag:   ev.ID,
	})
}
