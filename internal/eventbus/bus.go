// Package eventbus fans live events out to in-process subscribers. It is a
// broadcast with no persistence: a subscriber only sees events published
// while it is subscribed.
package eventbus

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrSubscriberDropped is reported by a subscription the bus closed because
// its buffer filled up. The subscriber must re-subscribe and refetch state.
var ErrSubscriberDropped = errors.New("subscriber fell behind and was dropped")

const DefaultBufferSize = 256

type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	ProjectID string    `json:"project_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Payload   any       `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

type Subscription struct {
	ID      string
	ch      chan *Event
	dropped atomic.Bool
}

// Events is closed on Unsubscribe or when the bus drops the subscriber.
func (s *Subscription) Events() <-chan *Event {
	return s.ch
}

// Err returns ErrSubscriberDropped once the bus gave up on this subscriber.
func (s *Subscription) Err() error {
	if s.dropped.Load() {
		return ErrSubscriberDropped
	}
	return nil
}

type Bus struct {
	// mu is held exclusively while publishing so every subscriber observes
	// the same publish order.
	mu          sync.Mutex
	subscribers map[string]*Subscription
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[string]*Subscription),
	}
}

func (b *Bus) Subscribe(bufSize int) *Subscription {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	sub := &Subscription{
		ID: ulid.Make().String(),
		ch: make(chan *Event, bufSize),
	}
	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if sub, ok := b.subscribers[id]; ok {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

// Publish never blocks on a subscriber. One whose buffer is full is closed
// and removed instead of losing events silently in the middle of its stream.
func (b *Bus) Publish(event *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Store(true)
			close(sub.ch)
			delete(b.subscribers, id)
		}
	}
}

func (b *Bus) PublishNew(eventType Type, projectID, taskID string, payload any) {
	b.Publish(&Event{
		ID:        ulid.Make().String(),
		Type:      eventType,
		ProjectID: projectID,
		TaskID:    taskID,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
}

func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
