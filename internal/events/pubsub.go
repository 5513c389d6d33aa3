package events

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTopicNotPermitted = errors.New("topic not permitted")
)

type Event struct {
	EventID   string
	Topic     string
	EmittedAt time.Time
	Emitter   string
	Data      []byte
}

type TopicPublisher interface {
	// Publish is handed a context that should be respected by the EventRouter provider
	// such that if the context is cancelled the event should not be published
	Publish(ctx context.Context, data []byte) error
}

// TopicSubscriber is the interface that is used to receive events from a topic.
// When returned from the PubSub.Subscribe method it is the responsibility of the
// caller to call the Unsubscriber function to unsubscribe from the topic.
type TopicSubscriber interface {
	OnMessage(ctx context.Context, event Event)
}

// SubscriberFunc adapts a plain function to TopicSubscriber.
type SubscriberFunc func(ctx context.Context, event Event)

func (f SubscriberFunc) OnMessage(ctx context.Context, event Event) {
	f(ctx, event)
}

// Call to unsubscribe from a topic
type Unsubscriber func()

// The actual function that fulfills the event publishing logic. When a
// Config carries no Router, events are delivered to local subscribers.
type EventRouter func(ctx context.Context, event Event) error

type PubSub interface {
	GetPermittedTopics() ([]string, error)
	GetPublisher(emitterId, topic string) (TopicPublisher, error)
	Subscribe(topic string, subscriber TopicSubscriber) (Unsubscriber, error)
}

type Config struct {
	Router EventRouter
	Topics []string
}

func NewPubSub(config Config) PubSub {
	ps := &pubSubImpl{
		permittedTopics: config.Topics,
		subscribers:     make(map[string][]*subscription),
		router:          config.Router,
	}
	if ps.router == nil {
		ps.router = ps.deliver
	}
	return ps
}
