package events

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/google/uuid"
)

// mockSubscriber is a TopicSubscriber that records received messages.
type mockSubscriber struct {
	mu       sync.Mutex
	messages []Event
}

func (ms *mockSubscriber) OnMessage(ctx context.Context, event Event) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.messages = append(ms.messages, event)
}

func (ms *mockSubscriber) getMessages() []Event {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	msgsCopy := make([]Event, len(ms.messages))
	copy(msgsCopy, ms.messages)
	return msgsCopy
}

func TestPubSub_GetPermittedTopics(t *testing.T) {
	definedTopics := []string{"topicA", "topicB"}
	ps := NewPubSub(Config{Topics: definedTopics})

	topics, err := ps.GetPermittedTopics()
	if err != nil {
		t.Fatalf("GetPermittedTopics() error = %v, wantErr nil", err)
	}
	if !slices.Equal(topics, definedTopics) {
		t.Errorf("GetPermittedTopics() got = %v, want %v", topics, definedTopics)
	}
}

func TestPubSub_GetPublisher(t *testing.T) {
	ps := NewPubSub(Config{Topics: []string{"topic1"}})

	publisher, err := ps.GetPublisher("emitter-001", "topic1")
	if err != nil {
		t.Fatalf("GetPublisher() error = %v, wantErr nil", err)
	}
	tpImpl, ok := publisher.(*topicPublisherImpl)
	if !ok {
		t.Fatalf("GetPublisher() did not return *topicPublisherImpl, got %T", publisher)
	}
	if tpImpl.emitterId != "emitter-001" || tpImpl.topic != "topic1" {
		t.Errorf("publisher got = %s/%s, want emitter-001/topic1", tpImpl.emitterId, tpImpl.topic)
	}

	if _, err := ps.GetPublisher("emitter-001", "unknown"); !errors.Is(err, ErrTopicNotPermitted) {
		t.Errorf("GetPublisher() for unknown topic error = %v, want ErrTopicNotPermitted", err)
	}
}

func TestPubSub_LocalDelivery(t *testing.T) {
	ps := NewPubSub(Config{Topics: []string{"a", "b"}})

	subA := &mockSubscriber{}
	subB := &mockSubscriber{}
	if _, err := ps.Subscribe("a", subA); err != nil {
		t.Fatalf("Subscribe(a) error = %v", err)
	}
	if _, err := ps.Subscribe("b", subB); err != nil {
		t.Fatalf("Subscribe(b) error = %v", err)
	}

	pub, err := ps.GetPublisher("tester", "a")
	if err != nil {
		t.Fatalf("GetPublisher() error = %v", err)
	}
	if err := pub.Publish(context.Background(), []byte("hello")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	msgs := subA.getMessages()
	if len(msgs) != 1 {
		t.Fatalf("subscriber a got %d messages, want 1", len(msgs))
	}
	if string(msgs[0].Data) != "hello" || msgs[0].Topic != "a" || msgs[0].Emitter != "tester" {
		t.Errorf("unexpected event %+v", msgs[0])
	}
	if _, err := uuid.Parse(msgs[0].EventID); err != nil {
		t.Errorf("event.EventID is not a valid UUID: %v", err)
	}
	if msgs[0].EmittedAt.IsZero() {
		t.Error("event.EmittedAt is zero")
	}
	if len(subB.getMessages()) != 0 {
		t.Errorf("subscriber b received events for topic a")
	}
}

func TestPubSub_Unsubscribe(t *testing.T) {
	ps := NewPubSub(Config{Topics: []string{"a"}})

	sub := &mockSubscriber{}
	unsubscribe, err := ps.Subscribe("a", sub)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	// A second registration of the same subscriber is independent.
	if _, err := ps.Subscribe("a", sub); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	unsubscribe()
	unsubscribe()

	pub, _ := ps.GetPublisher("tester", "a")
	if err := pub.Publish(context.Background(), []byte("x")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := len(sub.getMessages()); got != 1 {
		t.Errorf("got %d deliveries after one unsubscribe, want 1", got)
	}
}

func TestPubSub_SubscribeNotPermitted(t *testing.T) {
	ps := NewPubSub(Config{Topics: []string{"a"}})
	if _, err := ps.Subscribe("b", &mockSubscriber{}); !errors.Is(err, ErrTopicNotPermitted) {
		t.Errorf("Subscribe() error = %v, want ErrTopicNotPermitted", err)
	}
}

func TestPubSub_CustomRouter(t *testing.T) {
	var routed []Event
	ps := NewPubSub(Config{
		Topics: []string{"a"},
		Router: func(ctx context.Context, event Event) error {
			routed = append(routed, event)
			return nil
		},
	})

	sub := &mockSubscriber{}
	ps.Subscribe("a", sub)

	pub, _ := ps.GetPublisher("tester", "a")
	if err := pub.Publish(context.Background(), []byte("x")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(routed) != 1 {
		t.Fatalf("router saw %d events, want 1", len(routed))
	}
	if len(sub.getMessages()) != 0 {
		t.Error("a custom router replaces local delivery")
	}
}

func TestPublish_CancelledContext(t *testing.T) {
	ps := NewPubSub(Config{Topics: []string{"a"}})
	sub := &mockSubscriber{}
	ps.Subscribe("a", sub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pub, _ := ps.GetPublisher("tester", "a")
	if err := pub.Publish(ctx, []byte("x")); !errors.Is(err, context.Canceled) {
		t.Errorf("Publish() error = %v, want context.Canceled", err)
	}
	if len(sub.getMessages()) != 0 {
		t.Error("event delivered despite cancelled context")
	}
}

func TestSubscriberFunc(t *testing.T) {
	ps := NewPubSub(Config{Topics: []string{"a"}})

	var got []byte
	ps.Subscribe("a", SubscriberFunc(func(ctx context.Context, event Event) {
		got = event.Data
	}))

	pub, _ := ps.GetPublisher("tester", "a")
	pub.Publish(context.Background(), []byte("fn"))
	if string(got) != "fn" {
		t.Errorf("SubscriberFunc got %q, want %q", got, "fn")
	}
}
