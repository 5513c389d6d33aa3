package models

import (
	"encoding/json"
	"time"
)

const (
	TopicPayloadStored    = "payload.stored"
	TopicPayloadDestroyed = "payload.destroyed"
	TopicPayloadExpired   = "payload.expired"
	TopicFragmentExpired  = "fragment.expired"
)

// LifecycleTopics lists every topic the engine publishes.
var LifecycleTopics = []string{
	TopicPayloadStored,
	TopicPayloadDestroyed,
	TopicPayloadExpired,
	TopicFragmentExpired,
}

// Event is the wire form of a lifecycle event on the websocket stream.
type Event struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	EmittedAt time.Time       `json:"emitted_at"`
	Data      json.RawMessage `json:"data"`
}

type LifecycleEvent struct {
	PayloadID  string    `json:"payload_id"`
	FragmentID string    `json:"fragment_id,omitempty"`
	Index      int       `json:"index,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}
