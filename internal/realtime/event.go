package realtime

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Event is a discrete fact distributed to subscribed connections.
// Events are treated as immutable once handed to a Dispatcher.
type Event struct {
	// Topic classifies the event for subscription matching (e.g. "payment_update").
	Topic string
	// Payload is the event body. Access rules read ownership fields from it.
	Payload map[string]any
	// TargetUsers restricts delivery to these user ids when non-empty.
	TargetUsers []string
	// Timestamp is when the event was originated.
	Timestamp time.Time
	// From is the publishing user id for client broadcasts.
	From string
	// OriginConnection is excluded from delivery.
	OriginConnection string
}

// NewEvent builds an event stamped with the current time.
func NewEvent(topic string, payload map[string]any, targetUsers ...string) Event {
	return Event{
		Topic:       topic,
		Payload:     payload,
		TargetUsers: targetUsers,
		Timestamp:   time.Now().UTC(),
	}
}

// Targeted reports whether the event is a direct notification.
func (e Event) Targeted() bool {
	return len(e.TargetUsers) > 0
}

// Targets reports whether userID is in the event's target list.
func (e Event) Targets(userID string) bool {
	return slices.Contains(e.TargetUsers, userID)
}

// MaxTopicLength bounds a topic name in bytes.
const MaxTopicLength = 128

// Validate checks the event can be dispatched.
func (e Event) Validate() error {
	if strings.TrimSpace(e.Topic) == "" {
		return fmt.Errorf("%w: topic is required", ErrMalformedEvent)
	}
	if len(e.Topic) > MaxTopicLength {
		return fmt.Errorf("%w: topic longer than %d bytes", ErrMalformedEvent, MaxTopicLength)
	}
	return nil
}

type eventFrame struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	From      string         `json:"from,omitempty"`
}

// Frame serializes the event as delivered to clients.
func (e Event) Frame() ([]byte, error) {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	data := e.Payload
	if data == nil {
		data = map[string]any{}
	}

	b, err := json.Marshal(eventFrame{
		Type:      e.Topic,
		Data:      data,
		Timestamp: ts,
		From:      e.From,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	return b, nil
}
