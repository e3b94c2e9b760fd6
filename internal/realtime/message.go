package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MessageType is the "type" field of every client and server frame.
type MessageType string

// Client to server.
const (
	MessageAuthenticate MessageType = "authenticate"
	MessageSubscribe    MessageType = "subscribe"
	MessageUnsubscribe  MessageType = "unsubscribe"
	MessagePing         MessageType = "ping"
	MessageBroadcast    MessageType = "broadcast"
)

// Server to client.
const (
	MessageConnected             MessageType = "connected"
	MessageAuthSuccess           MessageType = "auth_success"
	MessageSubscriptionConfirmed MessageType = "subscription_confirmed"
	MessagePong                  MessageType = "pong"
	MessageError                 MessageType = "error"
)

// Inbound is a decoded client frame.
type Inbound struct {
	Type      MessageType     `json:"type"`
	Events    []string        `json:"events,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	EventType string          `json:"eventType,omitempty"`
	Data      map[string]any  `json:"data,omitempty"`
}

// ParseInbound decodes and validates a client frame. Every failure wraps
// ErrMalformedMessage.
func ParseInbound(raw []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Inbound{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	switch msg.Type {
	case MessageAuthenticate, MessagePing:
	case MessageSubscribe, MessageUnsubscribe:
		if msg.Events == nil {
			return Inbound{}, fmt.Errorf("%w: %s requires an events array", ErrMalformedMessage, msg.Type)
		}
	case MessageBroadcast:
		if strings.TrimSpace(msg.EventType) == "" {
			return Inbound{}, fmt.Errorf("%w: broadcast requires eventType", ErrMalformedMessage)
		}
	case "":
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return Inbound{}, fmt.Errorf("%w: unknown message type %q", ErrMalformedMessage, msg.Type)
	}

	return msg, nil
}

// Reply is a server frame answering a client frame.
type Reply struct {
	Type         MessageType `json:"type"`
	ConnectionID string      `json:"connectionId,omitempty"`
	UserID       string      `json:"userId,omitempty"`
	UserRole     Role        `json:"userRole,omitempty"`
	Message      string      `json:"message,omitempty"`
	Timestamp    any         `json:"timestamp"`
}

// SubscriptionReply carries the full subscription set after a change.
type SubscriptionReply struct {
	Type      MessageType `json:"type"`
	Events    []string    `json:"events"`
	Timestamp time.Time   `json:"timestamp"`
}

func ConnectedReply(conn Connection) Reply {
	return Reply{
		Type:         MessageConnected,
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		UserRole:     conn.Role,
		Timestamp:    time.Now().UTC(),
	}
}

func AuthSuccessReply(conn Connection) Reply {
	return Reply{
		Type:      MessageAuthSuccess,
		UserID:    conn.UserID,
		UserRole:  conn.Role,
		Timestamp: time.Now().UTC(),
	}
}

// PongReply echoes the client's timestamp when one was sent.
func PongReply(clientTimestamp json.RawMessage) Reply {
	var ts any = time.Now().UTC()
	if len(clientTimestamp) > 0 && string(clientTimestamp) != "null" {
		ts = clientTimestamp
	}
	return Reply{Type: MessagePong, Timestamp: ts}
}

func ErrorReply(message string) Reply {
	return Reply{Type: MessageError, Message: message, Timestamp: time.Now().UTC()}
}

func NewSubscriptionReply(topics []string) SubscriptionReply {
	if topics == nil {
		topics = []string{}
	}
	return SubscriptionReply{
		Type:      MessageSubscriptionConfirmed,
		Events:    topics,
		Timestamp: time.Now().UTC(),
	}
}
