// Package realtime holds the domain types shared by the broker components:
// connections, events, client envelopes, close codes and sentinel errors.
package realtime

import (
	"context"
	"slices"
	"time"
)

// Role is the platform role a connection was admitted with.
type Role string

const (
	RoleBuyer     Role = "buyer"
	RoleDeveloper Role = "developer"
	RoleAgent     Role = "agent"
	RoleSolicitor Role = "solicitor"
	RoleAdmin     Role = "admin"
)

// Roles lists every role the platform issues.
var Roles = []Role{RoleBuyer, RoleDeveloper, RoleAgent, RoleSolicitor, RoleAdmin}

// Known reports whether r is one of the platform roles.
func (r Role) Known() bool {
	return slices.Contains(Roles, r)
}

// Close codes sent to clients in the WebSocket close frame.
const (
	CloseGoingAway        = 1001
	CloseInvalidIdentity  = 4001
	CloseCredential       = 4003
	CloseHeartbeatTimeout = 4008
	CloseCapacity         = 4029
)

// Transport is the write side of a client connection.
// Send must be safe to call from many goroutines and must honour ctx.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Close(code int, reason string) error
}

// Connection is the registry's view of one live client session.
// Values handed out by the registry are detached copies.
type Connection struct {
	ID            string
	UserID        string
	Role          Role
	RemoteAddr    string
	Topics        map[string]struct{}
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	Alive         bool
	Transport     Transport
}

// Subscribed reports whether the connection currently wants topic.
func (c Connection) Subscribed(topic string) bool {
	_, ok := c.Topics[topic]
	return ok
}

// TopicList returns the subscription set in sorted order.
func (c Connection) TopicList() []string {
	topics := make([]string, 0, len(c.Topics))
	for t := range c.Topics {
		topics = append(topics, t)
	}
	slices.Sort(topics)
	return topics
}

// Clone returns a copy that shares nothing mutable with c.
func (c Connection) Clone() Connection {
	cp := c
	cp.Topics = make(map[string]struct{}, len(c.Topics))
	for t := range c.Topics {
		cp.Topics[t] = struct{}{}
	}
	return cp
}

// Dispatcher fans an event out to every eligible connection.
type Dispatcher interface {
	Dispatch(ctx context.Context, event Event) (DispatchResult, error)
}

// DispatchResult summarises one fan-out.
type DispatchResult struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}
