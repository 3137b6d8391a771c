// Package bus is the publish/subscribe fabric that keeps every server
// instance's project rooms consistent. Delivery is best-effort, unordered,
// at-most-once per subscriber: an event published while a subscriber is
// down is simply lost for it.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

// The two standing channels used by the realtime gateway.
const (
	ChannelProjectEvents = "project_events"
	ChannelUserPresence  = "user_presence"
)

// Presence states carried on the user-presence channel.
const (
	PresenceJoined = "joined"
	PresenceLeft   = "left"
)

// Event is a transient broadcast message. Project-channel events carry a
// project id and an opaque payload; presence-channel events carry project
// id, user id and a presence state.
type Event struct {
	Type      string          `json:"type"`
	ProjectID string          `json:"projectId"`
	UserID    string          `json:"userId,omitempty"`
	Presence  string          `json:"presence,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Handler consumes events delivered on one channel.
type Handler func(Event)

// Bus is the broadcast fabric contract. Publish is fire-and-forget;
// implementations swallow transient delivery failures after logging them.
// Subscribe registers exactly one handler per channel per process; a
// second Subscribe on the same channel replaces the first.
type Bus interface {
	Publish(ctx context.Context, channel string, event Event) error
	Subscribe(channel string, handler Handler) error
	Unsubscribe(channel string) error
	Close() error
}
