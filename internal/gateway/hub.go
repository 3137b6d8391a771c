package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hqtran/collabhub/internal/auth"
	"github.com/hqtran/collabhub/internal/bus"
	"github.com/hqtran/collabhub/internal/config"
	"github.com/hqtran/collabhub/internal/jobs"
)

// RoleChecker resolves a user's role in a project. Join re-verifies
// membership on every request so revoked access takes effect on the next
// join, not the next login.
type RoleChecker interface {
	ProjectRole(ctx context.Context, projectID, userID string) (auth.Role, error)
}

// Hub owns the project rooms of one server instance. Cross-instance
// fan-out rides the broadcast bus; typing and cursor traffic stays local.
type Hub struct {
	logger *slog.Logger
	bus    bus.Bus
	roles  RoleChecker
	cfg    config.GatewayConfig
	now    func() time.Time

	mu     sync.RWMutex
	rooms  map[string]map[*Client]struct{}
	active map[string]map[string]int // projectID -> userID -> connection count
}

// NewHub builds a hub and subscribes it to both bus channels.
func NewHub(b bus.Bus, roles RoleChecker, cfg config.GatewayConfig, logger *slog.Logger) (*Hub, error) {
	h := &Hub{
		logger: logger,
		bus:    b,
		roles:  roles,
		cfg:    cfg,
		now:    time.Now,
		rooms:  make(map[string]map[*Client]struct{}),
		active: make(map[string]map[string]int),
	}
	if err := b.Subscribe(bus.ChannelProjectEvents, h.onProjectEvent); err != nil {
		return nil, fmt.Errorf("subscribe project events: %w", err)
	}
	if err := b.Subscribe(bus.ChannelUserPresence, h.onPresenceEvent); err != nil {
		return nil, fmt.Errorf("subscribe user presence: %w", err)
	}
	return h, nil
}

// WithClock overrides the hub's time source for deterministic tests.
func (h *Hub) WithClock(now func() time.Time) *Hub {
	h.now = now
	return h
}

// Close detaches the hub from the bus.
func (h *Hub) Close() {
	_ = h.bus.Unsubscribe(bus.ChannelProjectEvents)
	_ = h.bus.Unsubscribe(bus.ChannelUserPresence)
}

func (h *Hub) timestamp() string {
	return h.now().UTC().Format(time.RFC3339)
}

// handleMessage dispatches one inbound frame from a client.
func (h *Hub) handleMessage(ctx context.Context, c *Client, msg Message) {
	switch msg.Event {
	case EventJoinProject:
		h.handleJoin(ctx, c, msg.Data)
	case EventLeaveProject:
		h.handleLeave(ctx, c)
	case EventUserTyping:
		h.handleTyping(c, msg.Data)
	case EventUserCursorMove:
		h.handleCursorMove(c, msg.Data)
	case EventFileChange:
		h.handleFileChange(ctx, c, msg.Data)
	case EventCodeUpdate:
		h.handleCodeUpdate(ctx, c, msg.Data)
	case EventActivityUpdate:
		h.handleActivity(ctx, c, msg.Data)
	case EventRequestSync:
		h.handleRequestSync(c, msg.Data)
	default:
		c.sendEvent(EventError, errorEvent{Message: "unknown event: " + msg.Event})
	}
}

// handleJoin verifies membership, moves the connection into the project
// room and announces presence. A connection holds at most one room;
// joining another project leaves the current one first.
func (h *Hub) handleJoin(ctx context.Context, c *Client, data json.RawMessage) {
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ProjectID == "" {
		c.sendEvent(EventError, errorEvent{Message: "projectId is required"})
		return
	}

	role, err := h.roles.ProjectRole(ctx, p.ProjectID, c.principal.UserID)
	if err != nil {
		if errors.Is(err, jobs.ErrForbidden) {
			c.sendEvent(EventError, errorEvent{Message: "Access denied to this project"})
			return
		}
		h.logger.Error("project role lookup failed",
			slog.String("project_id", p.ProjectID),
			slog.String("user_id", c.principal.UserID),
			slog.String("error", err.Error()),
		)
		c.sendEvent(EventError, errorEvent{Message: "Authorization check failed"})
		return
	}

	prev := c.project()
	if prev == p.ProjectID {
		// Already a member of this room. The role was still re-verified
		// above; refresh it and stop before the membership bookkeeping
		// double-counts the connection.
		c.setProject(p.ProjectID, role)
		return
	}
	if prev != "" {
		h.leaveRoom(ctx, c, prev)
	}

	h.mu.Lock()
	if h.rooms[p.ProjectID] == nil {
		h.rooms[p.ProjectID] = make(map[*Client]struct{})
	}
	h.rooms[p.ProjectID][c] = struct{}{}
	if h.active[p.ProjectID] == nil {
		h.active[p.ProjectID] = make(map[string]int)
	}
	h.active[p.ProjectID][c.principal.UserID]++
	first := h.active[p.ProjectID][c.principal.UserID] == 1
	h.mu.Unlock()

	c.setProject(p.ProjectID, role)

	// Announce only the user's first connection to the project; a second
	// tab joining must not produce a duplicate presence event.
	if first {
		h.publishPresence(ctx, p.ProjectID, c.principal.UserID, bus.PresenceJoined)
	}

	h.logger.Info("user joined project",
		slog.String("project_id", p.ProjectID),
		slog.String("user_id", c.principal.UserID),
		slog.String("role", string(role)),
	)
}

func (h *Hub) handleLeave(ctx context.Context, c *Client) {
	if projectID := c.project(); projectID != "" {
		h.leaveRoom(ctx, c, projectID)
		c.setProject("", "")
	}
}

// leaveRoom removes the connection from a room and announces the leave
// once the user's last connection to the project goes.
func (h *Hub) leaveRoom(ctx context.Context, c *Client, projectID string) {
	h.mu.Lock()
	if room, ok := h.rooms[projectID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, projectID)
		}
	}
	gone := false
	if users, ok := h.active[projectID]; ok {
		users[c.principal.UserID]--
		if users[c.principal.UserID] <= 0 {
			delete(users, c.principal.UserID)
			gone = true
		}
		if len(users) == 0 {
			delete(h.active, projectID)
		}
	}
	h.mu.Unlock()

	if gone {
		h.publishPresence(ctx, projectID, c.principal.UserID, bus.PresenceLeft)
	}
}

// disconnect is the implicit leave when a connection drops.
func (h *Hub) disconnect(c *Client) {
	if projectID := c.project(); projectID != "" {
		h.leaveRoom(context.Background(), c, projectID)
	}
	h.logger.Debug("client disconnected",
		slog.String("user_id", c.principal.UserID),
	)
}

func (h *Hub) publishPresence(ctx context.Context, projectID, userID, state string) {
	_ = h.bus.Publish(ctx, bus.ChannelUserPresence, bus.Event{
		Type:      state,
		ProjectID: projectID,
		UserID:    userID,
		Presence:  state,
		Timestamp: h.now().UTC(),
	})
}

// relayAllowed checks the room claim on an inbound frame. Mismatched or
// missing project ids are dropped silently; a client talking about a room
// it is not in gets no feedback to probe with.
func relayAllowed(c *Client, projectID string) bool {
	return projectID != "" && c.project() == projectID
}

// handleTyping fans a typing indicator out to the local room only.
// Typing is too chatty to put on the bus and stale indicators are
// harmless.
func (h *Hub) handleTyping(c *Client, data json.RawMessage) {
	var p typingPayload
	if err := json.Unmarshal(data, &p); err != nil || !relayAllowed(c, p.ProjectID) {
		return
	}
	if !c.relayLimiter.Allow() {
		return
	}
	h.broadcastLocal(p.ProjectID, c, EventUserTyping, typingEvent{
		UserID:    c.principal.UserID,
		UserName:  c.principal.Name,
		FileName:  p.FileName,
		IsTyping:  p.IsTyping,
		Timestamp: h.timestamp(),
	})
}

func (h *Hub) handleCursorMove(c *Client, data json.RawMessage) {
	var p cursorPayload
	if err := json.Unmarshal(data, &p); err != nil || !relayAllowed(c, p.ProjectID) {
		return
	}
	if !c.relayLimiter.Allow() {
		return
	}
	h.broadcastLocal(p.ProjectID, c, EventUserCursorMove, cursorEvent{
		UserID:    c.principal.UserID,
		UserName:  c.principal.Name,
		Position:  p.Position,
		FileName:  p.FileName,
		Timestamp: h.timestamp(),
	})
}

// handleFileChange publishes the change on the bus so every instance's
// room sees it, the sender's included.
func (h *Hub) handleFileChange(ctx context.Context, c *Client, data json.RawMessage) {
	var p fileChangePayload
	if err := json.Unmarshal(data, &p); err != nil || !relayAllowed(c, p.ProjectID) {
		return
	}
	h.publishProjectEvent(ctx, EventFileChange, p.ProjectID, fileChangeEvent{
		UserID:     c.principal.UserID,
		UserName:   c.principal.Name,
		FileName:   p.FileName,
		ChangeType: p.ChangeType,
		Content:    p.Content,
		Timestamp:  h.timestamp(),
	})
}

func (h *Hub) handleCodeUpdate(ctx context.Context, c *Client, data json.RawMessage) {
	var p codeUpdatePayload
	if err := json.Unmarshal(data, &p); err != nil || !relayAllowed(c, p.ProjectID) {
		return
	}
	h.publishProjectEvent(ctx, EventCodeUpdate, p.ProjectID, codeUpdateEvent{
		UserID:    c.principal.UserID,
		UserName:  c.principal.Name,
		FileName:  p.FileName,
		Changes:   p.Changes,
		Version:   p.Version,
		Timestamp: h.timestamp(),
	})
}

func (h *Hub) handleActivity(ctx context.Context, c *Client, data json.RawMessage) {
	var p activityPayload
	if err := json.Unmarshal(data, &p); err != nil || !relayAllowed(c, p.ProjectID) {
		return
	}
	h.publishProjectEvent(ctx, EventActivityUpdate, p.ProjectID, activityEvent{
		UserID:    c.principal.UserID,
		UserName:  c.principal.Name,
		Activity:  p.Activity,
		Timestamp: h.timestamp(),
	})
}

func (h *Hub) publishProjectEvent(ctx context.Context, eventType, projectID string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("drop unmarshalable project event",
			slog.String("event", eventType),
			slog.String("error", err.Error()),
		)
		return
	}
	_ = h.bus.Publish(ctx, bus.ChannelProjectEvents, bus.Event{
		Type:      eventType,
		ProjectID: projectID,
		Timestamp: h.now().UTC(),
		Payload:   raw,
	})
}

// handleRequestSync answers the requester directly with the project's
// active user snapshot.
func (h *Hub) handleRequestSync(c *Client, data json.RawMessage) {
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil || !relayAllowed(c, p.ProjectID) {
		return
	}

	h.mu.RLock()
	ids := make([]string, 0, len(h.active[p.ProjectID]))
	for id := range h.active[p.ProjectID] {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)

	c.sendEvent(EventSyncState, syncStateEvent{
		ActiveUsers: ids,
		Timestamp:   h.timestamp(),
	})
}

// onProjectEvent delivers a bus event to every local member of its room.
func (h *Hub) onProjectEvent(ev bus.Event) {
	if ev.ProjectID == "" {
		return
	}
	frame, err := json.Marshal(Message{Event: ev.Type, Data: ev.Payload})
	if err != nil {
		return
	}
	h.broadcastFrame(ev.ProjectID, nil, frame)
}

// onPresenceEvent translates presence states into user_joined/user_left
// room events.
func (h *Hub) onPresenceEvent(ev bus.Event) {
	var eventType string
	switch ev.Presence {
	case bus.PresenceJoined:
		eventType = EventUserJoined
	case bus.PresenceLeft:
		eventType = EventUserLeft
	default:
		return
	}
	frame, err := encodeMessage(eventType, presenceEvent{
		UserID:    ev.UserID,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	h.broadcastFrame(ev.ProjectID, nil, frame)
}

func (h *Hub) broadcastLocal(projectID string, exclude *Client, event string, payload any) {
	frame, err := encodeMessage(event, payload)
	if err != nil {
		return
	}
	h.broadcastFrame(projectID, exclude, frame)
}

// broadcastFrame delivers a prepared frame to a room. A client whose send
// buffer is full is skipped; slow consumers must not stall the room.
func (h *Hub) broadcastFrame(projectID string, exclude *Client, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[projectID] {
		if c == exclude {
			continue
		}
		c.trySend(frame)
	}
}

// ActiveUsers reports the current member ids of a project room, sorted.
func (h *Hub) ActiveUsers(projectID string) []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.active[projectID]))
	for id := range h.active[projectID] {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
