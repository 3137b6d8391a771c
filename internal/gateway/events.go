package gateway

import "encoding/json"

// Client-to-server and server-to-client event names. The vocabulary is
// shared with the frontend, so these strings are part of the wire
// contract.
const (
	EventJoinProject    = "join_project"
	EventLeaveProject   = "leave_project"
	EventUserTyping     = "user_typing"
	EventUserCursorMove = "user_cursor_move"
	EventFileChange     = "file_change"
	EventCodeUpdate     = "code_update"
	EventActivityUpdate = "activity_update"
	EventRequestSync    = "request_sync"
	EventSyncState      = "sync_state"
	EventUserJoined     = "user_joined"
	EventUserLeft       = "user_left"
	EventError          = "error"
)

// Message is the envelope for every websocket frame in both directions.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeMessage(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Event: event, Data: raw})
}

// Inbound payloads.

type joinPayload struct {
	ProjectID string `json:"projectId"`
}

type typingPayload struct {
	ProjectID string `json:"projectId"`
	FileName  string `json:"fileName"`
	IsTyping  bool   `json:"isTyping"`
}

type cursorPayload struct {
	ProjectID string          `json:"projectId"`
	Position  json.RawMessage `json:"position"`
	FileName  string          `json:"fileName"`
}

type fileChangePayload struct {
	ProjectID  string `json:"projectId"`
	FileName   string `json:"fileName"`
	ChangeType string `json:"changeType"` // create | update | delete
	Content    string `json:"content,omitempty"`
}

type codeUpdatePayload struct {
	ProjectID string          `json:"projectId"`
	FileName  string          `json:"fileName"`
	Changes   json.RawMessage `json:"changes"`
	Version   int             `json:"version"`
}

type activityPayload struct {
	ProjectID string          `json:"projectId"`
	Activity  json.RawMessage `json:"activity"`
}

// Outbound payloads.

type typingEvent struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	FileName  string `json:"fileName"`
	IsTyping  bool   `json:"isTyping"`
	Timestamp string `json:"timestamp"`
}

type cursorEvent struct {
	UserID    string          `json:"userId"`
	UserName  string          `json:"userName"`
	Position  json.RawMessage `json:"position"`
	FileName  string          `json:"fileName"`
	Timestamp string          `json:"timestamp"`
}

type fileChangeEvent struct {
	UserID     string `json:"userId"`
	UserName   string `json:"userName"`
	FileName   string `json:"fileName"`
	ChangeType string `json:"changeType"`
	Content    string `json:"content,omitempty"`
	Timestamp  string `json:"timestamp"`
}

type codeUpdateEvent struct {
	UserID    string          `json:"userId"`
	UserName  string          `json:"userName"`
	FileName  string          `json:"fileName"`
	Changes   json.RawMessage `json:"changes"`
	Version   int             `json:"version"`
	Timestamp string          `json:"timestamp"`
}

type activityEvent struct {
	UserID    string          `json:"userId"`
	UserName  string          `json:"userName"`
	Activity  json.RawMessage `json:"activity"`
	Timestamp string          `json:"timestamp"`
}

type presenceEvent struct {
	UserID    string `json:"userId"`
	Timestamp string `json:"timestamp"`
}

type syncStateEvent struct {
	ActiveUsers []string `json:"activeUsers"`
	Timestamp   string   `json:"timestamp"`
}

type errorEvent struct {
	Message string `json:"message"`
}
