// Package protocol defines the wire format spoken over the persistent
// connection: inbound client events, outbound broker events, and the
// room-id namespaces that scope fan-out.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
)

// Inbound event names accepted from a connection.
const (
	EventAuthenticate = "authenticate"
	EventJoinRoom     = "join_room"
	EventLeaveRoom    = "leave_room"
	EventCodeUpdate   = "code_update"
	EventMarkRead     = "mark_read"
	EventSessionJoin  = "session_join"
	EventSessionLeave = "session_leave"
	EventSessionStart = "session_start"
	EventSessionEnd   = "session_end"
)

// Outbound event names delivered to subscribed connections.
const (
	EventHello             = "hello"
	EventAuthSuccess       = "authentication_success"
	EventAuthError         = "authentication_error"
	EventCodeUpdated       = "code_update"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventSessionStarted    = "session_started"
	EventSessionEnded      = "session_ended"
	EventMessageRead       = "message_read"
	EventOperationRejected = "operation_rejected"
)

// Inbound is one frame read from a client connection.
type Inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Envelope is one frame written to a client connection. EventID is a
// time-ordered ksuid so clients can correlate and de-duplicate deliveries.
type Envelope struct {
	Event     string      `json:"event"`
	EventID   string      `json:"event_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// NewEnvelope stamps an outbound event with an id and timestamp.
func NewEnvelope(event string, data interface{}) Envelope {
	return Envelope{
		Event:     event,
		EventID:   ksuid.New().String(),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Inbound payloads.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

type RoomPayload struct {
	RoomID string `json:"room_id"`
}

type CodeUpdatePayload struct {
	SessionID string `json:"session_id"`
	Buffer    string `json:"buffer"`
}

type MarkReadPayload struct {
	MessageID string `json:"message_id"`
}

type SessionPayload struct {
	SessionID string `json:"session_id"`
}

// Outbound payloads.
type HelloPayload struct {
	ConnectionID string `json:"connection_id"`
}

type AuthSuccessPayload struct {
	UserID string `json:"user_id"`
}

type AuthErrorPayload struct {
	Reason string `json:"reason"`
}

type CodeUpdatedPayload struct {
	SessionID string `json:"session_id"`
	Buffer    string `json:"buffer"`
	EditedBy  string `json:"edited_by"`
}

type ParticipantJoinedPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Count     int    `json:"count"`
}

type ParticipantLeftPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	HostLeft  bool   `json:"host_left"`
	Count     int    `json:"count"`
}

type SessionStartedPayload struct {
	SessionID string `json:"session_id"`
}

type SessionEndedPayload struct {
	SessionID string    `json:"session_id"`
	EndedAt   time.Time `json:"ended_at"`
}

type MessageReadPayload struct {
	MessageID string `json:"message_id"`
}

type RejectedPayload struct {
	Op     string `json:"op"`
	Reason string `json:"reason"`
}

// Room namespaces. Personal rooms are only ever entered through
// authentication; the entity namespaces are client-joinable.
const (
	RoomKindUser      = "user"
	RoomKindProject   = "project"
	RoomKindCommunity = "community"
	RoomKindSession   = "session"
)

func UserRoom(userID string) string { return RoomKindUser + ":" + userID }

func ProjectRoom(id string) string { return RoomKindProject + ":" + id }

func CommunityRoom(id string) string { return RoomKindCommunity + ":" + id }

func SessionRoom(sessionID string) string { return RoomKindSession + ":" + sessionID }

// ParseRoomID splits a room id into its namespace and entity id.
func ParseRoomID(roomID string) (kind, id string, err error) {
	kind, id, ok := strings.Cut(roomID, ":")
	if !ok || kind == "" || id == "" {
		return "", "", fmt.Errorf("malformed room id %q", roomID)
	}
	switch kind {
	case RoomKindUser, RoomKindProject, RoomKindCommunity, RoomKindSession:
		return kind, id, nil
	default:
		return "", "", fmt.Errorf("unknown room namespace %q", kind)
	}
}

// ClientJoinable reports whether a connection may subscribe to the room by
// request. Personal rooms are excluded: only the auth gate subscribes those.
func ClientJoinable(roomID string) bool {
	kind, _, err := ParseRoomID(roomID)
	return err == nil && kind != RoomKindUser
}
