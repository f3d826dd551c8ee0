package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/SahilKulkarni10/metaconnect-broker/config"
	"github.com/SahilKulkarni10/metaconnect-broker/coordinator"
	"github.com/SahilKulkarni10/metaconnect-broker/dispatch"
	"github.com/SahilKulkarni10/metaconnect-broker/metrics"
	"github.com/SahilKulkarni10/metaconnect-broker/protocol"
	"github.com/SahilKulkarni10/metaconnect-broker/rooms"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler owns the connection lifecycle: upgrade, the auth gate, the
// inbound event loop, and the single drop on disconnect.
type Handler struct {
	cfg       *config.AppConfig
	registry  *rooms.Registry
	sessions  *coordinator.LiveSessionCoordinator
	readstate *coordinator.ReadStateCoordinator
	validator *Validator
}

func NewHandler(cfg *config.AppConfig, registry *rooms.Registry, sessions *coordinator.LiveSessionCoordinator, readstate *coordinator.ReadStateCoordinator, validator *Validator) *Handler {
	return &Handler{
		cfg:       cfg,
		registry:  registry,
		sessions:  sessions,
		readstate: readstate,
		validator: validator,
	}
}

// HandleWebSocket handles one incoming websocket connection for its whole
// lifetime. Events for this connection are processed in arrival order;
// the per-entity locks inside the coordinators order them against other
// connections.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.registry.Count() >= h.cfg.WebSocket.MaxConnections {
		http.Error(w, "Connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	connID := uuid.New().String()
	session := NewClientSession(connID, conn, &h.cfg.WebSocket)

	h.registry.Add(session)
	session.StartTimers()
	conn.SetReadLimit(h.cfg.WebSocket.MessageSizeLimit)
	conn.SetPongHandler(session.PongHandler())

	// Connections may also present their credential at the handshake
	// instead of waiting for the first authenticate frame.
	if token := r.URL.Query().Get(h.cfg.Auth.TokenQueryParam); token != "" {
		h.authenticate(session, token)
	}

	if err := session.SendEvent(protocol.NewEnvelope(protocol.EventHello, protocol.HelloPayload{
		ConnectionID: connID,
	})); err != nil {
		log.Printf("Failed to send hello to %s: %v", connID, err)
		h.drop(session)
		return
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				log.Printf("Read error from connection %s: %v", connID, err)
			}
			break
		}
		metrics.EventsReceived.Inc()
		session.UpdateActivity()

		var in protocol.Inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			h.sendRejected(session, "", "malformed_frame")
			continue
		}
		h.dispatchEvent(session, in)
	}

	h.drop(session)
}

// drop runs the exactly-once disconnect path: remove the connection from
// every room, then let the session coordinator decide what a gone host
// connection means.
func (h *Handler) drop(session *ClientSession) {
	dropped, ok := h.registry.Drop(session.ID())
	if !ok {
		return
	}
	session.Close(websocket.CloseNormalClosure, "Disconnected")

	if userID := dropped.UserID(); userID != "" {
		h.sessions.ConnectionGone(context.Background(), userID)
	}
}

func (h *Handler) dispatchEvent(session *ClientSession, in protocol.Inbound) {
	switch in.Event {
	case protocol.EventAuthenticate:
		var p protocol.AuthenticatePayload
		if err := json.Unmarshal(in.Data, &p); err != nil {
			h.sendAuthError(session, "malformed_payload")
			return
		}
		h.authenticate(session, p.Token)

	case protocol.EventJoinRoom:
		var p protocol.RoomPayload
		if err := json.Unmarshal(in.Data, &p); err != nil || !protocol.ClientJoinable(p.RoomID) {
			h.sendRejected(session, in.Event, "invalid_room")
			return
		}
		h.registry.Join(session.ID(), p.RoomID)

	case protocol.EventLeaveRoom:
		var p protocol.RoomPayload
		if err := json.Unmarshal(in.Data, &p); err != nil || !protocol.ClientJoinable(p.RoomID) {
			h.sendRejected(session, in.Event, "invalid_room")
			return
		}
		h.registry.Leave(session.ID(), p.RoomID)

	case protocol.EventCodeUpdate:
		userID, ok := h.requireUser(session, in.Event)
		if !ok {
			return
		}
		var p protocol.CodeUpdatePayload
		if err := json.Unmarshal(in.Data, &p); err != nil {
			h.sendRejected(session, in.Event, "malformed_payload")
			return
		}
		err := h.sessions.ApplyCodeEdit(session.Context(), p.SessionID, userID, p.Buffer,
			dispatch.ExcludeConnection(session.ID()))
		if err != nil {
			h.sendRejected(session, in.Event, coordinator.Reason(err))
		}

	case protocol.EventMarkRead:
		userID, ok := h.requireUser(session, in.Event)
		if !ok {
			return
		}
		var p protocol.MarkReadPayload
		if err := json.Unmarshal(in.Data, &p); err != nil {
			h.sendRejected(session, in.Event, "malformed_payload")
			return
		}
		if err := h.readstate.MarkRead(session.Context(), p.MessageID, userID); err != nil {
			h.sendRejected(session, in.Event, coordinator.Reason(err))
		}

	case protocol.EventSessionJoin:
		userID, ok := h.requireUser(session, in.Event)
		if !ok {
			return
		}
		var p protocol.SessionPayload
		if err := json.Unmarshal(in.Data, &p); err != nil {
			h.sendRejected(session, in.Event, "malformed_payload")
			return
		}
		// Subscribe before mutating the roster so the joiner receives the
		// roster-changed fan-out for their own join.
		h.registry.Join(session.ID(), protocol.SessionRoom(p.SessionID))
		if _, err := h.sessions.Join(session.Context(), p.SessionID, userID); err != nil {
			h.sendRejected(session, in.Event, coordinator.Reason(err))
		}

	case protocol.EventSessionLeave:
		userID, ok := h.requireUser(session, in.Event)
		if !ok {
			return
		}
		var p protocol.SessionPayload
		if err := json.Unmarshal(in.Data, &p); err != nil {
			h.sendRejected(session, in.Event, "malformed_payload")
			return
		}
		if _, err := h.sessions.Leave(session.Context(), p.SessionID, userID); err != nil {
			h.sendRejected(session, in.Event, coordinator.Reason(err))
			return
		}
		h.registry.Leave(session.ID(), protocol.SessionRoom(p.SessionID))

	case protocol.EventSessionStart:
		userID, ok := h.requireUser(session, in.Event)
		if !ok {
			return
		}
		var p protocol.SessionPayload
		if err := json.Unmarshal(in.Data, &p); err != nil {
			h.sendRejected(session, in.Event, "malformed_payload")
			return
		}
		if err := h.sessions.Start(session.Context(), p.SessionID, userID); err != nil {
			h.sendRejected(session, in.Event, coordinator.Reason(err))
		}

	case protocol.EventSessionEnd:
		userID, ok := h.requireUser(session, in.Event)
		if !ok {
			return
		}
		var p protocol.SessionPayload
		if err := json.Unmarshal(in.Data, &p); err != nil {
			h.sendRejected(session, in.Event, "malformed_payload")
			return
		}
		if err := h.sessions.End(session.Context(), p.SessionID, userID); err != nil {
			h.sendRejected(session, in.Event, coordinator.Reason(err))
		}

	default:
		h.sendRejected(session, in.Event, "unknown_event")
	}
}

// authenticate runs the auth gate for one connection. Failure leaves the
// session anonymous and usable; success is the only path that subscribes
// a connection to its personal room.
func (h *Handler) authenticate(session *ClientSession, token string) {
	userID, err := h.validator.Validate(session.Context(), token)
	if err != nil {
		log.Printf("Auth failed for connection %s: %v", session.ID(), err)
		metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
		h.sendAuthError(session, "invalid_token")
		return
	}

	if !session.identify(userID) {
		metrics.AuthFailures.WithLabelValues("identity_conflict").Inc()
		h.sendAuthError(session, "already_authenticated_as_different_user")
		return
	}

	// Idempotent on re-auth: Join is a no-op when already subscribed.
	h.registry.Join(session.ID(), protocol.UserRoom(userID))
	metrics.AuthSuccess.Inc()

	if err := session.SendEvent(protocol.NewEnvelope(protocol.EventAuthSuccess, protocol.AuthSuccessPayload{
		UserID: userID,
	})); err != nil {
		log.Printf("Failed to confirm auth to %s: %v", session.ID(), err)
	}
}

// requireUser rejects events that need an identified session.
func (h *Handler) requireUser(session *ClientSession, op string) (string, bool) {
	userID := session.UserID()
	if userID == "" {
		h.sendRejected(session, op, "unauthenticated")
		return "", false
	}
	return userID, true
}

func (h *Handler) sendAuthError(session *ClientSession, reason string) {
	if err := session.SendEvent(protocol.NewEnvelope(protocol.EventAuthError, protocol.AuthErrorPayload{
		Reason: reason,
	})); err != nil {
		log.Printf("Failed to send auth error to %s: %v", session.ID(), err)
	}
}

func (h *Handler) sendRejected(session *ClientSession, op, reason string) {
	if err := session.SendEvent(protocol.NewEnvelope(protocol.EventOperationRejected, protocol.RejectedPayload{
		Op:     op,
		Reason: reason,
	})); err != nil {
		log.Printf("Failed to send rejection to %s: %v", session.ID(), err)
	}
}
