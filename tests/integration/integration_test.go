package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SahilKulkarni10/metaconnect-broker/bridge"
	"github.com/SahilKulkarni10/metaconnect-broker/config"
	"github.com/SahilKulkarni10/metaconnect-broker/coordinator"
	"github.com/SahilKulkarni10/metaconnect-broker/dispatch"
	"github.com/SahilKulkarni10/metaconnect-broker/protocol"
	"github.com/SahilKulkarni10/metaconnect-broker/rooms"
	"github.com/SahilKulkarni10/metaconnect-broker/store"
	brokerws "github.com/SahilKulkarni10/metaconnect-broker/websocket"
)

const (
	testSecret  = "integration-test-secret"
	readTimeout = 5 * time.Second
)

type broker struct {
	srv      *httptest.Server
	registry *rooms.Registry
	sessions *coordinator.LiveSessionCoordinator
	messages *store.MemoryMessageStore
	notifier *bridge.Notifier
}

func startBroker(t *testing.T) *broker {
	return startBrokerIdleAfter(t, 60)
}

func startBrokerIdleAfter(t *testing.T, activityTimeoutSeconds int) *broker {
	t.Helper()

	cfg := &config.AppConfig{
		Auth: config.AuthConfig{
			JWTSecret:         testSecret,
			TokenQueryParam:   "token",
			RevocationListKey: "revoked_jti",
		},
		WebSocket: config.WebSocketConfig{
			MaxConnections:   64,
			MessageSizeLimit: 1 << 20,
			PingInterval:     30,
			ActivityTimeout:  activityTimeoutSeconds,
			WriteTimeout:     5,
			WriteRetries:     2,
			KeepAlive:        true,
		},
		Store: config.StoreConfig{Timeout: 2},
	}

	registry := rooms.NewRegistry()
	dispatcher := dispatch.NewDispatcher(registry)
	sessionStore := store.NewMemoryLiveSessionStore()
	messageStore := store.NewMemoryMessageStore()
	sessions := coordinator.NewLiveSessionCoordinator(sessionStore, dispatcher, 2*time.Second)
	readstate := coordinator.NewReadStateCoordinator(messageStore, dispatcher, 2*time.Second)
	validator := brokerws.NewValidator(&cfg.Auth, nil)
	handler := brokerws.NewHandler(cfg, registry, sessions, readstate, validator)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.HandleWebSocket)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &broker{
		srv:      srv,
		registry: registry,
		sessions: sessions,
		messages: messageStore,
		notifier: bridge.NewNotifier(dispatcher),
	}
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, b *broker, token string) *wsClient {
	t.Helper()
	u := "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(event string, payload interface{}) {
	c.t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(protocol.Inbound{Event: event, Data: data}))
}

type frame struct {
	Event   string          `json:"event"`
	EventID string          `json:"event_id"`
	Data    json.RawMessage `json:"data"`
}

// expect reads the next frame and requires it to carry the given event.
// Frames arrive in a deterministic per-connection order, so a stray event
// here is a real bug, not test flakiness.
func (c *wsClient) expect(event string) json.RawMessage {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))

	var f frame
	require.NoError(c.t, c.conn.ReadJSON(&f), "waiting for %q", event)
	require.Equal(c.t, event, f.Event)
	assert.NotEmpty(c.t, f.EventID)
	return f.Data
}

func TestLiveSessionEndToEnd(t *testing.T) {
	b := startBroker(t)
	ctx := context.Background()

	// The host authenticates with its first frame; the guest presents the
	// credential at the handshake instead.
	host := dial(t, b, "")
	host.expect(protocol.EventHello)
	host.send(protocol.EventAuthenticate, protocol.AuthenticatePayload{Token: signToken(t, "host-user")})
	host.expect(protocol.EventAuthSuccess)

	guest := dial(t, b, signToken(t, "guest-user"))
	guest.expect(protocol.EventAuthSuccess)
	guest.expect(protocol.EventHello)

	// The REST tier schedules the session before anyone connects to it.
	_, err := b.sessions.Schedule(ctx, "sess-1", "host-user", "go")
	require.NoError(t, err)

	// The host is already on the roster, so its join is silent. The
	// rejected mark_read that follows both checks the unknown-message path
	// and, because frames are processed in order, pins the join before the
	// guest's fan-out starts.
	host.send(protocol.EventSessionJoin, protocol.SessionPayload{SessionID: "sess-1"})
	host.send(protocol.EventMarkRead, protocol.MarkReadPayload{MessageID: "no-such-message"})
	var notFound protocol.RejectedPayload
	require.NoError(t, json.Unmarshal(host.expect(protocol.EventOperationRejected), &notFound))
	assert.Equal(t, "not_found", notFound.Reason)

	// The first real join moves the session live and reaches everyone.
	guest.send(protocol.EventSessionJoin, protocol.SessionPayload{SessionID: "sess-1"})
	var joined protocol.ParticipantJoinedPayload
	require.NoError(t, json.Unmarshal(guest.expect(protocol.EventParticipantJoined), &joined))
	assert.Equal(t, "guest-user", joined.UserID)
	assert.Equal(t, 2, joined.Count)
	host.expect(protocol.EventParticipantJoined)

	// An edit reaches the other participant but never echoes to its author.
	host.send(protocol.EventCodeUpdate, protocol.CodeUpdatePayload{SessionID: "sess-1", Buffer: "package main"})
	var updated protocol.CodeUpdatedPayload
	require.NoError(t, json.Unmarshal(guest.expect(protocol.EventCodeUpdated), &updated))
	assert.Equal(t, "package main", updated.Buffer)
	assert.Equal(t, "host-user", updated.EditedBy)

	// A read receipt lands in the sender's personal room on every device.
	inserted, err := b.messages.Insert(ctx, &store.Message{
		ID: "m1", ClientKey: "ck1", SenderID: "host-user", RecipientID: "guest-user", Body: "ready?",
	})
	require.NoError(t, err)
	require.True(t, inserted)
	guest.send(protocol.EventMarkRead, protocol.MarkReadPayload{MessageID: "m1"})
	var read protocol.MessageReadPayload
	require.NoError(t, json.Unmarshal(host.expect(protocol.EventMessageRead), &read))
	assert.Equal(t, "m1", read.MessageID)

	// The host ends the session for everyone; later edits bounce.
	host.send(protocol.EventSessionEnd, protocol.SessionPayload{SessionID: "sess-1"})
	host.expect(protocol.EventSessionEnded)
	guest.expect(protocol.EventSessionEnded)

	guest.send(protocol.EventCodeUpdate, protocol.CodeUpdatePayload{SessionID: "sess-1", Buffer: "too late"})
	var rejected protocol.RejectedPayload
	require.NoError(t, json.Unmarshal(guest.expect(protocol.EventOperationRejected), &rejected))
	assert.Equal(t, protocol.EventCodeUpdate, rejected.Op)
	assert.Equal(t, "session_ended", rejected.Reason)
}

func TestHostDisconnectEndsSession(t *testing.T) {
	b := startBroker(t)
	ctx := context.Background()

	host := dial(t, b, signToken(t, "host-user"))
	host.expect(protocol.EventAuthSuccess)
	host.expect(protocol.EventHello)

	guest := dial(t, b, signToken(t, "guest-user"))
	guest.expect(protocol.EventAuthSuccess)
	guest.expect(protocol.EventHello)

	_, err := b.sessions.Schedule(ctx, "sess-2", "host-user", "go")
	require.NoError(t, err)

	// Pin the host's silent join with a round trip before the guest joins.
	host.send(protocol.EventSessionJoin, protocol.SessionPayload{SessionID: "sess-2"})
	host.send(protocol.EventMarkRead, protocol.MarkReadPayload{MessageID: "no-such-message"})
	host.expect(protocol.EventOperationRejected)

	guest.send(protocol.EventSessionJoin, protocol.SessionPayload{SessionID: "sess-2"})
	host.expect(protocol.EventParticipantJoined)
	guest.expect(protocol.EventParticipantJoined)

	// The host's transport dies without a goodbye.
	require.NoError(t, host.conn.Close())

	var left protocol.ParticipantLeftPayload
	require.NoError(t, json.Unmarshal(guest.expect(protocol.EventParticipantLeft), &left))
	assert.Equal(t, "host-user", left.UserID)
	assert.True(t, left.HostLeft)
	guest.expect(protocol.EventSessionEnded)
}

func TestAnonymousConnectionGate(t *testing.T) {
	b := startBroker(t)

	c := dial(t, b, "")
	c.expect(protocol.EventHello)

	// Entity rooms are open to anonymous listeners; mutations are not.
	c.send(protocol.EventJoinRoom, protocol.RoomPayload{RoomID: "project:p1"})

	c.send(protocol.EventCodeUpdate, protocol.CodeUpdatePayload{SessionID: "s", Buffer: "x"})
	var rejected protocol.RejectedPayload
	require.NoError(t, json.Unmarshal(c.expect(protocol.EventOperationRejected), &rejected))
	assert.Equal(t, "unauthenticated", rejected.Reason)

	// Personal rooms can never be joined explicitly, not even your own.
	c.send(protocol.EventJoinRoom, protocol.RoomPayload{RoomID: protocol.UserRoom("someone")})
	require.NoError(t, json.Unmarshal(c.expect(protocol.EventOperationRejected), &rejected))
	assert.Equal(t, "invalid_room", rejected.Reason)

	c.send("no_such_event", struct{}{})
	require.NoError(t, json.Unmarshal(c.expect(protocol.EventOperationRejected), &rejected))
	assert.Equal(t, "unknown_event", rejected.Reason)
}

func TestAuthFailureLeavesConnectionUsable(t *testing.T) {
	b := startBroker(t)

	c := dial(t, b, "")
	c.expect(protocol.EventHello)

	c.send(protocol.EventAuthenticate, protocol.AuthenticatePayload{Token: "garbage"})
	var authErr protocol.AuthErrorPayload
	require.NoError(t, json.Unmarshal(c.expect(protocol.EventAuthError), &authErr))
	assert.Equal(t, "invalid_token", authErr.Reason)

	// The failed attempt did not kill the connection; a valid retry works.
	c.send(protocol.EventAuthenticate, protocol.AuthenticatePayload{Token: signToken(t, "late-user")})
	var ok protocol.AuthSuccessPayload
	require.NoError(t, json.Unmarshal(c.expect(protocol.EventAuthSuccess), &ok))
	assert.Equal(t, "late-user", ok.UserID)
}

func TestReauthentication(t *testing.T) {
	b := startBroker(t)

	c := dial(t, b, "")
	c.expect(protocol.EventHello)

	c.send(protocol.EventAuthenticate, protocol.AuthenticatePayload{Token: signToken(t, "user-a")})
	c.expect(protocol.EventAuthSuccess)

	// Re-authenticating as the same user is idempotent and succeeds again.
	c.send(protocol.EventAuthenticate, protocol.AuthenticatePayload{Token: signToken(t, "user-a")})
	var ok protocol.AuthSuccessPayload
	require.NoError(t, json.Unmarshal(c.expect(protocol.EventAuthSuccess), &ok))
	assert.Equal(t, "user-a", ok.UserID)

	// A valid credential for a different user is refused; the first
	// identity sticks.
	c.send(protocol.EventAuthenticate, protocol.AuthenticatePayload{Token: signToken(t, "user-b")})
	var authErr protocol.AuthErrorPayload
	require.NoError(t, json.Unmarshal(c.expect(protocol.EventAuthError), &authErr))
	assert.Equal(t, "already_authenticated_as_different_user", authErr.Reason)

	// The connection still sits in user-a's personal room exactly once,
	// and never entered user-b's. In-process publishes deliver in order,
	// so a duplicate subscription would surface marker_one twice and a
	// leaked user-b subscription would surface wrong_room in between.
	b.notifier.NotifyAfterCommit(protocol.UserRoom("user-a"), "marker_one", json.RawMessage(`{}`))
	b.notifier.NotifyAfterCommit(protocol.UserRoom("user-b"), "wrong_room", json.RawMessage(`{}`))
	b.notifier.NotifyAfterCommit(protocol.UserRoom("user-a"), "marker_two", json.RawMessage(`{}`))
	c.expect("marker_one")
	c.expect("marker_two")
}

func TestIdleConnectionIsDropped(t *testing.T) {
	b := startBrokerIdleAfter(t, 1)

	c := dial(t, b, "")
	c.expect(protocol.EventHello)
	require.Equal(t, 1, b.registry.Count())

	// Send nothing. The inactivity timer closes the transport; the read
	// loop observes the closed connection and performs the single drop.
	require.Eventually(t, func() bool {
		return b.registry.Count() == 0
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err := c.conn.ReadMessage()
	assert.Error(t, err, "the server side closed the transport")
}

func TestRestBridgeDeliversAfterCommit(t *testing.T) {
	b := startBroker(t)
	ctx := context.Background()

	c := dial(t, b, signToken(t, "bob"))
	c.expect(protocol.EventAuthSuccess)
	c.expect(protocol.EventHello)

	// The REST tier commits first, then bridges the notification.
	inserted, err := b.messages.Insert(ctx, &store.Message{
		ID: "m9", ClientKey: "ck9", SenderID: "alice", RecipientID: "bob", Body: "hi",
	})
	require.NoError(t, err)
	require.True(t, inserted)

	payload, err := json.Marshal(map[string]string{"message_id": "m9", "sender_id": "alice"})
	require.NoError(t, err)
	b.notifier.NotifyAfterCommit(protocol.UserRoom("bob"), "new_message", json.RawMessage(payload))

	data := c.expect("new_message")
	var got map[string]string
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "m9", got["message_id"])
}
