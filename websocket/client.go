package websocket

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/SahilKulkarni10/metaconnect-broker/config"
	"github.com/SahilKulkarni10/metaconnect-broker/protocol"
)

const websocketRetryDelay = 200 * time.Millisecond

// ClientSession wraps one physical websocket connection: its identity
// state (anonymous until the auth gate promotes it), its write path, and
// its keepalive timers. Room membership lives in the rooms registry, not
// here.
type ClientSession struct {
	id   string
	conn *websocket.Conn
	cfg  *config.WebSocketConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex // serializes writes to the connection

	userMu sync.RWMutex
	userID string

	lastActivity  atomic.Int64
	pingTicker    *time.Ticker
	activityTimer *time.Timer
	closeOnce     sync.Once
}

func NewClientSession(id string, conn *websocket.Conn, cfg *config.WebSocketConfig) *ClientSession {
	ctx, cancel := context.WithCancel(context.Background())
	cs := &ClientSession{
		id:     id,
		conn:   conn,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
	cs.lastActivity.Store(time.Now().Unix())
	return cs
}

// ID returns the opaque connection id.
func (s *ClientSession) ID() string { return s.id }

// UserID returns the identified user id, or "" while anonymous.
func (s *ClientSession) UserID() string {
	s.userMu.RLock()
	defer s.userMu.RUnlock()
	return s.userID
}

// identify promotes the session. The first identity sticks; later calls
// only succeed when they resolve to the same user.
func (s *ClientSession) identify(userID string) bool {
	s.userMu.Lock()
	defer s.userMu.Unlock()
	if s.userID != "" && s.userID != userID {
		return false
	}
	s.userID = userID
	return true
}

// Context is cancelled when the session closes.
func (s *ClientSession) Context() context.Context { return s.ctx }

// SendEvent writes one envelope to the connection.
func (s *ClientSession) SendEvent(env protocol.Envelope) error {
	return s.safeWriteJSON(env)
}

// safeWriteJSON writes with a bounded constant-backoff retry. The bound
// matters: fan-out iterates subscribers sequentially, and an endlessly
// retrying write to one broken client would stall the whole room.
func (s *ClientSession) safeWriteJSON(data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	writeTimeout := time.Duration(s.cfg.WriteTimeout) * time.Second
	operation := func() error {
		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return s.conn.WriteJSON(data)
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(websocketRetryDelay),
			uint64(s.cfg.WriteRetries),
		),
		s.ctx,
	)

	return backoff.Retry(operation, backoffStrategy)
}

// UpdateActivity refreshes the inactivity deadline. Called for actual
// client frames, not for pongs when keepalive is disabled.
func (s *ClientSession) UpdateActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity.Store(time.Now().Unix())
	if s.activityTimer != nil {
		s.activityTimer.Stop()
		s.activityTimer = time.AfterFunc(
			time.Duration(s.cfg.ActivityTimeout)*time.Second,
			s.onActivityTimeout,
		)
	}
}

// LastActivityTime returns the time of last activity.
func (s *ClientSession) LastActivityTime() time.Time {
	return time.Unix(s.lastActivity.Load(), 0)
}

func (s *ClientSession) StartTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activityTimer = time.AfterFunc(
		time.Duration(s.cfg.ActivityTimeout)*time.Second,
		s.onActivityTimeout,
	)
	s.pingTicker = time.NewTicker(
		time.Duration(s.cfg.PingInterval) * time.Second,
	)
	go s.pingLoop()
}

func (s *ClientSession) pingLoop() {
	defer s.pingTicker.Stop()

	for {
		select {
		case <-s.pingTicker.C:
			if err := s.sendPing(); err != nil {
				log.Printf("Failed to send ping to %s: %v", s.id, err)
				s.Close(websocket.CloseInternalServerErr, "Ping failure")
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// onActivityTimeout closes the transport. The read loop observes the
// closed connection and performs the single registry drop, so timeout and
// explicit disconnect can never both drop the same session.
func (s *ClientSession) onActivityTimeout() {
	log.Printf("Connection %s timed out", s.id)
	s.Close(websocket.ClosePolicyViolation, "Inactivity timeout")
}

func (s *ClientSession) sendPing() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn.WriteControl(
		websocket.PingMessage,
		[]byte{},
		time.Now().Add(time.Duration(s.cfg.WriteTimeout)*time.Second),
	)
}

// PongHandler returns the pong callback for this session.
func (s *ClientSession) PongHandler() func(string) error {
	return func(string) error {
		if s.cfg.KeepAlive {
			s.UpdateActivity()
		} else {
			s.lastActivity.Store(time.Now().Unix())
		}
		return nil
	}
}

// Close shuts the connection down once; later calls are no-ops.
func (s *ClientSession) Close(code int, text string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.pingTicker != nil {
			s.pingTicker.Stop()
		}
		if s.activityTimer != nil {
			s.activityTimer.Stop()
		}
		s.cancel()

		writeTimeout := time.Duration(s.cfg.WriteTimeout) * time.Second
		if err := s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text),
			time.Now().Add(writeTimeout),
		); err != nil && err != websocket.ErrCloseSent {
			log.Printf("Error sending close message to %s: %v", s.id, err)
		}
		s.conn.Close()
	})
}
