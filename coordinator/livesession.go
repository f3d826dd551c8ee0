// Package coordinator serializes mutations to shared documents: the
// live-session code buffer, the participant roster, and message
// read-state. Mutations to one entity are strictly ordered by a per-entity
// lock; distinct entities never block each other. Every mutation persists
// through the durable store first and fans out only after the write
// succeeded.
package coordinator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/SahilKulkarni10/metaconnect-broker/dispatch"
	"github.com/SahilKulkarni10/metaconnect-broker/metrics"
	"github.com/SahilKulkarni10/metaconnect-broker/protocol"
	"github.com/SahilKulkarni10/metaconnect-broker/store"
	"github.com/SahilKulkarni10/metaconnect-broker/telemetry"
)

// RosterSnapshot is the roster state after a mutation. Ended is
// irreversible: once set, every later mutation against the session is
// rejected.
type RosterSnapshot struct {
	SessionID    string
	Status       store.SessionStatus
	Participants []string
	Count        int
	Ended        bool
}

func snapshotOf(sess *store.LiveSession) RosterSnapshot {
	return RosterSnapshot{
		SessionID:    sess.ID,
		Status:       sess.Status,
		Participants: append([]string(nil), sess.Participants...),
		Count:        len(sess.Participants),
		Ended:        sess.Status == store.StatusEnded,
	}
}

// LiveSessionCoordinator owns all mutation paths for live-session
// documents: code edits (last-writer-wins), roster joins/leaves, and the
// scheduled -> live -> ended state machine.
type LiveSessionCoordinator struct {
	store        store.LiveSessionStore
	pub          dispatch.Publisher
	locks        *entityLocks
	storeTimeout time.Duration

	// hosting tracks which sessions each user hosts, so a dropped
	// connection can be resolved to "the host left" without a store scan.
	mu      sync.Mutex
	hosting map[string]map[string]struct{}
}

func NewLiveSessionCoordinator(s store.LiveSessionStore, pub dispatch.Publisher, storeTimeout time.Duration) *LiveSessionCoordinator {
	return &LiveSessionCoordinator{
		store:        s,
		pub:          pub,
		locks:        newEntityLocks(),
		storeTimeout: storeTimeout,
		hosting:      make(map[string]map[string]struct{}),
	}
}

func (c *LiveSessionCoordinator) trackHost(sess *store.LiveSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess.Status == store.StatusEnded {
		delete(c.hosting[sess.HostID], sess.ID)
		if len(c.hosting[sess.HostID]) == 0 {
			delete(c.hosting, sess.HostID)
		}
		return
	}
	if c.hosting[sess.HostID] == nil {
		c.hosting[sess.HostID] = make(map[string]struct{})
	}
	c.hosting[sess.HostID][sess.ID] = struct{}{}
}

func (c *LiveSessionCoordinator) load(ctx context.Context, sessionID string) (*store.LiveSession, error) {
	sctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	sess, err := c.store.Get(sctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, storeErr(err)
	}
	c.trackHost(sess)
	return sess, nil
}

func (c *LiveSessionCoordinator) save(ctx context.Context, sess *store.LiveSession) error {
	sctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	if err := c.store.Save(sctx, sess); err != nil {
		return storeErr(err)
	}
	c.trackHost(sess)
	return nil
}

func reject(op string, err error) error {
	metrics.CoordinatorRejections.WithLabelValues(op, Reason(err)).Inc()
	return err
}

// Schedule creates a new session document in the scheduled state with the
// host as its first participant.
func (c *LiveSessionCoordinator) Schedule(ctx context.Context, sessionID, hostID, language string) (*store.LiveSession, error) {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.Schedule",
		attribute.String("session.id", sessionID))
	defer span.End()

	release := c.locks.acquire(sessionID)
	defer release()

	_, err := c.load(ctx, sessionID)
	if err == nil {
		return nil, reject("schedule", ErrSessionExists)
	}
	if !errors.Is(err, ErrSessionNotFound) {
		telemetry.RecordError(ctx, err)
		return nil, reject("schedule", err)
	}

	sess := &store.LiveSession{
		ID:           sessionID,
		HostID:       hostID,
		Status:       store.StatusScheduled,
		Language:     language,
		Participants: []string{hostID},
		CreatedAt:    time.Now().UTC(),
	}
	if err := c.save(ctx, sess); err != nil {
		telemetry.RecordError(ctx, err)
		return nil, reject("schedule", err)
	}
	return sess, nil
}

// Start is the host's explicit scheduled -> live transition. Starting an
// already-live session is a no-op.
func (c *LiveSessionCoordinator) Start(ctx context.Context, sessionID, userID string) error {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.Start",
		attribute.String("session.id", sessionID))
	defer span.End()

	release := c.locks.acquire(sessionID)
	defer release()

	sess, err := c.load(ctx, sessionID)
	if err != nil {
		return reject("start", err)
	}
	if sess.Status == store.StatusEnded {
		return reject("start", ErrSessionEnded)
	}
	if sess.HostID != userID {
		return reject("start", ErrNotHost)
	}
	if sess.Status == store.StatusLive {
		return nil
	}

	sess.Status = store.StatusLive
	if err := c.save(ctx, sess); err != nil {
		telemetry.RecordError(ctx, err)
		return reject("start", err)
	}

	c.pub.Publish(protocol.SessionRoom(sessionID), protocol.EventSessionStarted, protocol.SessionStartedPayload{
		SessionID: sessionID,
	})
	return nil
}

// Join adds the user to the roster. The first join beyond the host moves a
// scheduled session to live. Joining a session the user is already in is a
// no-op that fans nothing out.
func (c *LiveSessionCoordinator) Join(ctx context.Context, sessionID, userID string) (RosterSnapshot, error) {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.Join",
		attribute.String("session.id", sessionID), attribute.String("user.id", userID))
	defer span.End()

	release := c.locks.acquire(sessionID)
	defer release()

	sess, err := c.load(ctx, sessionID)
	if err != nil {
		return RosterSnapshot{}, reject("join", err)
	}
	if sess.Status == store.StatusEnded {
		return snapshotOf(sess), reject("join", ErrSessionEnded)
	}

	added := sess.AddParticipant(userID)
	transitioned := sess.Status == store.StatusScheduled && userID != sess.HostID
	if transitioned {
		sess.Status = store.StatusLive
	}
	if !added && !transitioned {
		return snapshotOf(sess), nil
	}

	if err := c.save(ctx, sess); err != nil {
		telemetry.RecordError(ctx, err)
		return RosterSnapshot{}, reject("join", err)
	}

	c.pub.Publish(protocol.SessionRoom(sessionID), protocol.EventParticipantJoined, protocol.ParticipantJoinedPayload{
		SessionID: sessionID,
		UserID:    userID,
		Count:     len(sess.Participants),
	})
	return snapshotOf(sess), nil
}

// Leave removes the user from the roster. A leaving host ends the session
// for everyone.
func (c *LiveSessionCoordinator) Leave(ctx context.Context, sessionID, userID string) (RosterSnapshot, error) {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.Leave",
		attribute.String("session.id", sessionID), attribute.String("user.id", userID))
	defer span.End()

	release := c.locks.acquire(sessionID)
	defer release()

	sess, err := c.load(ctx, sessionID)
	if err != nil {
		return RosterSnapshot{}, reject("leave", err)
	}
	if sess.Status == store.StatusEnded {
		return snapshotOf(sess), reject("leave", ErrSessionEnded)
	}
	if !sess.RemoveParticipant(userID) {
		return snapshotOf(sess), reject("leave", ErrNotParticipant)
	}

	hostLeft := userID == sess.HostID
	if hostLeft {
		sess.Status = store.StatusEnded
		sess.EndedAt = time.Now().UTC()
	}

	if err := c.save(ctx, sess); err != nil {
		telemetry.RecordError(ctx, err)
		return RosterSnapshot{}, reject("leave", err)
	}

	c.pub.Publish(protocol.SessionRoom(sessionID), protocol.EventParticipantLeft, protocol.ParticipantLeftPayload{
		SessionID: sessionID,
		UserID:    userID,
		HostLeft:  hostLeft,
		Count:     len(sess.Participants),
	})
	if hostLeft {
		c.pub.Publish(protocol.SessionRoom(sessionID), protocol.EventSessionEnded, protocol.SessionEndedPayload{
			SessionID: sessionID,
			EndedAt:   sess.EndedAt,
		})
	}
	return snapshotOf(sess), nil
}

// End is the host's explicit termination. The roster is kept as the final
// record; only the status flips, irreversibly.
func (c *LiveSessionCoordinator) End(ctx context.Context, sessionID, userID string) error {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.End",
		attribute.String("session.id", sessionID))
	defer span.End()

	release := c.locks.acquire(sessionID)
	defer release()

	sess, err := c.load(ctx, sessionID)
	if err != nil {
		return reject("end", err)
	}
	if sess.Status == store.StatusEnded {
		return reject("end", ErrSessionEnded)
	}
	if sess.HostID != userID {
		return reject("end", ErrNotHost)
	}

	sess.Status = store.StatusEnded
	sess.EndedAt = time.Now().UTC()
	if err := c.save(ctx, sess); err != nil {
		telemetry.RecordError(ctx, err)
		return reject("end", err)
	}

	c.pub.Publish(protocol.SessionRoom(sessionID), protocol.EventSessionEnded, protocol.SessionEndedPayload{
		SessionID: sessionID,
		EndedAt:   sess.EndedAt,
	})
	return nil
}

// ApplyCodeEdit overwrites the session's code buffer. Last-writer-wins: no
// conflict detection, no merge. Delivery excludes the editor's own
// connection when the caller passes the exclusion option through.
func (c *LiveSessionCoordinator) ApplyCodeEdit(ctx context.Context, sessionID, editorUserID, buffer string, opts ...dispatch.Option) error {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.ApplyCodeEdit",
		attribute.String("session.id", sessionID), attribute.String("user.id", editorUserID))
	defer span.End()

	release := c.locks.acquire(sessionID)
	defer release()

	sess, err := c.load(ctx, sessionID)
	if err != nil {
		return reject("code_edit", err)
	}
	if sess.Status == store.StatusEnded {
		return reject("code_edit", ErrSessionEnded)
	}
	if !sess.HasParticipant(editorUserID) {
		return reject("code_edit", ErrNotParticipant)
	}

	sess.Buffer = buffer
	if err := c.save(ctx, sess); err != nil {
		telemetry.RecordError(ctx, err)
		return reject("code_edit", err)
	}

	c.pub.Publish(protocol.SessionRoom(sessionID), protocol.EventCodeUpdated, protocol.CodeUpdatedPayload{
		SessionID: sessionID,
		Buffer:    buffer,
		EditedBy:  editorUserID,
	}, opts...)
	return nil
}

// ConnectionGone resolves a dropped connection for a user who hosts
// sessions. Under the single-connection-per-host assumption, a gone
// connection means the host left each session they were hosting.
func (c *LiveSessionCoordinator) ConnectionGone(ctx context.Context, userID string) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.hosting[userID]))
	for id := range c.hosting[userID] {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, sessionID := range ids {
		if _, err := c.Leave(ctx, sessionID, userID); err != nil && !errors.Is(err, ErrSessionEnded) {
			log.Printf("ending session %s after host %s disconnected failed: %v", sessionID, userID, err)
		}
	}
}
