// Package store owns the durable-state contracts the broker's coordinators
// mutate through. Live-session documents live in Redis; messages live in
// Postgres. In-memory implementations back the tests.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the requested entity does not exist.
var ErrNotFound = errors.New("entity not found")

type SessionStatus string

const (
	StatusScheduled SessionStatus = "scheduled"
	StatusLive      SessionStatus = "live"
	StatusEnded     SessionStatus = "ended"
)

// LiveSession is the shared mutable document behind one coding-session
// room: status (monotonic, ended is terminal), host, participant set and
// the last-writer-wins code buffer.
type LiveSession struct {
	ID           string        `json:"id"`
	HostID       string        `json:"host_id"`
	Status       SessionStatus `json:"status"`
	Language     string        `json:"language"`
	Buffer       string        `json:"buffer"`
	Participants []string      `json:"participants"`
	CreatedAt    time.Time     `json:"created_at"`
	EndedAt      time.Time     `json:"ended_at,omitempty"`
}

// HasParticipant reports whether userID is in the participant set.
func (s *LiveSession) HasParticipant(userID string) bool {
	for _, p := range s.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// AddParticipant adds userID if absent and reports whether it was added.
func (s *LiveSession) AddParticipant(userID string) bool {
	if s.HasParticipant(userID) {
		return false
	}
	s.Participants = append(s.Participants, userID)
	return true
}

// RemoveParticipant removes userID and reports whether it was present.
func (s *LiveSession) RemoveParticipant(userID string) bool {
	for i, p := range s.Participants {
		if p == userID {
			s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
			return true
		}
	}
	return false
}

// Message is one direct message. ClientKey is the client-generated
// idempotency key; the store's insert is idempotent on it, which replaces
// the time-window duplicate heuristic the mobile client used to rely on.
type Message struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	ClientKey   string    `json:"client_key" gorm:"uniqueIndex;not null"`
	SenderID    string    `json:"sender_id" gorm:"index;not null"`
	RecipientID string    `json:"recipient_id" gorm:"index;not null"`
	Body        string    `json:"body"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"created_at"`
}

// LiveSessionStore persists LiveSession documents. Coordinators call it
// synchronously, before any fan-out, under the per-session lock.
type LiveSessionStore interface {
	// Get returns the session or ErrNotFound.
	Get(ctx context.Context, sessionID string) (*LiveSession, error)
	// Save writes the full document (create or overwrite).
	Save(ctx context.Context, session *LiveSession) error
}

// MessageStore persists messages and their read-state.
type MessageStore interface {
	// Insert stores the message; a retry carrying the same ClientKey is a
	// no-op. It reports whether a row was actually created.
	Insert(ctx context.Context, msg *Message) (bool, error)
	// Get returns the message or ErrNotFound.
	Get(ctx context.Context, messageID string) (*Message, error)
	// MarkRead sets read=true. Marking an already-read message is a no-op.
	MarkRead(ctx context.Context, messageID string) error
}
