package coordinator

import (
	"errors"
	"fmt"
)

// Rejection classes. Every coordinator error is one of these (possibly
// wrapped) so callers can answer the originating connection with a typed
// reason instead of a generic failure.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionEnded    = errors.New("session has ended")
	ErrNotParticipant  = errors.New("not a session participant")
	ErrNotHost         = errors.New("not the session host")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotRecipient    = errors.New("not the message recipient")
)

// storeErr wraps a failed durable-store round trip. The mutation is
// rejected and no fan-out happens; retrying is the caller's decision.
func storeErr(err error) error {
	return fmt.Errorf("store round trip failed: %w", err)
}

// Reason maps a rejection to its wire/metric label.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrMessageNotFound):
		return "not_found"
	case errors.Is(err, ErrSessionExists):
		return "already_exists"
	case errors.Is(err, ErrSessionEnded):
		return "session_ended"
	case errors.Is(err, ErrNotParticipant):
		return "not_participant"
	case errors.Is(err, ErrNotHost):
		return "not_host"
	case errors.Is(err, ErrNotRecipient):
		return "not_recipient"
	default:
		return "store_failure"
	}
}
