package store

import (
	"context"
	"sync"
)

// MemoryLiveSessionStore is the in-memory LiveSessionStore used by tests.
// SaveHook, when set, runs before each save and can inject failures or
// latency.
type MemoryLiveSessionStore struct {
	mu       sync.Mutex
	sessions map[string]LiveSession

	SaveHook func(session *LiveSession) error
}

func NewMemoryLiveSessionStore() *MemoryLiveSessionStore {
	return &MemoryLiveSessionStore{sessions: make(map[string]LiveSession)}
}

func (s *MemoryLiveSessionStore) Get(ctx context.Context, sessionID string) (*LiveSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := session
	cp.Participants = append([]string(nil), session.Participants...)
	return &cp, nil
}

func (s *MemoryLiveSessionStore) Save(ctx context.Context, session *LiveSession) error {
	if s.SaveHook != nil {
		if err := s.SaveHook(session); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	cp.Participants = append([]string(nil), session.Participants...)
	s.sessions[session.ID] = cp
	return nil
}

// MemoryMessageStore is the in-memory MessageStore used by tests.
type MemoryMessageStore struct {
	mu        sync.Mutex
	messages  map[string]Message
	byClient  map[string]string // client key -> message id

	MarkReadHook func(messageID string) error
}

func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		messages: make(map[string]Message),
		byClient: make(map[string]string),
	}
}

func (s *MemoryMessageStore) Insert(ctx context.Context, msg *Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byClient[msg.ClientKey]; dup {
		return false, nil
	}
	s.messages[msg.ID] = *msg
	s.byClient[msg.ClientKey] = msg.ID
	return true, nil
}

func (s *MemoryMessageStore) Get(ctx context.Context, messageID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := msg
	return &cp, nil
}

func (s *MemoryMessageStore) MarkRead(ctx context.Context, messageID string) error {
	if s.MarkReadHook != nil {
		if err := s.MarkReadHook(messageID); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	msg.Read = true
	s.messages[messageID] = msg
	return nil
}
