package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisLiveSessionStore implements LiveSessionStore on a single JSON
// document per session. Ended sessions are kept around for endedTTL so
// late readers still see the terminal state, then expire.
type RedisLiveSessionStore struct {
	client   *redis.Client
	endedTTL time.Duration
}

func NewRedisLiveSessionStore(client *redis.Client, endedTTL time.Duration) *RedisLiveSessionStore {
	return &RedisLiveSessionStore{
		client:   client,
		endedTTL: endedTTL,
	}
}

func liveSessionKey(sessionID string) string {
	return fmt.Sprintf("livesession:%s", sessionID)
}

func (s *RedisLiveSessionStore) Get(ctx context.Context, sessionID string) (*LiveSession, error) {
	data, err := s.client.Get(ctx, liveSessionKey(sessionID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var session LiveSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal live session: %w", err)
	}
	return &session, nil
}

func (s *RedisLiveSessionStore) Save(ctx context.Context, session *LiveSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal live session: %w", err)
	}

	ttl := time.Duration(0)
	if session.Status == StatusEnded {
		ttl = s.endedTTL
	}
	return s.client.Set(ctx, liveSessionKey(session.ID), data, ttl).Err()
}
