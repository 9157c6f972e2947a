package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	recentMessagesCacheTTL     = 15 * time.Second
	recentMessagesCacheTimeout = 300 * time.Millisecond
	recentMessagesCacheLimit   = 50
)

// messageCache keeps the default-size recent-message window of a
// conversation in Redis for the read path. Writes invalidate; a short TTL
// bounds staleness while a message is mid-generation.
type messageCache struct {
	client *redis.Client
}

func newMessageCache(client *redis.Client) *messageCache {
	if client == nil {
		return nil
	}
	return &messageCache{client: client}
}

// WithCache attaches a Redis-backed recent-message cache to the store.
func (s *Store) WithCache(client *redis.Client) *Store {
	s.cache = newMessageCache(client)
	return s
}

func (m *messageCache) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), recentMessagesCacheTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= recentMessagesCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, recentMessagesCacheTimeout)
}

func (m *messageCache) key(convID uint64) string {
	if m == nil || m.client == nil || convID == 0 {
		return ""
	}
	return fmt.Sprintf("chat:recent:%d", convID)
}

func (s *Store) cachedRecent(ctx context.Context, convID uint64, limit int) ([]Message, bool) {
	m := s.cache
	if m == nil || m.client == nil || limit != recentMessagesCacheLimit {
		return nil, false
	}
	key := m.key(convID)
	if key == "" {
		return nil, false
	}

	ctx, cancel := m.cacheContext(ctx)
	defer cancel()

	data, err := m.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}

	var messages []Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, false
	}
	return messages, true
}

func (s *Store) storeRecent(ctx context.Context, convID uint64, limit int, messages []Message) {
	m := s.cache
	if m == nil || m.client == nil || limit != recentMessagesCacheLimit {
		return
	}
	key := m.key(convID)
	if key == "" {
		return
	}

	payload, err := json.Marshal(messages)
	if err != nil {
		log.Printf("chat: marshal recent messages cache payload failed: %v", err)
		return
	}

	ctx, cancel := m.cacheContext(ctx)
	defer cancel()

	if err := m.client.Set(ctx, key, payload, recentMessagesCacheTTL).Err(); err != nil {
		log.Printf("chat: store recent messages cache failed: %v", err)
	}
}

func (s *Store) invalidateRecent(ctx context.Context, convID uint64) {
	m := s.cache
	if m == nil || m.client == nil {
		return
	}
	key := m.key(convID)
	if key == "" {
		return
	}

	ctx, cancel := m.cacheContext(ctx)
	defer cancel()

	if err := m.client.Del(ctx, key).Err(); err != nil {
		log.Printf("chat: invalidate recent messages cache failed: %v", err)
	}
}
