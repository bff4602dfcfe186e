package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// MemoryStore keeps entries in a map. For dev and tests; entries do
// not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Put stores or replaces an entry.
func (s *MemoryStore) Put(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Record.ID] = e
	return nil
}

// All returns every stored entry.
func (s *MemoryStore) All(_ context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}

// Delete removes an entry by record id.
func (s *MemoryStore) Delete(_ context.Context, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, recordID)
	return nil
}

// RedisStore persists entries as JSON fields of one Redis hash, which
// gives the queue durability across process restarts.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore builds a store over the given hash key.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = "sakato:submission-queue"
	}
	return &RedisStore{client: client, key: key}
}

// Put stores or replaces an entry.
func (s *RedisStore) Put(ctx context.Context, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry %s: %w", e.Record.ID, err)
	}
	return s.client.HSet(ctx, s.key, e.Record.ID, b).Err()
}

// All returns every stored entry. Fields that fail to decode are
// skipped rather than wedging the whole drain.
func (s *RedisStore) All(ctx context.Context) ([]Entry, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(fields))
	for id, raw := range fields {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if e.Record.ID == "" {
			e.Record.ID = id
		}
		out = append(out, e)
	}
	return out, nil
}

// Delete removes an entry by record id.
func (s *RedisStore) Delete(ctx context.Context, recordID string) error {
	return s.client.HDel(ctx, s.key, recordID).Err()
}
