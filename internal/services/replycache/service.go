package replycache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/valki/vichat/internal/infrastructure/redis"
	"github.com/valki/vichat/internal/logger"
)

// TTL is the window within which a resubmitted messageId replays the cached
// reply instead of re-invoking the assistant.
const TTL = 2 * time.Minute

const redisKeyPrefix = "replycache:"

// Entry is the cached final reply for one messageId.
type Entry struct {
	Timestamp      time.Time `json:"ts"`
	ConversationID string    `json:"conversationId,omitempty"`
	ReplyText      string    `json:"reply"`
}

type Store interface {
	Set(ctx context.Context, messageID string, entry *Entry) error
	Get(ctx context.Context, messageID string) (*Entry, error)
}

type RedisStore struct {
	redisService *redis.Service
}

type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// Service is the process-wide request dedup cache.
type Service struct {
	store Store
}

func NewService(redisService *redis.Service) *Service {
	var store Store
	if redisService != nil {
		if err := redisService.Ping(context.Background()); err != nil {
			logger.Warn(logger.CACHE, "Redis unavailable, falling back to in-memory reply cache")
			store = newMemoryStore()
		} else {
			store = &RedisStore{redisService: redisService}
		}
	} else {
		store = newMemoryStore()
	}

	return &Service{store: store}
}

func newMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
	}
}

// Lookup returns the cached entry for messageID, or nil on a miss or when
// the entry has aged past the TTL.
func (s *Service) Lookup(ctx context.Context, messageID string) *Entry {
	entry, err := s.store.Get(ctx, messageID)
	if err != nil {
		logger.Warn(logger.CACHE, "Reply cache lookup failed for %s: %v", messageID, err)
		return nil
	}
	return entry
}

// Remember stores the final reply for messageID for the TTL window.
func (s *Service) Remember(ctx context.Context, messageID, conversationID, replyText string) {
	entry := &Entry{
		Timestamp:      time.Now(),
		ConversationID: conversationID,
		ReplyText:      replyText,
	}
	if err := s.store.Set(ctx, messageID, entry); err != nil {
		logger.Warn(logger.CACHE, "Reply cache store failed for %s: %v", messageID, err)
	}
}

// Redis store implementation; expiry is delegated to the key TTL.

func (rs *RedisStore) Set(ctx context.Context, messageID string, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return rs.redisService.Set(ctx, redisKeyPrefix+messageID, string(data), TTL)
}

func (rs *RedisStore) Get(ctx context.Context, messageID string) (*Entry, error) {
	data, err := rs.redisService.Get(ctx, redisKeyPrefix+messageID)
	if err != nil {
		if redis.IsMissing(err) {
			return nil, nil
		}
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Memory store implementation; expired entries are purged lazily before
// every lookup.

func (ms *MemoryStore) Set(ctx context.Context, messageID string, entry *Entry) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.entries[messageID] = entry
	return nil
}

func (ms *MemoryStore) Get(ctx context.Context, messageID string) (*Entry, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	cutoff := time.Now().Add(-TTL)
	for key, entry := range ms.entries {
		if entry.Timestamp.Before(cutoff) {
			delete(ms.entries, key)
		}
	}

	entry, exists := ms.entries[messageID]
	if !exists {
		return nil, nil
	}
	return entry, nil
}
