package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valki/vichat/internal/protocol"
)

// Turn roles, matching the widget's message rows.
const (
	RoleCustomer  = "customer"
	RoleAssistant = "assistant"
)

// Turn is one persisted chat message.
type Turn struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversationId"`
	Role           string              `json:"role"`
	Content        string              `json:"content"`
	Images         []protocol.ImageRef `json:"images,omitempty"`
	CreatedAt      time.Time           `json:"ts"`
}

// Store is the persistence collaborator the streaming core consumes: load
// recent turns for context, append a completed turn.
type Store interface {
	Recent(ctx context.Context, conversationID string, limit int) ([]Turn, error)
	Append(ctx context.Context, turn Turn) (Turn, error)
}

// MemoryStore keeps conversations in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	turns map[string][]Turn
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		turns: make(map[string][]Turn),
	}
}

func (ms *MemoryStore) Recent(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	all := ms.turns[conversationID]
	if limit <= 0 || limit >= len(all) {
		out := make([]Turn, len(all))
		copy(out, all)
		return out, nil
	}

	out := make([]Turn, limit)
	copy(out, all[len(all)-limit:])
	return out, nil
}

func (ms *MemoryStore) Append(ctx context.Context, turn Turn) (Turn, error) {
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.turns[turn.ConversationID] = append(ms.turns[turn.ConversationID], turn)
	return turn, nil
}
