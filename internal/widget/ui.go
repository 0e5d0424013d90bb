package widget

import (
	"context"
	"sync"

	"github.com/valki/vichat/internal/protocol"
)

// Message roles rendered by the sink.
const (
	RoleCustomer  = "customer"
	RoleAssistant = "assistant"
)

// Row is an opaque handle to one rendered message row. The engine only
// stores and passes it back; the sink owns its meaning.
type Row interface{}

// MessageSink is the UI layer the reconciliation engine drives. Rendering
// mechanics are out of scope; the engine only needs these operations.
type MessageSink interface {
	AddMessage(role, text string, images []protocol.ImageRef) Row
	UpdateMessageText(row Row, text string, streaming bool)
	RemoveRow(row Row)
	AddTypingRow() Row
	ClearMessages()
}

// Attachment is a raw image the user attached to the composer.
type Attachment struct {
	Name string
	Mime string
	Data []byte
}

// Uploader is the external upload collaborator: raw bytes in, public URLs
// out. An upload failure short-circuits the send without enqueueing it.
type Uploader interface {
	Upload(ctx context.Context, attachments []Attachment) ([]protocol.ImageRef, error)
}

// HistoryEntry is one guest-mode turn persisted locally.
type HistoryEntry struct {
	Role   string              `json:"role"`
	Text   string              `json:"text"`
	Images []protocol.ImageRef `json:"images,omitempty"`
}

// HistoryStore persists guest history between sessions.
type HistoryStore interface {
	Append(entry HistoryEntry)
	Load() []HistoryEntry
	Clear()
}

// MemoryHistory is the default in-process HistoryStore.
type MemoryHistory struct {
	mu      sync.Mutex
	entries []HistoryEntry
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{}
}

func (h *MemoryHistory) Append(entry HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
}

func (h *MemoryHistory) Load() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h *MemoryHistory) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
}
