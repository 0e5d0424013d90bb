package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/valki/vichat/internal/logger"
	"github.com/valki/vichat/internal/protocol"
	"github.com/valki/vichat/internal/services/assistant"
	"github.com/valki/vichat/internal/services/conversation"
	"github.com/valki/vichat/internal/services/replycache"
	"github.com/valki/vichat/pkg/httpext"
)

// MessageRequest is the request/response fallback for one turn, mirroring
// the websocket message frame.
type MessageRequest struct {
	MessageID      string              `json:"messageId"`
	RequestID      string              `json:"requestId"`
	ClientID       string              `json:"clientId"`
	ConversationID string              `json:"conversationId,omitempty"`
	Locale         string              `json:"locale,omitempty"`
	Message        string              `json:"message,omitempty"`
	Images         []protocol.ImageRef `json:"images,omitempty"`
}

type MessageResponse struct {
	Reply          string `json:"reply"`
	MessageID      string `json:"messageId"`
	RequestID      string `json:"requestId"`
	ConversationID string `json:"conversationId,omitempty"`
	Cached         bool   `json:"cached,omitempty"`
}

// Chat answers a whole turn in one HTTP exchange. It shares the dedup cache
// and provider with the websocket path so a retry over either transport
// replays the same reply.
type Chat struct {
	provider      assistant.Provider
	conversations conversation.Store
	replyCache    *replycache.Service
}

func NewChat(provider assistant.Provider, conversations conversation.Store, replyCache *replycache.Service) *Chat {
	return &Chat{
		provider:      provider,
		conversations: conversations,
		replyCache:    replyCache,
	}
}

func (h *Chat) HandleMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpext.JsonError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	frame := protocol.MessageFrame{
		V:              protocol.Version,
		Type:           protocol.TypeMessage,
		MessageID:      req.MessageID,
		RequestID:      req.RequestID,
		ClientID:       req.ClientID,
		ConversationID: req.ConversationID,
		Locale:         req.Locale,
		Message:        req.Message,
		Images:         req.Images,
	}
	if code, detail := frame.Validate(); code != "" {
		httpext.JsonError(w, detail, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	messageID := protocol.CleanText(req.MessageID)
	requestID := protocol.CleanText(req.RequestID)

	if entry := h.replyCache.Lookup(ctx, messageID); entry != nil {
		logger.Info(logger.HANDLER, "Returning cached reply for message %s", messageID)
		writeJSON(w, MessageResponse{
			Reply:          entry.ReplyText,
			MessageID:      messageID,
			RequestID:      requestID,
			ConversationID: entry.ConversationID,
			Cached:         true,
		})
		return
	}

	conversationID := protocol.CleanText(req.ConversationID)
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	history, err := h.conversations.Recent(ctx, conversationID, historyWindow)
	if err != nil {
		logger.Warn(logger.HANDLER, "History load failed for %s: %v", conversationID, err)
		history = nil
	}

	_, _ = h.conversations.Append(ctx, conversation.Turn{
		ID:             messageID,
		ConversationID: conversationID,
		Role:           conversation.RoleCustomer,
		Content:        req.Message,
		Images:         req.Images,
	})

	reply, err := h.provider.Reply(ctx, assistant.Request{
		Message: req.Message,
		Images:  req.Images,
		Locale:  req.Locale,
		History: history,
	})
	if err != nil {
		logger.Error(logger.HANDLER, "Assistant error for request %s: %v", requestID, err)
		httpext.JsonError(w, "The assistant is temporarily unavailable.", http.StatusBadGateway)
		return
	}

	if protocol.CleanText(reply) != "" {
		h.replyCache.Remember(ctx, messageID, conversationID, reply)
		_, _ = h.conversations.Append(ctx, conversation.Turn{
			ID:             uuid.New().String(),
			ConversationID: conversationID,
			Role:           conversation.RoleAssistant,
			Content:        reply,
		})
	}

	writeJSON(w, MessageResponse{
		Reply:          reply,
		MessageID:      messageID,
		RequestID:      requestID,
		ConversationID: conversationID,
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error(logger.HANDLER, "Failed to encode response: %v", err)
	}
}
