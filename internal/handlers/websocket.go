package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/valki/vichat/internal/auth"
	"github.com/valki/vichat/internal/logger"
	"github.com/valki/vichat/internal/protocol"
	"github.com/valki/vichat/internal/services/assistant"
	"github.com/valki/vichat/internal/services/conversation"
	"github.com/valki/vichat/internal/services/replycache"
	"github.com/valki/vichat/internal/services/session"
)

// TimeoutConfig holds the various timeout settings for WebSocket connections
type TimeoutConfig struct {
	PongWait   time.Duration
	PingPeriod time.Duration
	WriteWait  time.Duration
}

// DefaultTimeouts provides sensible default timeout values
var DefaultTimeouts = TimeoutConfig{
	PongWait:   30 * time.Second,
	PingPeriod: 27 * time.Second, // (PongWait * 9) / 10
	WriteWait:  10 * time.Second,
}

const (
	historyWindow   = 20
	generateTimeout = 90 * time.Second
)

// TokenVerifier validates a bearer token from an auth frame.
type TokenVerifier func(token string) (*auth.Claims, bool)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // In production, implement proper origin checking
	},
}

// WebSocket serves the persistent widget connection: auth and liveness
// frames, turn submission, and the assistant-message event stream.
type WebSocket struct {
	provider      assistant.Provider
	conversations conversation.Store
	replyCache    *replycache.Service
	verifyToken   TokenVerifier
	timeouts      TimeoutConfig
}

// Option customises a WebSocket handler; used by tests to shorten timeouts
// and stub token verification.
type Option func(*WebSocket)

func WithTimeouts(timeouts TimeoutConfig) Option {
	return func(h *WebSocket) { h.timeouts = timeouts }
}

func WithTokenVerifier(verify TokenVerifier) Option {
	return func(h *WebSocket) { h.verifyToken = verify }
}

func NewWebSocket(provider assistant.Provider, conversations conversation.Store, replyCache *replycache.Service, opts ...Option) *WebSocket {
	h := &WebSocket{
		provider:      provider,
		conversations: conversations,
		replyCache:    replyCache,
		verifyToken:   auth.VerifyToken,
		timeouts:      DefaultTimeouts,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// wsConn is the per-connection state: one writer lock for stream goroutines,
// one session tracker, and the auth flag the ready frame reports.
type wsConn struct {
	conn          *websocket.Conn
	writeMu       sync.Mutex
	writeWait     time.Duration
	sessionID     string
	authenticated bool
	userID        string
	tracker       *session.Tracker
}

func (c *wsConn) sendJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (h *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "Could not upgrade connection", http.StatusInternalServerError)
		return
	}
	defer conn.Close()

	c := &wsConn{
		conn:      conn,
		writeWait: h.timeouts.WriteWait,
		sessionID: uuid.New().String(),
		tracker:   session.NewTracker(),
	}

	logger.Info(logger.SOCKET, "Connected %s (%s)", c.sessionID, r.RemoteAddr)

	// Protocol-level frame cap is enforced in ParseClientFrame so the
	// connection survives an oversized frame; the transport limit is only a
	// hard stop against runaway payloads.
	conn.SetReadLimit(2 * protocol.MaxFrameBytes)

	conn.SetReadDeadline(time.Now().Add(h.timeouts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.timeouts.PongWait))
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(h.timeouts.PingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(h.timeouts.WriteWait)
				if err := conn.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	if err := c.sendJSON(protocol.NewReady(c.sessionID, c.authenticated)); err != nil {
		return
	}

	for {
		conn.SetReadDeadline(time.Now().Add(h.timeouts.PongWait))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.Debug(logger.SOCKET, "Read error on %s: %v", c.sessionID, err)
			}
			break
		}
		h.handleFrame(c, raw)
	}

	logger.Info(logger.SOCKET, "Disconnected %s", c.sessionID)
}

func (h *WebSocket) handleFrame(c *wsConn, raw []byte) {
	parsed, code := protocol.ParseClientFrame(raw)
	if code != "" {
		_ = c.sendJSON(protocol.NewError(code, frameErrorMessage(code)))
		return
	}

	switch frame := parsed.(type) {
	case *protocol.PingFrame:
		ts := frame.TS
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}
		_ = c.sendJSON(protocol.NewPong(ts))
	case *protocol.AuthFrame:
		h.handleAuth(c, frame)
	case *protocol.MessageFrame:
		h.handleMessage(c, frame)
	}
}

func frameErrorMessage(code string) string {
	switch code {
	case protocol.CodeInvalidJSON:
		return "Message payload must be text JSON."
	case protocol.CodePayloadTooLarge:
		return "Message exceeds 64KB limit."
	case protocol.CodeUnsupportedVersion:
		return "Unsupported protocol version."
	case protocol.CodeUnknownType:
		return "Unsupported message type."
	default:
		return "Invalid frame."
	}
}

// handleAuth re-authenticates the connection. An absent token downgrades to
// guest traffic rather than erroring; only a present-but-invalid token is
// rejected, and the connection stays usable either way.
func (h *WebSocket) handleAuth(c *wsConn, frame *protocol.AuthFrame) {
	token := protocol.CleanText(frame.Token)
	if token == "" {
		c.authenticated = false
		c.userID = ""
		_ = c.sendJSON(protocol.NewReady(c.sessionID, false))
		return
	}

	claims, ok := h.verifyToken(token)
	if !ok {
		c.authenticated = false
		c.userID = ""
		_ = c.sendJSON(protocol.NewAssistantError("", "", protocol.CodeUnauthorized, "Token is invalid."))
		return
	}

	c.authenticated = true
	c.userID = claims.UserID
	_ = c.sendJSON(protocol.NewReady(c.sessionID, true))
}

// handleMessage admits one turn submission: validation, dedup replay,
// duplicate-requestId rejection, then asynchronous generation. All state
// checks happen here, before any asynchronous work, so a duplicate arriving
// during the model call is rejected immediately.
func (h *WebSocket) handleMessage(c *wsConn, frame *protocol.MessageFrame) {
	if code, detail := frame.Validate(); code != "" {
		errFrame := protocol.NewError(code, detail)
		errFrame.MessageID = protocol.CleanText(frame.MessageID)
		_ = c.sendJSON(errFrame)
		return
	}

	messageID := protocol.CleanText(frame.MessageID)
	requestID := protocol.CleanText(frame.RequestID)

	if entry := h.replyCache.Lookup(context.Background(), messageID); entry != nil {
		logger.Info(logger.SOCKET, "Replaying cached reply for message %s", messageID)
		go h.replayCached(c, frame, entry)
		return
	}

	if !c.tracker.Admit(requestID) {
		logger.Warn(logger.SOCKET, "Duplicate requestId %s on %s", requestID, c.sessionID)
		_ = c.sendJSON(protocol.NewAssistantError(requestID, messageID, protocol.CodeBadRequest, "Duplicate requestId."))
		return
	}

	conversationID := protocol.CleanText(frame.ConversationID)
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	go h.generate(c, frame, conversationID)
}

func (h *WebSocket) generate(c *wsConn, frame *protocol.MessageFrame, conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), generateTimeout)
	defer cancel()

	messageID := protocol.CleanText(frame.MessageID)
	requestID := protocol.CleanText(frame.RequestID)

	emit := newStreamEmitter(c.sendJSON, requestID, uuid.New().String())
	if err := emit.start(conversationID); err != nil {
		c.tracker.Finish(requestID)
		return
	}

	history, err := h.conversations.Recent(ctx, conversationID, historyWindow)
	if err != nil {
		logger.Warn(logger.SOCKET, "History load failed for %s: %v", conversationID, err)
		history = nil
	}

	_, _ = h.conversations.Append(ctx, conversation.Turn{
		ID:             messageID,
		ConversationID: conversationID,
		Role:           conversation.RoleCustomer,
		Content:        frame.Message,
		Images:         frame.Images,
	})

	reply, err := h.provider.Reply(ctx, assistant.Request{
		Message: frame.Message,
		Images:  frame.Images,
		Locale:  frame.Locale,
		History: history,
	})
	if err != nil {
		if assistant.IsTemporary(err) {
			logger.Warn(logger.SOCKET, "Temporary model error for request %s: %v", requestID, err)
		} else {
			logger.Error(logger.SOCKET, "Assistant error for request %s: %v", requestID, err)
		}
		_ = c.sendJSON(protocol.NewAssistantError(requestID, messageID, protocol.CodeInternal, "The assistant is temporarily unavailable."))
		c.tracker.Finish(requestID)
		return
	}

	if err := emit.deltas(reply); err != nil {
		c.tracker.Finish(requestID)
		return
	}
	_ = emit.end(protocol.FinishStop)
	c.tracker.Finish(requestID)

	if protocol.CleanText(reply) != "" {
		h.replyCache.Remember(ctx, messageID, conversationID, reply)
		_, _ = h.conversations.Append(ctx, conversation.Turn{
			ID:             emit.messageID,
			ConversationID: conversationID,
			Role:           conversation.RoleAssistant,
			Content:        reply,
		})
	}
}

// replayCached turns a dedup-cache hit into a synthetic stream so the
// client renders it through the same incremental path, without a second
// provider invocation.
func (h *WebSocket) replayCached(c *wsConn, frame *protocol.MessageFrame, entry *replycache.Entry) {
	requestID := protocol.CleanText(frame.RequestID)

	conversationID := entry.ConversationID
	if conversationID == "" {
		conversationID = protocol.CleanText(frame.ConversationID)
	}

	emit := newStreamEmitter(c.sendJSON, requestID, uuid.New().String())
	if err := emit.start(conversationID); err != nil {
		return
	}
	if err := emit.deltas(entry.ReplyText); err != nil {
		return
	}
	_ = emit.end(protocol.FinishStop)
}
