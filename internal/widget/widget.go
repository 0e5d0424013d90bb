package widget

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/valki/vichat/internal/logger"
	"github.com/valki/vichat/internal/protocol"
)

var (
	// ErrBusy is returned when a send is requested while the active stream
	// cannot be aborted.
	ErrBusy = errors.New("widget: a send is already in flight")
	// ErrEmptyMessage is returned for a submission with neither text nor
	// attachments.
	ErrEmptyMessage = errors.New("widget: empty message")
	// ErrNoUploader is returned when attachments are supplied without an
	// upload collaborator.
	ErrNoUploader = errors.New("widget: no uploader configured")
)

// clearChatGrace bounds how long aborted-id markers survive a chat clear
// when no socket close arrives to prune them.
const clearChatGrace = time.Second

// Config wires a Widget to its collaborators.
type Config struct {
	URL            string
	Token          string
	ClientID       string
	AgentID        string
	Locale         string
	ConversationID string

	Sink     MessageSink
	Uploader Uploader
	History  HistoryStore

	// OnLoginPrompt opens the login overlay; hard marks a blocking prompt.
	OnLoginPrompt func(hard bool)

	Dialer      *websocket.Dialer
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Widget is the client side of the streaming protocol: it owns the
// connection, the singleton pending message, and the per-requestId
// reconciliation states. All mutable state is guarded by mu; transport and
// timer callbacks re-enter through it, which serialises the whole engine
// the way the original single-threaded UI loop did.
type Widget struct {
	mu   sync.Mutex
	conn *Conn

	sink          MessageSink
	uploader      Uploader
	history       HistoryStore
	copy          Copy
	onLoginPrompt func(hard bool)

	token          string
	clientID       string
	agentID        string
	locale         string
	conversationID string

	sending   bool
	pending   *PendingMessage
	streaming *streamState
	inFlight  map[string]*streamState

	abortedRequestIDs map[string]struct{}
	abortedMessageIDs map[string]struct{}

	clearingChat   bool
	clearChatTimer *time.Timer
}

func New(cfg Config) *Widget {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.New().String()
	}
	if cfg.History == nil {
		cfg.History = NewMemoryHistory()
	}

	w := &Widget{
		sink:              cfg.Sink,
		uploader:          cfg.Uploader,
		history:           cfg.History,
		copy:              CopyForLocale(cfg.Locale),
		onLoginPrompt:     cfg.OnLoginPrompt,
		token:             cfg.Token,
		clientID:          cfg.ClientID,
		agentID:           cfg.AgentID,
		locale:            cfg.Locale,
		conversationID:    cfg.ConversationID,
		inFlight:          make(map[string]*streamState),
		abortedRequestIDs: make(map[string]struct{}),
		abortedMessageIDs: make(map[string]struct{}),
	}

	w.conn = NewConn(ConnConfig{
		URL:         cfg.URL,
		Dialer:      cfg.Dialer,
		OnReady:     w.handleReady,
		OnMessage:   w.handleServerFrame,
		OnClose:     w.handleSocketClose,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
	})
	w.conn.SetToken(cfg.Token)
	return w
}

// Connect opens the transport eagerly. Ask connects on demand, so calling
// this is optional.
func (w *Widget) Connect() {
	w.conn.Connect("connect")
}

// Close tears the transport down and stops reconnecting.
func (w *Widget) Close(reason string) {
	w.conn.Close(reason)
}

// Conn exposes the connection manager, mainly for liveness pings.
func (w *Widget) Conn() *Conn {
	return w.conn
}

// SetToken installs a new bearer token and re-authenticates the connection.
func (w *Widget) SetToken(token string) {
	w.mu.Lock()
	w.token = token
	w.mu.Unlock()

	w.conn.SetToken(token)
	w.conn.SendAuth()
}

func (w *Widget) IsLoggedIn() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isLoggedIn()
}

func (w *Widget) isLoggedIn() bool {
	return w.token != ""
}

// ConversationID returns the active conversation id, which the server may
// assign on the first streamed turn.
func (w *Widget) ConversationID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conversationID
}

func (w *Widget) setConversationID(next string) {
	cleanID := protocol.CleanText(next)
	if cleanID == "" || cleanID == w.conversationID {
		return
	}
	w.conversationID = cleanID
}

// Ask submits one turn. At most one pending message may be outstanding: a
// concurrent ask first aborts the active stream or fails with ErrBusy.
// Attachments are uploaded before the payload is built; an upload failure
// surfaces as a user-visible error without ever enqueueing a send.
func (w *Widget) Ask(ctx context.Context, text string, attachments []Attachment) error {
	q := protocol.CleanText(text)

	w.mu.Lock()
	if w.sending {
		if !w.abortActiveStream("new-request") {
			w.mu.Unlock()
			return ErrBusy
		}
	}
	if q == "" && len(attachments) == 0 {
		w.mu.Unlock()
		return ErrEmptyMessage
	}
	if len(attachments) > 0 && w.uploader == nil {
		w.mu.Unlock()
		return ErrNoUploader
	}

	w.sending = true
	w.sink.AddMessage(RoleCustomer, q, nil)
	if !w.isLoggedIn() {
		// The customer turn is recorded before the upload so a failed upload
		// still leaves it in guest history.
		w.history.Append(HistoryEntry{Role: RoleCustomer, Text: q, Images: guestImageRefs(attachments)})
	}
	uploader := w.uploader
	w.mu.Unlock()

	var images []protocol.ImageRef
	if len(attachments) > 0 {
		uploaded, err := uploader.Upload(ctx, attachments)
		if err != nil {
			logger.Warn(logger.WIDGET, "Attachment upload failed: %v", err)
			w.mu.Lock()
			w.failSend("", w.copy.GenericError)
			w.mu.Unlock()
			return nil
		}
		images = uploaded
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	messageID := uuid.New().String()
	requestID := uuid.New().String()
	payload := protocol.MessageFrame{
		V:              protocol.Version,
		Type:           protocol.TypeMessage,
		MessageID:      messageID,
		RequestID:      requestID,
		ClientID:       w.clientID,
		ConversationID: w.conversationID,
		AgentID:        w.agentID,
		Locale:         w.locale,
		Message:        q,
		Images:         images,
	}

	state := w.initStreamingState(requestID)
	w.ensureTypingIndicator(state)

	w.pending = &PendingMessage{
		MessageID:   messageID,
		RequestID:   requestID,
		Payload:     payload,
		GuestImages: images,
	}

	w.conn.Connect("ensure")
	w.conn.SendPendingMessage(w.pending)
	return nil
}

// ClearChat aborts any active stream and resets the local conversation.
// Aborted-id markers are pruned after a grace period (or when the socket
// close confirms the server saw the disconnect).
func (w *Widget) ClearChat() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.abortActiveStream("clear-chat")
	w.pending = nil
	w.streaming = nil
	for requestID, state := range w.inFlight {
		w.cancelPlaceholder(state)
		w.cancelRenderTimer(state)
		w.removeTypingRow(state)
		delete(w.inFlight, requestID)
	}

	w.clearingChat = true
	if w.clearChatTimer != nil {
		w.clearChatTimer.Stop()
	}
	w.clearChatTimer = time.AfterFunc(clearChatGrace, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if !w.clearingChat {
			return
		}
		w.abortedRequestIDs = make(map[string]struct{})
		w.abortedMessageIDs = make(map[string]struct{})
		w.clearingChat = false
		w.clearChatTimer = nil
	})

	w.conn.Close("clear-chat")
	w.history.Clear()
	w.conversationID = ""
	w.sink.ClearMessages()
}

// guestImageRefs captures attachment metadata for guest history; public URLs
// only exist after the upload resolves.
func guestImageRefs(attachments []Attachment) []protocol.ImageRef {
	if len(attachments) == 0 {
		return nil
	}
	refs := make([]protocol.ImageRef, 0, len(attachments))
	for _, a := range attachments {
		refs = append(refs, protocol.ImageRef{Mime: a.Mime, Alt: a.Name})
	}
	return refs
}

func (w *Widget) resetSendState() {
	w.pending = nil
	w.sending = false
}

// failSend renders a user-visible failure for the current send and releases
// all of its state. Callers hold w.mu.
func (w *Widget) failSend(requestID, message string) {
	if message == "" {
		message = w.copy.GenericError
	}
	w.sink.AddMessage(RoleAssistant, message, nil)
	if !w.isLoggedIn() {
		w.history.Append(HistoryEntry{Role: RoleAssistant, Text: message})
	}
	w.resetSendState()
	if requestID != "" {
		w.clearStreamingState(requestID)
	}
}

// Transport callbacks.

func (w *Widget) handleReady(frame *protocol.ReadyFrame) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SendPendingMessage(w.pending)
}

func (w *Widget) handleSocketClose(reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending != nil {
		// A reconnect retries the pending message.
		w.pending.Sent = false
	}

	if w.clearingChat {
		if w.clearChatTimer != nil {
			w.clearChatTimer.Stop()
			w.clearChatTimer = nil
		}
		w.abortedRequestIDs = make(map[string]struct{})
		w.abortedMessageIDs = make(map[string]struct{})
		w.clearingChat = false
	}
	logger.Debug(logger.WIDGET, "Socket closed (%s)", reason)
}

func (w *Widget) handleServerFrame(frame interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch f := frame.(type) {
	case *protocol.StartFrame:
		w.handleAssistantStart(f)
	case *protocol.DeltaFrame:
		w.handleAssistantDelta(f)
	case *protocol.EndFrame:
		w.handleAssistantEnd(f)
	case *protocol.ErrorFrame:
		if f.Type == protocol.TypeAssistantError {
			w.handleAssistantError(f)
		} else {
			w.handleErrorFrame(f)
		}
	case *protocol.ReplyFrame:
		w.handleReply(f)
	}
}

// Stream event handlers. Callers hold w.mu.

func (w *Widget) handleAssistantStart(frame *protocol.StartFrame) {
	requestID := protocol.CleanText(frame.RequestID)
	if w.shouldIgnoreStreamEvent(requestID, protocol.TypeAssistantStart) {
		return
	}
	state := w.initStreamingState(requestID)
	if state == nil {
		return
	}
	state.assistantMessageID = protocol.CleanText(frame.MessageID)
	w.setConversationID(frame.ConversationID)
	state.started = true
	w.ensureTypingIndicator(state)
	w.schedulePlaceholder(state)
}

func (w *Widget) handleAssistantDelta(frame *protocol.DeltaFrame) {
	requestID := protocol.CleanText(frame.RequestID)
	if w.shouldIgnoreStreamEvent(requestID, protocol.TypeAssistantDelta) {
		return
	}
	state := w.initStreamingState(requestID)
	if state == nil {
		return
	}
	if frame.Seq <= state.lastSeq {
		// Stale or duplicated delivery.
		return
	}
	state.lastSeq = frame.Seq

	if !state.started {
		state.started = true
		w.ensureTypingIndicator(state)
	}
	w.cancelPlaceholder(state)
	state.pendingBuffer += frame.Delta
	w.scheduleStreamFlush(state)
}

func (w *Widget) handleAssistantEnd(frame *protocol.EndFrame) {
	requestID := protocol.CleanText(frame.RequestID)
	if w.shouldIgnoreStreamEvent(requestID, protocol.TypeAssistantEnd) {
		return
	}
	state := w.streaming
	if requestID != "" {
		// A terminal event for an unknown requestId must never touch the
		// active stream.
		state = w.inFlight[requestID]
	}
	if state == nil {
		w.resetSendState()
		return
	}
	state.ended = true
	state.finishReason = protocol.CleanText(frame.FinishReason)
	w.cancelPlaceholder(state)
	w.scheduleStreamFlush(state)
}

func (w *Widget) handleAssistantError(frame *protocol.ErrorFrame) {
	code := protocol.CleanText(frame.Code)
	requestID := protocol.CleanText(frame.RequestID)
	message := protocol.CleanText(frame.Message)
	if message == "" {
		message = w.copy.GenericError
	}
	if w.shouldIgnoreStreamEvent(requestID, protocol.TypeAssistantError) {
		return
	}

	state := w.streaming
	if requestID != "" {
		state = w.inFlight[requestID]
	}
	if state != nil {
		w.cancelPlaceholder(state)
	}

	if code == protocol.CodeUnauthorized {
		pendingMessageID := ""
		if w.pending != nil {
			pendingMessageID = w.pending.MessageID
		}
		w.handleErrorFrame(&protocol.ErrorFrame{Code: code, MessageID: pendingMessageID})
		w.clearStreamingState(requestID)
		return
	}

	if state != nil {
		w.cancelRenderTimer(state)
		w.removeTypingRow(state)
		state.text = message
		state.placeholderActive = false
		state.placeholderText = ""
		w.ensureBotRow(state, message)
		state.pendingBuffer = ""
		state.ended = true
		state.finishReason = protocol.FinishError
		if state.uiRow != nil {
			w.sink.UpdateMessageText(state.uiRow, message, false)
		}
		if !w.isLoggedIn() {
			w.history.Append(HistoryEntry{Role: RoleAssistant, Text: message})
		}
	} else if w.pending != nil {
		w.sink.AddMessage(RoleAssistant, message, nil)
		if !w.isLoggedIn() {
			w.history.Append(HistoryEntry{Role: RoleAssistant, Text: message})
		}
	} else {
		w.sink.AddMessage(RoleAssistant, message, nil)
	}

	w.resetSendState()
	w.clearStreamingState(requestID)
}

// handleErrorFrame covers pre-stream rejections. UNAUTHORIZED clears local
// credentials, prompts re-login, and resends the pending payload exactly
// once; everything else renders the generic failure copy.
func (w *Widget) handleErrorFrame(frame *protocol.ErrorFrame) {
	code := protocol.CleanText(frame.Code)
	messageID := protocol.CleanText(frame.MessageID)
	if messageID != "" && w.pending != nil && w.pending.MessageID != "" && messageID != w.pending.MessageID {
		return
	}

	if code == protocol.CodeUnauthorized {
		w.token = ""
		w.conn.SetToken("")
		w.conn.SetAuthenticated(false)
		if w.onLoginPrompt != nil {
			w.onLoginPrompt(false)
		}

		if w.pending != nil && !w.pending.UnauthorizedRetry {
			w.pending.Sent = false
			w.pending.UnauthorizedRetry = true
			w.conn.SendPendingMessage(w.pending)
			return
		}
		if w.pending == nil {
			return
		}
	}

	if w.pending != nil {
		if state := w.inFlight[w.pending.RequestID]; state != nil {
			w.removeTypingRow(state)
			w.clearStreamingState(w.pending.RequestID)
		}
	}

	w.sink.AddMessage(RoleAssistant, w.copy.GenericError, nil)
	if !w.isLoggedIn() {
		w.history.Append(HistoryEntry{Role: RoleAssistant, Text: w.copy.GenericError})
	}
	w.resetSendState()
}

// handleReply renders a non-streamed single-shot answer. Frames flagged as
// streamed were already rendered through the delta path.
func (w *Widget) handleReply(frame *protocol.ReplyFrame) {
	if frame.Streamed {
		return
	}
	reply := protocol.CleanText(frame.Reply)
	if reply == "" {
		reply = w.copy.NoResponse
	}

	messageID := protocol.CleanText(frame.MessageID)
	if messageID != "" {
		if _, aborted := w.abortedMessageIDs[messageID]; aborted {
			delete(w.abortedMessageIDs, messageID)
			return
		}
	}
	if messageID != "" && w.pending != nil && w.pending.MessageID != "" && messageID != w.pending.MessageID {
		return
	}
	w.setConversationID(frame.ConversationID)

	var guestImages []protocol.ImageRef
	if w.pending != nil {
		guestImages = w.pending.GuestImages
		if state := w.inFlight[w.pending.RequestID]; state != nil {
			w.removeTypingRow(state)
			w.clearStreamingState(w.pending.RequestID)
		}
	}

	w.sink.AddMessage(RoleAssistant, reply, nil)
	if !w.isLoggedIn() {
		w.history.Append(HistoryEntry{Role: RoleAssistant, Text: reply, Images: guestImages})
	}
	w.resetSendState()
}
