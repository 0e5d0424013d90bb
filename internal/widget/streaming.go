package widget

import (
	"strings"
	"time"

	"github.com/valki/vichat/internal/logger"
	"github.com/valki/vichat/internal/protocol"
)

// Flush pacing is two-phase: the first phase flushes small chunks quickly so
// the opening paragraph appears fast, then once the text passes a paragraph
// boundary the rest phase flushes larger chunks on a longer interval to keep
// render churn down on long answers.
const (
	streamFlushFirst = 70 * time.Millisecond
	streamFlushRest  = 15 * time.Millisecond
	streamFirstChunk = 60
	streamRestChunk  = 800
	placeholderDelay = 350 * time.Millisecond
)

const (
	phaseFirst = "first"
	phaseRest  = "rest"
)

// streamState is the per-requestId reconciliation state. It is created on
// the first event referencing an unseen requestId and destroyed on finalize
// or abort. All fields are guarded by the owning Widget's lock; the timers
// are cancelled deterministically on every state transition.
type streamState struct {
	requestID          string
	assistantMessageID string
	started            bool
	ended              bool
	finalized          bool
	text               string
	pendingBuffer      string
	lastSeq            int64
	typingRow          Row
	uiRow              Row
	placeholderActive  bool
	placeholderText    string
	placeholderTimer   *time.Timer
	renderTimer        *time.Timer
	phase              string
	finishReason       string
}

func hasNonWhitespace(text string) bool {
	return strings.TrimSpace(text) != ""
}

func hasRealContent(state *streamState) bool {
	if state == nil {
		return false
	}
	return hasNonWhitespace(state.text) || hasNonWhitespace(state.pendingBuffer)
}

// initStreamingState returns the state for requestID, creating it if this is
// the first event for the request. Callers hold w.mu.
func (w *Widget) initStreamingState(requestID string) *streamState {
	cleanID := protocol.CleanText(requestID)
	if cleanID == "" {
		return nil
	}

	state, exists := w.inFlight[cleanID]
	if !exists {
		state = &streamState{
			requestID: cleanID,
			phase:     phaseFirst,
		}
		w.inFlight[cleanID] = state
	}
	w.streaming = state
	return state
}

// clearStreamingState releases the state for requestID, cancelling its
// timers. An empty requestID releases the active stream.
func (w *Widget) clearStreamingState(requestID string) {
	cleanID := protocol.CleanText(requestID)
	if cleanID == "" {
		if w.streaming == nil {
			return
		}
		cleanID = w.streaming.requestID
	}

	state := w.inFlight[cleanID]
	if state != nil && w.streaming == state {
		w.streaming = nil
	}
	w.removeTypingRow(state)
	w.cancelPlaceholder(state)
	w.cancelRenderTimer(state)
	delete(w.inFlight, cleanID)
}

// shouldIgnoreStreamEvent reports whether an event belongs to an aborted
// request. Terminal events consume the aborted marker so a later legitimate
// reuse of the id is not permanently blackholed.
func (w *Widget) shouldIgnoreStreamEvent(requestID, eventType string) bool {
	cleanID := protocol.CleanText(requestID)
	if cleanID == "" {
		return false
	}
	if _, aborted := w.abortedRequestIDs[cleanID]; !aborted {
		return false
	}
	if eventType == protocol.TypeAssistantEnd || eventType == protocol.TypeAssistantError {
		delete(w.abortedRequestIDs, cleanID)
	}
	return true
}

// abortActiveStream stops rendering for the active request. The abort is
// purely client-local: late events for the old request are swallowed via the
// aborted-id sets, and a placeholder-only row is removed entirely rather
// than left as an empty bubble.
func (w *Widget) abortActiveStream(reason string) bool {
	state := w.streaming
	if state == nil {
		return false
	}

	w.abortedRequestIDs[state.requestID] = struct{}{}
	if w.pending != nil && w.pending.MessageID != "" {
		w.abortedMessageIDs[w.pending.MessageID] = struct{}{}
	}

	if state.uiRow != nil && state.placeholderActive && !hasRealContent(state) {
		w.sink.RemoveRow(state.uiRow)
		state.uiRow = nil
		state.placeholderActive = false
		state.placeholderText = ""
	}

	w.removeTypingRow(state)
	w.cancelPlaceholder(state)
	w.cancelRenderTimer(state)
	delete(w.inFlight, state.requestID)
	w.streaming = nil

	if w.pending != nil && w.pending.RequestID == state.requestID {
		w.pending = nil
	}
	w.sending = false

	logger.Debug(logger.STREAM, "Aborted stream %s (%s)", state.requestID, reason)
	return true
}

func (w *Widget) ensureTypingIndicator(state *streamState) {
	if state == nil || state.typingRow != nil {
		return
	}
	state.typingRow = w.sink.AddTypingRow()
}

func (w *Widget) ensureBotRow(state *streamState, initialText string) {
	if state == nil || state.uiRow != nil {
		return
	}
	state.uiRow = w.sink.AddMessage(RoleAssistant, initialText, nil)
}

func (w *Widget) removeTypingRow(state *streamState) {
	if state == nil || state.typingRow == nil {
		return
	}
	w.sink.RemoveRow(state.typingRow)
	state.typingRow = nil
}

func (w *Widget) cancelPlaceholder(state *streamState) {
	if state == nil || state.placeholderTimer == nil {
		return
	}
	state.placeholderTimer.Stop()
	state.placeholderTimer = nil
}

func (w *Widget) cancelRenderTimer(state *streamState) {
	if state == nil || state.renderTimer == nil {
		return
	}
	state.renderTimer.Stop()
	state.renderTimer = nil
}

// schedulePlaceholder arms the delayed "checking sources" placeholder so
// fast answers never flash it.
func (w *Widget) schedulePlaceholder(state *streamState) {
	if state == nil {
		return
	}
	w.cancelPlaceholder(state)
	state.placeholderText = w.copy.CheckingSources
	state.placeholderTimer = time.AfterFunc(placeholderDelay, func() {
		w.placeholderFired(state)
	})
}

func (w *Widget) placeholderFired(state *streamState) {
	w.mu.Lock()
	defer w.mu.Unlock()

	active := w.streaming
	if active == nil || active != state || active.requestID != state.requestID {
		return
	}
	if active.ended || active.finalized {
		return
	}
	if _, aborted := w.abortedRequestIDs[active.requestID]; aborted {
		return
	}
	if hasRealContent(active) {
		return
	}

	w.ensureBotRow(active, state.placeholderText)
	if active.uiRow == nil {
		return
	}
	w.sink.UpdateMessageText(active.uiRow, state.placeholderText, true)
	active.placeholderActive = true
}

func (w *Widget) scheduleStreamFlush(state *streamState) {
	if state == nil || state.renderTimer != nil {
		return
	}
	delay := streamFlushFirst
	if state.phase == phaseRest {
		delay = streamFlushRest
	}
	state.renderTimer = time.AfterFunc(delay, func() {
		w.flushFired(state)
	})
}

func (w *Widget) flushFired(state *streamState) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.inFlight[state.requestID] != state || state.finalized {
		return
	}
	state.renderTimer = nil
	w.flushStream(state)
}

// flushStream commits one paced chunk from the pending buffer to the UI row
// and either reschedules itself or finalizes a drained, ended stream.
func (w *Widget) flushStream(state *streamState) {
	if state == nil || state.finalized {
		return
	}

	if state.pendingBuffer != "" {
		chunkSize := streamFirstChunk
		if state.phase == phaseRest {
			chunkSize = streamRestChunk
		}
		chunk, rest := takeRunes(state.pendingBuffer, chunkSize)
		state.text += chunk
		state.pendingBuffer = rest
	}

	if strings.Contains(state.text, "\n\n") {
		state.phase = phaseRest
	}

	if hasNonWhitespace(state.text) {
		w.ensureBotRow(state, state.text)
		w.sink.UpdateMessageText(state.uiRow, state.text, true)
	}

	if state.pendingBuffer != "" {
		w.scheduleStreamFlush(state)
		return
	}
	if state.ended {
		w.finalizeStreaming(state)
	}
}

// finalizeStreaming commits the stream's terminal rendered state and
// releases its tracking state. It is idempotent.
func (w *Widget) finalizeStreaming(state *streamState) {
	if state == nil || state.finalized {
		return
	}
	state.finalized = true

	w.removeTypingRow(state)
	w.cancelPlaceholder(state)
	w.cancelRenderTimer(state)

	finalText := state.text
	if !hasNonWhitespace(finalText) {
		if state.finishReason == protocol.FinishError {
			finalText = w.copy.GenericError
		} else {
			finalText = w.copy.NoResponse
		}
		state.text = finalText
	}

	if state.uiRow == nil {
		state.uiRow = w.sink.AddMessage(RoleAssistant, finalText, nil)
	} else {
		w.sink.UpdateMessageText(state.uiRow, finalText, false)
	}

	if !w.isLoggedIn() {
		var images []protocol.ImageRef
		if w.pending != nil && w.pending.RequestID == state.requestID {
			images = w.pending.GuestImages
		}
		w.history.Append(HistoryEntry{Role: RoleAssistant, Text: finalText, Images: images})
	}

	if w.pending != nil && w.pending.RequestID == state.requestID {
		w.pending = nil
	}
	w.resetSendState()
	w.clearStreamingState(state.requestID)
}

// takeRunes splits text after at most n runes, never inside a multibyte
// character.
func takeRunes(text string, n int) (string, string) {
	count := 0
	for i := range text {
		if count == n {
			return text[:i], text[i:]
		}
		count++
	}
	return text, ""
}
