package handlers

import (
	"github.com/valki/vichat/internal/protocol"
)

// chunkWindow bounds each delta slice so the client's incremental-render
// path is exercised identically whether the reply is live or replayed from
// the cache.
const chunkWindow = 64

// streamEmitter writes one request's ordered event sequence with strictly
// increasing per-request sequence numbers.
type streamEmitter struct {
	send      func(v interface{}) error
	requestID string
	messageID string
	seq       int64
}

func newStreamEmitter(send func(v interface{}) error, requestID, assistantMessageID string) *streamEmitter {
	return &streamEmitter{
		send:      send,
		requestID: requestID,
		messageID: assistantMessageID,
	}
}

func (e *streamEmitter) start(conversationID string) error {
	return e.send(protocol.StartFrame{
		V:              protocol.Version,
		Type:           protocol.TypeAssistantStart,
		MessageID:      e.messageID,
		RequestID:      e.requestID,
		ConversationID: conversationID,
	})
}

// deltas splits text into bounded slices and emits one delta frame per
// slice. Splitting is rune-aligned so multibyte characters never straddle
// two frames.
func (e *streamEmitter) deltas(text string) error {
	for _, chunk := range chunkText(text, chunkWindow) {
		e.seq++
		err := e.send(protocol.DeltaFrame{
			V:         protocol.Version,
			Type:      protocol.TypeAssistantDelta,
			MessageID: e.messageID,
			RequestID: e.requestID,
			Seq:       e.seq,
			Delta:     chunk,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *streamEmitter) end(finishReason string) error {
	e.seq++
	return e.send(protocol.EndFrame{
		V:            protocol.Version,
		Type:         protocol.TypeAssistantEnd,
		MessageID:    e.messageID,
		RequestID:    e.requestID,
		Seq:          e.seq,
		FinishReason: finishReason,
	})
}

func chunkText(text string, size int) []string {
	if text == "" {
		return nil
	}

	runes := []rune(text)
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
