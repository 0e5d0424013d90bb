package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/valki/vichat/internal/auth"
	"github.com/valki/vichat/internal/protocol"
	"github.com/valki/vichat/internal/services/assistant"
	"github.com/valki/vichat/internal/services/conversation"
	"github.com/valki/vichat/internal/services/replycache"
)

// fakeProvider counts invocations and optionally blocks until released, so
// tests can interleave frames deterministically around a slow model call.
type fakeProvider struct {
	mu    sync.Mutex
	calls int
	reply string
	err   error
	gate  chan struct{}
}

func (p *fakeProvider) Reply(ctx context.Context, req assistant.Request) (string, error) {
	p.mu.Lock()
	p.calls++
	gate := p.gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reply, p.err
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newSocketTest(t *testing.T, provider assistant.Provider, opts ...Option) (*websocket.Conn, *replycache.Service) {
	t.Helper()

	cache := replycache.NewService(nil)
	handler := NewWebSocket(provider, conversation.NewMemoryStore(), cache, opts...)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, cache
}

func sendFrame(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	var frame map[string]interface{}
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return frame
}

func frameString(frame map[string]interface{}, key string) string {
	s, _ := frame[key].(string)
	return s
}

func expectReady(t *testing.T, conn *websocket.Conn, authenticated bool) {
	t.Helper()
	frame := readFrame(t, conn)
	if frameString(frame, "type") != protocol.TypeReady {
		t.Fatalf("Expected ready frame, got %v", frame)
	}
	if got, _ := frame["authenticated"].(bool); got != authenticated {
		t.Fatalf("Expected authenticated=%v, got %v", authenticated, frame)
	}
}

func messageFrame(messageID, requestID, text string) protocol.MessageFrame {
	return protocol.MessageFrame{
		V:         protocol.Version,
		Type:      protocol.TypeMessage,
		MessageID: messageID,
		RequestID: requestID,
		ClientID:  "client-1",
		Message:   text,
	}
}

func TestWebSocketStreamsReply(t *testing.T) {
	provider := &fakeProvider{reply: "Hello"}
	conn, _ := newSocketTest(t, provider)
	expectReady(t, conn, false)

	sendFrame(t, conn, messageFrame("m1", "r1", "hi"))

	start := readFrame(t, conn)
	if frameString(start, "type") != protocol.TypeAssistantStart {
		t.Fatalf("Expected start frame, got %v", start)
	}
	if frameString(start, "requestId") != "r1" {
		t.Errorf("Start frame carries wrong requestId: %v", start)
	}
	assistantMessageID := frameString(start, "messageId")
	if assistantMessageID == "" || assistantMessageID == "m1" {
		t.Errorf("Expected a fresh assistant messageId, got %q", assistantMessageID)
	}
	if frameString(start, "conversationId") == "" {
		t.Errorf("Expected a server-assigned conversationId, got %v", start)
	}

	var text string
	lastSeq := float64(0)
	for {
		frame := readFrame(t, conn)
		seq, _ := frame["seq"].(float64)
		if seq <= lastSeq {
			t.Errorf("Sequence not strictly increasing: %v after %v", seq, lastSeq)
		}
		lastSeq = seq
		if frameString(frame, "messageId") != assistantMessageID {
			t.Errorf("Stream frame switched messageId: %v", frame)
		}

		switch frameString(frame, "type") {
		case protocol.TypeAssistantDelta:
			text += frameString(frame, "delta")
		case protocol.TypeAssistantEnd:
			if frameString(frame, "finishReason") != protocol.FinishStop {
				t.Errorf("Expected finishReason stop, got %v", frame)
			}
			if text != "Hello" {
				t.Errorf("Expected assembled text %q, got %q", "Hello", text)
			}
			if provider.callCount() != 1 {
				t.Errorf("Expected one provider call, got %d", provider.callCount())
			}
			return
		default:
			t.Fatalf("Unexpected frame in stream: %v", frame)
		}
	}
}

func TestWebSocketChunksLongReply(t *testing.T) {
	reply := strings.Repeat("ab", 70) // 140 runes -> 64 + 64 + 12
	provider := &fakeProvider{reply: reply}
	conn, _ := newSocketTest(t, provider)
	expectReady(t, conn, false)

	sendFrame(t, conn, messageFrame("m1", "r1", "hi"))

	if frameString(readFrame(t, conn), "type") != protocol.TypeAssistantStart {
		t.Fatal("Expected start frame")
	}

	var text string
	deltas := 0
	for {
		frame := readFrame(t, conn)
		switch frameString(frame, "type") {
		case protocol.TypeAssistantDelta:
			deltas++
			text += frameString(frame, "delta")
		case protocol.TypeAssistantEnd:
			if deltas != 3 {
				t.Errorf("Expected 3 delta frames, got %d", deltas)
			}
			if text != reply {
				t.Errorf("Reassembled text does not match reply")
			}
			return
		}
	}
}

func TestWebSocketDuplicateRequestID(t *testing.T) {
	provider := &fakeProvider{reply: "Hello", gate: make(chan struct{})}
	conn, _ := newSocketTest(t, provider)
	expectReady(t, conn, false)

	// Same requestId, different messageId: the second must be rejected while
	// the first is still generating.
	sendFrame(t, conn, messageFrame("m1", "r1", "hi"))
	sendFrame(t, conn, messageFrame("m2", "r1", "hi again"))

	sawDuplicateError := false
	for !sawDuplicateError {
		frame := readFrame(t, conn)
		if frameString(frame, "type") != protocol.TypeAssistantError {
			continue
		}
		sawDuplicateError = true
		if frameString(frame, "code") != protocol.CodeBadRequest {
			t.Errorf("Expected %s, got %v", protocol.CodeBadRequest, frame)
		}
		if frameString(frame, "requestId") != "r1" {
			t.Errorf("Error frame carries wrong requestId: %v", frame)
		}
	}

	close(provider.gate)

	for {
		frame := readFrame(t, conn)
		if frameString(frame, "type") == protocol.TypeAssistantEnd {
			break
		}
	}
	if provider.callCount() != 1 {
		t.Errorf("Expected exactly one provider call, got %d", provider.callCount())
	}
}

func TestWebSocketAuth(t *testing.T) {
	verify := func(token string) (*auth.Claims, bool) {
		if token == "good" {
			return &auth.Claims{UserID: "user-1"}, true
		}
		return nil, false
	}

	t.Run("empty token downgrades to guest", func(t *testing.T) {
		conn, _ := newSocketTest(t, &fakeProvider{}, WithTokenVerifier(verify))
		expectReady(t, conn, false)

		sendFrame(t, conn, protocol.AuthFrame{V: protocol.Version, Type: protocol.TypeAuth})
		expectReady(t, conn, false)
	})

	t.Run("invalid token is rejected without closing", func(t *testing.T) {
		conn, _ := newSocketTest(t, &fakeProvider{}, WithTokenVerifier(verify))
		expectReady(t, conn, false)

		sendFrame(t, conn, protocol.AuthFrame{V: protocol.Version, Type: protocol.TypeAuth, Token: "bad"})
		frame := readFrame(t, conn)
		if frameString(frame, "type") != protocol.TypeAssistantError {
			t.Fatalf("Expected assistant error frame, got %v", frame)
		}
		if frameString(frame, "code") != protocol.CodeUnauthorized {
			t.Errorf("Expected %s, got %v", protocol.CodeUnauthorized, frame)
		}

		// The connection must stay usable for guest traffic.
		sendFrame(t, conn, protocol.PingFrame{V: protocol.Version, Type: protocol.TypePing, TS: 7})
		pong := readFrame(t, conn)
		if frameString(pong, "type") != protocol.TypePong {
			t.Errorf("Expected pong after rejected auth, got %v", pong)
		}
	})

	t.Run("valid token authenticates", func(t *testing.T) {
		conn, _ := newSocketTest(t, &fakeProvider{}, WithTokenVerifier(verify))
		expectReady(t, conn, false)

		sendFrame(t, conn, protocol.AuthFrame{V: protocol.Version, Type: protocol.TypeAuth, Token: "good"})
		expectReady(t, conn, true)
	})
}

func TestWebSocketCachedReplay(t *testing.T) {
	provider := &fakeProvider{reply: "should never be called"}
	conn, cache := newSocketTest(t, provider)
	cache.Remember(context.Background(), "m1", "conv-9", "Cached hello")
	expectReady(t, conn, false)

	sendFrame(t, conn, messageFrame("m1", "r2", "hi"))

	start := readFrame(t, conn)
	if frameString(start, "type") != protocol.TypeAssistantStart {
		t.Fatalf("Expected start frame, got %v", start)
	}
	if frameString(start, "conversationId") != "conv-9" {
		t.Errorf("Expected cached conversationId, got %v", start)
	}

	var text string
	for {
		frame := readFrame(t, conn)
		switch frameString(frame, "type") {
		case protocol.TypeAssistantDelta:
			text += frameString(frame, "delta")
		case protocol.TypeAssistantEnd:
			if text != "Cached hello" {
				t.Errorf("Expected cached text, got %q", text)
			}
			if provider.callCount() != 0 {
				t.Errorf("Cached replay must not invoke the provider, got %d calls", provider.callCount())
			}
			return
		}
	}
}

func TestWebSocketFrameErrors(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantCode string
	}{
		{"invalid JSON", "{broken", protocol.CodeInvalidJSON},
		{"unsupported version", `{"v":2,"type":"ping","ts":1}`, protocol.CodeUnsupportedVersion},
		{"unknown type", `{"v":1,"type":"subscribe"}`, protocol.CodeUnknownType},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			conn, _ := newSocketTest(t, &fakeProvider{})
			expectReady(t, conn, false)

			if err := conn.WriteMessage(websocket.TextMessage, []byte(tc.raw)); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			frame := readFrame(t, conn)
			if frameString(frame, "type") != protocol.TypeError {
				t.Fatalf("Expected error frame, got %v", frame)
			}
			if frameString(frame, "code") != tc.wantCode {
				t.Errorf("Expected %s, got %v", tc.wantCode, frame)
			}
		})
	}

	t.Run("oversized frame does not kill the connection", func(t *testing.T) {
		conn, _ := newSocketTest(t, &fakeProvider{})
		expectReady(t, conn, false)

		frame := messageFrame("m1", "r1", strings.Repeat("a", protocol.MaxFrameBytes))
		sendFrame(t, conn, frame)

		reply := readFrame(t, conn)
		if frameString(reply, "code") != protocol.CodePayloadTooLarge {
			t.Fatalf("Expected %s, got %v", protocol.CodePayloadTooLarge, reply)
		}

		sendFrame(t, conn, protocol.PingFrame{V: protocol.Version, Type: protocol.TypePing, TS: 9})
		pong := readFrame(t, conn)
		if frameString(pong, "type") != protocol.TypePong {
			t.Errorf("Expected pong after oversized frame, got %v", pong)
		}
	})
}

func TestWebSocketMessageValidation(t *testing.T) {
	tests := []struct {
		name     string
		frame    protocol.MessageFrame
		wantCode string
	}{
		{"missing messageId", messageFrame("", "r1", "hi"), protocol.CodeInvalidMessageID},
		{"missing requestId", messageFrame("m1", "", "hi"), protocol.CodeBadRequest},
		{"empty message", messageFrame("m1", "r1", "   "), protocol.CodeInvalidMessage},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			conn, _ := newSocketTest(t, &fakeProvider{})
			expectReady(t, conn, false)

			sendFrame(t, conn, tc.frame)
			frame := readFrame(t, conn)
			if frameString(frame, "type") != protocol.TypeError {
				t.Fatalf("Expected error frame, got %v", frame)
			}
			if frameString(frame, "code") != tc.wantCode {
				t.Errorf("Expected %s, got %v", tc.wantCode, frame)
			}
		})
	}
}

func TestWebSocketProviderFailure(t *testing.T) {
	provider := &fakeProvider{err: context.DeadlineExceeded}
	conn, _ := newSocketTest(t, provider)
	expectReady(t, conn, false)

	sendFrame(t, conn, messageFrame("m1", "r1", "hi"))

	if frameString(readFrame(t, conn), "type") != protocol.TypeAssistantStart {
		t.Fatal("Expected start frame before the failure")
	}
	frame := readFrame(t, conn)
	if frameString(frame, "type") != protocol.TypeAssistantError {
		t.Fatalf("Expected assistant error frame, got %v", frame)
	}
	if frameString(frame, "code") != protocol.CodeInternal {
		t.Errorf("Expected %s, got %v", protocol.CodeInternal, frame)
	}
}

func TestChunkText(t *testing.T) {
	if got := chunkText("", 4); got != nil {
		t.Errorf("Expected nil for empty text, got %v", got)
	}

	chunks := chunkText("héllo wörld", 4)
	var rebuilt string
	for _, chunk := range chunks {
		if count := len([]rune(chunk)); count > 4 {
			t.Errorf("Chunk %q exceeds the window", chunk)
		}
		rebuilt += chunk
	}
	if rebuilt != "héllo wörld" {
		t.Errorf("Chunks do not reassemble the input: %q", rebuilt)
	}
}
