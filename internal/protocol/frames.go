package protocol

import (
	"encoding/json"
	"strings"
)

// Version is the wire protocol version tag carried by every frame.
const Version = 1

// MaxFrameBytes caps inbound transport messages. Oversized frames are
// rejected with PAYLOAD_TOO_LARGE rather than buffered.
const MaxFrameBytes = 64 * 1024

// Frame type tags.
const (
	TypeAuth           = "auth"
	TypePing           = "ping"
	TypeMessage        = "message"
	TypeReady          = "ready"
	TypePong           = "pong"
	TypeAssistantStart = "assistant.message.start"
	TypeAssistantDelta = "assistant.message.delta"
	TypeAssistantEnd   = "assistant.message.end"
	TypeAssistantError = "assistant.message.error"
	TypeError          = "error"
)

// Stable error codes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeInvalidMessageID   = "INVALID_MESSAGE_ID"
	CodeInvalidClientID    = "INVALID_CLIENT_ID"
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeInvalidJSON        = "INVALID_JSON"
	CodeUnsupportedVersion = "UNSUPPORTED_VERSION"
	CodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	CodeUnknownType        = "UNKNOWN_TYPE"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInternal           = "INTERNAL"
)

// Finish reasons carried by end frames.
const (
	FinishStop  = "stop"
	FinishError = "error"
)

// ImageRef is an uploaded image attached to a turn.
type ImageRef struct {
	URL  string `json:"url"`
	Mime string `json:"mime,omitempty"`
	Alt  string `json:"alt,omitempty"`
}

// Envelope is the discriminator decoded before the full frame.
type Envelope struct {
	V    int    `json:"v"`
	Type string `json:"type"`
}

// Client -> server frames.

type AuthFrame struct {
	V     int    `json:"v"`
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

type PingFrame struct {
	V    int    `json:"v"`
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

type MessageFrame struct {
	V              int        `json:"v"`
	Type           string     `json:"type"`
	MessageID      string     `json:"messageId"`
	RequestID      string     `json:"requestId"`
	ClientID       string     `json:"clientId"`
	ConversationID string     `json:"conversationId,omitempty"`
	AgentID        string     `json:"agentId,omitempty"`
	Locale         string     `json:"locale,omitempty"`
	Message        string     `json:"message,omitempty"`
	Images         []ImageRef `json:"images,omitempty"`
}

// Server -> client frames.

type ReadyFrame struct {
	V             int    `json:"v"`
	Type          string `json:"type"`
	SessionID     string `json:"sessionId"`
	Authenticated bool   `json:"authenticated"`
}

type PongFrame struct {
	V    int    `json:"v"`
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

type StartFrame struct {
	V              int    `json:"v"`
	Type           string `json:"type"`
	MessageID      string `json:"messageId"`
	RequestID      string `json:"requestId"`
	ConversationID string `json:"conversationId,omitempty"`
}

type DeltaFrame struct {
	V         int    `json:"v"`
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	RequestID string `json:"requestId"`
	Seq       int64  `json:"seq"`
	Delta     string `json:"delta"`
}

type EndFrame struct {
	V            int    `json:"v"`
	Type         string `json:"type"`
	MessageID    string `json:"messageId"`
	RequestID    string `json:"requestId"`
	Seq          int64  `json:"seq"`
	FinishReason string `json:"finishReason"`
}

// ErrorFrame covers both pre-stream "error" frames and
// "assistant.message.error" stream failures; Type distinguishes them.
type ErrorFrame struct {
	V         int    `json:"v"`
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	MessageID string `json:"messageId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// ReplyFrame is the non-streamed single-shot answer to a turn. Streamed
// turns set Streamed so clients that already rendered deltas skip it.
type ReplyFrame struct {
	V              int    `json:"v"`
	Type           string `json:"type"`
	MessageID      string `json:"messageId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Reply          string `json:"reply"`
	Streamed       bool   `json:"streamed,omitempty"`
}

func NewError(code, message string) ErrorFrame {
	return ErrorFrame{V: Version, Type: TypeError, Code: code, Message: message}
}

func NewAssistantError(requestID, messageID, code, message string) ErrorFrame {
	return ErrorFrame{
		V:         Version,
		Type:      TypeAssistantError,
		Code:      code,
		Message:   message,
		MessageID: messageID,
		RequestID: requestID,
	}
}

func NewReady(sessionID string, authenticated bool) ReadyFrame {
	return ReadyFrame{V: Version, Type: TypeReady, SessionID: sessionID, Authenticated: authenticated}
}

func NewPong(ts int64) PongFrame {
	return PongFrame{V: Version, Type: TypePong, TS: ts}
}

// CleanText trims whitespace, treating whitespace-only input as empty.
func CleanText(s string) string {
	return strings.TrimSpace(s)
}

// ParseClientFrame decodes one inbound frame into its typed shape. The
// second return is an error code ("" on success); malformed frames never
// reach the state machine.
func ParseClientFrame(raw []byte) (interface{}, string) {
	if len(raw) == 0 {
		return nil, CodeInvalidJSON
	}
	if len(raw) > MaxFrameBytes {
		return nil, CodePayloadTooLarge
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, CodeInvalidJSON
	}
	if env.V != Version {
		return nil, CodeUnsupportedVersion
	}

	switch CleanText(env.Type) {
	case TypeAuth:
		var frame AuthFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return nil, CodeInvalidJSON
		}
		return &frame, ""
	case TypePing:
		var frame PingFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return nil, CodeInvalidJSON
		}
		return &frame, ""
	case TypeMessage:
		var frame MessageFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return nil, CodeInvalidJSON
		}
		return &frame, ""
	default:
		return nil, CodeUnknownType
	}
}

// ParseServerFrame decodes one frame received by the widget. Unknown tags
// and foreign protocol versions return nil so callers can drop them
// silently.
func ParseServerFrame(raw []byte) interface{} {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil
	}
	if env.V != Version {
		return nil
	}

	decode := func(frame interface{}) interface{} {
		if err := json.Unmarshal(raw, frame); err != nil {
			return nil
		}
		return frame
	}

	switch env.Type {
	case TypeReady:
		return decode(&ReadyFrame{})
	case TypePong:
		return decode(&PongFrame{})
	case TypeAssistantStart:
		return decode(&StartFrame{})
	case TypeAssistantDelta:
		return decode(&DeltaFrame{})
	case TypeAssistantEnd:
		return decode(&EndFrame{})
	case TypeAssistantError, TypeError:
		return decode(&ErrorFrame{})
	case TypeMessage:
		return decode(&ReplyFrame{})
	default:
		return nil
	}
}

// Validate checks the required submission fields. It returns a stable error
// code and human-readable detail, or "" when the frame is acceptable.
func (f *MessageFrame) Validate() (string, string) {
	if CleanText(f.MessageID) == "" {
		return CodeInvalidMessageID, "messageId is required."
	}
	if CleanText(f.RequestID) == "" {
		return CodeBadRequest, "requestId is required."
	}
	if CleanText(f.ClientID) == "" {
		return CodeInvalidClientID, "clientId is required."
	}
	if CleanText(f.Message) == "" && len(f.Images) == 0 {
		return CodeInvalidMessage, "Message text or images are required."
	}
	return "", ""
}
