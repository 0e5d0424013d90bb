package assistant

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
	"github.com/valki/vichat/internal/config"
	infra "github.com/valki/vichat/internal/infrastructure/openai"
	"github.com/valki/vichat/internal/logger"
	"github.com/valki/vichat/internal/protocol"
	"github.com/valki/vichat/internal/services/conversation"
)

// Request carries everything the provider needs to produce one reply.
type Request struct {
	Message string
	Images  []protocol.ImageRef
	Locale  string
	History []conversation.Turn
}

// Provider is the assistant-generation capability the streaming core
// consumes. Implementations may fail with TemporaryError for transient
// model-side conditions.
type Provider interface {
	Reply(ctx context.Context, req Request) (string, error)
}

// TemporaryError marks a transient model failure. The server still resolves
// the request to a terminal state so a fresh retry is possible.
type TemporaryError struct {
	Err error
}

func (e *TemporaryError) Error() string {
	return fmt.Sprintf("temporary model error: %v", e.Err)
}

func (e *TemporaryError) Unwrap() error {
	return e.Err
}

// IsTemporary reports whether err is a transient model failure.
func IsTemporary(err error) bool {
	var temp *TemporaryError
	return errors.As(err, &temp)
}

const systemPrompt = "You are Valki, the assistant behind the ViChat support widget. " +
	"Answer briefly and helpfully. If the user attached images, describe what is relevant to their question."

// Service generates replies with the OpenAI chat API.
type Service struct {
	client *openai.Client
	model  string
}

func NewService(openAIService *infra.Service) (*Service, error) {
	if openAIService == nil {
		return nil, fmt.Errorf("OpenAI service is required")
	}

	return &Service{
		client: openAIService.GetClient(),
		model:  config.GetOpenAIModel(),
	}, nil
}

func (s *Service) Reply(ctx context.Context, req Request) (string, error) {
	logger.Debug(logger.CHAT, "Generating reply with %d context turns", len(req.History))

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})

	for _, turn := range req.History {
		role := openai.ChatMessageRoleUser
		if turn.Role == conversation.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: turn.Content,
		})
	}

	messages = append(messages, userMessage(req))

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    s.model,
		Messages: messages,
	})
	if err != nil {
		return "", classifyError(err)
	}

	if len(resp.Choices) == 0 {
		return "", nil
	}
	return protocol.CleanText(resp.Choices[0].Message.Content), nil
}

func userMessage(req Request) openai.ChatCompletionMessage {
	text := protocol.CleanText(req.Message)

	if len(req.Images) == 0 {
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: text,
		}
	}

	parts := make([]openai.ChatMessagePart, 0, len(req.Images)+1)
	if text != "" {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: text,
		})
	}
	for _, image := range req.Images {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL: image.URL,
			},
		})
	}

	return openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: parts,
	}
}

func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= http.StatusInternalServerError {
			return &TemporaryError{Err: err}
		}
		return err
	}

	// Network-level failures are retryable from the caller's perspective.
	return &TemporaryError{Err: err}
}
