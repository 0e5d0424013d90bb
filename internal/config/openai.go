package config

import "github.com/valki/vichat/internal/logger"

// GetOpenAIKey returns the OpenAI API key, or empty when not configured.
func GetOpenAIKey() string {
	value := GetEnvOrDefault("OPENAI_KEY", "")
	if value == "" {
		logger.Warn(logger.CONFIG, "OPENAI_KEY environment variable not set")
	}
	return value
}

// GetOpenAIModel returns the chat model used for assistant replies.
func GetOpenAIModel() string {
	return GetEnvOrDefault("OPENAI_MODEL", "gpt-4o-mini")
}
