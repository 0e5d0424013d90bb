package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/valki/vichat/internal/config"
	"github.com/valki/vichat/internal/handlers"
	"github.com/valki/vichat/internal/infrastructure/openai"
	"github.com/valki/vichat/internal/infrastructure/redis"
	"github.com/valki/vichat/internal/middleware"
	"github.com/valki/vichat/internal/services/assistant"
	"github.com/valki/vichat/internal/services/conversation"
	"github.com/valki/vichat/internal/services/replycache"
)

func main() {
	log.Info().Msg("Initializing core services")

	redisService := redis.NewService()
	replyCache := replycache.NewService(redisService)
	conversations := conversation.NewMemoryStore()

	openAIService := openai.NewService()
	if openAIService == nil {
		log.Fatal().Msg("Failed to initialize OpenAI service - service is required for core functionality")
	}

	provider, err := assistant.NewService(openAIService)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize assistant service")
	}

	r := setupRouter(provider, conversations, replyCache)

	addr := config.GetListenAddr()
	log.Info().Str("addr", addr).Msg("Server starting")
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatal().Err(err).Msg("ListenAndServe error")
	}
}

func setupRouter(provider assistant.Provider, conversations conversation.Store, replyCache *replycache.Service) *mux.Router {
	wsHandler := handlers.NewWebSocket(provider, conversations, replyCache)
	chatHandler := handlers.NewChat(provider, conversations, replyCache)

	r := mux.NewRouter()
	r.Use(middleware.RateLimit("global"))
	r.Handle("/ws", wsHandler)
	r.Handle("/api/message",
		middleware.RateLimit("chat_message")(http.HandlerFunc(chatHandler.HandleMessage)),
	).Methods("POST")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}
