package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nandankmr/pulse-api/internal/auth"
	"github.com/nandankmr/pulse-api/internal/chat"
	"github.com/nandankmr/pulse-api/internal/config"
	"github.com/nandankmr/pulse-api/internal/db"
	"github.com/nandankmr/pulse-api/internal/message"
	"github.com/nandankmr/pulse-api/internal/presence"
	"github.com/nandankmr/pulse-api/internal/push"
	"github.com/nandankmr/pulse-api/internal/user"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	var logger *zap.Logger
	if cfg.Development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	// Platform layer: PostgreSQL, optional Redis backplane, optional Kafka.
	database, err := db.NewDatabase(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalw("failed to connect to database", "err", err)
	}
	log.Info("connected to PostgreSQL")

	if err := database.AutoMigrate(); err != nil {
		log.Fatalw("migration failed", "err", err)
	}
	log.Info("database schema initialized")

	var backplane chat.Backplane
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
			log.Fatalw("failed to connect to Redis", "err", err)
		}
		log.Infow("connected to Redis", "addr", cfg.RedisAddr)
		backplane = chat.NewRedisBackplane(redisClient, "chat:broadcast", log)
	} else {
		log.Info("no REDIS_ADDR set, running single-process broadcast")
	}

	// User feature.
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	userHandler := user.NewHandler(userService)
	directory := user.NewDirectory(userRepo)

	// Auth: local self-issued tokens or an external identity provider.
	var verifier auth.ProviderVerifier
	if cfg.AuthProvider == config.ProviderExternal {
		verifier = auth.NewTokenInfoVerifier(cfg.ProviderTokenInfoURL)
	}
	authenticator := auth.NewAuthenticator(cfg.AuthProvider, cfg.JWTSecret, verifier, directory, log)
	authMiddleware := auth.NewMiddleware(authenticator)

	// Push fan-out, enabled when brokers are configured.
	tokenRepo := push.NewTokenRepository(database.Conn)
	var dispatcher message.Dispatcher
	if len(cfg.KafkaBrokers) > 0 {
		kd := push.NewKafkaDispatcher(cfg.KafkaBrokers, cfg.PushTopic, tokenRepo, log)
		defer kd.Close()
		dispatcher = kd
		log.Infow("push dispatch enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.PushTopic)
	}
	pushHandler := push.NewHandler(tokenRepo)

	// Realtime core.
	hub := chat.NewHub(backplane, log)
	go hub.Run()
	if backplane != nil {
		go hub.SubscribeBackplane(context.Background())
	}

	// Message pipeline. REST and socket sends flow through the same service,
	// so both broadcast through the hub identically.
	msgRepo := message.NewRepository(database.Conn)
	msgService := message.NewService(msgRepo, hub, dispatcher, log)
	msgHandler := message.NewHandler(msgService, msgRepo, log)

	registry := presence.NewRegistry()
	chatHandler := chat.NewHandler(hub, authenticator, registry, msgService, msgRepo, log)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public routes.
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	// Protected routes.
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)

		r.Get("/ws", chatHandler.ServeWs)
		r.Get("/api/presence", chatHandler.OnlineUsers)

		r.Post("/api/conversations", msgHandler.StartConversation)
		r.Get("/api/conversations/{id}/unread", msgHandler.UnreadCount)
		r.Get("/api/messages", msgHandler.GetChatHistory)
		r.Post("/api/messages", msgHandler.SendMessage)
		r.Patch("/api/messages/{id}", msgHandler.EditMessage)
		r.Delete("/api/messages/{id}", msgHandler.DeleteMessage)
		r.Post("/api/messages/read", msgHandler.MarkRead)

		r.Post("/api/groups", msgHandler.CreateGroup)
		r.Post("/api/groups/{id}/members", msgHandler.AddGroupMember)

		r.Post("/api/devices", pushHandler.RegisterDevice)
		r.Delete("/api/devices/{token}", pushHandler.RemoveDevice)
	})

	log.Infow("server starting", "addr", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, r); err != nil {
		log.Fatalw("server stopped", "err", err)
	}
}
