package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/config"
	"github.com/noah-isme/gema-chat/internal/database"
	"github.com/noah-isme/gema-chat/internal/handler"
	"github.com/noah-isme/gema-chat/internal/middleware"
	"github.com/noah-isme/gema-chat/internal/repository"
	"github.com/noah-isme/gema-chat/internal/router"
	"github.com/noah-isme/gema-chat/internal/service"
	"github.com/noah-isme/gema-chat/pkg/ai"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()
	if cfg.AppEnv == "development" {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	db, err := database.Open(cfg.StorageDriver, cfg.StorageDSN)
	if err != nil {
		log.Fatalf("failed to open chat store: %v", err)
	}

	store := repository.NewKVStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		log.Fatalf("failed to migrate chat store: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Close()
	}

	responder, err := ai.NewResponder(ai.Config{
		Provider:     cfg.AIProvider,
		OpenAIAPIKey: cfg.OpenAIAPIKey,
		Model:        cfg.AIModel,
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf("failed to configure ai provider: %v", err)
	}

	sink, err := service.NewTelemetrySink(cfg.TelemetrySink, redisClient, natsConn, cfg.ChannelBase, logger)
	if err != nil {
		log.Fatalf("failed to configure telemetry: %v", err)
	}

	validate := service.NewValidator()

	messageRepo := repository.NewMessageRepository(store)
	roomRepo := repository.NewRoomRepository(store)
	userRepo := repository.NewUserRepository(store)

	roomService := service.NewRoomService(roomRepo, validate, logger)
	if err := roomService.Load(context.Background()); err != nil {
		log.Fatalf("failed to load rooms: %v", err)
	}

	messageService := service.NewMessageService(messageRepo, roomService, validate, logger)
	sessionService := service.NewSessionService(userRepo, validate, cfg.JWTSecret, logger)
	historyService := service.NewHistoryService(messageRepo, validate, logger)

	chatService, err := service.NewChatService(sessionService, roomService, messageService, redisClient, service.ChatConfig{
		ChannelBase:    cfg.ChannelBase,
		LastMessageTTL: cfg.LastMessageTTL,
	}, logger)
	if err != nil {
		log.Fatalf("failed to create chat service: %v", err)
	}

	telemetry := service.NewTelemetryDispatcher(sink, cfg.TelemetryBuffer, logger)
	feedbackService := service.NewFeedbackService(messageService, telemetry, validate)

	coordinator := service.NewAITriggerCoordinator(responder, messageService, historyService, service.AITriggerConfig{
		ReplyDelay:   cfg.AIReplyDelay,
		Timeout:      cfg.AITimeout,
		HistoryLimit: cfg.AIHistoryLimit,
	}, logger)

	// Fan-out first so subscribers see a message before any reply it triggers.
	messageService.OnAppend(chatService.HandleMessage)
	messageService.OnAppend(coordinator.HandleMessage)
	messageService.OnAppend(telemetry.HandleMessage)
	messageService.OnDelete(chatService.HandleMessageDeleted)
	sessionService.OnPresence(chatService.HandlePresence)
	roomService.OnTeardown(coordinator.CancelRoom)
	roomService.OnTeardown(chatService.HandleRoomTeardown)

	runCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	telemetry.Start(runCtx)
	messageService.StartRetention(runCtx, cfg.RetentionMaxAgeDays, cfg.RetentionInterval)

	chatHandler := handler.NewChatHandler(handler.ChatServices{
		Chat:     chatService,
		Messages: messageService,
		Rooms:    roomService,
		History:  historyService,
		Sessions: sessionService,
		Feedback: feedbackService,
	}, validate, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AllowOrigins: cfg.CORSAllowOrigins})
	router.Register(app, cfg, router.Dependencies{
		ChatHandler:       chatHandler,
		ConnectionCounter: chatService,
		MemberMiddleware:  middleware.JWTProtected(cfg.JWTSecret),
		AdminMiddleware:   middleware.AdminGuard(cfg.JWTSecret),
		SendRateLimiter:   middleware.RateLimit("chat-send", cfg.SendRateLimit, cfg.SendRateWindow),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	logger.Info().
		Str("address", cfg.HTTPAddress()).
		Str("storage", cfg.StorageDriver).
		Str("ai_provider", cfg.AIProvider).
		Str("telemetry_sink", cfg.TelemetrySink).
		Msg("chat server started")

	waitForShutdown(app, coordinator, stopBackground, telemetry, logger)
}

func waitForShutdown(app *fiber.App, coordinator service.AITriggerCoordinator, stopBackground context.CancelFunc, telemetry service.TelemetryDispatcher, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	if err := coordinator.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Int("pending", coordinator.Pending()).Msg("ai dispatches still pending at shutdown")
	}

	stopBackground()
	telemetry.Wait()

	logger.Info().Msg("server stopped")
}
