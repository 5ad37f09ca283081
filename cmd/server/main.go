package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"tutor_chat/internal/config"
	"tutor_chat/internal/handler"
	"tutor_chat/internal/hub"
	"tutor_chat/internal/middleware"
	"tutor_chat/internal/repository"
	"tutor_chat/internal/service"
	"tutor_chat/pkg/logger"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Инициализация логгера
	appLogger := logger.New(cfg.Log.Level)

	// Подключение к PostgreSQL
	dbPool, err := pgxpool.New(context.Background(), cfg.Database.DSN)
	if err != nil {
		appLogger.Fatal("Failed to connect to database", "error", err)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(context.Background()); err != nil {
		appLogger.Fatal("Failed to ping database", "error", err)
	}
	appLogger.Info("Database connection established")

	// Подключение к Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		appLogger.Fatal("Failed to connect to Redis", "error", err)
	}
	appLogger.Info("Redis connection established")

	// Realtime-хаб с Redis-мостом между инстансами
	chatHub := hub.New(rdb, cfg.Chat.EventsChannel, appLogger)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	go chatHub.Run(hubCtx)

	// Репозитории и сервисы
	repos := repository.NewRepositories(dbPool, rdb, appLogger)
	services := service.NewServices(repos, chatHub, appLogger)

	// Middleware
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT, appLogger)
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(
		services.RateLimit, cfg.Chat.SendRateLimit, cfg.Chat.SendRateWindow, appLogger,
	)

	// Handlers и роутер
	handlers := handler.NewHandlers(services, chatHub, cfg, appLogger)
	router := setupRouter(handlers, authMiddleware, rateLimitMiddleware, cfg, appLogger)

	// Запуск HTTP сервера
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		appLogger.Info("Starting server", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Ожидание сигнала для graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	hubCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Fatal("Server forced to shutdown", "error", err)
	}

	appLogger.Info("Server exited")
}

func setupRouter(
	handlers *handler.Handlers,
	authMiddleware *middleware.AuthMiddleware,
	rateLimitMiddleware *middleware.RateLimitMiddleware,
	cfg *config.Config,
	log logger.Logger,
) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.ErrorHandler())

	// Health check
	router.GET("/health", handlers.Health.Check)

	// API v1
	v1 := router.Group("/api/v1")
	v1.Use(authMiddleware.RequireAuth())
	{
		v1.GET("/chats", handlers.Chat.GetChats)
		v1.GET("/chats/summaries", handlers.Chat.GetSummaries)
		v1.POST("/chats/seen", handlers.Chat.MarkSeen)
		v1.POST("/chat", rateLimitMiddleware.Limit(), handlers.Chat.SendMessage)
		v1.PATCH("/chat", handlers.Chat.UpdateAppointmentStatus)
		v1.GET("/users", handlers.User.GetByIDs)
	}

	// WebSocket endpoint для realtime-доставки (токен через query)
	router.GET("/ws/chat", authMiddleware.RequireAuth(), handlers.WebSocket.HandleChat)

	return router
}
