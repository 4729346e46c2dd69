package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/certpeak/service-purchase/internal/adapter"
	"github.com/certpeak/service-purchase/internal/application"
	"github.com/certpeak/service-purchase/internal/auth"
	"github.com/certpeak/service-purchase/internal/backend"
	"github.com/certpeak/service-purchase/internal/config"
	"github.com/certpeak/service-purchase/internal/database"
	"github.com/certpeak/service-purchase/internal/flow"
	"github.com/certpeak/service-purchase/internal/handler"
	"github.com/certpeak/service-purchase/internal/health"
	"github.com/certpeak/service-purchase/internal/kafka"
	"github.com/certpeak/service-purchase/internal/logger"
	"github.com/certpeak/service-purchase/internal/middleware"
	"github.com/certpeak/service-purchase/internal/provider"
	"github.com/certpeak/service-purchase/internal/repository"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// Initialize logger
	zapLogger, err := logger.NewNamed(cfg.AppEnv, "service-purchase")
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("starting service-purchase",
		zap.String("port", cfg.Port),
	)

	// Connect to database
	dbConfig := database.PostgresConfig{
		Host:     cfg.DBConfig.Host,
		Port:     cfg.DBConfig.Port,
		User:     cfg.DBConfig.User,
		Password: cfg.DBConfig.Password,
		DBName:   cfg.DBConfig.DBName,
		SSLMode:  cfg.DBConfig.SSLMode,
	}

	db, err := database.Connect(dbConfig, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	if err := db.AutoMigrate(&repository.FlowModel{}); err != nil {
		zapLogger.Fatal("failed to auto-migrate", zap.Error(err))
	}

	// Initialize JWT manager
	jwtManager := auth.NewJWTManager(
		cfg.JWTConfig.Secret,
		15*time.Minute,
		7*24*time.Hour,
	)

	// Initialize Kafka producer
	kafkaProducer := kafka.NewProducer(cfg.KafkaConfig.Brokers, zapLogger)
	defer kafkaProducer.Close()

	// Initialize the ledger backend client and provider config cache
	backendClient := backend.NewClient(cfg.BackendConfig.BaseURL, cfg.BackendConfig.Token, zapLogger)
	configCache := provider.NewConfigCache(backendClient, cfg.StripeConfig.PublishableFallback, zapLogger)

	// Initialize the card processor adapter. Development runs against
	// the mock so checkout works without provider credentials.
	var providerAdapter adapter.ProviderAdapter
	if cfg.AppEnv == "development" || cfg.StripeConfig.SecretKey == "" {
		providerAdapter = adapter.NewMockProviderAdapter(zapLogger)
	} else {
		providerAdapter = adapter.NewStripeAdapter(cfg.StripeConfig.SecretKey, zapLogger)
	}

	// Initialize repository and flow orchestration
	flowRepo := repository.NewFlowRepository(db)
	coordinator := flow.NewCoordinator(backendClient, providerAdapter, flowRepo, zapLogger)
	manualPathway := flow.NewManualPathway(backendClient, flowRepo, cfg.MaxReceiptBytes, zapLogger)

	// Initialize application service
	purchaseService := application.NewPurchaseService(
		coordinator,
		manualPathway,
		backendClient,
		configCache,
		flowRepo,
		kafkaProducer,
		zapLogger,
	)

	// Initialize HTTP handlers
	purchaseHandler := handler.NewPurchaseHandler(purchaseService, cfg.MaxReceiptBytes)
	adminHandler := handler.NewAdminPurchaseHandler(purchaseService)

	// Setup Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Apply global middleware
	router.Use(middleware.RecoveryMiddleware(zapLogger))
	router.Use(middleware.LoggerMiddleware(zapLogger))
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())

	// Register health check routes
	healthHandler := health.NewHandler(db, "service-purchase")
	healthHandler.RegisterRoutes(router)

	// Register purchase routes
	apiV1 := router.Group("/api/v1")
	purchaseHandler.RegisterRoutes(apiV1, jwtManager)
	adminHandler.RegisterRoutes(apiV1, jwtManager)

	// Create HTTP server
	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		zapLogger.Info("HTTP server starting", zap.String("addr", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("shutting down service-purchase...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("server forced to shutdown", zap.Error(err))
	}

	zapLogger.Info("service-purchase stopped")
}
