package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	walletcmd "github.com/eaglebank/wallet-service/internal/command"
	"github.com/eaglebank/wallet-service/internal/config"
	"github.com/eaglebank/wallet-service/internal/events"
	"github.com/eaglebank/wallet-service/internal/handler"
	"github.com/eaglebank/wallet-service/internal/logging"
	"github.com/eaglebank/wallet-service/internal/metrics"
	"github.com/eaglebank/wallet-service/internal/middleware"
	walletqry "github.com/eaglebank/wallet-service/internal/query"
	redisClient "github.com/eaglebank/wallet-service/internal/redis"
	"github.com/eaglebank/wallet-service/internal/repository"
)

func main() {
	cfg := config.Load()

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	// Database connection (write store)
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		logger.Fatal("failed to ping database", zap.Error(err))
	}

	// Redis connection (read model store + event streaming)
	redis, err := redisClient.NewClient(cfg.RedisAddr, "", 0)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redis.Close()

	// --- wiring ---
	registry := prometheus.NewRegistry()
	walletMetrics := metrics.New(registry)

	publisher := events.NewPublisher(redis.Client)

	writeRepo := repository.NewWalletRepository(db)
	if err := writeRepo.EnsureSchema(context.Background()); err != nil {
		logger.Fatal("failed to ensure schema", zap.Error(err))
	}
	store := repository.NewResilientStore(writeRepo)
	readRepo := repository.NewWalletReadRepository(db, redis.Client, logger)

	commandSvc := walletcmd.NewWalletCommandService(store, readRepo, publisher, walletMetrics, logger)
	querySvc := walletqry.NewWalletQueryService(readRepo)

	walletHandler := handler.NewWalletHandler(commandSvc, querySvc)

	// Setup router
	if cfg.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.LoggingMiddleware(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/wallet", walletHandler.ProcessOperation)
		v1.GET("/wallets/:walletId", walletHandler.GetBalance)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("wallet service starting", zap.String("port", cfg.Port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("failed to start server", zap.Error(err))
	}
}
