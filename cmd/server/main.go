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
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/yourorg/marketsync/internal/client"
	"github.com/yourorg/marketsync/internal/config"
	"github.com/yourorg/marketsync/internal/handler"
	"github.com/yourorg/marketsync/internal/middleware"
	"github.com/yourorg/marketsync/internal/notifier"
	"github.com/yourorg/marketsync/internal/repository"
	"github.com/yourorg/marketsync/internal/service"
)

func main() {
	cfg, err := config.LoadConfig("./config")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := createLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting market sync service",
		zap.String("venue", cfg.Venue.Name),
		zap.Int("port", cfg.Server.Port))

	// Stores
	var candleStore service.CandleStore
	var ruleStore service.RuleStore
	if cfg.Database.Driver == "memory" {
		logger.Warn("Running with in-memory stores, data will not survive restart")
		candleStore = repository.NewMemoryCandleStore()
		ruleStore = repository.NewMemoryRuleStore()
	} else {
		db, err := connectToDB(&cfg.Database)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		candleStore = repository.NewCandleRepository(db, logger)
		ruleStore = repository.NewRuleRepository(db, logger)
	}

	// Venue API client behind the shared rate limiter
	limiter := client.NewRateLimiter(cfg.Venue.WeightBudget, cfg.Venue.WeightWindow, cfg.Venue.BlockThreshold, logger)
	venueClient := client.NewVenueClient(cfg.Venue.BaseURL, cfg.Venue.UsageHeader, cfg.Venue.Timeout, limiter, logger)

	// Core services
	aggregator := service.NewAggregationService(candleStore, logger)
	marketData := service.NewMarketDataService(candleStore, aggregator, logger)
	backfill := service.NewBackfillService(venueClient, marketData, candleStore, cfg.Venue.Name, service.BackfillOptions{
		ProbeStep:       cfg.Backfill.ProbeStep,
		MaxLookback:     cfg.Backfill.MaxLookback,
		PageSize:        cfg.Backfill.PageSize,
		EndRefreshPages: cfg.Backfill.EndRefreshPages,
		EndRefreshAfter: cfg.Backfill.EndRefreshAfter,
		MaxRetries:      cfg.Backfill.MaxRetries,
	}, logger)

	// Realtime feed, one client per asset class
	cryptoFeed := client.NewFeedClient(cfg.Feed.URL, cfg.Feed.APIKey, cfg.Feed.ReconnectDelay, cfg.Feed.HandshakeTimeout, logger)
	feeds := map[string]service.Feed{"crypto": cryptoFeed}
	symbolSet := service.NewSymbolSetService(ruleStore, candleStore, marketData, feeds, cfg.Evaluation.SweepInterval, logger)
	symbolSet.Start()

	// Rule evaluation
	kafkaNotifier := notifier.NewKafkaNotifier(cfg.Notification.Brokers, cfg.Notification.Topic, logger)
	tradeClient := client.NewTradeClient(cfg.Execution.BaseURL, cfg.Execution.Timeout, logger)
	subscriptions := service.NewSubscriptionRegistry()
	evaluation := service.NewEvaluationService(ruleStore, candleStore, subscriptions, kafkaNotifier, tradeClient, cfg.Evaluation.SweepInterval, logger)
	evaluation.Start()

	router := setupRouter(cfg, logger, marketData, backfill, ruleStore, symbolSet, subscriptions)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()
	logger.Info("Server started", zap.Int("port", cfg.Server.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	evaluation.Stop()
	symbolSet.Stop()
	backfill.Shutdown()
	if err := kafkaNotifier.Close(); err != nil {
		logger.Warn("Failed to close notifier", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// createLogger builds the zap logger per configuration
func createLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zapCfg.Build()
}

// connectToDB establishes the database connection pool
func connectToDB(cfg *config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// setupRouter configures the gin router and routes
func setupRouter(
	cfg *config.Config,
	logger *zap.Logger,
	marketData *service.MarketDataService,
	backfill *service.BackfillService,
	ruleStore service.RuleStore,
	symbolSet *service.SymbolSetService,
	subscriptions *service.SubscriptionRegistry,
) *gin.Engine {
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})

	marketDataHandler := handler.NewMarketDataHandler(marketData, logger)
	backfillHandler := handler.NewBackfillHandler(backfill, logger)
	ruleHandler := handler.NewRuleHandler(ruleStore, symbolSet, logger)
	subscriptionHandler := handler.NewSubscriptionHandler(subscriptions, logger)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/market-data/candles", marketDataHandler.GetCandles)

		v1.POST("/backfills", backfillHandler.StartBackfill)
		v1.GET("/backfills", backfillHandler.ListBackfills)
		v1.GET("/backfills/:id", backfillHandler.GetBackfill)
		v1.DELETE("/backfills/:id", backfillHandler.CancelBackfill)

		v1.POST("/rules", ruleHandler.CreateRule)
		v1.GET("/rules", ruleHandler.ListRules)

		v1.POST("/subscriptions", subscriptionHandler.CreateSubscription)
		v1.DELETE("/subscriptions/:id", subscriptionHandler.DeleteSubscription)
	}

	return router
}
