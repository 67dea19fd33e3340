package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go_chart_stream/config"
	"go_chart_stream/models"
	"go_chart_stream/scheduler"
	"go_chart_stream/services"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// shutdownDeadline is the hard cap on the cooperative drain; past it
// the process exits regardless of outstanding work.
const shutdownDeadline = 10 * time.Second

func main() {
	log.Println("==============================================")
	log.Println("  Chart Stream Ingestion - Starting...")
	log.Println("==============================================")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Config load failed: %v", err)
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := config.InitDB(cfg)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}

	log.Println("Running database migrations...")
	if err := models.MigrateMarketModels(db); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	// Storage, API client, buffer.
	store := services.NewCandleStore(db)
	limiter := services.NewRateLimiter(services.DefaultRateLimiterOptions())
	tdClient := services.NewTwelveDataClient(cfg.TwelveDataAPIKey, limiter)
	buffer := services.NewCandleBuffer(store, store, services.DefaultBufferOptions())

	// Fan-out: in-process bus or Redis relay, chosen once here.
	pubsub, err := services.NewPubSub(cfg.UseRedis, cfg.RedisURL)
	if err != nil {
		log.Fatalf("PubSub init failed: %v", err)
	}

	hub := services.NewBroadcaster(pubsub)
	go hub.Run()

	// Live ingestion path.
	ingestor := services.NewIngestor(buffer, pubsub)
	feed := services.NewTickFeed(
		cfg.TwelveDataWSURL+"?apikey="+cfg.TwelveDataAPIKey,
		cfg.StreamSymbols,
		ingestor.HandleTick,
	)
	feedCtx, stopFeed := context.WithCancel(context.Background())
	go feed.Run(feedCtx)

	// Startup gap reconciliation, in the background.
	syncService := services.NewSyncService(store, tdClient)
	go syncService.SyncAll(context.Background(), cfg.StreamSymbols)

	// Sentiment store is optional; polling runs either way.
	var sentiment *services.SentimentService
	var sentimentStore *services.SentimentStore
	if cfg.MongoURI != "" {
		sentimentStore, err = services.NewSentimentStore(context.Background(), cfg.MongoURI)
		if err != nil {
			log.Printf("MongoDB not available, sentiment indices disabled: %v", err)
		} else {
			sentiment = services.NewSentimentService(sentimentStore)
		}
	} else {
		log.Println("MONGODB_URI not set, sentiment indices disabled")
	}

	var jobScheduler *scheduler.Scheduler
	if sentiment != nil {
		jobScheduler = scheduler.NewScheduler(tdClient, buffer, sentiment, nil)
	} else {
		jobScheduler = scheduler.NewScheduler(tdClient, buffer, nil, nil)
	}
	jobScheduler.Start()

	// Operational HTTP surface.
	router := gin.New()
	router.Use(gin.Recovery())
	setupRoutes(router, db, buffer, hub)

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Server listening on 0.0.0.0:%s", cfg.Port)
		log.Println("==============================================")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	waitForShutdown(func() {
		// Stop producers, drain buffers, then close connections.
		stopFeed()
		jobScheduler.Stop()
		buffer.Shutdown()
		hub.Shutdown()
		pubsub.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Server forced to shutdown: %v", err)
		}

		if sentimentStore != nil {
			sentimentStore.Close(ctx)
		}
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
			log.Println("Database connection closed")
		}
	})
}

// setupRoutes wires the health and observability endpoints.
func setupRoutes(router *gin.Engine, db *gorm.DB, buffer *services.CandleBuffer, hub *services.Broadcaster) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/ready", func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err != nil || sqlDB.Ping() != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"buffer":  buffer.GetStats(),
			"clients": hub.ClientCount(),
		})
	})

	router.GET("/ws", func(c *gin.Context) {
		hub.HandleWebSocket(c.Writer, c.Request)
	})
}

// waitForShutdown blocks until a termination signal, then runs the
// ordered shutdown with a hard deadline.
func waitForShutdown(shutdown func()) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Printf("Received signal %v, shutting down gracefully...", sig)

	done := make(chan struct{})
	go func() {
		shutdown()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Server shutdown completed")
	case <-time.After(shutdownDeadline):
		log.Println("Shutdown deadline exceeded, forcing exit")
	}
}
