package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"vantrack/boarding/internal/alert"
	"vantrack/boarding/internal/boarding"
	"vantrack/boarding/internal/config"
	"vantrack/boarding/internal/db"
	"vantrack/boarding/internal/fanout"
	internalhttp "vantrack/boarding/internal/http"
	"vantrack/boarding/internal/jobs"
	"vantrack/boarding/internal/notify"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connection failed: %v", err)
	}
	defer pool.Close()
	store := db.NewStore(pool)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("redis ping failed: %v", err)
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}()
	}

	registry := fanout.NewRegistry()
	if cfg.AMQPURL != "" {
		registry.SubscribeAdmin(notify.NewBridge(cfg.AMQPURL))
	}

	boardingStore := db.NewBoardingStore(store)
	locks := boarding.NewSessionLocks()
	tracker := boarding.NewTracker(boardingStore, registry, redisClient, cfg.SessionTTL, locks)
	validator := boarding.NewValidator(boardingStore, registry, redisClient, locks)
	alerts := alert.NewService(db.NewAlertStore(store), registry)

	server := internalhttp.NewServer(cfg, tracker, validator, alerts, registry)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	jobs.StartSessionSweep(ctx, cfg, tracker)

	go func() {
		log.Printf("boarding http listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
