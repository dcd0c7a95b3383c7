package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/outreach-hq/sequencer/internal/config"
	"github.com/outreach-hq/sequencer/internal/gmailclient"
	"github.com/outreach-hq/sequencer/internal/httpapi"
	"github.com/outreach-hq/sequencer/internal/inbound"
	"github.com/outreach-hq/sequencer/internal/pkg/logger"
	"github.com/outreach-hq/sequencer/internal/queue"
	"github.com/outreach-hq/sequencer/internal/ratelimit"
	"github.com/outreach-hq/sequencer/internal/store/postgres"
	"github.com/outreach-hq/sequencer/internal/tracking"
)

func main() {
	cfg, err := config.LoadFromEnv("config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Server.IsDev() {
		logger.SetLevel(logger.DEBUG)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("ping database: %v", err)
	}
	logger.Info("server: connected to database")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("connect to redis: %v", err)
	}
	logger.Info("server: connected to redis")

	sequences := postgres.NewSequenceRepo(db)
	contacts := postgres.NewSequenceContactRepo(db)
	accounts := postgres.NewGmailAccountRepo(db)
	trackingStore := postgres.NewTrackingRepo(db)
	sequenceJobs := queue.NewSequenceQueue(db, "server")

	controlAPI := httpapi.NewHandler(sequences, contacts, sequenceJobs)
	trackingHandler := tracking.NewHandler(trackingStore)

	limiter := ratelimit.New(redisClient, ratelimit.DefaultCaps)
	gmail := gmailclient.New(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURI, accounts)
	eventProcessor := inbound.New(accounts, trackingStore, contacts, gmail, limiter)
	inboundHandler := inbound.NewHandler(eventProcessor, inbound.NewGoogleVerifier(), cfg.Google.PubSubAudience)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.Tracking.WebAppURL},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Handle("/sequences/*", controlAPI.Routes())
	r.Handle("/api/track/*", trackingHandler.Routes())
	r.Post("/api/gmail/notifications", inboundHandler.HandleNotification)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port),
		Handler: r,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	logger.Info("server: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server: shutdown error", "error", err.Error())
	}
	logger.Info("server: stopped")
}
