package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/outreach-hq/sequencer/internal/config"
	"github.com/outreach-hq/sequencer/internal/gmailclient"
	"github.com/outreach-hq/sequencer/internal/pkg/logger"
	"github.com/outreach-hq/sequencer/internal/queue"
	"github.com/outreach-hq/sequencer/internal/ratelimit"
	"github.com/outreach-hq/sequencer/internal/sendworker"
	"github.com/outreach-hq/sequencer/internal/sequenceproc"
	"github.com/outreach-hq/sequencer/internal/store/postgres"
	"github.com/outreach-hq/sequencer/internal/sweeper"
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
	db.SetConnMaxIdleTime(1 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("ping database: %v", err)
	}
	logger.Info("worker: connected to database")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("connect to redis: %v", err)
	}
	logger.Info("worker: connected to redis")

	sequences := postgres.NewSequenceRepo(db)
	contacts := postgres.NewSequenceContactRepo(db)
	people := postgres.NewContactRepo(db)
	accounts := postgres.NewGmailAccountRepo(db)
	tracking := postgres.NewTrackingRepo(db)

	emailJobs := queue.NewEmailQueue(db, hostname())
	sequenceJobs := queue.NewSequenceQueue(db, hostname())
	limiter := ratelimit.New(redisClient, ratelimit.DefaultCaps)
	gmail := gmailclient.New(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURI, accounts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sw := sweeper.New(sequences, contacts, people, emailJobs, limiter, db)
	sw.SetRedisClient(redisClient)
	sw.Start(ctx)
	logger.Info("worker: schedule sweeper started")

	proc := sequenceproc.New(sequences, contacts, people, limiter, emailJobs)
	consumer := sequenceproc.NewConsumer(proc, sequenceJobs)
	consumer.Start(ctx)
	logger.Info("worker: sequence processor consumer started")

	pool := sendworker.New(emailJobs, sequences, contacts, tracking, gmail, limiter, cfg.Tracking.TrackAPIURL)
	pool.TestEmail = cfg.Tracking.TestEmail
	pool.Start()
	logger.Info("worker: send-worker pool started", "workers", pool.NumWorkers)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("worker: shutting down")
	cancel()
	sw.Stop()
	consumer.Stop()
	pool.Stop()
	logger.Info("worker: stopped")
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "worker"
	}
	return h
}
