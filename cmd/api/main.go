package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/docflow/internal/api"
	"github.com/dharsanguruparan/docflow/internal/config"
	"github.com/dharsanguruparan/docflow/internal/database"
	"github.com/dharsanguruparan/docflow/internal/logging"
	"github.com/dharsanguruparan/docflow/internal/queue"
	"github.com/dharsanguruparan/docflow/internal/repository"
	"github.com/dharsanguruparan/docflow/internal/s3storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load("")
	if err != nil {
		logging.New(os.Stderr, "info", "text").Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	fatal := func(msg string, err error) {
		logger.Error(msg, "error", err)
		os.Exit(1)
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		fatal("connect database", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		fatal("ensure schema", err)
	}
	repo := repository.NewDocumentRepository(pool)

	store, err := s3storage.New(cfg)
	if err != nil {
		fatal("init storage", err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		fatal("ensure bucket", err)
	}

	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()
	routes := queue.Routes{Processing: cfg.ProcessingQueue, Validation: cfg.ValidationQueue}
	publisher := queue.NewAsynqPublisher(client, routes, cfg.MaxRetry)

	srv := api.New(cfg, repo, store, publisher, logger).WithPresigner(store)
	if err := srv.Run(ctx); err != nil {
		fatal("api stopped", err)
	}
}
