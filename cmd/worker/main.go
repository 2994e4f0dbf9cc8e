package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/docflow/internal/config"
	"github.com/dharsanguruparan/docflow/internal/database"
	"github.com/dharsanguruparan/docflow/internal/extract"
	"github.com/dharsanguruparan/docflow/internal/logging"
	pdfutil "github.com/dharsanguruparan/docflow/internal/pdf"
	"github.com/dharsanguruparan/docflow/internal/queue"
	"github.com/dharsanguruparan/docflow/internal/repository"
	"github.com/dharsanguruparan/docflow/internal/s3storage"
	"github.com/dharsanguruparan/docflow/internal/worker"
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

	var extractor extract.Extractor = extract.NewStub(cfg.DefaultLanguage)
	if cfg.Extractor == config.ExtractorPDF {
		store, err := s3storage.New(cfg)
		if err != nil {
			fatal("init storage", err)
		}
		extractor = pdfutil.NewExtractor(store, cfg.DefaultLanguage)
	}

	redis := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	client := asynq.NewClient(redis)
	defer client.Close()
	routes := queue.Routes{Processing: cfg.ProcessingQueue, Validation: cfg.ValidationQueue}
	publisher := queue.NewAsynqPublisher(client, routes, cfg.MaxRetry)

	asynqLogger := logging.NewAsynqLogger(logger)
	processing := queue.NewAsynqConsumer(redis, queue.AsynqConsumerConfig{
		Queue:      cfg.ProcessingQueue,
		Kind:       queue.KindProcessing,
		RetryDelay: cfg.RetryDelay,
		Logger:     asynqLogger,
	})
	validation := queue.NewAsynqConsumer(redis, queue.AsynqConsumerConfig{
		Queue:      cfg.ValidationQueue,
		Kind:       queue.KindValidation,
		RetryDelay: cfg.RetryDelay,
		Logger:     asynqLogger,
	})
	for _, c := range []*queue.AsynqConsumer{processing, validation} {
		if err := c.Start(); err != nil {
			fatal("start consumer", err)
		}
		defer c.Close()
	}

	processor := worker.NewProcessor(repo, extractor, publisher, logger).WithExtractTimeout(cfg.ExtractTimeout)
	logger.Info("worker started",
		"processing_queue", cfg.ProcessingQueue,
		"validation_queue", cfg.ValidationQueue,
		"extractor", cfg.Extractor,
	)
	if err := processor.Run(ctx, processing, validation); err != nil {
		fatal("worker stopped", err)
	}
	logger.Info("worker stopped")
}
