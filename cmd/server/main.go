// Command server runs the upload API and the pipeline worker in one process
// with in-memory records and queues and uploads kept on local disk. Nothing
// survives a restart; it exists for local development.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/docflow/internal/api"
	"github.com/dharsanguruparan/docflow/internal/config"
	"github.com/dharsanguruparan/docflow/internal/extract"
	"github.com/dharsanguruparan/docflow/internal/logging"
	pdfutil "github.com/dharsanguruparan/docflow/internal/pdf"
	"github.com/dharsanguruparan/docflow/internal/queue"
	"github.com/dharsanguruparan/docflow/internal/signing"
	"github.com/dharsanguruparan/docflow/internal/storage"
	"github.com/dharsanguruparan/docflow/internal/worker"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		logging.New(os.Stderr, "info", "text").Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	store := storage.NewMemoryStore()
	blobs, err := storage.NewDiskBlobs(cfg.BlobDir)
	if err != nil {
		logger.Error("init blob dir", "error", err)
		os.Exit(1)
	}
	routes := queue.Routes{Processing: cfg.ProcessingQueue, Validation: cfg.ValidationQueue}
	broker := queue.NewMemoryBroker(routes, queue.WithMaxDeliveries(cfg.MaxRetry+1), queue.WithLogger(logger))
	defer broker.Close()

	var extractor extract.Extractor = extract.NewStub(cfg.DefaultLanguage)
	if cfg.Extractor == config.ExtractorPDF {
		extractor = pdfutil.NewExtractor(blobs, cfg.DefaultLanguage)
	}
	processor := worker.NewProcessor(store, extractor, broker, logger).WithExtractTimeout(cfg.ExtractTimeout)
	srv := api.New(cfg, store, blobs, broker, logger).
		WithLocalBlobs(blobs, signing.NewSigner(cfg.SigningSecret))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error {
		return processor.Run(ctx,
			broker.Consumer(cfg.ProcessingQueue),
			broker.Consumer(cfg.ValidationQueue),
		)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
