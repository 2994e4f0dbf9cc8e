// Package worker runs the document pipeline: it consumes processing and
// validation events, advances records through their lifecycle and settles
// every message only after the matching store write has completed.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dharsanguruparan/docflow/internal/extract"
	"github.com/dharsanguruparan/docflow/internal/model"
	"github.com/dharsanguruparan/docflow/internal/queue"
	"github.com/dharsanguruparan/docflow/internal/validation"
)

// Store is the subset of the record store the pipeline needs. Get must
// return an error matching model.ErrNotFound for missing records so it can be
// told apart from infrastructure failures.
type Store interface {
	Get(ctx context.Context, id string) (*model.Document, error)
	Update(ctx context.Context, id string, patch model.Patch) (*model.Document, error)
}

// Processor handles pipeline events. It keeps no per-document state between
// messages; every handler reads the record fresh from the store.
type Processor struct {
	store          Store
	extractor      extract.Extractor
	publisher      queue.Publisher
	logger         *slog.Logger
	extractTimeout time.Duration
}

// NewProcessor constructs a worker processor.
func NewProcessor(store Store, extractor extract.Extractor, publisher queue.Publisher, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:     store,
		extractor: extractor,
		publisher: publisher,
		logger:    logger.With("system", "worker"),
	}
}

// WithExtractTimeout bounds each extraction call. A call that runs out of time
// fails like any other extraction error and the event is requeued. Zero
// disables the bound.
func (p *Processor) WithExtractTimeout(d time.Duration) *Processor {
	p.extractTimeout = d
	return p
}

// Run consumes from every consumer concurrently, one loop per consumer, until
// ctx is cancelled or a consumer fails.
func (p *Processor) Run(ctx context.Context, consumers ...queue.Consumer) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		c := c
		g.Go(func() error { return p.Consume(ctx, c) })
	}
	return g.Wait()
}

// Consume is the receive → handle → settle loop for one consumer. It returns
// nil when ctx is cancelled or the consumer is closed.
func (p *Processor) Consume(ctx context.Context, c queue.Consumer) error {
	for {
		d, err := c.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		p.Settle(ctx, d)
	}
}

// Settle runs the handler for d and then acknowledges or requeues it.
// Success and missing records are acknowledged; every other failure, panics
// included, is rejected with requeue so the message is retried from scratch.
func (p *Processor) Settle(ctx context.Context, d queue.Delivery) {
	ev := d.Event()
	logger := p.logger.With("event", ev.Kind, "document_id", ev.DocumentID, "attempt", d.Attempt())
	err := p.safeHandle(ctx, ev)

	// Settlement must reach the queue even when shutdown cancelled ctx.
	settleCtx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if ackErr := d.Ack(settleCtx); ackErr != nil {
			logger.Error("ack failed; message will be redelivered", "error", ackErr)
			return
		}
		logger.Debug("event handled")
	case errors.Is(err, model.ErrNotFound):
		logger.Warn("document no longer exists; dropping event", "error", err)
		if ackErr := d.Ack(settleCtx); ackErr != nil {
			logger.Error("ack failed; message will be redelivered", "error", ackErr)
		}
	default:
		logger.Error("event failed; requeueing", "error", err)
		if rejErr := d.Reject(settleCtx, true, err); rejErr != nil {
			logger.Error("reject failed", "error", rejErr)
		}
	}
}

func (p *Processor) safeHandle(ctx context.Context, ev queue.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panic", "document_id", ev.DocumentID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.Handle(ctx, ev)
}

// Handle dispatches ev to the matching stage handler.
func (p *Processor) Handle(ctx context.Context, ev queue.Event) error {
	switch ev.Kind {
	case queue.KindProcessing:
		return p.HandleProcessing(ctx, ev.DocumentID)
	case queue.KindValidation:
		return p.HandleValidation(ctx, ev.DocumentID)
	}
	return fmt.Errorf("unknown event kind %q", ev.Kind)
}

// HandleProcessing moves a document to PROCESSING, extracts its text, stores
// the result with a provisional VALIDATED status and publishes the validation
// event. The publish happens strictly after the write, so validation never
// observes a record without the extraction it was triggered by.
//
// A redelivered event repeats every step. The writes are idempotent for the
// same extraction result; the second validation event it publishes is an
// accepted duplicate.
func (p *Processor) HandleProcessing(ctx context.Context, id string) error {
	doc, err := p.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if !doc.Status.CanTransition(model.StatusProcessing) {
		return fmt.Errorf("document %s has unknown status %q", id, doc.Status)
	}

	doc, err = p.store.Update(ctx, id, model.Patch{
		Status:          model.StatusProcessing,
		ExpectedVersion: doc.Version,
	})
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	res, err := p.extract(ctx, doc.SourceRef)
	if err != nil {
		if errors.Is(err, extract.ErrExtraction) {
			return fmt.Errorf("extract %s: %w", doc.SourceRef, err)
		}
		// %v keeps collaborator errors from matching store sentinels.
		return fmt.Errorf("extract %s: %w: %v", doc.SourceRef, extract.ErrExtraction, err)
	}

	if _, err := p.store.Update(ctx, id, model.Patch{
		Status:          model.StatusValidated,
		Extraction:      &res,
		ExpectedVersion: doc.Version,
	}); err != nil {
		return fmt.Errorf("store extraction: %w", err)
	}

	if err := queue.PublishValidation(ctx, p.publisher, id); err != nil {
		return fmt.Errorf("publish validation: %w", err)
	}
	p.logger.Info("document extracted",
		"document_id", id,
		"confidence", res.Confidence,
		"language", res.Language,
		"text_bytes", len(res.Text),
	)
	return nil
}

func (p *Processor) extract(ctx context.Context, sourceRef string) (model.Extraction, error) {
	if p.extractTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.extractTimeout)
		defer cancel()
	}
	return p.extractor.Extract(ctx, sourceRef)
}

// HandleValidation checks the stored extraction and records the terminal
// status. A failed check is a normal outcome: the record becomes FAILED with
// the joined error list and the event is still acknowledged.
//
// An event for a record still in UPLOADED is acknowledged without a write,
// so no record reaches a terminal status without passing through PROCESSING.
func (p *Processor) HandleValidation(ctx context.Context, id string) error {
	doc, err := p.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if doc.Status == model.StatusUploaded {
		// Only reachable through a hand-published event; the processing
		// event for this document will publish its own validation.
		p.logger.Warn("validation event for unprocessed document; ignoring", "document_id", id)
		return nil
	}

	res := validation.Validate(doc.ExtractedText, doc.ExtractionConfidence, doc.DetectedLanguage)
	patch := model.Patch{Status: model.StatusValidated, ExpectedVersion: doc.Version}
	if !res.OK {
		patch.Status = model.StatusFailed
		patch.ValidationErrors = res.Message()
	}
	if !doc.Status.CanTransition(patch.Status) {
		return fmt.Errorf("document %s cannot move from %s to %s", id, doc.Status, patch.Status)
	}
	if _, err := p.store.Update(ctx, id, patch); err != nil {
		return fmt.Errorf("store validation result: %w", err)
	}

	if res.OK {
		p.logger.Info("document validated", "document_id", id)
	} else {
		p.logger.Info("document failed validation", "document_id", id, "errors", patch.ValidationErrors)
	}
	return nil
}
