package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/dharsanguruparan/docflow/internal/model"
	"github.com/dharsanguruparan/docflow/internal/queue"
)

// ErrNotRetryable is returned by operator retries for records that are still
// moving through the pipeline.
var ErrNotRetryable = errors.New("document is not in a retryable state")

// Getter reads a single record.
type Getter interface {
	Get(ctx context.Context, id string) (*model.Document, error)
}

// Reprocess republishes a processing event for a record that finished, or
// that never left UPLOADED because its original event was lost. The record
// itself is not touched; the worker moves it to PROCESSING when the event
// arrives.
func Reprocess(ctx context.Context, store Getter, pub queue.Publisher, id string) (*model.Document, error) {
	doc, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch doc.Status {
	case model.StatusUploaded, model.StatusValidated, model.StatusFailed:
	default:
		return nil, fmt.Errorf("reprocess %s (%s): %w", id, doc.Status, ErrNotRetryable)
	}
	if err := queue.PublishProcessing(ctx, pub, id); err != nil {
		return nil, fmt.Errorf("publish processing: %w", err)
	}
	return doc, nil
}

// Revalidate republishes a validation event for a finished record, re-running
// the checks against the stored extraction.
func Revalidate(ctx context.Context, store Getter, pub queue.Publisher, id string) (*model.Document, error) {
	doc, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.Status != model.StatusValidated && doc.Status != model.StatusFailed {
		return nil, fmt.Errorf("revalidate %s (%s): %w", id, doc.Status, ErrNotRetryable)
	}
	if err := queue.PublishValidation(ctx, pub, id); err != nil {
		return nil, fmt.Errorf("publish validation: %w", err)
	}
	return doc, nil
}
