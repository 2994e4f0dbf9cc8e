// Package extract defines the text-extraction collaborator the pipeline calls
// while processing a document.
package extract

import (
	"context"
	"errors"

	"github.com/dharsanguruparan/docflow/internal/model"
)

// ErrExtraction marks failures of the extraction capability itself, as
// opposed to store or queue failures. Both are retried.
var ErrExtraction = errors.New("extraction failed")

// Extractor turns a stored file into text. sourceRef is the object key the
// upload stored the file under.
type Extractor interface {
	Extract(ctx context.Context, sourceRef string) (model.Extraction, error)
}

// Func adapts a function to Extractor.
type Func func(ctx context.Context, sourceRef string) (model.Extraction, error)

// Extract calls f.
func (f Func) Extract(ctx context.Context, sourceRef string) (model.Extraction, error) {
	return f(ctx, sourceRef)
}

// Stub returns a fixed result for every document. It stands in for OCR during
// development.
type Stub struct {
	Result model.Extraction
}

// NewStub returns a stub producing a plausible invoice extraction in language.
func NewStub(language string) *Stub {
	if language == "" {
		language = "en"
	}
	return &Stub{Result: model.Extraction{
		Text:       "Invoice #123",
		Confidence: 0.98,
		Language:   language,
	}}
}

// Extract returns the configured result unless ctx is already done.
func (s *Stub) Extract(ctx context.Context, _ string) (model.Extraction, error) {
	if err := ctx.Err(); err != nil {
		return model.Extraction{}, err
	}
	return s.Result, nil
}
