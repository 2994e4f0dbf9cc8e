// Package model holds the document record shared by the store, the API and
// the pipeline worker.
package model

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by stores when no record exists for an id.
	ErrNotFound = errors.New("document not found")
	// ErrConflict is returned when a conditional write observed a newer version.
	ErrConflict = errors.New("document version conflict")
	// ErrDuplicate is returned when a record with the same id already exists.
	ErrDuplicate = errors.New("document already exists")
)

// Status is the lifecycle state of a document.
type Status string

const (
	StatusUploaded   Status = "UPLOADED"
	StatusProcessing Status = "PROCESSING"
	StatusValidated  Status = "VALIDATED"
	StatusFailed     Status = "FAILED"
)

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusUploaded, StatusProcessing, StatusValidated, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a record in state s may be written with state
// next. UPLOADED can only move into PROCESSING, so no record reaches a
// terminal state without passing through extraction. PROCESSING is re-entered
// when a processing event is redelivered or an operator retries a finished
// document.
func (s Status) CanTransition(next Status) bool {
	switch next {
	case StatusProcessing:
		return s.Valid()
	case StatusValidated, StatusFailed:
		return s == StatusProcessing || s == StatusValidated || s == StatusFailed
	}
	return false
}

// Extraction is the output of the text-extraction stage. The three values are
// always stored together.
type Extraction struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
}

// Document is the persisted metadata for one uploaded file.
type Document struct {
	ID                   string    `json:"id"`
	Status               Status    `json:"status"`
	SourceRef            string    `json:"sourceRef"`
	FileName             string    `json:"fileName,omitempty"`
	ContentType          string    `json:"contentType,omitempty"`
	SizeBytes            int64     `json:"sizeBytes,omitempty"`
	ExtractedText        *string   `json:"extractedText"`
	ExtractionConfidence *float64  `json:"extractionConfidence"`
	DetectedLanguage     *string   `json:"detectedLanguage"`
	ValidationErrors     *string   `json:"validationErrors"`
	Version              int64     `json:"version"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// Patch describes a single atomic update. Status is always written.
// Extraction, when non-nil, replaces all three extraction fields.
// ValidationErrors is stored only when Status is FAILED and cleared otherwise.
// A non-zero ExpectedVersion makes the write conditional on the stored version.
type Patch struct {
	Status           Status
	Extraction       *Extraction
	ValidationErrors string
	ExpectedVersion  int64
}

// Apply writes p onto d in place and bumps the version and update time.
func (d *Document) Apply(p Patch, now time.Time) {
	d.Status = p.Status
	if p.Extraction != nil {
		text := p.Extraction.Text
		conf := p.Extraction.Confidence
		lang := p.Extraction.Language
		d.ExtractedText = &text
		d.ExtractionConfidence = &conf
		d.DetectedLanguage = &lang
	}
	if p.Status == StatusFailed {
		msg := p.ValidationErrors
		d.ValidationErrors = &msg
	} else {
		d.ValidationErrors = nil
	}
	d.Version++
	d.UpdatedAt = now
}

// Clone returns a deep copy so callers never share pointer fields.
func (d *Document) Clone() *Document {
	out := *d
	out.ExtractedText = clonePtr(d.ExtractedText)
	out.ExtractionConfidence = clonePtr(d.ExtractionConfidence)
	out.DetectedLanguage = clonePtr(d.DetectedLanguage)
	out.ValidationErrors = clonePtr(d.ValidationErrors)
	return &out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
