// Package validation checks extraction results before a document is accepted.
package validation

import (
	"fmt"
	"math"
	"strings"
)

// Result is the outcome of Validate. Errors holds one message per violated
// constraint and is empty when OK is true.
type Result struct {
	OK     bool
	Errors []string
}

// Message joins the error list into the single string persisted on a failed
// document.
func (r Result) Message() string {
	return strings.Join(r.Errors, "; ")
}

// Validate checks the extraction fields of a document. Nil pointers mean the
// field was never populated. Text and language only need to be non-empty;
// whitespace counts as content.
func Validate(text *string, confidence *float64, language *string) Result {
	var errs []string
	if text == nil || *text == "" {
		errs = append(errs, "extractedText is required")
	}
	switch {
	case confidence == nil:
		errs = append(errs, "extractionConfidence is required")
	case math.IsNaN(*confidence) || *confidence < 0 || *confidence > 1:
		errs = append(errs, fmt.Sprintf("extractionConfidence must be between 0 and 1, got %v", *confidence))
	}
	if language == nil || *language == "" {
		errs = append(errs, "detectedLanguage is required")
	}
	if len(errs) > 0 {
		return Result{OK: false, Errors: errs}
	}
	return Result{OK: true}
}
