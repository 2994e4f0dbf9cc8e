package validation

import (
	"math"
	"strings"
	"testing"
)

func ptr[T any](v T) *T { return &v }

func TestValidatePasses(t *testing.T) {
	cases := []struct {
		name string
		conf float64
	}{
		{"lower bound", 0},
		{"upper bound", 1},
		{"typical", 0.98},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Validate(ptr("Invoice #123"), ptr(tc.conf), ptr("en"))
			if !res.OK {
				t.Fatalf("expected pass, got errors %v", res.Errors)
			}
			if len(res.Errors) != 0 {
				t.Fatalf("expected no errors, got %v", res.Errors)
			}
		})
	}
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name       string
		text       *string
		confidence *float64
		language   *string
		wantFields []string
	}{
		{"nil text", nil, ptr(0.5), ptr("en"), []string{"extractedText"}},
		{"empty text", ptr(""), ptr(0.5), ptr("en"), []string{"extractedText"}},
		{"nil confidence", ptr("x"), nil, ptr("en"), []string{"extractionConfidence"}},
		{"negative confidence", ptr("x"), ptr(-0.1), ptr("en"), []string{"extractionConfidence"}},
		{"confidence above one", ptr("x"), ptr(1.01), ptr("en"), []string{"extractionConfidence"}},
		{"nan confidence", ptr("x"), ptr(math.NaN()), ptr("en"), []string{"extractionConfidence"}},
		{"empty language", ptr("x"), ptr(0.5), ptr(""), []string{"detectedLanguage"}},
		{"nil language", ptr("x"), ptr(0.5), nil, []string{"detectedLanguage"}},
		{"everything missing", nil, nil, nil, []string{"extractedText", "extractionConfidence", "detectedLanguage"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Validate(tc.text, tc.confidence, tc.language)
			if res.OK {
				t.Fatalf("expected failure")
			}
			if len(res.Errors) != len(tc.wantFields) {
				t.Fatalf("expected %d errors, got %v", len(tc.wantFields), res.Errors)
			}
			for i, field := range tc.wantFields {
				if !strings.HasPrefix(res.Errors[i], field) {
					t.Errorf("error %d = %q, want mention of %s", i, res.Errors[i], field)
				}
			}
		})
	}
}

func TestValidateAcceptsWhitespaceContent(t *testing.T) {
	res := Validate(ptr(" "), ptr(0.5), ptr("\t"))
	if !res.OK || len(res.Errors) != 0 {
		t.Fatalf("expected pass for whitespace text and language, got %v", res.Errors)
	}
}

func TestResultMessageJoinsErrors(t *testing.T) {
	res := Validate(nil, nil, ptr("en"))
	want := "extractedText is required; extractionConfidence is required"
	if got := res.Message(); got != want {
		t.Fatalf("Message() = %q, want %q", got, want)
	}
}
