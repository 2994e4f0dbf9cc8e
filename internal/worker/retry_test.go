package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/dharsanguruparan/docflow/internal/model"
	"github.com/dharsanguruparan/docflow/internal/queue"
)

func TestReprocess(t *testing.T) {
	cases := []struct {
		status model.Status
		ok     bool
	}{
		{model.StatusUploaded, true},
		{model.StatusProcessing, false},
		{model.StatusValidated, true},
		{model.StatusFailed, true},
	}
	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			h := newHarness(t, nil)
			msg := "x"
			doc := &model.Document{ID: "doc-1", Status: tc.status}
			if tc.status == model.StatusFailed {
				doc.ValidationErrors = &msg
			}
			h.seed(t, doc)
			_, err := Reprocess(context.Background(), h.store, h.broker, "doc-1")
			if tc.ok && err != nil {
				t.Fatalf("Reprocess = %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrNotRetryable) {
				t.Fatalf("Reprocess = %v, want ErrNotRetryable", err)
			}
			want := 0
			if tc.ok {
				want = 1
			}
			if n := countKind(h.broker.Published(), queue.KindProcessing); n != want {
				t.Fatalf("processing events = %d, want %d", n, want)
			}
		})
	}
}

func TestReprocessMissing(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := Reprocess(context.Background(), h.store, h.broker, "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Reprocess = %v, want ErrNotFound", err)
	}
}

func TestRevalidateRecomputesFailure(t *testing.T) {
	h := newHarness(t, nil)
	text, lang := "Invoice #123", "en"
	h.seed(t, &model.Document{ID: "doc-1", Status: model.StatusValidated, ExtractedText: &text, DetectedLanguage: &lang})
	if _, err := Revalidate(context.Background(), h.store, h.broker, "doc-1"); err != nil {
		t.Fatalf("Revalidate: %v", err)
	}
	h.step(t, h.validation)
	if got := h.get(t, "doc-1").Status; got != model.StatusFailed {
		t.Fatalf("status = %s, want FAILED (confidence missing)", got)
	}

	h.seed(t, &model.Document{ID: "doc-2", Status: model.StatusUploaded})
	if _, err := Revalidate(context.Background(), h.store, h.broker, "doc-2"); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("Revalidate = %v, want ErrNotRetryable", err)
	}
}
