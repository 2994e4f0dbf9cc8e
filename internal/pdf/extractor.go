package pdfutil

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode"

	pdf "github.com/ledongthuc/pdf"

	"github.com/dharsanguruparan/docflow/internal/extract"
	"github.com/dharsanguruparan/docflow/internal/model"
)

// Source fetches the raw bytes stored for a source reference.
type Source interface {
	DownloadRaw(ctx context.Context, objectKey string) ([]byte, error)
}

// Extractor reads the text layer of uploaded PDFs. It does no OCR, so the
// confidence reflects how clean the decoded text looks rather than a
// recognition score.
type Extractor struct {
	source   Source
	language string
}

// NewExtractor builds an extractor reading from source. language is reported
// as the detected language of every document.
func NewExtractor(source Source, language string) *Extractor {
	if language == "" {
		language = "en"
	}
	return &Extractor{source: source, language: language}
}

// Extract downloads sourceRef and decodes its text.
func (e *Extractor) Extract(ctx context.Context, sourceRef string) (model.Extraction, error) {
	data, err := e.source.DownloadRaw(ctx, sourceRef)
	if err != nil {
		return model.Extraction{}, fmt.Errorf("download %s: %w", sourceRef, err)
	}
	text, err := ExtractText(data)
	if err != nil {
		return model.Extraction{}, fmt.Errorf("%w: %v", extract.ErrExtraction, err)
	}
	text = strings.TrimSpace(text)
	return model.Extraction{
		Text:       text,
		Confidence: Confidence(text),
		Language:   e.language,
	}, nil
}

// ExtractText reads PDF bytes and returns plain text using ledongthuc/pdf.
func ExtractText(data []byte) (string, error) {
	reader := bytes.NewReader(data)
	doc, err := pdf.NewReader(reader, int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("new pdf reader: %w", err)
	}
	var builder strings.Builder
	total := doc.NumPage()
	for page := 1; page <= total; page++ {
		p := doc.Page(page)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", page, err)
		}
		builder.WriteString(content)
		builder.WriteString("\n")
	}
	return builder.String(), nil
}

// Confidence scores decoded text in [0, 1] by the share of runes that are
// letters, digits, punctuation or spaces. Broken font encodings decode to
// replacement characters and control codes, which pull the score down.
func Confidence(text string) float64 {
	var total, clean int
	for _, r := range text {
		total++
		if r == unicode.ReplacementChar {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r) {
			clean++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(clean) / float64(total)
}
