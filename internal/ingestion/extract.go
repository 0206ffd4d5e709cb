package ingestion

import (
	"fmt"
	"io"
	"strings"
)

// Page is one extracted page of a document. Numbers are 1-based.
type Page struct {
	// Number is the 1-based page number within the document.
	Number int

	// Text is the raw text content of the page.
	Text string
}

// Extractor converts an uploaded file into its pages. Implementations exist
// per source format; PlainTextExtractor is the default.
type Extractor interface {
	// Extract reads the whole document and returns its pages in order.
	Extract(r io.Reader) ([]Page, error)
}

// PlainTextExtractor extracts pages from plain text. Form feed characters
// (\f) mark page breaks, matching what pdftotext and friends emit; text
// without form feeds is a single page.
type PlainTextExtractor struct{}

// Extract implements Extractor.
func (PlainTextExtractor) Extract(r io.Reader) ([]Page, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("ingestion: reading document failed: %w", err)
	}

	parts := strings.Split(string(raw), "\f")
	pages := make([]Page, 0, len(parts))
	for i, part := range parts {
		pages = append(pages, Page{Number: i + 1, Text: part})
	}
	return pages, nil
}
