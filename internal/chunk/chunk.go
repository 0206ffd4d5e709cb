// Package chunk defines the unit of retrievable document text: a bounded,
// normalized span of content plus the tenant and position metadata that
// scopes every storage and retrieval operation. Chunks are built once at
// ingestion time and are immutable afterwards.
package chunk

import (
	"strings"
)

// Content length bounds enforced by New, measured after normalization.
const (
	// MinContentLength is the minimum content length in bytes.
	MinContentLength = 10
	// MaxContentLength is the maximum content length in bytes.
	MaxContentLength = 10_000
)

// Metadata is the fixed-shape tenant and position record attached to every
// chunk. OwnerID and DocumentID must always be set; (PageNumber, PagePosition)
// together with DocumentID give a total order over a document's chunks.
type Metadata struct {
	// OwnerID identifies the tenant that owns this chunk. Never empty.
	OwnerID string
	// DocumentID identifies the source document within the owner's scope.
	DocumentID string
	// ConversationID links the chunk to the conversation it was uploaded in.
	ConversationID string
	// PageNumber is the 1-based physical page the chunk came from.
	PageNumber int
	// PagePosition is the 1-based position of the chunk within its page.
	PagePosition int
}

// Validate checks the metadata field invariants, returning the error kind
// for the first violated field.
func (m Metadata) Validate() error {
	if m.OwnerID == "" {
		return ErrInvalidOwnerID
	}
	if m.DocumentID == "" {
		return ErrInvalidDocumentID
	}
	if m.ConversationID == "" {
		return ErrInvalidConversationID
	}
	if m.PageNumber <= 0 {
		return ErrInvalidPageNumber
	}
	if m.PagePosition <= 0 {
		return ErrInvalidPagePosition
	}
	return nil
}

// Chunk is a normalized span of document text plus its metadata.
// Construct with New; a zero-value Chunk is not valid.
type Chunk struct {
	// Content is the normalized chunk text.
	Content string
	// Metadata is the tenant and position record for this chunk.
	Metadata Metadata
}

// New normalizes content, validates it against the length bounds, validates
// the metadata, and returns the resulting Chunk. The returned error is one of
// the sentinel kinds in this package and can be tested with errors.Is.
func New(content string, meta Metadata) (Chunk, error) {
	content = Normalize(content)
	if len(content) < MinContentLength || len(content) > MaxContentLength {
		return Chunk{}, ErrInvalidContent
	}
	if err := meta.Validate(); err != nil {
		return Chunk{}, err
	}
	return Chunk{Content: content, Metadata: meta}, nil
}

// Normalize collapses line breaks and runs of whitespace to single spaces and
// strips embedded double-quote characters. Normalizing already-normalized
// content returns the same string.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, `"`, "")
	// Fields splits on any run of Unicode whitespace, so paragraph breaks,
	// line breaks, and repeated spaces all collapse in one pass.
	return strings.Join(strings.Fields(s), " ")
}
