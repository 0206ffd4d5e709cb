package chunk

import "errors"

// Validation error kinds, one per field so callers can report exactly which
// part of the input was rejected. All are returned wrapped-free from New and
// Metadata.Validate so errors.Is works directly.
var (
	// ErrInvalidContent is returned when content falls outside the
	// [MinContentLength, MaxContentLength] bounds after normalization.
	ErrInvalidContent = errors.New("chunk: content must be between 10 and 10000 characters")

	// ErrInvalidOwnerID is returned when the owner ID is empty.
	ErrInvalidOwnerID = errors.New("chunk: owner_id must be a non-empty string")

	// ErrInvalidDocumentID is returned when the document ID is empty.
	ErrInvalidDocumentID = errors.New("chunk: document_id must be a non-empty string")

	// ErrInvalidConversationID is returned when the conversation ID is empty.
	ErrInvalidConversationID = errors.New("chunk: conversation_id must be a non-empty string")

	// ErrInvalidPageNumber is returned when the page number is not positive.
	ErrInvalidPageNumber = errors.New("chunk: page_number must be a positive integer")

	// ErrInvalidPagePosition is returned when the in-page position is not positive.
	ErrInvalidPagePosition = errors.New("chunk: position_in_page must be a positive integer")
)

// IsValidationError reports whether err is one of the chunk validation kinds.
// The HTTP layer uses this to map bad input to a 400 rather than a 500.
func IsValidationError(err error) bool {
	for _, kind := range []error{
		ErrInvalidContent,
		ErrInvalidOwnerID,
		ErrInvalidDocumentID,
		ErrInvalidConversationID,
		ErrInvalidPageNumber,
		ErrInvalidPagePosition,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
