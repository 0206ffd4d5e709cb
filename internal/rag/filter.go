package rag

import "errors"

// ErrOwnerRequired is returned by any store or retriever operation given a
// filter without an owner. Every user-scoped query must carry owner_id so a
// tenant can never read or delete another tenant's chunks.
var ErrOwnerRequired = errors.New("rag: filter requires a non-empty owner_id")

// Filter is a conjunction of equality predicates over chunk metadata.
// OwnerID is mandatory; DocumentID and ConversationID narrow the scope when
// non-empty. The same composition is used by Get, Search, and Delete.
type Filter struct {
	// OwnerID restricts results to one tenant. Required.
	OwnerID string
	// DocumentID restricts results to one document when non-empty.
	DocumentID string
	// ConversationID restricts results to one conversation when non-empty.
	ConversationID string
}

// Validate reports whether the filter satisfies the mandatory-owner rule.
func (f Filter) Validate() error {
	if f.OwnerID == "" {
		return ErrOwnerRequired
	}
	return nil
}
