// Package vectorindex provides the semantic index over fact and context
// text.
//
// Each entry holds a fixed-length embedding, a back-reference to a durable
// record identity, and filterable tags. The index never reads the durable
// record store; a back-reference is provenance, not ownership, and may go
// stale if the durable record is deleted — callers drop stale entries
// from results.
//
// Implementations live in subpackages: sqlite (embedded, file-based),
// postgres (pgvector), and chromem (pure Go, in-process).
package vectorindex

import (
	"context"
	"errors"
)

// Predefined errors for vector index failure scenarios.
var (
	// ErrDimensionMismatch indicates an embedding whose length differs
	// from the index's fixed dimensionality. Not retryable; this is a
	// configuration error.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrIndexUnavailable indicates the index medium is unreachable or
	// timed out. Callers may retry with backoff.
	ErrIndexUnavailable = errors.New("vector index unavailable")
)

// Entry type tags for the Tags.Type field.
const (
	// TypeFact tags entries backed by an extracted fact.
	TypeFact = "fact"

	// TypeContext tags entries backed by conversational context.
	TypeContext = "context"

	// TypePreference tags entries backed by a user preference.
	TypePreference = "preference"
)

// Tags carries the filterable metadata of an entry.
type Tags struct {
	// Type is the entry category: fact, context, or preference.
	Type string

	// Attrs contains free-form filterable key/value pairs.
	Attrs map[string]string
}

// Filter restricts a query to entries whose tags satisfy it. A zero
// filter matches everything.
//
// Matching is equality/containment: Type must equal the filter's Type if
// set, and every Attrs key/value given must be present on the entry.
type Filter struct {
	// Type restricts to entries of this type. Empty matches all types.
	Type string

	// Attrs restricts to entries containing all given key/value pairs.
	Attrs map[string]string
}

// Matches reports whether the given tags satisfy the filter.
func (f *Filter) Matches(tags Tags) bool {
	if f == nil {
		return true
	}
	if f.Type != "" && f.Type != tags.Type {
		return false
	}
	for k, v := range f.Attrs {
		if tags.Attrs[k] != v {
			return false
		}
	}
	return true
}

// Entry is a stored index entry.
type Entry struct {
	// ID is the index-local identity of the entry.
	ID int64

	// Embedding is the fixed-length vector.
	Embedding []float64

	// BackRef is the durable record identity this entry points to.
	BackRef int64

	// Tags carries the entry's filterable metadata.
	Tags Tags
}

// Result is one query hit.
type Result struct {
	// EntryID is the index-local identity of the matched entry.
	EntryID int64

	// BackRef is the durable record identity the entry points to.
	BackRef int64

	// Score is the cosine similarity to the query embedding.
	Score float64
}

// Index is the vector index contract.
//
// Implementations must be safe for concurrent use. Queries against an
// empty or filter-exhausted index return an empty result, never an error.
type Index interface {
	// Upsert stores an embedding with its back-reference and tags and
	// returns the entry identity. An existing entry with the same
	// (backRef, tags.Type) pair is replaced in place and keeps its
	// identity. Fails with ErrDimensionMismatch if the embedding length
	// differs from the index dimensionality.
	Upsert(ctx context.Context, embedding []float64, backRef int64, tags Tags) (int64, error)

	// Query returns up to k entries ordered by descending cosine
	// similarity, ties broken by insertion order (earliest first). The
	// filter is applied before the top-k cut.
	Query(ctx context.Context, embedding []float64, k int, filter *Filter) ([]Result, error)

	// Remove deletes an entry. Removing a nonexistent entry is a no-op.
	Remove(ctx context.Context, id int64) error

	// List returns all entries; used by maintenance to sweep dangling
	// back-references. Embeddings may be omitted from the listing.
	List(ctx context.Context) ([]Entry, error)

	// Dimensions returns the fixed dimensionality of the index.
	Dimensions() int

	// Close closes the index and releases resources.
	Close() error
}
