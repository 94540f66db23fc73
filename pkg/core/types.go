package core

import (
	"time"

	"github.com/TheSethRose/tristore/pkg/recordstore"
)

// IngestMessage is one conversational turn handed to Ingest.
type IngestMessage struct {
	// Role is the author of the turn.
	Role recordstore.Role

	// Content is the textual content of the turn.
	Content string

	// Metadata contains free-form attributes stored with the message.
	Metadata map[string]interface{}
}

// Receipt reports the outcome of one Ingest call.
//
// Degraded outcomes are encoded here, never raised as errors: a fact
// whose vector index write exhausted its retries persists durably but
// unindexed, is listed in UnindexedFactIDs, and will be picked up by the
// next Reconcile.
type Receipt struct {
	// ID identifies this ingestion for correlation with logs.
	ID string

	// ConversationID is the durable conversation the message was appended
	// to.
	ConversationID int64

	// MessageID is the durable identity of the appended message.
	MessageID int64

	// FactIDs are the durable identities of all facts extracted from this
	// message, indexed or not.
	FactIDs []int64

	// UnindexedFactIDs are facts that persisted durably but whose vector
	// index write failed after retries.
	UnindexedFactIDs []int64

	// Degraded is true if any sub-step fell back to a reduced guarantee.
	Degraded bool
}

// MemoryItem source tags.
const (
	// SourceFact marks items hydrated from a durable fact.
	SourceFact = "fact"

	// SourceMessage marks items hydrated from a durable message.
	SourceMessage = "message"

	// SourceRecent marks items merged in from the session cache's
	// recent-message ring.
	SourceRecent = "recent"
)

// MemoryItem is one retrieval result.
type MemoryItem struct {
	// ID is the durable record identity backing this item (zero for ring
	// entries that were never durably stored).
	ID int64

	// Source is where the item came from: fact, message, or recent.
	Source string

	// Kind is the fact kind for fact items, empty otherwise.
	Kind string

	// Content is the item's text.
	Content string

	// Score is the cosine similarity to the query for semantically
	// retrieved items; ring entries carry no score.
	Score float64

	// CreatedAt is when the backing record was created or the ring entry
	// pushed.
	CreatedAt time.Time

	// Metadata contains the backing record's attributes.
	Metadata map[string]interface{}
}

// ReconcileReport summarizes one maintenance pass.
type ReconcileReport struct {
	// SessionsReaped is the number of identifiers removed from the
	// active-session set.
	SessionsReaped int

	// FactsReindexed is the number of previously unindexed facts that
	// were embedded and indexed.
	FactsReindexed int

	// FactsStillUnindexed is the number of facts whose re-embedding
	// failed again and remain for the next pass.
	FactsStillUnindexed int

	// EntriesRemoved is the number of vector entries dropped because
	// their back-reference no longer resolves.
	EntriesRemoved int
}

// Mutated reports whether the pass changed anything; a second run
// immediately after a clean pass reports false.
func (r *ReconcileReport) Mutated() bool {
	return r.SessionsReaped > 0 || r.FactsReindexed > 0 || r.EntriesRemoved > 0
}
