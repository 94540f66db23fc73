// Package recordstore provides the durable record store for conversations,
// messages, and extracted facts.
//
// The record store is the engine's source of truth. It assigns stable
// integer identities and enforces referential integrity between
// conversations and their messages. Implementations live in subpackages
// (currently SQLite).
package recordstore

import (
	"context"
	"errors"
	"time"
)

// Predefined errors for record store failure scenarios.
var (
	// ErrStorageUnavailable indicates the storage medium is unreachable or
	// timed out. Callers may retry with backoff.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrReferentialViolation indicates a write referenced a nonexistent
	// parent record (e.g. a message appended to an unknown conversation).
	// Not retryable; this is a caller error.
	ErrReferentialViolation = errors.New("referential violation")

	// ErrInvalidArgument indicates an argument outside its valid range
	// (e.g. fact confidence outside [0, 1]). Not retryable.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound indicates a requested record does not exist.
	ErrNotFound = errors.New("record not found")
)

// Role identifies the author of a message.
type Role string

const (
	// RoleUser marks a message authored by the end user.
	RoleUser Role = "user"

	// RoleAgent marks a message authored by the agent.
	RoleAgent Role = "agent"

	// RoleSystem marks a system-generated message.
	RoleSystem Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAgent, RoleSystem:
		return true
	}
	return false
}

// Conversation groups the messages of one session.
//
// A conversation is created on the first message of a session and is
// immutable afterwards except for metadata merges. The engine never
// deletes conversations on its own; DeleteConversation exists for
// external administrative use.
type Conversation struct {
	// ID is the store-assigned identity of the conversation.
	ID int64

	// SessionID is the session this conversation belongs to.
	SessionID string

	// Metadata contains free-form string-keyed attributes.
	Metadata map[string]interface{}

	// CreatedAt is when the conversation was created.
	CreatedAt time.Time
}

// Message is a single conversational turn. Immutable after creation.
type Message struct {
	// ID is the store-assigned identity of the message.
	ID int64

	// ConversationID references the owning conversation. Never zero.
	ConversationID int64

	// Role is the author of the message.
	Role Role

	// Content is the textual content of the turn.
	Content string

	// Metadata contains free-form string-keyed attributes.
	Metadata map[string]interface{}

	// CreatedAt is when the message was ingested.
	CreatedAt time.Time
}

// Fact is a piece of long-term knowledge extracted from a conversation.
//
// Facts are never mutated. A newer fact of the same kind may supersede an
// older one, but superseding is an ingestion-policy decision the store
// does not enforce.
type Fact struct {
	// ID is the store-assigned identity of the fact.
	ID int64

	// Kind is a free-form tag, e.g. "user_fact".
	Kind string

	// Content is the textual content of the fact.
	Content string

	// Confidence is the extraction confidence, always within [0, 1].
	Confidence float64

	// Metadata contains free-form string-keyed attributes.
	Metadata map[string]interface{}

	// VectorEntryID is the identity of the vector index entry backing this
	// fact, or zero while the fact is not yet indexed.
	VectorEntryID int64

	// CreatedAt is when the fact was extracted.
	CreatedAt time.Time
}

// Embedded reports whether the fact has been indexed in the vector index.
func (f *Fact) Embedded() bool {
	return f.VectorEntryID != 0
}

// Writer is the set of write operations available both directly on a
// Store and inside a scoped transaction.
type Writer interface {
	// CreateConversation creates a conversation for the given session and
	// returns its identity.
	CreateConversation(ctx context.Context, sessionID string, metadata map[string]interface{}) (int64, error)

	// AppendMessage appends a message to a conversation and returns its
	// identity. Fails with ErrReferentialViolation if the conversation
	// does not exist.
	AppendMessage(ctx context.Context, conversationID int64, role Role, content string, metadata map[string]interface{}) (int64, error)

	// InsertFact inserts an extracted fact and returns its identity.
	// Fails with ErrInvalidArgument if confidence is outside [0, 1].
	InsertFact(ctx context.Context, kind, content string, confidence float64, metadata map[string]interface{}) (int64, error)

	// MarkFactEmbedded records the vector index entry backing a fact.
	MarkFactEmbedded(ctx context.Context, factID, vectorEntryID int64) error
}

// Tx is a scoped write transaction. All writes performed through it become
// visible atomically on commit, or not at all on rollback. A transaction
// never spans the vector index or the session cache.
type Tx interface {
	Writer
}

// Store is the durable record store contract.
//
// Implementations must be safe for concurrent use; writers serialize such
// that no write is lost and no partial row is observable.
type Store interface {
	Writer

	// GetConversation retrieves a conversation by identity.
	// Returns ErrNotFound if it does not exist.
	GetConversation(ctx context.Context, id int64) (*Conversation, error)

	// GetConversationBySession retrieves the conversation owning the given
	// session. Returns ErrNotFound if the session has no conversation yet.
	GetConversationBySession(ctx context.Context, sessionID string) (*Conversation, error)

	// MergeConversationMetadata merges the given keys into the
	// conversation's metadata. Existing keys are overwritten; other keys
	// are preserved. Returns ErrNotFound for an unknown conversation.
	MergeConversationMetadata(ctx context.Context, id int64, metadata map[string]interface{}) error

	// GetMessagesByIDs retrieves messages by identity. Missing identities
	// are simply absent from the result map, never an error.
	GetMessagesByIDs(ctx context.Context, ids []int64) (map[int64]*Message, error)

	// ListMessages returns up to limit messages of a conversation, oldest
	// first. A limit <= 0 means no limit.
	ListMessages(ctx context.Context, conversationID int64, limit int) ([]*Message, error)

	// GetFactsByIDs retrieves facts by identity. Missing identities are
	// simply absent from the result map, never an error.
	GetFactsByIDs(ctx context.Context, ids []int64) (map[int64]*Fact, error)

	// ListUnembeddedFacts returns up to limit facts that have no vector
	// index entry yet, oldest first. Used by reconciliation.
	ListUnembeddedFacts(ctx context.Context, limit int) ([]*Fact, error)

	// DeleteConversation deletes a conversation and, by cascade, all of
	// its messages. Deleting a nonexistent conversation is a no-op.
	DeleteConversation(ctx context.Context, id int64) error

	// DeleteFact deletes a fact. Deleting a nonexistent fact is a no-op.
	// This is an administrative operation; the coordinator never calls it
	// during ingestion.
	DeleteFact(ctx context.Context, id int64) error

	// WithTx runs fn inside a scoped write transaction. If fn returns an
	// error the transaction is rolled back and the error is returned.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close closes the store and releases resources.
	Close() error
}
