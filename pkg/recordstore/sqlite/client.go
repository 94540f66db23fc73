// Package sqlite provides the SQLite implementation of the durable record
// store.
//
// SQLite is a lightweight, file-based database suitable for a single
// logical writer process. The database is opened with foreign keys
// enforced and WAL journaling, and messages cascade-delete with their
// owning conversation. Metadata maps are stored as JSON strings in TEXT
// fields.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/TheSethRose/tristore/pkg/recordstore"
)

// Client implements recordstore.Store using SQLite as the backend.
type Client struct {
	// db is the SQLite database connection.
	db *sql.DB

	// node generates unique identities for records.
	node *snowflake.Node
}

// Config contains configuration for creating a SQLite record store.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// NodeID is the snowflake node ID used for identity generation
	// (default 1). Distinct store instances sharing a file must use
	// distinct node IDs.
	NodeID int64
}

// querier is the subset of database/sql operations shared by *sql.DB and
// *sql.Tx, so the same statement helpers serve both direct calls and
// scoped transactions.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// NewClient creates a new SQLite record store.
//
// Parameters:
//   - cfg: Configuration containing the database path and node ID
//
// Returns:
//   - *Client: The record store instance
//   - error: Error if database connection or schema creation fails
func NewClient(cfg *Config) (*Client, error) {
	// Create parent directory if it doesn't exist
	dbDir := filepath.Dir(cfg.DBPath)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("NewRecordStore: failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("NewRecordStore: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewRecordStore: %w", recordstore.ErrStorageUnavailable)
	}

	nodeID := cfg.NodeID
	if nodeID == 0 {
		nodeID = 1
	}
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("NewRecordStore: %w", err)
	}

	client := &Client{
		db:   db,
		node: node,
	}

	if err := client.initTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return client, nil
}

// schemaStatements are executed in order to create the database schema.
// All use IF NOT EXISTS for idempotent re-application.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id         INTEGER PRIMARY KEY,
		session_id TEXT NOT NULL,
		metadata   TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id              INTEGER PRIMARY KEY,
		conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		metadata        TEXT NOT NULL DEFAULT '{}',
		created_at      DATETIME NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,

	`CREATE TABLE IF NOT EXISTS facts (
		id              INTEGER PRIMARY KEY,
		kind            TEXT NOT NULL,
		content         TEXT NOT NULL,
		confidence      REAL NOT NULL,
		metadata        TEXT NOT NULL DEFAULT '{}',
		vector_entry_id INTEGER NOT NULL DEFAULT 0,
		created_at      DATETIME NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_facts_unembedded ON facts(vector_entry_id) WHERE vector_entry_id = 0`,
}

// initTables initializes the database table structure.
func (c *Client) initTables(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}
	return nil
}

// CreateConversation creates a conversation for the given session.
func (c *Client) CreateConversation(ctx context.Context, sessionID string, metadata map[string]interface{}) (int64, error) {
	return createConversation(ctx, c.db, c.node, sessionID, metadata)
}

// AppendMessage appends a message to a conversation.
func (c *Client) AppendMessage(ctx context.Context, conversationID int64, role recordstore.Role, content string, metadata map[string]interface{}) (int64, error) {
	return appendMessage(ctx, c.db, c.node, conversationID, role, content, metadata)
}

// InsertFact inserts an extracted fact.
func (c *Client) InsertFact(ctx context.Context, kind, content string, confidence float64, metadata map[string]interface{}) (int64, error) {
	return insertFact(ctx, c.db, c.node, kind, content, confidence, metadata)
}

// MarkFactEmbedded records the vector index entry backing a fact.
func (c *Client) MarkFactEmbedded(ctx context.Context, factID, vectorEntryID int64) error {
	return markFactEmbedded(ctx, c.db, factID, vectorEntryID)
}

// GetConversation retrieves a conversation by identity.
func (c *Client) GetConversation(ctx context.Context, id int64) (*recordstore.Conversation, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, session_id, metadata, created_at
		FROM conversations WHERE id = ?
	`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("GetConversation: %w", recordstore.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetConversation: %w", err)
	}
	return conv, nil
}

// GetConversationBySession retrieves the conversation owning a session.
//
// If multiple conversations exist for the session the earliest one wins;
// the coordinator only ever creates one.
func (c *Client) GetConversationBySession(ctx context.Context, sessionID string) (*recordstore.Conversation, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, session_id, metadata, created_at
		FROM conversations WHERE session_id = ?
		ORDER BY id LIMIT 1
	`, sessionID)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("GetConversationBySession: %w", recordstore.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetConversationBySession: %w", err)
	}
	return conv, nil
}

// MergeConversationMetadata merges keys into a conversation's metadata.
//
// The read-modify-write runs inside a transaction so concurrent merges
// cannot lose keys.
func (c *Client) MergeConversationMetadata(ctx context.Context, id int64, metadata map[string]interface{}) error {
	if len(metadata) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("MergeConversationMetadata: %w", classifyErr(err))
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT metadata FROM conversations WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("MergeConversationMetadata: %w", recordstore.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("MergeConversationMetadata: %w", classifyErr(err))
	}

	merged := make(map[string]interface{})
	if err := json.Unmarshal([]byte(raw), &merged); err != nil {
		return fmt.Errorf("MergeConversationMetadata: %w", err)
	}
	for k, v := range metadata {
		merged[k] = v
	}

	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("MergeConversationMetadata: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET metadata = ? WHERE id = ?`, string(mergedJSON), id); err != nil {
		return fmt.Errorf("MergeConversationMetadata: %w", classifyErr(err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("MergeConversationMetadata: %w", classifyErr(err))
	}
	return nil
}

// GetMessagesByIDs retrieves messages by identity. Missing identities are
// absent from the result, never an error.
func (c *Client) GetMessagesByIDs(ctx context.Context, ids []int64) (map[int64]*recordstore.Message, error) {
	result := make(map[int64]*recordstore.Message, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query := fmt.Sprintf(`
		SELECT id, conversation_id, role, content, metadata, created_at
		FROM messages WHERE id IN (%s)
	`, placeholders(len(ids)))

	rows, err := c.db.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("GetMessagesByIDs: %w", classifyErr(err))
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("GetMessagesByIDs: %w", err)
		}
		result[msg.ID] = msg
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetMessagesByIDs: %w", classifyErr(err))
	}
	return result, nil
}

// ListMessages returns messages of a conversation, oldest first.
func (c *Client) ListMessages(ctx context.Context, conversationID int64, limit int) ([]*recordstore.Message, error) {
	query := `
		SELECT id, conversation_id, role, content, metadata, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY id
	`
	args := []interface{}{conversationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListMessages: %w", classifyErr(err))
	}
	defer func() { _ = rows.Close() }()

	var messages []*recordstore.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("ListMessages: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListMessages: %w", classifyErr(err))
	}
	return messages, nil
}

// GetFactsByIDs retrieves facts by identity. Missing identities are absent
// from the result, never an error.
func (c *Client) GetFactsByIDs(ctx context.Context, ids []int64) (map[int64]*recordstore.Fact, error) {
	result := make(map[int64]*recordstore.Fact, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query := fmt.Sprintf(`
		SELECT id, kind, content, confidence, metadata, vector_entry_id, created_at
		FROM facts WHERE id IN (%s)
	`, placeholders(len(ids)))

	rows, err := c.db.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("GetFactsByIDs: %w", classifyErr(err))
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		fact, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("GetFactsByIDs: %w", err)
		}
		result[fact.ID] = fact
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetFactsByIDs: %w", classifyErr(err))
	}
	return result, nil
}

// ListUnembeddedFacts returns facts without a vector index entry, oldest
// first.
func (c *Client) ListUnembeddedFacts(ctx context.Context, limit int) ([]*recordstore.Fact, error) {
	query := `
		SELECT id, kind, content, confidence, metadata, vector_entry_id, created_at
		FROM facts WHERE vector_entry_id = 0
		ORDER BY id
	`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListUnembeddedFacts: %w", classifyErr(err))
	}
	defer func() { _ = rows.Close() }()

	var facts []*recordstore.Fact
	for rows.Next() {
		fact, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("ListUnembeddedFacts: %w", err)
		}
		facts = append(facts, fact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListUnembeddedFacts: %w", classifyErr(err))
	}
	return facts, nil
}

// DeleteConversation deletes a conversation and cascades to its messages.
// Deleting a nonexistent conversation is a no-op.
func (c *Client) DeleteConversation(ctx context.Context, id int64) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("DeleteConversation: %w", classifyErr(err))
	}
	return nil
}

// DeleteFact deletes a fact. Deleting a nonexistent fact is a no-op.
func (c *Client) DeleteFact(ctx context.Context, id int64) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM facts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("DeleteFact: %w", classifyErr(err))
	}
	return nil
}

// WithTx runs fn inside a scoped write transaction.
func (c *Client) WithTx(ctx context.Context, fn func(tx recordstore.Tx) error) error {
	sqlTx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("WithTx: %w", classifyErr(err))
	}

	tx := &txWriter{q: sqlTx, node: c.node}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("WithTx: %w", classifyErr(err))
	}
	return nil
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// txWriter implements recordstore.Tx over a *sql.Tx.
type txWriter struct {
	q    querier
	node *snowflake.Node
}

func (t *txWriter) CreateConversation(ctx context.Context, sessionID string, metadata map[string]interface{}) (int64, error) {
	return createConversation(ctx, t.q, t.node, sessionID, metadata)
}

func (t *txWriter) AppendMessage(ctx context.Context, conversationID int64, role recordstore.Role, content string, metadata map[string]interface{}) (int64, error) {
	return appendMessage(ctx, t.q, t.node, conversationID, role, content, metadata)
}

func (t *txWriter) InsertFact(ctx context.Context, kind, content string, confidence float64, metadata map[string]interface{}) (int64, error) {
	return insertFact(ctx, t.q, t.node, kind, content, confidence, metadata)
}

func (t *txWriter) MarkFactEmbedded(ctx context.Context, factID, vectorEntryID int64) error {
	return markFactEmbedded(ctx, t.q, factID, vectorEntryID)
}

// createConversation inserts a conversation row with a fresh identity.
func createConversation(ctx context.Context, q querier, node *snowflake.Node, sessionID string, metadata map[string]interface{}) (int64, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("CreateConversation: empty session id: %w", recordstore.ErrInvalidArgument)
	}

	metadataJSON, err := marshalMetadata(metadata)
	if err != nil {
		return 0, fmt.Errorf("CreateConversation: %w", err)
	}

	id := node.Generate().Int64()
	_, err = q.ExecContext(ctx, `
		INSERT INTO conversations (id, session_id, metadata, created_at)
		VALUES (?, ?, ?, ?)
	`, id, sessionID, metadataJSON, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("CreateConversation: %w", classifyErr(err))
	}
	return id, nil
}

// appendMessage inserts a message row. The parent conversation is checked
// first so unknown parents surface as ErrReferentialViolation even before
// the foreign key fires.
func appendMessage(ctx context.Context, q querier, node *snowflake.Node, conversationID int64, role recordstore.Role, content string, metadata map[string]interface{}) (int64, error) {
	if !role.Valid() {
		return 0, fmt.Errorf("AppendMessage: unknown role %q: %w", role, recordstore.ErrInvalidArgument)
	}

	var exists int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("AppendMessage: conversation %d: %w", conversationID, recordstore.ErrReferentialViolation)
	}
	if err != nil {
		return 0, fmt.Errorf("AppendMessage: %w", classifyErr(err))
	}

	metadataJSON, err := marshalMetadata(metadata)
	if err != nil {
		return 0, fmt.Errorf("AppendMessage: %w", err)
	}

	id := node.Generate().Int64()
	_, err = q.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, conversationID, string(role), content, metadataJSON, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("AppendMessage: %w", classifyErr(err))
	}
	return id, nil
}

// insertFact inserts a fact row after validating confidence.
func insertFact(ctx context.Context, q querier, node *snowflake.Node, kind, content string, confidence float64, metadata map[string]interface{}) (int64, error) {
	if confidence < 0.0 || confidence > 1.0 {
		return 0, fmt.Errorf("InsertFact: confidence %v outside [0,1]: %w", confidence, recordstore.ErrInvalidArgument)
	}

	metadataJSON, err := marshalMetadata(metadata)
	if err != nil {
		return 0, fmt.Errorf("InsertFact: %w", err)
	}

	id := node.Generate().Int64()
	_, err = q.ExecContext(ctx, `
		INSERT INTO facts (id, kind, content, confidence, metadata, vector_entry_id, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
	`, id, kind, content, confidence, metadataJSON, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("InsertFact: %w", classifyErr(err))
	}
	return id, nil
}

// markFactEmbedded records the vector entry identity on a fact row.
func markFactEmbedded(ctx context.Context, q querier, factID, vectorEntryID int64) error {
	result, err := q.ExecContext(ctx, `
		UPDATE facts SET vector_entry_id = ? WHERE id = ?
	`, vectorEntryID, factID)
	if err != nil {
		return fmt.Errorf("MarkFactEmbedded: %w", classifyErr(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("MarkFactEmbedded: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("MarkFactEmbedded: fact %d: %w", factID, recordstore.ErrNotFound)
	}
	return nil
}

// classifyErr maps driver errors onto the record store taxonomy. Foreign
// key violations become ErrReferentialViolation; everything else from the
// medium is ErrStorageUnavailable.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%v: %w", err, recordstore.ErrReferentialViolation)
		}
	}
	if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
		return fmt.Errorf("%v: %w", err, recordstore.ErrReferentialViolation)
	}
	return fmt.Errorf("%v: %w", err, recordstore.ErrStorageUnavailable)
}
