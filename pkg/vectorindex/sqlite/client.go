// Package sqlite provides the SQLite implementation of the vector index.
//
// SQLite has no native vector operations, so embeddings are stored as
// JSON strings in TEXT fields and similarity is computed in memory over
// the candidate rows. AUTOINCREMENT entry identities preserve insertion
// order, which the query contract uses as its tie-breaker.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TheSethRose/tristore/pkg/vectorindex"
)

// Client implements vectorindex.Index using SQLite as the backend.
type Client struct {
	// db is the SQLite database connection.
	db *sql.DB

	// dimensions is the fixed dimensionality of the index.
	dimensions int
}

// Config contains configuration for creating a SQLite vector index.
type Config struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// Dimensions is the fixed dimensionality of stored embeddings.
	Dimensions int
}

// NewClient creates a new SQLite vector index.
//
// Parameters:
//   - cfg: Configuration containing the database path and dimensionality
//
// Returns:
//   - *Client: The vector index instance
//   - error: Error if database connection or table creation fails
func NewClient(cfg *Config) (*Client, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("NewVectorIndex: dimensions must be positive, got %d", cfg.Dimensions)
	}

	dbDir := filepath.Dir(cfg.DBPath)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("NewVectorIndex: failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("NewVectorIndex: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewVectorIndex: %w", vectorindex.ErrIndexUnavailable)
	}

	client := &Client{
		db:         db,
		dimensions: cfg.Dimensions,
	}

	if err := client.initTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return client, nil
}

// initTables initializes the database table structure.
func (c *Client) initTables(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS vector_entries (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			embedding TEXT NOT NULL,
			back_ref  INTEGER NOT NULL,
			tag_type  TEXT NOT NULL,
			attrs     TEXT NOT NULL DEFAULT '{}',
			UNIQUE (back_ref, tag_type)
		)
	`
	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}

	indexQuery := `CREATE INDEX IF NOT EXISTS idx_vector_entries_type ON vector_entries(tag_type)`
	if _, err := c.db.ExecContext(ctx, indexQuery); err != nil {
		return fmt.Errorf("initTables: %w", err)
	}
	return nil
}

// Upsert stores an embedding. An existing (backRef, tags.Type) entry is
// replaced in place and keeps its identity.
func (c *Client) Upsert(ctx context.Context, embedding []float64, backRef int64, tags vectorindex.Tags) (int64, error) {
	if len(embedding) != c.dimensions {
		return 0, fmt.Errorf("Upsert: got %d dimensions, index has %d: %w",
			len(embedding), c.dimensions, vectorindex.ErrDimensionMismatch)
	}

	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return 0, fmt.Errorf("Upsert: %w", err)
	}
	attrsJSON, err := json.Marshal(attrsOrEmpty(tags.Attrs))
	if err != nil {
		return 0, fmt.Errorf("Upsert: %w", err)
	}

	var existingID int64
	err = c.db.QueryRowContext(ctx, `
		SELECT id FROM vector_entries WHERE back_ref = ? AND tag_type = ?
	`, backRef, tags.Type).Scan(&existingID)
	switch {
	case err == nil:
		_, err = c.db.ExecContext(ctx, `
			UPDATE vector_entries SET embedding = ?, attrs = ? WHERE id = ?
		`, string(embeddingJSON), string(attrsJSON), existingID)
		if err != nil {
			return 0, fmt.Errorf("Upsert: %w", classifyErr(err))
		}
		return existingID, nil
	case errors.Is(err, sql.ErrNoRows):
		result, err := c.db.ExecContext(ctx, `
			INSERT INTO vector_entries (embedding, back_ref, tag_type, attrs)
			VALUES (?, ?, ?, ?)
		`, string(embeddingJSON), backRef, tags.Type, string(attrsJSON))
		if err != nil {
			return 0, fmt.Errorf("Upsert: %w", classifyErr(err))
		}
		id, err := result.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("Upsert: %w", err)
		}
		return id, nil
	default:
		return 0, fmt.Errorf("Upsert: %w", classifyErr(err))
	}
}

// Query performs cosine similarity search, filter-then-rank.
//
// Ordering: descending similarity, ties broken by ascending entry
// identity (insertion order).
func (c *Client) Query(ctx context.Context, embedding []float64, k int, filter *vectorindex.Filter) ([]vectorindex.Result, error) {
	if len(embedding) != c.dimensions {
		return nil, fmt.Errorf("Query: got %d dimensions, index has %d: %w",
			len(embedding), c.dimensions, vectorindex.ErrDimensionMismatch)
	}
	if k <= 0 {
		return []vectorindex.Result{}, nil
	}

	// Narrow by type in SQL; attrs containment is checked in memory after
	// scanning, still before the top-k cut.
	query := `SELECT id, embedding, back_ref, tag_type, attrs FROM vector_entries`
	args := []interface{}{}
	if filter != nil && filter.Type != "" {
		query += ` WHERE tag_type = ?`
		args = append(args, filter.Type)
	}
	query += ` ORDER BY id`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("Query: %w", classifyErr(err))
	}
	defer func() { _ = rows.Close() }()

	results := []vectorindex.Result{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("Query: %w", err)
		}
		if !filter.Matches(entry.Tags) {
			continue
		}
		results = append(results, vectorindex.Result{
			EntryID: entry.ID,
			BackRef: entry.BackRef,
			Score:   cosineSimilarity(embedding, entry.Embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Query: %w", classifyErr(err))
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].EntryID < results[j].EntryID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Remove deletes an entry. Removing a nonexistent entry is a no-op.
func (c *Client) Remove(ctx context.Context, id int64) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM vector_entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("Remove: %w", classifyErr(err))
	}
	return nil
}

// List returns all entries, insertion order.
func (c *Client) List(ctx context.Context) ([]vectorindex.Entry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, embedding, back_ref, tag_type, attrs FROM vector_entries ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("List: %w", classifyErr(err))
	}
	defer func() { _ = rows.Close() }()

	var entries []vectorindex.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("List: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("List: %w", classifyErr(err))
	}
	return entries, nil
}

// Dimensions returns the fixed dimensionality of the index.
func (c *Client) Dimensions() int {
	return c.dimensions
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// scanEntry scans one vector_entries row.
func scanEntry(rows *sql.Rows) (*vectorindex.Entry, error) {
	var (
		entry        vectorindex.Entry
		embeddingRaw string
		attrsRaw     string
	)
	if err := rows.Scan(&entry.ID, &embeddingRaw, &entry.BackRef, &entry.Tags.Type, &attrsRaw); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(embeddingRaw), &entry.Embedding); err != nil {
		return nil, err
	}
	if attrsRaw != "" && attrsRaw != "{}" {
		if err := json.Unmarshal([]byte(attrsRaw), &entry.Tags.Attrs); err != nil {
			return nil, err
		}
	}
	return &entry, nil
}

// classifyErr maps driver errors onto the index taxonomy. Any failure of
// the medium surfaces as ErrIndexUnavailable so the coordinator's retry
// and degradation policies can key off it.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%v: %w", err, vectorindex.ErrIndexUnavailable)
}

// attrsOrEmpty substitutes an empty map for nil so the JSON column stays
// an object.
func attrsOrEmpty(attrs map[string]string) map[string]string {
	if attrs == nil {
		return map[string]string{}
	}
	return attrs
}

// cosineSimilarity computes the cosine similarity of two equal-length
// vectors. Zero vectors yield 0.
func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
