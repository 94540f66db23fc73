// Package postgres provides the PostgreSQL + pgvector implementation of
// the vector index.
//
// Similarity ranking, tag filtering and the top-k cut all run server-side:
// cosine distance via the pgvector `<=>` operator and attrs containment
// via JSONB `@>`, so the filter is applied before the cut.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"

	"github.com/TheSethRose/tristore/pkg/vectorindex"
)

// Client implements vectorindex.Index using PostgreSQL with pgvector.
type Client struct {
	db         *sql.DB
	dimensions int
}

// Config contains PostgreSQL configuration.
type Config struct {
	Host       string
	Port       int
	User       string
	Password   string
	DBName     string
	SSLMode    string
	Dimensions int
}

// NewClient creates a new PostgreSQL vector index.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("NewPostgresIndex: dimensions must be positive, got %d", cfg.Dimensions)
	}

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresIndex: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewPostgresIndex: %w", vectorindex.ErrIndexUnavailable)
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

// initTables enables pgvector and creates the entries table.
func (c *Client) initTables(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("initTables: create extension: %w", err)
	}

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS vector_entries (
			id       BIGSERIAL PRIMARY KEY,
			embedding vector(%d) NOT NULL,
			back_ref BIGINT NOT NULL,
			tag_type VARCHAR(64) NOT NULL,
			attrs    JSONB NOT NULL DEFAULT '{}',
			UNIQUE (back_ref, tag_type)
		)
	`, c.dimensions)
	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("initTables: create table: %w", err)
	}

	indexQuery := `CREATE INDEX IF NOT EXISTS idx_vector_entries_type ON vector_entries(tag_type)`
	if _, err := c.db.ExecContext(ctx, indexQuery); err != nil {
		return fmt.Errorf("initTables: create index: %w", err)
	}
	return nil
}

// Upsert stores an embedding, replacing an existing (backRef, tags.Type)
// entry in place.
func (c *Client) Upsert(ctx context.Context, embedding []float64, backRef int64, tags vectorindex.Tags) (int64, error) {
	if len(embedding) != c.dimensions {
		return 0, fmt.Errorf("Upsert: got %d dimensions, index has %d: %w",
			len(embedding), c.dimensions, vectorindex.ErrDimensionMismatch)
	}

	attrs := tags.Attrs
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return 0, fmt.Errorf("Upsert: %w", err)
	}

	var id int64
	err = c.db.QueryRowContext(ctx, `
		INSERT INTO vector_entries (embedding, back_ref, tag_type, attrs)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (back_ref, tag_type)
		DO UPDATE SET embedding = EXCLUDED.embedding, attrs = EXCLUDED.attrs
		RETURNING id
	`, vectorToString(embedding), backRef, tags.Type, string(attrsJSON)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("Upsert: %w", classifyErr(err))
	}
	return id, nil
}

// Query performs cosine similarity search server-side, filter-then-rank.
func (c *Client) Query(ctx context.Context, embedding []float64, k int, filter *vectorindex.Filter) ([]vectorindex.Result, error) {
	if len(embedding) != c.dimensions {
		return nil, fmt.Errorf("Query: got %d dimensions, index has %d: %w",
			len(embedding), c.dimensions, vectorindex.ErrDimensionMismatch)
	}
	if k <= 0 {
		return []vectorindex.Result{}, nil
	}

	conditions := []string{}
	args := []interface{}{vectorToString(embedding)}
	if filter != nil && filter.Type != "" {
		args = append(args, filter.Type)
		conditions = append(conditions, fmt.Sprintf("tag_type = $%d", len(args)))
	}
	if filter != nil && len(filter.Attrs) > 0 {
		attrsJSON, err := json.Marshal(filter.Attrs)
		if err != nil {
			return nil, fmt.Errorf("Query: %w", err)
		}
		args = append(args, string(attrsJSON))
		conditions = append(conditions, fmt.Sprintf("attrs @> $%d::jsonb", len(args)))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	args = append(args, k)
	query := fmt.Sprintf(`
		SELECT id, back_ref, 1 - (embedding <=> $1) AS score
		FROM vector_entries
		%s
		ORDER BY embedding <=> $1, id
		LIMIT $%d
	`, whereClause, len(args))

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("Query: %w", classifyErr(err))
	}
	defer func() { _ = rows.Close() }()

	results := []vectorindex.Result{}
	for rows.Next() {
		var r vectorindex.Result
		if err := rows.Scan(&r.EntryID, &r.BackRef, &r.Score); err != nil {
			return nil, fmt.Errorf("Query: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Query: %w", classifyErr(err))
	}
	return results, nil
}

// Remove deletes an entry. Removing a nonexistent entry is a no-op.
func (c *Client) Remove(ctx context.Context, id int64) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM vector_entries WHERE id = $1`, id); err != nil {
		return fmt.Errorf("Remove: %w", classifyErr(err))
	}
	return nil
}

// List returns all entries without embeddings (the maintenance sweep only
// needs identities, back-references and tags).
func (c *Client) List(ctx context.Context) ([]vectorindex.Entry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, back_ref, tag_type, attrs FROM vector_entries ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("List: %w", classifyErr(err))
	}
	defer func() { _ = rows.Close() }()

	var entries []vectorindex.Entry
	for rows.Next() {
		var (
			entry    vectorindex.Entry
			attrsRaw []byte
		)
		if err := rows.Scan(&entry.ID, &entry.BackRef, &entry.Tags.Type, &attrsRaw); err != nil {
			return nil, fmt.Errorf("List: %w", err)
		}
		if len(attrsRaw) > 0 {
			if err := json.Unmarshal(attrsRaw, &entry.Tags.Attrs); err != nil {
				return nil, fmt.Errorf("List: %w", err)
			}
		}
		entries = append(entries, entry)
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

// classifyErr maps driver errors onto the index taxonomy.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return fmt.Errorf("%v: %w", err, vectorindex.ErrIndexUnavailable)
}

// vectorToString converts a vector to pgvector text format:
// "[0.1,0.2,0.3]".
func vectorToString(embedding []float64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	}
	sb.WriteByte(']')
	return sb.String()
}
