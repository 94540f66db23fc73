// Package chromem provides an embedded, pure-Go implementation of the
// vector index backed by chromem-go.
//
// chromem-go keeps everything in process memory, which makes this backend
// suitable for local development and tests that should not touch disk.
// Entry identities are index-local counters; the (backRef, type) upsert
// key is tracked alongside so re-upserts keep their identity.
package chromem

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/TheSethRose/tristore/pkg/vectorindex"
)

const collectionName = "vector_entries"

// attrPrefix namespaces free-form attr keys in document metadata so they
// cannot collide with the reserved back_ref/tag_type keys.
const attrPrefix = "attr:"

// Client implements vectorindex.Index using chromem-go as the backend.
type Client struct {
	db         *chromem.DB
	col        *chromem.Collection
	dimensions int

	mu     sync.Mutex
	nextID int64
	// byKey maps "backRef/type" to the entry identity for in-place
	// upserts.
	byKey map[string]int64
}

// Config contains configuration for creating a chromem vector index.
type Config struct {
	// Dimensions is the fixed dimensionality of stored embeddings.
	Dimensions int
}

// NewClient creates a new chromem-backed vector index.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("NewChromemIndex: dimensions must be positive, got %d", cfg.Dimensions)
	}

	db := chromem.NewDB()
	col, err := db.CreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("NewChromemIndex: %w", err)
	}

	return &Client{
		db:         db,
		col:        col,
		dimensions: cfg.Dimensions,
		nextID:     1,
		byKey:      make(map[string]int64),
	}, nil
}

// Upsert stores an embedding, replacing an existing (backRef, tags.Type)
// entry in place.
func (c *Client) Upsert(ctx context.Context, embedding []float64, backRef int64, tags vectorindex.Tags) (int64, error) {
	if len(embedding) != c.dimensions {
		return 0, fmt.Errorf("Upsert: got %d dimensions, index has %d: %w",
			len(embedding), c.dimensions, vectorindex.ErrDimensionMismatch)
	}

	key := upsertKey(backRef, tags.Type)

	c.mu.Lock()
	defer c.mu.Unlock()

	id, exists := c.byKey[key]
	if !exists {
		id = c.nextID
		c.nextID++
	}

	metadata := map[string]string{
		"back_ref": strconv.FormatInt(backRef, 10),
		"tag_type": tags.Type,
	}
	for k, v := range tags.Attrs {
		metadata[attrPrefix+k] = v
	}

	doc := chromem.Document{
		ID:        strconv.FormatInt(id, 10),
		Content:   key,
		Embedding: toFloat32(embedding),
		Metadata:  metadata,
	}
	if err := c.col.AddDocument(ctx, doc); err != nil {
		return 0, fmt.Errorf("Upsert: %w", err)
	}
	// Register the key only once the document write succeeded, so List
	// never reports an entry with no backing document.
	c.byKey[key] = id
	return id, nil
}

// Query performs cosine similarity search, filter-then-rank.
//
// chromem requires nResults not to exceed the number of matching
// documents, so the limit is walked down until the query succeeds (the
// same clamp loop chromem callers commonly use). Ties are re-broken by
// ascending identity after the fetch.
func (c *Client) Query(ctx context.Context, embedding []float64, k int, filter *vectorindex.Filter) ([]vectorindex.Result, error) {
	if len(embedding) != c.dimensions {
		return nil, fmt.Errorf("Query: got %d dimensions, index has %d: %w",
			len(embedding), c.dimensions, vectorindex.ErrDimensionMismatch)
	}
	if k <= 0 || c.col.Count() == 0 {
		return []vectorindex.Result{}, nil
	}

	where := map[string]string{}
	if filter != nil {
		if filter.Type != "" {
			where["tag_type"] = filter.Type
		}
		for k, v := range filter.Attrs {
			where[attrPrefix+k] = v
		}
	}
	if len(where) == 0 {
		where = nil
	}

	query := toFloat32(embedding)

	var raw []chromem.Result
	for limit := min(k, c.col.Count()); limit >= 1; limit-- {
		var err error
		raw, err = c.col.QueryEmbedding(ctx, query, limit, where, nil)
		if err == nil {
			break
		}
		if isInsufficientDocsError(err) {
			if limit == 1 {
				return []vectorindex.Result{}, nil
			}
			continue
		}
		return nil, fmt.Errorf("Query: %w", err)
	}

	results := make([]vectorindex.Result, 0, len(raw))
	for _, r := range raw {
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			continue
		}
		backRef, err := strconv.ParseInt(r.Metadata["back_ref"], 10, 64)
		if err != nil {
			continue
		}
		results = append(results, vectorindex.Result{
			EntryID: id,
			BackRef: backRef,
			Score:   float64(r.Similarity),
		})
	}

	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Remove deletes an entry. Removing a nonexistent entry is a no-op.
func (c *Client) Remove(ctx context.Context, id int64) error {
	if err := c.col.Delete(ctx, nil, nil, strconv.FormatInt(id, 10)); err != nil {
		return fmt.Errorf("Remove: %w", err)
	}

	c.mu.Lock()
	for key, mapped := range c.byKey {
		if mapped == id {
			delete(c.byKey, key)
			break
		}
	}
	c.mu.Unlock()
	return nil
}

// List returns all entries without embeddings.
func (c *Client) List(ctx context.Context) ([]vectorindex.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make([]vectorindex.Entry, 0, len(c.byKey))
	for key, id := range c.byKey {
		backRef, tagType, ok := splitUpsertKey(key)
		if !ok {
			continue
		}
		entries = append(entries, vectorindex.Entry{
			ID:      id,
			BackRef: backRef,
			Tags:    vectorindex.Tags{Type: tagType},
		})
	}
	return entries, nil
}

// Dimensions returns the fixed dimensionality of the index.
func (c *Client) Dimensions() int {
	return c.dimensions
}

// Close releases resources. chromem keeps everything in memory, so there
// is nothing to flush.
func (c *Client) Close() error {
	return nil
}

func upsertKey(backRef int64, tagType string) string {
	return strconv.FormatInt(backRef, 10) + "/" + tagType
}

func splitUpsertKey(key string) (int64, string, bool) {
	i := strings.IndexByte(key, '/')
	if i < 0 {
		return 0, "", false
	}
	backRef, err := strconv.ParseInt(key[:i], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return backRef, key[i+1:], true
}

// sortResults orders by descending score, ties by ascending identity.
func sortResults(results []vectorindex.Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].EntryID < results[j].EntryID
	})
}

// isInsufficientDocsError reports whether a query failed only because
// nResults exceeded the matching document count.
func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
