package core

import (
	"context"
	"fmt"
	"math"

	"github.com/TheSethRose/tristore/pkg/recordstore"
	"github.com/TheSethRose/tristore/pkg/vectorindex"
)

// Recall retrieves up to k memory items relevant to the query text.
//
// The retrieval path embeds the query, over-fetches ceil(k*(1+slack))
// candidates from the vector index to absorb stale back-references,
// hydrates each candidate from the durable record store, drops the stale
// ones, and truncates to k. With WithRecentMessages, the session's
// recent-message ring is merged in at the head, deduplicated against the
// ranked results by durable message identity.
//
// If the vector index or the embedder is unreachable, Recall degrades to
// the session cache's recent-message ring rather than failing: partial
// availability beats total failure on a read path. If the caller's
// deadline expires mid-hydration, Recall returns whatever was hydrated so
// far.
func (c *Client) Recall(ctx context.Context, sessionID, query string, k int, opts ...RecallOption) ([]MemoryItem, error) {
	const op = "Recall"

	if err := c.checkOpen(op); err != nil {
		return nil, err
	}
	if query == "" {
		return nil, NewMemoryError(op, fmt.Errorf("query is empty: %w", recordstore.ErrInvalidArgument))
	}
	if k <= 0 {
		return nil, NewMemoryError(op, fmt.Errorf("k must be positive, got %d: %w", k, recordstore.ErrInvalidArgument))
	}

	options := &recallOptions{slack: c.cfg.Recall.Slack}
	for _, opt := range opts {
		opt(options)
	}

	cacheKey := recallCacheKey(sessionID, query, k, options)
	if c.recallCache != nil {
		if cached, ok := c.recallCache.Get(cacheKey); ok {
			if items, ok := cached.([]MemoryItem); ok {
				return items, nil
			}
		}
	}

	var queryEmbedding []float64
	err := c.retry(ctx, func(ctx context.Context) error {
		var embedErr error
		queryEmbedding, embedErr = c.embedder.Embed(ctx, query)
		return embedErr
	})
	if err != nil {
		if permanent(err) {
			return nil, NewMemoryError(op, err)
		}
		c.logger.Warn("query embedding failed, degrading to session cache",
			"session_id", sessionID, "error", err)
		return c.recallFromRing(sessionID), nil
	}

	fetchK := int(math.Ceil(float64(k) * (1 + options.slack)))
	var results []vectorindex.Result
	err = c.retry(ctx, func(ctx context.Context) error {
		var queryErr error
		results, queryErr = c.index.Query(ctx, queryEmbedding, fetchK, options.filter)
		return queryErr
	})
	if err != nil {
		if permanent(err) {
			return nil, NewMemoryError(op, err)
		}
		c.logger.Warn("vector index unreachable, degrading to session cache",
			"session_id", sessionID, "error", err)
		return c.recallFromRing(sessionID), nil
	}

	items := c.hydrate(ctx, sessionID, results, k)

	if options.mergeRecent {
		items = c.mergeRecent(sessionID, items, k, options.recentHead)
	}

	if c.recallCache != nil {
		c.recallCache.SetWithTTL(cacheKey, items, int64(len(items)+1), c.cfg.Recall.CacheTTL.Std())
	}
	return items, nil
}

// hydrate resolves index hits against the durable record store, dropping
// entries whose back-reference no longer resolves, and truncates to k.
// On a store failure or an expired deadline it returns whatever was
// hydrated so far.
func (c *Client) hydrate(ctx context.Context, sessionID string, results []vectorindex.Result, k int) []MemoryItem {
	items := make([]MemoryItem, 0, k)
	if len(results) == 0 {
		return items
	}

	backRefs := make([]int64, 0, len(results))
	for _, r := range results {
		backRefs = append(backRefs, r.BackRef)
	}

	facts := map[int64]*recordstore.Fact{}
	err := c.retry(ctx, func(ctx context.Context) error {
		var getErr error
		facts, getErr = c.records.GetFactsByIDs(ctx, backRefs)
		return getErr
	})
	if err != nil {
		c.logger.Warn("fact hydration failed",
			"session_id", sessionID, "error", err)
		return items
	}

	// Back-references not resolving as facts may be messages (context
	// entries); anything resolving as neither is stale and dropped.
	var messageRefs []int64
	for _, r := range results {
		if _, ok := facts[r.BackRef]; !ok {
			messageRefs = append(messageRefs, r.BackRef)
		}
	}
	messages := map[int64]*recordstore.Message{}
	if len(messageRefs) > 0 && ctx.Err() == nil {
		err = c.retry(ctx, func(ctx context.Context) error {
			var getErr error
			messages, getErr = c.records.GetMessagesByIDs(ctx, messageRefs)
			return getErr
		})
		if err != nil {
			c.logger.Warn("message hydration failed",
				"session_id", sessionID, "error", err)
			messages = map[int64]*recordstore.Message{}
		}
	}

	for _, r := range results {
		if len(items) == k {
			break
		}
		if fact, ok := facts[r.BackRef]; ok {
			items = append(items, MemoryItem{
				ID:        fact.ID,
				Source:    SourceFact,
				Kind:      fact.Kind,
				Content:   fact.Content,
				Score:     r.Score,
				CreatedAt: fact.CreatedAt,
				Metadata:  fact.Metadata,
			})
			continue
		}
		if msg, ok := messages[r.BackRef]; ok {
			items = append(items, MemoryItem{
				ID:        msg.ID,
				Source:    SourceMessage,
				Content:   msg.Content,
				Score:     r.Score,
				CreatedAt: msg.CreatedAt,
				Metadata:  msg.Metadata,
			})
		}
	}
	return items
}

// mergeRecent inserts up to head ring entries ahead of the ranked items,
// deduplicated by durable message identity, and re-truncates to k.
// Recency beats semantic similarity for items already in working memory.
func (c *Client) mergeRecent(sessionID string, ranked []MemoryItem, k, head int) []MemoryItem {
	recent := c.sessions.Recent(sessionID)
	if head > 0 && len(recent) > head {
		recent = recent[:head]
	}
	if len(recent) == 0 {
		return ranked
	}

	seen := make(map[int64]struct{}, len(ranked))
	for _, item := range ranked {
		if item.Source == SourceMessage {
			seen[item.ID] = struct{}{}
		}
	}

	merged := make([]MemoryItem, 0, len(recent)+len(ranked))
	for _, rm := range recent {
		if rm.MessageID != 0 {
			if _, dup := seen[rm.MessageID]; dup {
				continue
			}
		}
		merged = append(merged, MemoryItem{
			ID:        rm.MessageID,
			Source:    SourceRecent,
			Content:   rm.Content,
			CreatedAt: rm.Timestamp,
			Metadata:  map[string]interface{}{"role": rm.Role},
		})
	}
	merged = append(merged, ranked...)
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged
}

// recallFromRing is the degraded read path: the session cache's
// recent-message ring, most recent first, exactly as cached.
func (c *Client) recallFromRing(sessionID string) []MemoryItem {
	recent := c.sessions.Recent(sessionID)
	items := make([]MemoryItem, 0, len(recent))
	for _, rm := range recent {
		items = append(items, MemoryItem{
			ID:        rm.MessageID,
			Source:    SourceRecent,
			Content:   rm.Content,
			CreatedAt: rm.Timestamp,
			Metadata:  map[string]interface{}{"role": rm.Role},
		})
	}
	return items
}

func recallCacheKey(sessionID, query string, k int, options *recallOptions) string {
	filterKey := ""
	if options.filter != nil {
		filterKey = fmt.Sprintf("%s|%v", options.filter.Type, options.filter.Attrs)
	}
	return fmt.Sprintf("%s\x00%s\x00%d\x00%g\x00%t\x00%d\x00%s",
		sessionID, query, k, options.slack, options.mergeRecent, options.recentHead, filterKey)
}
