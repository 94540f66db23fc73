package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/TheSethRose/tristore/pkg/policy"
	"github.com/TheSethRose/tristore/pkg/recordstore"
	"github.com/TheSethRose/tristore/pkg/sessioncache"
	"github.com/TheSethRose/tristore/pkg/vectorindex"
)

// Ingest records one conversational turn.
//
// The write path is an ordered saga: the message is appended durably
// first, then extracted facts are persisted and indexed, then the session
// cache is refreshed. A vector index write that fails after bounded
// retries leaves the fact durable but unindexed; this is reported on the
// Receipt (UnindexedFactIDs, Degraded), never as an error, and Reconcile
// repairs it later. The index is never written before the durable fact
// commits.
//
// Returns an error only when the durable record store rejects the write:
// transient unavailability that outlasts the retry budget, a referential
// violation, or an invalid argument.
func (c *Client) Ingest(ctx context.Context, sessionID string, msg IngestMessage, opts ...IngestOption) (*Receipt, error) {
	const op = "Ingest"

	if err := c.checkOpen(op); err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, NewMemoryError(op, fmt.Errorf("session id is empty: %w", recordstore.ErrInvalidArgument))
	}
	if !msg.Role.Valid() {
		return nil, NewMemoryError(op, fmt.Errorf("unknown role %q: %w", msg.Role, recordstore.ErrInvalidArgument))
	}
	if msg.Content == "" {
		return nil, NewMemoryError(op, fmt.Errorf("message content is empty: %w", recordstore.ErrInvalidArgument))
	}

	options := &ingestOptions{}
	for _, opt := range opts {
		opt(options)
	}

	receipt := &Receipt{ID: uuid.New().String()}

	conversationID, err := c.resolveConversation(ctx, sessionID, options.conversationMetadata)
	if err != nil {
		return nil, NewMemoryError(op, err)
	}
	receipt.ConversationID = conversationID

	// Step 1: durable message append. Failure here fails the whole call;
	// nothing else has happened yet.
	err = c.retry(ctx, func(ctx context.Context) error {
		id, appendErr := c.records.AppendMessage(ctx, conversationID, msg.Role, msg.Content, msg.Metadata)
		if appendErr != nil {
			return appendErr
		}
		receipt.MessageID = id
		return nil
	})
	if err != nil {
		return nil, NewMemoryError(op, err)
	}

	// Step 2: fact extraction. A failing policy degrades the receipt but
	// never loses the message.
	var candidates []policy.Candidate
	err = c.retry(ctx, func(ctx context.Context) error {
		var extractErr error
		candidates, extractErr = c.policy.Extract(ctx, msg.Role, msg.Content)
		return extractErr
	})
	if err != nil {
		c.logger.Warn("fact extraction failed, continuing without facts",
			"session_id", sessionID, "error", err)
		receipt.Degraded = true
		candidates = nil
	}

	// Step 3: persist and index each fact. The fact row always commits
	// before its vector entry is written.
	for _, cand := range candidates {
		factID, factErr := c.persistFact(ctx, sessionID, receipt.MessageID, options.userID, cand)
		if factErr != nil {
			return nil, NewMemoryError(op, factErr)
		}
		receipt.FactIDs = append(receipt.FactIDs, factID)

		if indexErr := c.indexFact(ctx, sessionID, factID, cand, options.userID); indexErr != nil {
			c.logger.Warn("vector index write failed, fact persisted unindexed",
				"session_id", sessionID, "fact_id", factID, "error", indexErr)
			receipt.UnindexedFactIDs = append(receipt.UnindexedFactIDs, factID)
			receipt.Degraded = true
		}
	}

	// Step 4: session cache refresh. In-process, cannot fail.
	c.touchSession(sessionID, options.userID)
	c.sessions.PushRecentMessage(sessionID, sessioncache.RecentMessage{
		MessageID: receipt.MessageID,
		Role:      string(msg.Role),
		Content:   msg.Content,
		Timestamp: time.Now(),
	})

	if c.recallCache != nil {
		c.recallCache.Clear()
	}

	return receipt, nil
}

// resolveConversation finds the session's conversation, creating it on
// the session's first message. Metadata, if given, is merged into an
// existing conversation.
func (c *Client) resolveConversation(ctx context.Context, sessionID string, metadata map[string]interface{}) (int64, error) {
	var conversationID int64
	err := c.retry(ctx, func(ctx context.Context) error {
		conv, getErr := c.records.GetConversationBySession(ctx, sessionID)
		if getErr == nil {
			conversationID = conv.ID
			return nil
		}
		if !errors.Is(getErr, recordstore.ErrNotFound) {
			return getErr
		}
		id, createErr := c.records.CreateConversation(ctx, sessionID, metadata)
		if createErr != nil {
			return createErr
		}
		conversationID = id
		metadata = nil
		return nil
	})
	if err != nil {
		return 0, err
	}

	if metadata != nil {
		err = c.retry(ctx, func(ctx context.Context) error {
			return c.records.MergeConversationMetadata(ctx, conversationID, metadata)
		})
		if err != nil {
			return 0, err
		}
	}
	return conversationID, nil
}

// persistFact writes one extracted fact inside a scoped transaction.
func (c *Client) persistFact(ctx context.Context, sessionID string, messageID int64, userID string, cand policy.Candidate) (int64, error) {
	metadata := map[string]interface{}{
		"session_id": sessionID,
		"message_id": messageID,
	}
	if userID != "" {
		metadata["user_id"] = userID
	}

	var factID int64
	err := c.retry(ctx, func(ctx context.Context) error {
		return c.records.WithTx(ctx, func(tx recordstore.Tx) error {
			id, insertErr := tx.InsertFact(ctx, cand.Kind, cand.Content, cand.Confidence, metadata)
			if insertErr != nil {
				return insertErr
			}
			factID = id
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return factID, nil
}

// indexFact embeds a persisted fact, writes its vector entry, and marks
// the fact embedded. Called only after the fact row has committed.
func (c *Client) indexFact(ctx context.Context, sessionID string, factID int64, cand policy.Candidate, userID string) error {
	var embedding []float64
	err := c.retry(ctx, func(ctx context.Context) error {
		var embedErr error
		embedding, embedErr = c.embedder.Embed(ctx, cand.Content)
		return embedErr
	})
	if err != nil {
		return err
	}

	tags := vectorindex.Tags{
		Type: vectorindex.TypeFact,
		Attrs: map[string]string{
			"kind":       cand.Kind,
			"session_id": sessionID,
		},
	}
	if userID != "" {
		tags.Attrs["user_id"] = userID
	}

	var entryID int64
	err = c.retry(ctx, func(ctx context.Context) error {
		id, upsertErr := c.index.Upsert(ctx, embedding, factID, tags)
		if upsertErr != nil {
			return upsertErr
		}
		entryID = id
		return nil
	})
	if err != nil {
		return err
	}

	return c.retry(ctx, func(ctx context.Context) error {
		return c.records.WithTx(ctx, func(tx recordstore.Tx) error {
			return tx.MarkFactEmbedded(ctx, factID, entryID)
		})
	})
}

// touchSession creates or refreshes the cached session.
func (c *Client) touchSession(sessionID, userID string) {
	if _, ok := c.sessions.Get(sessionID); !ok {
		c.sessions.Create(sessionID, userID, nil)
		return
	}
	if userID != "" {
		c.sessions.Update(sessionID, sessioncache.Update{UserID: &userID})
	}
}
