package core

import (
	"context"

	"github.com/TheSethRose/tristore/pkg/recordstore"
	"github.com/TheSethRose/tristore/pkg/vectorindex"
)

// reconcileBatchSize bounds how many unindexed facts one pass repairs.
const reconcileBatchSize = 256

// Reconcile runs one maintenance pass: reaps expired sessions from the
// active-session set, re-embeds and indexes facts whose vector write
// failed during ingestion, and removes vector entries whose
// back-reference no longer resolves durably.
//
// The pass is idempotent: run twice in succession, the second run
// performs no additional mutations. It is safe to run concurrently with
// ingestion; a fact ingested mid-pass is either repaired now or left for
// the next pass.
func (c *Client) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	const op = "Reconcile"

	if err := c.checkOpen(op); err != nil {
		return nil, err
	}

	report := &ReconcileReport{}

	report.SessionsReaped = c.sessions.ReapExpired()

	if err := c.reindexFacts(ctx, report); err != nil {
		return report, NewMemoryError(op, err)
	}
	if err := c.sweepDangling(ctx, report); err != nil {
		return report, NewMemoryError(op, err)
	}

	if report.Mutated() {
		c.logger.Info("reconcile pass mutated state",
			"sessions_reaped", report.SessionsReaped,
			"facts_reindexed", report.FactsReindexed,
			"facts_still_unindexed", report.FactsStillUnindexed,
			"entries_removed", report.EntriesRemoved)
		if c.recallCache != nil {
			c.recallCache.Clear()
		}
	}
	return report, nil
}

// reindexFacts embeds and indexes facts that have no vector entry yet.
func (c *Client) reindexFacts(ctx context.Context, report *ReconcileReport) error {
	var pending []*recordstore.Fact
	err := c.retry(ctx, func(ctx context.Context) error {
		var listErr error
		pending, listErr = c.records.ListUnembeddedFacts(ctx, reconcileBatchSize)
		return listErr
	})
	if err != nil {
		return err
	}

	for _, fact := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.reindexOne(ctx, fact); err != nil {
			c.logger.Warn("fact re-indexing failed, leaving for next pass",
				"fact_id", fact.ID, "error", err)
			report.FactsStillUnindexed++
			continue
		}
		report.FactsReindexed++
	}
	return nil
}

// reindexOne repeats the ingestion-time index write for one fact. The
// index upsert is keyed by back-reference, so repeating it after a
// partial earlier attempt replaces rather than duplicates.
func (c *Client) reindexOne(ctx context.Context, fact *recordstore.Fact) error {
	var embedding []float64
	err := c.retry(ctx, func(ctx context.Context) error {
		var embedErr error
		embedding, embedErr = c.embedder.Embed(ctx, fact.Content)
		return embedErr
	})
	if err != nil {
		return err
	}

	tags := vectorindex.Tags{
		Type:  vectorindex.TypeFact,
		Attrs: map[string]string{"kind": fact.Kind},
	}
	if sid, ok := fact.Metadata["session_id"].(string); ok {
		tags.Attrs["session_id"] = sid
	}
	if uid, ok := fact.Metadata["user_id"].(string); ok {
		tags.Attrs["user_id"] = uid
	}

	var entryID int64
	err = c.retry(ctx, func(ctx context.Context) error {
		id, upsertErr := c.index.Upsert(ctx, embedding, fact.ID, tags)
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
			return tx.MarkFactEmbedded(ctx, fact.ID, entryID)
		})
	})
}

// sweepDangling removes vector entries whose back-reference resolves to
// neither a fact nor a message.
func (c *Client) sweepDangling(ctx context.Context, report *ReconcileReport) error {
	var entries []vectorindex.Entry
	err := c.retry(ctx, func(ctx context.Context) error {
		var listErr error
		entries, listErr = c.index.List(ctx)
		return listErr
	})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	backRefs := make([]int64, 0, len(entries))
	for _, e := range entries {
		backRefs = append(backRefs, e.BackRef)
	}

	var facts map[int64]*recordstore.Fact
	err = c.retry(ctx, func(ctx context.Context) error {
		var getErr error
		facts, getErr = c.records.GetFactsByIDs(ctx, backRefs)
		return getErr
	})
	if err != nil {
		return err
	}

	var messageRefs []int64
	for _, ref := range backRefs {
		if _, ok := facts[ref]; !ok {
			messageRefs = append(messageRefs, ref)
		}
	}
	messages := map[int64]*recordstore.Message{}
	if len(messageRefs) > 0 {
		err = c.retry(ctx, func(ctx context.Context) error {
			var getErr error
			messages, getErr = c.records.GetMessagesByIDs(ctx, messageRefs)
			return getErr
		})
		if err != nil {
			return err
		}
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, ok := facts[e.BackRef]; ok {
			continue
		}
		if _, ok := messages[e.BackRef]; ok {
			continue
		}
		entryID := e.ID
		err = c.retry(ctx, func(ctx context.Context) error {
			return c.index.Remove(ctx, entryID)
		})
		if err != nil {
			c.logger.Warn("dangling entry removal failed, leaving for next pass",
				"entry_id", entryID, "error", err)
			continue
		}
		report.EntriesRemoved++
	}
	return nil
}
