package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheSethRose/tristore/pkg/vectorindex"
)

func TestClient_Reconcile_RepairsUnindexedFacts(t *testing.T) {
	client, records, index, cleanup := setupClientTest(t)
	defer cleanup()

	ctx := context.Background()

	// A fact persisted without its index entry, as ingestion leaves it
	// when the index write exhausts its retries.
	factID, err := records.InsertFact(ctx, "user_fact", "likes Go", 0.9,
		map[string]interface{}{"session_id": "s1"})
	require.NoError(t, err)

	report, err := client.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.FactsReindexed)
	assert.Equal(t, 0, report.FactsStillUnindexed)
	assert.True(t, report.Mutated())

	// The fact is now marked embedded and its entry carries the tags.
	facts, err := records.GetFactsByIDs(ctx, []int64{factID})
	require.NoError(t, err)
	require.Contains(t, facts, factID)
	assert.True(t, facts[factID].Embedded())

	entries, err := index.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, factID, entries[0].BackRef)
	assert.Equal(t, vectorindex.TypeFact, entries[0].Tags.Type)
	assert.Equal(t, "s1", entries[0].Tags.Attrs["session_id"])
}

func TestClient_Reconcile_RemovesDanglingEntries(t *testing.T) {
	client, _, index, cleanup := setupClientTest(t)
	defer cleanup()

	ctx := context.Background()

	// An entry whose back-reference resolves to nothing durable.
	embedding := make([]float64, testDimensions)
	embedding[0] = 1
	_, err := index.Upsert(ctx, embedding, 999999, vectorindex.Tags{Type: vectorindex.TypeFact})
	require.NoError(t, err)

	report, err := client.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.EntriesRemoved)

	entries, err := index.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestClient_Reconcile_Idempotent(t *testing.T) {
	client, records, index, cleanup := setupClientTest(t)
	defer cleanup()

	ctx := context.Background()

	_, err := records.InsertFact(ctx, "user_fact", "likes Go", 0.9, nil)
	require.NoError(t, err)

	embedding := make([]float64, testDimensions)
	embedding[0] = 1
	_, err = index.Upsert(ctx, embedding, 888888, vectorindex.Tags{Type: vectorindex.TypeFact})
	require.NoError(t, err)

	first, err := client.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, first.Mutated())

	// The second run in succession performs no additional mutations.
	second, err := client.Reconcile(ctx)
	require.NoError(t, err)
	assert.False(t, second.Mutated())
	assert.Zero(t, second.FactsReindexed)
	assert.Zero(t, second.EntriesRemoved)
	assert.Zero(t, second.SessionsReaped)
}

func TestClient_Reconcile_ReapsExpiredSessions(t *testing.T) {
	client, _, _, cleanup := setupClientTest(t)
	defer cleanup()

	ctx := context.Background()

	clock := newFrozenClock()
	client.Sessions().SetClock(clock.Now)

	_, err := client.Ingest(ctx, "s1", userTurn("hello"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1"}, client.Sessions().ActiveSessions())

	clock.Advance(31 * time.Minute)

	report, err := client.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.SessionsReaped)
	assert.Empty(t, client.Sessions().ActiveSessions())
}

func TestClient_Reconcile_LeavesIntactStateAlone(t *testing.T) {
	client, _, _, cleanup := setupClientTest(t)
	defer cleanup()

	ctx := context.Background()

	_, err := client.Ingest(ctx, "s1", userTurn("I work as a software engineer"))
	require.NoError(t, err)

	report, err := client.Reconcile(ctx)
	require.NoError(t, err)
	assert.False(t, report.Mutated())

	// Recall still works after the pass.
	items, err := client.Recall(ctx, "s1", "job?", 1)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

// frozenClock is a manually advanced clock.
type frozenClock struct {
	now time.Time
}

func newFrozenClock() *frozenClock {
	return &frozenClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *frozenClock) Now() time.Time { return f.now }

func (f *frozenClock) Advance(d time.Duration) { f.now = f.now.Add(d) }
