package core_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheSethRose/tristore/pkg/core"
	"github.com/TheSethRose/tristore/pkg/embedder/local"
	"github.com/TheSethRose/tristore/pkg/policy/keyword"
	"github.com/TheSethRose/tristore/pkg/recordstore"
	sqliteRecords "github.com/TheSethRose/tristore/pkg/recordstore/sqlite"
	"github.com/TheSethRose/tristore/pkg/vectorindex"
	sqliteIndex "github.com/TheSethRose/tristore/pkg/vectorindex/sqlite"
)

// cancelingStore expires the caller's context as soon as fact hydration
// completes, so the deadline runs out between the fact and message
// lookups.
type cancelingStore struct {
	recordstore.Store
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (s *cancelingStore) arm(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

func (s *cancelingStore) GetFactsByIDs(ctx context.Context, ids []int64) (map[int64]*recordstore.Fact, error) {
	facts, err := s.Store.GetFactsByIDs(ctx, ids)
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	return facts, err
}

func TestClient_Recall_DeadlineMidHydrationReturnsPartial(t *testing.T) {
	recordsPath := "./test_core_deadline.db"
	vectorsPath := "./test_core_deadline_vectors.db"
	_ = os.Remove(recordsPath)
	_ = os.Remove(vectorsPath)
	defer func() {
		_ = os.Remove(recordsPath)
		_ = os.Remove(vectorsPath)
	}()

	records, err := sqliteRecords.NewClient(&sqliteRecords.Config{DBPath: recordsPath})
	require.NoError(t, err)
	store := &cancelingStore{Store: records}

	index, err := sqliteIndex.NewClient(&sqliteIndex.Config{DBPath: vectorsPath, Dimensions: testDimensions})
	require.NoError(t, err)

	client, err := core.NewClientWith(testConfig(), store, index, local.New(testDimensions), keyword.New())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	ctx := context.Background()

	factTurn, err := client.Ingest(ctx, "s1", userTurn("My name is Ada"))
	require.NoError(t, err)
	require.Len(t, factTurn.FactIDs, 1)

	msgTurn, err := client.Ingest(ctx, "s1", userTurn("hello there"))
	require.NoError(t, err)
	require.Empty(t, msgTurn.FactIDs)

	// Index the plain message as a context entry so hydration has both a
	// fact lookup and a message lookup to perform.
	embedding, err := local.New(testDimensions).Embed(ctx, "hello there")
	require.NoError(t, err)
	_, err = index.Upsert(ctx, embedding, msgTurn.MessageID, vectorindex.Tags{Type: vectorindex.TypeContext})
	require.NoError(t, err)

	// With an intact deadline both back-references hydrate.
	full, err := client.Recall(ctx, "s1", "hello Ada", 2)
	require.NoError(t, err)
	require.Len(t, full, 2)

	// The deadline expires after the fact lookup; the message lookup is
	// skipped and whatever hydrated so far comes back without an error.
	recallCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	store.arm(cancel)

	partial, err := client.Recall(recallCtx, "s1", "hello Ada", 2)
	require.NoError(t, err)
	require.Len(t, partial, 1)
	assert.Equal(t, core.SourceFact, partial[0].Source)
	assert.Equal(t, factTurn.FactIDs[0], partial[0].ID)
}
