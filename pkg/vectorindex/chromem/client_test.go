package chromem_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheSethRose/tristore/pkg/vectorindex"
	chromemIndex "github.com/TheSethRose/tristore/pkg/vectorindex/chromem"
)

func setupChromemTest(t *testing.T) vectorindex.Index {
	index, err := chromemIndex.NewClient(&chromemIndex.Config{Dimensions: 3})
	require.NoError(t, err)
	return index
}

func TestClient_UpsertAndQuery(t *testing.T) {
	index := setupChromemTest(t)
	ctx := context.Background()

	exact, err := index.Upsert(ctx, []float64{1, 0, 0}, 1, vectorindex.Tags{Type: vectorindex.TypeFact})
	require.NoError(t, err)
	_, err = index.Upsert(ctx, []float64{0, 1, 0}, 2, vectorindex.Tags{Type: vectorindex.TypeFact})
	require.NoError(t, err)

	results, err := index.Query(ctx, []float64{1, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, exact, results[0].EntryID)
	assert.Equal(t, int64(1), results[0].BackRef)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
}

func TestClient_Query_EmptyIndex(t *testing.T) {
	index := setupChromemTest(t)

	results, err := index.Query(context.Background(), []float64{1, 0, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestClient_Query_KLargerThanIndex(t *testing.T) {
	index := setupChromemTest(t)
	ctx := context.Background()

	_, err := index.Upsert(ctx, []float64{1, 0, 0}, 1, vectorindex.Tags{Type: vectorindex.TypeFact})
	require.NoError(t, err)

	// Asking for more results than stored documents must clamp, not fail.
	results, err := index.Query(ctx, []float64{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestClient_Query_Filter(t *testing.T) {
	index := setupChromemTest(t)
	ctx := context.Background()

	_, err := index.Upsert(ctx, []float64{1, 0, 0}, 1, vectorindex.Tags{
		Type:  vectorindex.TypeFact,
		Attrs: map[string]string{"user_id": "other"},
	})
	require.NoError(t, err)
	mine, err := index.Upsert(ctx, []float64{0, 1, 0}, 2, vectorindex.Tags{
		Type:  vectorindex.TypeFact,
		Attrs: map[string]string{"user_id": "me"},
	})
	require.NoError(t, err)

	results, err := index.Query(ctx, []float64{1, 0, 0}, 5, &vectorindex.Filter{
		Type:  vectorindex.TypeFact,
		Attrs: map[string]string{"user_id": "me"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, mine, results[0].EntryID)
}

func TestClient_Upsert_ReplacesKeepingID(t *testing.T) {
	index := setupChromemTest(t)
	ctx := context.Background()

	original, err := index.Upsert(ctx, []float64{1, 0, 0}, 42, vectorindex.Tags{Type: vectorindex.TypeFact})
	require.NoError(t, err)
	replaced, err := index.Upsert(ctx, []float64{0, 1, 0}, 42, vectorindex.Tags{Type: vectorindex.TypeFact})
	require.NoError(t, err)
	assert.Equal(t, original, replaced)

	results, err := index.Query(ctx, []float64{0, 1, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, original, results[0].EntryID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
}

func TestClient_Upsert_DimensionMismatch(t *testing.T) {
	index := setupChromemTest(t)

	_, err := index.Upsert(context.Background(), []float64{1, 0}, 1, vectorindex.Tags{Type: vectorindex.TypeFact})
	assert.True(t, errors.Is(err, vectorindex.ErrDimensionMismatch))
}

func TestClient_Upsert_FailureLeavesNoPhantomEntry(t *testing.T) {
	index := setupChromemTest(t)
	ctx := context.Background()

	_, err := index.Upsert(ctx, []float64{1, 0}, 42, vectorindex.Tags{Type: vectorindex.TypeFact})
	require.Error(t, err)

	// A failed upsert must not leave an entry with no backing document.
	entries, err := index.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// The identity space stays usable after the failure.
	id, err := index.Upsert(ctx, []float64{1, 0, 0}, 42, vectorindex.Tags{Type: vectorindex.TypeFact})
	require.NoError(t, err)

	entries, err = index.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
}

func TestClient_RemoveAndList(t *testing.T) {
	index := setupChromemTest(t)
	ctx := context.Background()

	id, err := index.Upsert(ctx, []float64{1, 0, 0}, 1, vectorindex.Tags{Type: vectorindex.TypeFact})
	require.NoError(t, err)
	_, err = index.Upsert(ctx, []float64{0, 1, 0}, 2, vectorindex.Tags{Type: vectorindex.TypeContext})
	require.NoError(t, err)

	entries, err := index.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, index.Remove(ctx, id))
	require.NoError(t, index.Remove(ctx, id))

	entries, err = index.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].BackRef)
}
