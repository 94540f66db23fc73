package sqlite_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheSethRose/tristore/pkg/recordstore"
	sqliteStore "github.com/TheSethRose/tristore/pkg/recordstore/sqlite"
)

func setupStoreTest(t *testing.T) (recordstore.Store, func()) {
	testDBPath := "./test_records.db"

	// Clean up any existing test database
	_ = os.Remove(testDBPath)

	store, err := sqliteStore.NewClient(&sqliteStore.Config{
		DBPath: testDBPath,
	})
	require.NoError(t, err)
	require.NotNil(t, store)

	cleanup := func() {
		_ = store.Close()
		_ = os.Remove(testDBPath)
	}

	return store, cleanup
}

func TestClient_ConversationLifecycle(t *testing.T) {
	store, cleanup := setupStoreTest(t)
	defer cleanup()

	ctx := context.Background()

	id, err := store.CreateConversation(ctx, "s1", map[string]interface{}{"channel": "cli"})
	require.NoError(t, err)
	assert.NotZero(t, id)

	conv, err := store.GetConversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "s1", conv.SessionID)
	assert.Equal(t, "cli", conv.Metadata["channel"])
	assert.False(t, conv.CreatedAt.IsZero())

	bySession, err := store.GetConversationBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, id, bySession.ID)

	// Merge overwrites existing keys and preserves the rest.
	err = store.MergeConversationMetadata(ctx, id, map[string]interface{}{
		"channel": "web",
		"locale":  "en",
	})
	require.NoError(t, err)

	conv, err = store.GetConversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "web", conv.Metadata["channel"])
	assert.Equal(t, "en", conv.Metadata["locale"])
}

func TestClient_GetConversation_NotFound(t *testing.T) {
	store, cleanup := setupStoreTest(t)
	defer cleanup()

	ctx := context.Background()

	_, err := store.GetConversation(ctx, 424242)
	assert.True(t, errors.Is(err, recordstore.ErrNotFound))

	_, err = store.GetConversationBySession(ctx, "never-seen")
	assert.True(t, errors.Is(err, recordstore.ErrNotFound))
}

func TestClient_AppendMessage(t *testing.T) {
	store, cleanup := setupStoreTest(t)
	defer cleanup()

	ctx := context.Background()

	convID, err := store.CreateConversation(ctx, "s1", nil)
	require.NoError(t, err)

	msgID, err := store.AppendMessage(ctx, convID, recordstore.RoleUser, "hello", map[string]interface{}{"lang": "en"})
	require.NoError(t, err)
	assert.NotZero(t, msgID)

	msgs, err := store.GetMessagesByIDs(ctx, []int64{msgID})
	require.NoError(t, err)
	require.Contains(t, msgs, msgID)
	assert.Equal(t, convID, msgs[msgID].ConversationID)
	assert.Equal(t, recordstore.RoleUser, msgs[msgID].Role)
	assert.Equal(t, "hello", msgs[msgID].Content)
	assert.Equal(t, "en", msgs[msgID].Metadata["lang"])
}

func TestClient_AppendMessage_ReferentialViolation(t *testing.T) {
	store, cleanup := setupStoreTest(t)
	defer cleanup()

	ctx := context.Background()

	_, err := store.AppendMessage(ctx, 999999, recordstore.RoleUser, "orphan", nil)
	assert.True(t, errors.Is(err, recordstore.ErrReferentialViolation))
}

func TestClient_ListMessages(t *testing.T) {
	store, cleanup := setupStoreTest(t)
	defer cleanup()

	ctx := context.Background()

	convID, err := store.CreateConversation(ctx, "s1", nil)
	require.NoError(t, err)

	var ids []int64
	for _, content := range []string{"first", "second", "third"} {
		id, appendErr := store.AppendMessage(ctx, convID, recordstore.RoleUser, content, nil)
		require.NoError(t, appendErr)
		ids = append(ids, id)
	}

	// Oldest first.
	msgs, err := store.ListMessages(ctx, convID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "third", msgs[2].Content)

	limited, err := store.ListMessages(ctx, convID, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, ids[0], limited[0].ID)
	assert.Equal(t, ids[1], limited[1].ID)
}

func TestClient_InsertFact_InvalidConfidence(t *testing.T) {
	store, cleanup := setupStoreTest(t)
	defer cleanup()

	ctx := context.Background()

	_, err := store.InsertFact(ctx, "user_fact", "too confident", 1.5, nil)
	assert.True(t, errors.Is(err, recordstore.ErrInvalidArgument))

	_, err = store.InsertFact(ctx, "user_fact", "negative", -0.1, nil)
	assert.True(t, errors.Is(err, recordstore.ErrInvalidArgument))

	// Nothing was persisted.
	pending, err := store.ListUnembeddedFacts(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestClient_FactEmbeddingLifecycle(t *testing.T) {
	store, cleanup := setupStoreTest(t)
	defer cleanup()

	ctx := context.Background()

	factID, err := store.InsertFact(ctx, "user_fact", "likes Go", 0.8, map[string]interface{}{"session_id": "s1"})
	require.NoError(t, err)

	pending, err := store.ListUnembeddedFacts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, factID, pending[0].ID)
	assert.False(t, pending[0].Embedded())

	err = store.MarkFactEmbedded(ctx, factID, 77)
	require.NoError(t, err)

	pending, err = store.ListUnembeddedFacts(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	facts, err := store.GetFactsByIDs(ctx, []int64{factID})
	require.NoError(t, err)
	require.Contains(t, facts, factID)
	assert.Equal(t, int64(77), facts[factID].VectorEntryID)
	assert.True(t, facts[factID].Embedded())
}

func TestClient_MarkFactEmbedded_NotFound(t *testing.T) {
	store, cleanup := setupStoreTest(t)
	defer cleanup()

	err := store.MarkFactEmbedded(context.Background(), 123456, 1)
	assert.True(t, errors.Is(err, recordstore.ErrNotFound))
}

func TestClient_GetFactsByIDs_MissingAbsent(t *testing.T) {
	store, cleanup := setupStoreTest(t)
	defer cleanup()

	ctx := context.Background()

	factID, err := store.InsertFact(ctx, "user_fact", "exists", 1.0, nil)
	require.NoError(t, err)

	facts, err := store.GetFactsByIDs(ctx, []int64{factID, 999999})
	require.NoError(t, err)
	assert.Len(t, facts, 1)
	assert.Contains(t, facts, factID)
	assert.NotContains(t, facts, int64(999999))
}

func TestClient_DeleteConversation_Cascade(t *testing.T) {
	store, cleanup := setupStoreTest(t)
	defer cleanup()

	ctx := context.Background()

	convID, err := store.CreateConversation(ctx, "s1", nil)
	require.NoError(t, err)

	var msgIDs []int64
	for i := 0; i < 3; i++ {
		id, appendErr := store.AppendMessage(ctx, convID, recordstore.RoleUser, "msg", nil)
		require.NoError(t, appendErr)
		msgIDs = append(msgIDs, id)
	}

	err = store.DeleteConversation(ctx, convID)
	require.NoError(t, err)

	_, err = store.GetConversation(ctx, convID)
	assert.True(t, errors.Is(err, recordstore.ErrNotFound))

	// All messages went with the conversation.
	msgs, err := store.GetMessagesByIDs(ctx, msgIDs)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// Deleting again is a no-op.
	err = store.DeleteConversation(ctx, convID)
	assert.NoError(t, err)
}

func TestClient_DeleteFact_Idempotent(t *testing.T) {
	store, cleanup := setupStoreTest(t)
	defer cleanup()

	ctx := context.Background()

	factID, err := store.InsertFact(ctx, "user_fact", "transient", 0.5, nil)
	require.NoError(t, err)

	require.NoError(t, store.DeleteFact(ctx, factID))
	require.NoError(t, store.DeleteFact(ctx, factID))

	facts, err := store.GetFactsByIDs(ctx, []int64{factID})
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestClient_WithTx_RollbackInvisible(t *testing.T) {
	store, cleanup := setupStoreTest(t)
	defer cleanup()

	ctx := context.Background()
	boom := errors.New("boom")

	var factID int64
	err := store.WithTx(ctx, func(tx recordstore.Tx) error {
		id, insertErr := tx.InsertFact(ctx, "user_fact", "never committed", 1.0, nil)
		if insertErr != nil {
			return insertErr
		}
		factID = id
		return boom
	})
	assert.True(t, errors.Is(err, boom))
	require.NotZero(t, factID)

	// The rolled-back fact is not observable.
	facts, err := store.GetFactsByIDs(ctx, []int64{factID})
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestClient_WithTx_CommitVisible(t *testing.T) {
	store, cleanup := setupStoreTest(t)
	defer cleanup()

	ctx := context.Background()

	var convID, msgID int64
	err := store.WithTx(ctx, func(tx recordstore.Tx) error {
		id, createErr := tx.CreateConversation(ctx, "s-tx", nil)
		if createErr != nil {
			return createErr
		}
		convID = id
		mid, appendErr := tx.AppendMessage(ctx, convID, recordstore.RoleAgent, "inside tx", nil)
		if appendErr != nil {
			return appendErr
		}
		msgID = mid
		return nil
	})
	require.NoError(t, err)

	conv, err := store.GetConversation(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, "s-tx", conv.SessionID)

	msgs, err := store.GetMessagesByIDs(ctx, []int64{msgID})
	require.NoError(t, err)
	assert.Contains(t, msgs, msgID)
}
