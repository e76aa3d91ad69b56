package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/model"
)

func newSQLite(t *testing.T) *SQLiteBackend {
	t.Helper()
	b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSQLitePutListOrder(t *testing.T) {
	ctx := context.Background()
	b := newSQLite(t)

	now := time.Now()
	require.NoError(t, b.Put(ctx, model.Message{ID: 10, ConversationID: 1, Role: model.RoleUser, Content: "a", CreatedAt: now}))
	require.NoError(t, b.Put(ctx, model.Message{ID: 3, ConversationID: 1, Role: model.RoleAssistant, Content: "b", CreatedAt: now}))
	require.NoError(t, b.Put(ctx, model.Message{ID: 7, ConversationID: 1, Role: model.RoleUser, Content: "c", CreatedAt: now}))

	msgs, err := b.List(ctx, 1)
	require.NoError(t, err)
	// Insertion order, not id order.
	assert.Equal(t, []int64{10, 3, 7}, msgIDs(msgs))
}

func TestSQLitePutReplacesKeepingPosition(t *testing.T) {
	ctx := context.Background()
	b := newSQLite(t)

	require.NoError(t, b.Put(ctx, model.Message{ID: 1, ConversationID: 1, Content: "a", CreatedAt: time.Now()}))
	require.NoError(t, b.Put(ctx, model.Message{ID: 2, ConversationID: 1, Content: "b", CreatedAt: time.Now()}))
	require.NoError(t, b.Put(ctx, model.Message{ID: 1, ConversationID: 1, Content: "a2", CreatedAt: time.Now()}))

	msgs, err := b.List(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, msgIDs(msgs))
	assert.Equal(t, "a2", msgs[0].Content)
}

func TestSQLiteBlocksRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newSQLite(t)

	require.NoError(t, b.Put(ctx, model.Message{
		ID:             1,
		ConversationID: 1,
		Role:           model.RoleAssistant,
		Blocks:         []model.Block{{Type: "markdown", Data: json.RawMessage(`"**hi**"`)}},
		CreatedAt:      time.Now(),
	}))

	msgs, err := b.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Blocks, 1)
	assert.Equal(t, "markdown", msgs[0].Blocks[0].Type)
	assert.JSONEq(t, `"**hi**"`, string(msgs[0].Blocks[0].Data))
}

func TestSQLiteReplace(t *testing.T) {
	ctx := context.Background()
	b := newSQLite(t)

	require.NoError(t, b.Put(ctx, model.Message{ID: 1, ConversationID: 1, CreatedAt: time.Now()}))
	require.NoError(t, b.Replace(ctx, 1, []model.Message{
		{ID: 5, ConversationID: 1, CreatedAt: time.Now()},
		{ID: 6, ConversationID: 1, CreatedAt: time.Now()},
	}))

	msgs, err := b.List(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 6}, msgIDs(msgs))
}

func TestSQLiteDeleteMissingIsNoError(t *testing.T) {
	ctx := context.Background()
	b := newSQLite(t)
	require.NoError(t, b.Delete(ctx, 1, 99))
}

func TestSQLiteConversations(t *testing.T) {
	ctx := context.Background()
	b := newSQLite(t)

	require.NoError(t, b.UpsertConversation(ctx, model.Conversation{ID: 1, Title: "first"}))
	require.NoError(t, b.UpsertConversation(ctx, model.Conversation{ID: 2, Title: "second"}))
	require.NoError(t, b.UpsertConversation(ctx, model.Conversation{ID: 1, Title: "renamed"}))

	conv, found, err := b.GetConversation(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "renamed", conv.Title)

	_, found, err = b.GetConversation(ctx, 99)
	require.NoError(t, err)
	assert.False(t, found)

	convs, err := b.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, int64(1), convs[0].ID)
	assert.Equal(t, int64(2), convs[1].ID)
}
