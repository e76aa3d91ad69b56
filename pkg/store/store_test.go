package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/model"
)

func msgIDs(msgs []model.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestAddConfirmedDropsTentative(t *testing.T) {
	ctx := context.Background()
	st := New(NewMemoryBackend())

	require.NoError(t, st.Add(ctx, model.Message{ID: 1, ConversationID: 7, Role: model.RoleUser, Content: "first"}))
	require.NoError(t, st.Add(ctx, model.Message{ID: -1001, ConversationID: 7, Role: model.RoleUser, Content: "pending"}))

	msgs, err := st.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, -1001}, msgIDs(msgs))

	// The confirmed version of the same submission displaces the tentative
	// entry in a single transition.
	require.NoError(t, st.Add(ctx, model.Message{ID: 42, ConversationID: 7, Role: model.RoleUser, Content: "pending"}))

	msgs, err = st.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 42}, msgIDs(msgs))
}

func TestAddTentativeDisplacesOlderTentative(t *testing.T) {
	ctx := context.Background()
	st := New(NewMemoryBackend())

	require.NoError(t, st.Add(ctx, model.Message{ID: -1001, ConversationID: 1, Role: model.RoleUser}))
	require.NoError(t, st.Add(ctx, model.Message{ID: -1002, ConversationID: 1, Role: model.RoleUser}))

	msgs, err := st.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{-1002}, msgIDs(msgs))
}

func TestAddReplacesSameIDInPlace(t *testing.T) {
	ctx := context.Background()
	st := New(NewMemoryBackend())

	require.NoError(t, st.Add(ctx, model.Message{ID: 1, ConversationID: 1, Content: "a"}))
	require.NoError(t, st.Add(ctx, model.Message{ID: 2, ConversationID: 1, Content: "b"}))
	require.NoError(t, st.Add(ctx, model.Message{ID: 1, ConversationID: 1, Content: "a2"}))

	msgs, err := st.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, msgIDs(msgs))
	assert.Equal(t, "a2", msgs[0].Content)
}

func TestAddDoesNotTouchOtherConversations(t *testing.T) {
	ctx := context.Background()
	st := New(NewMemoryBackend())

	require.NoError(t, st.Add(ctx, model.Message{ID: -1001, ConversationID: 1}))
	require.NoError(t, st.Add(ctx, model.Message{ID: 5, ConversationID: 2}))

	msgs, err := st.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{-1001}, msgIDs(msgs))
}

func TestSetAllPreservesTentative(t *testing.T) {
	ctx := context.Background()
	st := New(NewMemoryBackend())

	require.NoError(t, st.Add(ctx, model.Message{ID: 1, ConversationID: 3, Content: "old"}))
	require.NoError(t, st.Add(ctx, model.Message{ID: -1001, ConversationID: 3, Content: "pending"}))

	authoritative := []model.Message{
		{ID: 1, ConversationID: 3, Content: "old"},
		{ID: 2, ConversationID: 3, Content: "new"},
	}
	require.NoError(t, st.SetAll(ctx, 3, authoritative))

	msgs, err := st.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, -1001}, msgIDs(msgs))
}

func TestSetAllFiltersNegativeAndDuplicateIDs(t *testing.T) {
	ctx := context.Background()
	st := New(NewMemoryBackend())

	authoritative := []model.Message{
		{ID: 1, ConversationID: 3},
		{ID: -5, ConversationID: 3},
		{ID: 1, ConversationID: 3},
		{ID: 2, ConversationID: 3},
	}
	require.NoError(t, st.SetAll(ctx, 3, authoritative))

	msgs, err := st.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, msgIDs(msgs))
}

func TestSetAllEmptyKeepsTentative(t *testing.T) {
	ctx := context.Background()
	st := New(NewMemoryBackend())

	require.NoError(t, st.Add(ctx, model.Message{ID: -1001, ConversationID: 4}))
	require.NoError(t, st.SetAll(ctx, 4, nil))

	msgs, err := st.Get(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, []int64{-1001}, msgIDs(msgs))
}

func TestGetReturnsDeepCopies(t *testing.T) {
	ctx := context.Background()
	st := New(NewMemoryBackend())

	require.NoError(t, st.Add(ctx, model.Message{
		ID:             1,
		ConversationID: 1,
		Content:        "hi",
		Blocks:         []model.Block{{Type: "markdown", Data: json.RawMessage(`"x"`)}},
	}))

	msgs, err := st.Get(ctx, 1)
	require.NoError(t, err)
	msgs[0].Content = "mutated"
	msgs[0].Blocks[0].Type = "mutated"

	again, err := st.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "hi", again[0].Content)
	assert.Equal(t, "markdown", again[0].Blocks[0].Type)
}

func TestSubscribeNotifiesAfterMutation(t *testing.T) {
	ctx := context.Background()
	st := New(NewMemoryBackend())

	var notified []int64
	unsub := st.Subscribe(func(convID int64) {
		notified = append(notified, convID)
		// The mutation must be visible to the listener.
		msgs, err := st.Get(ctx, convID)
		require.NoError(t, err)
		require.NotEmpty(t, msgs)
	})

	require.NoError(t, st.Add(ctx, model.Message{ID: 1, ConversationID: 9}))
	assert.Equal(t, []int64{9}, notified)

	unsub()
	require.NoError(t, st.Add(ctx, model.Message{ID: 2, ConversationID: 9}))
	assert.Equal(t, []int64{9}, notified)
}

func TestRemoveAndClear(t *testing.T) {
	ctx := context.Background()
	st := New(NewMemoryBackend())

	require.NoError(t, st.Add(ctx, model.Message{ID: 1, ConversationID: 1}))
	require.NoError(t, st.Add(ctx, model.Message{ID: 2, ConversationID: 1}))

	require.NoError(t, st.Remove(ctx, 1, 1))
	msgs, err := st.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, msgIDs(msgs))

	// Removing a missing id is not an error.
	require.NoError(t, st.Remove(ctx, 1, 99))

	require.NoError(t, st.Clear(ctx, 1))
	msgs, err = st.Get(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
