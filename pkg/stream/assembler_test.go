package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/gate"
	"github.com/go-go-golems/marionette/pkg/model"
	"github.com/go-go-golems/marionette/pkg/store"
)

func newAssembler(t *testing.T) (*Assembler, *store.Store, *gate.Gate) {
	t.Helper()
	st := store.New(store.NewMemoryBackend())
	g := gate.New(gate.WithTimeout(time.Minute))
	return New(st, g), st, g
}

func getMessage(t *testing.T, st *store.Store, convID, id int64) (model.Message, bool) {
	t.Helper()
	msgs, err := st.Get(context.Background(), convID)
	require.NoError(t, err)
	for _, m := range msgs {
		if m.ID == id {
			return m, true
		}
	}
	return model.Message{}, false
}

func TestStartInsertsPlaceholder(t *testing.T) {
	ctx := context.Background()
	a, st, _ := newAssembler(t)

	require.NoError(t, a.Start(ctx, 1, 42))
	assert.True(t, a.Streaming(1))

	msg, found := getMessage(t, st, 1, 42)
	require.True(t, found)
	assert.Equal(t, model.RoleAssistant, msg.Role)
	assert.Empty(t, msg.Content)
}

func TestStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a, st, _ := newAssembler(t)

	require.NoError(t, a.Start(ctx, 1, 42))
	require.NoError(t, a.Append(ctx, 1, 42, "He"))
	require.NoError(t, a.Start(ctx, 1, 42))
	require.NoError(t, a.Append(ctx, 1, 42, "llo"))

	msg, found := getMessage(t, st, 1, 42)
	require.True(t, found)
	// The duplicate start must not reset accumulated content.
	assert.Equal(t, "Hello", msg.Content)
}

func TestTokensAccumulateInOrder(t *testing.T) {
	ctx := context.Background()
	a, st, _ := newAssembler(t)

	require.NoError(t, a.Start(ctx, 1, 42))
	for _, token := range []string{"He", "llo", ", ", "world"} {
		require.NoError(t, a.Append(ctx, 1, 42, token))
	}

	msg, found := getMessage(t, st, 1, 42)
	require.True(t, found)
	assert.Equal(t, "Hello, world", msg.Content)
}

func TestCompleteAttachesBlocksAndOpensGate(t *testing.T) {
	ctx := context.Background()
	a, st, g := newAssembler(t)

	g.Wait(1)
	require.NoError(t, a.Start(ctx, 1, 42))
	require.NoError(t, a.Append(ctx, 1, 42, "Hello"))

	blocks := []model.Block{{Type: "markdown", Data: json.RawMessage(`"Hello"`)}}
	require.NoError(t, a.Complete(ctx, 1, 42, blocks))

	assert.False(t, a.Streaming(1))
	assert.False(t, g.Waiting(1))

	msg, found := getMessage(t, st, 1, 42)
	require.True(t, found)
	assert.Equal(t, "Hello", msg.Content)
	require.Len(t, msg.Blocks, 1)
	assert.Equal(t, "markdown", msg.Blocks[0].Type)
}

func TestStaleAppendIsDropped(t *testing.T) {
	ctx := context.Background()
	a, st, _ := newAssembler(t)

	require.NoError(t, a.Start(ctx, 1, 42))
	// Token for a different message id in the same conversation.
	require.NoError(t, a.Append(ctx, 1, 99, "stray"))
	// Token for a conversation without a session.
	require.NoError(t, a.Append(ctx, 2, 42, "stray"))

	msg, found := getMessage(t, st, 1, 42)
	require.True(t, found)
	assert.Empty(t, msg.Content)
	_, found = getMessage(t, st, 2, 42)
	assert.False(t, found)
}

func TestEventsAfterCompleteAreDropped(t *testing.T) {
	ctx := context.Background()
	a, st, _ := newAssembler(t)

	require.NoError(t, a.Start(ctx, 1, 42))
	require.NoError(t, a.Append(ctx, 1, 42, "done"))
	require.NoError(t, a.Complete(ctx, 1, 42, nil))

	// A completed session never reopens; late events change nothing.
	require.NoError(t, a.Start(ctx, 1, 42))
	assert.False(t, a.Streaming(1))
	require.NoError(t, a.Append(ctx, 1, 42, " more"))
	require.NoError(t, a.Complete(ctx, 1, 42, nil))

	msg, found := getMessage(t, st, 1, 42)
	require.True(t, found)
	assert.Equal(t, "done", msg.Content)
}

func TestSecondStartSupersedesOpenSession(t *testing.T) {
	ctx := context.Background()
	a, st, _ := newAssembler(t)

	require.NoError(t, a.Start(ctx, 1, 42))
	require.NoError(t, a.Append(ctx, 1, 42, "first"))

	require.NoError(t, a.Start(ctx, 1, 43))
	require.NoError(t, a.Append(ctx, 1, 42, "late"))
	require.NoError(t, a.Append(ctx, 1, 43, "second"))

	first, found := getMessage(t, st, 1, 42)
	require.True(t, found)
	assert.Equal(t, "first", first.Content)

	second, found := getMessage(t, st, 1, 43)
	require.True(t, found)
	assert.Equal(t, "second", second.Content)
}

func TestStartPicksUpExistingContent(t *testing.T) {
	ctx := context.Background()
	a, st, _ := newAssembler(t)

	require.NoError(t, st.Add(ctx, model.Message{
		ID: 42, ConversationID: 1, Role: model.RoleAssistant, Content: "partial",
	}))

	require.NoError(t, a.Start(ctx, 1, 42))
	require.NoError(t, a.Append(ctx, 1, 42, " more"))

	msg, found := getMessage(t, st, 1, 42)
	require.True(t, found)
	assert.Equal(t, "partial more", msg.Content)
}
