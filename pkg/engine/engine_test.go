package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marionette/pkg/api"
	"github.com/go-go-golems/marionette/pkg/gate"
	"github.com/go-go-golems/marionette/pkg/model"
	"github.com/go-go-golems/marionette/pkg/store"
	"github.com/go-go-golems/marionette/pkg/wire"
)

// fakeSource dispatches events synchronously from the test goroutine, which
// mirrors the single-reader ordering of the real channel.
type fakeSource struct {
	mu        sync.Mutex
	nextID    int
	listeners map[wire.Type]map[int]func(wire.Event)
}

func newFakeSource() *fakeSource {
	return &fakeSource{listeners: map[wire.Type]map[int]func(wire.Event){}}
}

func (f *fakeSource) On(t wire.Type, fn func(wire.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listeners[t] == nil {
		f.listeners[t] = map[int]func(wire.Event){}
	}
	f.nextID++
	id := f.nextID
	f.listeners[t][id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners[t], id)
	}
}

func (f *fakeSource) emit(ev wire.Event) {
	f.mu.Lock()
	fns := make([]func(wire.Event), 0, len(f.listeners[ev.EventType()]))
	for _, fn := range f.listeners[ev.EventType()] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (f *fakeSource) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.listeners {
		n += len(m)
	}
	return n
}

type fakeAPI struct {
	mu       sync.Mutex
	sendResp api.SendMessageResponse
	sendErr  error
	listResp []model.Message
}

func (f *fakeAPI) SendMessage(_ context.Context, convID int64, text string) (api.SendMessageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return api.SendMessageResponse{}, f.sendErr
	}
	resp := f.sendResp
	if resp.Message.ID == 0 {
		resp.Message = model.Message{ID: 42, ConversationID: convID, Role: model.RoleUser, Content: text}
	}
	return resp, nil
}

func (f *fakeAPI) ListMessages(_ context.Context, _ int64) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Background reconciliations in tests that do not seed a list must not
	// wipe the store; a fetch error leaves it untouched.
	if f.listResp == nil {
		return nil, errors.New("list not seeded")
	}
	return append([]model.Message(nil), f.listResp...), nil
}

func (f *fakeAPI) setList(msgs []model.Message) {
	f.mu.Lock()
	f.listResp = msgs
	f.mu.Unlock()
}

func newEngine(t *testing.T, a *fakeAPI) (*Engine, *fakeSource, func()) {
	t.Helper()
	eng := New(store.NewMemoryBackend(), a,
		WithGateOptions(gate.WithTimeout(time.Minute)))
	src := newFakeSource()
	detach := eng.Attach(context.Background(), src)
	return eng, src, detach
}

func messageByID(t *testing.T, eng *Engine, convID, id int64) (model.Message, bool) {
	t.Helper()
	msgs, err := eng.Messages(context.Background(), convID)
	require.NoError(t, err)
	for _, m := range msgs {
		if m.ID == id {
			return m, true
		}
	}
	return model.Message{}, false
}

func TestSubmitAndStreamedReply(t *testing.T) {
	ctx := context.Background()
	a := &fakeAPI{sendResp: api.SendMessageResponse{
		Message: model.Message{ID: 10, ConversationID: 7, Role: model.RoleUser, Content: "hi"},
		JobID:   "job-1",
	}}
	eng, src, _ := newEngine(t, a)
	eng.SelectConversation(ctx, 7)

	require.True(t, eng.Submit(ctx, 7, "hi"))
	require.True(t, eng.Waiting(7))

	// Tentative entry visible immediately, confirmed entry shortly after.
	require.Eventually(t, func() bool {
		_, found := messageByID(t, eng, 7, 10)
		return found
	}, time.Second, 5*time.Millisecond)
	_, tentativeLeft := messageByID(t, eng, 7, -1001)
	assert.False(t, tentativeLeft)
	assert.True(t, eng.Waiting(7), "gate stays closed while the job runs")

	// The streamed reply arrives over the channel.
	src.emit(wire.StreamStart{ConversationID: 7, MessageID: 11})
	src.emit(wire.StreamToken{ConversationID: 7, MessageID: 11, Token: "He"})
	src.emit(wire.StreamToken{ConversationID: 7, MessageID: 11, Token: "llo"})

	msg, found := messageByID(t, eng, 7, 11)
	require.True(t, found)
	assert.Equal(t, "Hello", msg.Content)
	assert.Equal(t, model.RoleAssistant, msg.Role)

	blocks := []model.Block{{Type: "markdown", Data: json.RawMessage(`"Hello"`)}}
	src.emit(wire.StreamEnd{ConversationID: 7, MessageID: 11, Blocks: blocks})

	assert.False(t, eng.Waiting(7))
	msg, found = messageByID(t, eng, 7, 11)
	require.True(t, found)
	require.Len(t, msg.Blocks, 1)
	assert.Equal(t, "markdown", msg.Blocks[0].Type)
}

func TestUserEchoConfirmsTentative(t *testing.T) {
	ctx := context.Background()
	a := &fakeAPI{sendResp: api.SendMessageResponse{
		Message: model.Message{ID: 42, ConversationID: 7, Role: model.RoleUser, Content: "fast echo"},
		JobID:   "job-1",
	}}
	eng, src, _ := newEngine(t, a)
	eng.SelectConversation(ctx, 7)

	// The echo displaces the tentative entry even if it beats the HTTP
	// response; the later response re-adds the same id idempotently.
	require.True(t, eng.Submit(ctx, 7, "fast echo"))
	src.emit(wire.MessageNew{Message: model.Message{
		ID: 42, ConversationID: 7, Role: model.RoleUser, Content: "fast echo",
	}})

	require.Eventually(t, func() bool {
		msgs, err := eng.Messages(ctx, 7)
		require.NoError(t, err)
		return len(msgs) == 1 && msgs[0].ID == 42
	}, time.Second, 5*time.Millisecond)

	// A user echo never opens the gate.
	assert.True(t, eng.Waiting(7))
}

func TestAssistantMessageOpensGate(t *testing.T) {
	ctx := context.Background()
	a := &fakeAPI{sendResp: api.SendMessageResponse{
		Message: model.Message{ID: 10, ConversationID: 7, Role: model.RoleUser, Content: "q"},
		JobID:   "job-1",
	}}
	eng, src, _ := newEngine(t, a)
	eng.SelectConversation(ctx, 7)

	require.True(t, eng.Submit(ctx, 7, "q"))
	require.True(t, eng.Waiting(7))

	// A non-streamed assistant reply terminates the wait.
	src.emit(wire.MessageNew{Message: model.Message{
		ID: 11, ConversationID: 7, Role: model.RoleAssistant, Content: "a",
	}})
	assert.False(t, eng.Waiting(7))

	msg, found := messageByID(t, eng, 7, 11)
	require.True(t, found)
	assert.Equal(t, "a", msg.Content)
}

func TestSubmitRejectedWhileWaiting(t *testing.T) {
	ctx := context.Background()
	a := &fakeAPI{sendResp: api.SendMessageResponse{
		Message: model.Message{ID: 10, ConversationID: 7, Role: model.RoleUser},
		JobID:   "job-1",
	}}
	eng, _, _ := newEngine(t, a)

	require.True(t, eng.Submit(ctx, 7, "first"))
	assert.False(t, eng.Submit(ctx, 7, "second"))
}

func TestJobStatusTracking(t *testing.T) {
	a := &fakeAPI{}
	eng, src, _ := newEngine(t, a)

	_, ok := eng.JobStatus("job-1")
	assert.False(t, ok)

	src.emit(wire.JobUpdate{JobID: "job-1", ConversationID: 7, Status: "running"})
	st, ok := eng.JobStatus("job-1")
	require.True(t, ok)
	assert.Equal(t, "running", st)

	src.emit(wire.JobUpdate{JobID: "job-1", ConversationID: 7, Status: "done"})
	st, _ = eng.JobStatus("job-1")
	assert.Equal(t, "done", st)
}

func TestSelectConversationReconciles(t *testing.T) {
	ctx := context.Background()
	a := &fakeAPI{}
	a.setList([]model.Message{
		{ID: 1, ConversationID: 9, Role: model.RoleUser, Content: "history"},
	})
	eng, _, _ := newEngine(t, a)

	eng.SelectConversation(ctx, 9)
	assert.Equal(t, int64(9), eng.ActiveConversation())

	require.Eventually(t, func() bool {
		msgs, err := eng.Messages(ctx, 9)
		require.NoError(t, err)
		return len(msgs) == 1 && msgs[0].Content == "history"
	}, time.Second, 5*time.Millisecond)
}

func TestDetachRemovesListeners(t *testing.T) {
	a := &fakeAPI{}
	eng, src, detach := newEngine(t, a)

	require.Positive(t, src.listenerCount())
	detach()
	assert.Zero(t, src.listenerCount())

	// Events after detach change nothing.
	src.emit(wire.JobUpdate{JobID: "job-1", Status: "running"})
	_, ok := eng.JobStatus("job-1")
	assert.False(t, ok)
}

func TestStoreSubscription(t *testing.T) {
	ctx := context.Background()
	a := &fakeAPI{}
	eng, src, _ := newEngine(t, a)

	var mu sync.Mutex
	var notified []int64
	unsub := eng.SubscribeStore(func(convID int64) {
		mu.Lock()
		notified = append(notified, convID)
		mu.Unlock()
	})
	defer unsub()

	src.emit(wire.MessageNew{Message: model.Message{ID: 1, ConversationID: 5, Role: model.RoleUser}})

	mu.Lock()
	got := append([]int64(nil), notified...)
	mu.Unlock()
	require.NotEmpty(t, got)
	assert.Equal(t, int64(5), got[0])

	msgs, err := eng.Messages(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
