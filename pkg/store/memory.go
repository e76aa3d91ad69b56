package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/marionette/pkg/model"
)

// MemoryBackend is the in-process storage capability. It mirrors the ordering
// semantics of the SQLite backend so the two stay interchangeable.
type MemoryBackend struct {
	mu    sync.Mutex
	logs  map[int64][]model.Message
	convs map[int64]model.Conversation
}

var (
	_ Backend             = (*MemoryBackend)(nil)
	_ ConversationBackend = (*MemoryBackend)(nil)
)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		logs:  map[int64][]model.Message{},
		convs: map[int64]model.Conversation{},
	}
}

func (b *MemoryBackend) Close() error { return nil }

func (b *MemoryBackend) List(_ context.Context, convID int64) ([]model.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.logs[convID]
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Clone())
	}
	return out, nil
}

func (b *MemoryBackend) Put(_ context.Context, msg model.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.logs[msg.ConversationID]
	for i, m := range msgs {
		if m.ID == msg.ID {
			msgs[i] = msg.Clone()
			return nil
		}
	}
	b.logs[msg.ConversationID] = append(msgs, msg.Clone())
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, convID, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.logs[convID]
	for i, m := range msgs {
		if m.ID == id {
			b.logs[convID] = append(msgs[:i:i], msgs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (b *MemoryBackend) Replace(_ context.Context, convID int64, msgs []model.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		next = append(next, m.Clone())
	}
	b.logs[convID] = next
	return nil
}

func (b *MemoryBackend) Clear(_ context.Context, convID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.logs, convID)
	return nil
}

func (b *MemoryBackend) UpsertConversation(_ context.Context, conv model.Conversation) error {
	if conv.ID == 0 {
		return errors.New("memory backend: conversation id is 0")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.convs[conv.ID]; ok && !existing.CreatedAt.IsZero() {
		conv.CreatedAt = existing.CreatedAt
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = time.Now()
	}
	b.convs[conv.ID] = conv
	return nil
}

func (b *MemoryBackend) GetConversation(_ context.Context, id int64) (model.Conversation, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conv, ok := b.convs[id]
	return conv, ok, nil
}

func (b *MemoryBackend) ListConversations(_ context.Context) ([]model.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Conversation, 0, len(b.convs))
	for _, c := range b.convs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
