// Package store holds the authoritative per-conversation message log. All
// mutation of conversation state goes through Store, which enforces the log
// invariants on top of an injected storage capability.
package store

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/model"
)

// Backend is the storage capability Store is built on. Implementations only
// need per-conversation ordered persistence; invariant enforcement lives in
// Store so backends and their test doubles stay dumb.
type Backend interface {
	// List returns the conversation log in order.
	List(ctx context.Context, convID int64) ([]model.Message, error)
	// Put inserts a message at the end of the log, or replaces the entry
	// with the same id in place.
	Put(ctx context.Context, msg model.Message) error
	// Delete removes one entry. Deleting a missing id is not an error.
	Delete(ctx context.Context, convID, id int64) error
	// Replace atomically swaps the whole log of a conversation.
	Replace(ctx context.Context, convID int64, msgs []model.Message) error
	// Clear drops a conversation's log.
	Clear(ctx context.Context, convID int64) error
	Close() error
}

// ConversationBackend is an optional extension for backends that also persist
// conversation records (used by the dev server, not by the sync core).
type ConversationBackend interface {
	UpsertConversation(ctx context.Context, conv model.Conversation) error
	GetConversation(ctx context.Context, id int64) (model.Conversation, bool, error)
	ListConversations(ctx context.Context) ([]model.Conversation, error)
}

// Store is the single shared mutable resource of the sync engine. Every
// mutation completes under one lock before subscribers are notified, so no
// reader observes a partially-applied update.
type Store struct {
	mu      sync.Mutex
	backend Backend
	logger  zerolog.Logger

	subID int64
	subs  map[int64]func(convID int64)
}

type Option func(*Store)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		logger:  log.With().Str("component", "store").Logger(),
		subs:    map[int64]func(int64){},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers a change listener and returns its unsubscribe func.
// Listeners are invoked after the mutation is fully applied.
func (s *Store) Subscribe(fn func(convID int64)) func() {
	s.mu.Lock()
	s.subID++
	id := s.subID
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Get returns a snapshot of a conversation's log. Entries are deep copies.
func (s *Store) Get(ctx context.Context, convID int64) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, err := s.backend.List(ctx, convID)
	if err != nil {
		return nil, errors.Wrap(err, "store: list")
	}
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Clone())
	}
	return out, nil
}

// Add inserts a message or replaces the entry with the same id. A confirmed
// (positive-id) message drops any tentative entries in the conversation: they
// represent the same submission, now acknowledged by the server. Adding a
// tentative message likewise displaces an older tentative so at most one
// exists per conversation.
func (s *Store) Add(ctx context.Context, msg model.Message) error {
	s.mu.Lock()
	if err := s.addLocked(ctx, msg); err != nil {
		s.mu.Unlock()
		return err
	}
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()
	s.notify(subs, msg.ConversationID)
	return nil
}

func (s *Store) addLocked(ctx context.Context, msg model.Message) error {
	existing, err := s.backend.List(ctx, msg.ConversationID)
	if err != nil {
		return errors.Wrap(err, "store: list before add")
	}
	for _, m := range existing {
		if m.ID >= 0 || m.ID == msg.ID {
			continue
		}
		if err := s.backend.Delete(ctx, msg.ConversationID, m.ID); err != nil {
			return errors.Wrap(err, "store: drop tentative")
		}
		s.logger.Debug().
			Int64("conv_id", msg.ConversationID).
			Int64("tentative_id", m.ID).
			Int64("incoming_id", msg.ID).
			Msg("dropped tentative entry")
	}
	if err := s.backend.Put(ctx, msg.Clone()); err != nil {
		return errors.Wrap(err, "store: put")
	}
	return nil
}

// SetAll replaces the confirmed portion of a conversation's log while
// preserving a still-pending tentative entry. Duplicate or negative ids in
// the incoming list are discarded; the API is expected to never send them.
func (s *Store) SetAll(ctx context.Context, convID int64, msgs []model.Message) error {
	s.mu.Lock()
	existing, err := s.backend.List(ctx, convID)
	if err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, "store: list before set")
	}

	next := make([]model.Message, 0, len(msgs)+1)
	seen := map[int64]struct{}{}
	for _, m := range msgs {
		if m.ID < 0 {
			s.logger.Warn().Int64("conv_id", convID).Int64("id", m.ID).Msg("ignoring negative id in authoritative list")
			continue
		}
		if _, ok := seen[m.ID]; ok {
			s.logger.Warn().Int64("conv_id", convID).Int64("id", m.ID).Msg("ignoring duplicate id in authoritative list")
			continue
		}
		seen[m.ID] = struct{}{}
		next = append(next, m.Clone())
	}
	for _, m := range existing {
		if m.Tentative() {
			next = append(next, m.Clone())
			break
		}
	}

	if err := s.backend.Replace(ctx, convID, next); err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, "store: replace")
	}
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()
	s.notify(subs, convID)
	return nil
}

// Remove deletes one entry from a conversation's log.
func (s *Store) Remove(ctx context.Context, convID, id int64) error {
	s.mu.Lock()
	if err := s.backend.Delete(ctx, convID, id); err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, "store: delete")
	}
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()
	s.notify(subs, convID)
	return nil
}

// Clear drops a conversation's log entirely.
func (s *Store) Clear(ctx context.Context, convID int64) error {
	s.mu.Lock()
	if err := s.backend.Clear(ctx, convID); err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, "store: clear")
	}
	subs := s.snapshotSubsLocked()
	s.mu.Unlock()
	s.notify(subs, convID)
	return nil
}

func (s *Store) snapshotSubsLocked() []func(int64) {
	out := make([]func(int64), 0, len(s.subs))
	for _, fn := range s.subs {
		out = append(out, fn)
	}
	return out
}

func (s *Store) notify(subs []func(int64), convID int64) {
	for _, fn := range subs {
		fn(convID)
	}
}
