// Package stream assembles one in-flight assistant message per conversation
// from incremental transport events. Events are applied strictly in arrival
// order; stale events (wrong message, closed session) are dropped with a log
// line, never an error.
package stream

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/gate"
	"github.com/go-go-golems/marionette/pkg/model"
	"github.com/go-go-golems/marionette/pkg/store"
)

type session struct {
	messageID int64
	content   string
}

// Assembler owns the per-conversation stream sessions. At most one session is
// open per conversation; completing a session closes it permanently.
type Assembler struct {
	store  *store.Store
	gate   *gate.Gate
	logger zerolog.Logger

	sessions map[int64]*session
	closed   map[int64]map[int64]struct{}
}

type Option func(*Assembler)

func WithLogger(logger zerolog.Logger) Option {
	return func(a *Assembler) { a.logger = logger }
}

func New(st *store.Store, g *gate.Gate, opts ...Option) *Assembler {
	a := &Assembler{
		store:    st,
		gate:     g,
		logger:   log.With().Str("component", "stream").Logger(),
		sessions: map[int64]*session{},
		closed:   map[int64]map[int64]struct{}{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Streaming reports whether a conversation has an open session.
func (a *Assembler) Streaming(convID int64) bool {
	_, ok := a.sessions[convID]
	return ok
}

// Start opens a stream session for (convID, messageID) and inserts an
// empty-content placeholder if the store does not hold the message yet.
// Starting an already-open session is a no-op.
func (a *Assembler) Start(ctx context.Context, convID, messageID int64) error {
	if a.isClosed(convID, messageID) {
		a.logger.Debug().Int64("conv_id", convID).Int64("message_id", messageID).Msg("start for completed session, dropping")
		return nil
	}
	if s, ok := a.sessions[convID]; ok {
		if s.messageID == messageID {
			return nil
		}
		// The transport never interleaves streams within a conversation; a
		// second start means the previous stream's end was lost.
		a.logger.Warn().
			Int64("conv_id", convID).
			Int64("open_message_id", s.messageID).
			Int64("message_id", messageID).
			Msg("superseding open stream session")
		delete(a.sessions, convID)
	}

	content := ""
	msgs, err := a.store.Get(ctx, convID)
	if err != nil {
		return errors.Wrap(err, "stream: start")
	}
	found := false
	for _, m := range msgs {
		if m.ID == messageID {
			found = true
			content = m.Content
			break
		}
	}
	if !found {
		placeholder := model.Message{
			ID:             messageID,
			ConversationID: convID,
			Role:           model.RoleAssistant,
			CreatedAt:      time.Now(),
		}
		if err := a.store.Add(ctx, placeholder); err != nil {
			return errors.Wrap(err, "stream: insert placeholder")
		}
	}
	a.sessions[convID] = &session{messageID: messageID, content: content}
	a.logger.Debug().Int64("conv_id", convID).Int64("message_id", messageID).Msg("stream session open")
	return nil
}

// Append concatenates text to the in-flight message. Without a matching open
// session the event is stale (conversation switch, lost start) and dropped.
func (a *Assembler) Append(ctx context.Context, convID, messageID int64, text string) error {
	s, ok := a.sessions[convID]
	if !ok || s.messageID != messageID {
		a.logger.Debug().
			Int64("conv_id", convID).
			Int64("message_id", messageID).
			Msg("append without open session, dropping")
		return nil
	}
	s.content += text
	return a.updateContent(ctx, convID, messageID, s.content)
}

// Complete attaches the final blocks, closes the session permanently and
// signals the wait gate.
func (a *Assembler) Complete(ctx context.Context, convID, messageID int64, blocks []model.Block) error {
	s, ok := a.sessions[convID]
	if !ok || s.messageID != messageID {
		a.logger.Debug().
			Int64("conv_id", convID).
			Int64("message_id", messageID).
			Msg("complete without open session, dropping")
		return nil
	}
	delete(a.sessions, convID)
	if a.closed[convID] == nil {
		a.closed[convID] = map[int64]struct{}{}
	}
	a.closed[convID][messageID] = struct{}{}

	msgs, err := a.store.Get(ctx, convID)
	if err != nil {
		return errors.Wrap(err, "stream: complete")
	}
	for _, m := range msgs {
		if m.ID != messageID {
			continue
		}
		final := m.WithBlocks(blocks)
		final.Content = s.content
		if err := a.store.Add(ctx, final); err != nil {
			return errors.Wrap(err, "stream: finalize")
		}
		break
	}
	a.logger.Debug().Int64("conv_id", convID).Int64("message_id", messageID).Msg("stream session complete")
	a.gate.Open(convID, gate.ReasonEvent)
	return nil
}

func (a *Assembler) updateContent(ctx context.Context, convID, messageID int64, content string) error {
	msgs, err := a.store.Get(ctx, convID)
	if err != nil {
		return errors.Wrap(err, "stream: read for append")
	}
	for _, m := range msgs {
		if m.ID == messageID {
			if err := a.store.Add(ctx, m.WithContent(content)); err != nil {
				return errors.Wrap(err, "stream: write content")
			}
			return nil
		}
	}
	a.logger.Debug().Int64("conv_id", convID).Int64("message_id", messageID).Msg("in-flight message missing from store")
	return nil
}

func (a *Assembler) isClosed(convID, messageID int64) bool {
	ids, ok := a.closed[convID]
	if !ok {
		return false
	}
	_, done := ids[messageID]
	return done
}
