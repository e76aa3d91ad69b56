// Package submit implements the optimistic write path: a tentative message is
// inserted synchronously, the wait gate closes, and the API round trip either
// confirms the entry in place or rolls it back.
package submit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/api"
	"github.com/go-go-golems/marionette/pkg/gate"
	"github.com/go-go-golems/marionette/pkg/model"
	"github.com/go-go-golems/marionette/pkg/store"
)

// Sender is the slice of the API the coordinator needs.
type Sender interface {
	SendMessage(ctx context.Context, convID int64, text string) (api.SendMessageResponse, error)
}

// Callbacks receive the asynchronous outcome of a submission. OnFailure hands
// the original draft back so the caller can restore it for retry; the
// coordinator itself never retries.
type Callbacks struct {
	OnConfirmed func(convID int64, msg model.Message, jobID string)
	OnFailure   func(convID int64, draft string, err error)
}

// Coordinator creates and resolves tentative messages around the submit round
// trip.
type Coordinator struct {
	store  *store.Store
	gate   *gate.Gate
	sender Sender
	cbs    Callbacks
	logger zerolog.Logger

	// seq allocates process-unique negative ids: -1001, -1002, ...
	seq atomic.Int64

	mu       sync.Mutex
	inflight map[int64]struct{}
}

type Option func(*Coordinator)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithCallbacks(cbs Callbacks) Option {
	return func(c *Coordinator) { c.cbs = cbs }
}

func New(st *store.Store, g *gate.Gate, sender Sender, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    st,
		gate:     g,
		sender:   sender,
		logger:   log.With().Str("component", "submit").Logger(),
		inflight: map[int64]struct{}{},
	}
	c.seq.Store(1000)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit starts a submission. It returns false (a no-op, not an error) when
// the conversation is WAITING on a response or a submission is already in
// flight. On acceptance the tentative message is visible in the store before
// Submit returns; the API call resolves in the background.
func (c *Coordinator) Submit(ctx context.Context, convID int64, text string) bool {
	if c.gate.Waiting(convID) {
		c.logger.Debug().Int64("conv_id", convID).Msg("submit rejected: waiting for response")
		return false
	}
	c.mu.Lock()
	if _, ok := c.inflight[convID]; ok {
		c.mu.Unlock()
		c.logger.Debug().Int64("conv_id", convID).Msg("submit rejected: submission in flight")
		return false
	}
	c.inflight[convID] = struct{}{}
	c.mu.Unlock()

	tentative := model.Message{
		ID:             -c.seq.Add(1),
		ConversationID: convID,
		Role:           model.RoleUser,
		Content:        text,
		CreatedAt:      time.Now(),
	}
	if err := c.store.Add(ctx, tentative); err != nil {
		c.clearInflight(convID)
		c.fail(convID, text, errors.Wrap(err, "insert tentative"))
		return false
	}
	c.gate.Wait(convID)
	c.logger.Debug().
		Int64("conv_id", convID).
		Int64("tentative_id", tentative.ID).
		Msg("tentative message inserted")

	go c.resolve(ctx, convID, tentative.ID, text)
	return true
}

func (c *Coordinator) resolve(ctx context.Context, convID, tentativeID int64, text string) {
	resp, err := c.sender.SendMessage(ctx, convID, text)
	c.clearInflight(convID)

	if err != nil {
		// Roll back: no trace of the tentative entry remains, the gate
		// reopens, and the draft goes back to the caller.
		if rmErr := c.store.Remove(ctx, convID, tentativeID); rmErr != nil {
			c.logger.Error().Err(rmErr).Int64("conv_id", convID).Int64("tentative_id", tentativeID).Msg("rollback failed")
		}
		c.gate.Open(convID, gate.ReasonFailure)
		c.fail(convID, text, errors.Wrap(err, "send message"))
		return
	}

	// Add with a positive id removes the tentative entry and inserts the
	// confirmed message in one store transition.
	if err := c.store.Add(ctx, resp.Message); err != nil {
		c.logger.Error().Err(err).Int64("conv_id", convID).Msg("confirm failed")
	}
	if resp.JobID == "" {
		c.gate.Open(convID, gate.ReasonEvent)
	}
	c.logger.Debug().
		Int64("conv_id", convID).
		Int64("message_id", resp.Message.ID).
		Str("job_id", resp.JobID).
		Msg("submission confirmed")
	if c.cbs.OnConfirmed != nil {
		c.cbs.OnConfirmed(convID, resp.Message, resp.JobID)
	}
}

func (c *Coordinator) clearInflight(convID int64) {
	c.mu.Lock()
	delete(c.inflight, convID)
	c.mu.Unlock()
}

func (c *Coordinator) fail(convID int64, draft string, err error) {
	c.logger.Warn().Err(err).Int64("conv_id", convID).Msg("submission failed")
	if c.cbs.OnFailure != nil {
		c.cbs.OnFailure(convID, draft, err)
	}
}
