// Package engine wires the sync core together: it owns the message store,
// wait gate, stream assembler, optimistic write coordinator and reconciler,
// subscribes them to the real-time channel, and tracks the active
// conversation.
package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/gate"
	"github.com/go-go-golems/marionette/pkg/model"
	"github.com/go-go-golems/marionette/pkg/reconcile"
	"github.com/go-go-golems/marionette/pkg/store"
	"github.com/go-go-golems/marionette/pkg/stream"
	"github.com/go-go-golems/marionette/pkg/submit"
	"github.com/go-go-golems/marionette/pkg/wire"
)

// API is the slice of the REST client the engine depends on.
type API interface {
	submit.Sender
	reconcile.Lister
}

// EventSource delivers decoded wire events; transport.Channel implements it.
// Events for one source must be dispatched from a single goroutine in
// arrival order, which is the ordering guarantee the assembler relies on.
type EventSource interface {
	On(t wire.Type, fn func(wire.Event)) func()
}

// Engine is the client-side conversation sync core.
type Engine struct {
	store  *store.Store
	gate   *gate.Gate
	asm    *stream.Assembler
	coord  *submit.Coordinator
	rec    *reconcile.Reconciler
	logger zerolog.Logger

	mu     sync.Mutex
	active int64
	jobs   map[string]string
	unsubs []func()
}

type Option func(*options)

type options struct {
	gateOpts  []gate.Option
	submitCbs submit.Callbacks
	logger    zerolog.Logger
	hasLogger bool
}

// WithGateOptions forwards options (e.g. a short timeout) to the wait gate.
func WithGateOptions(opts ...gate.Option) Option {
	return func(o *options) { o.gateOpts = append(o.gateOpts, opts...) }
}

// WithSubmitCallbacks surfaces submission outcomes to the UI layer.
func WithSubmitCallbacks(cbs submit.Callbacks) Option {
	return func(o *options) { o.submitCbs = cbs }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger; o.hasLogger = true }
}

func New(backend store.Backend, apiClient API, opts ...Option) *Engine {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	logger := log.With().Str("component", "engine").Logger()
	if o.hasLogger {
		logger = o.logger
	}

	st := store.New(backend)
	g := gate.New(o.gateOpts...)
	e := &Engine{
		store:  st,
		gate:   g,
		asm:    stream.New(st, g),
		logger: logger,
		jobs:   map[string]string{},
	}
	e.coord = submit.New(st, g, apiClient, submit.WithCallbacks(o.submitCbs))
	e.rec = reconcile.New(apiClient, st, e.ActiveConversation)
	return e
}

// Attach subscribes the engine to a real-time event source. The returned
// detach func removes all listeners.
func (e *Engine) Attach(ctx context.Context, source EventSource) func() {
	unsubs := []func(){
		source.On(wire.TypeMessageNew, func(ev wire.Event) { e.onMessageNew(ctx, ev.(wire.MessageNew)) }),
		source.On(wire.TypeJobUpdate, func(ev wire.Event) { e.onJobUpdate(ev.(wire.JobUpdate)) }),
		source.On(wire.TypeStreamStart, func(ev wire.Event) {
			s := ev.(wire.StreamStart)
			e.logHandlerErr(e.asm.Start(ctx, s.ConversationID, s.MessageID))
		}),
		source.On(wire.TypeStreamToken, func(ev wire.Event) {
			s := ev.(wire.StreamToken)
			e.logHandlerErr(e.asm.Append(ctx, s.ConversationID, s.MessageID, s.Token))
		}),
		source.On(wire.TypeStreamChunk, func(ev wire.Event) {
			s := ev.(wire.StreamChunk)
			e.logHandlerErr(e.asm.Append(ctx, s.ConversationID, s.MessageID, s.Chunk))
		}),
		source.On(wire.TypeStreamEnd, func(ev wire.Event) { e.onStreamEnd(ctx, ev.(wire.StreamEnd)) }),
	}
	e.mu.Lock()
	e.unsubs = append(e.unsubs, unsubs...)
	e.mu.Unlock()
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Submit starts an optimistic submission. It returns false while the
// conversation is waiting on a response or a submission is in flight.
func (e *Engine) Submit(ctx context.Context, convID int64, text string) bool {
	return e.coord.Submit(ctx, convID, text)
}

// SelectConversation switches the active conversation and opportunistically
// reconciles it.
func (e *Engine) SelectConversation(ctx context.Context, convID int64) {
	e.mu.Lock()
	e.active = convID
	e.mu.Unlock()
	e.rec.Trigger(ctx, convID)
}

// ActiveConversation returns the currently selected conversation id.
func (e *Engine) ActiveConversation() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Messages returns a snapshot of a conversation's log.
func (e *Engine) Messages(ctx context.Context, convID int64) ([]model.Message, error) {
	return e.store.Get(ctx, convID)
}

// Waiting reports whether a conversation is blocked on a pending response.
func (e *Engine) Waiting(convID int64) bool {
	return e.gate.Waiting(convID)
}

// SubscribeStore registers a store change listener.
func (e *Engine) SubscribeStore(fn func(convID int64)) func() {
	return e.store.Subscribe(fn)
}

// Reconcile forces a reconciliation of one conversation.
func (e *Engine) Reconcile(ctx context.Context, convID int64) error {
	return e.rec.Run(ctx, convID)
}

// JobStatus returns the last seen status for a job id.
func (e *Engine) JobStatus(jobID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.jobs[jobID]
	return st, ok
}

func (e *Engine) onMessageNew(ctx context.Context, ev wire.MessageNew) {
	msg := ev.Message
	// A user-role echo goes through Add like any confirmed message: if it
	// beats the HTTP response, the positive id displaces the tentative entry
	// and the later response becomes an idempotent re-add of the same id.
	if err := e.store.Add(ctx, msg); err != nil {
		e.logger.Warn().Err(err).Int64("conv_id", msg.ConversationID).Int64("id", msg.ID).Msg("message.new apply failed")
		return
	}
	if msg.Role == model.RoleAssistant {
		e.gate.Open(msg.ConversationID, gate.ReasonEvent)
		e.rec.Trigger(ctx, msg.ConversationID)
	}
}

func (e *Engine) onJobUpdate(ev wire.JobUpdate) {
	e.mu.Lock()
	e.jobs[ev.JobID] = ev.Status
	e.mu.Unlock()
	e.logger.Debug().
		Str("job_id", ev.JobID).
		Int64("conv_id", ev.ConversationID).
		Str("status", ev.Status).
		Msg("job update")
}

func (e *Engine) onStreamEnd(ctx context.Context, ev wire.StreamEnd) {
	e.logHandlerErr(e.asm.Complete(ctx, ev.ConversationID, ev.MessageID, ev.Blocks))
	e.rec.Trigger(ctx, ev.ConversationID)
}

func (e *Engine) logHandlerErr(err error) {
	if err != nil {
		e.logger.Warn().Err(err).Msg("event handler error")
	}
}
