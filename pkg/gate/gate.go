// Package gate implements the per-conversation response wait gate. While a
// conversation is WAITING, new submissions are blocked; the gate reopens on a
// terminating event, on submission failure, or after a timeout.
package gate

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout is the response-wait window.
const DefaultTimeout = 30 * time.Second

// Reason records why a WAITING period ended.
type Reason string

const (
	ReasonEvent   Reason = "event"
	ReasonTimeout Reason = "timeout"
	ReasonFailure Reason = "failure"
)

type waiting struct {
	timer *time.Timer
	epoch uint64
}

// Gate tracks the OPEN/WAITING state per conversation. Each WAITING period
// carries an epoch so that a timer racing a terminating event produces
// exactly one close transition.
type Gate struct {
	mu      sync.Mutex
	timeout time.Duration
	logger  zerolog.Logger

	waits  map[int64]*waiting
	epochs map[int64]uint64
	onOpen func(convID int64, reason Reason)
}

type Option func(*Gate)

// WithTimeout overrides the wait window (tests use short durations).
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) { g.timeout = d }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// WithOnOpen registers a hook invoked on every WAITING→OPEN transition.
func WithOnOpen(fn func(convID int64, reason Reason)) Option {
	return func(g *Gate) { g.onOpen = fn }
}

func New(opts ...Option) *Gate {
	g := &Gate{
		timeout: DefaultTimeout,
		logger:  log.With().Str("component", "gate").Logger(),
		waits:   map[int64]*waiting{},
		epochs:  map[int64]uint64{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Waiting reports whether a conversation is currently blocked.
func (g *Gate) Waiting(convID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.waits[convID]
	return ok
}

// Wait moves a conversation to WAITING and arms the timeout. A previous
// WAITING period for the same conversation is superseded: its timer is
// cancelled and can no longer fire.
func (g *Gate) Wait(convID int64) {
	g.mu.Lock()
	if prev, ok := g.waits[convID]; ok {
		prev.timer.Stop()
	}
	g.epochs[convID]++
	epoch := g.epochs[convID]
	w := &waiting{epoch: epoch}
	w.timer = time.AfterFunc(g.timeout, func() { g.expire(convID, epoch) })
	g.waits[convID] = w
	g.mu.Unlock()
	g.logger.Debug().Int64("conv_id", convID).Msg("gate waiting")
}

// Open closes the WAITING period, if any. Opening an already-open gate is a
// no-op, so event- and timeout-driven transitions cannot double-fire.
func (g *Gate) Open(convID int64, reason Reason) {
	g.mu.Lock()
	w, ok := g.waits[convID]
	if !ok {
		g.mu.Unlock()
		return
	}
	w.timer.Stop()
	delete(g.waits, convID)
	onOpen := g.onOpen
	g.mu.Unlock()

	g.logger.Debug().Int64("conv_id", convID).Str("reason", string(reason)).Msg("gate open")
	if onOpen != nil {
		onOpen(convID, reason)
	}
}

func (g *Gate) expire(convID int64, epoch uint64) {
	g.mu.Lock()
	w, ok := g.waits[convID]
	if !ok || w.epoch != epoch {
		// The period this timer belonged to already closed.
		g.mu.Unlock()
		return
	}
	delete(g.waits, convID)
	onOpen := g.onOpen
	g.mu.Unlock()

	g.logger.Debug().Int64("conv_id", convID).Msg("gate timed out")
	if onOpen != nil {
		onOpen(convID, ReasonTimeout)
	}
}
