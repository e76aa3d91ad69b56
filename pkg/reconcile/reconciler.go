// Package reconcile re-fetches the authoritative message list from the API.
// The real-time channel is best-effort; events dropped across a reconnect are
// corrected here.
package reconcile

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/model"
	"github.com/go-go-golems/marionette/pkg/store"
)

// Lister is the slice of the API the reconciler needs.
type Lister interface {
	ListMessages(ctx context.Context, convID int64) ([]model.Message, error)
}

// Reconciler replaces a conversation's confirmed log with the server's view.
// Results for a conversation that is no longer active by the time the fetch
// resolves are discarded.
type Reconciler struct {
	lister Lister
	store  *store.Store
	active func() int64
	logger zerolog.Logger
}

type Option func(*Reconciler)

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

func New(lister Lister, st *store.Store, active func() int64, opts ...Option) *Reconciler {
	r := &Reconciler{
		lister: lister,
		store:  st,
		active: active,
		logger: log.With().Str("component", "reconcile").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Trigger runs a reconciliation in the background. Failures are transient by
// design and only logged.
func (r *Reconciler) Trigger(ctx context.Context, convID int64) {
	go func() {
		if err := r.Run(ctx, convID); err != nil {
			r.logger.Warn().Err(err).Int64("conv_id", convID).Msg("reconciliation failed")
		}
	}()
}

// Run fetches and applies the authoritative log synchronously.
func (r *Reconciler) Run(ctx context.Context, convID int64) error {
	msgs, err := r.lister.ListMessages(ctx, convID)
	if err != nil {
		return errors.Wrap(err, "reconcile: fetch")
	}
	// The staleness check happens at resolution time: switching conversations
	// mid-fetch invalidates the result, not the request.
	if active := r.active(); active != convID {
		r.logger.Debug().
			Int64("conv_id", convID).
			Int64("active_conv_id", active).
			Msg("discarding stale reconciliation result")
		return nil
	}
	if err := r.store.SetAll(ctx, convID, msgs); err != nil {
		return errors.Wrap(err, "reconcile: apply")
	}
	r.logger.Debug().Int64("conv_id", convID).Int("count", len(msgs)).Msg("reconciled")
	return nil
}
