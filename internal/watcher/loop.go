// SPDX-License-Identifier: GPL-3.0-or-later

package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/fcnatd/internal/dispatcher"
	"github.com/bassosimone/fcnatd/internal/natcore"
)

// errSuperseded aborts a retry sequence because a newer event landed in
// the mailbox; the outer loop picks it up immediately.
var errSuperseded = errors.New("watcher: event superseded by a newer one")

// LoopConfig configures a [*Loop].
type LoopConfig struct {
	// Applier performs the side effect.
	Applier Applier

	// Subscription is this binding's dispatcher mailbox.
	Subscription *dispatcher.Subscription

	// Logger receives structured apply/rollback events.
	Logger *slog.Logger

	// InitialBackoff/MaxBackoff bound the retry backoff between failed
	// apply attempts. Defaults 1s and 60s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// AttemptTimeout bounds one apply or rollback attempt. Default 30s.
	AttemptTimeout time.Duration
}

// Loop serializes all applies for one (watcher, binding) pair and owns
// that pair's [natcore.ReconciledState]. Construct with [NewLoop], then
// call [Loop.Run] on its own goroutine.
type Loop struct {
	cfg      LoopConfig
	shutdown atomic.Bool

	mu        sync.Mutex
	state     natcore.ReconciledState
	abandoned bool
}

// NewLoop returns a [*Loop] with defaults applied.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	return &Loop{cfg: cfg}
}

// BeginShutdown caps retries at one attempt, per the drain policy: a
// terminal event delivered during shutdown gets exactly one try.
func (l *Loop) BeginShutdown() {
	l.shutdown.Store(true)
}

// State returns a copy of the current reconciled state.
func (l *Loop) State() natcore.ReconciledState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) setState(state natcore.ReconciledState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = state
}

// Run drains the mailbox until the subscription is closed or ctx is
// done. At most one Run may be active per Loop.
func (l *Loop) Run(ctx context.Context) {
	for {
		ev, err := l.cfg.Subscription.Receive(ctx)
		if err != nil {
			return
		}
		l.process(ctx, ev)
	}
}

func (l *Loop) process(ctx context.Context, ev natcore.EndpointEvent) {
	logger := l.cfg.Logger.With(
		slog.String("mapping", ev.MappingID),
		slog.Uint64("generation", ev.Generation))

	if ev.Endpoint == nil {
		l.processTerminal(ctx, ev, logger)
		return
	}

	l.mu.Lock()
	abandoned := l.abandoned
	state := l.state
	l.mu.Unlock()
	if abandoned {
		logger.Debug("applySkippedAbandonedBinding")
		return
	}

	rendered := l.cfg.Applier.RenderValue(ev.Binding, ev.Endpoint)
	if state.Reconciles(ev.Endpoint, rendered) {
		logger.Debug("applyNoop", slog.String("endpoint", ev.Endpoint.String()))
		return
	}

	// The applier works on a copy; cancellation mid-apply leaves the
	// reconciled state untouched and the next event re-applies.
	err := l.retry(ctx, logger, "apply", func(ctx context.Context) error {
		return l.cfg.Applier.Apply(ctx, ev, rendered, &state)
	})
	switch {
	case err == nil:
		state.Endpoint = ev.Endpoint
		state.RenderedValue = rendered
		l.setState(state)
		logger.Info("applyDone",
			slog.String("endpoint", ev.Endpoint.String()),
			slog.String("value", rendered))
	case IsPermanent(err):
		l.mu.Lock()
		l.abandoned = true
		l.mu.Unlock()
		logger.Error("bindingAbandoned", slog.Any("err", err))
	}
}

func (l *Loop) processTerminal(ctx context.Context, ev natcore.EndpointEvent, logger *slog.Logger) {
	state := l.State()
	err := l.retry(ctx, logger, "rollback", func(ctx context.Context) error {
		return l.cfg.Applier.Rollback(ctx, ev.Binding, &state)
	})
	if err != nil {
		logger.Warn("rollbackFailed", slog.Any("err", err))
		return
	}
	state.Endpoint = nil
	state.RenderedValue = ""
	l.setState(state)
	logger.Info("rollbackDone")
}

// retry runs op with exponential backoff until success, a permanent
// error, cancellation, or supersession by a newer event. During
// shutdown the first failure ends the sequence.
func (l *Loop) retry(ctx context.Context, logger *slog.Logger, what string, op func(context.Context) error) error {
	backoff := l.cfg.InitialBackoff
	for attempt := 1; ; attempt++ {
		err := l.attempt(ctx, op)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if l.shutdown.Load() {
			return err
		}
		logger.Warn(what+"Retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.Any("err", err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.cfg.Subscription.Updates():
			return errSuperseded
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, l.cfg.MaxBackoff)
	}
}

func (l *Loop) attempt(ctx context.Context, op func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.AttemptTimeout)
	defer cancel()
	return op(ctx)
}
