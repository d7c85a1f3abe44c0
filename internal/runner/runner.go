// SPDX-License-Identifier: GPL-3.0-or-later

// Package runner implements the per-mapping state machine that acquires
// a public endpoint through a [prober.Prober], keeps it confirmed, and
// publishes every confirmed change as an endpoint event.
//
// The lifecycle is INIT → ACQUIRING → ACTIVE → REACQUIRING → {ACTIVE,
// FAILED} → ... → STOPPED. One goroutine drives the whole machine; Start
// and Stop follow the atomic-flag, cancel-func, wait-group shape so that
// Stop fully joins the goroutine before releasing prober resources.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/fcnatd/internal/natcore"
	"github.com/bassosimone/fcnatd/internal/prober"
)

// State is the Mapping Runner's current lifecycle state.
type State int32

const (
	StateInit State = iota
	StateAcquiring
	StateActive
	StateReacquiring
	StateFailed
	StateStopped
)

// String returns the state name used in structured logs.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateAcquiring:
		return "ACQUIRING"
	case StateActive:
		return "ACTIVE"
	case StateReacquiring:
		return "REACQUIRING"
	case StateFailed:
		return "FAILED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Publisher receives the Runner's endpoint emissions. Satisfied by
// [dispatcher.Dispatcher]; abstracted so tests can substitute a fake.
type Publisher interface {
	Publish(mappingID string, endpoint *natcore.PublicEndpoint, generation uint64)
}

// ErrAlreadyRunning is returned by [Runner.Start] when called twice.
var ErrAlreadyRunning = errors.New("runner: already running")

// Config configures a [*Runner].
type Config struct {
	// MappingID identifies the mapping in events and logs.
	MappingID string

	// Prober is the acquisition strategy selected for this mapping.
	Prober prober.Prober

	// Publisher receives endpoint emissions.
	Publisher Publisher

	// Logger receives structured lifecycle events.
	Logger *slog.Logger

	// LossThreshold is how many consecutive maintenance failures signal
	// endpoint loss. Default 3.
	LossThreshold int

	// InitialBackoff/MaxBackoff bound the exponential backoff between
	// acquisition attempts. Defaults 1s and 60s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// GracePeriod is how long reacquisition may run before the Runner
	// emits a terminal event while it keeps retrying. Default 10m.
	GracePeriod time.Duration

	// StopTimeout bounds prober release work during Stop. Default 10s.
	StopTimeout time.Duration
}

// Runner drives one mapping through its lifecycle. Construct with [New],
// then call [Runner.Start] and eventually [Runner.Stop].
type Runner struct {
	cfg        Config
	generation natcore.GenerationCounter
	state      atomic.Int32
	running    atomic.Bool

	mu       sync.Mutex
	cancel   context.CancelFunc
	endpoint *natcore.PublicEndpoint

	wg sync.WaitGroup
}

// New returns a [*Runner] in [StateInit] with defaults applied.
func New(cfg Config) *Runner {
	if cfg.LossThreshold <= 0 {
		cfg.LossThreshold = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Minute
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	return &Runner{cfg: cfg}
}

// State returns the Runner's current lifecycle state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// Endpoint returns the currently held public endpoint, or nil.
func (r *Runner) Endpoint() *natcore.PublicEndpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endpoint
}

func (r *Runner) setState(s State) {
	r.state.Store(int32(s))
	r.cfg.Logger.Debug("runnerState", slog.String("mapping", r.cfg.MappingID), slog.String("state", s.String()))
}

// Start launches the state machine goroutine.
func (r *Runner) Start() error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx)
	return nil
}

// Stop cancels the state machine, joins its goroutine, releases any
// prober resources (including a held UPnP lease), and emits the terminal
// event so watchers can roll back. Idempotent.
func (r *Runner) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	cancel()
	r.wg.Wait()

	ctx, cancelT := context.WithTimeout(context.Background(), r.cfg.StopTimeout)
	defer cancelT()
	if err := r.cfg.Prober.Stop(ctx); err != nil {
		r.cfg.Logger.Warn("proberStopFailed",
			slog.String("mapping", r.cfg.MappingID), slog.Any("err", err))
	}

	r.cfg.Publisher.Publish(r.cfg.MappingID, nil, r.generation.Next())
	r.setState(StateStopped)
}

// activeResult is why the ACTIVE maintenance loop exited.
type activeResult int

const (
	activeLost activeResult = iota
	activeFatal
	activeCancelled
)

func (r *Runner) run(ctx context.Context) {
	defer r.wg.Done()

	reacquiring := false
	for {
		if ctx.Err() != nil {
			return
		}
		if reacquiring {
			r.setState(StateReacquiring)
		} else {
			r.setState(StateAcquiring)
		}

		endpoint, err := r.acquire(ctx, reacquiring)
		switch {
		case errors.Is(err, prober.ErrActionNotAuthorized):
			r.fail(ctx, err)
			return
		case err != nil:
			return // cancellation
		}

		r.publish(endpoint)
		r.setState(StateActive)

		result, activeErr := r.active(ctx, endpoint)
		switch result {
		case activeCancelled:
			return
		case activeFatal:
			r.fail(ctx, activeErr)
			return
		case activeLost:
			r.cfg.Logger.Warn("endpointLost",
				slog.String("mapping", r.cfg.MappingID),
				slog.String("endpoint", r.Endpoint().String()),
				slog.Any("err", activeErr))
			// Release held prober resources (stale connection, forgotten
			// lease) so the next Start begins from a clean slate.
			if err := r.cfg.Prober.Stop(ctx); err != nil {
				r.cfg.Logger.Warn("proberStopFailed",
					slog.String("mapping", r.cfg.MappingID), slog.Any("err", err))
			}
			reacquiring = true
		}
	}
}

// acquire invokes the Prober with exponential backoff until it yields an
// endpoint, a fatal error, or cancellation. During reacquisition the
// previous endpoint is kept until the grace period elapses, after which
// a terminal event is emitted while retrying continues.
func (r *Runner) acquire(ctx context.Context, reacquiring bool) (*natcore.PublicEndpoint, error) {
	backoff := r.cfg.InitialBackoff
	start := time.Now()
	emittedLoss := false

	for {
		endpoint, err := r.cfg.Prober.Start(ctx)
		if err == nil {
			return endpoint, nil
		}
		if errors.Is(err, prober.ErrActionNotAuthorized) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.cfg.Logger.Warn("acquisitionFailed",
			slog.String("mapping", r.cfg.MappingID), slog.Any("err", err))

		if reacquiring && !emittedLoss && time.Since(start) >= r.cfg.GracePeriod {
			emittedLoss = true
			r.publish(nil)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, r.cfg.MaxBackoff)
	}
}

// active runs the Prober's maintenance loop, counting consecutive
// failures against the loss threshold and publishing endpoint changes.
// The returned error carries the cause for activeFatal and the final
// probe failure for activeLost.
func (r *Runner) active(ctx context.Context, current *natcore.PublicEndpoint) (activeResult, error) {
	failures := 0
	for {
		endpoint, err := r.cfg.Prober.Probe(ctx)
		if ctx.Err() != nil {
			return activeCancelled, ctx.Err()
		}
		if errors.Is(err, prober.ErrActionNotAuthorized) {
			return activeFatal, err
		}
		if err != nil {
			failures++
			r.cfg.Logger.Warn("probeFailed",
				slog.String("mapping", r.cfg.MappingID),
				slog.Int("consecutiveFailures", failures),
				slog.Any("err", err))
			if failures >= r.cfg.LossThreshold {
				return activeLost, err
			}
			continue
		}
		failures = 0

		if !current.Equal(endpoint) {
			r.cfg.Logger.Info("endpointChanged",
				slog.String("mapping", r.cfg.MappingID),
				slog.String("previous", current.String()),
				slog.String("endpoint", endpoint.String()))
			current = endpoint
			r.publish(endpoint)
		}
	}
}

// fail parks the Runner in FAILED. It stays a subscription target until
// shutdown so the terminal event from Stop still reaches its watchers.
func (r *Runner) fail(ctx context.Context, err error) {
	r.cfg.Logger.Error("runnerFailed",
		slog.String("mapping", r.cfg.MappingID), slog.Any("err", err))
	r.setState(StateFailed)
	<-ctx.Done()
}

func (r *Runner) publish(endpoint *natcore.PublicEndpoint) {
	r.mu.Lock()
	r.endpoint = endpoint
	r.mu.Unlock()

	gen := r.generation.Next()
	r.cfg.Logger.Info("endpointPublished",
		slog.String("mapping", r.cfg.MappingID),
		slog.String("endpoint", endpoint.String()),
		slog.Uint64("generation", gen))
	r.cfg.Publisher.Publish(r.cfg.MappingID, endpoint, gen)
}
