package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/genricoloni/nowcast/internal/domain"
	"github.com/genricoloni/nowcast/internal/normalizer"
	"github.com/genricoloni/nowcast/internal/presence"
	"github.com/genricoloni/nowcast/internal/reconciler"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNoSources is returned by Start when no adapter is configured
var ErrNoSources = errors.New("no sources configured")

// ErrNoUsableSources is returned by Run when every configured adapter is
// unsupported on this host
var ErrNoUsableSources = errors.New("no configured source is usable")

// errSourceReturned marks an Observe that ended without error or shutdown
var errSourceReturned = errors.New("source stopped unexpectedly")

// Runner is a long-lived loop, such as the gateway session
type Runner interface {
	Run(ctx context.Context) error
}

// Config tunes source supervision
type Config struct {
	// RestartInitial is the first restart delay after a source fails
	RestartInitial time.Duration
	// RestartMax caps the restart delay
	RestartMax time.Duration
	// StableAfter is how long a source must run before its delay resets
	StableAfter time.Duration
}

// DefaultConfig returns the stock restart policy
func DefaultConfig() Config {
	return Config{
		RestartInitial: time.Second,
		RestartMax:     time.Minute,
		StableAfter:    time.Minute,
	}
}

// Engine orchestrates the presence pipeline.
// Sources feed raw observations to the normalizer, the reconciler turns them
// into canonical state changes and the publisher pushes those to the gateway.
type Engine struct {
	logger     *zap.Logger
	cfg        Config
	sources    []domain.Source
	reconciler *reconciler.Reconciler
	publisher  *presence.Publisher
	session    Runner

	unparseable atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewEngine creates a new orchestration engine
func NewEngine(
	logger *zap.Logger,
	cfg Config,
	sources []domain.Source,
	rec *reconciler.Reconciler,
	pub *presence.Publisher,
	session Runner,
) *Engine {
	if cfg.RestartInitial <= 0 {
		cfg.RestartInitial = DefaultConfig().RestartInitial
	}
	if cfg.RestartMax <= 0 {
		cfg.RestartMax = DefaultConfig().RestartMax
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = DefaultConfig().StableAfter
	}
	return &Engine{
		logger:     logger,
		cfg:        cfg,
		sources:    sources,
		reconciler: rec,
		publisher:  pub,
		session:    session,
	}
}

// Start launches the pipeline in a goroutine and returns immediately.
// The pipeline outlives ctx; it runs until Stop.
func (e *Engine) Start(_ context.Context) error {
	if len(e.sources) == 0 {
		return ErrNoSources
	}

	ids := make([]string, 0, len(e.sources))
	for _, src := range e.sources {
		ids = append(ids, src.ID())
	}
	e.logger.Info("Engine starting...", zap.Strings("sources", ids))

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		e.err = e.Run(ctx)
		if e.err != nil {
			e.logger.Error("Engine stopped with error", zap.Error(e.err))
		}
	}()
	return nil
}

// Stop cancels the pipeline and waits for every goroutine, bounded by ctx
func (e *Engine) Stop(ctx context.Context) error {
	e.logger.Info("Engine stopping...")
	if e.cancel == nil {
		return nil
	}
	e.cancel()

	select {
	case <-e.done:
	case <-ctx.Done():
		return fmt.Errorf("engine did not stop in time: %w", ctx.Err())
	}

	e.logger.Info("Engine stopped",
		zap.Stringer("final_state", e.reconciler.Snapshot()),
		zap.Int64("unparseable", e.unparseable.Load()))
	return e.err
}

// Done is closed once the pipeline has stopped, on its own or through Stop.
// It is nil before Start.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err is the error the pipeline stopped with. Valid after Done is closed.
func (e *Engine) Err() error {
	return e.err
}

// Unparseable is the number of observations dropped by the normalizer
func (e *Engine) Unparseable() int64 {
	return e.unparseable.Load()
}

// Run blocks until ctx is cancelled or every source turns out unsupported.
// A clean shutdown returns nil.
func (e *Engine) Run(ctx context.Context) error {
	raw := make(chan domain.RawObservation, 64)
	observations := make(chan domain.Observation, 64)
	changes := make(chan domain.State, 4)

	g, gctx := errgroup.WithContext(ctx)

	var unusable atomic.Int32
	for _, src := range e.sources {
		src := src
		g.Go(func() error {
			err := e.supervise(gctx, src, raw, observations)
			if errors.Is(err, domain.ErrUnsupported) && int(unusable.Add(1)) == len(e.sources) {
				e.logger.Error("Every source is unavailable on this host")
				return ErrNoUsableSources
			}
			return nil
		})
	}
	g.Go(func() error { return e.normalize(gctx, raw, observations) })
	g.Go(func() error { return e.reconciler.Run(gctx, observations, changes) })
	g.Go(func() error { return e.publisher.Run(gctx, changes) })
	g.Go(func() error { return e.session.Run(gctx) })

	err := g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// supervise runs src until ctx ends, restarting it with exponential backoff.
// Every failure retracts what the source reported. Unsupported sources are
// not restarted; supervise returns their error.
func (e *Engine) supervise(ctx context.Context, src domain.Source, raw chan<- domain.RawObservation, observations chan<- domain.Observation) error {
	log := e.logger.With(zap.String("source", src.ID()), zap.String("kind", string(src.Kind())))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RestartInitial
	b.MaxInterval = e.cfg.RestartMax
	b.MaxElapsedTime = 0

	run := func() error {
		log.Info("Source started")
		started := time.Now()

		err := src.Observe(ctx, raw)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		e.retract(ctx, src, observations)
		if err == nil {
			err = errSourceReturned
		}
		if errors.Is(err, domain.ErrUnsupported) {
			return backoff.Permanent(err)
		}
		if time.Since(started) >= e.cfg.StableAfter {
			b.Reset()
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		log.Error("Source failed, restarting", zap.Error(err), zap.Duration("retry_in", wait))
	}

	err := backoff.RetryNotify(run, backoff.WithContext(b, ctx), notify)
	switch {
	case errors.Is(err, domain.ErrUnsupported):
		log.Warn("Source unavailable, not restarting", zap.Error(err))
		return err
	case err != nil && ctx.Err() == nil:
		log.Error("Source gave up", zap.Error(err))
	default:
		log.Info("Source stopped")
	}
	return nil
}

// retract tells the reconciler to forget everything src reported
func (e *Engine) retract(ctx context.Context, src domain.Source, observations chan<- domain.Observation) {
	select {
	case observations <- domain.Observation{
		SourceID: src.ID(),
		Kind:     src.Kind(),
		At:       time.Now(),
		Reset:    true,
	}:
	case <-ctx.Done():
	}
}

// normalize converts raw observations, dropping the unparseable ones
func (e *Engine) normalize(ctx context.Context, raw <-chan domain.RawObservation, observations chan<- domain.Observation) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case r := <-raw:
			state, err := normalizer.Normalize(r)
			if err != nil {
				count := e.unparseable.Add(1)
				e.logger.Warn("Dropping unparseable observation",
					zap.String("source", r.SourceID),
					zap.Int64("unparseable_total", count),
					zap.Error(err))
				continue
			}

			e.logger.Debug("Observation",
				zap.String("source", r.SourceID),
				zap.Stringer("state", state))

			select {
			case observations <- domain.Observation{
				SourceID: r.SourceID,
				Kind:     r.Kind,
				State:    state,
				At:       r.Timestamp,
			}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
