// Package poller holds the pull-driven sources: a local HTTP status endpoint
// and a Music Player Daemon. Both share the same tick and failure policy.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/genricoloni/nowcast/internal/domain"
	"go.uber.org/zap"
)

const (
	// DefaultInterval is the time between two polls
	DefaultInterval = 5 * time.Second
	// DefaultMaxFailures is how many polls in a row may fail before the
	// source gives up and lets the engine restart it
	DefaultMaxFailures = 5
)

// pollFunc performs one poll and emits its result
type pollFunc func(ctx context.Context) error

// run polls immediately, then on every tick. Each failed poll emits NoSignal
// for sourceID; maxFailures consecutive failures end the loop with an error.
func run(ctx context.Context, logger *zap.Logger, sourceID string, interval time.Duration, maxFailures int,
	out chan<- domain.RawObservation, poll pollFunc) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		if err := poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			logger.Warn("Poll failed",
				zap.String("source", sourceID),
				zap.Int("consecutive_failures", failures),
				zap.Error(err))
			emit(ctx, out, sourceID, domain.NoSignal{Reason: err.Error()})
			if failures >= maxFailures {
				return fmt.Errorf("%s: %d consecutive polls failed: %w", sourceID, failures, err)
			}
		} else {
			failures = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func emit(ctx context.Context, out chan<- domain.RawObservation, sourceID string, payload any) {
	select {
	case out <- domain.RawObservation{
		SourceID:  sourceID,
		Kind:      domain.KindPoller,
		Timestamp: time.Now(),
		Payload:   payload,
	}:
	case <-ctx.Done():
	}
}
