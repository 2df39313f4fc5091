package presence

import (
	"context"
	"time"

	"github.com/genricoloni/nowcast/internal/domain"
	"github.com/genricoloni/nowcast/internal/textutil"
	"go.uber.org/zap"
)

// MinUpdateInterval keeps us within 5 presence updates per minute
const MinUpdateInterval = 12 * time.Second

// Config tunes the publisher
type Config struct {
	MinInterval time.Duration
}

// Publisher turns canonical state changes into rate-limited status writes.
// It holds at most one pending status: newer states supersede older ones.
type Publisher struct {
	logger  *zap.Logger
	gateway domain.Gateway
	cfg     Config
	now     func() time.Time

	// Owned by the Run goroutine
	desired      string
	hasDesired   bool
	delivered    domain.PresenceUpdate
	hasDelivered bool
	lastAttempt  time.Time
}

// NewPublisher creates a publisher writing through the given gateway
func NewPublisher(logger *zap.Logger, gateway domain.Gateway, cfg Config) *Publisher {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = MinUpdateInterval
	}
	return &Publisher{
		logger:  logger,
		gateway: gateway,
		cfg:     cfg,
		now:     time.Now,
	}
}

// StatusText maps a canonical state to the wire status; Idle clears it
func StatusText(state domain.State) string {
	if state.IsIdle() {
		return ""
	}
	return textutil.FormatStatus(state.Track.Artist, state.Track.Title)
}

// Run consumes state changes until ctx is cancelled or changes is closed.
// Waiting for the rate window is a timer in this loop, never a sleep.
func (p *Publisher) Run(ctx context.Context, changes <-chan domain.State) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	ready := p.gateway.Ready()

	for {
		select {
		case <-ctx.Done():
			if p.pending() {
				p.logger.Info("Abandoning pending presence update on shutdown",
					zap.String("status", p.desired))
			}
			return ctx.Err()

		case state, ok := <-changes:
			if !ok {
				return nil
			}
			p.handle(state)

		case <-ready:
			p.handleReady()

		case <-timer.C:
		}

		timer.Stop()
		if next, wait := p.flush(ctx); wait {
			timer.Reset(max(next.Sub(p.now()), 0))
		}
	}
}

// handle replaces the desired status with the one for state
func (p *Publisher) handle(state domain.State) {
	text := StatusText(state)
	if p.hasDesired && p.pending() && text != p.desired {
		p.logger.Debug("Superseding pending presence update",
			zap.String("old", p.desired),
			zap.String("new", text))
	}
	p.desired = text
	p.hasDesired = true
}

// handleReady forgets what was delivered: a new session starts blank
func (p *Publisher) handleReady() {
	p.hasDelivered = false
	if p.hasDesired {
		p.logger.Info("Gateway ready, re-flushing latest status", zap.String("status", p.desired))
	}
}

// pending reports whether the desired status still has to be written
func (p *Publisher) pending() bool {
	return p.hasDesired && (!p.hasDelivered || p.delivered.StatusText != p.desired)
}

// flush writes the desired status if allowed. It returns the time at which
// it wants to be called again, if any. Every attempt, failed or not, opens
// a new rate window: the gateway may have counted a write that errored.
func (p *Publisher) flush(ctx context.Context) (time.Time, bool) {
	if !p.pending() {
		return time.Time{}, false
	}
	if !p.gateway.IsConnected() {
		p.logger.Debug("Gateway not connected, holding latest status", zap.String("status", p.desired))
		return time.Time{}, false
	}

	now := p.now()
	if !p.lastAttempt.IsZero() {
		if next := p.lastAttempt.Add(p.cfg.MinInterval); now.Before(next) {
			p.logger.Debug("Deferring presence update until rate window opens",
				zap.Duration("wait", next.Sub(now)))
			return next, true
		}
	}

	text := p.desired
	p.lastAttempt = now
	p.logger.Info("Publishing presence update", zap.String("status", text), zap.Int("bytes", len(text)))

	if err := p.gateway.SendStatus(ctx, text); err != nil {
		p.logger.Warn("Presence update failed, retrying next window",
			zap.String("status", text),
			zap.Error(err))
		return now.Add(p.cfg.MinInterval), true
	}

	p.delivered = domain.PresenceUpdate{StatusText: text, SentAt: now}
	p.hasDelivered = true
	p.logger.Info("Presence updated", zap.String("status", text))
	return time.Time{}, false
}
