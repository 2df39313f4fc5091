package reconciler

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/genricoloni/nowcast/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultDebounce      = 3 * time.Second
	defaultConfirmations = 2
	defaultTieWindow     = 250 * time.Millisecond
	defaultScrobbleTTL   = 10 * time.Minute
)

// Config tunes debouncing and arbitration
type Config struct {
	// Debounce is the dwell time after which a candidate is trusted
	Debounce time.Duration
	// Confirmations is how many consecutive confirming observations accept a
	// candidate before the dwell time elapses (0 disables the shortcut)
	Confirmations int
	// TieWindow is how close two source changes must be to count as simultaneous
	TieWindow time.Duration
	// Priority orders kinds from most to least trusted, for ties
	Priority []domain.SourceKind
	// ScrobbleTTL bounds how long a sniffed track without a known duration
	// keeps playing; sniffers never see the player stop
	ScrobbleTTL time.Duration
}

// DefaultConfig returns the stock debounce and arbitration settings
func DefaultConfig() Config {
	return Config{
		Debounce:      defaultDebounce,
		Confirmations: defaultConfirmations,
		TieWindow:     defaultTieWindow,
		Priority:      domain.DefaultPriority,
		ScrobbleTTL:   defaultScrobbleTTL,
	}
}

type sourceEntry struct {
	kind      domain.SourceKind
	state     domain.State
	changedAt time.Time
	// expiresAt is zero for sources that report their own stop
	expiresAt time.Time
}

func (e *sourceEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type candidate struct {
	state domain.State
	since time.Time
	ticks int
}

// Reconciler merges observations from every adapter into one canonical state.
// Only the goroutine running Run (or the caller of Observe/Tick) writes the
// state; Snapshot is safe from any goroutine.
type Reconciler struct {
	logger *zap.Logger
	cfg    Config
	rank   map[domain.SourceKind]int

	mu        sync.RWMutex
	current   domain.State
	sources   map[string]*sourceEntry
	candidate *candidate
}

// NewReconciler creates a reconciler starting in Idle
func NewReconciler(logger *zap.Logger, cfg Config) *Reconciler {
	if len(cfg.Priority) == 0 {
		cfg.Priority = domain.DefaultPriority
	}
	if cfg.ScrobbleTTL <= 0 {
		cfg.ScrobbleTTL = defaultScrobbleTTL
	}
	rank := make(map[domain.SourceKind]int, len(cfg.Priority))
	for i, kind := range cfg.Priority {
		if _, seen := rank[kind]; !seen {
			rank[kind] = i
		}
	}

	return &Reconciler{
		logger:  logger,
		cfg:     cfg,
		rank:    rank,
		sources: make(map[string]*sourceEntry),
	}
}

// Snapshot returns a copy of the canonical state
func (r *Reconciler) Snapshot() domain.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Run consumes observations until ctx is cancelled or in is closed, and
// sends every accepted transition to out.
func (r *Reconciler) Run(ctx context.Context, in <-chan domain.Observation, out chan<- domain.State) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	emit := func(state domain.State) bool {
		select {
		case out <- state:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case obs, ok := <-in:
			if !ok {
				r.logger.Info("Observation channel closed")
				return nil
			}
			if state, changed := r.Observe(obs); changed && !emit(state) {
				return ctx.Err()
			}

		case <-timer.C:
			if state, changed := r.Tick(time.Now()); changed && !emit(state) {
				return ctx.Err()
			}
		}

		timer.Stop()
		if deadline, pending := r.Deadline(); pending {
			timer.Reset(max(time.Until(deadline), 0))
		}
	}
}

// Observe records one normalized observation and reports an accepted
// transition, if any.
func (r *Reconciler) Observe(obs domain.Observation) (domain.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.expire(obs.At)
	if obs.Reset {
		r.dropSource(obs.SourceID)
	} else {
		entry, ok := r.sources[obs.SourceID]
		if !ok || !entry.state.Equal(obs.State) {
			r.sources[obs.SourceID] = &sourceEntry{
				kind:      obs.Kind,
				state:     obs.State,
				changedAt: obs.At,
				expiresAt: r.expiry(obs),
			}
		} else {
			// Same track; refresh informational fields only
			entry.state = obs.State
		}
	}

	target := r.arbitrate()
	confirms := !obs.Reset && obs.State.Equal(target)
	return r.consider(target, obs.At, confirms)
}

// Tick expires stale sniffed tracks and accepts a candidate whose dwell
// time has elapsed at now
func (r *Reconciler) Tick(now time.Time) (domain.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.expire(now) && r.candidate == nil {
		return r.current, false
	}
	return r.consider(r.arbitrate(), now, false)
}

// Deadline returns the next instant Tick has work to do: the pending
// candidate's dwell time or the earliest source expiry
func (r *Reconciler) Deadline() (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var next time.Time
	if r.candidate != nil {
		next = r.candidate.since.Add(r.cfg.Debounce)
	}
	for _, entry := range r.sources {
		if entry.expiresAt.IsZero() {
			continue
		}
		if next.IsZero() || entry.expiresAt.Before(next) {
			next = entry.expiresAt
		}
	}
	return next, !next.IsZero()
}

// expiry computes when a sniffed playing track stops counting.
// Caller holds mu.
func (r *Reconciler) expiry(obs domain.Observation) time.Time {
	if obs.Kind != domain.KindSniffer || !obs.State.Playing {
		return time.Time{}
	}
	if d := obs.State.Track.Duration; d > 0 {
		return obs.At.Add(d)
	}
	return obs.At.Add(r.cfg.ScrobbleTTL)
}

// expire drops sources whose track outlived its expiry and reports whether
// any were dropped. Caller holds mu.
func (r *Reconciler) expire(now time.Time) bool {
	dropped := false
	for id, entry := range r.sources {
		if entry.expired(now) {
			r.logger.Debug("Source track expired",
				zap.String("source", id),
				zap.Stringer("state", entry.state))
			delete(r.sources, id)
			dropped = true
		}
	}
	return dropped
}

// consider runs the debounce rule against the arbitration target.
// Caller holds mu.
func (r *Reconciler) consider(target domain.State, now time.Time, confirms bool) (domain.State, bool) {
	if target.Equal(r.current) {
		if r.candidate != nil {
			r.logger.Debug("Candidate withdrawn before it settled",
				zap.Stringer("candidate", r.candidate.state))
			r.candidate = nil
		}
		return r.current, false
	}

	if r.candidate == nil || !r.candidate.state.Equal(target) {
		r.candidate = &candidate{state: target, since: now, ticks: 1}
		r.logger.Debug("New candidate state", zap.Stringer("candidate", target))
	} else {
		r.candidate.state = target
		if confirms {
			r.candidate.ticks++
		}
	}

	confirmed := r.cfg.Confirmations > 0 && r.candidate.ticks >= r.cfg.Confirmations
	dwelled := now.Sub(r.candidate.since) >= r.cfg.Debounce
	if !confirmed && !dwelled {
		return r.current, false
	}

	previous := r.current
	r.current = r.candidate.state
	r.candidate = nil

	r.logger.Info("State transition",
		zap.Stringer("from", previous),
		zap.Stringer("to", r.current),
		zap.Bool("confirmed", confirmed),
		zap.Bool("dwelled", dwelled))

	return r.current, true
}

// arbitrate picks the state of the most recently changed playing source.
// Caller holds mu.
func (r *Reconciler) arbitrate() domain.State {
	ids := make([]string, 0, len(r.sources))
	for id, entry := range r.sources {
		if entry.state.Playing {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return domain.Idle
	}
	sort.Strings(ids)

	best := ids[0]
	for _, id := range ids[1:] {
		if r.preferred(r.sources[id], r.sources[best]) {
			best = id
		}
	}
	return r.sources[best].state
}

// preferred reports whether a beats b
func (r *Reconciler) preferred(a, b *sourceEntry) bool {
	delta := a.changedAt.Sub(b.changedAt)
	if delta.Abs() <= r.cfg.TieWindow {
		ra, rb := r.rankOf(a.kind), r.rankOf(b.kind)
		if ra != rb {
			return ra < rb
		}
	}
	return delta > 0
}

func (r *Reconciler) rankOf(kind domain.SourceKind) int {
	if rank, ok := r.rank[kind]; ok {
		return rank
	}
	return len(r.rank)
}

// dropSource forgets an adapter and all of its sub-sources. Caller holds mu.
func (r *Reconciler) dropSource(id string) {
	prefix := id + "/"
	for key := range r.sources {
		if key == id || strings.HasPrefix(key, prefix) {
			delete(r.sources, key)
		}
	}
}
