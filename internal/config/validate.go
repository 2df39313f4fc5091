package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/genricoloni/nowcast/internal/domain"
	"go.uber.org/zap/zapcore"
)

// ErrFatalConfig marks configuration problems that must stop startup
var ErrFatalConfig = errors.New("invalid configuration")

// minPublishInterval keeps the status rate under 5 updates per minute
const minPublishInterval = 12

// Validate reports every problem at once, wrapped in ErrFatalConfig
func (c *Config) Validate() error {
	var problems []error
	problems = append(problems, c.validateGateway()...)
	problems = append(problems, c.validateReconciler()...)
	problems = append(problems, c.validateSources()...)
	problems = append(problems, c.validateLogging()...)

	if c.Publisher.MinIntervalSeconds < minPublishInterval {
		problems = append(problems, fmt.Errorf("publisher.min_interval_seconds must be at least %d", minPublishInterval))
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatalConfig, errors.Join(problems...))
}

func (c *Config) validateGateway() []error {
	var problems []error
	if u, err := url.Parse(c.Gateway.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		problems = append(problems, fmt.Errorf("gateway.url must be a ws:// or wss:// URL, got %q", c.Gateway.URL))
	}
	if u, err := url.Parse(c.Gateway.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		problems = append(problems, fmt.Errorf("gateway.api_url must be an http(s) URL, got %q", c.Gateway.APIURL))
	}
	if c.Gateway.ActivityType < 0 || c.Gateway.ActivityType > 5 {
		problems = append(problems, errors.New("gateway.activity_type must be between 0 and 5"))
	}
	return problems
}

func (c *Config) validateReconciler() []error {
	var problems []error
	r := c.Reconciler
	if r.DebounceMS < 0 {
		problems = append(problems, errors.New("reconciler.debounce_ms must not be negative"))
	}
	if r.Confirmations < 0 {
		problems = append(problems, errors.New("reconciler.confirmations must not be negative"))
	}
	if r.TieWindowMS < 0 {
		problems = append(problems, errors.New("reconciler.tie_window_ms must not be negative"))
	}
	if r.ScrobbleTTLSeconds <= 0 {
		problems = append(problems, errors.New("reconciler.scrobble_ttl_seconds must be positive"))
	}

	seen := make(map[string]bool, len(r.Priority))
	for _, kind := range r.Priority {
		switch domain.SourceKind(kind) {
		case domain.KindNotification, domain.KindPoller, domain.KindSniffer:
		default:
			problems = append(problems, fmt.Errorf("reconciler.priority: unknown source kind %q", kind))
			continue
		}
		if seen[kind] {
			problems = append(problems, fmt.Errorf("reconciler.priority: %q listed twice", kind))
		}
		seen[kind] = true
	}
	return problems
}

func (c *Config) validateSources() []error {
	var problems []error
	s := c.Sources
	if len(c.EnabledSources()) == 0 {
		problems = append(problems, errors.New("no sources enabled; enable at least one of sources.mpris, sources.sniffer, sources.http or sources.mpd"))
	}
	if s.PollIntervalMS <= 0 {
		problems = append(problems, errors.New("sources.poll_interval_ms must be positive"))
	}
	if s.HTTP.Enabled() {
		if u, err := url.Parse(s.HTTP.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			problems = append(problems, fmt.Errorf("sources.http.url must be an http(s) URL, got %q", s.HTTP.URL))
		}
		if s.HTTP.TimeoutMS <= 0 {
			problems = append(problems, errors.New("sources.http.timeout_ms must be positive"))
		}
		if s.HTTP.MaxFailures <= 0 {
			problems = append(problems, errors.New("sources.http.max_failures must be positive"))
		}
	}
	if s.MPD.Enabled {
		if strings.TrimSpace(s.MPD.Address) == "" {
			problems = append(problems, errors.New("sources.mpd.address must be set when sources.mpd.enabled is true"))
		}
		if s.MPD.MaxFailures <= 0 {
			problems = append(problems, errors.New("sources.mpd.max_failures must be positive"))
		}
	}
	return problems
}

func (c *Config) validateLogging() []error {
	var problems []error
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		problems = append(problems, fmt.Errorf("logging.level: %w", err))
	}
	switch c.Logging.Format {
	case "auto", "console", "json":
	default:
		problems = append(problems, fmt.Errorf("logging.format must be auto, console or json, got %q", c.Logging.Format))
	}
	return problems
}
