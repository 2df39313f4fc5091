package poller

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/genricoloni/nowcast/internal/domain"
	"go.uber.org/zap"
)

const _maxStatusSize = 1024 * 1024 // 1 MB

// HTTPConfig points the poller at a local player status endpoint
type HTTPConfig struct {
	URL         string
	Interval    time.Duration
	Timeout     time.Duration
	MaxFailures int
}

// HTTPPoller periodically downloads a JSON status document
type HTTPPoller struct {
	logger *zap.Logger
	client *http.Client
	cfg    HTTPConfig
}

// NewHTTPPoller creates a poller for cfg.URL. Zero values fall back to defaults.
func NewHTTPPoller(logger *zap.Logger, cfg HTTPConfig) *HTTPPoller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	return &HTTPPoller{
		logger: logger,
		client: &http.Client{
			Timeout: cfg.Timeout, // a hung endpoint must not stall the tick
		},
		cfg: cfg,
	}
}

// ID implements domain.Source
func (p *HTTPPoller) ID() string { return "http" }

// Kind implements domain.Source
func (p *HTTPPoller) Kind() domain.SourceKind { return domain.KindPoller }

// Observe polls until ctx is cancelled or too many polls fail in a row
func (p *HTTPPoller) Observe(ctx context.Context, out chan<- domain.RawObservation) error {
	p.logger.Info("HTTP poller started",
		zap.String("url", p.cfg.URL),
		zap.Duration("interval", p.cfg.Interval))

	return run(ctx, p.logger, p.ID(), p.cfg.Interval, p.cfg.MaxFailures, out, func(ctx context.Context) error {
		payload, err := p.Fetch(ctx)
		if err != nil {
			return err
		}
		emit(ctx, out, p.ID(), payload)
		return nil
	})
}

// Fetch downloads the status document once
func (p *HTTPPoller) Fetch(ctx context.Context) (domain.HTTPStatusPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return domain.HTTPStatusPayload{}, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", "nowcast/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return domain.HTTPStatusPayload{}, fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.HTTPStatusPayload{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "json") && !strings.HasPrefix(contentType, "text/plain") {
		return domain.HTTPStatusPayload{}, fmt.Errorf("endpoint did not return JSON: %s", contentType)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, _maxStatusSize))
	if err != nil {
		return domain.HTTPStatusPayload{}, fmt.Errorf("failed to read body: %w", err)
	}

	p.logger.Debug("Status fetched", zap.Int("bytes", len(data)), zap.String("url", p.cfg.URL))
	return domain.HTTPStatusPayload{URL: p.cfg.URL, ContentType: contentType, Body: data}, nil
}
