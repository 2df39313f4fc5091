package poller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fhs/gompd/v2/mpd"
	"github.com/genricoloni/nowcast/internal/domain"
	"go.uber.org/zap"
)

// DefaultMPDAddress is where a local MPD listens out of the box
const DefaultMPDAddress = "localhost:6600"

// MPDConfig selects the daemon to poll. An Address starting with "/" is a
// unix socket.
type MPDConfig struct {
	Address     string
	Password    string
	Interval    time.Duration
	MaxFailures int
}

// mpdClient is the subset of *mpd.Client the poller uses
type mpdClient interface {
	Status() (mpd.Attrs, error)
	CurrentSong() (mpd.Attrs, error)
	Close() error
}

// MPDPoller reads status and currentsong from MPD on every tick. The
// connection is kept between polls and re-dialed after an error.
type MPDPoller struct {
	logger *zap.Logger
	cfg    MPDConfig
	dial   func(network, addr, password string) (mpdClient, error)
	client mpdClient
}

// NewMPDPoller creates a poller; nothing is dialed until Observe
func NewMPDPoller(logger *zap.Logger, cfg MPDConfig) *MPDPoller {
	if cfg.Address == "" {
		cfg.Address = DefaultMPDAddress
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	return &MPDPoller{
		logger: logger,
		cfg:    cfg,
		dial: func(network, addr, password string) (mpdClient, error) {
			c, err := mpd.DialAuthenticated(network, addr, password)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
	}
}

// ID implements domain.Source
func (p *MPDPoller) ID() string { return "mpd" }

// Kind implements domain.Source
func (p *MPDPoller) Kind() domain.SourceKind { return domain.KindPoller }

// Observe polls until ctx is cancelled or too many polls fail in a row
func (p *MPDPoller) Observe(ctx context.Context, out chan<- domain.RawObservation) error {
	defer p.disconnect()

	p.logger.Info("MPD poller started",
		zap.String("address", p.cfg.Address),
		zap.Duration("interval", p.cfg.Interval))

	return run(ctx, p.logger, p.ID(), p.cfg.Interval, p.cfg.MaxFailures, out, func(ctx context.Context) error {
		payload, err := p.poll()
		if err != nil {
			p.disconnect()
			return err
		}
		emit(ctx, out, p.ID(), payload)
		return nil
	})
}

func (p *MPDPoller) poll() (domain.MPDPayload, error) {
	if p.client == nil {
		network := "tcp"
		if strings.HasPrefix(p.cfg.Address, "/") {
			network = "unix"
		}
		c, err := p.dial(network, p.cfg.Address, p.cfg.Password)
		if err != nil {
			return domain.MPDPayload{}, fmt.Errorf("failed to connect to MPD at %s: %w", p.cfg.Address, err)
		}
		p.client = c
	}

	status, err := p.client.Status()
	if err != nil {
		return domain.MPDPayload{}, fmt.Errorf("status: %w", err)
	}

	payload := domain.MPDPayload{State: status["state"]}
	if payload.State != "play" {
		return payload, nil
	}

	song, err := p.client.CurrentSong()
	if err != nil {
		return domain.MPDPayload{}, fmt.Errorf("currentsong: %w", err)
	}
	payload.Song = map[string]string(song)
	return payload, nil
}

func (p *MPDPoller) disconnect() {
	if p.client == nil {
		return
	}
	if err := p.client.Close(); err != nil {
		p.logger.Debug("Failed to close MPD connection", zap.Error(err))
	}
	p.client = nil
}
