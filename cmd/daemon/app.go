package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/genricoloni/nowcast/internal/config"
	"github.com/genricoloni/nowcast/internal/credentials"
	"github.com/genricoloni/nowcast/internal/domain"
	"github.com/genricoloni/nowcast/internal/engine"
	"github.com/genricoloni/nowcast/internal/gateway"
	"github.com/genricoloni/nowcast/internal/instance"
	"github.com/genricoloni/nowcast/internal/monitor"
	"github.com/genricoloni/nowcast/internal/poller"
	"github.com/genricoloni/nowcast/internal/presence"
	"github.com/genricoloni/nowcast/internal/reconciler"
	"github.com/genricoloni/nowcast/internal/sniffer"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const tokenCheckTimeout = 15 * time.Second

// Flags are the command line overrides
type Flags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

// token is the resolved gateway credential
type token string

// AppOptions is the daemon's dependency graph
func AppOptions(flags Flags) fx.Option {
	return fx.Options(
		fx.Supply(flags),
		fx.Provide(
			newConfig,
			newLogger,
			newToken,
			newLock,
			fx.Annotate(
				newSession,
				fx.As(fx.Self()),
				fx.As(new(domain.Gateway)),
				fx.As(new(engine.Runner)),
			),
			newReconciler,
			newPublisher,
			newSources,
			newEngine,
		),
		fx.Invoke(registerHooks),
	)
}

// newConfig loads the configuration and applies the command line overrides
func newConfig(flags Flags) (*config.Config, error) {
	cfg, _, err := config.Load(flags.ConfigPath)
	if err != nil {
		return nil, err
	}
	if flags.LogLevel != "" {
		cfg.Logging.Level = flags.LogLevel
	}
	if flags.LogFormat != "" {
		cfg.Logging.Format = flags.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newToken resolves the token from the configuration or the desktop client,
// then checks it against the REST API. Only a rejected token is fatal.
func newToken(cfg *config.Config, logger *zap.Logger) (token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), tokenCheckTimeout)
	defer cancel()

	value := cfg.Token
	if value == "" && cfg.DiscoverToken {
		base, err := credentials.DefaultBase()
		if err != nil {
			return "", fmt.Errorf("%w: locate Discord local storage: %w", config.ErrFatalConfig, err)
		}
		value, err = credentials.Discover(ctx, logger.Named("credentials"), base)
		if err != nil {
			return "", fmt.Errorf("%w: %w; set token or %s", config.ErrFatalConfig, err, config.EnvToken)
		}
	}
	if value == "" {
		return "", fmt.Errorf("%w: no token configured; set token or %s", config.ErrFatalConfig, config.EnvToken)
	}

	if !cfg.Gateway.VerifyToken {
		return token(value), nil
	}

	err := gateway.NewTokenVerifier(cfg.Gateway.APIURL).Verify(ctx, value)
	switch {
	case err == nil:
		logger.Info("Token verified")
	case errors.Is(err, gateway.ErrInvalidToken):
		return "", fmt.Errorf("%w: %w", config.ErrFatalConfig, err)
	default:
		logger.Warn("Could not verify token, continuing", zap.Error(err))
	}
	return token(value), nil
}

func newLock() *instance.Lock {
	return instance.New(instance.DefaultPath())
}

func newSession(logger *zap.Logger, cfg *config.Config, tok token) *gateway.Session {
	return gateway.NewSession(logger.Named("gateway"), gateway.Config{
		URL:          cfg.Gateway.URL,
		Token:        string(tok),
		ActivityType: cfg.Gateway.ActivityType,
	})
}

func newReconciler(logger *zap.Logger, cfg *config.Config) *reconciler.Reconciler {
	priority := make([]domain.SourceKind, 0, len(cfg.Reconciler.Priority))
	for _, kind := range cfg.Reconciler.Priority {
		priority = append(priority, domain.SourceKind(kind))
	}
	return reconciler.NewReconciler(logger.Named("reconciler"), reconciler.Config{
		Debounce:      cfg.Reconciler.Debounce(),
		Confirmations: cfg.Reconciler.Confirmations,
		TieWindow:     cfg.Reconciler.TieWindow(),
		Priority:      priority,
		ScrobbleTTL:   cfg.Reconciler.ScrobbleTTL(),
	})
}

func newPublisher(logger *zap.Logger, gw domain.Gateway, cfg *config.Config) *presence.Publisher {
	return presence.NewPublisher(logger.Named("presence"), gw, presence.Config{
		MinInterval: cfg.Publisher.MinInterval(),
	})
}

// newSources builds the enabled adapters
func newSources(logger *zap.Logger, cfg *config.Config) []domain.Source {
	s := cfg.Sources
	var sources []domain.Source

	if s.MPRIS.Enabled {
		sources = append(sources, monitor.NewMprisMonitor(logger.Named("mpris")))
	}
	if s.Sniffer.Enabled {
		sources = append(sources, sniffer.NewSniffer(logger.Named("sniffer"), sniffer.Config{
			Interface: s.Sniffer.Interface,
			Hosts:     s.Sniffer.Hosts,
		}))
	}
	if s.HTTP.Enabled() {
		sources = append(sources, poller.NewHTTPPoller(logger.Named("http"), poller.HTTPConfig{
			URL:         s.HTTP.URL,
			Interval:    s.PollInterval(),
			Timeout:     s.HTTP.Timeout(),
			MaxFailures: s.HTTP.MaxFailures,
		}))
	}
	if s.MPD.Enabled {
		sources = append(sources, poller.NewMPDPoller(logger.Named("mpd"), poller.MPDConfig{
			Address:     s.MPD.Address,
			Password:    s.MPD.Password,
			Interval:    s.PollInterval(),
			MaxFailures: s.MPD.MaxFailures,
		}))
	}
	return sources
}

func newEngine(
	logger *zap.Logger,
	sources []domain.Source,
	rec *reconciler.Reconciler,
	pub *presence.Publisher,
	session engine.Runner,
) *engine.Engine {
	return engine.NewEngine(logger.Named("engine"), engine.DefaultConfig(), sources, rec, pub, session)
}

// registerHooks sets up application lifecycle hooks. An engine that stops
// on its own shuts the application down.
func registerHooks(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	logger *zap.Logger,
	cfg *config.Config,
	lock *instance.Lock,
	eng *engine.Engine,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := lock.Acquire(); err != nil {
				return err
			}
			if err := eng.Start(ctx); err != nil {
				return multierr.Append(err, lock.Release())
			}
			logger.Info("Nowcast daemon started",
				zap.Strings("sources", cfg.EnabledSources()),
				zap.String("lock", lock.Path()))

			go watchEngine(logger, shutdowner, eng)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Shutting down")
			return multierr.Append(eng.Stop(ctx), lock.Release())
		},
	})
}

// watchEngine requests shutdown when the engine fails outside of Stop
func watchEngine(logger *zap.Logger, shutdowner fx.Shutdowner, eng *engine.Engine) {
	<-eng.Done()
	err := eng.Err()
	if err == nil {
		return
	}
	if err := shutdowner.Shutdown(fx.ExitCode(exitCode(err))); err != nil {
		logger.Error("Failed to request shutdown", zap.Error(err))
	}
}
