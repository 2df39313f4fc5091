package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/genricoloni/nowcast/internal/config"
	"github.com/genricoloni/nowcast/internal/engine"
	"github.com/genricoloni/nowcast/internal/gateway"
	"github.com/genricoloni/nowcast/internal/instance"
	"github.com/spf13/cobra"
	"go.uber.org/dig"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Exit codes
const (
	exitOK      = 0
	exitFailure = 1
	exitConfig  = 2
	exitRunning = 3
)

const stopTimeout = 10 * time.Second

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "nowcast:", err)
		os.Exit(exitCode(err))
	}
}

func newRootCommand() *cobra.Command {
	var flags Flags

	rootCmd := &cobra.Command{
		Use:           "nowcast",
		Short:         "Mirror the desktop's now playing track to a Discord status",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, flags)
		},
	}

	rootCmd.Flags().StringVarP(&flags.ConfigPath, "config", "c", "", "Configuration file path (default $XDG_CONFIG_HOME/nowcast/config.toml)")
	rootCmd.Flags().StringVar(&flags.LogLevel, "log-level", "", "Log level: debug, info, warn or error")
	rootCmd.Flags().StringVar(&flags.LogFormat, "log-format", "", "Log format: auto, console or json")

	return rootCmd
}

// run starts the daemon and blocks until ctx is cancelled or the
// application shuts itself down
func run(ctx context.Context, flags Flags) error {
	app := fx.New(
		AppOptions(flags),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: log.Named("fx")}
			l.UseLogLevel(zapcore.DebugLevel)
			return l
		}),
	)
	if err := app.Err(); err != nil {
		return err
	}

	if err := app.Start(ctx); err != nil {
		return err
	}

	var shutdown fx.ShutdownSignal
	select {
	case <-ctx.Done():
	case shutdown = <-app.Wait():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	err := app.Stop(stopCtx)
	if err == nil && shutdown.ExitCode != exitOK {
		err = fmt.Errorf("shut down with exit code %d", shutdown.ExitCode)
	}
	return err
}

// exitCode maps startup failures to distinct exit statuses
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	root := dig.RootCause(err)
	switch {
	case errors.Is(err, config.ErrFatalConfig), errors.Is(root, config.ErrFatalConfig),
		errors.Is(err, gateway.ErrInvalidToken), errors.Is(root, gateway.ErrInvalidToken),
		errors.Is(err, engine.ErrNoUsableSources):
		return exitConfig
	case errors.Is(err, instance.ErrAlreadyRunning), errors.Is(root, instance.ErrAlreadyRunning):
		return exitRunning
	default:
		return exitFailure
	}
}
