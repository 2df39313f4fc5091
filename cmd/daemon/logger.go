package main

import (
	"os"

	"github.com/genricoloni/nowcast/internal/config"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger creates the process logger. Format "auto" picks the console
// encoder on a terminal and JSON otherwise. Every entry carries the run id.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	if useConsole(cfg.Logging.Format, os.Stderr.Fd()) {
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	logger, err := zc.Build(zap.Fields(zap.String("run_id", uuid.NewString())))
	if err != nil {
		return nil, err
	}
	return logger, nil
}

func useConsole(format string, fd uintptr) bool {
	switch format {
	case "console":
		return true
	case "json":
		return false
	default:
		return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	}
}
