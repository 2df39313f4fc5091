//go:build !linux
// +build !linux

package monitor

import (
	"context"
	"fmt"

	"github.com/genricoloni/nowcast/internal/domain"
	"go.uber.org/zap"
)

// MprisMonitor stub for non-Linux platforms
type MprisMonitor struct {
	logger *zap.Logger
}

// NewMprisMonitor creates a stub monitor that fails on non-Linux platforms
func NewMprisMonitor(logger *zap.Logger) *MprisMonitor {
	return &MprisMonitor{logger: logger}
}

// ID implements domain.Source
func (m *MprisMonitor) ID() string { return "mpris" }

// Kind implements domain.Source
func (m *MprisMonitor) Kind() domain.SourceKind { return domain.KindNotification }

// Observe returns an error indicating MPRIS monitoring is not supported on this platform
func (m *MprisMonitor) Observe(ctx context.Context, out chan<- domain.RawObservation) error {
	return fmt.Errorf("MPRIS monitoring is only supported on Linux systems: %w", domain.ErrUnsupported)
}
