//go:build !linux
// +build !linux

package sniffer

import (
	"context"
	"fmt"

	"github.com/genricoloni/nowcast/internal/domain"
)

// Observe returns an error indicating packet capture is not supported on this platform
func (s *Sniffer) Observe(ctx context.Context, out chan<- domain.RawObservation) error {
	return fmt.Errorf("scrobble sniffing is only supported on Linux systems: %w", domain.ErrUnsupported)
}
