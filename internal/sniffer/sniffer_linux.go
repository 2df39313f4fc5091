//go:build linux
// +build linux

package sniffer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/genricoloni/nowcast/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// readTimeout bounds each blocking read so cancellation is noticed
const readTimeout = 500 * time.Millisecond

// Observe opens an AF_PACKET socket (requires CAP_NET_RAW) and reports
// outgoing scrobbles until ctx is cancelled or the socket fails.
func (s *Sniffer) Observe(ctx context.Context, out chan<- domain.RawObservation) error {
	proto := htons(unix.ETH_P_ALL)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(proto))
	if err != nil {
		return fmt.Errorf("failed to open packet socket: %w", err)
	}
	defer unix.Close(fd) //nolint:errcheck

	if s.cfg.Interface != "" {
		ifi, err := net.InterfaceByName(s.cfg.Interface)
		if err != nil {
			return fmt.Errorf("unknown interface %q: %w", s.cfg.Interface, err)
		}
		if err := unix.Bind(fd, &unix.SockaddrLinklayer{Protocol: proto, Ifindex: ifi.Index}); err != nil {
			return fmt.Errorf("failed to bind to %s: %w", s.cfg.Interface, err)
		}
	}

	tv := unix.NsecToTimeval(readTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	s.logger.Info("Scrobble sniffer started",
		zap.String("interface", s.cfg.Interface),
		zap.Strings("hosts", s.cfg.Hosts))

	buf := make([]byte, 65536)
	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info("Scrobble sniffer stopped")
			return err
		}

		n, from, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("packet read failed: %w", err)
		}

		if ll, ok := from.(*unix.SockaddrLinklayer); !ok || ll.Pkttype != unix.PACKET_OUTGOING {
			continue
		}
		if payload, ok := s.handleFrame(buf[:n]); ok {
			s.emit(ctx, out, payload)
		}
	}
}

// htons converts to network byte order
func htons(v uint16) uint16 {
	return binary.NativeEndian.Uint16(binary.BigEndian.AppendUint16(nil, v))
}
