// Package sniffer captures outbound scrobble submissions off the local network
// interfaces. Only plain-HTTP requests that fit in one TCP segment are seen.
package sniffer

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/genricoloni/nowcast/internal/domain"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"
)

const _maxBodySize = 64 * 1024

// DefaultHosts are the scrobble submission endpoints recognized by default
var DefaultHosts = []string{
	"post.audioscrobbler.com",
	"post2.audioscrobbler.com",
	"ws.audioscrobbler.com",
	"turtle.libre.fm",
}

// Config selects what the sniffer listens to
type Config struct {
	// Interface restricts capture to one interface; empty means all
	Interface string
	// Hosts are the request hosts treated as scrobble endpoints
	Hosts []string
}

// Sniffer is a domain.Source that decodes scrobbles from raw frames
type Sniffer struct {
	logger *zap.Logger
	cfg    Config
	hosts  map[string]struct{}
}

// NewSniffer creates a sniffer; capture starts in Observe
func NewSniffer(logger *zap.Logger, cfg Config) *Sniffer {
	if len(cfg.Hosts) == 0 {
		cfg.Hosts = DefaultHosts
	}
	hosts := make(map[string]struct{}, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		hosts[strings.ToLower(h)] = struct{}{}
	}
	return &Sniffer{logger: logger, cfg: cfg, hosts: hosts}
}

// ID implements domain.Source
func (s *Sniffer) ID() string { return "sniffer" }

// Kind implements domain.Source
func (s *Sniffer) Kind() domain.SourceKind { return domain.KindSniffer }

// handleFrame decodes one Ethernet frame and extracts a scrobble request
// addressed to a known host.
func (s *Sniffer) handleFrame(frame []byte) (domain.ScrobblePayload, bool) {
	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	if packet.Layer(layers.LayerTypeTCP) == nil {
		return domain.ScrobblePayload{}, false
	}
	app := packet.ApplicationLayer()
	if app == nil {
		return domain.ScrobblePayload{}, false
	}

	data := app.Payload()
	if !bytes.HasPrefix(data, []byte("POST ")) {
		return domain.ScrobblePayload{}, false
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		s.logger.Debug("Ignoring undecodable HTTP request", zap.Error(err))
		return domain.ScrobblePayload{}, false
	}
	defer req.Body.Close()

	host := strings.ToLower(req.Host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if _, ok := s.hosts[host]; !ok {
		return domain.ScrobblePayload{}, false
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, _maxBodySize))
	if err != nil {
		s.logger.Debug("Dropping scrobble split across segments",
			zap.String("host", host),
			zap.Error(err))
		return domain.ScrobblePayload{}, false
	}

	return domain.ScrobblePayload{Host: host, Path: req.URL.Path, Body: body}, true
}

// emit forwards a captured scrobble, giving up on shutdown
func (s *Sniffer) emit(ctx context.Context, out chan<- domain.RawObservation, payload domain.ScrobblePayload) {
	s.logger.Debug("Captured scrobble submission",
		zap.String("host", payload.Host),
		zap.String("path", payload.Path),
		zap.Int("bytes", len(payload.Body)))

	select {
	case out <- domain.RawObservation{
		SourceID:  s.ID(),
		Kind:      s.Kind(),
		Timestamp: time.Now(),
		Payload:   payload,
	}:
	case <-ctx.Done():
	}
}
