//go:build linux
// +build linux

package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/genricoloni/nowcast/internal/domain"
	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	busPrefix      = "org.mpris.MediaPlayer2."
	objectPath     = "/org/mpris/MediaPlayer2"
	playerIface    = "org.mpris.MediaPlayer2.Player"
	metadataProp   = playerIface + ".Metadata"
	statusProp     = playerIface + ".PlaybackStatus"
	propsChanged   = "org.freedesktop.DBus.Properties.PropertiesChanged"
	nameOwnerEvent = "org.freedesktop.DBus.NameOwnerChanged"
)

// MprisMonitor observes media players over the D-Bus MPRIS interface.
// Every player is reported as its own sub-source, "mpris/<player>".
type MprisMonitor struct {
	logger  *zap.Logger
	connect func() (DBusClient, error)

	mu          sync.RWMutex
	conn        DBusClient
	out         chan<- domain.RawObservation
	playerNames map[string]string // Maps unique bus names (:1.45) to well-known names (org.mpris.MediaPlayer2.spotify)
}

// NewMprisMonitor creates a new MPRIS monitor on the session bus
func NewMprisMonitor(logger *zap.Logger) *MprisMonitor {
	return &MprisMonitor{
		logger: logger,
		connect: func() (DBusClient, error) {
			return NewSessionBusClient()
		},
		playerNames: make(map[string]string),
	}
}

// ID implements domain.Source
func (m *MprisMonitor) ID() string { return "mpris" }

// Kind implements domain.Source
func (m *MprisMonitor) Kind() domain.SourceKind { return domain.KindNotification }

// Observe connects to the session bus and reports player changes until ctx
// is cancelled or the bus connection is lost.
func (m *MprisMonitor) Observe(ctx context.Context, out chan<- domain.RawObservation) error {
	conn, err := m.connect()
	if err != nil {
		return fmt.Errorf("session bus connection failed: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			m.logger.Warn("Failed to close D-Bus connection", zap.Error(err))
		}
	}()

	m.mu.Lock()
	m.conn = conn
	m.out = out
	m.playerNames = make(map[string]string)
	m.mu.Unlock()

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(objectPath),
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return fmt.Errorf("failed to add match signal: %w", err)
	}

	// Non-fatal, continue without dynamic tracking
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		m.logger.Warn("Failed to add NameOwnerChanged match signal", zap.Error(err))
	} else {
		m.logger.Debug("Dynamic player tracking enabled via NameOwnerChanged")
	}

	// Subscribe before the initial scan so nothing falls in between
	signals := make(chan *dbus.Signal, 10)
	conn.Signal(signals)

	if err := m.detectExistingPlayers(ctx); err != nil {
		m.logger.Warn("Failed to detect existing players", zap.Error(err))
	}

	m.logger.Info("MPRIS monitor started")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("MPRIS monitor stopped")
			return ctx.Err()

		case sig, ok := <-signals:
			if !ok {
				return errors.New("D-Bus signal channel closed")
			}
			if sig == nil {
				continue
			}
			if sig.Name == nameOwnerEvent {
				m.handleNameOwnerChanged(ctx, sig)
			} else {
				m.handleSignal(ctx, sig)
			}
		}
	}
}

// detectExistingPlayers queries D-Bus for currently running MPRIS players
func (m *MprisMonitor) detectExistingPlayers(ctx context.Context) error {
	names, err := m.conn.ListNames()
	if err != nil {
		return fmt.Errorf("failed to list bus names: %w", err)
	}

	playerCount := 0
	for _, name := range names {
		if !strings.HasPrefix(name, busPrefix) {
			continue
		}
		playerCount++
		m.logger.Info("Detected MPRIS player", zap.String("name", name))

		if uniqueName, err := m.conn.GetNameOwner(name); err == nil {
			m.mu.Lock()
			m.playerNames[uniqueName] = name
			m.mu.Unlock()
		}

		if err := m.fetchPlayerState(ctx, name); err != nil {
			m.logger.Warn("Failed to fetch initial metadata",
				zap.String("player", name),
				zap.Error(err))
		}
	}

	m.logger.Info("Player detection complete", zap.Int("count", playerCount))
	return nil
}

// fetchPlayerState reads Metadata and PlaybackStatus from a player and emits them
func (m *MprisMonitor) fetchPlayerState(ctx context.Context, playerName string) error {
	variant, err := m.conn.GetProperty(playerName, objectPath, metadataProp)
	if err != nil {
		return fmt.Errorf("failed to get metadata: %w", err)
	}

	// Some players return nil or unexpected types when idle
	metadata, ok := variant.Value().(map[string]dbus.Variant)
	if !ok {
		m.logger.Debug("Metadata variant is not a map, skipping", zap.String("player", playerName))
		return nil
	}

	statusVariant, err := m.conn.GetProperty(playerName, objectPath, statusProp)
	if err != nil {
		return fmt.Errorf("failed to get playback status: %w", err)
	}
	status, ok := statusVariant.Value().(string)
	if !ok {
		return fmt.Errorf("invalid playback status format")
	}

	m.emit(ctx, playerName, domain.MprisPayload{
		Player:         playerName,
		PlaybackStatus: status,
		Metadata:       unwrapMetadata(metadata),
	})
	return nil
}

// handleNameOwnerChanged tracks players appearing and disappearing
func (m *MprisMonitor) handleNameOwnerChanged(ctx context.Context, sig *dbus.Signal) {
	if len(sig.Body) < 3 {
		return
	}

	name, ok := sig.Body[0].(string)
	if !ok || !strings.HasPrefix(name, busPrefix) {
		return
	}
	oldOwner, _ := sig.Body[1].(string)
	newOwner, _ := sig.Body[2].(string)

	switch {
	case oldOwner == "" && newOwner != "":
		m.mu.Lock()
		m.playerNames[newOwner] = name
		m.mu.Unlock()

		m.logger.Info("New MPRIS player detected",
			zap.String("player", name),
			zap.String("unique", newOwner))

		if err := m.fetchPlayerState(ctx, name); err != nil {
			m.logger.Warn("Failed to fetch metadata from new player",
				zap.String("player", name),
				zap.Error(err))
		}

	case oldOwner != "" && newOwner == "":
		m.mu.Lock()
		delete(m.playerNames, oldOwner)
		m.mu.Unlock()

		m.logger.Info("MPRIS player removed",
			zap.String("player", name),
			zap.String("unique", oldOwner))
		m.emit(ctx, name, domain.NoSignal{Reason: "player exited"})
		// Signals that beat the name mapping were keyed by the unique name
		m.emit(ctx, oldOwner, domain.NoSignal{Reason: "player exited"})

	case oldOwner != "" && newOwner != "":
		m.mu.Lock()
		delete(m.playerNames, oldOwner)
		m.playerNames[newOwner] = name
		m.mu.Unlock()

		m.logger.Debug("MPRIS player ownership changed",
			zap.String("player", name),
			zap.String("oldUnique", oldOwner),
			zap.String("newUnique", newOwner))
		m.emit(ctx, oldOwner, domain.NoSignal{Reason: "player changed owner"})
	}
}

// handleSignal processes a PropertiesChanged signal. Its body is the
// interface name, the changed properties and the invalidated properties.
func (m *MprisMonitor) handleSignal(ctx context.Context, sig *dbus.Signal) {
	if sig.Name != propsChanged || len(sig.Body) < 2 {
		return
	}

	interfaceName, ok := sig.Body[0].(string)
	if !ok || interfaceName != playerIface {
		return
	}

	changedProps, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	playerName := m.getPlayerName(sig.Sender)
	metadataVariant, hasMetadata := changedProps["Metadata"]
	statusVariant, hasStatus := changedProps["PlaybackStatus"]
	if !hasMetadata && !hasStatus {
		return
	}

	var metadata map[string]dbus.Variant
	var status string

	if hasMetadata {
		metadata, ok = metadataVariant.Value().(map[string]dbus.Variant)
		if !ok {
			m.logger.Warn("Invalid metadata format in signal, ignoring", zap.String("player", playerName))
			return
		}
	} else if variant, err := m.conn.GetProperty(sig.Sender, objectPath, metadataProp); err == nil {
		metadata, _ = variant.Value().(map[string]dbus.Variant)
	}

	if hasStatus {
		status, ok = statusVariant.Value().(string)
		if !ok {
			m.logger.Warn("Invalid playback status format in signal, ignoring", zap.String("player", playerName))
			return
		}
	} else if variant, err := m.conn.GetProperty(sig.Sender, objectPath, statusProp); err == nil {
		status, _ = variant.Value().(string)
	}

	m.logger.Debug("Media change detected",
		zap.String("player", playerName),
		zap.String("status", status),
		zap.Int("properties", len(changedProps)))

	m.emit(ctx, playerName, domain.MprisPayload{
		Player:         playerName,
		PlaybackStatus: status,
		Metadata:       unwrapMetadata(metadata),
	})
}

// emit forwards an observation for one player, giving up on shutdown
func (m *MprisMonitor) emit(ctx context.Context, playerName string, payload any) {
	m.mu.RLock()
	out := m.out
	m.mu.RUnlock()
	if out == nil {
		return
	}

	obs := domain.RawObservation{
		SourceID:  m.ID() + "/" + strings.TrimPrefix(playerName, busPrefix),
		Kind:      m.Kind(),
		Timestamp: time.Now(),
		Payload:   payload,
	}
	select {
	case out <- obs:
	case <-ctx.Done():
	}
}

// unwrapMetadata strips the D-Bus variants off an MPRIS metadata map
func unwrapMetadata(metadata map[string]dbus.Variant) map[string]any {
	if metadata == nil {
		return nil
	}
	values := make(map[string]any, len(metadata))
	for key, variant := range metadata {
		values[key] = variant.Value()
	}
	return values
}

// getPlayerName returns the well-known player name for a unique bus name.
// Falls back to the unique name if no mapping exists.
func (m *MprisMonitor) getPlayerName(uniqueName string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if wellKnown, ok := m.playerNames[uniqueName]; ok {
		return wellKnown
	}
	return uniqueName
}
