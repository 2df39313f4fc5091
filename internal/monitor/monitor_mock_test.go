//go:build linux
// +build linux

package monitor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/genricoloni/nowcast/internal/domain"
	"github.com/genricoloni/nowcast/internal/monitor/mocks"
	"github.com/godbus/dbus/v5"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

// TestFetchPlayerState covers success, D-Bus errors and malformed data
func TestFetchPlayerState(t *testing.T) {
	playerName := "org.mpris.MediaPlayer2.spotify"
	metaPath := "org.mpris.MediaPlayer2.Player.Metadata"
	statusPath := "org.mpris.MediaPlayer2.Player.PlaybackStatus"
	objPath := "/org/mpris/MediaPlayer2"

	tests := []struct {
		name          string
		setupMock     func(*mocks.MockDBusClient)
		expectError   bool
		expectStatus  string
		expectedTitle string
	}{
		{
			name: "Success - Valid Metadata",
			setupMock: func(m *mocks.MockDBusClient) {
				m.EXPECT().GetProperty(playerName, objPath, metaPath).
					Return(dbus.MakeVariant(map[string]dbus.Variant{
						"xesam:title":  dbus.MakeVariant("Stairway to Heaven"),
						"xesam:artist": dbus.MakeVariant([]string{"Led Zeppelin"}),
					}), nil)
				m.EXPECT().GetProperty(playerName, objPath, statusPath).
					Return(dbus.MakeVariant("Playing"), nil)
			},
			expectStatus:  "Playing",
			expectedTitle: "Stairway to Heaven",
		},
		{
			name: "DBus Error - Connection Fail",
			setupMock: func(m *mocks.MockDBusClient) {
				m.EXPECT().GetProperty(playerName, objPath, metaPath).
					Return(dbus.MakeVariant(""), fmt.Errorf("connection timeout"))
			},
			expectError: true,
		},
		{
			name: "DBus Error - Status Unavailable",
			setupMock: func(m *mocks.MockDBusClient) {
				m.EXPECT().GetProperty(playerName, objPath, metaPath).
					Return(dbus.MakeVariant(map[string]dbus.Variant{}), nil)
				m.EXPECT().GetProperty(playerName, objPath, statusPath).
					Return(dbus.MakeVariant(""), fmt.Errorf("no such property"))
			},
			expectError: true,
		},
		{
			name: "Invalid Data - Metadata is Int not Map",
			setupMock: func(m *mocks.MockDBusClient) {
				m.EXPECT().GetProperty(playerName, objPath, metaPath).
					Return(dbus.MakeVariant(12345), nil)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			mockClient := mocks.NewMockDBusClient(ctrl)
			tt.setupMock(mockClient)

			mon, out := newTestMonitor(mockClient)

			err := mon.fetchPlayerState(context.Background(), playerName)

			if tt.expectError && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}

			select {
			case obs := <-out:
				if tt.expectStatus == "" {
					t.Fatalf("Unexpected observation emitted: %+v", obs)
				}
				payload := obs.Payload.(domain.MprisPayload)
				if payload.PlaybackStatus != tt.expectStatus {
					t.Errorf("Status mismatch: want %s, got %s", tt.expectStatus, payload.PlaybackStatus)
				}
				if payload.Metadata["xesam:title"] != tt.expectedTitle {
					t.Errorf("Title mismatch: want %s, got %v", tt.expectedTitle, payload.Metadata["xesam:title"])
				}
			default:
				if tt.expectStatus != "" {
					t.Error("Expected observation was not emitted")
				}
			}
		})
	}
}

// TestDetectExistingPlayers verifies the initial scan of bus names
func TestDetectExistingPlayers(t *testing.T) {
	tests := []struct {
		name             string
		setupMock        func(*mocks.MockDBusClient)
		expectError      bool
		expectedSources  []string
		expectedMappings map[string]string
	}{
		{
			name: "Success - Detects Spotify and VLC",
			setupMock: func(m *mocks.MockDBusClient) {
				m.EXPECT().ListNames().Return([]string{
					"org.freedesktop.DBus",
					"org.mpris.MediaPlayer2.spotify",
					"org.mpris.MediaPlayer2.vlc",
					"com.example.OtherApp",
				}, nil)

				m.EXPECT().GetNameOwner("org.mpris.MediaPlayer2.spotify").Return(":1.100", nil)
				m.EXPECT().GetNameOwner("org.mpris.MediaPlayer2.vlc").Return(":1.200", nil)

				m.EXPECT().GetProperty("org.mpris.MediaPlayer2.spotify", gomock.Any(), gomock.Any()).
					Return(dbus.MakeVariant(map[string]dbus.Variant{"xesam:title": dbus.MakeVariant("Song A")}), nil)
				m.EXPECT().GetProperty("org.mpris.MediaPlayer2.spotify", gomock.Any(), gomock.Any()).
					Return(dbus.MakeVariant("Playing"), nil)

				m.EXPECT().GetProperty("org.mpris.MediaPlayer2.vlc", gomock.Any(), gomock.Any()).
					Return(dbus.MakeVariant(map[string]dbus.Variant{"xesam:title": dbus.MakeVariant("Video B")}), nil)
				m.EXPECT().GetProperty("org.mpris.MediaPlayer2.vlc", gomock.Any(), gomock.Any()).
					Return(dbus.MakeVariant("Paused"), nil)
			},
			expectedSources: []string{"mpris/spotify", "mpris/vlc"},
			expectedMappings: map[string]string{
				":1.100": "org.mpris.MediaPlayer2.spotify",
				":1.200": "org.mpris.MediaPlayer2.vlc",
			},
		},
		{
			name: "Failure - ListNames fails",
			setupMock: func(m *mocks.MockDBusClient) {
				m.EXPECT().ListNames().Return(nil, fmt.Errorf("bus error"))
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			mockClient := mocks.NewMockDBusClient(ctrl)
			tt.setupMock(mockClient)

			mon, out := newTestMonitor(mockClient)

			err := mon.detectExistingPlayers(context.Background())

			if tt.expectError && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}

			if len(mon.playerNames) != len(tt.expectedMappings) {
				t.Errorf("Mapping count mismatch: want %d, got %d", len(tt.expectedMappings), len(mon.playerNames))
			}
			for k, v := range tt.expectedMappings {
				if mon.playerNames[k] != v {
					t.Errorf("Mapping mismatch for %s: want %s, got %s", k, v, mon.playerNames[k])
				}
			}

			var sources []string
			for len(out) > 0 {
				sources = append(sources, (<-out).SourceID)
			}
			if fmt.Sprint(sources) != fmt.Sprint(tt.expectedSources) {
				t.Errorf("Sources mismatch: want %v, got %v", tt.expectedSources, sources)
			}
		})
	}
}

// TestObserve drives a full session: subscription, initial scan, a live
// signal, then shutdown.
func TestObserve(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockClient := mocks.NewMockDBusClient(ctrl)

	signals := make(chan chan<- *dbus.Signal, 1)
	gomock.InOrder(
		mockClient.EXPECT().AddMatchSignal(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil),
		mockClient.EXPECT().AddMatchSignal(gomock.Any(), gomock.Any()).Return(nil),
		mockClient.EXPECT().Signal(gomock.Any()).Do(func(ch chan<- *dbus.Signal) {
			signals <- ch
		}),
		mockClient.EXPECT().ListNames().Return([]string{"org.freedesktop.DBus"}, nil),
	)
	mockClient.EXPECT().Close().Return(nil)

	mon := NewMprisMonitor(zap.NewNop())
	mon.connect = func() (DBusClient, error) { return mockClient, nil }

	out := make(chan domain.RawObservation, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mon.Observe(ctx, out) }()

	var ch chan<- *dbus.Signal
	select {
	case ch = <-signals:
	case <-time.After(time.Second):
		t.Fatal("monitor never subscribed to signals")
	}

	ch <- &dbus.Signal{
		Name: "org.freedesktop.DBus.NameOwnerChanged",
		Body: []interface{}{"org.mpris.MediaPlayer2.mpv", ":1.7", ""},
	}

	select {
	case obs := <-out:
		if obs.SourceID != "mpris/mpv" {
			t.Errorf("Expected mpris/mpv, got %s", obs.SourceID)
		}
	case <-time.After(time.Second):
		t.Fatal("no observation for the vanished player")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestObserve_ConnectFailure(t *testing.T) {
	mon := NewMprisMonitor(zap.NewNop())
	mon.connect = func() (DBusClient, error) { return nil, errors.New("no session bus") }

	err := mon.Observe(context.Background(), make(chan domain.RawObservation))
	if err == nil {
		t.Fatal("Expected error when the bus is unreachable")
	}
}

func TestObserve_SignalChannelClosed(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockClient := mocks.NewMockDBusClient(ctrl)

	mockClient.EXPECT().AddMatchSignal(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	mockClient.EXPECT().AddMatchSignal(gomock.Any(), gomock.Any()).Return(errors.New("denied"))
	mockClient.EXPECT().Signal(gomock.Any()).Do(func(ch chan<- *dbus.Signal) {
		close(ch)
	})
	mockClient.EXPECT().ListNames().Return(nil, nil)
	mockClient.EXPECT().Close().Return(nil)

	mon := NewMprisMonitor(zap.NewNop())
	mon.connect = func() (DBusClient, error) { return mockClient, nil }

	err := mon.Observe(context.Background(), make(chan domain.RawObservation, 1))
	if err == nil || errors.Is(err, context.Canceled) {
		t.Fatalf("Expected a connection-lost error, got %v", err)
	}
}
