package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

// fakeGateway speaks just enough of the gateway protocol for the session
type fakeGateway struct {
	interval   int64
	ack        bool
	afterReady func(ws *websocket.Conn, conn int32)

	conns      atomic.Int32
	identifies chan identifyData
	heartbeats chan inbound
	presences  chan presenceData
	closed     chan error
}

func newFakeGateway(interval int64, ack bool) *fakeGateway {
	return &fakeGateway{
		interval:   interval,
		ack:        ack,
		identifies: make(chan identifyData, 16),
		heartbeats: make(chan inbound, 256),
		presences:  make(chan presenceData, 16),
		closed:     make(chan error, 16),
	}
}

func (f *fakeGateway) handle(ws *websocket.Conn) {
	n := f.conns.Add(1)

	hello := map[string]any{"op": opHello, "d": map[string]any{"heartbeat_interval": f.interval}}
	if err := websocket.JSON.Send(ws, hello); err != nil {
		return
	}

	var msg inbound
	if err := websocket.JSON.Receive(ws, &msg); err != nil || msg.Op != opIdentify {
		return
	}
	var id identifyData
	_ = json.Unmarshal(msg.D, &id)
	select {
	case f.identifies <- id:
	default:
	}

	ready := map[string]any{"op": opDispatch, "t": eventReady, "s": 1, "d": map[string]any{"v": 9}}
	if err := websocket.JSON.Send(ws, ready); err != nil {
		return
	}
	if f.afterReady != nil {
		f.afterReady(ws, n)
	}

	for {
		var msg inbound
		if err := websocket.JSON.Receive(ws, &msg); err != nil {
			select {
			case f.closed <- err:
			default:
			}
			return
		}
		switch msg.Op {
		case opHeartbeat:
			select {
			case f.heartbeats <- msg:
			default:
			}
			if f.ack {
				_ = websocket.JSON.Send(ws, map[string]any{"op": opHeartbeatAck})
			}
		case opPresenceUpdate:
			var p presenceData
			_ = json.Unmarshal(msg.D, &p)
			select {
			case f.presences <- p:
			default:
			}
		}
	}
}

func startFake(t *testing.T, f *fakeGateway) string {
	t.Helper()
	srv := httptest.NewServer(websocket.Handler(f.handle))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func runSession(t *testing.T, url string) (*Session, context.CancelFunc, <-chan error) {
	t.Helper()
	s := NewSession(zap.NewNop(), Config{
		URL:              url,
		Token:            "secret-token",
		HandshakeTimeout: time.Second,
		InitialBackoff:   10 * time.Millisecond,
		MaxBackoff:       50 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		done <- s.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return s, cancel, done
}

func waitReady(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("session never became ready")
	}
}

func TestSession_HandshakeAndPresence(t *testing.T) {
	f := newFakeGateway(10_000, true)
	s, _, _ := runSession(t, startFake(t, f))

	waitReady(t, s)
	assert.True(t, s.IsConnected())
	assert.Equal(t, Connected, s.State())

	id := <-f.identifies
	assert.Equal(t, "secret-token", id.Token)
	assert.Equal(t, "nowcast", id.Properties.Browser)

	require.NoError(t, s.SendStatus(context.Background(), "Boards of Canada — Roygbiv"))
	p := <-f.presences
	require.Len(t, p.Activities, 1)
	assert.Equal(t, "Boards of Canada — Roygbiv", p.Activities[0].Name)
	assert.Equal(t, 0, p.Activities[0].Type)
	assert.Equal(t, "online", p.Status)

	require.NoError(t, s.SendStatus(context.Background(), ""))
	p = <-f.presences
	assert.Empty(t, p.Activities)
}

func TestSession_HeartbeatCarriesSequence(t *testing.T) {
	f := newFakeGateway(20, true)
	s, _, _ := runSession(t, startFake(t, f))
	waitReady(t, s)

	for i := 0; i < 3; i++ {
		select {
		case hb := <-f.heartbeats:
			assert.JSONEq(t, "1", string(hb.D))
		case <-time.After(2 * time.Second):
			t.Fatal("no heartbeat received")
		}
	}
	assert.True(t, s.IsConnected())
	assert.Equal(t, int32(1), f.conns.Load())
}

func TestSession_MissedAckReconnects(t *testing.T) {
	f := newFakeGateway(20, false)
	s, _, _ := runSession(t, startFake(t, f))

	waitReady(t, s)
	require.Eventually(t, func() bool { return f.conns.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestSession_ServerRequestedReconnect(t *testing.T) {
	f := newFakeGateway(10_000, true)
	f.afterReady = func(ws *websocket.Conn, conn int32) {
		if conn == 1 {
			_ = websocket.JSON.Send(ws, map[string]any{"op": opReconnect})
		}
	}
	s, _, _ := runSession(t, startFake(t, f))

	waitReady(t, s)
	require.Eventually(t, func() bool {
		return f.conns.Load() == 2 && s.IsConnected()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSession_SendStatusNotConnected(t *testing.T) {
	s := NewSession(zap.NewNop(), Config{Token: "x"})

	err := s.SendStatus(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, Disconnected, s.State())
}

func TestSession_ClosesOnShutdown(t *testing.T) {
	f := newFakeGateway(10_000, true)
	s, cancel, done := runSession(t, startFake(t, f))
	waitReady(t, s)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	select {
	case err := <-f.closed:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the connection close")
	}
	assert.Equal(t, Disconnected, s.State())
	assert.ErrorIs(t, s.SendStatus(context.Background(), "x"), ErrNotConnected)
}

func TestSession_RetriesUnreachableGateway(t *testing.T) {
	var attempts atomic.Int32
	s := NewSessionWithDialer(zap.NewNop(), Config{
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	}, func(ctx context.Context, url string) (Conn, error) {
		attempts.Add(1)
		return nil, assert.AnError
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return attempts.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, s.IsConnected())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "handshaking", Handshaking.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "reconnecting", Reconnecting.String())
	assert.Equal(t, "state(9)", State(9).String())
}
