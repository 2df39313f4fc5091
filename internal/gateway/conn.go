package gateway

import (
	"context"
	"fmt"

	"golang.org/x/net/websocket"
)

const defaultOrigin = "https://discord.com"

// Conn is a JSON message connection to the gateway.
// WriteJSON may be called concurrently with ReadJSON and with itself.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	// Close sends a normal closure frame and releases the socket
	Close() error
}

// Dialer opens a new gateway connection
type Dialer func(ctx context.Context, url string) (Conn, error)

// wsConn relies on websocket.Conn serializing frame writes internally
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadJSON(v any) error {
	return websocket.JSON.Receive(c.ws, v)
}

func (c *wsConn) WriteJSON(v any) error {
	return websocket.JSON.Send(c.ws, v)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

// DialWebsocket connects to a websocket gateway endpoint
func DialWebsocket(ctx context.Context, url string) (Conn, error) {
	config, err := websocket.NewConfig(url, defaultOrigin)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway url: %w", err)
	}

	ws, err := config.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return &wsConn{ws: ws}, nil
}
