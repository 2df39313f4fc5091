package monitor

import (
	"github.com/godbus/dbus/v5"
)

// DBusClient is the subset of a bus connection the MPRIS monitor needs.
//
//go:generate mockgen -destination=mocks/dbus_client_mock.go -package=mocks github.com/genricoloni/nowcast/internal/monitor DBusClient
type DBusClient interface {
	Close() error

	// AddMatchSignal installs a match rule for signals we want delivered
	AddMatchSignal(options ...dbus.MatchOption) error

	// Signal registers a channel that receives matched signals. The channel
	// is closed when the connection goes away.
	Signal(ch chan<- *dbus.Signal)

	ListNames() ([]string, error)

	// GetNameOwner maps a well-known name to its unique name (":1.45")
	GetNameOwner(name string) (string, error)

	// GetProperty reads prop (e.g. "org.mpris.MediaPlayer2.Player.Metadata")
	// from the object at path owned by dest
	GetProperty(dest, path, prop string) (dbus.Variant, error)
}

// SessionBusClient is the godbus implementation on the user's session bus
type SessionBusClient struct {
	conn *dbus.Conn
}

// NewSessionBusClient opens a private connection to the session bus.
// Close disconnects it.
func NewSessionBusClient() (*SessionBusClient, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, err
	}
	return &SessionBusClient{conn: conn}, nil
}

func (c *SessionBusClient) Close() error {
	return c.conn.Close()
}

func (c *SessionBusClient) AddMatchSignal(options ...dbus.MatchOption) error {
	return c.conn.AddMatchSignal(options...)
}

func (c *SessionBusClient) Signal(ch chan<- *dbus.Signal) {
	c.conn.Signal(ch)
}

func (c *SessionBusClient) ListNames() ([]string, error) {
	var names []string
	err := c.bus().Call("org.freedesktop.DBus.ListNames", 0).Store(&names)
	return names, err
}

func (c *SessionBusClient) GetNameOwner(name string) (string, error) {
	var owner string
	err := c.bus().Call("org.freedesktop.DBus.GetNameOwner", 0, name).Store(&owner)
	return owner, err
}

func (c *SessionBusClient) GetProperty(dest, path, prop string) (dbus.Variant, error) {
	return c.conn.Object(dest, dbus.ObjectPath(path)).GetProperty(prop)
}

func (c *SessionBusClient) bus() dbus.BusObject {
	return c.conn.BusObject()
}
