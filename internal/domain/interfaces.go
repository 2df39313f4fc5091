package domain

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by a Source that cannot run on this platform.
// Such sources are not restarted.
var ErrUnsupported = errors.New("source not supported on this platform")

// Source defines the capability shared by every detection strategy.
// Implementations wrap one OS, network or HTTP signal.
type Source interface {
	// ID is a stable identifier used in logs and arbitration.
	// Sub-sources (e.g. individual players) use "<ID>/<name>" SourceIDs.
	ID() string

	// Kind is the detection strategy, used for arbitration priority
	Kind() SourceKind

	// Observe emits observations into out until ctx is cancelled or the
	// source fails. It returns ctx.Err() on shutdown and any other error
	// on failure. Observe may be called again after it returns.
	Observe(ctx context.Context, out chan<- RawObservation) error
}

// Gateway is the publisher's view of the persistent presence connection
type Gateway interface {
	// IsConnected reports whether the session completed its handshake
	IsConnected() bool

	// SendStatus pushes a status text; an empty text clears the status
	SendStatus(ctx context.Context, text string) error

	// Ready receives one value after every successful handshake
	Ready() <-chan struct{}
}
