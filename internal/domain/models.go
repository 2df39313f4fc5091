package domain

import (
	"strings"
	"time"
)

// SourceKind classifies an adapter by detection strategy.
// The kind also determines arbitration priority when adapters disagree.
type SourceKind string

const (
	// KindNotification is a push-driven OS player notification listener
	KindNotification SourceKind = "notification"
	// KindPoller is a pull-driven status poller (HTTP, MPD)
	KindPoller SourceKind = "poller"
	// KindSniffer is a passive network scrobble sniffer
	KindSniffer SourceKind = "sniffer"
)

// DefaultPriority is the default arbitration order, most trusted first.
var DefaultPriority = []SourceKind{KindNotification, KindPoller, KindSniffer}

// RawObservation is a single, unparsed signal emitted by an adapter
type RawObservation struct {
	// SourceID identifies the emitting adapter (or sub-source, e.g. one MPRIS player)
	SourceID string
	// Kind is the detection strategy of the emitting adapter
	Kind SourceKind
	// Timestamp is when the signal was observed
	Timestamp time.Time
	// Payload is the adapter-specific envelope (see the *Payload types)
	Payload any
}

// NoSignal is an explicit "nothing is playing here" payload.
type NoSignal struct {
	Reason string
}

// MprisPayload carries an MPRIS player's PlaybackStatus and unwrapped Metadata.
type MprisPayload struct {
	Player         string
	PlaybackStatus string
	Metadata       map[string]any
}

// ScrobblePayload is an outbound scrobble submission captured off the wire.
type ScrobblePayload struct {
	Host string
	Path string
	Body []byte
}

// HTTPStatusPayload is the body returned by a local player status endpoint.
type HTTPStatusPayload struct {
	URL         string
	ContentType string
	Body        []byte
}

// MPDPayload is the result of an MPD status + currentsong round trip.
type MPDPayload struct {
	State string
	Song  map[string]string
}

// NowPlaying describes a track. It is a value type: copy, never mutate.
type NowPlaying struct {
	Artist     string
	Title      string
	Album      string
	Duration   time.Duration
	ObservedAt time.Time
}

// SameTrack reports whether two values describe the same track identity.
// Only artist and title participate; album, duration and time are informational.
func (n NowPlaying) SameTrack(other NowPlaying) bool {
	return strings.EqualFold(n.Artist, other.Artist) && strings.EqualFold(n.Title, other.Title)
}

// State is either Idle or Playing(Track). The zero value is Idle.
type State struct {
	Playing bool
	Track   NowPlaying
}

// Idle is the "nothing detected" state
var Idle = State{}

// PlayingState wraps a track into a Playing state
func PlayingState(np NowPlaying) State {
	return State{Playing: true, Track: np}
}

// IsIdle reports whether nothing is playing
func (s State) IsIdle() bool {
	return !s.Playing
}

// Equal compares track identity. Two Idle states are equal.
func (s State) Equal(other State) bool {
	if s.Playing != other.Playing {
		return false
	}
	if !s.Playing {
		return true
	}
	return s.Track.SameTrack(other.Track)
}

// String renders the state for logs
func (s State) String() string {
	if !s.Playing {
		return "Idle"
	}
	return "Playing(" + s.Track.Artist + " / " + s.Track.Title + ")"
}

// Observation is a normalized RawObservation handed to the reconciler.
type Observation struct {
	SourceID string
	Kind     SourceKind
	State    State
	At       time.Time
	// Reset drops every entry owned by SourceID (the adapter failed or stopped)
	Reset bool
}

// PresenceUpdate is a status text pushed to the gateway.
type PresenceUpdate struct {
	StatusText string
	SentAt     time.Time
}
