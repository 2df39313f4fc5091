package normalizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/genricoloni/nowcast/internal/domain"
	"github.com/genricoloni/nowcast/internal/textutil"
)

// ErrUnparseable marks an observation that cannot be turned into a state.
// Such observations are dropped, never propagated.
var ErrUnparseable = errors.New("unparseable observation")

// Normalize converts a raw adapter observation into Idle or Playing.
// It has no side effects; callers log and count failures.
func Normalize(raw domain.RawObservation) (domain.State, error) {
	switch p := raw.Payload.(type) {
	case domain.NoSignal, *domain.NoSignal:
		return domain.Idle, nil
	case domain.MprisPayload:
		return fromMpris(p, raw.Timestamp)
	case domain.ScrobblePayload:
		return fromScrobble(p, raw.Timestamp)
	case domain.HTTPStatusPayload:
		return fromHTTPStatus(p, raw.Timestamp)
	case domain.MPDPayload:
		return fromMPD(p, raw.Timestamp)
	case nil:
		return domain.Idle, fmt.Errorf("%w: empty payload from %s", ErrUnparseable, raw.SourceID)
	default:
		return domain.Idle, fmt.Errorf("%w: unknown payload %T from %s", ErrUnparseable, raw.Payload, raw.SourceID)
	}
}

// playing builds a Playing state from cleaned fields, rejecting blank tracks
func playing(artist, title, album string, duration time.Duration, at time.Time) (domain.State, error) {
	np := domain.NowPlaying{
		Artist:     textutil.Clean(artist),
		Title:      textutil.Clean(title),
		Album:      textutil.Clean(album),
		Duration:   duration,
		ObservedAt: at,
	}
	if np.Artist == "" && np.Title == "" {
		return domain.Idle, fmt.Errorf("%w: track has neither artist nor title", ErrUnparseable)
	}
	return domain.PlayingState(np), nil
}

func fromMpris(p domain.MprisPayload, at time.Time) (domain.State, error) {
	switch p.PlaybackStatus {
	case "Playing":
	case "Paused", "Stopped", "":
		return domain.Idle, nil
	default:
		return domain.Idle, fmt.Errorf("%w: unknown playback status %q", ErrUnparseable, p.PlaybackStatus)
	}

	if p.Metadata == nil {
		return domain.Idle, fmt.Errorf("%w: %s is playing without metadata", ErrUnparseable, p.Player)
	}

	title, _ := p.Metadata["xesam:title"].(string)
	album, _ := p.Metadata["xesam:album"].(string)

	var artist string
	switch artists := p.Metadata["xesam:artist"].(type) {
	case []string:
		artist = strings.Join(artists, ", ")
	case string:
		artist = artists
	case []any:
		names := make([]string, 0, len(artists))
		for _, a := range artists {
			if s, ok := a.(string); ok {
				names = append(names, s)
			}
		}
		artist = strings.Join(names, ", ")
	}

	var duration time.Duration
	switch l := p.Metadata["mpris:length"].(type) {
	case int64:
		duration = time.Duration(l) * time.Microsecond
	case uint64:
		duration = time.Duration(l) * time.Microsecond
	case int32:
		duration = time.Duration(l) * time.Microsecond
	case float64:
		duration = time.Duration(l) * time.Microsecond
	}

	return playing(artist, title, album, duration, at)
}

// fromScrobble understands Last.fm 2.0 API calls and Audioscrobbler 1.2
// now-playing and submission requests.
func fromScrobble(p domain.ScrobblePayload, at time.Time) (domain.State, error) {
	form, err := url.ParseQuery(string(p.Body))
	if err != nil {
		return domain.Idle, fmt.Errorf("%w: bad form body: %v", ErrUnparseable, err)
	}

	if method := form.Get("method"); method != "" {
		switch method {
		case "track.updateNowPlaying":
			return playing(form.Get("artist"), form.Get("track"), form.Get("album"), seconds(form.Get("duration")), at)
		case "track.scrobble":
			artist, title := form.Get("artist"), form.Get("track")
			if artist == "" && title == "" {
				artist, title = form.Get("artist[0]"), form.Get("track[0]")
				return playing(artist, title, form.Get("album[0]"), seconds(form.Get("duration[0]")), at)
			}
			return playing(artist, title, form.Get("album"), seconds(form.Get("duration")), at)
		default:
			return domain.Idle, fmt.Errorf("%w: ignored api method %q", ErrUnparseable, method)
		}
	}

	switch {
	case form.Has("a") && form.Has("t"):
		return playing(form.Get("a"), form.Get("t"), form.Get("b"), seconds(form.Get("l")), at)
	case form.Has("a[0]") && form.Has("t[0]"):
		return playing(form.Get("a[0]"), form.Get("t[0]"), form.Get("b[0]"), seconds(form.Get("l[0]")), at)
	}
	return domain.Idle, fmt.Errorf("%w: no track fields in request to %s%s", ErrUnparseable, p.Host, p.Path)
}

// statusDocument covers the Spotify web helper status shape and a flat shape
type statusDocument struct {
	Running *bool   `json:"running"`
	Playing *bool   `json:"playing"`
	Artist  string  `json:"artist"`
	Title   string  `json:"title"`
	Album   string  `json:"album"`
	Length  float64 `json:"duration"`
	Track   *struct {
		ArtistResource struct {
			Name string `json:"name"`
		} `json:"artist_resource"`
		TrackResource struct {
			Name string `json:"name"`
		} `json:"track_resource"`
		AlbumResource struct {
			Name string `json:"name"`
		} `json:"album_resource"`
		Length float64 `json:"length"`
	} `json:"track"`
}

func fromHTTPStatus(p domain.HTTPStatusPayload, at time.Time) (domain.State, error) {
	var doc statusDocument
	if err := json.Unmarshal(p.Body, &doc); err != nil {
		return domain.Idle, fmt.Errorf("%w: status body from %s: %v", ErrUnparseable, p.URL, err)
	}

	if doc.Running != nil && !*doc.Running {
		return domain.Idle, nil
	}
	if doc.Playing == nil {
		return domain.Idle, fmt.Errorf("%w: status body from %s has no playing flag", ErrUnparseable, p.URL)
	}
	if !*doc.Playing {
		return domain.Idle, nil
	}

	if doc.Track != nil {
		return playing(
			doc.Track.ArtistResource.Name,
			doc.Track.TrackResource.Name,
			doc.Track.AlbumResource.Name,
			time.Duration(doc.Track.Length*float64(time.Second)),
			at,
		)
	}
	return playing(doc.Artist, doc.Title, doc.Album, time.Duration(doc.Length*float64(time.Second)), at)
}

func fromMPD(p domain.MPDPayload, at time.Time) (domain.State, error) {
	switch p.State {
	case "play":
	case "pause", "stop":
		return domain.Idle, nil
	default:
		return domain.Idle, fmt.Errorf("%w: unknown mpd state %q", ErrUnparseable, p.State)
	}

	duration := seconds(p.Song["duration"])
	if duration == 0 {
		duration = seconds(p.Song["Time"])
	}

	title := p.Song["Title"]
	if title == "" {
		// Streams often only carry a Name
		title = p.Song["Name"]
	}
	return playing(p.Song["Artist"], title, p.Song["Album"], duration, at)
}

// seconds parses an integer or decimal seconds value, zero when absent
func seconds(v string) time.Duration {
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}
