package textutil

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	// MaxStatusBytes is the largest status text the gateway accepts.
	// Longer texts clear the status remotely instead of being cut.
	MaxStatusBytes = 128

	// Ellipsis marks a truncated field
	Ellipsis = "[…]"
	// Separator sits between artist and title
	Separator = " — "
	// Unknown replaces a blank artist or title
	Unknown = "[unknown]"

	minArtistBytesWhenTruncated = 30
)

// TruncateBytes cuts s to at most max bytes without splitting a code point.
func TruncateBytes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Ellipsize shortens s to at most max bytes and appends Ellipsis when it had
// to cut. A trailing partial word is dropped when an earlier word boundary
// exists. When max cannot even hold the ellipsis, s is cut without it.
func Ellipsize(s string, max int) string {
	if len(s) <= max {
		return s
	}
	avail := max - len(Ellipsis)
	if avail < 0 {
		return TruncateBytes(s, max)
	}

	cut := TruncateBytes(s, avail)
	if cut != "" {
		last, _ := utf8.DecodeLastRuneInString(cut)
		if !unicode.IsSpace(last) {
			if idx := strings.LastIndexFunc(cut, unicode.IsSpace); idx >= 0 {
				head := strings.TrimRightFunc(cut[:idx], unicode.IsSpace)
				if strings.TrimSpace(head) != "" {
					cut = head + " "
				}
			}
		}
	}
	return cut + Ellipsis
}

// FormatStatus renders "<artist> — <title>" within MaxStatusBytes.
// The artist is cut first (down to 30 bytes), then the title.
func FormatStatus(artist, title string) string {
	maxAvail := MaxStatusBytes - len(Separator)

	artist = strings.TrimSpace(artist)
	if artist == "" {
		artist = Unknown
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = Unknown
	}

	left := maxAvail - len(artist) - len(title)
	if left < 0 {
		if len(artist) > minArtistBytesWhenTruncated {
			artist = Ellipsize(artist, max(minArtistBytesWhenTruncated, len(artist)+left))
			left = maxAvail - len(artist) - len(title)
		}
		if left < 0 {
			title = Ellipsize(title, len(title)+left)
		}
	}

	return artist + Separator + title
}

// Clean prepares a player-supplied field: NFC normalization, control
// characters turned into spaces, surrounding whitespace trimmed and the
// result clamped to MaxStatusBytes.
func Clean(s string) string {
	if s == "" {
		return ""
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	return TruncateBytes(strings.TrimSpace(s), MaxStatusBytes)
}
