package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/pelletier/go-toml/v2"
)

// Gateway configures the presence connection
type Gateway struct {
	URL    string `toml:"url" default:"wss://gateway.discord.gg/?v=9&encoding=json"`
	APIURL string `toml:"api_url" default:"https://discord.com/api/v9"`
	// ActivityType is the Discord activity type shown (0 = Playing, 2 = Listening)
	ActivityType int `toml:"activity_type" default:"0"`
	// VerifyToken checks the token against the REST API before connecting
	VerifyToken bool `toml:"verify_token" default:"true"`
}

// Reconciler tunes debouncing and arbitration
type Reconciler struct {
	DebounceMS    int      `toml:"debounce_ms" default:"3000"`
	Confirmations int      `toml:"confirmations" default:"2"`
	TieWindowMS   int      `toml:"tie_window_ms" default:"250"`
	Priority      []string `toml:"priority" default:"[\"notification\",\"poller\",\"sniffer\"]"`
	// ScrobbleTTLSeconds expires sniffed tracks that carry no duration
	ScrobbleTTLSeconds int `toml:"scrobble_ttl_seconds" default:"600"`
}

// Publisher tunes status delivery
type Publisher struct {
	MinIntervalSeconds int `toml:"min_interval_seconds" default:"12"`
}

// MPRIS toggles the desktop player listener
type MPRIS struct {
	Enabled bool `toml:"enabled" default:"true"`
}

// Sniffer toggles scrobble capture. It needs CAP_NET_RAW.
type Sniffer struct {
	Enabled   bool     `toml:"enabled" default:"false"`
	Interface string   `toml:"interface"`
	Hosts     []string `toml:"hosts"`
}

// HTTP configures the status endpoint poller; an empty URL disables it
type HTTP struct {
	URL         string `toml:"url"`
	TimeoutMS   int    `toml:"timeout_ms" default:"3000"`
	MaxFailures int    `toml:"max_failures" default:"5"`
}

// MPD configures the Music Player Daemon poller
type MPD struct {
	Enabled     bool   `toml:"enabled" default:"false"`
	Address     string `toml:"address" default:"localhost:6600"`
	Password    string `toml:"password"`
	MaxFailures int    `toml:"max_failures" default:"5"`
}

// Sources groups the adapter settings
type Sources struct {
	PollIntervalMS int     `toml:"poll_interval_ms" default:"5000"`
	MPRIS          MPRIS   `toml:"mpris"`
	Sniffer        Sniffer `toml:"sniffer"`
	HTTP           HTTP    `toml:"http"`
	MPD            MPD     `toml:"mpd"`
}

// Logging selects the log level and encoder
type Logging struct {
	Level  string `toml:"level" default:"info"`
	Format string `toml:"format" default:"auto"`
}

// Config is the complete startup configuration.
//
// Sections:
//   - Gateway: presence connection and token check
//   - Reconciler: debounce and source arbitration
//   - Publisher: status rate limiting
//   - Sources: which adapters run and how
//   - Logging: level and encoder
type Config struct {
	Token         string     `toml:"token"`
	DiscoverToken bool       `toml:"discover_token" default:"true"`
	Gateway       Gateway    `toml:"gateway"`
	Reconciler    Reconciler `toml:"reconciler"`
	Publisher     Publisher  `toml:"publisher"`
	Sources       Sources    `toml:"sources"`
	Logging       Logging    `toml:"logging"`
}

// Default returns a configuration populated from the default tags
func Default() Config {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		// The tags are static; a failure here is a programming error.
		panic(fmt.Sprintf("config: invalid default tags: %v", err))
	}
	return cfg
}

// DefaultPath returns $XDG_CONFIG_HOME/nowcast/config.toml, falling back to
// ~/.config when XDG_CONFIG_HOME is unset.
func DefaultPath() (string, error) {
	if base, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "nowcast", "config.toml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "nowcast", "config.toml"), nil
}

// Load builds the configuration from defaults, the TOML file at path and the
// NOWCAST_* environment, then validates it. An empty path means the default
// location, which may be absent. It returns the file path that was read, or
// "" when none was.
func Load(path string) (*Config, string, error) {
	cfg := Default()

	resolved, err := resolvePath(path)
	if err != nil {
		return nil, "", err
	}

	if resolved != "" {
		if err := cfg.decodeFile(resolved); err != nil {
			return nil, "", err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrFatalConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	return &cfg, resolved, nil
}

// resolvePath returns the file to read, or "" when the default file is absent
func resolvePath(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%w: stat config: %w", ErrFatalConfig, err)
		}
		return path, nil
	}

	defaultPath, err := DefaultPath()
	if err != nil {
		return "", nil //nolint:nilerr // no home directory means no default file
	}
	info, err := os.Stat(defaultPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("%w: stat config: %w", ErrFatalConfig, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrFatalConfig, defaultPath)
	}
	return defaultPath, nil
}

func (c *Config) decodeFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open config: %w", ErrFatalConfig, err)
	}
	defer file.Close()

	decoder := toml.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(c); err != nil {
		return fmt.Errorf("%w: parse %s: %w", ErrFatalConfig, path, err)
	}
	return nil
}

// Debounce is the reconciler dwell time
func (r Reconciler) Debounce() time.Duration {
	return time.Duration(r.DebounceMS) * time.Millisecond
}

// TieWindow is the reconciler simultaneity window
func (r Reconciler) TieWindow() time.Duration {
	return time.Duration(r.TieWindowMS) * time.Millisecond
}

// ScrobbleTTL is how long a sniffed track without a duration stays playing
func (r Reconciler) ScrobbleTTL() time.Duration {
	return time.Duration(r.ScrobbleTTLSeconds) * time.Second
}

// MinInterval is the minimum spacing between status writes
func (p Publisher) MinInterval() time.Duration {
	return time.Duration(p.MinIntervalSeconds) * time.Second
}

// PollInterval is the tick of every polling source
func (s Sources) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMS) * time.Millisecond
}

// Timeout bounds a single status request
func (h HTTP) Timeout() time.Duration {
	return time.Duration(h.TimeoutMS) * time.Millisecond
}

// Enabled reports whether the HTTP poller should run
func (h HTTP) Enabled() bool {
	return strings.TrimSpace(h.URL) != ""
}

// EnabledSources lists the adapters that will be started
func (c *Config) EnabledSources() []string {
	var names []string
	if c.Sources.MPRIS.Enabled {
		names = append(names, "mpris")
	}
	if c.Sources.Sniffer.Enabled {
		names = append(names, "sniffer")
	}
	if c.Sources.HTTP.Enabled() {
		names = append(names, "http")
	}
	if c.Sources.MPD.Enabled {
		names = append(names, "mpd")
	}
	return names
}
