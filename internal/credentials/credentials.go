// Package credentials discovers the user token stored by the Discord desktop
// client, for setups that do not configure one explicitly.
package credentials

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	_ "modernc.org/sqlite"
)

// ErrNoToken is returned when no client storage holds a token
var ErrNoToken = errors.New("no Discord token found in local storage")

// client is one Discord release channel and its local storage database
type client struct {
	name   string
	dir    string
	dbFile string
}

var clients = []client{
	{name: "stable", dir: "discord", dbFile: "https_discordapp.com_0.localstorage"},
	{name: "ptb", dir: "discordptb", dbFile: "https_ptb.discordapp.com_0.localstorage"},
	{name: "canary", dir: "discordcanary", dbFile: "https_canary.discordapp.com_0.localstorage"},
}

// DefaultBase is the per-user config directory the clients live under
func DefaultBase() (string, error) {
	return os.UserConfigDir()
}

// Candidates lists the local storage databases to try, stable client first
func Candidates(base string) []string {
	paths := make([]string, 0, len(clients))
	for _, c := range clients {
		paths = append(paths, filepath.Join(base, c.dir, "Local Storage", c.dbFile))
	}
	return paths
}

// Discover returns the first token found among the candidates under base
func Discover(ctx context.Context, logger *zap.Logger, base string) (string, error) {
	for _, path := range Candidates(base) {
		if _, err := os.Stat(path); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				logger.Debug("Skipping local storage", zap.String("path", path), zap.Error(err))
			}
			continue
		}

		token, err := ReadToken(ctx, path)
		if err != nil {
			logger.Warn("Could not read a token from local storage",
				zap.String("path", path),
				zap.Error(err))
			continue
		}

		logger.Info("Discovered token in local storage", zap.String("path", path))
		return token, nil
	}
	return "", ErrNoToken
}

// ReadToken opens a local storage database read-only and decodes its token
// entry: a JSON string stored as UTF-16LE bytes.
func ReadToken(ctx context.Context, path string) (string, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return "", fmt.Errorf("open local storage: %w", err)
	}
	defer db.Close()

	var raw []byte
	err = db.QueryRowContext(ctx, "SELECT value FROM ItemTable WHERE key = ?", "token").Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("query token: %w", err)
	}

	decoded, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}

	var token string
	if err := json.Unmarshal(decoded, &token); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}
