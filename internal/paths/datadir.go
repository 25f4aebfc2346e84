package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultDataDir returns a per-user directory appropriate for persisting node state.
// The DHT_OUTPOST_DATA_DIR env var wins; otherwise os.UserConfigDir is
// preferred, with the current directory as the fallback.
func DefaultDataDir() string {
	if v := strings.TrimSpace(os.Getenv("DHT_OUTPOST_DATA_DIR")); v != "" {
		return filepath.Clean(v)
	}
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "dht-outpost")
	}
	return ".dht-outpost"
}

// EnsureDir makes sure dir exists and returns the cleaned path.
func EnsureDir(dir string) (string, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
