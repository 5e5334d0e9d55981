package config

import (
	"os"
	"path/filepath"
)

const appDirName = "financehub-syncd"

// defaultDataPath returns a path under the platform data directory,
// honoring XDG_DATA_HOME when set.
func defaultDataPath(name string) string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appDirName, name)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", name)
	}

	return filepath.Join(home, ".local", "share", appDirName, name)
}
