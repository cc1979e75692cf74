package config

import (
	"os"
	"path/filepath"
)

// Paths contains the filesystem layout for a zapgate daemon.
type Paths struct {
	Home   string // Daemon home directory
	AuthDB string // SQLite auth state database path
	Logs   string // Logs directory
}

// GetPaths returns the daemon's filesystem layout rooted at the zapgate home.
func GetPaths() Paths {
	home := GetZapgateHome()
	return Paths{
		Home:   home,
		AuthDB: filepath.Join(home, "auth.db"),
		Logs:   filepath.Join(home, "logs"),
	}
}

// GetZapgateHome returns the zapgate home directory (~/.zapgate).
// ZAPGATE_HOME overrides the default location.
func GetZapgateHome() string {
	if custom := os.Getenv("ZAPGATE_HOME"); custom != "" {
		return ExpandPath(custom)
	}
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".zapgate")
}

// ExpandPath expands ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == os.PathSeparator {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// EnsureDirs creates the daemon directory structure if it does not exist.
func EnsureDirs() (Paths, error) {
	paths := GetPaths()

	dirs := []string{
		paths.Home,
		paths.Logs,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, err
		}
	}

	return paths, nil
}
