package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// DefaultConfigPath returns the default path for the deployrt config directory.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "deployrt", "config")
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Roaming", "deployrt")
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "deployrt")
	default: // Linux, BSD, etc.
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "deployrt")
		}
		return filepath.Join(home, ".config", "deployrt")
	}
}

// DefaultCachePath returns the directory remote artifacts and dataset files
// are downloaded into.
func DefaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "deployrt", "cache")
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Local", "deployrt", "cache")
	case "darwin":
		return filepath.Join(home, "Library", "Caches", "deployrt")
	default: // Linux, BSD, etc.
		if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
			return filepath.Join(xdg, "deployrt")
		}
		return filepath.Join(home, ".cache", "deployrt")
	}
}
