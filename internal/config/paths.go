package config

import (
	"os"
	"path/filepath"
	"strings"
)

// InstancePaths contains all filesystem paths used by a KlipperFleet
// installation.
type InstancePaths struct {
	Home         string // Instance home directory (~/.klipperfleet)
	Settings     string // YAML settings file path
	RegistryDB   string // SQLite device registry path
	Lock         string // Daemon lock file path
	Logs         string // Logs directory
	ProfilesDir  string // Configuration profiles (opaque payloads)
	ArtifactsDir string // Compiled firmware artifacts
	TempDir      string // Temporary files directory
}

// GetInstancePaths returns the path layout rooted at the fleet home.
func GetInstancePaths() InstancePaths {
	home := GetFleetHome()
	return InstancePaths{
		Home:         home,
		Settings:     filepath.Join(home, "config.yaml"),
		RegistryDB:   filepath.Join(home, "registry.db"),
		Lock:         filepath.Join(home, "daemon.lock"),
		Logs:         filepath.Join(home, "logs"),
		ProfilesDir:  filepath.Join(home, "profiles"),
		ArtifactsDir: filepath.Join(home, "artifacts"),
		TempDir:      filepath.Join(home, "tmp"),
	}
}

// EnsureInstanceDirs creates the instance directory tree if missing.
func EnsureInstanceDirs() (InstancePaths, error) {
	paths := GetInstancePaths()
	for _, dir := range []string{
		paths.Home,
		paths.Logs,
		paths.ProfilesDir,
		paths.ArtifactsDir,
		paths.TempDir,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, err
		}
	}
	return paths, nil
}

// GetFleetHome returns the KlipperFleet home directory. The KLIPPERFLEET_HOME
// environment variable overrides the default ~/.klipperfleet, primarily for
// tests.
func GetFleetHome() string {
	if override := os.Getenv("KLIPPERFLEET_HOME"); override != "" {
		return ExpandPath(override)
	}
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".klipperfleet")
}

// ExpandPath expands a leading ~ to the user home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		userHome, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(userHome, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}
