// Package config implements the persisted configuration surface of
// spec.md §6: <config_dir>/config.json, with a transient.* namespace for
// machine-written values (UID watermark, last tree roots, UI expansion
// state) alongside user preferences. Directory layout and the
// defaults → file → environment override chain are grounded on the
// teacher's internal/config package (paths.go, holder.go, load.go,
// defaults.go); the wire format is JSON rather than TOML because spec.md
// §6 fixes "config.json" explicitly (see DESIGN.md).
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "synctree"

// configFileName is the file spec.md §6 names explicitly.
const configFileName = "config.json"

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// DefaultConfigDir returns the platform-specific directory for config.json.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxDir(home, "XDG_CONFIG_HOME", ".config")
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// DefaultCacheDir returns the platform-specific directory for
// registry.db, the per-device caches, and ops.db (spec.md §6).
func DefaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxDir(home, "XDG_CACHE_HOME", ".cache")
	case platformDarwin:
		return filepath.Join(home, "Library", "Caches", appName)
	default:
		return filepath.Join(home, ".cache", appName)
	}
}

func linuxDir(home, envVar, fallback string) string {
	if xdg := os.Getenv(envVar); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, fallback, appName)
}

// DefaultConfigPath is the fallback used when neither SYNCTREE_CONFIG nor
// --config is specified.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// RegistryDBPath returns the path to the single cache-registry database
// (spec.md §6: "<cache_dir>/registry.db").
func RegistryDBPath(cacheDir string) string {
	return filepath.Join(cacheDir, "registry.db")
}

// DeviceDBPath returns the path to a per-device cache database, e.g.
// "<cache_dir>/<device_uid>/local.db" or ".../remote.db".
func DeviceDBPath(cacheDir string, deviceUID uint64, tree string) string {
	return filepath.Join(cacheDir, itoa(deviceUID), tree+".db")
}

// OpsDBPath returns the path to the single pending-operations database
// (spec.md §6: "<cache_dir>/ops.db").
func OpsDBPath(cacheDir string) string {
	return filepath.Join(cacheDir, "ops.db")
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}

	var buf [20]byte

	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}

	return string(buf[i:])
}
