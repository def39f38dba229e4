package config

import "os"

// Environment variable names for overrides, using the teacher's
// <APP>_<SETTING> convention (internal/config/env.go).
const (
	EnvConfig   = "SYNCTREE_CONFIG"
	EnvCacheDir = "SYNCTREE_CACHE_DIR"
)

// EnvOverrides holds values derived from environment variables. Resolved
// separately from the Config so load order (defaults → file → env) stays
// explicit at the call site.
type EnvOverrides struct {
	ConfigPath string
	CacheDir   string
}

// ReadEnvOverrides reads environment variables without mutating Config;
// callers apply the relevant fields themselves.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		CacheDir:   os.Getenv(EnvCacheDir),
	}
}

// Apply overlays non-empty env overrides onto cfg.
func (o EnvOverrides) Apply(cfg *Config) {
	if o.CacheDir != "" {
		cfg.CacheDir = o.CacheDir
	}
}
