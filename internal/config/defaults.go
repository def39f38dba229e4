package config

// Default values for configuration options — the "layer 0" of the
// defaults → file → environment override chain (grounded on the teacher's
// internal/config/defaults.go).
const (
	defaultMaxRetries        = 10
	defaultCallTimeoutSec    = 30
	defaultPoolSize          = 10
	defaultSettlingDelayMS   = 2000
	defaultHoldOffDelayMS    = 500
	defaultTombstoneRetainMS = 30 * 24 * 60 * 60 * 1000 // 30 days
)

// DefaultConfig returns a Config populated with all default values. Used
// both as the starting point before a JSON overlay (so unset fields keep
// their defaults) and as the fallback when no config file exists yet.
func DefaultConfig() *Config {
	return &Config{
		CacheDir: DefaultCacheDir(),
		Roots:    nil,
		Retry: RetryConfig{
			MaxRetries:     defaultMaxRetries,
			CallTimeoutSec: defaultCallTimeoutSec,
		},
		Workers: WorkerConfig{
			PoolSize:          defaultPoolSize,
			SettlingDelayMS:   defaultSettlingDelayMS,
			HoldOffDelayMS:    defaultHoldOffDelayMS,
			TombstoneRetainMS: defaultTombstoneRetainMS,
		},
		Preferences: Preferences{
			PropagateDeletions: false,
			SkipSymlinks:       false,
			ProjectDirMarkers:  []string{".git", "node_modules"},
		},
	}
}
