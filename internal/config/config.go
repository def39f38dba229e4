package config

// DeviceRoot describes one indexed root handed to the Cache Manager: a
// local filesystem root or a remote cloud-drive root (data-model §3
// DeviceUID).
type DeviceRoot struct {
	DeviceUID uint64 `json:"device_uid"`
	Kind      string `json:"kind"` // "local" | "remote"
	RootPath  string `json:"root_path,omitempty"`
	CloudID   string `json:"cloud_id,omitempty"`
}

// RetryConfig controls the executor's transient-error backoff policy
// (spec.md §5, §7).
type RetryConfig struct {
	MaxRetries     int `json:"max_retries"`
	CallTimeoutSec int `json:"call_timeout_sec"`
}

// WorkerConfig sizes the bounded pools described in spec.md §5 and §4.11.
type WorkerConfig struct {
	PoolSize          int `json:"pool_size"`
	SettlingDelayMS   int `json:"settling_delay_ms"`
	HoldOffDelayMS    int `json:"hold_off_delay_ms"`
	TombstoneRetainMS int `json:"tombstone_retain_ms"`
}

// Preferences holds user-controlled, non-transient settings (spec.md §6:
// "non-transient keys for user preferences").
type Preferences struct {
	PropagateDeletions bool `json:"propagate_deletions"`
	SkipSymlinks       bool `json:"skip_symlinks"`
	ProjectDirMarkers  []string `json:"project_dir_markers"`
}

// Transient holds machine-written values that survive restarts but are
// never user-edited: the UID watermark, the last set of active tree
// roots, and UI expansion/selection state (spec.md §6: "transient.*
// namespace").
type Transient struct {
	UIDWatermark  uint64            `json:"uid_watermark"`
	LastTreeRoots []string          `json:"last_tree_roots,omitempty"`
	UIExpansion   map[string]bool   `json:"ui_expansion,omitempty"`
}

// Config is the full contents of config.json.
type Config struct {
	CacheDir string       `json:"cache_dir"`
	Roots    []DeviceRoot `json:"roots"`
	Retry    RetryConfig  `json:"retry"`
	Workers  WorkerConfig `json:"workers"`

	Preferences Preferences `json:"preferences"`
	Transient   Transient   `json:"transient"`

	// Unknown preserves JSON keys this version of Config does not
	// recognize, so a round-trip load→save never silently drops a newer
	// field (grounded on the teacher's internal/config/unknown.go, which
	// does the same for forward-compatible TOML).
	Unknown map[string]any `json:"-"`
}
