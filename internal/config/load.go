package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// knownTopLevelKeys lists the JSON keys Config decodes explicitly. Anything
// else round-trips through Unknown so a load→save cycle never silently
// drops a field written by a newer version (grounded on the teacher's
// internal/config/unknown.go forward-compatibility guarantee, simplified
// from its TOML Levenshtein-suggestion machinery to a JSON allow-list,
// since config.json has no per-drive sections to disambiguate).
var knownTopLevelKeys = map[string]bool{
	"cache_dir":   true,
	"roots":       true,
	"retry":       true,
	"workers":     true,
	"preferences": true,
	"transient":   true,
}

// Load reads config.json at path, overlaying it onto DefaultConfig(), then
// applies environment overrides. A missing file is not an error — the
// defaults (plus env overrides) are returned as-is, matching the teacher's
// "no config file yet" fallback.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			ReadEnvOverrides().Apply(cfg)
			return cfg, nil
		}

		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}

	cfg.Unknown = make(map[string]any)

	for key, value := range fields {
		if knownTopLevelKeys[key] {
			continue
		}

		var v any
		if err := json.Unmarshal(value, &v); err != nil {
			return nil, fmt.Errorf("config: unknown key %q in %s: %w", key, path, err)
		}

		cfg.Unknown[key] = v
	}

	ReadEnvOverrides().Apply(cfg)

	return cfg, nil
}
