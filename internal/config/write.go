package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// configFilePermissions matches the teacher's internal/config/write.go
// convention for a config file that may later carry sensitive transient
// state (it does not today, but §6's transient namespace is machine-written
// and best kept out of other users' reach).
const configFilePermissions = 0o600

const configDirPermissions = 0o700

// Write serializes cfg to path atomically: write to a temp file in the
// same directory, fsync, then rename over the destination. A crash
// mid-write never leaves a truncated config.json behind — the same
// staging-then-rename discipline the Command Executor uses for file
// publication (spec.md §4.10).
func Write(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("config: creating %s: %w", dir, err)
	}

	merged, err := marshalWithUnknown(cfg)
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json.tmp")
	if err != nil {
		return fmt.Errorf("config: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	if _, err := tmp.Write(merged); err != nil {
		tmp.Close()
		os.Remove(tmpPath)

		return fmt.Errorf("config: writing temp file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)

		return fmt.Errorf("config: syncing temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: closing temp file: %w", err)
	}

	if err := os.Chmod(tmpPath, configFilePermissions); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: setting permissions: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: renaming into place: %w", err)
	}

	return nil
}

// marshalWithUnknown merges cfg's known fields with any preserved unknown
// top-level keys before encoding, so round-tripping a config written by a
// newer binary never drops fields this version doesn't recognize.
func marshalWithUnknown(cfg *Config) ([]byte, error) {
	known, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}

	if len(cfg.Unknown) == 0 {
		var pretty map[string]json.RawMessage
		if err := json.Unmarshal(known, &pretty); err != nil {
			return nil, err
		}

		return json.MarshalIndent(pretty, "", "  ")
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}

	for key, value := range cfg.Unknown {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshaling unknown key %q: %w", key, err)
		}

		merged[key] = raw
	}

	return json.MarshalIndent(merged, "", "  ")
}
