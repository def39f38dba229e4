// Package mapper implements the Identifier Mappers of spec.md §4.2: two
// in-memory tables, path→UID and cloud_id→UID (plus its inverse), each
// guarded by its own lock. Both support idempotent lookup with an optional
// "suggestion" used when replaying bindings from disk.
package mapper

import (
	"log/slog"
	"sync"

	"github.com/synctree/synctree/internal/node"
)

// PathMapper is the path→UID table. The synthetic root path maps to
// node.RootUID.
type PathMapper struct {
	mu      sync.RWMutex
	byPath  map[string]node.UID
	rootPath string
	logger  *slog.Logger
}

// NewPathMapper creates a PathMapper with the synthetic root pre-bound.
func NewPathMapper(rootPath string, logger *slog.Logger) *PathMapper {
	if logger == nil {
		logger = slog.Default()
	}

	return &PathMapper{
		byPath:   map[string]node.UID{rootPath: node.RootUID},
		rootPath: rootPath,
		logger:   logger,
	}
}

// Get returns the UID bound to path, or (0, false) if unbound.
func (m *PathMapper) Get(path string) (node.UID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uid, ok := m.byPath[path]

	return uid, ok
}

// GetOrSuggest looks up path; if absent, suggestion (if non-zero) is
// accepted as the binding. If a binding already exists, the stored UID
// wins and a warning is logged — the path-UID mapping table is append-only
// (data-model §3) and a caller's suggestion can never overwrite it.
func (m *PathMapper) GetOrSuggest(path string, suggestion node.UID) node.UID {
	m.mu.Lock()
	defer m.mu.Unlock()

	if uid, ok := m.byPath[path]; ok {
		if suggestion != node.NilUID && suggestion != uid {
			m.logger.Warn("mapper: suggested UID ignored, path already bound",
				slog.String("path", path),
				slog.Uint64("suggested", uint64(suggestion)),
				slog.Uint64("bound", uint64(uid)),
			)
		}

		return uid
	}

	if suggestion == node.NilUID {
		return node.NilUID
	}

	m.byPath[path] = suggestion

	return suggestion
}

// Bind records path→uid unconditionally. Used once a UID has been freshly
// allocated for a newly observed path.
func (m *PathMapper) Bind(path string, uid node.UID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byPath[path] = uid
}

// Len reports the number of bound paths, for diagnostics and tests.
func (m *PathMapper) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.byPath)
}

// CloudIDMapper is the cloud_id→UID table and its inverse.
type CloudIDMapper struct {
	mu       sync.RWMutex
	byCloud  map[string]node.UID
	byUID    map[node.UID]string
	logger   *slog.Logger
}

// NewCloudIDMapper creates an empty CloudIDMapper.
func NewCloudIDMapper(logger *slog.Logger) *CloudIDMapper {
	if logger == nil {
		logger = slog.Default()
	}

	return &CloudIDMapper{
		byCloud: make(map[string]node.UID),
		byUID:   make(map[node.UID]string),
		logger:  logger,
	}
}

// Get returns the UID bound to cloudID, or (0, false) if unbound.
func (m *CloudIDMapper) Get(cloudID string) (node.UID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uid, ok := m.byCloud[cloudID]

	return uid, ok
}

// CloudIDFor returns the cloud ID bound to uid, or ("", false) if unbound.
func (m *CloudIDMapper) CloudIDFor(uid node.UID) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byUID[uid]

	return id, ok
}

// GetOrSuggest mirrors PathMapper.GetOrSuggest for the cloud-id table.
func (m *CloudIDMapper) GetOrSuggest(cloudID string, suggestion node.UID) node.UID {
	m.mu.Lock()
	defer m.mu.Unlock()

	if uid, ok := m.byCloud[cloudID]; ok {
		if suggestion != node.NilUID && suggestion != uid {
			m.logger.Warn("mapper: suggested UID ignored, cloud id already bound",
				slog.String("cloud_id", cloudID),
				slog.Uint64("suggested", uint64(suggestion)),
				slog.Uint64("bound", uint64(uid)),
			)
		}

		return uid
	}

	if suggestion == node.NilUID {
		return node.NilUID
	}

	m.byCloud[cloudID] = suggestion
	m.byUID[suggestion] = cloudID

	return suggestion
}

// Bind records cloudID↔uid unconditionally.
func (m *CloudIDMapper) Bind(cloudID string, uid node.UID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byCloud[cloudID] = uid
	m.byUID[uid] = cloudID
}
