package uidalloc

import (
	"context"

	"github.com/synctree/synctree/internal/config"
)

// ConfigWatermark implements Watermark by reading/writing
// transient.uid_watermark through a shared *config.Holder, rather than a
// row in the registry database — the registry database is written by
// every device's Cache Manager under normal operation, and a watermark
// read-modify-write racing those writes would need its own lock
// discipline for no benefit, since config.Holder already serializes
// transient-field updates through UpdateTransient.
type ConfigWatermark struct {
	holder *config.Holder
}

// NewConfigWatermark wraps holder as a Watermark.
func NewConfigWatermark(holder *config.Holder) *ConfigWatermark {
	return &ConfigWatermark{holder: holder}
}

// LoadWatermark returns the currently persisted watermark value.
func (w *ConfigWatermark) LoadWatermark(ctx context.Context) (uint64, error) {
	return w.holder.Config().Transient.UIDWatermark, nil
}

// SaveWatermark persists value as the new watermark.
func (w *ConfigWatermark) SaveWatermark(ctx context.Context, value uint64) error {
	return w.holder.UpdateTransient(func(t *config.Transient) {
		t.UIDWatermark = value
	})
}
