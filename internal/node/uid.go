// Package node defines the unified identity and content model shared by
// every tier of the cache: the UID space, NodeIdentifier/GUID addressing,
// and the Node tagged union (data-model §3).
package node

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
)

// UID is a process-wide unsigned integer identifying any node. The zero
// value is null; 1 is the synthetic root.
type UID uint64

// NilUID is the null UID — no node.
const NilUID UID = 0

// RootUID is the synthetic root all trees hang from.
const RootUID UID = 1

// DeviceUID identifies a backend instance: one per local machine or cloud
// account. Shares the UID space — a device is itself a node's owner, not a
// node.
type DeviceUID uint64

// Scan implements sql.Scanner so UID can be read directly from INTEGER
// columns without an intermediate uint64 conversion at every call site.
func (u *UID) Scan(src any) error {
	if src == nil {
		*u = NilUID
		return nil
	}

	switch v := src.(type) {
	case int64:
		*u = UID(v)
		return nil
	default:
		return fmt.Errorf("node.UID.Scan: unsupported type %T", src)
	}
}

// Value implements driver.Valuer for writing a UID to SQLite as INTEGER.
func (u UID) Value() (driver.Value, error) {
	// #nosec G115 -- UIDs are issued one at a time upward from RootUID and do
	// not approach the int64 boundary in practice; uidalloc has no upper bound
	// check of its own.
	return int64(u), nil
}

// Scan implements sql.Scanner for DeviceUID.
func (d *DeviceUID) Scan(src any) error {
	if src == nil {
		*d = DeviceUID(NilUID)
		return nil
	}

	switch v := src.(type) {
	case int64:
		*d = DeviceUID(v)
		return nil
	default:
		return fmt.Errorf("node.DeviceUID.Scan: unsupported type %T", src)
	}
}

// Value implements driver.Valuer for DeviceUID.
func (d DeviceUID) Value() (driver.Value, error) {
	return int64(d), nil
}

var (
	_ sql.Scanner   = (*UID)(nil)
	_ driver.Valuer = UID(0)
	_ sql.Scanner   = (*DeviceUID)(nil)
	_ driver.Valuer = DeviceUID(0)
)
