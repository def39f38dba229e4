package node

import "strings"

// NodeIdentifier is the triple (DeviceUID, UID, list<path>) that locates a
// node within its owning device (data-model §3). Single-path identifiers
// carry exactly one path; multi-path identifiers (cloud objects can have
// several parents) carry more.
type NodeIdentifier struct {
	Device DeviceUID
	UID    UID
	Paths  []string
}

// GUID disambiguates a single appearance of a possibly-multi-parented node:
// (device_uid, uid, path).
type GUID struct {
	Device DeviceUID
	UID    UID
	Path   string
}

// SPID is a NodeIdentifier constrained to exactly one path — a
// Single-Path node Identifier.
type SPID struct {
	Device DeviceUID
	UID    UID
	Path   string
}

// IsSPID reports whether the identifier carries exactly one path and can be
// narrowed to an SPID.
func (n NodeIdentifier) IsSPID() bool {
	return len(n.Paths) == 1
}

// SinglePath narrows a NodeIdentifier to an SPID. Panics if the identifier
// is not single-path — callers must check IsSPID first; this mirrors the
// teacher's convention of narrowing sum types via an explicit predicate
// rather than a silently-lossy conversion.
func (n NodeIdentifier) SinglePath() SPID {
	if !n.IsSPID() {
		panic("node: SinglePath called on a multi-path NodeIdentifier")
	}

	return SPID{Device: n.Device, UID: n.UID, Path: n.Paths[0]}
}

// GUIDs expands a NodeIdentifier into one GUID per path.
func (n NodeIdentifier) GUIDs() []GUID {
	guids := make([]GUID, 0, len(n.Paths))
	for _, p := range n.Paths {
		guids = append(guids, GUID{Device: n.Device, UID: n.UID, Path: p})
	}

	return guids
}

// HasPath reports whether the identifier already carries path p.
func (n NodeIdentifier) HasPath(path string) bool {
	for _, p := range n.Paths {
		if p == path {
			return true
		}
	}

	return false
}

// WithPath returns a copy of n with path appended, unless it is already
// present. Used when the Remote Tree Store discovers an additional parent
// edge for a multi-parented cloud object.
func (n NodeIdentifier) WithPath(path string) NodeIdentifier {
	if n.HasPath(path) {
		return n
	}

	paths := make([]string, len(n.Paths), len(n.Paths)+1)
	copy(paths, n.Paths)
	paths = append(paths, path)

	return NodeIdentifier{Device: n.Device, UID: n.UID, Paths: paths}
}

// String renders a compact "device:uid:path,path" form for logging.
func (n NodeIdentifier) String() string {
	var b strings.Builder

	b.WriteString(itoa(uint64(n.Device)))
	b.WriteByte(':')
	b.WriteString(itoa(uint64(n.UID)))
	b.WriteByte(':')
	b.WriteString(strings.Join(n.Paths, ","))

	return b.String()
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
