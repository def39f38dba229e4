package node

import "strings"

// Kind tags the Node sum type (data-model §3). The teacher's deep class
// hierarchy (DisplayNode → ContainerNode → CategoryNode/RootTypeNode/...)
// is represented here as a tag plus variant-specific pointer fields, per
// the rewrite guidance in spec.md §9 ("Represent as a tagged union with
// variant-specific fields; behavior that dispatched on subclass becomes a
// match on the tag").
type Kind int

// Node kinds.
const (
	KindLocalFile Kind = iota
	KindLocalDir
	KindRemoteFile
	KindRemoteDir
	KindContainer  // synthetic: CategoryNode, RootTypeNode
	KindEphemeral  // Loading/Empty placeholders
)

func (k Kind) String() string {
	switch k {
	case KindLocalFile:
		return "local_file"
	case KindLocalDir:
		return "local_dir"
	case KindRemoteFile:
		return "remote_file"
	case KindRemoteDir:
		return "remote_dir"
	case KindContainer:
		return "container"
	case KindEphemeral:
		return "ephemeral"
	default:
		return "unknown"
	}
}

// ContainerCategory distinguishes the two synthetic container variants.
type ContainerCategory int

// Container categories.
const (
	CategoryNode ContainerCategory = iota
	RootTypeNode
)

// EphemeralState distinguishes the two ephemeral placeholder variants.
type EphemeralState int

// Ephemeral placeholder states.
const (
	EphemeralLoading EphemeralState = iota
	EphemeralEmpty
)

// LocalFile is the file variant on the local POSIX backend.
type LocalFile struct {
	Size    int64
	Mtime   int64 // Unix nanoseconds
	Ctime   int64 // Unix nanoseconds
	MD5     string // hex, empty until the Signature Pipeline fills it in
	SHA256  string // hex, empty until the Signature Pipeline fills it in
	Trashed bool
}

// LocalDir is the directory variant on the local POSIX backend. Size,
// FileCount, and DirCount are derived aggregates, populated by
// generate_dir_stats (§4.5), never written directly by a walker.
type LocalDir struct {
	Size      int64
	FileCount int
	DirCount  int
	Trashed   bool
}

// RemoteFile is the file variant on the cloud-drive backend.
type RemoteFile struct {
	CloudID      string
	Name         string
	Size         int64
	Mtime        int64
	Ctime        int64
	MD5          string
	Owner        string
	Version      string
	HeadRevision string
	Shared       bool
	Trashed      bool
}

// RemoteDir is the directory variant on the cloud-drive backend.
type RemoteDir struct {
	CloudID          string
	Name             string
	MyDrive          bool
	Shared           bool
	Trashed          bool
	ChildrenComplete bool
}

// Container is synthetic display scaffolding with no backend counterpart.
type Container struct {
	Category ContainerCategory
	Label    string
}

// Ephemeral is a Loading/Empty placeholder shown while a subtree loads.
type Ephemeral struct {
	State EphemeralState
}

// Node is the sum type for everything the cache can hold. Exactly one of
// the variant pointers is non-nil, selected by Kind — callers switch on
// Kind rather than nil-checking every field, matching the teacher's
// convention of an explicit type tag alongside optional fields.
type Node struct {
	Identifier NodeIdentifier
	Kind       Kind

	LocalFile  *LocalFile
	LocalDir   *LocalDir
	RemoteFile *RemoteFile
	RemoteDir  *RemoteDir
	Container  *Container
	Ephemeral  *Ephemeral
}

// IsFile reports whether the node is a regular file on either backend.
func (n *Node) IsFile() bool {
	return n.Kind == KindLocalFile || n.Kind == KindRemoteFile
}

// IsDir reports whether the node is a directory on either backend.
func (n *Node) IsDir() bool {
	return n.Kind == KindLocalDir || n.Kind == KindRemoteDir
}

// IsTrashed reports the trashed flag for file/dir variants; synthetic
// variants are never trashed.
func (n *Node) IsTrashed() bool {
	switch n.Kind {
	case KindLocalFile:
		return n.LocalFile.Trashed
	case KindLocalDir:
		return n.LocalDir.Trashed
	case KindRemoteFile:
		return n.RemoteFile.Trashed
	case KindRemoteDir:
		return n.RemoteDir.Trashed
	default:
		return false
	}
}

// MD5 returns the node's MD5 signature, or empty if absent or not a file.
func (n *Node) MD5() string {
	switch n.Kind {
	case KindLocalFile:
		return n.LocalFile.MD5
	case KindRemoteFile:
		return n.RemoteFile.MD5
	default:
		return ""
	}
}

// SHA256 returns the node's SHA-256 signature, or empty if absent or not a
// local file (the remote backend only ever reports MD5 in this system).
func (n *Node) SHA256() string {
	if n.Kind == KindLocalFile {
		return n.LocalFile.SHA256
	}

	return ""
}

// HasSignature reports whether a file node already carries a content
// signature, i.e. the Signature Pipeline has nothing left to do for it.
func (n *Node) HasSignature() bool {
	if n.Kind != KindLocalFile {
		return n.MD5() != ""
	}

	return n.LocalFile.MD5 != "" && n.LocalFile.SHA256 != ""
}

// Size returns the node's byte size (0 for synthetic/ephemeral variants).
func (n *Node) Size() int64 {
	switch n.Kind {
	case KindLocalFile:
		return n.LocalFile.Size
	case KindLocalDir:
		return n.LocalDir.Size
	case KindRemoteFile:
		return n.RemoteFile.Size
	default:
		return 0
	}
}

// Mtime returns the node's modification time in Unix nanoseconds, or 0
// ("unknown", per spec.md §4.8 numeric semantics) for variants that do not
// carry one.
func (n *Node) Mtime() int64 {
	switch n.Kind {
	case KindLocalFile:
		return n.LocalFile.Mtime
	case KindRemoteFile:
		return n.RemoteFile.Mtime
	default:
		return 0
	}
}

// Name returns the node's leaf name: the last path segment for local
// nodes (derived from the stored relative path), the Name field for
// remote nodes, the Label for synthetic containers, and "" for the
// synthetic root and ephemeral placeholders.
func (n *Node) Name() string {
	switch n.Kind {
	case KindLocalFile, KindLocalDir:
		if !n.Identifier.IsSPID() || n.Identifier.UID == RootUID {
			return ""
		}

		p := n.Identifier.SinglePath().Path
		if i := strings.LastIndexByte(p, '/'); i >= 0 {
			return p[i+1:]
		}

		return p
	case KindRemoteFile:
		return n.RemoteFile.Name
	case KindRemoteDir:
		return n.RemoteDir.Name
	case KindContainer:
		return n.Container.Label
	default:
		return ""
	}
}

// Clone returns a deep copy of the node. The Signature Pipeline relies on
// this: it never mutates the node it read in place, only a clone, so a
// concurrent writer's in-flight mutation is never silently discarded
// (spec.md §4.7).
func (n *Node) Clone() *Node {
	out := &Node{
		Identifier: NodeIdentifier{
			Device: n.Identifier.Device,
			UID:    n.Identifier.UID,
			Paths:  append([]string(nil), n.Identifier.Paths...),
		},
		Kind: n.Kind,
	}

	switch n.Kind {
	case KindLocalFile:
		v := *n.LocalFile
		out.LocalFile = &v
	case KindLocalDir:
		v := *n.LocalDir
		out.LocalDir = &v
	case KindRemoteFile:
		v := *n.RemoteFile
		out.RemoteFile = &v
	case KindRemoteDir:
		v := *n.RemoteDir
		out.RemoteDir = &v
	case KindContainer:
		v := *n.Container
		out.Container = &v
	case KindEphemeral:
		v := *n.Ephemeral
		out.Ephemeral = &v
	}

	return out
}

// DirectoryStats is the derived aggregate computed bottom-up per directory
// by generate_dir_stats (§4.5).
type DirectoryStats struct {
	FileCount        int
	DirCount         int
	TrashedFileCount int
	TrashedDirCount  int
	SizeBytes        int64
}

// Add accumulates a child's stats into the parent aggregate.
func (d *DirectoryStats) Add(other DirectoryStats) {
	d.FileCount += other.FileCount
	d.DirCount += other.DirCount
	d.TrashedFileCount += other.TrashedFileCount
	d.TrashedDirCount += other.TrashedDirCount
	d.SizeBytes += other.SizeBytes
}
