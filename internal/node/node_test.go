package node

import "testing"

func TestCloneDoesNotAliasVariant(t *testing.T) {
	n := &Node{
		Identifier: NodeIdentifier{Device: 1, UID: 42, Paths: []string{"/a"}},
		Kind:       KindLocalFile,
		LocalFile:  &LocalFile{Size: 10, Mtime: 100},
	}

	clone := n.Clone()
	clone.LocalFile.MD5 = "deadbeef"
	clone.Identifier.Paths[0] = "/b"

	if n.LocalFile.MD5 != "" {
		t.Fatalf("mutating clone leaked into original: MD5 = %q", n.LocalFile.MD5)
	}

	if n.Identifier.Paths[0] != "/a" {
		t.Fatalf("mutating clone's paths leaked into original: %q", n.Identifier.Paths[0])
	}
}

func TestHasSignatureRequiresBothDigestsForLocalFiles(t *testing.T) {
	n := &Node{Kind: KindLocalFile, LocalFile: &LocalFile{MD5: "abc"}}
	if n.HasSignature() {
		t.Fatal("expected HasSignature to be false with only MD5 set")
	}

	n.LocalFile.SHA256 = "def"
	if !n.HasSignature() {
		t.Fatal("expected HasSignature to be true once both digests are set")
	}
}

func TestNodeIdentifierWithPathDedupes(t *testing.T) {
	id := NodeIdentifier{Device: 1, UID: 7, Paths: []string{"/x"}}

	id2 := id.WithPath("/x")
	if len(id2.Paths) != 1 {
		t.Fatalf("expected dedupe, got %v", id2.Paths)
	}

	id3 := id.WithPath("/y")
	if len(id3.Paths) != 2 {
		t.Fatalf("expected append, got %v", id3.Paths)
	}

	if len(id.Paths) != 1 {
		t.Fatalf("WithPath must not mutate receiver, got %v", id.Paths)
	}
}

func TestSinglePathPanicsOnMultiPath(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic narrowing a multi-path identifier to SPID")
		}
	}()

	id := NodeIdentifier{Device: 1, UID: 1, Paths: []string{"/a", "/b"}}
	_ = id.SinglePath()
}
