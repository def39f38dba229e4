package hashing

import (
	"bytes"
	"crypto/md5" //nolint:gosec
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestHashZeroByteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.txt")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	sig := Hash(path)
	if sig.IsEmpty() {
		t.Fatal("expected a zero-byte file to hash successfully, not report as vanished")
	}

	wantMD5 := hex.EncodeToString(md5.New().Sum(nil)) //nolint:gosec
	if sig.MD5 != wantMD5 {
		t.Fatalf("MD5 mismatch: got %s want %s", sig.MD5, wantMD5)
	}
}

func TestHashMissingFileReturnsEmpty(t *testing.T) {
	sig := Hash(filepath.Join(t.TempDir(), "does-not-exist"))
	if !sig.IsEmpty() {
		t.Fatal("expected missing file to produce an empty signature")
	}
}

func TestHashAtChunkBoundary(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, ReadChunkSize)
	path := filepath.Join(t.TempDir(), "boundary.bin")

	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	sig := Hash(path)

	md5Sum := md5.Sum(data) //nolint:gosec
	sha256Sum := sha256.Sum256(data)

	if sig.MD5 != hex.EncodeToString(md5Sum[:]) {
		t.Fatalf("MD5 mismatch at chunk boundary")
	}

	if sig.SHA256 != hex.EncodeToString(sha256Sum[:]) {
		t.Fatalf("SHA256 mismatch at chunk boundary")
	}
}

func TestHashOneBytePastChunkBoundary(t *testing.T) {
	data := bytes.Repeat([]byte{0x07}, ReadChunkSize+1)
	path := filepath.Join(t.TempDir(), "boundary-plus-one.bin")

	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	sig := Hash(path)

	sha256Sum := sha256.Sum256(data)
	if sig.SHA256 != hex.EncodeToString(sha256Sum[:]) {
		t.Fatalf("SHA256 mismatch one byte past chunk boundary")
	}
}
