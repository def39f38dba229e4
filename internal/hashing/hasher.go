// Package hashing implements the Content Hasher of spec.md §4.3: a pure
// function that streams a file and returns its (MD5, SHA-256) signature in
// one pass. crypto/md5 and crypto/sha256 are used directly — the standard
// library is the idiomatic choice for content digests (no third-party
// library in the retrieval pack offers a combined-pass MD5+SHA-256
// streamer; see DESIGN.md).
package hashing

import (
	"crypto/md5"  //nolint:gosec // MD5 is a required content-identity signature per spec, not used for security.
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
)

// ReadChunkSize is the fixed chunk size used when streaming a file through
// both digests (spec.md §4.3 and the boundary test "files exactly at
// READ_CHUNK_SIZE boundaries hash correctly").
const ReadChunkSize = 1 << 20 // 1 MiB

// Signature is the (MD5, SHA-256) content-identity pair.
type Signature struct {
	MD5    string
	SHA256 string
}

// IsEmpty reports whether both digests are empty — the Signature Pipeline
// treats this as "the file vanished before it could be hashed" (spec.md
// §4.7 step 4).
func (s Signature) IsEmpty() bool {
	return s.MD5 == "" && s.SHA256 == ""
}

// Hash streams path in ReadChunkSize chunks, updating both digests in one
// pass, and returns the hex-encoded signature. Returns a zero Signature on
// read failure (there is no error result) — the caller interprets an empty Signature as
// "file vanished" (spec.md §4.3), not as an error to propagate.
func Hash(path string) Signature {
	f, err := os.Open(path)
	if err != nil {
		return Signature{}
	}
	defer f.Close()

	return hashReader(f)
}

func hashReader(r io.Reader) Signature {
	md5Hash := md5.New() //nolint:gosec
	sha256Hash := sha256.New()

	mw := io.MultiWriter(md5Hash, sha256Hash)

	buf := make([]byte, ReadChunkSize)
	if _, err := io.CopyBuffer(mw, r, buf); err != nil {
		return Signature{}
	}

	return Signature{
		MD5:    encode(md5Hash),
		SHA256: encode(sha256Hash),
	}
}

func encode(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
