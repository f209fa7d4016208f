// Package integrity computes the content digests shared with the coordinator.
// The coordinator hashes with MD5, so both sides must too; only agreement matters here.
package integrity

import (
	"crypto/md5"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"strings"
)

// Digest is a lowercase hex content hash.
type Digest string

// Hash returns the digest of data.
func Hash(data []byte) Digest {
	sum := md5.Sum(data)
	return Digest(hex.EncodeToString(sum[:]))
}

// Verify reports whether data hashes to expected. An empty expectation never matches.
func Verify(data []byte, expected Digest) bool {
	return Hash(data).Equal(expected)
}

// Equal compares two digests ignoring hex case and surrounding whitespace.
func (d Digest) Equal(other Digest) bool {
	a := strings.TrimSpace(string(d))
	b := strings.TrimSpace(string(other))
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(a, b)
}

func (d Digest) String() string {
	return string(d)
}

// HashFile returns the digest of the file at path.
func HashFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := NewHasher()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return h.Digest(), nil
}

// Hasher accumulates a digest over streamed bytes. HashFile copies the file through one.
type Hasher struct {
	h hash.Hash
}

// NewHasher creates an empty Hasher.
func NewHasher() *Hasher {
	return &Hasher{h: md5.New()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Digest returns the digest of everything written so far.
func (h *Hasher) Digest() Digest {
	return Digest(hex.EncodeToString(h.h.Sum(nil)))
}
