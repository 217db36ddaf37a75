package nty

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Digest is a blake3-256 hash of decoded bytes.
type Digest [32]byte

// Sum hashes data.
func Sum(data []byte) Digest {
	return blake3.Sum256(data)
}

// String returns the hex form of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether no digest was recorded.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Hasher accumulates a digest over several writes, so a multi-segment
// asset can be checked without holding all of it in memory.
type Hasher struct {
	h *blake3.Hasher
}

// NewHasher returns an empty Hasher.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New()}
}

// Write adds p to the digest. It never fails.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Digest returns the digest of everything written so far.
func (h *Hasher) Digest() Digest {
	var d Digest
	copy(d[:], h.h.Sum(nil))
	return d
}
