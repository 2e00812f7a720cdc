package wire

import (
	"encoding/binary"
	"encoding/hex"
	"hash"

	"golang.org/x/crypto/sha3"
)

// HashSize is the size of every digest on the wire.
const HashSize = 32

// Hash is a sha3-256 digest.
type Hash [HashSize]byte

// ZeroHash doubles as the nil vote target.
var ZeroHash Hash

func (h Hash) IsZero() bool {
	return h == ZeroHash
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 hex characters, for logs.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

func HashFromBytes(b []byte) (Hash, bool) {
	var h Hash
	if len(b) != HashSize {
		return h, false
	}
	copy(h[:], b)
	return h, true
}

func Sum(data []byte) Hash {
	return sha3.Sum256(data)
}

// hasher writes a canonical fixed-width encoding into a sha3 state. Every
// digest that must match across nodes goes through it rather than through
// the gob codec.
type hasher struct {
	h   hash.Hash
	buf [8]byte
}

func newHasher(domain string) *hasher {
	hs := &hasher{h: sha3.New256()}
	hs.bytes([]byte(domain))
	return hs
}

func (hs *hasher) u8(v uint8) {
	hs.h.Write([]byte{v})
}

func (hs *hasher) u32(v uint32) {
	binary.BigEndian.PutUint32(hs.buf[:4], v)
	hs.h.Write(hs.buf[:4])
}

func (hs *hasher) u64(v uint64) {
	binary.BigEndian.PutUint64(hs.buf[:8], v)
	hs.h.Write(hs.buf[:8])
}

func (hs *hasher) i64(v int64) {
	hs.u64(uint64(v))
}

func (hs *hasher) bytes(b []byte) {
	hs.u32(uint32(len(b)))
	hs.h.Write(b)
}

func (hs *hasher) hash(h Hash) {
	hs.h.Write(h[:])
}

func (hs *hasher) sum() Hash {
	var out Hash
	hs.h.Sum(out[:0])
	return out
}

// MerkleRoot folds leaf hashes pairwise, duplicating the last leaf on odd
// levels. The root of an empty list is the zero hash.
func MerkleRoot(leaves []Hash) Hash {
	if len(leaves) == 0 {
		return ZeroHash
	}
	level := make([]Hash, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		next := make([]Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			hs := newHasher("merkle")
			hs.hash(left)
			hs.hash(right)
			next = append(next, hs.sum())
		}
		level = next
	}
	return level[0]
}
