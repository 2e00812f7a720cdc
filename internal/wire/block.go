package wire

import (
	"bytes"
	"time"
)

// ValidatorWeight is one entry of a validator set.
type ValidatorWeight struct {
	PublicKey []byte
	Fid       uint64
	Weight    uint64
}

type Header struct {
	Shard          uint32
	Height         uint64
	Timestamp      int64 // unix milliseconds
	ParentHash     Hash
	SnapshotDigest Hash
	MessagesRoot   Hash
	ValidatorsHash Hash
	Proposer       []byte
}

// Block is the unit agreed on by a shard. NextValidators is the weighted
// validator set for Height+1.
type Block struct {
	Header         Header
	Messages       []*Message
	NextValidators []ValidatorWeight
	Hash           Hash
}

func (h *Header) Time() time.Time {
	return time.UnixMilli(h.Timestamp).UTC()
}

func (h *Header) ComputeHash() Hash {
	hs := newHasher("header")
	hs.u32(h.Shard)
	hs.u64(h.Height)
	hs.i64(h.Timestamp)
	hs.hash(h.ParentHash)
	hs.hash(h.SnapshotDigest)
	hs.hash(h.MessagesRoot)
	hs.hash(h.ValidatorsHash)
	hs.bytes(h.Proposer)
	return hs.sum()
}

// Seal fills the derived header fields and the block hash.
func (b *Block) Seal() {
	b.Header.MessagesRoot = MessagesRoot(b.Messages)
	b.Header.ValidatorsHash = ValidatorsHash(b.NextValidators)
	b.Hash = b.Header.ComputeHash()
}

// CheckIntegrity reports whether every derived field matches the contents.
func (b *Block) CheckIntegrity() bool {
	if b == nil {
		return false
	}
	return b.Header.MessagesRoot == MessagesRoot(b.Messages) &&
		b.Header.ValidatorsHash == ValidatorsHash(b.NextValidators) &&
		b.Hash == b.Header.ComputeHash()
}

func MessagesRoot(msgs []*Message) Hash {
	leaves := make([]Hash, len(msgs))
	for i, m := range msgs {
		leaves[i] = m.Hash
	}
	return MerkleRoot(leaves)
}

func ValidatorsHash(vs []ValidatorWeight) Hash {
	hs := newHasher("validators")
	hs.u32(uint32(len(vs)))
	for _, v := range vs {
		hs.bytes(v.PublicKey)
		hs.u64(v.Fid)
		hs.u64(v.Weight)
	}
	return hs.sum()
}

// EqualValidators compares two validator sets entry by entry.
func EqualValidators(a, b []ValidatorWeight) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i].PublicKey, b[i].PublicKey) || a[i].Fid != b[i].Fid || a[i].Weight != b[i].Weight {
			return false
		}
	}
	return true
}

type VoteType uint8

const (
	VotePrevote VoteType = iota + 1
	VotePrecommit
)

func (t VoteType) String() string {
	switch t {
	case VotePrevote:
		return "prevote"
	case VotePrecommit:
		return "precommit"
	default:
		return "unknown"
	}
}

// Vote is a prevote or precommit. A zero BlockHash is a nil vote.
type Vote struct {
	Type      VoteType
	Shard     uint32
	Height    uint64
	Round     int32
	BlockHash Hash
	Voter     []byte
}

func (v *Vote) IsNil() bool {
	return v.BlockHash.IsZero()
}

// SignBytes is the digest a validator signs for v.
func (v *Vote) SignBytes() Hash {
	hs := newHasher("vote")
	hs.u8(uint8(v.Type))
	hs.u32(v.Shard)
	hs.u64(v.Height)
	hs.u32(uint32(v.Round))
	hs.hash(v.BlockHash)
	hs.bytes(v.Voter)
	return hs.sum()
}

type CommitSignature struct {
	Voter     []byte
	Signature []byte
}

// Commits is the certificate proving a block was decided: precommits from
// more than two thirds of the weight for BlockHash at Round.
type Commits struct {
	Shard      uint32
	Height     uint64
	Round      int32
	BlockHash  Hash
	Signatures []CommitSignature
}

// PrecommitFor rebuilds the vote that sig signed.
func (c *Commits) PrecommitFor(sig CommitSignature) Vote {
	return Vote{
		Type:      VotePrecommit,
		Shard:     c.Shard,
		Height:    c.Height,
		Round:     c.Round,
		BlockHash: c.BlockHash,
		Voter:     sig.Voter,
	}
}

type CommittedBlock struct {
	Block   *Block
	Commits *Commits
}

func (c *CommittedBlock) Height() uint64 {
	if c == nil || c.Block == nil {
		return 0
	}
	return c.Block.Header.Height
}
