package consensus

import (
	"bytes"
	"encoding/binary"
	"slices"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/10yihang/snapnode/internal/onchain"
	"github.com/10yihang/snapnode/internal/wire"
)

// Member is a configured validator.
type Member struct {
	PublicKey []byte
	Fid       uint64
}

// ValidatorSet is a weighted validator set sorted by public key.
type ValidatorSet struct {
	validators []wire.ValidatorWeight
	index      map[string]int
	total      uint64
}

func NewValidatorSet(vs []wire.ValidatorWeight) *ValidatorSet {
	sorted := slices.Clone(vs)
	slices.SortFunc(sorted, func(a, b wire.ValidatorWeight) int {
		return bytes.Compare(a.PublicKey, b.PublicKey)
	})
	s := &ValidatorSet{validators: sorted, index: make(map[string]int, len(sorted))}
	for i, v := range sorted {
		s.index[string(v.PublicKey)] = i
		s.total += v.Weight
	}
	return s
}

// GenesisSet gives every member weight 1.
func GenesisSet(members []Member) *ValidatorSet {
	vs := make([]wire.ValidatorWeight, len(members))
	for i, m := range members {
		vs[i] = wire.ValidatorWeight{PublicKey: m.PublicKey, Fid: m.Fid, Weight: 1}
	}
	return NewValidatorSet(vs)
}

// NextWeights computes the validator weights committed in a block: each
// member weighs 1 plus its fid's active storage units plus the tier bonus
// at the block time, sorted by public key.
func NextWeights(members []Member, snap *onchain.Snapshot, at time.Time) []wire.ValidatorWeight {
	out := make([]wire.ValidatorWeight, len(members))
	for i, m := range members {
		out[i] = wire.ValidatorWeight{PublicKey: slices.Clone(m.PublicKey), Fid: m.Fid, Weight: snap.Weight(m.Fid, at)}
	}
	slices.SortFunc(out, func(a, b wire.ValidatorWeight) int {
		return bytes.Compare(a.PublicKey, b.PublicKey)
	})
	return out
}

func (s *ValidatorSet) Len() int { return len(s.validators) }

func (s *ValidatorSet) TotalWeight() uint64 { return s.total }

func (s *ValidatorSet) Weight(pub []byte) (uint64, bool) {
	i, ok := s.index[string(pub)]
	if !ok {
		return 0, false
	}
	return s.validators[i].Weight, true
}

func (s *ValidatorSet) Contains(pub []byte) bool {
	_, ok := s.index[string(pub)]
	return ok
}

func (s *ValidatorSet) Validators() []wire.ValidatorWeight {
	return slices.Clone(s.validators)
}

// HasQuorum reports whether w is more than two thirds of the total.
func (s *ValidatorSet) HasQuorum(w uint64) bool {
	return 3*w > 2*s.total
}

// HasOneThird reports whether w is more than one third of the total.
func (s *ValidatorSet) HasOneThird(w uint64) bool {
	return 3*w > s.total
}

// Proposer picks the validator for (shard, height, round) with probability
// proportional to weight. Every node computes the same answer.
func (s *ValidatorSet) Proposer(shard uint32, height uint64, round int32) []byte {
	if s.total == 0 {
		return nil
	}
	var seed [16]byte
	binary.BigEndian.PutUint32(seed[0:4], shard)
	binary.BigEndian.PutUint64(seed[4:12], height)
	binary.BigEndian.PutUint32(seed[12:16], uint32(round))
	digest := sha3.Sum256(seed[:])
	target := binary.BigEndian.Uint64(digest[:8]) % s.total

	var acc uint64
	for _, v := range s.validators {
		acc += v.Weight
		if target < acc {
			return v.PublicKey
		}
	}
	return s.validators[len(s.validators)-1].PublicKey
}
