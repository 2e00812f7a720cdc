package consensus

import (
	"github.com/10yihang/snapnode/internal/wire"
)

type signedVote struct {
	vote      wire.Vote
	signature []byte
}

// voteSet holds the votes of one type in one round.
type voteSet struct {
	votes  map[string]signedVote
	byHash map[wire.Hash]uint64
	total  uint64
}

func newVoteSet() *voteSet {
	return &voteSet{
		votes:  make(map[string]signedVote),
		byHash: make(map[wire.Hash]uint64),
	}
}

// add records v with weight w. It returns false if the voter already
// voted in this set; a conflicting second vote is reported as equivocation.
func (s *voteSet) add(v signedVote, w uint64) (added, equivocation bool) {
	key := string(v.vote.Voter)
	if prev, ok := s.votes[key]; ok {
		return false, prev.vote.BlockHash != v.vote.BlockHash
	}
	s.votes[key] = v
	s.byHash[v.vote.BlockHash] += w
	s.total += w
	return true, false
}

// quorumHash returns the hash (possibly nil) holding a quorum, if any.
func (s *voteSet) quorumHash(vals *ValidatorSet) (wire.Hash, bool) {
	for h, w := range s.byHash {
		if vals.HasQuorum(w) {
			return h, true
		}
	}
	return wire.Hash{}, false
}

func (s *voteSet) weightFor(h wire.Hash) uint64 {
	return s.byHash[h]
}

// signaturesFor collects the signatures for h.
func (s *voteSet) signaturesFor(h wire.Hash) []wire.CommitSignature {
	var out []wire.CommitSignature
	for _, v := range s.votes {
		if v.vote.BlockHash == h {
			out = append(out, wire.CommitSignature{Voter: v.vote.Voter, Signature: v.signature})
		}
	}
	return out
}

type roundVotes struct {
	prevotes   *voteSet
	precommits *voteSet
	// voters counts the distinct voters seen in the round, for round skips.
	voters map[string]uint64
}

// heightVotes tracks every round of the current height.
type heightVotes struct {
	vals   *ValidatorSet
	rounds map[int32]*roundVotes
}

func newHeightVotes(vals *ValidatorSet) *heightVotes {
	return &heightVotes{vals: vals, rounds: make(map[int32]*roundVotes)}
}

func (hv *heightVotes) round(r int32) *roundVotes {
	rv, ok := hv.rounds[r]
	if !ok {
		rv = &roundVotes{prevotes: newVoteSet(), precommits: newVoteSet(), voters: make(map[string]uint64)}
		hv.rounds[r] = rv
	}
	return rv
}

func (hv *heightVotes) set(r int32, t wire.VoteType) *voteSet {
	rv := hv.round(r)
	if t == wire.VotePrecommit {
		return rv.precommits
	}
	return rv.prevotes
}

func (hv *heightVotes) add(v signedVote) (added, equivocation bool) {
	w, ok := hv.vals.Weight(v.vote.Voter)
	if !ok {
		return false, false
	}
	rv := hv.round(v.vote.Round)
	added, equivocation = hv.set(v.vote.Round, v.vote.Type).add(v, w)
	if added {
		rv.voters[string(v.vote.Voter)] = w
	}
	return added, equivocation
}

// roundWeight is the weight of distinct voters seen at round r.
func (hv *heightVotes) roundWeight(r int32) uint64 {
	rv, ok := hv.rounds[r]
	if !ok {
		return 0
	}
	var w uint64
	for _, vw := range rv.voters {
		w += vw
	}
	return w
}
