package consensus

import (
	"bytes"
	"testing"

	"github.com/10yihang/snapnode/internal/wire"
)

func TestValidatorSet_Thresholds(t *testing.T) {
	vs := NewValidatorSet([]wire.ValidatorWeight{
		{PublicKey: []byte("a"), Weight: 4},
		{PublicKey: []byte("b"), Weight: 3},
		{PublicKey: []byte("c"), Weight: 3},
	})
	if vs.TotalWeight() != 10 {
		t.Fatalf("total = %d", vs.TotalWeight())
	}
	if !vs.HasQuorum(7) || vs.HasQuorum(6) {
		t.Error("quorum must need more than two thirds")
	}
	if !vs.HasOneThird(4) || vs.HasOneThird(3) {
		t.Error("skip threshold must need more than one third")
	}
}

func TestValidatorSet_ProposerIsWeighted(t *testing.T) {
	vs := NewValidatorSet([]wire.ValidatorWeight{
		{PublicKey: []byte("d"), Weight: 7},
		{PublicKey: []byte("a"), Weight: 1},
		{PublicKey: []byte("b"), Weight: 1},
		{PublicKey: []byte("c"), Weight: 1},
	})
	heavy := 0
	for h := uint64(1); h <= 1000; h++ {
		p := vs.Proposer(3, h, 0)
		if !bytes.Equal(p, vs.Proposer(3, h, 0)) {
			t.Fatal("proposer choice is not deterministic")
		}
		if bytes.Equal(p, []byte("d")) {
			heavy++
		}
	}
	if heavy < 600 || heavy > 800 {
		t.Errorf("heavy validator chosen %d/1000 times, want about 700", heavy)
	}

	reordered := NewValidatorSet(vs.Validators())
	if !bytes.Equal(reordered.Proposer(1, 9, 2), vs.Proposer(1, 9, 2)) {
		t.Error("proposer depends on input order")
	}
}

func TestVoteSet_CountsEachVoterOnce(t *testing.T) {
	vs := NewValidatorSet([]wire.ValidatorWeight{
		{PublicKey: []byte("a"), Weight: 1},
		{PublicKey: []byte("b"), Weight: 1},
		{PublicKey: []byte("c"), Weight: 1},
		{PublicKey: []byte("d"), Weight: 1},
	})
	hv := newHeightVotes(vs)
	block := wire.Sum([]byte("block"))
	vote := func(voter string, h wire.Hash) signedVote {
		return signedVote{vote: wire.Vote{Type: wire.VotePrevote, Height: 1, Round: 0, BlockHash: h, Voter: []byte(voter)}}
	}

	hv.add(vote("a", block))
	hv.add(vote("b", block))
	if added, equivocation := hv.add(vote("b", wire.ZeroHash)); added || !equivocation {
		t.Errorf("conflicting vote: added=%v equivocation=%v", added, equivocation)
	}
	if _, ok := hv.set(0, wire.VotePrevote).quorumHash(vs); ok {
		t.Error("two of four must not be a quorum")
	}
	if added, _ := hv.add(vote("stranger", block)); added {
		t.Error("vote from a non-validator was counted")
	}
	hv.add(vote("c", block))
	h, ok := hv.set(0, wire.VotePrevote).quorumHash(vs)
	if !ok || h != block {
		t.Errorf("quorumHash = %s, %v", h.Short(), ok)
	}
	if got := len(hv.set(0, wire.VotePrevote).signaturesFor(block)); got != 3 {
		t.Errorf("signatures = %d", got)
	}
	if hv.roundWeight(0) != 3 {
		t.Errorf("round weight = %d", hv.roundWeight(0))
	}
}
