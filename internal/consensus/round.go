package consensus

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/10yihang/snapnode/internal/metrics"
	"github.com/10yihang/snapnode/internal/wire"
	snaperrors "github.com/10yihang/snapnode/pkg/errors"
)

// recordProposal stores a proposal for the current height. It reports
// whether round state may have changed.
func (e *Engine) recordProposal(p *wire.FullProposal, verify bool) bool {
	if p == nil || p.Shard != e.cfg.Shard {
		return false
	}
	if p.Height != e.height {
		if p.Height == e.height+1 {
			e.deferFuture(proposalEvent{p: p})
		}
		return false
	}
	if p.Round < 0 || p.ValidRound < -1 || p.ValidRound >= p.Round {
		return false
	}
	if _, ok := e.proposals[p.Round]; ok {
		return false
	}
	if !bytes.Equal(p.Proposer, e.vals.Proposer(e.cfg.Shard, e.height, p.Round)) {
		e.logger.Debug("Proposal from wrong proposer", zap.Uint64("height", p.Height), zap.Int32("round", p.Round))
		return false
	}
	if verify && !e.cfg.Verifier.Verify(p.Proposer, p.SignBytes(), p.Signature) {
		e.logger.Debug("Proposal signature invalid", zap.Uint64("height", p.Height), zap.Int32("round", p.Round))
		return false
	}
	if !p.Block.CheckIntegrity() {
		e.logger.Debug("Proposal block hash mismatch", zap.Uint64("height", p.Height), zap.Int32("round", p.Round))
		return false
	}
	e.proposals[p.Round] = p
	e.blocks[p.Block.Hash] = p.Block
	return true
}

// recordVote adds a vote for the current height to the tally.
func (e *Engine) recordVote(m *wire.ConsensusMessage, verify bool) bool {
	if m == nil {
		return false
	}
	v := m.Vote
	if v.Shard != e.cfg.Shard {
		return false
	}
	if v.Height != e.height {
		if v.Height == e.height+1 {
			e.deferFuture(voteEvent{m: m})
		}
		return false
	}
	if v.Round < 0 || (v.Type != wire.VotePrevote && v.Type != wire.VotePrecommit) {
		return false
	}
	if !e.vals.Contains(v.Voter) {
		return false
	}
	if verify && !e.cfg.Verifier.Verify(v.Voter, v.SignBytes(), m.Signature) {
		e.logger.Debug("Vote signature invalid", zap.Stringer("type", v.Type), zap.Int32("round", v.Round))
		return false
	}
	added, equivocation := e.votes.add(signedVote{vote: v, signature: m.Signature})
	if equivocation {
		e.logger.Warn("Conflicting vote",
			zap.Binary("voter", v.Voter),
			zap.Stringer("type", v.Type),
			zap.Uint64("height", v.Height),
			zap.Int32("round", v.Round))
	}
	return added
}

// check applies every rule whose condition holds until none does.
func (e *Engine) check(ctx context.Context) {
	for e.Mode() == ModeLive && e.halt.Load() == nil {
		if e.tryCommit(ctx) {
			return
		}
		if !e.started {
			return
		}
		progressed := e.trySkipRound(ctx) ||
			e.tryPrevote(ctx) ||
			e.tryLock(ctx) ||
			e.tryPrecommitNil(ctx)
		e.scheduleVoteTimeouts()
		if !progressed {
			return
		}
	}
}

func (e *Engine) tryCommit(ctx context.Context) bool {
	for round, rv := range e.votes.rounds {
		hash, ok := rv.precommits.quorumHash(e.vals)
		if !ok || hash.IsZero() {
			continue
		}
		block, ok := e.blocks[hash]
		if !ok {
			continue
		}
		if err := e.valid(block); err != nil {
			e.logger.Error("Quorum precommitted an invalid block",
				zap.Uint64("height", e.height),
				zap.Stringer("block", hash),
				zap.Error(err))
			continue
		}
		e.commit(ctx, block, round, rv.precommits.signaturesFor(hash), true)
		return true
	}
	return false
}

func (e *Engine) trySkipRound(ctx context.Context) bool {
	target := e.round
	for r := range e.votes.rounds {
		if r > target && e.vals.HasOneThird(e.votes.roundWeight(r)) {
			target = r
		}
	}
	if target == e.round {
		return false
	}
	e.logger.Debug("Skipping to round", zap.Uint64("height", e.height), zap.Int32("round", target))
	e.startRound(ctx, target)
	return true
}

func (e *Engine) tryPrevote(ctx context.Context) bool {
	if e.step != stepPropose {
		return false
	}
	p, ok := e.proposals[e.round]
	if !ok {
		return false
	}
	hash := p.Block.Hash
	if p.ValidRound == -1 {
		if e.valid(p.Block) == nil && (e.lockedRound == -1 || e.lockedBlock.Hash == hash) {
			e.prevote(ctx, hash)
		} else {
			e.prevote(ctx, wire.ZeroHash)
		}
		return true
	}
	polka, ok := e.votes.set(p.ValidRound, wire.VotePrevote).quorumHash(e.vals)
	if !ok || polka != hash {
		return false
	}
	if e.valid(p.Block) == nil && (e.lockedRound <= p.ValidRound || e.lockedBlock.Hash == hash) {
		e.prevote(ctx, hash)
	} else {
		e.prevote(ctx, wire.ZeroHash)
	}
	return true
}

func (e *Engine) tryLock(ctx context.Context) bool {
	if e.step < stepPrevote || e.fired[triggerLock] {
		return false
	}
	p, ok := e.proposals[e.round]
	if !ok {
		return false
	}
	hash, ok := e.votes.set(e.round, wire.VotePrevote).quorumHash(e.vals)
	if !ok || hash != p.Block.Hash || e.valid(p.Block) != nil {
		return false
	}
	e.fired[triggerLock] = true
	if e.step == stepPrevote {
		e.lockedRound, e.lockedBlock = e.round, p.Block
		e.precommit(ctx, hash)
	}
	e.validRound, e.validBlock = e.round, p.Block
	return true
}

func (e *Engine) tryPrecommitNil(ctx context.Context) bool {
	if e.step != stepPrevote {
		return false
	}
	hash, ok := e.votes.set(e.round, wire.VotePrevote).quorumHash(e.vals)
	if !ok || !hash.IsZero() {
		return false
	}
	e.precommit(ctx, wire.ZeroHash)
	return true
}

func (e *Engine) scheduleVoteTimeouts() {
	if e.step == stepPrevote && !e.fired[triggerPrevoteTimeout] &&
		e.vals.HasQuorum(e.votes.set(e.round, wire.VotePrevote).total) {
		e.fired[triggerPrevoteTimeout] = true
		e.scheduleTimeout(stepPrevote)
	}
	if !e.fired[triggerPrecommitTimeout] &&
		e.vals.HasQuorum(e.votes.set(e.round, wire.VotePrecommit).total) {
		e.fired[triggerPrecommitTimeout] = true
		e.scheduleTimeout(stepPrecommit)
	}
}

func (e *Engine) startRound(ctx context.Context, round int32) {
	now := e.cfg.Clock()
	if !e.started {
		e.heightStart = now
	}
	e.started = true
	e.round = round
	e.step = stepPropose
	e.fired = make(map[trigger]bool)
	e.roundNow.Store(round)
	metrics.SetRound(e.cfg.Shard, round)

	e.scheduleTimeout(stepPropose)
	if e.isProposer(round) {
		e.propose(ctx, now)
	}
}

func (e *Engine) propose(ctx context.Context, now time.Time) {
	block, validRound := e.validBlock, e.validRound
	if block == nil {
		block = e.buildBlock(now)
		validRound = -1
	}
	p := &wire.FullProposal{
		Shard:      e.cfg.Shard,
		Height:     e.height,
		Round:      e.round,
		ValidRound: validRound,
		Proposer:   e.self,
		Block:      block,
	}
	p.Signature = e.cfg.Signer.Sign(p.SignBytes())
	e.logger.Debug("Proposing block",
		zap.Uint64("height", e.height),
		zap.Int32("round", e.round),
		zap.Stringer("block", block.Hash),
		zap.Int("messages", len(block.Messages)))
	e.recordProposal(p, false)
	e.publish(ctx, p)
}

func (e *Engine) buildBlock(now time.Time) *wire.Block {
	snap := e.cfg.State.Latest()
	ts := now.UnixMilli()
	if e.parent != nil && ts <= e.parent.Header.Timestamp {
		ts = e.parent.Header.Timestamp + 1
	}
	at := time.UnixMilli(ts).UTC()

	res := e.cfg.Pool.TakeCandidates(e.cfg.Shard, e.cfg.MaxMessagesPerBlock, now)
	e.reservations = append(e.reservations, res.ID)
	msgs := make([]*wire.Message, 0, res.Len())
	for m := range res.All() {
		if snap.ValidateMessage(m, at) == nil {
			msgs = append(msgs, m)
		}
	}

	b := &wire.Block{
		Header: wire.Header{
			Shard:          e.cfg.Shard,
			Height:         e.height,
			Timestamp:      ts,
			ParentHash:     e.parentHash(),
			SnapshotDigest: snap.Digest(),
			Proposer:       e.self,
		},
		Messages:       msgs,
		NextValidators: NextWeights(e.cfg.Members, snap, at),
	}
	b.Seal()
	return b
}

func (e *Engine) prevote(ctx context.Context, hash wire.Hash) {
	e.step = stepPrevote
	e.castVote(ctx, wire.VotePrevote, hash)
}

func (e *Engine) precommit(ctx context.Context, hash wire.Hash) {
	e.step = stepPrecommit
	e.castVote(ctx, wire.VotePrecommit, hash)
}

func (e *Engine) castVote(ctx context.Context, t wire.VoteType, hash wire.Hash) {
	if !e.isValidator() {
		return
	}
	v := wire.Vote{
		Type:      t,
		Shard:     e.cfg.Shard,
		Height:    e.height,
		Round:     e.round,
		BlockHash: hash,
		Voter:     e.self,
	}
	m := &wire.ConsensusMessage{Vote: v, Signature: e.cfg.Signer.Sign(v.SignBytes())}
	e.recordVote(m, false)
	e.publish(ctx, m)
}

func (e *Engine) timeoutFor(s step, round int32) time.Duration {
	var base time.Duration
	switch s {
	case stepPropose:
		base = e.cfg.ProposeTimeout
	case stepPrevote:
		base = e.cfg.PrevoteTimeout
	default:
		base = e.cfg.PrecommitTimeout
	}
	shift := min(round, maxTimeoutShift)
	return min(base<<shift, e.cfg.MaxTimeout)
}

func (e *Engine) scheduleTimeout(s step) {
	ev := timeoutEvent{height: e.height, round: e.round, step: s}
	time.AfterFunc(e.timeoutFor(s, e.round), func() {
		_ = e.post(context.Background(), ev)
	})
}

func (e *Engine) scheduleStart(delay time.Duration) {
	ev := startEvent{height: e.height}
	time.AfterFunc(max(delay, 0), func() {
		_ = e.post(context.Background(), ev)
	})
}

// onTimeout acts on an expired step timer. It returns an error wrapping
// ErrConsensusTimeout when the timer was still current.
func (e *Engine) onTimeout(ctx context.Context, ev timeoutEvent) error {
	if e.Mode() != ModeLive || !e.started || ev.height != e.height || ev.round != e.round {
		return nil
	}
	switch {
	case ev.step == stepPropose && e.step == stepPropose:
		e.prevote(ctx, wire.ZeroHash)
	case ev.step == stepPrevote && e.step == stepPrevote:
		e.precommit(ctx, wire.ZeroHash)
	case ev.step == stepPrecommit:
		e.startRound(ctx, e.round+1)
	default:
		return nil
	}
	metrics.RecordTimeout(e.cfg.Shard, ev.step.String())
	e.check(ctx)
	return fmt.Errorf("%w: height %d round %d step %s",
		snaperrors.ErrConsensusTimeout, ev.height, ev.round, ev.step)
}
