package consensus

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/10yihang/snapnode/internal/keys"
	"github.com/10yihang/snapnode/internal/metrics"
	"github.com/10yihang/snapnode/internal/wire"
	snaperrors "github.com/10yihang/snapnode/pkg/errors"
)

// commit persists block as decided at round and moves to the next height.
// A store failure halts the shard.
func (e *Engine) commit(ctx context.Context, block *wire.Block, round int32, sigs []wire.CommitSignature, live bool) {
	if ctx.Err() != nil {
		return
	}
	cb := &wire.CommittedBlock{
		Block: block,
		Commits: &wire.Commits{
			Shard:      e.cfg.Shard,
			Height:     e.height,
			Round:      round,
			BlockHash:  block.Hash,
			Signatures: sigs,
		},
	}
	if err := e.cfg.Store.AppendBlock(ctx, cb); err != nil {
		if ctx.Err() != nil {
			return
		}
		h := &HaltError{Shard: e.cfg.Shard, Height: e.height, Err: err}
		e.halt.Store(h)
		e.mode.Store(int32(ModeHalted))
		metrics.SetHalted(e.cfg.Shard, true)
		e.releaseReservations()
		e.logger.Error("Halting shard", zap.Uint64("height", e.height), zap.Error(err))
		return
	}

	hashes := make([]wire.Hash, len(block.Messages))
	for i, m := range block.Messages {
		hashes[i] = m.Hash
	}
	if e.cfg.Pool != nil {
		e.cfg.Pool.RemoveCommitted(hashes)
	}
	e.releaseReservations()

	now := e.cfg.Clock()
	if live {
		metrics.RecordCommit(e.cfg.Shard, e.height, now.Sub(e.heightStart))
	} else {
		metrics.RecordSyncBlock(e.cfg.Shard, e.height)
	}
	e.committed.Store(e.height)
	e.logger.Info("Committed block",
		zap.Uint64("height", e.height),
		zap.Int32("round", round),
		zap.Stringer("block", block.Hash),
		zap.Int("messages", len(block.Messages)),
		zap.Bool("live", live))

	if live && e.self != nil && bytes.Equal(block.Header.Proposer, e.self) {
		e.publish(ctx, &wire.ReadNodeMessage{
			Shard:      e.cfg.Shard,
			FromHeight: e.height,
			ToHeight:   e.height,
			Decided:    cb,
		})
	}
	if e.cfg.OnCommit != nil {
		e.cfg.OnCommit(cb)
	}

	prevStart := e.heightStart
	e.parent = block
	e.vals = NewValidatorSet(block.NextValidators)
	e.resetHeight(e.height + 1)
	for _, ev := range e.drainFuture() {
		switch ev := ev.(type) {
		case proposalEvent:
			e.recordProposal(ev.p, true)
		case voteEvent:
			e.recordVote(ev.m, true)
		}
	}
	if e.Mode() == ModeLive {
		delay := time.Duration(0)
		if !prevStart.IsZero() {
			delay = prevStart.Add(e.cfg.BlockTime).Sub(now)
		}
		e.scheduleStart(delay)
	}
}

func (e *Engine) drainFuture() []any {
	evs := e.future
	e.future = nil
	return evs
}

func (e *Engine) applyDecided(ctx context.Context, cb *wire.CommittedBlock) error {
	if h := e.halt.Load(); h != nil {
		return h
	}
	height := cb.Height()
	switch {
	case height == 0:
		return fmt.Errorf("%w: empty decided block", snaperrors.ErrInvalidCertificate)
	case height < e.height:
		return snaperrors.ErrDuplicate
	case height > e.height:
		return fmt.Errorf("%w: got %d, next is %d", ErrHeightGap, height, e.height)
	}
	if cb.Block.Header.ParentHash != e.parentHash() {
		return fmt.Errorf("%w: parent %s does not extend %s",
			snaperrors.ErrInvalidCertificate, cb.Block.Header.ParentHash.Short(), e.parentHash().Short())
	}
	if err := VerifyCommit(e.vals, e.cfg.Verifier, e.cfg.Shard, cb); err != nil {
		return err
	}
	e.commit(ctx, cb.Block, cb.Commits.Round, cb.Commits.Signatures, false)
	if h := e.halt.Load(); h != nil {
		return h
	}
	return nil
}

// VerifyCommit checks that cb carries valid precommits for its block from
// more than two thirds of the weight of vals.
func VerifyCommit(vals *ValidatorSet, v keys.Verifier, shard uint32, cb *wire.CommittedBlock) error {
	if cb == nil || cb.Block == nil || cb.Commits == nil {
		return fmt.Errorf("%w: incomplete", snaperrors.ErrInvalidCertificate)
	}
	b, c := cb.Block, cb.Commits
	if b.Header.Shard != shard || c.Shard != shard {
		return fmt.Errorf("%w: shard %d, want %d", snaperrors.ErrInvalidCertificate, b.Header.Shard, shard)
	}
	if !b.CheckIntegrity() {
		return fmt.Errorf("%w: block hash mismatch", snaperrors.ErrInvalidCertificate)
	}
	if c.BlockHash != b.Hash || c.Height != b.Header.Height {
		return fmt.Errorf("%w: certificate is for another block", snaperrors.ErrInvalidCertificate)
	}

	seen := make(map[string]struct{}, len(c.Signatures))
	var weight uint64
	for _, sig := range c.Signatures {
		if _, dup := seen[string(sig.Voter)]; dup {
			continue
		}
		w, ok := vals.Weight(sig.Voter)
		if !ok {
			continue
		}
		vote := c.PrecommitFor(sig)
		if !v.Verify(sig.Voter, vote.SignBytes(), sig.Signature) {
			continue
		}
		seen[string(sig.Voter)] = struct{}{}
		weight += w
	}
	if !vals.HasQuorum(weight) {
		return fmt.Errorf("%w: %d of %d weight", snaperrors.ErrInvalidCertificate, weight, vals.TotalWeight())
	}
	return nil
}

// valid returns the cached validation result for block.
func (e *Engine) valid(block *wire.Block) error {
	if err, ok := e.validity[block.Hash]; ok {
		return err
	}
	err := e.validate(block)
	if err != nil {
		e.logger.Info("Rejected proposal",
			zap.Uint64("height", e.height),
			zap.Stringer("block", block.Hash),
			zap.Error(err))
	}
	e.validity[block.Hash] = err
	return err
}

func (e *Engine) validate(b *wire.Block) error {
	h := b.Header
	if h.Shard != e.cfg.Shard || h.Height != e.height {
		return fmt.Errorf("%w: block for shard %d height %d", snaperrors.ErrInvalidProposal, h.Shard, h.Height)
	}
	if !b.CheckIntegrity() {
		return fmt.Errorf("%w: hash mismatch", snaperrors.ErrInvalidProposal)
	}
	if h.ParentHash != e.parentHash() {
		return fmt.Errorf("%w: wrong parent %s", snaperrors.ErrInvalidProposal, h.ParentHash.Short())
	}
	if e.parent != nil && h.Timestamp <= e.parent.Header.Timestamp {
		return fmt.Errorf("%w: timestamp not after parent", snaperrors.ErrInvalidProposal)
	}
	if h.Time().After(e.cfg.Clock().Add(e.cfg.MaxClockDrift)) {
		return fmt.Errorf("%w: timestamp too far in the future", snaperrors.ErrInvalidProposal)
	}
	if !e.vals.Contains(h.Proposer) {
		return fmt.Errorf("%w: proposer is not a validator", snaperrors.ErrInvalidProposal)
	}
	if len(b.Messages) > e.cfg.MaxMessagesPerBlock {
		return fmt.Errorf("%w: %d messages", snaperrors.ErrInvalidProposal, len(b.Messages))
	}
	snap, ok := e.cfg.State.SnapshotByDigest(h.SnapshotDigest)
	if !ok {
		return fmt.Errorf("%w: snapshot %s unavailable", snaperrors.ErrInvalidProposal, h.SnapshotDigest.Short())
	}

	at := h.Time()
	var prev *wire.Message
	for _, m := range b.Messages {
		if prev != nil && !prev.Less(m) {
			return fmt.Errorf("%w: messages out of order", snaperrors.ErrInvalidProposal)
		}
		prev = m
		if err := m.CheckWellFormed(e.cfg.Network); err != nil {
			return fmt.Errorf("%w: message %s: %v", snaperrors.ErrInvalidProposal, m.Hash.Short(), err)
		}
		if m.Shard(e.cfg.ShardCount) != e.cfg.Shard {
			return fmt.Errorf("%w: message %s belongs to another shard", snaperrors.ErrInvalidProposal, m.Hash.Short())
		}
		if err := e.cfg.MsgVerifier.VerifyMessage(m); err != nil {
			return fmt.Errorf("%w: message %s: %v", snaperrors.ErrInvalidProposal, m.Hash.Short(), err)
		}
		if err := snap.ValidateMessage(m, at); err != nil {
			return fmt.Errorf("%w: message %s: %v", snaperrors.ErrInvalidProposal, m.Hash.Short(), err)
		}
	}
	if !wire.EqualValidators(b.NextValidators, NextWeights(e.cfg.Members, snap, at)) {
		return fmt.Errorf("%w: next validator weights differ", snaperrors.ErrInvalidProposal)
	}
	return nil
}
