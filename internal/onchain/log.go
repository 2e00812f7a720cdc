// Package onchain orders L1 events and derives account authorization
// state from them.
//
// Events are buffered until their block is final for their chain, then
// applied in OrderKey order. A chain's watermark is the larger of the
// last explicit Advance and the highest seen block minus the confirmation
// depth; blocks strictly below it are final. With a zero confirmation
// depth every event is final on arrival. When an event becomes final
// below an already applied key, the log recomputes state from scratch so
// that every node folds the same events in the same order.
package onchain

import (
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/10yihang/snapnode/internal/metrics"
	"github.com/10yihang/snapnode/internal/storage"
	"github.com/10yihang/snapnode/internal/wire"
	snaperrors "github.com/10yihang/snapnode/pkg/errors"
)

// Outcome describes what Ingest did with an event.
type Outcome uint8

const (
	Buffered Outcome = iota + 1
	Applied
	Duplicate
	Replayed
)

func (o Outcome) String() string {
	switch o {
	case Buffered:
		return "buffered"
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Replayed:
		return "replayed"
	default:
		return "unknown"
	}
}

const defaultSnapshotRetention = 64

type Config struct {
	ConfirmationDepth uint64
	// SnapshotRetention bounds how many past snapshots stay reachable by
	// digest.
	SnapshotRetention int
	Store             storage.EventStore
	Logger            *zap.Logger
}

type blockRef struct {
	chainID uint32
	number  uint64
}

// Log is the ordered on-chain event log.
type Log struct {
	mu     sync.RWMutex
	cfg    Config
	logger *zap.Logger

	applied  []*wire.OnChainEvent
	buffered []*wire.OnChainEvent
	ids      map[wire.EventIdentity]struct{}
	blocks   map[blockRef]wire.Hash
	highest  map[uint32]uint64
	advanced map[uint32]uint64

	current     *Snapshot
	retained    map[wire.Hash]*Snapshot
	retainOrder []wire.Hash
}

// New creates a log and reloads any events held by cfg.Store.
func New(cfg Config) (*Log, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.SnapshotRetention <= 0 {
		cfg.SnapshotRetention = defaultSnapshotRetention
	}
	l := &Log{
		cfg:      cfg,
		logger:   cfg.Logger.Named("onchain"),
		ids:      make(map[wire.EventIdentity]struct{}),
		blocks:   make(map[blockRef]wire.Hash),
		highest:  make(map[uint32]uint64),
		advanced: make(map[uint32]uint64),
		retained: make(map[wire.Hash]*Snapshot),
	}
	l.publish(emptySnapshot())

	if cfg.Store != nil {
		restored := 0
		for ev, err := range cfg.Store.Events() {
			if err != nil {
				return nil, fmt.Errorf("reload events: %w", err)
			}
			if _, err := l.ingestLocked(ev, false); err != nil {
				return nil, fmt.Errorf("reload event %s: %w", ev.OrderKey(), err)
			}
			restored++
		}
		if restored > 0 {
			l.logger.Info("Restored on-chain events",
				zap.Int("events", restored),
				zap.Int("applied", len(l.applied)),
				zap.Int("buffered", len(l.buffered)))
		}
	}
	return l, nil
}

// Ingest adds ev to the log. Re-ingesting a known identity is a no-op. An
// event for a known block number with a different block hash rolls the
// chain back to that block first.
func (l *Log) Ingest(ev *wire.OnChainEvent) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		metrics.RecordEvent(ev.Type.String(), "invalid")
		return 0, err
	}
	l.mu.Lock()
	out, err := l.ingestLocked(ev, true)
	l.mu.Unlock()
	if err != nil {
		metrics.RecordEvent(ev.Type.String(), "error")
		return 0, err
	}
	metrics.RecordEvent(ev.Type.String(), out.String())
	return out, nil
}

func (l *Log) ingestLocked(ev *wire.OnChainEvent, persist bool) (Outcome, error) {
	id := ev.Identity()
	if _, ok := l.ids[id]; ok {
		return Duplicate, nil
	}

	replayed := false
	ref := blockRef{chainID: ev.ChainID, number: ev.BlockNumber}
	if err := l.checkBlockLocked(ref, ev.BlockHash); errors.Is(err, snaperrors.ErrReorgDetected) {
		l.logger.Warn("Reorg detected", zap.Error(err))
		metrics.RecordEvent(ev.Type.String(), "reorg")
		n, didReplay, rerr := l.rollbackLocked(ev.ChainID, ev.BlockNumber)
		if rerr != nil {
			return 0, fmt.Errorf("%w: %w", err, rerr)
		}
		l.logger.Info("Rolled back reorged events", zap.Int("events", n))
		replayed = didReplay
	}

	if persist && l.cfg.Store != nil {
		if err := l.cfg.Store.PutEvent(ev); err != nil {
			return 0, fmt.Errorf("persist event %s: %w", ev.OrderKey(), err)
		}
	}

	l.ids[id] = struct{}{}
	l.blocks[ref] = ev.BlockHash
	if ev.BlockNumber > l.highest[ev.ChainID] {
		l.highest[ev.ChainID] = ev.BlockNumber
	}
	l.buffered = insertSorted(l.buffered, ev)

	promoted, didReplay := l.promoteLocked()
	replayed = replayed || didReplay

	switch {
	case replayed:
		return Replayed, nil
	case slices.Contains(promoted, ev):
		return Applied, nil
	default:
		return Buffered, nil
	}
}

// checkBlockLocked reports ErrReorgDetected when ref is known under a
// different hash.
func (l *Log) checkBlockLocked(ref blockRef, hash wire.Hash) error {
	known, ok := l.blocks[ref]
	if !ok || known == hash {
		return nil
	}
	return fmt.Errorf("%w: chain %d block %d is %s, now %s",
		snaperrors.ErrReorgDetected, ref.chainID, ref.number, known.Short(), hash.Short())
}

// Advance marks every block of chainID below block as final and applies
// the buffered events that became final. It returns how many were applied.
func (l *Log) Advance(chainID uint32, block uint64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if block <= l.advanced[chainID] {
		return 0
	}
	l.advanced[chainID] = block
	promoted, _ := l.promoteLocked()
	return len(promoted)
}

// Rollback discards every event of chainID at or above block below,
// applied or buffered, forgets their identities and recomputes state.
func (l *Log) Rollback(chainID uint32, below uint64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, _, err := l.rollbackLocked(chainID, below)
	if n > 0 {
		l.logger.Info("Rolled back events",
			zap.Uint32("chain", chainID),
			zap.Uint64("below", below),
			zap.Int("events", n))
	}
	return n, err
}

// rollbackLocked removes the events of chainID at or above below from the
// store, then from memory. A store failure leaves memory untouched.
func (l *Log) rollbackLocked(chainID uint32, below uint64) (int, bool, error) {
	doomed := func(ev *wire.OnChainEvent) bool {
		return ev.ChainID == chainID && ev.BlockNumber >= below
	}
	if !slices.ContainsFunc(l.applied, doomed) && !slices.ContainsFunc(l.buffered, doomed) {
		return 0, false, nil
	}
	if l.cfg.Store != nil {
		if _, err := l.cfg.Store.DeleteEvents(chainID, below); err != nil {
			return 0, false, fmt.Errorf("delete rolled back events: %w", err)
		}
	}

	var removed []*wire.OnChainEvent
	keep := func(events []*wire.OnChainEvent) []*wire.OnChainEvent {
		out := events[:0]
		for _, ev := range events {
			if doomed(ev) {
				removed = append(removed, ev)
				continue
			}
			out = append(out, ev)
		}
		clear(events[len(out):])
		return out
	}
	appliedBefore := len(l.applied)
	l.applied = keep(l.applied)
	removedApplied := appliedBefore - len(l.applied)
	l.buffered = keep(l.buffered)

	for _, ev := range removed {
		delete(l.ids, ev.Identity())
		delete(l.blocks, blockRef{chainID: ev.ChainID, number: ev.BlockNumber})
	}

	var highest uint64
	for _, events := range [][]*wire.OnChainEvent{l.applied, l.buffered} {
		for _, ev := range events {
			if ev.ChainID == chainID && ev.BlockNumber > highest {
				highest = ev.BlockNumber
			}
		}
	}
	l.highest[chainID] = highest
	if l.advanced[chainID] > below {
		l.advanced[chainID] = below
	}

	if removedApplied == 0 {
		return len(removed), false, nil
	}
	l.replayLocked()
	return len(removed), true, nil
}

func (l *Log) final(ev *wire.OnChainEvent) bool {
	if l.cfg.ConfirmationDepth == 0 {
		return true
	}
	watermark := l.advanced[ev.ChainID]
	if h := l.highest[ev.ChainID]; h > l.cfg.ConfirmationDepth {
		watermark = max(watermark, h-l.cfg.ConfirmationDepth)
	}
	return ev.BlockNumber < watermark
}

// promoteLocked applies every buffered event that is now final. It
// returns the promoted events and whether a full replay was needed.
func (l *Log) promoteLocked() ([]*wire.OnChainEvent, bool) {
	var promoted []*wire.OnChainEvent
	rest := l.buffered[:0]
	for _, ev := range l.buffered {
		if l.final(ev) {
			promoted = append(promoted, ev)
		} else {
			rest = append(rest, ev)
		}
	}
	clear(l.buffered[len(rest):])
	l.buffered = rest
	if len(promoted) == 0 {
		return nil, false
	}

	if n := len(l.applied); n == 0 || l.applied[n-1].OrderKey().Less(promoted[0].OrderKey()) {
		next := l.current.next()
		touched := make(map[uint64]bool)
		for _, ev := range promoted {
			next.applyOwned(ev, touched)
		}
		l.applied = append(l.applied, promoted...)
		l.publish(next)
		return promoted, false
	}

	for _, ev := range promoted {
		l.applied = insertSorted(l.applied, ev)
	}
	l.logger.Debug("Late event below applied keys, replaying",
		zap.Stringer("key", promoted[0].OrderKey()),
		zap.Int("applied", len(l.applied)))
	l.replayLocked()
	return promoted, true
}

func (l *Log) replayLocked() {
	s := emptySnapshot()
	s.version = l.current.version + 1
	touched := make(map[uint64]bool)
	for _, ev := range l.applied {
		s.applyOwned(ev, touched)
	}
	metrics.OnchainReplays.Inc()
	l.publish(s)
}

func (l *Log) publish(s *Snapshot) {
	l.current = s
	l.retained[s.digest] = s
	l.retainOrder = append(l.retainOrder, s.digest)
	for len(l.retainOrder) > l.cfg.SnapshotRetention {
		oldest := l.retainOrder[0]
		l.retainOrder = l.retainOrder[1:]
		if !slices.Contains(l.retainOrder, oldest) {
			delete(l.retained, oldest)
		}
	}
}

func insertSorted(events []*wire.OnChainEvent, ev *wire.OnChainEvent) []*wire.OnChainEvent {
	i, _ := slices.BinarySearchFunc(events, ev.OrderKey(), func(e *wire.OnChainEvent, k wire.OrderKey) int {
		return e.OrderKey().Compare(k)
	})
	return slices.Insert(events, i, ev)
}

// Latest returns the current snapshot.
func (l *Log) Latest() *Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// SnapshotByDigest finds a recent snapshot by digest.
func (l *Log) SnapshotByDigest(digest wire.Hash) (*Snapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.retained[digest]
	return s, ok
}

// Snapshot returns a copy of fid's current account state.
func (l *Log) Snapshot(fid uint64) (Account, bool) {
	return l.Latest().Account(fid)
}

// SnapshotAll yields every account of the current snapshot sorted by fid.
func (l *Log) SnapshotAll() iter.Seq2[uint64, Account] {
	return l.Latest().Accounts()
}

// Pending returns the number of buffered, not yet final events.
func (l *Log) Pending() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buffered)
}

// Watermarks returns the explicit finality watermark of every chain.
func (l *Log) Watermarks() map[uint32]uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return maps.Clone(l.advanced)
}
