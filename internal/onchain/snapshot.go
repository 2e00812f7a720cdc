package onchain

import (
	"fmt"
	"iter"
	"maps"
	"slices"
	"time"

	"github.com/10yihang/snapnode/internal/wire"
	snaperrors "github.com/10yihang/snapnode/pkg/errors"
)

// Snapshot is an immutable view of account state after a prefix of the
// ordered event log. Accessors return copies.
type Snapshot struct {
	version    uint64
	digest     wire.Hash
	applied    int
	migratedAt uint64
	accounts   map[uint64]*Account
}

func emptySnapshot() *Snapshot {
	return &Snapshot{accounts: make(map[uint64]*Account)}
}

// Version increases every time the log publishes a new snapshot.
func (s *Snapshot) Version() uint64 { return s.version }

// Digest identifies the set of applied events. Nodes that applied the
// same events report the same digest.
func (s *Snapshot) Digest() wire.Hash { return s.digest }

// Applied is the number of events folded into the snapshot.
func (s *Snapshot) Applied() int { return s.applied }

// MigratedAt is the global signer migration time, 0 if none.
func (s *Snapshot) MigratedAt() uint64 { return s.migratedAt }

func (s *Snapshot) Len() int { return len(s.accounts) }

func (s *Snapshot) Account(fid uint64) (Account, bool) {
	a, ok := s.accounts[fid]
	if !ok {
		return Account{}, false
	}
	return *a.clone(), true
}

// Accounts yields every account sorted by fid.
func (s *Snapshot) Accounts() iter.Seq2[uint64, Account] {
	return func(yield func(uint64, Account) bool) {
		for _, fid := range slices.Sorted(maps.Keys(s.accounts)) {
			if !yield(fid, *s.accounts[fid].clone()) {
				return
			}
		}
	}
}

// Authorize checks that signer is an active key of fid.
func (s *Snapshot) Authorize(fid uint64, signer []byte) error {
	a, ok := s.accounts[fid]
	if !ok || !a.Registered {
		return fmt.Errorf("%w: fid %d is not registered", snaperrors.ErrUnauthorized, fid)
	}
	if !a.IsActiveSigner(signer) {
		return fmt.Errorf("%w: signer is not active for fid %d", snaperrors.ErrUnauthorized, fid)
	}
	return nil
}

// CheckStorage fails when fid holds no unexpired storage at t.
func (s *Snapshot) CheckStorage(fid uint64, t time.Time) error {
	a, ok := s.accounts[fid]
	if !ok || a.StorageUnits(t) == 0 {
		return fmt.Errorf("%w: fid %d at %s", snaperrors.ErrStorageExhausted, fid, t.UTC().Format(time.RFC3339))
	}
	return nil
}

// ValidateMessage runs the state-dependent admission checks for m at t.
func (s *Snapshot) ValidateMessage(m *wire.Message, t time.Time) error {
	if err := s.Authorize(m.Data.Fid, m.Signer); err != nil {
		return err
	}
	return s.CheckStorage(m.Data.Fid, t)
}

// Weight returns the validator weight of fid at t. Unknown accounts weigh 1.
func (s *Snapshot) Weight(fid uint64, t time.Time) uint64 {
	a, ok := s.accounts[fid]
	if !ok {
		return 1
	}
	return a.Weight(t)
}

// next returns a successor that shares untouched accounts with s.
func (s *Snapshot) next() *Snapshot {
	return &Snapshot{
		version:    s.version + 1,
		digest:     s.digest,
		applied:    s.applied,
		migratedAt: s.migratedAt,
		accounts:   maps.Clone(s.accounts),
	}
}

// applyOwned folds ev into s, which must not be published yet. touched
// tracks accounts already copied for this snapshot.
func (s *Snapshot) applyOwned(ev *wire.OnChainEvent, touched map[uint64]bool) {
	s.applied++
	s.digest = wire.ChainDigest(s.digest, ev.Identity())

	if body, ok := ev.Body.(*wire.SignerMigratedEventBody); ok && ev.Fid == 0 {
		s.migratedAt = body.MigratedAt
		return
	}

	a, ok := s.accounts[ev.Fid]
	switch {
	case !ok:
		a = &Account{Fid: ev.Fid}
		s.accounts[ev.Fid] = a
	case !touched[ev.Fid]:
		a = a.clone()
		s.accounts[ev.Fid] = a
	}
	touched[ev.Fid] = true
	a.apply(ev)
}
