package onchain

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/10yihang/snapnode/internal/storage"
	"github.com/10yihang/snapnode/internal/wire"
	snaperrors "github.com/10yihang/snapnode/pkg/errors"
)

var (
	custody  = []byte("custody-0xabc")
	signerA  = []byte("signer-key-a")
	signerB  = []byte("signer-key-b")
	baseTime = uint64(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Unix())
)

func blockHash(chain uint32, number uint64) wire.Hash {
	return wire.Sum([]byte{byte(chain), byte(chain >> 8), byte(number), byte(number >> 8), byte(number >> 16)})
}

func event(typ wire.EventType, fid, block uint64, logIndex uint32, body wire.EventBody) *wire.OnChainEvent {
	return &wire.OnChainEvent{
		Type:           typ,
		ChainID:        wire.ChainOptimism,
		BlockNumber:    block,
		BlockHash:      blockHash(wire.ChainOptimism, block),
		BlockTimestamp: baseTime + block*2,
		TxHash:         wire.Sum([]byte{byte(block), byte(logIndex), byte(typ)}),
		LogIndex:       logIndex,
		Fid:            fid,
		Body:           body,
	}
}

func register(fid, block uint64) *wire.OnChainEvent {
	return event(wire.EventTypeIdRegister, fid, block, 0, &wire.IdRegisterEventBody{
		To:        custody,
		EventType: wire.IdRegisterRegister,
	})
}

func addSigner(fid, block uint64, key []byte) *wire.OnChainEvent {
	return event(wire.EventTypeSigner, fid, block, 1, &wire.SignerEventBody{
		Key:       key,
		KeyType:   1,
		EventType: wire.SignerEventAdd,
	})
}

func rent(fid, block uint64, units uint32, expiry uint64) *wire.OnChainEvent {
	return event(wire.EventTypeStorageRent, fid, block, 2, &wire.StorageRentEventBody{Units: units, Expiry: expiry})
}

func newTestLog(t *testing.T, cfg Config) *Log {
	t.Helper()
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return l
}

func mustIngest(t *testing.T, l *Log, ev *wire.OnChainEvent) Outcome {
	t.Helper()
	out, err := l.Ingest(ev)
	if err != nil {
		t.Fatalf("Ingest(%s) failed: %v", ev.OrderKey(), err)
	}
	return out
}

func TestLog_IngestIsIdempotent(t *testing.T) {
	l := newTestLog(t, Config{})

	ev := register(42, 100)
	if out := mustIngest(t, l, ev); out != Applied {
		t.Fatalf("first ingest = %s, want applied", out)
	}
	digest := l.Latest().Digest()
	version := l.Latest().Version()

	if out := mustIngest(t, l, ev); out != Duplicate {
		t.Errorf("second ingest = %s, want duplicate", out)
	}
	if l.Latest().Digest() != digest || l.Latest().Version() != version {
		t.Error("duplicate ingest must not change state")
	}
}

func TestLog_LateRegisterAuthorizesSigner(t *testing.T) {
	l := newTestLog(t, Config{})

	// The signer add carries a higher order key but arrives first.
	mustIngest(t, l, addSigner(42, 101, signerA))
	if err := l.Latest().Authorize(42, signerA); !errors.Is(err, snaperrors.ErrUnauthorized) {
		t.Fatalf("signer of unregistered fid should be unauthorized, got %v", err)
	}

	if out := mustIngest(t, l, register(42, 100)); out != Replayed {
		t.Errorf("late register = %s, want replayed", out)
	}

	acct, ok := l.Snapshot(42)
	if !ok {
		t.Fatal("fid 42 missing")
	}
	if !acct.IsActiveSigner(signerA) {
		t.Fatal("signer should be active")
	}
	if !bytes.Equal(acct.Signers[string(signerA)].Custody, custody) {
		t.Errorf("signer custody = %q, want %q", acct.Signers[string(signerA)].Custody, custody)
	}
	if err := l.Latest().Authorize(42, signerA); err != nil {
		t.Errorf("Authorize failed: %v", err)
	}
}

func TestLog_ArrivalOrderDoesNotMatter(t *testing.T) {
	events := []*wire.OnChainEvent{
		register(7, 10),
		addSigner(7, 11, signerA),
		rent(7, 12, 2, 0),
		addSigner(7, 13, signerB),
		event(wire.EventTypeSigner, 7, 14, 0, &wire.SignerEventBody{Key: signerA, EventType: wire.SignerEventRemove}),
	}
	forward := newTestLog(t, Config{})
	backward := newTestLog(t, Config{})
	for i := range events {
		mustIngest(t, forward, events[i])
		mustIngest(t, backward, events[len(events)-1-i])
	}

	if forward.Latest().Digest() != backward.Latest().Digest() {
		t.Fatal("digests differ for the same event set")
	}
	for _, l := range []*Log{forward, backward} {
		acct, _ := l.Snapshot(7)
		if acct.IsActiveSigner(signerA) || !acct.IsActiveSigner(signerB) {
			t.Errorf("unexpected signers: %v", acct.SignerKeys())
		}
	}
}

func TestLog_BuffersUntilFinal(t *testing.T) {
	l := newTestLog(t, Config{ConfirmationDepth: 3})

	if out := mustIngest(t, l, register(5, 100)); out != Buffered {
		t.Fatalf("ingest = %s, want buffered", out)
	}
	if _, ok := l.Snapshot(5); ok {
		t.Fatal("buffered event must not be visible")
	}

	// Highest seen block 103 puts the watermark at 100: block 100 is not
	// strictly below it yet.
	mustIngest(t, l, rent(9, 103, 1, 0))
	if l.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", l.Pending())
	}

	mustIngest(t, l, rent(9, 104, 1, 0))
	if _, ok := l.Snapshot(5); !ok {
		t.Fatal("block 100 should be final once block 104 is seen")
	}

	if n := l.Advance(wire.ChainOptimism, 200); n != 2 {
		t.Errorf("Advance applied %d, want 2", n)
	}
	if l.Pending() != 0 {
		t.Errorf("pending = %d after advance", l.Pending())
	}
}

func TestLog_Rollback(t *testing.T) {
	l := newTestLog(t, Config{})
	mustIngest(t, l, register(3, 50))
	signer := addSigner(3, 60, signerA)
	mustIngest(t, l, signer)
	before := l.Latest()

	n, err := l.Rollback(wire.ChainOptimism, 55)
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if n != 1 {
		t.Errorf("rolled back %d events, want 1", n)
	}
	acct, _ := l.Snapshot(3)
	if acct.IsActiveSigner(signerA) {
		t.Error("rolled back signer still active")
	}
	if !acct.Registered {
		t.Error("register below the rollback point must survive")
	}

	// Snapshots handed out earlier are not affected.
	old, _ := before.Account(3)
	if !old.IsActiveSigner(signerA) {
		t.Error("earlier snapshot changed")
	}

	// A rolled back identity can be ingested again.
	if out := mustIngest(t, l, signer); out == Duplicate {
		t.Error("identity should be forgotten after rollback")
	}
}

func TestLog_ReorgReplacesBlock(t *testing.T) {
	l := newTestLog(t, Config{})
	mustIngest(t, l, register(8, 70))
	orphan := addSigner(8, 71, signerA)
	mustIngest(t, l, orphan)

	canonical := addSigner(8, 71, signerB)
	canonical.BlockHash = wire.Sum([]byte("canonical-71"))
	if out := mustIngest(t, l, canonical); out != Replayed {
		t.Errorf("reorg ingest = %s, want replayed", out)
	}

	acct, _ := l.Snapshot(8)
	if acct.IsActiveSigner(signerA) {
		t.Error("signer from orphaned block should be gone")
	}
	if !acct.IsActiveSigner(signerB) {
		t.Error("signer from canonical block should be active")
	}
}

func TestLog_SignerMigrated(t *testing.T) {
	l := newTestLog(t, Config{})
	mustIngest(t, l, register(4, 10))
	mustIngest(t, l, addSigner(4, 11, signerA))

	global := event(wire.EventTypeSignerMigrated, 0, 12, 0, &wire.SignerMigratedEventBody{MigratedAt: 1234})
	mustIngest(t, l, global)
	if l.Latest().MigratedAt() != 1234 {
		t.Errorf("MigratedAt = %d", l.Latest().MigratedAt())
	}
	if acct, _ := l.Snapshot(4); !acct.IsActiveSigner(signerA) {
		t.Error("global migration must not clear signers")
	}

	reset := event(wire.EventTypeSignerMigrated, 4, 13, 0, &wire.SignerMigratedEventBody{})
	mustIngest(t, l, reset)
	if acct, _ := l.Snapshot(4); len(acct.Signers) != 0 {
		t.Errorf("signers not cleared: %v", acct.SignerKeys())
	}
}

func TestLog_StorageAndWeight(t *testing.T) {
	l := newTestLog(t, Config{})
	mustIngest(t, l, register(11, 10))
	explicit := baseTime + 1000
	mustIngest(t, l, rent(11, 20, 2, explicit))
	mustIngest(t, l, event(wire.EventTypeTierPurchase, 11, 21, 0, &wire.TierPurchaseBody{TierType: wire.TierPro, ForDays: 30}))

	snap := l.Latest()
	before := time.Unix(int64(explicit)-1, 0)
	after := time.Unix(int64(explicit), 0)
	if err := snap.CheckStorage(11, before); err != nil {
		t.Errorf("storage should be available before expiry: %v", err)
	}
	if err := snap.CheckStorage(11, after); !errors.Is(err, snaperrors.ErrStorageExhausted) {
		t.Errorf("expected ErrStorageExhausted, got %v", err)
	}
	if w := snap.Weight(11, before); w != 1+2+TierWeightBonus {
		t.Errorf("weight = %d", w)
	}
	if w := snap.Weight(999, before); w != 1 {
		t.Errorf("unknown fid weight = %d", w)
	}

	mustIngest(t, l, rent(11, 30, 1, 0))
	acct, _ := l.Snapshot(11)
	want := baseTime + 60 + uint64(wire.StorageRentDuration/time.Second)
	if acct.Rents[1].Expiry != want {
		t.Errorf("default expiry = %d, want %d", acct.Rents[1].Expiry, want)
	}
}

func TestLog_SnapshotByDigest(t *testing.T) {
	l := newTestLog(t, Config{SnapshotRetention: 2})
	genesis := l.Latest().Digest()
	if _, ok := l.SnapshotByDigest(genesis); !ok {
		t.Fatal("genesis snapshot should be retained")
	}

	mustIngest(t, l, register(1, 1))
	first := l.Latest().Digest()
	mustIngest(t, l, register(2, 2))
	mustIngest(t, l, register(3, 3))

	if _, ok := l.SnapshotByDigest(first); ok {
		t.Error("snapshot outside retention should be dropped")
	}
	s, ok := l.SnapshotByDigest(l.Latest().Digest())
	if !ok || s.Len() != 3 {
		t.Error("latest snapshot should be reachable by digest")
	}

	var fids []uint64
	for fid := range l.SnapshotAll() {
		fids = append(fids, fid)
	}
	if len(fids) != 3 || fids[0] != 1 || fids[2] != 3 {
		t.Errorf("SnapshotAll order = %v", fids)
	}
}

func TestLog_RestoresFromStore(t *testing.T) {
	store, err := storage.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	l := newTestLog(t, Config{Store: store})
	mustIngest(t, l, register(42, 100))
	mustIngest(t, l, addSigner(42, 101, signerA))
	mustIngest(t, l, addSigner(42, 102, signerB))
	if _, err := l.Rollback(wire.ChainOptimism, 102); err != nil {
		t.Fatal(err)
	}
	digest := l.Latest().Digest()

	restored := newTestLog(t, Config{Store: store})
	if restored.Latest().Digest() != digest {
		t.Error("restored digest differs")
	}
	acct, _ := restored.Snapshot(42)
	if !acct.IsActiveSigner(signerA) || acct.IsActiveSigner(signerB) {
		t.Errorf("unexpected restored signers: %v", acct.SignerKeys())
	}
}

// flakyEvents fails DeleteEvents while down is set.
type flakyEvents struct {
	*storage.Store
	down bool
}

func (s *flakyEvents) DeleteEvents(chainID uint32, fromBlock uint64) (int, error) {
	if s.down {
		return 0, errors.New("disk unavailable")
	}
	return s.Store.DeleteEvents(chainID, fromBlock)
}

func TestLog_FailedRollbackKeepsState(t *testing.T) {
	base, err := storage.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer base.Close()
	store := &flakyEvents{Store: base}

	l := newTestLog(t, Config{Store: store})
	mustIngest(t, l, register(5, 80))
	mustIngest(t, l, addSigner(5, 81, signerA))
	digest := l.Latest().Digest()

	store.down = true
	if n, err := l.Rollback(wire.ChainOptimism, 81); err == nil || n != 0 {
		t.Fatalf("Rollback = %d, %v; want an error and nothing removed", n, err)
	}
	canonical := addSigner(5, 81, signerB)
	canonical.BlockHash = wire.Sum([]byte("canonical-81"))
	if _, err := l.Ingest(canonical); !errors.Is(err, snaperrors.ErrReorgDetected) {
		t.Fatalf("reorg ingest = %v, want ErrReorgDetected", err)
	}
	if l.Latest().Digest() != digest {
		t.Error("state changed although the store kept the events")
	}
	if acct, _ := l.Snapshot(5); !acct.IsActiveSigner(signerA) {
		t.Error("signer A lost after failed rollback")
	}

	store.down = false
	if out := mustIngest(t, l, canonical); out != Replayed {
		t.Errorf("reorg ingest = %s, want replayed", out)
	}
	restored := newTestLog(t, Config{Store: store})
	acct, _ := restored.Snapshot(5)
	if acct.IsActiveSigner(signerA) || !acct.IsActiveSigner(signerB) {
		t.Errorf("restored signers = %v, want only signer B", acct.SignerKeys())
	}
}

func TestLog_RejectsInvalidEvent(t *testing.T) {
	l := newTestLog(t, Config{})
	bad := event(wire.EventTypeSigner, 1, 1, 0, &wire.StorageRentEventBody{})
	if _, err := l.Ingest(bad); !errors.Is(err, snaperrors.ErrInvalidEvent) {
		t.Errorf("expected ErrInvalidEvent, got %v", err)
	}
}
