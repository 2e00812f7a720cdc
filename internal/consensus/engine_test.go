package consensus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/10yihang/snapnode/internal/keys"
	"github.com/10yihang/snapnode/internal/storage"
	"github.com/10yihang/snapnode/internal/wire"
	snaperrors "github.com/10yihang/snapnode/pkg/errors"
)

func TestEngine_CommitsIdenticalBlocks(t *testing.T) {
	net := newTestNet(t, 4, nil)
	msg := net.message("hello")
	for _, node := range net.nodes {
		if _, err := node.pool.Submit(context.Background(), msg); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	net.start()

	waitFor(t, 20*time.Second, "height 5 on every node", func() bool {
		for _, node := range net.nodes {
			if node.engine.Status().Height < 5 {
				return false
			}
		}
		return true
	})

	ctx := context.Background()
	included := false
	for h := uint64(1); h <= 5; h++ {
		want, err := net.nodes[0].store.ReadBlock(ctx, 0, h)
		if err != nil {
			t.Fatalf("ReadBlock(%d) failed: %v", h, err)
		}
		for i, node := range net.nodes[1:] {
			got, err := node.store.ReadBlock(ctx, 0, h)
			if err != nil {
				t.Fatalf("node %d ReadBlock(%d) failed: %v", i+1, h, err)
			}
			if got.Block.Hash != want.Block.Hash {
				t.Fatalf("height %d: node %d has %s, node 0 has %s", h, i+1, got.Block.Hash.Short(), want.Block.Hash.Short())
			}
		}
		for _, m := range want.Block.Messages {
			if m.Hash == msg.Hash {
				included = true
			}
		}
	}
	if !included {
		t.Error("submitted message was not included in heights 1..5")
	}
	waitFor(t, 5*time.Second, "committed message removed from pools", func() bool {
		for _, node := range net.nodes {
			if node.pool.Contains(msg.Hash) {
				return false
			}
		}
		return true
	})

	first, _ := net.nodes[0].store.ReadBlock(ctx, 0, 1)
	if first.Block.Header.ParentHash != wire.ZeroHash {
		t.Error("height 1 should have a zero parent")
	}
	for _, v := range first.Block.NextValidators {
		want := uint64(1)
		if v.Fid == 1 {
			want = 3
		}
		if v.Weight != want {
			t.Errorf("fid %d weight = %d, want %d", v.Fid, v.Weight, want)
		}
	}
}

func TestEngine_CertificatesVerify(t *testing.T) {
	net := newTestNet(t, 4, nil)
	net.start()
	waitFor(t, 20*time.Second, "height 3 on node 0", func() bool {
		return net.nodes[0].engine.Status().Height >= 3
	})

	ctx := context.Background()
	vals := GenesisSet(net.members)
	for h := uint64(1); h <= 3; h++ {
		cb, err := net.nodes[0].store.ReadBlock(ctx, 0, h)
		if err != nil {
			t.Fatal(err)
		}
		if err := VerifyCommit(vals, keys.Secp256k1Verifier{}, 0, cb); err != nil {
			t.Fatalf("height %d: %v", h, err)
		}
		vals = NewValidatorSet(cb.Block.NextValidators)
	}
}

func TestEngine_LiveWithOneValidatorDown(t *testing.T) {
	net := newTestNet(t, 4, nil)
	net.start(3)

	waitFor(t, 30*time.Second, "height 3 on the live nodes", func() bool {
		for _, node := range net.nodes[:3] {
			if node.engine.Status().Height < 3 {
				return false
			}
		}
		return true
	})
	if h := net.nodes[3].engine.Status().Height; h != 0 {
		t.Errorf("stopped node height = %d", h)
	}
}

type failingStore struct {
	storage.BlockStore
	failAt uint64
}

func (s *failingStore) AppendBlock(ctx context.Context, cb *wire.CommittedBlock) error {
	if cb.Height() >= s.failAt {
		return fmt.Errorf("%w: disk full", snaperrors.ErrStorageWriteFailure)
	}
	return s.BlockStore.AppendBlock(ctx, cb)
}

func TestEngine_HaltsOnStorageFailure(t *testing.T) {
	net := newTestNet(t, 4, func(i int, cfg *Config) {
		if i == 3 {
			cfg.Store = &failingStore{BlockStore: cfg.Store, failAt: 2}
		}
	})
	net.start()

	var err error
	select {
	case err = <-net.nodes[3].errc:
		net.nodes[3].errc = nil
	case <-time.After(20 * time.Second):
		t.Fatal("engine did not halt")
	}
	var halt *HaltError
	if !errors.As(err, &halt) {
		t.Fatalf("Run returned %v, want *HaltError", err)
	}
	if halt.Height != 2 || !errors.Is(err, snaperrors.ErrStorageWriteFailure) {
		t.Errorf("halt = %+v", halt)
	}
	engine := net.nodes[3].engine
	if engine.Mode() != ModeHalted || engine.Status().Height != 1 {
		t.Errorf("status = %+v", engine.Status())
	}
	if err := engine.HandleVote(context.Background(), &wire.ConsensusMessage{}); !errors.As(err, &halt) {
		t.Errorf("HandleVote after halt = %v", err)
	}

	waitFor(t, 30*time.Second, "others to pass the halted height", func() bool {
		for _, node := range net.nodes[:3] {
			if node.engine.Status().Height < 3 {
				return false
			}
		}
		return true
	})
}

func TestEngine_ApplyDecided(t *testing.T) {
	net := newTestNet(t, 4, nil)
	net.start()
	waitFor(t, 20*time.Second, "height 3 on node 0", func() bool {
		return net.nodes[0].engine.Status().Height >= 3
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, err := storage.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	follower := New(Config{
		Shard:      0,
		ShardCount: 1,
		Network:    wire.NetworkDevnet,
		Members:    net.members,
		CatchUp:    true,
		Store:      store,
		State:      net.nodes[0].log,
	})
	errc := make(chan error, 1)
	go func() { errc <- follower.Run(ctx) }()
	defer func() {
		cancel()
		<-errc
	}()

	read := func(h uint64) *wire.CommittedBlock {
		cb, err := net.nodes[0].store.ReadBlock(context.Background(), 0, h)
		if err != nil {
			t.Fatal(err)
		}
		return cb
	}

	if err := follower.ApplyDecided(ctx, read(2)); !errors.Is(err, ErrHeightGap) {
		t.Errorf("apply height 2 first = %v, want ErrHeightGap", err)
	}

	forged := *read(1)
	commits := *forged.Commits
	commits.Signatures = commits.Signatures[:1]
	forged.Commits = &commits
	if err := follower.ApplyDecided(ctx, &forged); !errors.Is(err, snaperrors.ErrInvalidCertificate) {
		t.Errorf("apply forged = %v, want ErrInvalidCertificate", err)
	}

	for h := uint64(1); h <= 3; h++ {
		if err := follower.ApplyDecided(ctx, read(h)); err != nil {
			t.Fatalf("apply height %d: %v", h, err)
		}
	}
	if err := follower.ApplyDecided(ctx, read(2)); !errors.Is(err, snaperrors.ErrDuplicate) {
		t.Errorf("reapply = %v, want ErrDuplicate", err)
	}
	st := follower.Status()
	if st.Height != 3 || st.Mode != ModeCatchUp {
		t.Errorf("status = %+v", st)
	}
	if latest, _ := store.LatestHeight(0); latest != 3 {
		t.Errorf("follower store height = %d", latest)
	}
}

func TestEngine_FollowerStaysInCatchUp(t *testing.T) {
	net := newTestNet(t, 4, nil)
	net.start()
	waitFor(t, 20*time.Second, "height 1 on node 0", func() bool {
		return net.nodes[0].engine.Status().Height >= 1
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, err := storage.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	follower := New(Config{
		Shard:      0,
		ShardCount: 1,
		Network:    wire.NetworkDevnet,
		Members:    net.members,
		Follower:   true,
		Store:      store,
		State:      net.nodes[0].log,
	})
	if follower.Mode() != ModeCatchUp {
		t.Fatalf("initial mode = %s", follower.Mode())
	}
	errc := make(chan error, 1)
	go func() { errc <- follower.Run(ctx) }()
	defer func() {
		cancel()
		<-errc
	}()

	if err := follower.EnterLive(ctx); err != nil {
		t.Fatal(err)
	}
	cb, err := net.nodes[0].store.ReadBlock(context.Background(), 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	// Events are handled in order, so the mode change has been seen.
	if err := follower.ApplyDecided(ctx, cb); err != nil {
		t.Fatalf("apply height 1: %v", err)
	}
	if st := follower.Status(); st.Mode != ModeCatchUp || st.Height != 1 {
		t.Errorf("status = %+v, want catch-up at height 1", st)
	}
}

func TestEngine_ValidateRejectsBadBlocks(t *testing.T) {
	net := newTestNet(t, 4, nil)
	e := net.nodes[0].engine
	if err := e.load(context.Background()); err != nil {
		t.Fatal(err)
	}
	now := time.Now()

	tests := []struct {
		name   string
		mutate func(b *wire.Block)
	}{
		{"wrong parent", func(b *wire.Block) { b.Header.ParentHash = wire.Sum([]byte("elsewhere")) }},
		{"unknown snapshot", func(b *wire.Block) { b.Header.SnapshotDigest = wire.Sum([]byte("missing")) }},
		{"future timestamp", func(b *wire.Block) { b.Header.Timestamp = now.Add(time.Hour).UnixMilli() }},
		{"wrong weights", func(b *wire.Block) { b.NextValidators[0].Weight += 5 }},
		{"foreign proposer", func(b *wire.Block) { b.Header.Proposer = []byte("nobody") }},
		{"unsigned message", func(b *wire.Block) {
			m := net.message("bad")
			m.Signature = nil
			b.Messages = append(b.Messages, m)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := e.buildBlock(now)
			if err := e.validate(b); err != nil {
				t.Fatalf("fresh block rejected: %v", err)
			}
			tt.mutate(b)
			b.Seal()
			if err := e.validate(b); !errors.Is(err, snaperrors.ErrInvalidProposal) {
				t.Errorf("validate = %v, want ErrInvalidProposal", err)
			}
		})
	}
	e.releaseReservations()
}

func TestEngine_TimeoutBackoff(t *testing.T) {
	e := New(Config{ProposeTimeout: 100 * time.Millisecond, MaxTimeout: time.Second})
	if d := e.timeoutFor(stepPropose, 0); d != 100*time.Millisecond {
		t.Errorf("round 0 = %v", d)
	}
	if d := e.timeoutFor(stepPropose, 2); d != 400*time.Millisecond {
		t.Errorf("round 2 = %v", d)
	}
	if d := e.timeoutFor(stepPropose, 40); d != time.Second {
		t.Errorf("round 40 = %v, want cap", d)
	}
}
