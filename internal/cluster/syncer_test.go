package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/10yihang/snapnode/internal/consensus"
	"github.com/10yihang/snapnode/internal/wire"
	snaperrors "github.com/10yihang/snapnode/pkg/errors"
)

type fakeApplier struct {
	mu      sync.Mutex
	height  uint64
	catchUp int
	live    int
}

func (a *fakeApplier) ApplyDecided(_ context.Context, cb *wire.CommittedBlock) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := cb.Height()
	switch {
	case h <= a.height:
		return snaperrors.ErrDuplicate
	case h != a.height+1:
		return consensus.ErrHeightGap
	}
	a.height = h
	return nil
}

func (a *fakeApplier) Status() consensus.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return consensus.Status{Height: a.height, Mode: consensus.ModeCatchUp}
}

func (a *fakeApplier) EnterCatchUp(context.Context) error {
	a.mu.Lock()
	a.catchUp++
	a.mu.Unlock()
	return nil
}

func (a *fakeApplier) EnterLive(context.Context) error {
	a.mu.Lock()
	a.live++
	a.mu.Unlock()
	return nil
}

func testSyncConfig() Config {
	cfg := Config{SyncRequestTimeout: 200 * time.Millisecond, SyncMaxWait: 100 * time.Millisecond, SyncMaxRetries: 5}
	cfg.setDefaults()
	return cfg
}

func TestSyncer_AppliesOutOfOrderBlocks(t *testing.T) {
	tracker := NewProgressTracker(time.Minute)
	tracker.Observe(&wire.StatusMessage{PeerID: []byte("peer"), Height: 250, MinHeight: 1}, time.Now())
	app := &fakeApplier{height: 10}

	var s *syncer
	requests := 0
	s = newSyncer(0, app, tracker, func(_ context.Context, peer []byte, req *wire.ReadNodeMessage) error {
		requests++
		go func() {
			for h := req.ToHeight; h >= req.FromHeight; h-- {
				s.deliver(req.RequestID, fakeBlock(0, h))
			}
		}()
		return nil
	}, testSyncConfig())

	if err := s.run(context.Background(), 250); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if app.height != 250 {
		t.Errorf("height = %d, want 250", app.height)
	}
	if requests != 3 {
		t.Errorf("requests = %d, want 3 batches of at most 100", requests)
	}
	p := s.Progress()
	if p.Status != SyncCompleted || p.Applied != 240 || p.Target != 250 {
		t.Errorf("progress = %+v", p)
	}
	if app.catchUp != 1 || app.live != 1 {
		t.Errorf("mode switches: catchUp=%d live=%d", app.catchUp, app.live)
	}
}

func TestSyncer_RetriesAnotherPeer(t *testing.T) {
	tracker := NewProgressTracker(time.Minute)
	now := time.Now()
	tracker.Observe(&wire.StatusMessage{PeerID: []byte("a"), Height: 20, MinHeight: 1}, now)
	tracker.Observe(&wire.StatusMessage{PeerID: []byte("b"), Height: 20, MinHeight: 1}, now)
	app := &fakeApplier{}

	var s *syncer
	s = newSyncer(0, app, tracker, func(_ context.Context, peer []byte, req *wire.ReadNodeMessage) error {
		if string(peer) == "a" {
			return errors.New("unreachable")
		}
		go func() {
			for h := req.FromHeight; h <= req.ToHeight; h++ {
				s.deliver(req.RequestID, fakeBlock(0, h))
			}
		}()
		return nil
	}, testSyncConfig())

	if err := s.run(context.Background(), 20); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	p := s.Progress()
	if app.height != 20 || p.Retries != 1 {
		t.Errorf("height = %d, progress = %+v", app.height, p)
	}
}

func TestSyncer_FailsWithoutPeers(t *testing.T) {
	cfg := testSyncConfig()
	cfg.SyncMaxRetries = 2
	s := newSyncer(0, &fakeApplier{}, NewProgressTracker(time.Minute), func(context.Context, []byte, *wire.ReadNodeMessage) error {
		t.Error("no request expected")
		return nil
	}, cfg)
	if err := s.run(context.Background(), 5); !errors.Is(err, errNoPeers) {
		t.Errorf("run = %v, want errNoPeers", err)
	}
	if s.Progress().Status != SyncFailed {
		t.Errorf("status = %s", s.Progress().Status)
	}
}

func TestSyncer_IgnoresUnknownRequests(t *testing.T) {
	s := newSyncer(0, &fakeApplier{}, NewProgressTracker(0), nil, testSyncConfig())
	if s.deliver(0, fakeBlock(0, 1)) || s.deliver(12345, fakeBlock(0, 1)) {
		t.Error("deliver accepted a block with no active request")
	}
}
