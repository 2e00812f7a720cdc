package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/10yihang/snapnode/internal/cluster/gossip"
	"github.com/10yihang/snapnode/internal/consensus"
	"github.com/10yihang/snapnode/internal/storage"
	"github.com/10yihang/snapnode/internal/wire"
	snaperrors "github.com/10yihang/snapnode/pkg/errors"
)

type sentPayload struct {
	peer []byte
	p    wire.Payload
}

type fakeRouter struct {
	mu        sync.Mutex
	handlers  map[wire.Kind]gossip.Handler
	published []wire.Payload
	sent      []sentPayload
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{handlers: make(map[wire.Kind]gossip.Handler)}
}

func (r *fakeRouter) Publish(_ context.Context, p wire.Payload) error {
	r.mu.Lock()
	r.published = append(r.published, p)
	r.mu.Unlock()
	return nil
}

func (r *fakeRouter) SendTo(_ context.Context, peer []byte, p wire.Payload) error {
	r.mu.Lock()
	r.sent = append(r.sent, sentPayload{peer: peer, p: p})
	r.mu.Unlock()
	return nil
}

func (r *fakeRouter) Subscribe(kind wire.Kind, h gossip.Handler) {
	r.handlers[kind] = h
}

func (r *fakeRouter) deliver(t *testing.T, from []byte, p wire.Payload) error {
	t.Helper()
	h, ok := r.handlers[p.Kind()]
	if !ok {
		t.Fatalf("no handler for %s", p.Kind())
	}
	return h(context.Background(), from, p)
}

func (r *fakeRouter) sentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func fakeBlock(shard uint32, h uint64) *wire.CommittedBlock {
	b := &wire.Block{Header: wire.Header{Shard: shard, Height: h, Timestamp: int64(h)}}
	b.Seal()
	return &wire.CommittedBlock{Block: b, Commits: &wire.Commits{Shard: shard, Height: h, BlockHash: b.Hash}}
}

func newTestCoordinator(t *testing.T, blocks uint64) (*Coordinator, *fakeRouter, storage.BlockStore) {
	t.Helper()
	store, err := storage.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	for h := uint64(1); h <= blocks; h++ {
		if err := store.AppendBlock(context.Background(), fakeBlock(0, h)); err != nil {
			t.Fatal(err)
		}
	}
	router := newFakeRouter()
	engine := consensus.New(consensus.Config{Shard: 0, Store: store})
	c := NewCoordinator(Config{Self: []byte("self")}, router, store, []*consensus.Engine{engine})
	return c, router, store
}

func TestCoordinator_RoutesByShard(t *testing.T) {
	c, router, _ := newTestCoordinator(t, 0)
	if got := c.Shards(); len(got) != 1 || got[0] != 0 {
		t.Fatalf("Shards() = %v", got)
	}

	vote := &wire.ConsensusMessage{Vote: wire.Vote{Type: wire.VotePrevote, Shard: 0, Height: 1}}
	if err := router.deliver(t, []byte("peer"), vote); err != nil {
		t.Errorf("vote for shard 0: %v", err)
	}
	other := &wire.ConsensusMessage{Vote: wire.Vote{Type: wire.VotePrevote, Shard: 5, Height: 1}}
	if err := router.deliver(t, []byte("peer"), other); !errors.Is(err, snaperrors.ErrUnknownShard) {
		t.Errorf("vote for shard 5 = %v, want ErrUnknownShard", err)
	}
	proposal := &wire.FullProposal{Shard: 3}
	if err := router.deliver(t, []byte("peer"), proposal); !errors.Is(err, snaperrors.ErrUnknownShard) {
		t.Errorf("proposal for shard 3 = %v, want ErrUnknownShard", err)
	}
}

func TestCoordinator_ServesReadRequests(t *testing.T) {
	c, router, _ := newTestCoordinator(t, 6)
	req := &wire.ReadNodeMessage{Shard: 0, FromHeight: 2, ToHeight: 9, RequestID: 77}
	if err := router.deliver(t, []byte("asker"), req); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for router.sentCount() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	c.wg.Wait()

	router.mu.Lock()
	defer router.mu.Unlock()
	if len(router.sent) != 5 {
		t.Fatalf("sent %d blocks, want heights 2..6", len(router.sent))
	}
	for i, s := range router.sent {
		resp := s.p.(*wire.ReadNodeMessage)
		if string(s.peer) != "asker" || resp.RequestID != 77 || resp.Decided.Height() != uint64(i+2) {
			t.Errorf("response %d = peer %q id %d height %d", i, s.peer, resp.RequestID, resp.Decided.Height())
		}
	}
}

func TestCoordinator_RejectsBadReadRequests(t *testing.T) {
	_, router, _ := newTestCoordinator(t, 1)
	for _, req := range []*wire.ReadNodeMessage{
		{Shard: 0, FromHeight: 1, ToHeight: 1},
		{Shard: 0, FromHeight: 0, ToHeight: 1, RequestID: 1},
		{Shard: 0, FromHeight: 5, ToHeight: 2, RequestID: 1},
	} {
		if err := router.deliver(t, []byte("asker"), req); !errors.Is(err, snaperrors.ErrInvalidMessage) {
			t.Errorf("request %+v = %v", req, err)
		}
	}
}

func TestCoordinator_StatusCarriesSendTime(t *testing.T) {
	c, router, _ := newTestCoordinator(t, 0)
	c.publishStatus(context.Background())
	time.Sleep(5 * time.Millisecond)
	c.publishStatus(context.Background())

	router.mu.Lock()
	defer router.mu.Unlock()
	if len(router.published) != 2 {
		t.Fatalf("published %d", len(router.published))
	}
	first := router.published[0].(*wire.StatusMessage)
	second := router.published[1].(*wire.StatusMessage)
	if first.Timestamp == 0 || second.Timestamp <= first.Timestamp {
		t.Errorf("timestamps %d then %d, want increasing", first.Timestamp, second.Timestamp)
	}

	ids := make(map[wire.FrameID]bool)
	for _, st := range []*wire.StatusMessage{first, second} {
		f, err := wire.NewFrame(&wire.GossipMessage{Network: wire.NetworkDevnet, Sender: st.PeerID, Payload: st})
		if err != nil {
			t.Fatal(err)
		}
		ids[f.ID()] = true
	}
	if len(ids) != 2 {
		t.Error("repeated status at the same height maps to one frame")
	}
}

func TestCoordinator_PublishesStatus(t *testing.T) {
	c, router, _ := newTestCoordinator(t, 0)
	c.publishStatus(context.Background())
	router.mu.Lock()
	defer router.mu.Unlock()
	if len(router.published) != 1 {
		t.Fatalf("published %d", len(router.published))
	}
	st := router.published[0].(*wire.StatusMessage)
	if string(st.PeerID) != "self" || st.Shard != 0 || st.MinHeight != 0 {
		t.Errorf("status = %+v", st)
	}

	if err := router.deliver(t, []byte("peer"), &wire.StatusMessage{PeerID: []byte("peer"), Shard: 0, Height: 42}); err != nil {
		t.Fatal(err)
	}
	if best, ok := c.Tracker().Best(0, time.Now()); !ok || best.Height != 42 {
		t.Errorf("Best = %+v, %v", best, ok)
	}
}
