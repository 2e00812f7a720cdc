package consensus

import (
	"context"
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/10yihang/snapnode/internal/keys"
	"github.com/10yihang/snapnode/internal/mempool"
	"github.com/10yihang/snapnode/internal/onchain"
	"github.com/10yihang/snapnode/internal/storage"
	"github.com/10yihang/snapnode/internal/wire"
)

// bus delivers published payloads to every other running engine.
type bus struct {
	ctx     context.Context
	mu      sync.Mutex
	engines map[string]*Engine
	down    map[string]bool
}

func (b *bus) endpoint(self []byte) Broadcaster {
	return busEndpoint{b: b, self: string(self)}
}

type busEndpoint struct {
	b    *bus
	self string
}

func (ep busEndpoint) Publish(_ context.Context, p wire.Payload) error {
	ep.b.mu.Lock()
	var targets []*Engine
	if !ep.b.down[ep.self] {
		for id, e := range ep.b.engines {
			if id != ep.self && !ep.b.down[id] {
				targets = append(targets, e)
			}
		}
	}
	ep.b.mu.Unlock()

	for _, e := range targets {
		go func() {
			switch p := p.(type) {
			case *wire.FullProposal:
				_ = e.HandleProposal(ep.b.ctx, p)
			case *wire.ConsensusMessage:
				_ = e.HandleVote(ep.b.ctx, p)
			case *wire.ReadNodeMessage:
				_ = e.ApplyDecided(ep.b.ctx, p.Decided)
			}
		}()
	}
	return nil
}

type testNode struct {
	signer *keys.Signer
	store  storage.BlockStore
	log    *onchain.Log
	pool   *mempool.Mempool
	engine *Engine
	errc   chan error
}

type testNet struct {
	t       *testing.T
	bus     *bus
	cancel  context.CancelFunc
	members []Member
	nodes   []*testNode
	userKey ed25519.PrivateKey
}

// newTestNet builds n validators with fids 1..n. Fid 1 rents two storage
// units, so it weighs 3 from height 2 on. Its user key is accepted for
// messages.
func newTestNet(t *testing.T, n int, tweak func(i int, cfg *Config)) *testNet {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	_, userKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	net := &testNet{
		t:       t,
		bus:     &bus{ctx: ctx, engines: make(map[string]*Engine), down: make(map[string]bool)},
		cancel:  cancel,
		userKey: userKey,
	}

	signers := make([]*keys.Signer, n)
	for i := range signers {
		s, err := keys.GenerateSigner()
		if err != nil {
			t.Fatal(err)
		}
		signers[i] = s
		net.members = append(net.members, Member{PublicKey: s.PublicKey(), Fid: uint64(i + 1)})
	}

	for i, s := range signers {
		store, err := storage.OpenInMemory()
		if err != nil {
			t.Fatal(err)
		}
		l, err := onchain.New(onchain.Config{})
		if err != nil {
			t.Fatal(err)
		}
		net.seedAccounts(l)
		pool := mempool.New(mempool.Config{Network: wire.NetworkDevnet, ShardCount: 1, State: l})
		cfg := Config{
			Shard:            0,
			ShardCount:       1,
			Network:          wire.NetworkDevnet,
			Members:          net.members,
			Signer:           s,
			ProposeTimeout:   300 * time.Millisecond,
			PrevoteTimeout:   150 * time.Millisecond,
			PrecommitTimeout: 150 * time.Millisecond,
			MaxTimeout:       2 * time.Second,
			BlockTime:        10 * time.Millisecond,
			Store:            store,
			Pool:             pool,
			State:            l,
			Out:              net.bus.endpoint(s.PublicKey()),
		}
		if tweak != nil {
			tweak(i, &cfg)
		}
		node := &testNode{signer: s, store: cfg.Store, log: l, pool: pool, engine: New(cfg)}
		net.nodes = append(net.nodes, node)
		net.bus.engines[string(s.PublicKey())] = node.engine
	}
	t.Cleanup(func() {
		cancel()
		for _, node := range net.nodes {
			if node.errc != nil {
				select {
				case <-node.errc:
				case <-time.After(5 * time.Second):
					t.Error("engine did not stop")
				}
			}
			_ = node.store.Close()
		}
	})
	return net
}

func (net *testNet) seedAccounts(l *onchain.Log) {
	net.t.Helper()
	expiry := uint64(time.Now().Add(time.Hour).Unix())
	events := []struct {
		typ  wire.EventType
		body wire.EventBody
	}{
		{wire.EventTypeIdRegister, &wire.IdRegisterEventBody{To: []byte("custody"), EventType: wire.IdRegisterRegister}},
		{wire.EventTypeSigner, &wire.SignerEventBody{Key: net.userKey.Public().(ed25519.PublicKey), EventType: wire.SignerEventAdd}},
		{wire.EventTypeStorageRent, &wire.StorageRentEventBody{Units: 2, Expiry: expiry}},
	}
	for i, ev := range events {
		_, err := l.Ingest(&wire.OnChainEvent{
			Type:           ev.typ,
			ChainID:        wire.ChainOptimism,
			BlockNumber:    uint64(100 + i),
			BlockHash:      wire.Sum([]byte{byte(i)}),
			BlockTimestamp: uint64(time.Now().Unix()),
			TxHash:         wire.Sum([]byte{byte(i), 1}),
			Fid:            1,
			Body:           ev.body,
		})
		if err != nil {
			net.t.Fatal(err)
		}
	}
}

// start runs every node except the ones listed as down.
func (net *testNet) start(down ...int) {
	for _, i := range down {
		net.bus.down[string(net.nodes[i].signer.PublicKey())] = true
	}
	skip := make(map[int]bool)
	for _, i := range down {
		skip[i] = true
	}
	for i, node := range net.nodes {
		if skip[i] {
			continue
		}
		node.errc = make(chan error, 1)
		go func() {
			node.errc <- node.engine.Run(net.bus.ctx)
		}()
	}
}

func (net *testNet) message(body string) *wire.Message {
	m := &wire.Message{Data: wire.MessageData{
		Type:      wire.MessageTypeCastAdd,
		Fid:       1,
		Timestamp: wire.ToFarcasterTime(time.Now()),
		Network:   wire.NetworkDevnet,
		Body:      []byte(body),
	}}
	keys.SignMessage(net.userKey, m)
	return m
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
