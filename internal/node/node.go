// Package node assembles a validator or read node from its configuration
// and runs it.
package node

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/10yihang/snapnode/internal/admin"
	"github.com/10yihang/snapnode/internal/cluster"
	"github.com/10yihang/snapnode/internal/cluster/gossip"
	"github.com/10yihang/snapnode/internal/cluster/peers"
	"github.com/10yihang/snapnode/internal/cluster/state"
	"github.com/10yihang/snapnode/internal/cluster/transport"
	"github.com/10yihang/snapnode/internal/config"
	"github.com/10yihang/snapnode/internal/consensus"
	"github.com/10yihang/snapnode/internal/keys"
	"github.com/10yihang/snapnode/internal/mempool"
	"github.com/10yihang/snapnode/internal/metrics"
	"github.com/10yihang/snapnode/internal/onchain"
	"github.com/10yihang/snapnode/internal/storage"
	"github.com/10yihang/snapnode/internal/wire"
	snaperrors "github.com/10yihang/snapnode/pkg/errors"
)

// Version is reported by INFO.
const Version = "0.1.0"

const persistInterval = 30 * time.Second

// Option adjusts how New builds a node.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	transport transport.Transport
	inMemory  bool
	clock     func() time.Time
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTransport replaces the transport named by the gossip config.
func WithTransport(tr transport.Transport) Option {
	return func(o *options) { o.transport = tr }
}

// WithInMemoryStore keeps blocks and events in memory.
func WithInMemoryStore() Option {
	return func(o *options) { o.inMemory = true }
}

func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

type Node struct {
	cfg     *config.Config
	logger  *zap.Logger
	network wire.Network
	shards  *cluster.ShardSet
	signer  *keys.Signer
	peerID  []byte
	started time.Time

	store     *storage.Store
	onchain   *onchain.Log
	pool      *mempool.Mempool
	transport transport.Transport
	peers     *peers.Directory
	router    *gossip.Router
	engines   []*consensus.Engine
	coord     *cluster.Coordinator
	state     *state.StateManager
	admin     *admin.Server
	exporter  *metrics.Exporter

	restoredSeeds []string
}

// New validates cfg and builds every component. Nothing runs until Run.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	n := &Node{
		cfg:     cfg,
		logger:  o.logger,
		network: cfg.NetworkID(),
		started: o.clock(),
	}
	var err error
	if n.shards, err = cfg.ShardSet(); err != nil {
		return nil, err
	}
	if err := n.initIdentity(); err != nil {
		return nil, err
	}

	n.store, err = storage.Open(storage.Options{
		Dir:      cfg.DBPath(),
		InMemory: o.inMemory,
		Clear:    cfg.ClearDB,
		Logger:   n.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := n.build(o); err != nil {
		if n.state != nil {
			n.state.Close()
		}
		if n.transport != nil {
			n.transport.Close()
		}
		n.store.Close()
		return nil, err
	}
	return n, nil
}

// initIdentity picks the key the node signs votes with and names itself
// by. A read node without a key gets a throwaway identity.
func (n *Node) initIdentity() error {
	var err error
	if n.cfg.Key != "" {
		n.signer, err = keys.SignerFromHex(n.cfg.Key)
	} else {
		n.signer, err = keys.GenerateSigner()
	}
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}
	n.peerID = n.signer.PublicKey()
	return nil
}

func (n *Node) build(o options) error {
	cfg := n.cfg
	var err error

	n.onchain, err = onchain.New(onchain.Config{
		ConfirmationDepth: cfg.Onchain.ConfirmationDepth,
		SnapshotRetention: cfg.Onchain.SnapshotRetention,
		Store:             n.store,
		Logger:            n.logger,
	})
	if err != nil {
		return err
	}

	n.pool = mempool.New(mempool.Config{
		Network:    n.network,
		ShardCount: cfg.ShardCount,
		Capacity:   cfg.Mempool.Capacity,
		TTL:        cfg.Mempool.TTL,
		State:      n.onchain,
		Logger:     n.logger,
		Clock:      o.clock,
	})

	n.state, err = state.NewStateManager(cfg.DataDir, n.logger)
	if err != nil {
		return err
	}
	n.peers = peers.NewDirectory(n.network, n.peerID)
	n.state.SetProvider(n)
	if err := n.state.Load(); err != nil {
		return fmt.Errorf("load node state: %w", err)
	}

	if n.transport, err = n.listen(o); err != nil {
		return fmt.Errorf("listen gossip: %w", err)
	}
	advertise := cfg.AdvertiseAddress()
	if o.transport != nil {
		advertise = n.transport.Addr()
	}

	var followed []uint32
	if len(n.shards.List()) < int(cfg.ShardCount) {
		followed = n.shards.List()
	}
	seeds := slices.Clone(cfg.Gossip.Seeds)
	for _, s := range n.restoredSeeds {
		if !slices.Contains(seeds, s) {
			seeds = append(seeds, s)
		}
	}
	n.router = gossip.NewRouter(gossip.Config{
		Network: n.network,
		Self: wire.ContactInfo{
			GossipAddress: advertise,
			PeerID:        n.peerID,
			Shards:        followed,
		},
		Seeds:            seeds,
		Fanout:           cfg.Gossip.Fanout,
		DedupWindow:      cfg.Gossip.DedupWindow,
		DedupTTL:         cfg.Gossip.DedupTTL,
		AnnounceInterval: cfg.Gossip.AnnounceInterval,
		PeerMaxAge:       cfg.Gossip.PeerMaxAge,
		Logger:           n.logger,
	}, n.transport, n.peers)
	n.router.Subscribe(wire.KindMempool, n.handleMempool)

	members, err := cfg.Members()
	if err != nil {
		return err
	}
	var signer *keys.Signer
	if !cfg.ReadNode {
		signer = n.signer
	}
	for _, shard := range n.shards.List() {
		n.engines = append(n.engines, consensus.New(consensus.Config{
			Shard:               shard,
			ShardCount:          cfg.ShardCount,
			Network:             n.network,
			Members:             members,
			Signer:              signer,
			Follower:            cfg.ReadNode,
			ProposeTimeout:      cfg.Consensus.ProposeTimeout,
			PrevoteTimeout:      cfg.Consensus.PrevoteTimeout,
			PrecommitTimeout:    cfg.Consensus.PrecommitTimeout,
			MaxTimeout:          cfg.Consensus.MaxTimeout,
			BlockTime:           cfg.Consensus.BlockTime,
			StartDelay:          cfg.Consensus.StartDelay,
			MaxMessagesPerBlock: cfg.Consensus.MaxMessagesPerBlock,
			Store:               n.store,
			Pool:                n.pool,
			State:               n.onchain,
			Out:                 n.router,
			Logger:              n.logger,
			Clock:               o.clock,
		}))
	}
	n.coord = cluster.NewCoordinator(cluster.Config{
		Self:           n.peerID,
		ReadOnly:       cfg.ReadNode,
		StatusInterval: cfg.Consensus.StatusInterval,
		StatusMaxAge:   cfg.Consensus.StatusMaxAge,
		Logger:         n.logger,
	}, n.router, n.store, n.engines)

	if cfg.Admin.Address != "" {
		n.admin = admin.NewServer(cfg.Admin.Address, n, n.logger)
		if err := n.admin.Listen(); err != nil {
			return fmt.Errorf("listen admin: %w", err)
		}
	}
	if cfg.Metrics.Address != "" {
		n.exporter = metrics.NewExporter(cfg.Metrics.Address)
	}
	return nil
}

func (n *Node) listen(o options) (transport.Transport, error) {
	if o.transport != nil {
		return o.transport, nil
	}
	if n.cfg.Gossip.Transport == config.TransportQUIC {
		q, err := transport.ListenQUIC(n.cfg.Gossip.ListenAddress, n.logger)
		if err != nil {
			return nil, err
		}
		return q, nil
	}
	t, err := transport.ListenTCP(n.cfg.Gossip.ListenAddress, n.logger)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Run starts every component and blocks until ctx is done or one of them
// fails. Resources are released before it returns.
func (n *Node) Run(ctx context.Context) error {
	defer n.close()

	n.logger.Info("Starting node",
		zap.String("network", n.network.String()),
		zap.String("peer", hex.EncodeToString(n.peerID)),
		zap.String("gossip", n.transport.Addr()),
		zap.Stringer("shards", n.shards),
		zap.Bool("read_node", n.cfg.ReadNode))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.router.Run(ctx) })
	g.Go(func() error { return n.coord.Run(ctx) })
	g.Go(func() error { return n.pool.Run(ctx) })
	g.Go(func() error {
		n.persistLoop(ctx)
		return nil
	})
	if n.admin != nil {
		g.Go(func() error { return n.admin.Run(ctx) })
	}
	if n.exporter != nil {
		g.Go(func() error { return n.exporter.Run(ctx) })
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (n *Node) persistLoop(ctx context.Context) {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.state.MarkDirty()
		}
	}
}

func (n *Node) close() {
	if n.admin != nil {
		n.admin.Stop()
	}
	n.state.MarkDirty()
	if err := n.state.Close(); err != nil {
		n.logger.Warn("Saving node state failed", zap.Error(err))
	}
	if err := n.transport.Close(); err != nil {
		n.logger.Debug("Closing transport failed", zap.Error(err))
	}
	if err := n.store.Close(); err != nil {
		n.logger.Warn("Closing store failed", zap.Error(err))
	}
	n.logger.Info("Node stopped")
}

// IngestEvent feeds one L1 event into the on-chain log.
func (n *Node) IngestEvent(ev *wire.OnChainEvent) (onchain.Outcome, error) {
	out, err := n.onchain.Ingest(ev)
	if err == nil && out != onchain.Duplicate {
		n.state.MarkDirty()
	}
	return out, err
}

// AdvanceChain marks the blocks of chainID below block as final.
func (n *Node) AdvanceChain(chainID uint32, block uint64) int {
	applied := n.onchain.Advance(chainID, block)
	n.state.MarkDirty()
	return applied
}

// RollbackChain drops the events of chainID at or above block.
func (n *Node) RollbackChain(chainID uint32, block uint64) (int, error) {
	removed, err := n.onchain.Rollback(chainID, block)
	if removed > 0 {
		n.state.MarkDirty()
	}
	return removed, err
}

func (n *Node) PeerIDBytes() []byte {
	return slices.Clone(n.peerID)
}

func (n *Node) GossipAddr() string {
	return n.transport.Addr()
}

func (n *Node) AdminAddr() string {
	if n.admin == nil {
		return ""
	}
	return n.admin.Addr()
}

// Block reads a decided block from the local store.
func (n *Node) Block(ctx context.Context, shard uint32, height uint64) (*wire.CommittedBlock, error) {
	return n.store.ReadBlock(ctx, shard, height)
}

func (n *Node) Mempool() *mempool.Mempool { return n.pool }

func (n *Node) handleMempool(ctx context.Context, _ []byte, p wire.Payload) error {
	msg := p.(*wire.MempoolMessage)
	accepted := 0
	for _, m := range msg.Messages {
		adm, err := n.pool.Submit(ctx, m)
		if err != nil {
			n.logger.Debug("Rejected gossiped message", zap.Uint64("fid", m.Data.Fid), zap.Error(err))
			continue
		}
		if adm == mempool.Accepted {
			accepted++
		}
	}
	if accepted == 0 {
		return snaperrors.ErrDuplicate
	}
	return nil
}
