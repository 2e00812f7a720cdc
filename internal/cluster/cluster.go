// Package cluster coordinates the shards a node runs: it routes consensus
// traffic to the per-shard engines, advertises progress, serves decided
// blocks to peers and catches lagging shards up.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/10yihang/snapnode/internal/cluster/gossip"
	"github.com/10yihang/snapnode/internal/consensus"
	"github.com/10yihang/snapnode/internal/storage"
	"github.com/10yihang/snapnode/internal/wire"
	snaperrors "github.com/10yihang/snapnode/pkg/errors"
)

const (
	DefaultStatusInterval     = 5 * time.Second
	DefaultStatusMaxAge       = time.Minute
	DefaultCatchUpThreshold   = 2
	DefaultSyncBatchSize      = 100
	DefaultSyncBufferSize     = 100
	DefaultSyncRequestTimeout = 5 * time.Second
	DefaultSyncMaxWait        = 5 * time.Second
	DefaultSyncMaxRetries     = 10
	DefaultMaxServeBlocks     = 500
	DefaultMaxConcurrentServe = 4
)

// Router is the gossip surface the coordinator uses.
type Router interface {
	Publish(ctx context.Context, p wire.Payload) error
	SendTo(ctx context.Context, peerID []byte, p wire.Payload) error
	Subscribe(kind wire.Kind, h gossip.Handler)
}

type Config struct {
	Self     []byte
	ReadOnly bool

	StatusInterval time.Duration
	StatusMaxAge   time.Duration
	// CatchUpThreshold is how far a peer must be ahead before the shard
	// stops voting and syncs.
	CatchUpThreshold   uint64
	SyncBatchSize      uint64
	SyncBufferSize     int
	SyncRequestTimeout time.Duration
	SyncMaxWait        time.Duration
	SyncMaxRetries     int
	MaxServeBlocks     uint64
	MaxConcurrentServe int64

	Logger *zap.Logger
}

func (c *Config) setDefaults() {
	if c.StatusInterval <= 0 {
		c.StatusInterval = DefaultStatusInterval
	}
	if c.StatusMaxAge <= 0 {
		c.StatusMaxAge = DefaultStatusMaxAge
	}
	if c.CatchUpThreshold == 0 {
		c.CatchUpThreshold = DefaultCatchUpThreshold
	}
	if c.SyncBatchSize == 0 {
		c.SyncBatchSize = DefaultSyncBatchSize
	}
	if c.SyncBufferSize <= 0 {
		c.SyncBufferSize = DefaultSyncBufferSize
	}
	if c.SyncRequestTimeout <= 0 {
		c.SyncRequestTimeout = DefaultSyncRequestTimeout
	}
	if c.SyncMaxWait <= 0 {
		c.SyncMaxWait = DefaultSyncMaxWait
	}
	if c.SyncMaxRetries <= 0 {
		c.SyncMaxRetries = DefaultSyncMaxRetries
	}
	if c.MaxServeBlocks == 0 {
		c.MaxServeBlocks = DefaultMaxServeBlocks
	}
	if c.MaxConcurrentServe <= 0 {
		c.MaxConcurrentServe = DefaultMaxConcurrentServe
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type shardRunner struct {
	engine *consensus.Engine
	syncer *syncer
}

type Coordinator struct {
	cfg     Config
	logger  *zap.Logger
	router  Router
	store   storage.BlockStore
	tracker *ProgressTracker
	shards  map[uint32]*shardRunner
	order   []uint32
	serving *semaphore.Weighted
	wg      sync.WaitGroup
}

// NewCoordinator takes ownership of engines, one per shard, and subscribes
// to the consensus, status and read-node topics of router.
func NewCoordinator(cfg Config, router Router, store storage.BlockStore, engines []*consensus.Engine) *Coordinator {
	cfg.setDefaults()
	c := &Coordinator{
		cfg:     cfg,
		logger:  cfg.Logger.Named("coordinator"),
		router:  router,
		store:   store,
		tracker: NewProgressTracker(cfg.StatusMaxAge),
		shards:  make(map[uint32]*shardRunner, len(engines)),
		serving: semaphore.NewWeighted(cfg.MaxConcurrentServe),
	}
	for _, e := range engines {
		shard := e.Shard()
		c.shards[shard] = &shardRunner{
			engine: e,
			syncer: newSyncer(shard, e, c.tracker, c.request, cfg),
		}
		c.order = append(c.order, shard)
	}
	slices.Sort(c.order)

	router.Subscribe(wire.KindConsensus, c.handleConsensus)
	router.Subscribe(wire.KindFullProposal, c.handleProposal)
	router.Subscribe(wire.KindStatus, c.handleStatus)
	router.Subscribe(wire.KindReadNode, c.handleReadNode)
	return c
}

// Run drives every engine and the status loop until ctx is done. A halted
// shard is logged and stays halted; the other shards keep running.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, shard := range c.order {
		r := c.shards[shard]
		g.Go(func() error {
			err := r.engine.Run(ctx)
			var halt *consensus.HaltError
			if errors.As(err, &halt) {
				c.logger.Error("Shard halted",
					zap.Uint32("shard", halt.Shard),
					zap.Uint64("height", halt.Height),
					zap.Error(halt.Err))
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		c.statusLoop(ctx)
		return nil
	})
	err := g.Wait()
	c.wg.Wait()
	return err
}

func (c *Coordinator) Shards() []uint32 {
	return slices.Clone(c.order)
}

func (c *Coordinator) Status(shard uint32) (consensus.Status, bool) {
	r, ok := c.shards[shard]
	if !ok {
		return consensus.Status{}, false
	}
	return r.engine.Status(), true
}

// Statuses lists the engine status of every shard in shard order.
func (c *Coordinator) Statuses() []consensus.Status {
	out := make([]consensus.Status, 0, len(c.order))
	for _, shard := range c.order {
		out = append(out, c.shards[shard].engine.Status())
	}
	return out
}

func (c *Coordinator) SyncProgress(shard uint32) (SyncProgress, bool) {
	r, ok := c.shards[shard]
	if !ok {
		return SyncProgress{}, false
	}
	return r.syncer.Progress(), true
}

func (c *Coordinator) Tracker() *ProgressTracker {
	return c.tracker
}

func (c *Coordinator) runner(shard uint32) (*shardRunner, error) {
	r, ok := c.shards[shard]
	if !ok {
		return nil, fmt.Errorf("%w: %d", snaperrors.ErrUnknownShard, shard)
	}
	return r, nil
}

func (c *Coordinator) handleConsensus(ctx context.Context, _ []byte, p wire.Payload) error {
	m := p.(*wire.ConsensusMessage)
	r, err := c.runner(m.Vote.Shard)
	if err != nil {
		return err
	}
	return r.engine.HandleVote(ctx, m)
}

func (c *Coordinator) handleProposal(ctx context.Context, _ []byte, p wire.Payload) error {
	fp := p.(*wire.FullProposal)
	r, err := c.runner(fp.Shard)
	if err != nil {
		return err
	}
	return r.engine.HandleProposal(ctx, fp)
}

func (c *Coordinator) handleStatus(_ context.Context, _ []byte, p wire.Payload) error {
	c.tracker.Observe(p.(*wire.StatusMessage), time.Now())
	return nil
}

func (c *Coordinator) handleReadNode(ctx context.Context, from []byte, p wire.Payload) error {
	m := p.(*wire.ReadNodeMessage)
	if m.IsRequest() {
		if m.RequestID == 0 || m.FromHeight == 0 || m.ToHeight < m.FromHeight {
			return fmt.Errorf("%w: read request %d-%d", snaperrors.ErrInvalidMessage, m.FromHeight, m.ToHeight)
		}
		if !c.serving.TryAcquire(1) {
			c.logger.Debug("Dropping read request, too many in flight", zap.Binary("peer", from))
			return nil
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer c.serving.Release(1)
			c.serve(ctx, from, m)
		}()
		return nil
	}

	r, err := c.runner(m.Shard)
	if err != nil {
		return err
	}
	if m.RequestID != 0 {
		r.syncer.deliver(m.RequestID, m.Decided)
		return nil
	}
	err = r.engine.ApplyDecided(ctx, m.Decided)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, consensus.ErrHeightGap):
		c.logger.Debug("Decided block ahead of local height",
			zap.Uint32("shard", m.Shard), zap.Uint64("height", m.Decided.Height()))
		return nil
	default:
		return err
	}
}

// serve streams the decided blocks of req to the requesting peer.
func (c *Coordinator) serve(ctx context.Context, to []byte, req *wire.ReadNodeMessage) {
	latest, err := c.store.LatestHeight(req.Shard)
	if err != nil {
		c.logger.Warn("Failed to read shard tip", zap.Uint32("shard", req.Shard), zap.Error(err))
		return
	}
	end := min(req.ToHeight, latest, req.FromHeight+c.cfg.MaxServeBlocks-1)
	sent := 0
	for cb, err := range c.store.Blocks(ctx, req.Shard, req.FromHeight, end) {
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("Failed to read blocks", zap.Uint32("shard", req.Shard), zap.Error(err))
			}
			return
		}
		resp := &wire.ReadNodeMessage{
			Shard:      req.Shard,
			FromHeight: cb.Height(),
			ToHeight:   req.ToHeight,
			RequestID:  req.RequestID,
			Decided:    cb,
		}
		if err := c.router.SendTo(ctx, to, resp); err != nil {
			c.logger.Debug("Failed to stream block", zap.Binary("peer", to), zap.Error(err))
			return
		}
		sent++
	}
	c.logger.Debug("Served read request",
		zap.Uint32("shard", req.Shard),
		zap.Uint64("from", req.FromHeight),
		zap.Int("blocks", sent))
}

func (c *Coordinator) request(ctx context.Context, peer []byte, req *wire.ReadNodeMessage) error {
	return c.router.SendTo(ctx, peer, req)
}

func (c *Coordinator) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.StatusInterval)
	defer ticker.Stop()

	c.publishStatus(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.publishStatus(ctx)
			c.tracker.EvictStale(time.Now())
			c.maybeCatchUp(ctx)
		}
	}
}

func (c *Coordinator) publishStatus(ctx context.Context) {
	for _, shard := range c.order {
		st := c.shards[shard].engine.Status()
		msg := &wire.StatusMessage{
			PeerID:    c.cfg.Self,
			Shard:     shard,
			Height:    st.Height,
			ReadNode:  c.cfg.ReadOnly,
			Timestamp: time.Now().UnixMilli(),
		}
		if st.Height > 0 {
			msg.MinHeight = 1
		}
		if err := c.router.Publish(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Debug("Failed to publish status", zap.Uint32("shard", shard), zap.Error(err))
		}
	}
}

// maybeCatchUp starts a sync for every shard that peers report well ahead.
func (c *Coordinator) maybeCatchUp(ctx context.Context) {
	now := time.Now()
	for _, shard := range c.order {
		r := c.shards[shard]
		if r.syncer.Running() || r.engine.Mode() == consensus.ModeHalted {
			continue
		}
		best, ok := c.tracker.Best(shard, now)
		ours := r.engine.Status().Height
		if !ok || best.Height <= ours+c.cfg.CatchUpThreshold {
			continue
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			_ = r.syncer.run(ctx, best.Height)
		}()
	}
}
