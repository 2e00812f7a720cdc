// Package gossip routes typed frames between peers: dedup, dispatch to
// subscribers and flood re-broadcast.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/10yihang/snapnode/internal/cluster/peers"
	"github.com/10yihang/snapnode/internal/cluster/transport"
	"github.com/10yihang/snapnode/internal/metrics"
	"github.com/10yihang/snapnode/internal/wire"
	snaperrors "github.com/10yihang/snapnode/pkg/errors"
)

const (
	DefaultFanout           = 3
	DefaultDedupWindow      = 65536
	DefaultDedupTTL         = 30 * time.Second
	DefaultAnnounceInterval = 10 * time.Second
	DefaultPeerMaxAge       = time.Minute
	ProtocolVersion         = "snapnode/1"
)

// Handler processes a decoded payload. from is the peer that sent the
// frame. A non-nil error stops the frame from being re-broadcast.
type Handler func(ctx context.Context, from []byte, p wire.Payload) error

type Config struct {
	Network wire.Network
	// Self describes this node; PeerID and GossipAddress are required.
	Self             wire.ContactInfo
	Seeds            []string
	Fanout           int
	DedupWindow      int
	DedupTTL         time.Duration
	AnnounceInterval time.Duration
	PeerMaxAge       time.Duration
	Logger           *zap.Logger
}

// Router publishes payloads to peers and dispatches inbound frames.
type Router struct {
	cfg       Config
	logger    *zap.Logger
	transport transport.Transport
	peers     *peers.Directory

	seenMu sync.Mutex
	seen   *expirable.LRU[wire.FrameID, struct{}]

	handlersMu sync.RWMutex
	handlers   map[wire.Kind]Handler
}

func NewRouter(cfg Config, tr transport.Transport, dir *peers.Directory) *Router {
	if cfg.Fanout <= 0 {
		cfg.Fanout = DefaultFanout
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultDedupTTL
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = DefaultAnnounceInterval
	}
	if cfg.PeerMaxAge <= 0 {
		cfg.PeerMaxAge = DefaultPeerMaxAge
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.Self.Network = cfg.Network
	if cfg.Self.ProtocolVersion == "" {
		cfg.Self.ProtocolVersion = ProtocolVersion
	}

	r := &Router{
		cfg:       cfg,
		logger:    cfg.Logger.Named("gossip"),
		transport: tr,
		peers:     dir,
		seen:      expirable.NewLRU[wire.FrameID, struct{}](cfg.DedupWindow, nil, cfg.DedupTTL),
		handlers:  make(map[wire.Kind]Handler),
	}
	r.handlers[wire.KindContactInfo] = r.handleContact
	return r
}

// Subscribe installs the handler for kind, replacing any previous one.
func (r *Router) Subscribe(kind wire.Kind, h Handler) {
	r.handlersMu.Lock()
	r.handlers[kind] = h
	r.handlersMu.Unlock()
}

func (r *Router) Self() wire.ContactInfo {
	return r.cfg.Self.Clone()
}

func (r *Router) Peers() *peers.Directory {
	return r.peers
}

// Run serves the transport and the announce and eviction loops until ctx
// is done.
func (r *Router) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.transport.Serve(ctx, func(remote string, data []byte) {
			if err := r.OnReceive(ctx, data); err != nil && !errors.Is(err, snaperrors.ErrDuplicate) {
				r.logger.Debug("Dropped frame", zap.String("remote", remote), zap.Error(err))
			}
		})
	})
	g.Go(func() error {
		r.bootstrap(ctx)
		r.announceLoop(ctx)
		return nil
	})
	g.Go(func() error {
		r.evictLoop(ctx)
		return nil
	})
	return g.Wait()
}

// Publish frames p and sends it to the peers interested in it.
func (r *Router) Publish(ctx context.Context, p wire.Payload) error {
	frame, err := wire.NewFrame(&wire.GossipMessage{Network: r.cfg.Network, Sender: r.cfg.Self.PeerID, Payload: p})
	if err != nil {
		return err
	}
	r.markSeen(frame.ID())
	raw, err := frame.Marshal()
	if err != nil {
		return err
	}
	r.broadcast(ctx, frame.Kind, raw, r.targets(p, -1))
	return nil
}

// SendTo delivers p to a single known peer.
func (r *Router) SendTo(ctx context.Context, peerID []byte, p wire.Payload) error {
	ci, ok := r.peers.Get(peerID)
	if !ok {
		return fmt.Errorf("%w: %x", snaperrors.ErrUnknownPeer, peerID)
	}
	frame, err := wire.NewFrame(&wire.GossipMessage{Network: r.cfg.Network, Sender: r.cfg.Self.PeerID, Payload: p})
	if err != nil {
		return err
	}
	raw, err := frame.Marshal()
	if err != nil {
		return err
	}
	if err := r.transport.Send(ctx, ci.GossipAddress, raw); err != nil {
		return err
	}
	metrics.RecordSent(frame.Kind.String())
	return nil
}

// OnReceive processes one raw frame: network check, dedup, dispatch and
// re-broadcast.
func (r *Router) OnReceive(ctx context.Context, data []byte) error {
	frame, err := wire.ParseFrame(data)
	if err != nil {
		metrics.RecordFrame("unknown", "invalid")
		return err
	}
	kind := frame.Kind.String()
	if frame.Network != r.cfg.Network {
		metrics.RecordFrame(kind, "mismatch")
		r.logger.Warn("Frame from another network",
			zap.Stringer("network", frame.Network),
			zap.Binary("peer", frame.Sender))
		return fmt.Errorf("%w: frame for %s", snaperrors.ErrNetworkMismatch, frame.Network)
	}
	if !r.markSeen(frame.ID()) {
		metrics.RecordFrame(kind, "duplicate")
		return snaperrors.ErrDuplicate
	}

	msg, err := frame.Decode()
	if err != nil {
		metrics.RecordFrame(kind, "invalid")
		return err
	}

	r.handlersMu.RLock()
	h := r.handlers[frame.Kind]
	r.handlersMu.RUnlock()
	if h != nil {
		if err := h(ctx, msg.Sender, msg.Payload); err != nil {
			metrics.RecordFrame(kind, "rejected")
			return err
		}
	}
	metrics.RecordFrame(kind, "dispatched")

	if !relayed(msg.Payload) {
		return nil
	}
	frame.Sender = r.cfg.Self.PeerID
	raw, err := frame.Marshal()
	if err != nil {
		return err
	}
	exclude := [][]byte{msg.Sender}
	if origin := originOf(msg.Payload); origin != nil {
		exclude = append(exclude, origin)
	}
	r.broadcast(ctx, frame.Kind, raw, r.targets(msg.Payload, r.cfg.Fanout, exclude...))
	return nil
}

// markSeen records id and reports whether it was new.
func (r *Router) markSeen(id wire.FrameID) bool {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	if r.seen.Contains(id) {
		return false
	}
	r.seen.Add(id, struct{}{})
	return true
}

// targets picks the peers for p. Consensus traffic goes only to peers that
// follow the shard. A negative limit means every consensus follower; flood
// topics are always bounded by the fanout.
func (r *Router) targets(p wire.Payload, limit int, exclude ...[]byte) []wire.ContactInfo {
	switch m := p.(type) {
	case *wire.ConsensusMessage, *wire.FullProposal:
		shard, _ := wire.ShardOf(m)
		return r.peers.Sample(limit, peers.SubscribedTo(shard), exclude...)
	case *wire.ReadNodeMessage:
		return r.peers.Sample(r.cfg.Fanout, peers.SubscribedTo(m.Shard), exclude...)
	default:
		return r.peers.Sample(r.cfg.Fanout, nil, exclude...)
	}
}

func (r *Router) broadcast(ctx context.Context, kind wire.Kind, raw []byte, targets []wire.ContactInfo) {
	for _, ci := range targets {
		if err := r.transport.Send(ctx, ci.GossipAddress, raw); err != nil {
			r.logger.Debug("Send failed",
				zap.Stringer("kind", kind),
				zap.String("addr", ci.GossipAddress),
				zap.Error(err))
			continue
		}
		metrics.RecordSent(kind.String())
	}
}

// relayed reports whether a received payload is flooded onwards. Catch-up
// requests and their streamed responses are point to point.
func relayed(p wire.Payload) bool {
	if m, ok := p.(*wire.ReadNodeMessage); ok {
		return !m.IsRequest() && m.RequestID == 0
	}
	return true
}

func originOf(p wire.Payload) []byte {
	switch m := p.(type) {
	case *wire.ConsensusMessage:
		return m.Vote.Voter
	case *wire.FullProposal:
		return m.Proposer
	case *wire.MempoolMessage:
		return m.Peer
	case *wire.StatusMessage:
		return m.PeerID
	case *wire.ContactInfo:
		return m.PeerID
	case *wire.ReadNodeMessage:
		if m.Decided != nil && m.Decided.Block != nil {
			return m.Decided.Block.Header.Proposer
		}
	}
	return nil
}

func (r *Router) handleContact(ctx context.Context, from []byte, p wire.Payload) error {
	ci := p.(*wire.ContactInfo)
	_, known := r.peers.Get(ci.PeerID)
	changed, err := r.peers.Upsert(*ci)
	if err != nil {
		return err
	}
	if !changed {
		return snaperrors.ErrDuplicate
	}
	if !known {
		r.logger.Info("Discovered peer",
			zap.String("addr", ci.GossipAddress),
			zap.Binary("peer", ci.PeerID),
			zap.Uint32s("shards", ci.Shards))
		// Reply so the new peer learns about us before our next announce.
		if err := r.SendTo(ctx, ci.PeerID, r.contact()); err != nil {
			r.logger.Debug("Contact reply failed", zap.Error(err))
		}
	}
	return nil
}

func (r *Router) contact() *wire.ContactInfo {
	ci := r.cfg.Self.Clone()
	ci.Timestamp = time.Now().UnixMilli()
	return &ci
}

// bootstrap introduces this node to the seed addresses, whose peer ids are
// not known yet.
func (r *Router) bootstrap(ctx context.Context) {
	if len(r.cfg.Seeds) == 0 {
		return
	}
	frame, err := wire.NewFrame(&wire.GossipMessage{Network: r.cfg.Network, Sender: r.cfg.Self.PeerID, Payload: r.contact()})
	if err != nil {
		return
	}
	raw, err := frame.Marshal()
	if err != nil {
		return
	}
	r.markSeen(frame.ID())
	for _, seed := range r.cfg.Seeds {
		if seed == r.cfg.Self.GossipAddress {
			continue
		}
		if err := r.transport.Send(ctx, seed, raw); err != nil {
			r.logger.Warn("Seed unreachable", zap.String("seed", seed), zap.Error(err))
			continue
		}
		r.logger.Info("Contacted seed", zap.String("seed", seed))
	}
}

func (r *Router) announceLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.peers.Len() == 0 {
				r.bootstrap(ctx)
				continue
			}
			self := r.contact()
			for _, ci := range r.peers.Sample(-1, nil) {
				if err := r.SendTo(ctx, ci.PeerID, self); err != nil {
					r.logger.Debug("Announce failed", zap.String("addr", ci.GossipAddress), zap.Error(err))
				}
			}
		}
	}
}

func (r *Router) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.peers.EvictStale(r.cfg.PeerMaxAge, time.Now()); n > 0 {
				r.logger.Info("Evicted stale peers", zap.Int("count", n))
			}
		}
	}
}
