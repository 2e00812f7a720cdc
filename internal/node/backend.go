package node

import (
	"context"
	"encoding/hex"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/10yihang/snapnode/internal/admin"
	"github.com/10yihang/snapnode/internal/cluster"
	"github.com/10yihang/snapnode/internal/cluster/state"
	"github.com/10yihang/snapnode/internal/consensus"
	"github.com/10yihang/snapnode/internal/mempool"
	"github.com/10yihang/snapnode/internal/onchain"
	"github.com/10yihang/snapnode/internal/wire"
)

// Submit admits m to the local mempool and gossips it when it is new.
func (n *Node) Submit(ctx context.Context, m *wire.Message) (mempool.Admission, error) {
	adm, err := n.pool.Submit(ctx, m)
	if err != nil || adm != mempool.Accepted {
		return adm, err
	}
	msg := &wire.MempoolMessage{Messages: []*wire.Message{m}, Peer: n.peerID}
	if err := n.router.Publish(ctx, msg); err != nil {
		n.logger.Debug("Publishing message failed", zap.Stringer("hash", m.Hash), zap.Error(err))
	}
	return adm, nil
}

func (n *Node) Info() admin.Info {
	snap := n.onchain.Latest()
	info := admin.Info{
		Version:        Version,
		Network:        n.network.String(),
		PeerID:         hex.EncodeToString(n.peerID),
		GossipAddress:  n.transport.Addr(),
		ReadNode:       n.cfg.ReadNode,
		ShardCount:     n.cfg.ShardCount,
		Peers:          n.peers.Len(),
		MempoolSize:    n.pool.Len(),
		OnchainVersion: snap.Version(),
		OnchainDigest:  snap.Digest().String(),
		OnchainPending: n.onchain.Pending(),
		Uptime:         time.Since(n.started).Round(time.Second).String(),
	}
	for _, st := range n.coord.Statuses() {
		info.Shards = append(info.Shards, admin.ShardInfo{
			Shard:  st.Shard,
			Height: st.Height,
			Round:  st.Round,
			Mode:   st.Mode.String(),
		})
	}
	return info
}

func (n *Node) ShardStatuses() []consensus.Status {
	return n.coord.Statuses()
}

func (n *Node) SyncProgress(shard uint32) (cluster.SyncProgress, bool) {
	return n.coord.SyncProgress(shard)
}

func (n *Node) Peers() []wire.ContactInfo {
	return slices.Collect(n.peers.Peers())
}

func (n *Node) Account(fid uint64) (onchain.Account, bool) {
	return n.onchain.Snapshot(fid)
}

// The methods below persist node-local state across restarts.

func (n *Node) PeerID() string {
	return hex.EncodeToString(n.peerID)
}

func (n *Node) Network() string {
	return n.network.String()
}

func (n *Node) PeerRecords() []state.PeerRecord {
	var out []state.PeerRecord
	for ci := range n.peers.Peers() {
		out = append(out, state.PeerRecord{
			PeerID:        hex.EncodeToString(ci.PeerID),
			GossipAddress: ci.GossipAddress,
			Shards:        ci.Shards,
		})
	}
	return out
}

func (n *Node) Watermarks() map[uint32]uint64 {
	return n.onchain.Watermarks()
}

func (n *Node) RestoreState(st *state.PersistentState) error {
	for _, p := range st.Peers {
		if p.GossipAddress != "" && p.PeerID != n.PeerID() {
			n.restoredSeeds = append(n.restoredSeeds, p.GossipAddress)
		}
	}
	for chainID, block := range st.Watermarks {
		n.onchain.Advance(chainID, block)
	}
	return nil
}
