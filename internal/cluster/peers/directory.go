// Package peers keeps the directory of known gossip peers.
package peers

import (
	"bytes"
	"fmt"
	"iter"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/10yihang/snapnode/internal/metrics"
	"github.com/10yihang/snapnode/internal/wire"
	snaperrors "github.com/10yihang/snapnode/pkg/errors"
)

// Directory maps peer ids to their latest ContactInfo. The local node is
// never stored.
type Directory struct {
	mu      sync.RWMutex
	network wire.Network
	self    []byte
	peers   map[string]wire.ContactInfo
}

func NewDirectory(network wire.Network, self []byte) *Directory {
	return &Directory{
		network: network,
		self:    bytes.Clone(self),
		peers:   make(map[string]wire.ContactInfo),
	}
}

// Upsert records ci if it is newer than what the directory holds. It
// reports whether the directory changed.
func (d *Directory) Upsert(ci wire.ContactInfo) (bool, error) {
	if ci.Network != d.network {
		return false, fmt.Errorf("%w: contact from %s", snaperrors.ErrNetworkMismatch, ci.Network)
	}
	if len(ci.PeerID) == 0 || ci.GossipAddress == "" {
		return false, fmt.Errorf("%w: incomplete contact info", snaperrors.ErrInvalidMessage)
	}
	if bytes.Equal(ci.PeerID, d.self) {
		return false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	key := string(ci.PeerID)
	if cur, ok := d.peers[key]; ok && cur.Timestamp >= ci.Timestamp {
		return false, nil
	}
	d.peers[key] = ci.Clone()
	metrics.PeersKnown.Set(float64(len(d.peers)))
	return true, nil
}

// Peers yields a point-in-time view of the directory, sorted by peer id.
// Every range over the sequence takes a fresh view.
func (d *Directory) Peers() iter.Seq[wire.ContactInfo] {
	return func(yield func(wire.ContactInfo) bool) {
		for _, ci := range d.list() {
			if !yield(ci) {
				return
			}
		}
	}
}

func (d *Directory) list() []wire.ContactInfo {
	d.mu.RLock()
	out := make([]wire.ContactInfo, 0, len(d.peers))
	for _, ci := range d.peers {
		out = append(out, ci.Clone())
	}
	d.mu.RUnlock()
	slices.SortFunc(out, func(a, b wire.ContactInfo) int {
		return bytes.Compare(a.PeerID, b.PeerID)
	})
	return out
}

// EvictStale removes peers whose last contact is older than maxAge at now.
func (d *Directory) EvictStale(maxAge time.Duration, now time.Time) int {
	cutoff := now.Add(-maxAge).UnixMilli()
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for key, ci := range d.peers {
		if ci.Timestamp < cutoff {
			delete(d.peers, key)
			n++
		}
	}
	if n > 0 {
		metrics.PeersKnown.Set(float64(len(d.peers)))
	}
	return n
}

func (d *Directory) Get(peerID []byte) (wire.ContactInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ci, ok := d.peers[string(peerID)]
	if !ok {
		return wire.ContactInfo{}, false
	}
	return ci.Clone(), true
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// Sample returns up to n random peers accepted by keep and not listed in
// exclude. A negative n returns every match.
func (d *Directory) Sample(n int, keep func(wire.ContactInfo) bool, exclude ...[]byte) []wire.ContactInfo {
	var out []wire.ContactInfo
	for _, ci := range d.list() {
		if keep != nil && !keep(ci) {
			continue
		}
		if slices.ContainsFunc(exclude, func(id []byte) bool { return bytes.Equal(id, ci.PeerID) }) {
			continue
		}
		out = append(out, ci)
	}
	if n >= 0 && len(out) > n {
		rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		out = out[:n]
	}
	return out
}

// SubscribedTo is a Sample filter for peers following shard.
func SubscribedTo(shard uint32) func(wire.ContactInfo) bool {
	return func(ci wire.ContactInfo) bool {
		return ci.Follows(shard)
	}
}
