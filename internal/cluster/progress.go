package cluster

import (
	"bytes"
	"slices"
	"sync"
	"time"

	"github.com/10yihang/snapnode/internal/wire"
)

// PeerProgress is what a peer last advertised for one shard.
type PeerProgress struct {
	PeerID    []byte
	Shard     uint32
	Height    uint64
	MinHeight uint64
	ReadNode  bool
	Seen      time.Time
}

// Serves reports whether the peer can serve heights [from, to].
func (p PeerProgress) Serves(from, to uint64) bool {
	return p.Height >= to && (p.MinHeight == 0 || p.MinHeight <= from)
}

// ProgressTracker keeps the latest status of each peer per shard.
type ProgressTracker struct {
	mu     sync.RWMutex
	maxAge time.Duration
	shards map[uint32]map[string]PeerProgress
}

func NewProgressTracker(maxAge time.Duration) *ProgressTracker {
	return &ProgressTracker{
		maxAge: maxAge,
		shards: make(map[uint32]map[string]PeerProgress),
	}
}

// Observe records st. Heights never move backwards for a peer.
func (t *ProgressTracker) Observe(st *wire.StatusMessage, now time.Time) {
	if st == nil || len(st.PeerID) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	peers, ok := t.shards[st.Shard]
	if !ok {
		peers = make(map[string]PeerProgress)
		t.shards[st.Shard] = peers
	}
	key := string(st.PeerID)
	p := PeerProgress{
		PeerID:    bytes.Clone(st.PeerID),
		Shard:     st.Shard,
		Height:    st.Height,
		MinHeight: st.MinHeight,
		ReadNode:  st.ReadNode,
		Seen:      now,
	}
	if prev, ok := peers[key]; ok && prev.Height > p.Height {
		p.Height = prev.Height
	}
	peers[key] = p
}

func (t *ProgressTracker) fresh(p PeerProgress, now time.Time) bool {
	return t.maxAge <= 0 || now.Sub(p.Seen) < t.maxAge
}

// Best returns the non-stale peer with the highest height for shard.
func (t *ProgressTracker) Best(shard uint32, now time.Time) (PeerProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var best PeerProgress
	found := false
	for _, p := range t.shards[shard] {
		if t.fresh(p, now) && (!found || p.Height > best.Height) {
			best, found = p, true
		}
	}
	return best, found
}

// Candidates lists non-stale peers able to serve [from, to], highest first.
func (t *ProgressTracker) Candidates(shard uint32, from, to uint64, now time.Time) []PeerProgress {
	t.mu.RLock()
	var out []PeerProgress
	for _, p := range t.shards[shard] {
		if t.fresh(p, now) && p.Serves(from, to) {
			out = append(out, p)
		}
	}
	t.mu.RUnlock()
	slices.SortFunc(out, func(a, b PeerProgress) int {
		if a.Height != b.Height {
			if a.Height > b.Height {
				return -1
			}
			return 1
		}
		return bytes.Compare(a.PeerID, b.PeerID)
	})
	return out
}

// EvictStale forgets peers not heard from within maxAge.
func (t *ProgressTracker) EvictStale(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for _, peers := range t.shards {
		for key, p := range peers {
			if !t.fresh(p, now) {
				delete(peers, key)
				evicted++
			}
		}
	}
	return evicted
}
