// Package mempool holds validated application messages until a proposer
// of their shard includes them in a block.
package mempool

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/10yihang/snapnode/internal/keys"
	"github.com/10yihang/snapnode/internal/metrics"
	"github.com/10yihang/snapnode/internal/onchain"
	"github.com/10yihang/snapnode/internal/wire"
	snaperrors "github.com/10yihang/snapnode/pkg/errors"
)

const (
	defaultCapacity       = 100_000
	defaultTTL            = 10 * time.Minute
	defaultExpireInterval = 5 * time.Second
)

// Admission is the result of a successful Submit.
type Admission uint8

const (
	Accepted Admission = iota + 1
	Duplicate
)

func (a Admission) String() string {
	switch a {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// StateSource exposes the current authorization state.
type StateSource interface {
	Latest() *onchain.Snapshot
}

type Config struct {
	Network    wire.Network
	ShardCount uint32
	Capacity   int
	// TTL bounds how long an unproposed message stays in the pool.
	TTL            time.Duration
	ExpireInterval time.Duration
	Verifier       keys.MessageVerifier
	State          StateSource
	Logger         *zap.Logger
	Clock          func() time.Time
}

type entry struct {
	msg      *wire.Message
	shard    uint32
	arrived  time.Time
	reserved uint64
}

// Mempool is safe for concurrent use.
type Mempool struct {
	mu     sync.RWMutex
	cfg    Config
	logger *zap.Logger

	byHash       map[wire.Hash]*entry
	shards       map[uint32][]*entry
	reservations map[uint64]*Reservation
	nextID       uint64
}

func New(cfg Config) *Mempool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.ExpireInterval <= 0 {
		cfg.ExpireInterval = defaultExpireInterval
	}
	if cfg.ShardCount == 0 {
		cfg.ShardCount = 1
	}
	if cfg.Verifier == nil {
		cfg.Verifier = keys.Ed25519MessageVerifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Mempool{
		cfg:          cfg,
		logger:       cfg.Logger.Named("mempool"),
		byHash:       make(map[wire.Hash]*entry),
		shards:       make(map[uint32][]*entry),
		reservations: make(map[uint64]*Reservation),
	}
}

// Submit validates m and adds it to the pool. A message already pooled
// yields Duplicate with a nil error.
func (p *Mempool) Submit(ctx context.Context, m *wire.Message) (Admission, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := m.CheckWellFormed(p.cfg.Network); err != nil {
		metrics.RecordAdmission("invalid")
		return 0, err
	}
	if err := p.cfg.Verifier.VerifyMessage(m); err != nil {
		metrics.RecordAdmission("invalid")
		return 0, err
	}

	now := p.cfg.Clock()
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byHash[m.Hash]; ok {
		metrics.RecordAdmission("duplicate")
		return Duplicate, nil
	}
	if err := p.cfg.State.Latest().ValidateMessage(m, now); err != nil {
		metrics.RecordAdmission("rejected")
		return 0, err
	}
	if len(p.byHash) >= p.cfg.Capacity {
		metrics.RecordAdmission("full")
		return 0, fmt.Errorf("%w: %d messages", snaperrors.ErrMempoolFull, len(p.byHash))
	}

	e := &entry{msg: m, shard: m.Shard(p.cfg.ShardCount), arrived: now}
	p.byHash[m.Hash] = e
	p.shards[e.shard] = insertEntry(p.shards[e.shard], e)
	metrics.RecordAdmission("accepted")
	metrics.SetMempoolSize(e.shard, len(p.shards[e.shard]))
	p.logger.Debug("Accepted message",
		zap.Uint64("fid", m.Data.Fid),
		zap.Uint32("shard", e.shard),
		zap.Stringer("hash", m.Hash))
	return Accepted, nil
}

func insertEntry(entries []*entry, e *entry) []*entry {
	i, _ := slices.BinarySearchFunc(entries, e, compareEntries)
	return slices.Insert(entries, i, e)
}

func compareEntries(a, b *entry) int {
	if a.msg.Data.Timestamp != b.msg.Data.Timestamp {
		if a.msg.Data.Timestamp < b.msg.Data.Timestamp {
			return -1
		}
		return 1
	}
	return wire.CompareHash(a.msg.Hash, b.msg.Hash)
}

func (p *Mempool) removeLocked(e *entry) {
	delete(p.byHash, e.msg.Hash)
	list := p.shards[e.shard]
	if i, ok := slices.BinarySearchFunc(list, e, compareEntries); ok {
		p.shards[e.shard] = slices.Delete(list, i, i+1)
	}
}

// TakeCandidates reserves up to limit messages of shard in (timestamp, hash)
// order. Messages held by another outstanding reservation are skipped, and
// messages that no longer pass validation against the latest snapshot at
// now are evicted.
func (p *Mempool) TakeCandidates(shard uint32, limit int, now time.Time) *Reservation {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	r := &Reservation{ID: p.nextID, Shard: shard}
	snap := p.cfg.State.Latest()

	var evicted []*entry
	for _, e := range p.shards[shard] {
		if len(r.msgs) >= limit {
			break
		}
		if e.reserved != 0 {
			continue
		}
		if err := snap.ValidateMessage(e.msg, now); err != nil {
			evicted = append(evicted, e)
			continue
		}
		e.reserved = r.ID
		r.msgs = append(r.msgs, e.msg)
	}
	for _, e := range evicted {
		p.removeLocked(e)
	}
	if len(evicted) > 0 {
		p.logger.Debug("Evicted stale candidates", zap.Uint32("shard", shard), zap.Int("count", len(evicted)))
		metrics.SetMempoolSize(shard, len(p.shards[shard]))
	}
	p.reservations[r.ID] = r
	return r
}

// Release returns the still pooled messages of a reservation.
func (p *Mempool) Release(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.reservations[id]
	if !ok {
		return
	}
	delete(p.reservations, id)
	for _, m := range r.msgs {
		if e, ok := p.byHash[m.Hash]; ok && e.reserved == id {
			e.reserved = 0
		}
	}
}

// RemoveCommitted drops messages that were included in a decided block.
func (p *Mempool) RemoveCommitted(hashes []wire.Hash) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	touched := make(map[uint32]struct{})
	for _, h := range hashes {
		if e, ok := p.byHash[h]; ok {
			p.removeLocked(e)
			touched[e.shard] = struct{}{}
			removed++
		}
	}
	for shard := range touched {
		metrics.SetMempoolSize(shard, len(p.shards[shard]))
	}
	return removed
}

// Expire drops unreserved messages that have been pooled longer than the
// TTL at now.
func (p *Mempool) Expire(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var expired []*entry
	for _, e := range p.byHash {
		if e.reserved == 0 && !now.Before(e.arrived.Add(p.cfg.TTL)) {
			expired = append(expired, e)
		}
	}
	touched := make(map[uint32]struct{})
	for _, e := range expired {
		p.removeLocked(e)
		touched[e.shard] = struct{}{}
	}
	for shard := range touched {
		metrics.SetMempoolSize(shard, len(p.shards[shard]))
	}
	return len(expired)
}

// Run expires messages periodically until ctx is done.
func (p *Mempool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.ExpireInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := p.Expire(p.cfg.Clock()); n > 0 {
				p.logger.Debug("Expired messages", zap.Int("count", n))
			}
		}
	}
}

func (p *Mempool) Contains(h wire.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.byHash[h]
	return ok
}

func (p *Mempool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byHash)
}

func (p *Mempool) LenShard(shard uint32) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.shards[shard])
}

// Reservation is a set of messages held for one proposal.
type Reservation struct {
	ID    uint64
	Shard uint32
	msgs  []*wire.Message
}

// All yields the reserved messages in proposal order. It can be ranged
// over any number of times.
func (r *Reservation) All() iter.Seq[*wire.Message] {
	return func(yield func(*wire.Message) bool) {
		for _, m := range r.msgs {
			if !yield(m) {
				return
			}
		}
	}
}

func (r *Reservation) Len() int {
	return len(r.msgs)
}
