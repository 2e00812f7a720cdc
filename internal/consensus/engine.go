// Package consensus runs the agreement protocol of one shard: weighted
// proposer rotation, prevote and precommit steps with locking, and commit
// of decided blocks to the block store.
package consensus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/10yihang/snapnode/internal/keys"
	"github.com/10yihang/snapnode/internal/mempool"
	"github.com/10yihang/snapnode/internal/onchain"
	"github.com/10yihang/snapnode/internal/storage"
	"github.com/10yihang/snapnode/internal/wire"
	snaperrors "github.com/10yihang/snapnode/pkg/errors"
)

const (
	DefaultProposeTimeout      = 3 * time.Second
	DefaultPrevoteTimeout      = time.Second
	DefaultPrecommitTimeout    = time.Second
	DefaultMaxTimeout          = 30 * time.Second
	DefaultBlockTime           = time.Second
	DefaultMaxMessagesPerBlock = 1000
	DefaultMaxClockDrift       = 10 * time.Second

	inboxSize       = 1024
	maxFutureEvents = 4096
	maxTimeoutShift = 16
)

// ErrHeightGap is returned by ApplyDecided for a block above the next height.
var ErrHeightGap = errors.New("decided block is not the next height")

type Mode int32

const (
	ModeLive Mode = iota
	ModeCatchUp
	ModeHalted
)

func (m Mode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeCatchUp:
		return "catchup"
	case ModeHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// HaltError reports the height at which a shard stopped.
type HaltError struct {
	Shard  uint32
	Height uint64
	Err    error
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("shard %d halted at height %d: %v", e.Shard, e.Height, e.Err)
}

func (e *HaltError) Unwrap() error { return e.Err }

// Broadcaster sends payloads to the shard's peers.
type Broadcaster interface {
	Publish(ctx context.Context, p wire.Payload) error
}

// Pool is the part of the mempool the engine proposes from.
type Pool interface {
	TakeCandidates(shard uint32, limit int, now time.Time) *mempool.Reservation
	Release(id uint64)
	RemoveCommitted(hashes []wire.Hash) int
}

// StateLog resolves the authorization snapshots blocks refer to.
type StateLog interface {
	Latest() *onchain.Snapshot
	SnapshotByDigest(digest wire.Hash) (*onchain.Snapshot, bool)
}

type Config struct {
	Shard      uint32
	ShardCount uint32
	Network    wire.Network
	Members    []Member
	// Signer is nil on read-only nodes.
	Signer *keys.Signer

	ProposeTimeout      time.Duration
	PrevoteTimeout      time.Duration
	PrecommitTimeout    time.Duration
	MaxTimeout          time.Duration
	BlockTime           time.Duration
	StartDelay          time.Duration
	MaxMessagesPerBlock int
	MaxClockDrift       time.Duration
	// CatchUp starts the engine without voting until EnterLive.
	CatchUp bool
	// Follower keeps the engine in catch-up mode for good. It only applies
	// decided blocks and ignores EnterLive.
	Follower bool

	Store       storage.BlockStore
	Pool        Pool
	State       StateLog
	Out         Broadcaster
	Verifier    keys.Verifier
	MsgVerifier keys.MessageVerifier
	// OnCommit is called from the engine goroutine after each commit.
	OnCommit func(*wire.CommittedBlock)

	Logger *zap.Logger
	Clock  func() time.Time
}

type step uint8

const (
	stepNewHeight step = iota
	stepPropose
	stepPrevote
	stepPrecommit
)

func (s step) String() string {
	switch s {
	case stepPropose:
		return "propose"
	case stepPrevote:
		return "prevote"
	case stepPrecommit:
		return "precommit"
	default:
		return "new_height"
	}
}

type trigger uint8

const (
	triggerLock trigger = iota
	triggerPrevoteTimeout
	triggerPrecommitTimeout
)

type (
	proposalEvent struct{ p *wire.FullProposal }
	voteEvent     struct{ m *wire.ConsensusMessage }
	timeoutEvent  struct {
		height uint64
		round  int32
		step   step
	}
	startEvent   struct{ height uint64 }
	modeEvent    struct{ mode Mode }
	decidedEvent struct {
		cb     *wire.CommittedBlock
		result chan error
	}
)

// Status is a point-in-time view of an engine.
type Status struct {
	Shard  uint32
	Height uint64
	Round  int32
	Mode   Mode
}

// Engine drives one shard. All round state is owned by the Run goroutine;
// other goroutines talk to it through the inbox.
type Engine struct {
	cfg    Config
	logger *zap.Logger
	self   []byte

	inbox chan any
	done  chan struct{}

	committed atomic.Uint64
	roundNow  atomic.Int32
	mode      atomic.Int32
	halt      atomic.Pointer[HaltError]

	height       uint64
	round        int32
	step         step
	started      bool
	heightStart  time.Time
	vals         *ValidatorSet
	parent       *wire.Block
	lockedRound  int32
	lockedBlock  *wire.Block
	validRound   int32
	validBlock   *wire.Block
	proposals    map[int32]*wire.FullProposal
	blocks       map[wire.Hash]*wire.Block
	validity     map[wire.Hash]error
	votes        *heightVotes
	fired        map[trigger]bool
	reservations []uint64
	future       []any
}

func New(cfg Config) *Engine {
	if cfg.ProposeTimeout <= 0 {
		cfg.ProposeTimeout = DefaultProposeTimeout
	}
	if cfg.PrevoteTimeout <= 0 {
		cfg.PrevoteTimeout = DefaultPrevoteTimeout
	}
	if cfg.PrecommitTimeout <= 0 {
		cfg.PrecommitTimeout = DefaultPrecommitTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = DefaultMaxTimeout
	}
	if cfg.BlockTime < 0 {
		cfg.BlockTime = DefaultBlockTime
	}
	if cfg.MaxMessagesPerBlock <= 0 {
		cfg.MaxMessagesPerBlock = DefaultMaxMessagesPerBlock
	}
	if cfg.MaxClockDrift <= 0 {
		cfg.MaxClockDrift = DefaultMaxClockDrift
	}
	if cfg.ShardCount == 0 {
		cfg.ShardCount = 1
	}
	if cfg.Verifier == nil {
		cfg.Verifier = keys.Secp256k1Verifier{}
	}
	if cfg.MsgVerifier == nil {
		cfg.MsgVerifier = keys.Ed25519MessageVerifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	e := &Engine{
		cfg:    cfg,
		logger: cfg.Logger.Named("consensus").With(zap.Uint32("shard", cfg.Shard)),
		inbox:  make(chan any, inboxSize),
		done:   make(chan struct{}),
	}
	if cfg.Signer != nil {
		e.self = cfg.Signer.PublicKey()
	}
	if cfg.CatchUp || cfg.Follower {
		e.mode.Store(int32(ModeCatchUp))
	}
	return e
}

func (e *Engine) Shard() uint32 { return e.cfg.Shard }

func (e *Engine) Mode() Mode { return Mode(e.mode.Load()) }

func (e *Engine) Status() Status {
	return Status{
		Shard:  e.cfg.Shard,
		Height: e.committed.Load(),
		Round:  e.roundNow.Load(),
		Mode:   e.Mode(),
	}
}

// Halted returns the error that stopped the shard, or nil.
func (e *Engine) Halted() *HaltError {
	return e.halt.Load()
}

// Run loads the chain tip and processes events until ctx is done or the
// shard halts, in which case the *HaltError is returned.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	if err := e.load(ctx); err != nil {
		return err
	}
	e.logger.Info("Consensus engine started",
		zap.Uint64("height", e.height),
		zap.Int("validators", e.vals.Len()),
		zap.Stringer("mode", e.Mode()))
	if e.Mode() == ModeLive {
		e.scheduleStart(e.cfg.StartDelay)
	}

	for {
		select {
		case <-ctx.Done():
			e.releaseReservations()
			return nil
		case ev := <-e.inbox:
			e.handle(ctx, ev)
			if h := e.halt.Load(); h != nil {
				return h
			}
		}
	}
}

func (e *Engine) load(ctx context.Context) error {
	latest, err := e.cfg.Store.LatestHeight(e.cfg.Shard)
	if err != nil {
		return fmt.Errorf("load shard %d tip: %w", e.cfg.Shard, err)
	}
	e.vals = GenesisSet(e.cfg.Members)
	if latest > 0 {
		cb, err := e.cfg.Store.ReadBlock(ctx, e.cfg.Shard, latest)
		if err != nil {
			return fmt.Errorf("read shard %d block %d: %w", e.cfg.Shard, latest, err)
		}
		e.parent = cb.Block
		e.vals = NewValidatorSet(cb.Block.NextValidators)
	}
	e.committed.Store(latest)
	e.resetHeight(latest + 1)
	return nil
}

// HandleProposal queues a proposal received from the network.
func (e *Engine) HandleProposal(ctx context.Context, p *wire.FullProposal) error {
	return e.post(ctx, proposalEvent{p: p})
}

// HandleVote queues a vote received from the network.
func (e *Engine) HandleVote(ctx context.Context, m *wire.ConsensusMessage) error {
	return e.post(ctx, voteEvent{m: m})
}

// EnterCatchUp stops voting until EnterLive.
func (e *Engine) EnterCatchUp(ctx context.Context) error {
	return e.post(ctx, modeEvent{mode: ModeCatchUp})
}

// EnterLive resumes voting at the next height.
func (e *Engine) EnterLive(ctx context.Context) error {
	return e.post(ctx, modeEvent{mode: ModeLive})
}

// ApplyDecided commits a block decided by the network after verifying its
// commit certificate. Blocks at or below the committed height return
// ErrDuplicate.
func (e *Engine) ApplyDecided(ctx context.Context, cb *wire.CommittedBlock) error {
	result := make(chan error, 1)
	if err := e.post(ctx, decidedEvent{cb: cb, result: result}); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return e.stopped()
	}
}

func (e *Engine) post(ctx context.Context, ev any) error {
	if h := e.halt.Load(); h != nil {
		return h
	}
	select {
	case e.inbox <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return e.stopped()
	}
}

func (e *Engine) stopped() error {
	if h := e.halt.Load(); h != nil {
		return h
	}
	return snaperrors.ErrClosed
}

func (e *Engine) handle(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case proposalEvent:
		if e.Mode() == ModeLive && e.recordProposal(ev.p, true) {
			e.check(ctx)
		}
	case voteEvent:
		if e.Mode() == ModeLive && e.recordVote(ev.m, true) {
			e.check(ctx)
		}
	case timeoutEvent:
		if err := e.onTimeout(ctx, ev); err != nil {
			e.logger.Debug("Step timed out", zap.Error(err))
		}
	case startEvent:
		if ev.height == e.height && !e.started && e.Mode() == ModeLive {
			e.startRound(ctx, 0)
			e.check(ctx)
		}
	case modeEvent:
		e.setMode(ctx, ev.mode)
	case decidedEvent:
		ev.result <- e.applyDecided(ctx, ev.cb)
	}
}

func (e *Engine) setMode(ctx context.Context, m Mode) {
	if e.Mode() == ModeHalted || e.Mode() == m {
		return
	}
	if m == ModeLive && e.cfg.Follower {
		return
	}
	e.mode.Store(int32(m))
	e.logger.Info("Consensus mode changed", zap.Stringer("mode", m), zap.Uint64("height", e.height))
	e.releaseReservations()
	e.resetHeight(e.height)
	if m == ModeLive {
		e.startRound(ctx, 0)
		e.check(ctx)
	}
}

func (e *Engine) resetHeight(h uint64) {
	e.height = h
	e.round = 0
	e.step = stepNewHeight
	e.started = false
	e.lockedRound, e.lockedBlock = -1, nil
	e.validRound, e.validBlock = -1, nil
	e.proposals = make(map[int32]*wire.FullProposal)
	e.blocks = make(map[wire.Hash]*wire.Block)
	e.validity = make(map[wire.Hash]error)
	e.votes = newHeightVotes(e.vals)
	e.fired = make(map[trigger]bool)
	e.roundNow.Store(0)
}

func (e *Engine) parentHash() wire.Hash {
	if e.parent == nil {
		return wire.ZeroHash
	}
	return e.parent.Hash
}

func (e *Engine) isValidator() bool {
	return e.self != nil && e.vals.Contains(e.self)
}

func (e *Engine) isProposer(round int32) bool {
	return e.isValidator() && bytes.Equal(e.self, e.vals.Proposer(e.cfg.Shard, e.height, round))
}

func (e *Engine) publish(ctx context.Context, p wire.Payload) {
	if e.cfg.Out == nil {
		return
	}
	if err := e.cfg.Out.Publish(ctx, p); err != nil {
		e.logger.Debug("Publish failed", zap.Stringer("kind", p.Kind()), zap.Error(err))
	}
}

func (e *Engine) releaseReservations() {
	for _, id := range e.reservations {
		e.cfg.Pool.Release(id)
	}
	e.reservations = nil
}

func (e *Engine) deferFuture(ev any) {
	if len(e.future) < maxFutureEvents {
		e.future = append(e.future, ev)
	}
}
