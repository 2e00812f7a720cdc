package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/10yihang/snapnode/internal/consensus"
	"github.com/10yihang/snapnode/internal/wire"
	"github.com/10yihang/snapnode/pkg/backoff"
	snaperrors "github.com/10yihang/snapnode/pkg/errors"
)

var errNoPeers = errors.New("no peer can serve the requested heights")

type SyncStatus int

const (
	SyncIdle SyncStatus = iota
	SyncRunning
	SyncCompleted
	SyncFailed
)

func (s SyncStatus) String() string {
	switch s {
	case SyncRunning:
		return "running"
	case SyncCompleted:
		return "completed"
	case SyncFailed:
		return "failed"
	default:
		return "idle"
	}
}

type SyncProgress struct {
	Shard     uint32
	Target    uint64
	Applied   int
	Retries   int
	Status    SyncStatus
	LastError string
	StartTime time.Time
	EndTime   time.Time
}

// applier is the part of a consensus engine the syncer drives.
type applier interface {
	ApplyDecided(ctx context.Context, cb *wire.CommittedBlock) error
	Status() consensus.Status
	EnterCatchUp(ctx context.Context) error
	EnterLive(ctx context.Context) error
}

type requestFunc func(ctx context.Context, peer []byte, req *wire.ReadNodeMessage) error

// syncer fetches decided blocks a shard is missing from peers and feeds
// them to the engine in height order. It restarts from the engine's
// committed height, so an interrupted catch-up resumes where it stopped.
type syncer struct {
	shard          uint32
	engine         applier
	tracker        *ProgressTracker
	request        requestFunc
	batchSize      uint64
	bufferSize     int
	requestTimeout time.Duration
	retry          backoff.Config
	logger         *zap.Logger

	running  atomic.Bool
	nextID   atomic.Uint64
	incoming chan *wire.CommittedBlock

	mu       sync.Mutex
	active   uint64
	progress SyncProgress
}

func newSyncer(shard uint32, engine applier, tracker *ProgressTracker, request requestFunc, cfg Config) *syncer {
	s := &syncer{
		shard:          shard,
		engine:         engine,
		tracker:        tracker,
		request:        request,
		batchSize:      cfg.SyncBatchSize,
		bufferSize:     cfg.SyncBufferSize,
		requestTimeout: cfg.SyncRequestTimeout,
		logger:         cfg.Logger.Named("sync").With(zap.Uint32("shard", shard)),
		incoming:       make(chan *wire.CommittedBlock, cfg.SyncBufferSize),
		progress:       SyncProgress{Shard: shard},
	}
	s.nextID.Store(uint64(shard) << 32)
	s.retry = backoff.Config{
		MinWait:     50 * time.Millisecond,
		MaxWait:     cfg.SyncMaxWait,
		MaxAttempts: cfg.SyncMaxRetries,
		Report: func(attempt int, err error) error {
			var halt *consensus.HaltError
			if errors.As(err, &halt) {
				return err
			}
			s.mu.Lock()
			s.progress.Retries++
			s.progress.LastError = err.Error()
			s.mu.Unlock()
			s.logger.Debug("Catch-up attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return nil
		},
	}
	return s
}

func (s *syncer) Progress() SyncProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

func (s *syncer) Running() bool {
	return s.running.Load()
}

// deliver hands a block streamed for request id to the running catch-up.
func (s *syncer) deliver(id uint64, cb *wire.CommittedBlock) bool {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if id == 0 || id != active {
		return false
	}
	select {
	case s.incoming <- cb:
		return true
	default:
		return false
	}
}

// run catches the shard up to target. Only one run is active at a time.
func (s *syncer) run(ctx context.Context, target uint64) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	defer s.running.Store(false)

	s.mu.Lock()
	s.progress = SyncProgress{Shard: s.shard, Target: target, Status: SyncRunning, StartTime: time.Now()}
	s.mu.Unlock()
	s.logger.Info("Catching up", zap.Uint64("from", s.engine.Status().Height), zap.Uint64("target", target))

	if err := s.engine.EnterCatchUp(ctx); err != nil {
		return s.finish(err)
	}
	defer func() {
		if err := s.engine.EnterLive(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("Failed to resume consensus", zap.Error(err))
		}
	}()

	buffer := make(map[uint64]*wire.CommittedBlock)
	for {
		next := s.engine.Status().Height + 1
		if next > target {
			break
		}
		end := min(next+s.batchSize-1, target)
		attempt := 0
		err := s.retry.Retry(ctx, func(ctx context.Context) error {
			attempt++
			return s.fetch(ctx, end, attempt, buffer)
		})
		if err != nil {
			return s.finish(err)
		}
	}
	return s.finish(nil)
}

func (s *syncer) finish(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = 0
	s.progress.EndTime = time.Now()
	if err != nil {
		s.progress.Status = SyncFailed
		s.progress.LastError = err.Error()
		s.logger.Warn("Catch-up failed", zap.Int("applied", s.progress.Applied), zap.Error(err))
		return err
	}
	s.progress.Status = SyncCompleted
	s.logger.Info("Caught up", zap.Int("applied", s.progress.Applied), zap.Uint64("target", s.progress.Target))
	return nil
}

// fetch requests [next, end] from one peer and applies what arrives.
// Blocks may arrive out of order; up to bufferSize are held until their
// predecessors are applied.
func (s *syncer) fetch(ctx context.Context, end uint64, attempt int, buffer map[uint64]*wire.CommittedBlock) error {
	next := s.engine.Status().Height + 1
	peers := s.tracker.Candidates(s.shard, next, end, time.Now())
	if len(peers) == 0 {
		return errNoPeers
	}
	peer := peers[(attempt-1)%len(peers)]

	id := s.nextID.Add(1)
	s.mu.Lock()
	s.active = id
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.active == id {
			s.active = 0
		}
		s.mu.Unlock()
	}()

	req := &wire.ReadNodeMessage{Shard: s.shard, FromHeight: next, ToHeight: end, RequestID: id}
	if err := s.request(ctx, peer.PeerID, req); err != nil {
		return fmt.Errorf("request heights %d-%d: %w", next, end, err)
	}

	timer := time.NewTimer(s.requestTimeout)
	defer timer.Stop()
	for next <= end {
		select {
		case cb := <-s.incoming:
			h := cb.Height()
			if h < next || h > end {
				continue
			}
			if _, ok := buffer[h]; !ok && len(buffer) >= s.bufferSize {
				continue
			}
			buffer[h] = cb
			for b, ok := buffer[next]; ok; b, ok = buffer[next] {
				delete(buffer, next)
				err := s.engine.ApplyDecided(ctx, b)
				if err != nil && !errors.Is(err, snaperrors.ErrDuplicate) {
					return fmt.Errorf("apply height %d: %w", next, err)
				}
				if err == nil {
					s.mu.Lock()
					s.progress.Applied++
					s.mu.Unlock()
				}
				next++
			}
			timer.Reset(s.requestTimeout)
		case <-timer.C:
			return fmt.Errorf("request %d for heights %d-%d from %x timed out", id, next, end, peer.PeerID)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
