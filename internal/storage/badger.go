package storage

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"iter"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/10yihang/snapnode/internal/wire"
	snaperrors "github.com/10yihang/snapnode/pkg/errors"
)

const (
	blockPrefix = 'b'
	eventPrefix = 'e'
)

// Store implements BlockStore and EventStore on BadgerDB.
type Store struct {
	db *badger.DB
}

// Options configure Open.
type Options struct {
	Dir      string
	InMemory bool
	// Clear removes Dir before opening.
	Clear  bool
	Logger *zap.Logger
}

// Open opens (or creates) a store.
func Open(o Options) (*Store, error) {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	var opts badger.Options
	if o.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if o.Clear {
			if err := os.RemoveAll(o.Dir); err != nil {
				return nil, errors.Wrapf(err, "clear %s", o.Dir)
			}
		}
		// A committed block must be on disk before peers hear about it.
		opts = badger.DefaultOptions(o.Dir).WithSyncWrites(true)
		opts.BlockCacheSize = 64 << 20
		opts.IndexCacheSize = 32 << 20
	}
	opts = opts.WithLogger(badgerLogger{o.Logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a throwaway store.
func OpenInMemory() (*Store, error) {
	return Open(Options{InMemory: true})
}

func blockKey(shard uint32, height uint64) []byte {
	k := make([]byte, 13)
	k[0] = blockPrefix
	binary.BigEndian.PutUint32(k[1:5], shard)
	binary.BigEndian.PutUint64(k[5:13], height)
	return k
}

func shardPrefix(shard uint32) []byte {
	return blockKey(shard, 0)[:5]
}

func eventKey(k wire.OrderKey) []byte {
	out := make([]byte, 21)
	out[0] = eventPrefix
	binary.BigEndian.PutUint32(out[1:5], k.ChainID)
	binary.BigEndian.PutUint64(out[5:13], k.BlockNumber)
	binary.BigEndian.PutUint32(out[13:17], k.TxIndex)
	binary.BigEndian.PutUint32(out[17:21], k.LogIndex)
	return out
}

func chainPrefix(chainID uint32) []byte {
	return eventKey(wire.OrderKey{ChainID: chainID})[:5]
}

// AppendBlock stores cb at the next height of its shard. Any failure is
// reported as ErrStorageWriteFailure.
func (s *Store) AppendBlock(ctx context.Context, cb *wire.CommittedBlock) error {
	if cb == nil || cb.Block == nil {
		return errors.Wrap(snaperrors.ErrStorageWriteFailure, "nil block")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(snaperrors.ErrStorageWriteFailure, err.Error())
	}
	h := cb.Block.Header
	val, err := wire.EncodeCommitted(cb)
	if err != nil {
		return errors.Wrapf(snaperrors.ErrStorageWriteFailure, "encode shard %d height %d: %v", h.Shard, h.Height, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		latest, err := latestHeight(txn, h.Shard)
		if err != nil {
			return err
		}
		if h.Height != latest+1 {
			return errors.Errorf("height %d does not follow %d", h.Height, latest)
		}
		return txn.Set(blockKey(h.Shard, h.Height), val)
	})
	if err != nil {
		return errors.Wrapf(snaperrors.ErrStorageWriteFailure, "append shard %d height %d: %v", h.Shard, h.Height, err)
	}
	return nil
}

func (s *Store) ReadBlock(ctx context.Context, shard uint32, height uint64) (*wire.CommittedBlock, error) {
	var cb *wire.CommittedBlock
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(shard, height))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			cb, err = wire.DecodeCommitted(val)
			return err
		})
	})
	if err != nil {
		if stderrors.Is(err, badger.ErrKeyNotFound) {
			return nil, snaperrors.ErrNotFound
		}
		return nil, errors.Wrapf(err, "read shard %d height %d", shard, height)
	}
	return cb, nil
}

func (s *Store) LatestHeight(shard uint32) (uint64, error) {
	var h uint64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		h, err = latestHeight(txn, shard)
		return err
	})
	return h, errors.Wrap(err, "latest height")
}

func latestHeight(txn *badger.Txn, shard uint32) (uint64, error) {
	prefix := shardPrefix(shard)
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	it.Seek(blockKey(shard, ^uint64(0)))
	if !it.ValidForPrefix(prefix) {
		return 0, nil
	}
	return binary.BigEndian.Uint64(it.Item().Key()[5:13]), nil
}

func (s *Store) Blocks(ctx context.Context, shard uint32, from, to uint64) iter.Seq2[*wire.CommittedBlock, error] {
	return func(yield func(*wire.CommittedBlock, error) bool) {
		// Paged so no read transaction spans a yield.
		const batch = 64
		next := from
		for next <= to {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			var page []*wire.CommittedBlock
			err := s.db.View(func(txn *badger.Txn) error {
				prefix := shardPrefix(shard)
				opts := badger.DefaultIteratorOptions
				opts.Prefix = prefix
				it := txn.NewIterator(opts)
				defer it.Close()
				for it.Seek(blockKey(shard, next)); it.ValidForPrefix(prefix) && len(page) < batch; it.Next() {
					height := binary.BigEndian.Uint64(it.Item().Key()[5:13])
					if height > to {
						break
					}
					var cb *wire.CommittedBlock
					if err := it.Item().Value(func(val []byte) error {
						var err error
						cb, err = wire.DecodeCommitted(val)
						return err
					}); err != nil {
						return err
					}
					page = append(page, cb)
				}
				return nil
			})
			if err != nil {
				yield(nil, errors.Wrap(err, "scan blocks"))
				return
			}
			for _, cb := range page {
				if !yield(cb, nil) {
					return
				}
			}
			if len(page) < batch {
				return
			}
			next = page[len(page)-1].Height() + 1
		}
	}
}

func (s *Store) PutEvent(ev *wire.OnChainEvent) error {
	val, err := wire.EncodeEvent(ev)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	return errors.Wrap(s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(eventKey(ev.OrderKey()), val)
	}), "put event")
}

func (s *Store) DeleteEvents(chainID uint32, fromBlock uint64) (int, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := chainPrefix(chainID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(eventKey(wire.OrderKey{ChainID: chainID, BlockNumber: fromBlock})); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "scan events")
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, errors.Wrap(err, "delete event")
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, errors.Wrap(err, "flush deletes")
	}
	return len(keys), nil
}

func (s *Store) Events() iter.Seq2[*wire.OnChainEvent, error] {
	return func(yield func(*wire.OnChainEvent, error) bool) {
		var events []*wire.OnChainEvent
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte{eventPrefix}
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Rewind(); it.Valid(); it.Next() {
				if err := it.Item().Value(func(val []byte) error {
					ev, err := wire.DecodeEvent(val)
					if err != nil {
						return err
					}
					events = append(events, ev)
					return nil
				}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			yield(nil, errors.Wrap(err, "scan events"))
			return
		}
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger's own logging through zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
