// Package storage persists decided blocks and on-chain events.
package storage

import (
	"context"
	"iter"

	"github.com/10yihang/snapnode/internal/wire"
)

// BlockStore is the durable log of decided blocks per shard. Heights start
// at 1; LatestHeight returns 0 for an empty shard.
type BlockStore interface {
	AppendBlock(ctx context.Context, cb *wire.CommittedBlock) error
	ReadBlock(ctx context.Context, shard uint32, height uint64) (*wire.CommittedBlock, error)
	LatestHeight(shard uint32) (uint64, error)
	// Blocks yields decided blocks of shard in [from, to] in height order.
	Blocks(ctx context.Context, shard uint32, from, to uint64) iter.Seq2[*wire.CommittedBlock, error]
	Close() error
}

// EventStore keeps the raw on-chain events so the log can be rebuilt on
// restart.
type EventStore interface {
	PutEvent(ev *wire.OnChainEvent) error
	// DeleteEvents removes events of chainID at or above fromBlock.
	DeleteEvents(chainID uint32, fromBlock uint64) (int, error)
	// Events yields every stored event in OrderKey order.
	Events() iter.Seq2[*wire.OnChainEvent, error]
}
