package cluster

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/10yihang/snapnode/internal/wire"
)

// ShardSet is the subset of the network's shards a node runs.
type ShardSet struct {
	count  uint32
	shards []uint32
}

// NewShardSet validates shards against count. An empty list selects every
// shard.
func NewShardSet(count uint32, shards []uint32) (*ShardSet, error) {
	if count == 0 {
		return nil, fmt.Errorf("shard count must be positive")
	}
	s := &ShardSet{count: count}
	if len(shards) == 0 {
		for i := uint32(0); i < count; i++ {
			s.shards = append(s.shards, i)
		}
		return s, nil
	}
	for _, shard := range shards {
		if shard >= count {
			return nil, fmt.Errorf("invalid shard: %d (count %d)", shard, count)
		}
	}
	s.shards = slices.Clone(shards)
	slices.Sort(s.shards)
	s.shards = slices.Compact(s.shards)
	return s, nil
}

// ParseShardList parses "0-3,7" into shard numbers.
func ParseShardList(spec string) ([]uint32, error) {
	var out []uint32
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid shard %q: %w", part, err)
		}
		end := start
		if isRange {
			end, err = strconv.ParseUint(strings.TrimSpace(hi), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid shard range %q: %w", part, err)
			}
			if end < start {
				return nil, fmt.Errorf("invalid shard range %q", part)
			}
		}
		for shard := start; shard <= end; shard++ {
			out = append(out, uint32(shard))
		}
	}
	return out, nil
}

func (s *ShardSet) Count() uint32 { return s.count }

func (s *ShardSet) List() []uint32 { return slices.Clone(s.shards) }

func (s *ShardSet) Contains(shard uint32) bool {
	_, ok := slices.BinarySearch(s.shards, shard)
	return ok
}

// ShardOf maps a fid to its shard.
func (s *ShardSet) ShardOf(fid uint64) uint32 {
	return wire.MessageShard(fid, s.count)
}

type ShardRange struct {
	Start uint32
	End   uint32
}

// Ranges collapses the set into contiguous ranges.
func (s *ShardSet) Ranges() []ShardRange {
	var ranges []ShardRange
	for _, shard := range s.shards {
		if n := len(ranges); n > 0 && ranges[n-1].End+1 == shard {
			ranges[n-1].End = shard
			continue
		}
		ranges = append(ranges, ShardRange{Start: shard, End: shard})
	}
	return ranges
}

func (s *ShardSet) String() string {
	parts := make([]string, 0, len(s.shards))
	for _, r := range s.Ranges() {
		if r.Start == r.End {
			parts = append(parts, strconv.FormatUint(uint64(r.Start), 10))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", r.Start, r.End))
		}
	}
	return strings.Join(parts, ",")
}
