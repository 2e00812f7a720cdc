package wire

import (
	"fmt"
	"strings"
	"time"
)

// Network separates mainnet, testnet and devnet traffic. Frames and
// contacts from a different network are dropped.
type Network int32

const (
	NetworkNone Network = iota
	NetworkMainnet
	NetworkTestnet
	NetworkDevnet
)

func (n Network) String() string {
	switch n {
	case NetworkMainnet:
		return "mainnet"
	case NetworkTestnet:
		return "testnet"
	case NetworkDevnet:
		return "devnet"
	default:
		return "none"
	}
}

func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mainnet", "farcaster_network_mainnet":
		return NetworkMainnet, nil
	case "testnet", "farcaster_network_testnet":
		return NetworkTestnet, nil
	case "devnet", "farcaster_network_devnet":
		return NetworkDevnet, nil
	}
	return NetworkNone, fmt.Errorf("unknown network %q", s)
}

// FarcasterEpoch is the zero point of application message timestamps.
var FarcasterEpoch = time.Date(2021, time.January, 1, 0, 0, 0, 0, time.UTC)

// ToFarcasterTime converts a wall clock time to seconds since FarcasterEpoch.
func ToFarcasterTime(t time.Time) uint32 {
	d := t.Sub(FarcasterEpoch)
	if d < 0 {
		return 0
	}
	return uint32(d / time.Second)
}

func FromFarcasterTime(ts uint32) time.Time {
	return FarcasterEpoch.Add(time.Duration(ts) * time.Second)
}

// MessageShard maps an account to its shard. Shards are numbered
// 0..shardCount-1.
func MessageShard(fid uint64, shardCount uint32) uint32 {
	if shardCount == 0 {
		return 0
	}
	return uint32(fid % uint64(shardCount))
}
