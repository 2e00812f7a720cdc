// Package config loads node configuration. Values are layered as
// defaults, then a TOML file, then SNAPNODE_* environment variables, then
// command line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/10yihang/snapnode/internal/cluster"
	"github.com/10yihang/snapnode/internal/cluster/gossip"
	"github.com/10yihang/snapnode/internal/consensus"
	"github.com/10yihang/snapnode/internal/keys"
	"github.com/10yihang/snapnode/internal/logging"
	"github.com/10yihang/snapnode/internal/wire"
)

const (
	TransportTCP  = "tcp"
	TransportQUIC = "quic"
)

type Config struct {
	Network    string `toml:"network"`
	ShardCount uint32 `toml:"shard_count"`
	// Shards selects the shards this node runs, e.g. "0-3,7". Empty runs
	// all of them.
	Shards    string `toml:"shards"`
	ReadNode  bool   `toml:"read_node"`
	Key       string `toml:"key"`
	DataDir   string `toml:"data_dir"`
	ClearDB   bool   `toml:"clear_db"`
	LogFormat string `toml:"log_format"`
	LogLevel  string `toml:"log_level"`

	Gossip    GossipConfig    `toml:"gossip"`
	Consensus ConsensusConfig `toml:"consensus"`
	Mempool   MempoolConfig   `toml:"mempool"`
	Onchain   OnchainConfig   `toml:"onchain"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Admin     AdminConfig     `toml:"admin"`
}

type GossipConfig struct {
	ListenAddress    string        `toml:"listen_address"`
	AdvertiseAddress string        `toml:"advertise_address"`
	Transport        string        `toml:"transport"`
	Seeds            []string      `toml:"seeds"`
	Fanout           int           `toml:"fanout"`
	DedupWindow      int           `toml:"dedup_window"`
	DedupTTL         time.Duration `toml:"dedup_ttl"`
	AnnounceInterval time.Duration `toml:"announce_interval"`
	PeerMaxAge       time.Duration `toml:"peer_max_age"`
}

type ValidatorConfig struct {
	PublicKey string `toml:"public_key"`
	Fid       uint64 `toml:"fid"`
}

type ConsensusConfig struct {
	ProposeTimeout      time.Duration     `toml:"propose_timeout"`
	PrevoteTimeout      time.Duration     `toml:"prevote_timeout"`
	PrecommitTimeout    time.Duration     `toml:"precommit_timeout"`
	MaxTimeout          time.Duration     `toml:"max_timeout"`
	BlockTime           time.Duration     `toml:"block_time"`
	StartDelay          time.Duration     `toml:"start_delay"`
	MaxMessagesPerBlock int               `toml:"max_messages_per_block"`
	StatusInterval      time.Duration     `toml:"status_interval"`
	StatusMaxAge        time.Duration     `toml:"status_max_age"`
	Validators          []ValidatorConfig `toml:"validators"`
}

type MempoolConfig struct {
	TTL      time.Duration `toml:"ttl"`
	Capacity int           `toml:"capacity"`
}

type OnchainConfig struct {
	ConfirmationDepth uint64 `toml:"confirmation_depth"`
	SnapshotRetention int    `toml:"snapshot_retention"`
}

type MetricsConfig struct {
	// Address of the prometheus endpoint; empty disables it.
	Address string `toml:"address"`
}

type AdminConfig struct {
	// Address of the operator console; empty disables it.
	Address string `toml:"address"`
}

// Default returns a single-node devnet configuration.
func Default() *Config {
	return &Config{
		Network:    "devnet",
		ShardCount: 1,
		DataDir:    "./data",
		LogFormat:  logging.FormatText,
		LogLevel:   "info",
		Gossip: GossipConfig{
			ListenAddress:    "0.0.0.0:3382",
			Transport:        TransportTCP,
			Fanout:           3,
			DedupWindow:      65536,
			DedupTTL:         gossip.DefaultDedupTTL,
			AnnounceInterval: 10 * time.Second,
			PeerMaxAge:       time.Minute,
		},
		Consensus: ConsensusConfig{
			ProposeTimeout:      consensus.DefaultProposeTimeout,
			PrevoteTimeout:      consensus.DefaultPrevoteTimeout,
			PrecommitTimeout:    consensus.DefaultPrecommitTimeout,
			MaxTimeout:          consensus.DefaultMaxTimeout,
			BlockTime:           consensus.DefaultBlockTime,
			MaxMessagesPerBlock: consensus.DefaultMaxMessagesPerBlock,
			StatusInterval:      cluster.DefaultStatusInterval,
			StatusMaxAge:        cluster.DefaultStatusMaxAge,
		},
		Mempool: MempoolConfig{
			TTL:      10 * time.Minute,
			Capacity: 100_000,
		},
		Onchain: OnchainConfig{
			ConfirmationDepth: 0,
			SnapshotRetention: 64,
		},
		Admin: AdminConfig{
			Address: "127.0.0.1:3383",
		},
	}
}

// Load reads path (if not empty) over the defaults and applies environment
// overrides. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("load config %s: unknown key %q", path, undecoded[0].String())
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the node cannot run with.
func (c *Config) Validate() error {
	if _, err := wire.ParseNetwork(c.Network); err != nil {
		return err
	}
	if c.ShardCount == 0 {
		return fmt.Errorf("shard_count must be positive")
	}
	if _, err := c.ShardSet(); err != nil {
		return err
	}
	if !c.ReadNode {
		if c.Key == "" {
			return fmt.Errorf("key is required unless read_node is set")
		}
		if _, err := keys.SignerFromHex(c.Key); err != nil {
			return fmt.Errorf("key: %w", err)
		}
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if _, err := logging.New(c.LogFormat, c.LogLevel); err != nil {
		return err
	}

	if c.Gossip.ListenAddress == "" {
		return fmt.Errorf("gossip.listen_address is required")
	}
	if !slices.Contains([]string{TransportTCP, TransportQUIC}, c.Gossip.Transport) {
		return fmt.Errorf("gossip.transport must be %q or %q, got %q", TransportTCP, TransportQUIC, c.Gossip.Transport)
	}
	if c.Gossip.Fanout <= 0 {
		return fmt.Errorf("gossip.fanout must be positive")
	}
	if c.Gossip.DedupTTL <= 0 {
		return fmt.Errorf("gossip.dedup_ttl must be positive")
	}

	cc := c.Consensus
	for name, d := range map[string]time.Duration{
		"propose_timeout":   cc.ProposeTimeout,
		"prevote_timeout":   cc.PrevoteTimeout,
		"precommit_timeout": cc.PrecommitTimeout,
		"max_timeout":       cc.MaxTimeout,
		"block_time":        cc.BlockTime,
	} {
		if d <= 0 {
			return fmt.Errorf("consensus.%s must be positive", name)
		}
	}
	if cc.MaxTimeout < max(cc.ProposeTimeout, cc.PrevoteTimeout, cc.PrecommitTimeout) {
		return fmt.Errorf("consensus.max_timeout is below a base timeout")
	}
	if cc.StartDelay < 0 {
		return fmt.Errorf("consensus.start_delay must not be negative")
	}
	if cc.MaxMessagesPerBlock <= 0 {
		return fmt.Errorf("consensus.max_messages_per_block must be positive")
	}
	if cc.StatusInterval <= 0 || cc.StatusMaxAge <= cc.StatusInterval {
		return fmt.Errorf("consensus.status_max_age must exceed a positive status_interval")
	}
	// Peers repeat an unchanged status every interval; the router must not
	// suppress those repeats for longer than a status stays fresh.
	if c.Gossip.DedupTTL >= cc.StatusMaxAge {
		return fmt.Errorf("gossip.dedup_ttl must be below consensus.status_max_age")
	}
	if _, err := c.Members(); err != nil {
		return err
	}

	if c.Mempool.Capacity <= 0 {
		return fmt.Errorf("mempool.capacity must be positive")
	}
	if c.Mempool.TTL <= 0 {
		return fmt.Errorf("mempool.ttl must be positive")
	}
	return nil
}

// NetworkID returns the parsed network. Call Validate first.
func (c *Config) NetworkID() wire.Network {
	n, _ := wire.ParseNetwork(c.Network)
	return n
}

func (c *Config) ShardSet() (*cluster.ShardSet, error) {
	list, err := cluster.ParseShardList(c.Shards)
	if err != nil {
		return nil, err
	}
	return cluster.NewShardSet(c.ShardCount, list)
}

// Members returns the configured validators. Keys and fids must be unique.
func (c *Config) Members() ([]consensus.Member, error) {
	if len(c.Consensus.Validators) == 0 {
		return nil, fmt.Errorf("consensus.validators must not be empty")
	}
	members := make([]consensus.Member, 0, len(c.Consensus.Validators))
	seenKeys := make(map[string]struct{})
	seenFids := make(map[uint64]struct{})
	for i, v := range c.Consensus.Validators {
		pub, err := keys.ParsePublicKeyHex(v.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("consensus.validators[%d]: %w", i, err)
		}
		if v.Fid == 0 {
			return nil, fmt.Errorf("consensus.validators[%d]: fid must be positive", i)
		}
		if _, dup := seenKeys[string(pub)]; dup {
			return nil, fmt.Errorf("consensus.validators[%d]: duplicate public key", i)
		}
		if _, dup := seenFids[v.Fid]; dup {
			return nil, fmt.Errorf("consensus.validators[%d]: duplicate fid %d", i, v.Fid)
		}
		seenKeys[string(pub)] = struct{}{}
		seenFids[v.Fid] = struct{}{}
		members = append(members, consensus.Member{PublicKey: pub, Fid: v.Fid})
	}
	return members, nil
}

// DBPath is the badger directory under DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "db")
}

// AdvertiseAddress is the gossip address announced to peers.
func (c *Config) AdvertiseAddress() string {
	if c.Gossip.AdvertiseAddress != "" {
		return c.Gossip.AdvertiseAddress
	}
	return c.Gossip.ListenAddress
}
