package config

import (
	"flag"
	"strings"
)

// Flags are the command line overrides. Only flags that were set on the
// command line replace loaded values.
type Flags struct {
	fs *flag.FlagSet

	ConfigPath string
	network    string
	shards     string
	readNode   bool
	key        string
	dataDir    string
	clearDB    bool
	logFormat  string
	logLevel   string
	listen     string
	advertise  string
	transport  string
	seeds      string
	metrics    string
	admin      string
}

// RegisterFlags defines the override flags on fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVar(&f.ConfigPath, "config", "", "path to the TOML config file")
	fs.StringVar(&f.network, "network", "", "network: mainnet, testnet or devnet")
	fs.StringVar(&f.shards, "shards", "", "shards to run, e.g. 0-3,7 (default all)")
	fs.BoolVar(&f.readNode, "read-node", false, "follow decided blocks without voting")
	fs.StringVar(&f.key, "key", "", "hex secp256k1 validator key")
	fs.StringVar(&f.dataDir, "data-dir", "", "data directory")
	fs.BoolVar(&f.clearDB, "clear-db", false, "remove the block database before starting")
	fs.StringVar(&f.logFormat, "log-format", "", "log format: text or json")
	fs.StringVar(&f.logLevel, "log-level", "", "log level")
	fs.StringVar(&f.listen, "listen", "", "gossip listen address (host:port)")
	fs.StringVar(&f.advertise, "advertise", "", "gossip address announced to peers")
	fs.StringVar(&f.transport, "transport", "", "gossip transport: tcp or quic")
	fs.StringVar(&f.seeds, "seeds", "", "comma-separated seed addresses (host:port)")
	fs.StringVar(&f.metrics, "metrics", "", "prometheus listen address")
	fs.StringVar(&f.admin, "admin", "", "operator console listen address")
	return f
}

// Apply copies the flags that were given explicitly into cfg.
func (f *Flags) Apply(cfg *Config) {
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "network":
			cfg.Network = f.network
		case "shards":
			cfg.Shards = f.shards
		case "read-node":
			cfg.ReadNode = f.readNode
		case "key":
			cfg.Key = f.key
		case "data-dir":
			cfg.DataDir = f.dataDir
		case "clear-db":
			cfg.ClearDB = f.clearDB
		case "log-format":
			cfg.LogFormat = f.logFormat
		case "log-level":
			cfg.LogLevel = f.logLevel
		case "listen":
			cfg.Gossip.ListenAddress = f.listen
		case "advertise":
			cfg.Gossip.AdvertiseAddress = f.advertise
		case "transport":
			cfg.Gossip.Transport = strings.ToLower(f.transport)
		case "seeds":
			cfg.Gossip.Seeds = splitList(f.seeds)
		case "metrics":
			cfg.Metrics.Address = f.metrics
		case "admin":
			cfg.Admin.Address = f.admin
		}
	})
}
