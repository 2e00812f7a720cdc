package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "snapnode"
)

var (
	// GossipFrames counts received frames
	GossipFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gossip",
			Name:      "frames_total",
			Help:      "Gossip frames received by kind and result",
		},
		[]string{"kind", "result"}, // result: dispatched/duplicate/mismatch/invalid/rejected
	)

	// GossipSent counts frames written to peers
	GossipSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gossip",
			Name:      "sent_total",
			Help:      "Gossip frames sent by kind",
		},
		[]string{"kind"},
	)

	// PeersKnown tracks the peer directory size
	PeersKnown = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gossip",
			Name:      "peers",
			Help:      "Number of peers in the directory",
		},
	)

	// MempoolSize tracks pending messages per shard
	MempoolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mempool",
			Name:      "messages",
			Help:      "Pending messages by shard",
		},
		[]string{"shard"},
	)

	// MempoolAdmissions counts submissions by outcome
	MempoolAdmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mempool",
			Name:      "admissions_total",
			Help:      "Mempool submissions by outcome",
		},
		[]string{"outcome"},
	)

	// OnchainEvents counts ingested L1 events
	OnchainEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "onchain",
			Name:      "events_total",
			Help:      "On-chain events by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// OnchainReplays counts full state recomputations
	OnchainReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "onchain",
			Name:      "replays_total",
			Help:      "Number of full replays of the event log",
		},
	)

	// ConsensusHeight tracks the last committed height
	ConsensusHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "height",
			Help:      "Last committed height by shard",
		},
		[]string{"shard"},
	)

	// ConsensusRound tracks the current round
	ConsensusRound = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "round",
			Help:      "Current round by shard",
		},
		[]string{"shard"},
	)

	// ConsensusTimeouts counts fired step timeouts
	ConsensusTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "timeouts_total",
			Help:      "Step timeouts by shard and step",
		},
		[]string{"shard", "step"},
	)

	// CommitDuration measures time from height start to commit
	CommitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "commit_duration_seconds",
			Help:      "Time from entering a height to committing it",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"shard"},
	)

	// ShardHalted is 1 when a shard stopped on a storage failure
	ShardHalted = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "halted",
			Help:      "Whether a shard engine is halted",
		},
		[]string{"shard"},
	)

	// SyncBlocks counts blocks applied through catch-up
	SyncBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "blocks_total",
			Help:      "Decided blocks applied during catch-up",
		},
		[]string{"shard"},
	)

	// MemoryUsage tracks memory usage
	MemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_bytes",
			Help:      "Memory usage in bytes",
		},
		[]string{"type"},
	)

	// Info exposes build and node identity
	Info = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Node information",
		},
		[]string{"version", "network", "peer_id"},
	)

	// Uptime tracks process uptime
	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Node uptime in seconds",
		},
	)
)
