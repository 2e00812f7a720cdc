package metrics

import (
	"runtime"
	"strconv"
	"time"
)

// Collector collects periodic process metrics
type Collector struct {
	startTime time.Time
}

// NewCollector creates a collector
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
	}
}

// Collect collects periodic metrics
func (c *Collector) Collect() {
	c.collectMemory()
	c.collectUptime()
}

func (c *Collector) collectMemory() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsage.WithLabelValues("alloc").Set(float64(m.Alloc))
	MemoryUsage.WithLabelValues("sys").Set(float64(m.Sys))
	MemoryUsage.WithLabelValues("heap_alloc").Set(float64(m.HeapAlloc))
	MemoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
}

func (c *Collector) collectUptime() {
	Uptime.Set(time.Since(c.startTime).Seconds())
}

func shardLabel(shard uint32) string {
	return strconv.FormatUint(uint64(shard), 10)
}

// RecordFrame records a received gossip frame
func RecordFrame(kind, result string) {
	GossipFrames.WithLabelValues(kind, result).Inc()
}

// RecordSent records a frame sent to a peer
func RecordSent(kind string) {
	GossipSent.WithLabelValues(kind).Inc()
}

// RecordAdmission records a mempool submission outcome
func RecordAdmission(outcome string) {
	MempoolAdmissions.WithLabelValues(outcome).Inc()
}

// SetMempoolSize sets the pending count of a shard
func SetMempoolSize(shard uint32, n int) {
	MempoolSize.WithLabelValues(shardLabel(shard)).Set(float64(n))
}

// RecordEvent records an ingested on-chain event
func RecordEvent(eventType, outcome string) {
	OnchainEvents.WithLabelValues(eventType, outcome).Inc()
}

// RecordCommit records a committed height
func RecordCommit(shard uint32, height uint64, took time.Duration) {
	ConsensusHeight.WithLabelValues(shardLabel(shard)).Set(float64(height))
	CommitDuration.WithLabelValues(shardLabel(shard)).Observe(took.Seconds())
}

// SetRound sets the current round of a shard
func SetRound(shard uint32, round int32) {
	ConsensusRound.WithLabelValues(shardLabel(shard)).Set(float64(round))
}

// RecordTimeout records a fired step timeout
func RecordTimeout(shard uint32, step string) {
	ConsensusTimeouts.WithLabelValues(shardLabel(shard), step).Inc()
}

// SetHalted marks a shard as halted or running
func SetHalted(shard uint32, halted bool) {
	v := 0.0
	if halted {
		v = 1
	}
	ShardHalted.WithLabelValues(shardLabel(shard)).Set(v)
}

// RecordSyncBlock records a block applied through catch-up
func RecordSyncBlock(shard uint32, height uint64) {
	SyncBlocks.WithLabelValues(shardLabel(shard)).Inc()
	ConsensusHeight.WithLabelValues(shardLabel(shard)).Set(float64(height))
}
