package state

// CurrentStateVersion is the schema version for persistent state
const CurrentStateVersion = 1

// PersistentState is the node-local state kept across restarts. Chain
// data lives in the block store; this only holds what speeds up rejoining.
type PersistentState struct {
	Version    int               `json:"version"`
	PeerID     string            `json:"peer_id"`
	Network    string            `json:"network"`
	Peers      []PeerRecord      `json:"peers"`
	Watermarks map[uint32]uint64 `json:"watermarks,omitempty"`
	SavedAt    int64             `json:"saved_at"`
}

// PeerRecord stores how to reach a previously seen peer
type PeerRecord struct {
	PeerID        string   `json:"peer_id"`
	GossipAddress string   `json:"gossip_address"`
	Shards        []uint32 `json:"shards,omitempty"`
}
