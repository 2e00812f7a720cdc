package wire

import "slices"

// Kind is the discriminant of a gossip payload. It travels in the frame
// header so receivers can dedup and route before decoding.
type Kind uint8

const (
	KindNone Kind = iota
	KindConsensus
	KindFullProposal
	KindMempool
	KindStatus
	KindReadNode
	KindContactInfo
)

func (k Kind) String() string {
	switch k {
	case KindConsensus:
		return "consensus"
	case KindFullProposal:
		return "full_proposal"
	case KindMempool:
		return "mempool"
	case KindStatus:
		return "status"
	case KindReadNode:
		return "read_node"
	case KindContactInfo:
		return "contact_info"
	default:
		return "none"
	}
}

// Payload is implemented by exactly the six gossip message types below.
type Payload interface {
	Kind() Kind
	isPayload()
}

// GossipMessage is the decoded form of a frame.
type GossipMessage struct {
	Network Network
	Sender  []byte
	Payload Payload
}

// ConsensusMessage carries a signed vote.
type ConsensusMessage struct {
	Vote      Vote
	Signature []byte
}

// FullProposal carries a proposed block. ValidRound is -1 unless the
// proposer is re-proposing a block it saw polka for.
type FullProposal struct {
	Shard      uint32
	Height     uint64
	Round      int32
	ValidRound int32
	Proposer   []byte
	Block      *Block
	Signature  []byte
}

type MempoolMessage struct {
	Messages []*Message
	Peer     []byte
}

// StatusMessage advertises a peer's progress on one shard. Timestamp is
// the send time in unix milliseconds, so every periodic status is a new
// frame even when the height has not moved.
type StatusMessage struct {
	PeerID    []byte
	Shard     uint32
	Height    uint64
	MinHeight uint64
	ReadNode  bool
	Timestamp int64
}

// ReadNodeMessage is either a request for the decided blocks in
// [FromHeight, ToHeight] of Shard, or one decided block. RequestID ties a
// streamed response to its request; a decided block announced by its
// proposer carries a zero RequestID.
type ReadNodeMessage struct {
	Shard      uint32
	FromHeight uint64
	ToHeight   uint64
	RequestID  uint64
	Decided    *CommittedBlock
}

func (m *ReadNodeMessage) IsRequest() bool {
	return m.Decided == nil
}

// ContactInfo announces how to reach a peer. Shards lists the consensus
// topics the peer follows; empty means all.
type ContactInfo struct {
	GossipAddress   string
	PeerID          []byte
	ProtocolVersion string
	Network         Network
	Timestamp       int64
	Shards          []uint32
}

// Follows reports whether the peer subscribes to shard's consensus topic.
func (c *ContactInfo) Follows(shard uint32) bool {
	return len(c.Shards) == 0 || slices.Contains(c.Shards, shard)
}

func (c ContactInfo) Clone() ContactInfo {
	c.PeerID = slices.Clone(c.PeerID)
	c.Shards = slices.Clone(c.Shards)
	return c
}

func (*ConsensusMessage) Kind() Kind { return KindConsensus }
func (*FullProposal) Kind() Kind     { return KindFullProposal }
func (*MempoolMessage) Kind() Kind   { return KindMempool }
func (*StatusMessage) Kind() Kind    { return KindStatus }
func (*ReadNodeMessage) Kind() Kind  { return KindReadNode }
func (*ContactInfo) Kind() Kind      { return KindContactInfo }

func (*ConsensusMessage) isPayload() {}
func (*FullProposal) isPayload()     {}
func (*MempoolMessage) isPayload()   {}
func (*StatusMessage) isPayload()    {}
func (*ReadNodeMessage) isPayload()  {}
func (*ContactInfo) isPayload()      {}

// SignBytes is the digest the proposer signs for p.
func (p *FullProposal) SignBytes() Hash {
	hs := newHasher("proposal")
	hs.u32(p.Shard)
	hs.u64(p.Height)
	hs.u32(uint32(p.Round))
	hs.u32(uint32(p.ValidRound))
	hs.bytes(p.Proposer)
	if p.Block != nil {
		hs.hash(p.Block.Hash)
	}
	return hs.sum()
}

// ShardOf returns the shard a consensus payload belongs to.
func ShardOf(p Payload) (uint32, bool) {
	switch m := p.(type) {
	case *ConsensusMessage:
		return m.Vote.Shard, true
	case *FullProposal:
		return m.Shard, true
	case *StatusMessage:
		return m.Shard, true
	case *ReadNodeMessage:
		return m.Shard, true
	}
	return 0, false
}
