package wire

import (
	"fmt"
	"time"

	snaperrors "github.com/10yihang/snapnode/pkg/errors"
)

type MessageType uint8

const (
	MessageTypeNone MessageType = iota
	MessageTypeCastAdd
	MessageTypeCastRemove
	MessageTypeReactionAdd
	MessageTypeReactionRemove
	MessageTypeLinkAdd
	MessageTypeLinkRemove
	MessageTypeVerificationAdd
	MessageTypeVerificationRemove
	MessageTypeUserDataAdd
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeCastAdd:
		return "CAST_ADD"
	case MessageTypeCastRemove:
		return "CAST_REMOVE"
	case MessageTypeReactionAdd:
		return "REACTION_ADD"
	case MessageTypeReactionRemove:
		return "REACTION_REMOVE"
	case MessageTypeLinkAdd:
		return "LINK_ADD"
	case MessageTypeLinkRemove:
		return "LINK_REMOVE"
	case MessageTypeVerificationAdd:
		return "VERIFICATION_ADD"
	case MessageTypeVerificationRemove:
		return "VERIFICATION_REMOVE"
	case MessageTypeUserDataAdd:
		return "USER_DATA_ADD"
	default:
		return "NONE"
	}
}

// SignatureScheme identifies how Message.Signature was produced.
type SignatureScheme uint8

const (
	SignatureSchemeNone SignatureScheme = iota
	SignatureSchemeEd25519
)

// MessageData is the signed portion of an application message.
type MessageData struct {
	Type      MessageType
	Fid       uint64
	Timestamp uint32
	Network   Network
	Body      []byte
}

// Message is an application message submitted by a user and carried in
// blocks. The node never interprets Body.
type Message struct {
	Data            MessageData
	Hash            Hash
	SignatureScheme SignatureScheme
	Signature       []byte
	Signer          []byte
}

// ComputeHash returns the canonical digest of d.
func (d *MessageData) ComputeHash() Hash {
	hs := newHasher("message")
	hs.u8(uint8(d.Type))
	hs.u64(d.Fid)
	hs.u32(d.Timestamp)
	hs.u32(uint32(d.Network))
	hs.bytes(d.Body)
	return hs.sum()
}

func (m *Message) Time() time.Time {
	return FromFarcasterTime(m.Data.Timestamp)
}

// Shard returns the shard owning the message's account.
func (m *Message) Shard(shardCount uint32) uint32 {
	return MessageShard(m.Data.Fid, shardCount)
}

// CheckWellFormed verifies the structural invariants of m that do not need
// any account state: a type, a fid, a matching hash and a signer.
func (m *Message) CheckWellFormed(network Network) error {
	switch {
	case m == nil:
		return fmt.Errorf("%w: nil message", snaperrors.ErrInvalidMessage)
	case m.Data.Type == MessageTypeNone:
		return fmt.Errorf("%w: missing type", snaperrors.ErrInvalidMessage)
	case m.Data.Fid == 0:
		return fmt.Errorf("%w: missing fid", snaperrors.ErrInvalidMessage)
	case m.Data.Network != network:
		return fmt.Errorf("%w: message for %s", snaperrors.ErrNetworkMismatch, m.Data.Network)
	case len(m.Signer) == 0 || len(m.Signature) == 0:
		return fmt.Errorf("%w: unsigned", snaperrors.ErrInvalidMessage)
	case m.Data.ComputeHash() != m.Hash:
		return fmt.Errorf("%w: hash mismatch", snaperrors.ErrInvalidMessage)
	}
	return nil
}

// Less orders messages by (timestamp, hash), the order in which they are
// proposed.
func (m *Message) Less(o *Message) bool {
	if m.Data.Timestamp != o.Data.Timestamp {
		return m.Data.Timestamp < o.Data.Timestamp
	}
	return compareHash(m.Hash, o.Hash) < 0
}

func compareHash(a, b Hash) int {
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

// CompareHash orders hashes bytewise.
func CompareHash(a, b Hash) int {
	return compareHash(a, b)
}
