package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	snaperrors "github.com/10yihang/snapnode/pkg/errors"
)

const (
	frameVersion = 1
	// headerFixed is version(1) + network(4) + kind(1) + sender length(1).
	headerFixed = 7
	// MaxSenderLen bounds the sender id in the header.
	MaxSenderLen = 255
)

func init() {
	gob.Register(&SignerEventBody{})
	gob.Register(&SignerMigratedEventBody{})
	gob.Register(&IdRegisterEventBody{})
	gob.Register(&StorageRentEventBody{})
	gob.Register(&TierPurchaseBody{})
}

// Frame is a gossip message with its payload still encoded. Routers dedup
// and re-broadcast frames without touching Body.
type Frame struct {
	Network Network
	Kind    Kind
	Sender  []byte
	Body    []byte
}

// FrameID is the dedup identity of a frame.
type FrameID [HashSize]byte

// ID covers the network, the kind and the payload bytes. The sender is
// excluded so relayed copies collapse to one identity.
func (f *Frame) ID() FrameID {
	hs := newHasher("frame")
	hs.u32(uint32(f.Network))
	hs.u8(uint8(f.Kind))
	hs.bytes(f.Body)
	return FrameID(hs.sum())
}

func (f *Frame) Marshal() ([]byte, error) {
	if len(f.Sender) > MaxSenderLen {
		return nil, fmt.Errorf("%w: sender id too long", snaperrors.ErrInvalidMessage)
	}
	out := make([]byte, headerFixed+len(f.Sender)+len(f.Body))
	out[0] = frameVersion
	binary.BigEndian.PutUint32(out[1:5], uint32(f.Network))
	out[5] = byte(f.Kind)
	out[6] = byte(len(f.Sender))
	n := copy(out[headerFixed:], f.Sender)
	copy(out[headerFixed+n:], f.Body)
	return out, nil
}

// ParseFrame splits raw bytes into header and payload without decoding the
// payload. Body aliases data.
func ParseFrame(data []byte) (*Frame, error) {
	if len(data) < headerFixed {
		return nil, fmt.Errorf("%w: short frame", snaperrors.ErrInvalidMessage)
	}
	if data[0] != frameVersion {
		return nil, fmt.Errorf("%w: frame version %d", snaperrors.ErrInvalidMessage, data[0])
	}
	senderLen := int(data[6])
	if len(data) < headerFixed+senderLen {
		return nil, fmt.Errorf("%w: truncated sender", snaperrors.ErrInvalidMessage)
	}
	return &Frame{
		Network: Network(binary.BigEndian.Uint32(data[1:5])),
		Kind:    Kind(data[5]),
		Sender:  data[headerFixed : headerFixed+senderLen],
		Body:    data[headerFixed+senderLen:],
	}, nil
}

// EncodePayload gob-encodes a payload.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", snaperrors.ErrInvalidMessage)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.Kind(), err)
	}
	return buf.Bytes(), nil
}

// DecodePayload decodes body as the payload type selected by kind.
func DecodePayload(kind Kind, body []byte) (Payload, error) {
	var p Payload
	switch kind {
	case KindConsensus:
		p = &ConsensusMessage{}
	case KindFullProposal:
		p = &FullProposal{}
	case KindMempool:
		p = &MempoolMessage{}
	case KindStatus:
		p = &StatusMessage{}
	case KindReadNode:
		p = &ReadNodeMessage{}
	case KindContactInfo:
		p = &ContactInfo{}
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", snaperrors.ErrInvalidMessage, kind)
	}
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(p); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", snaperrors.ErrInvalidMessage, kind, err)
	}
	return p, nil
}

// NewFrame encodes msg into a frame.
func NewFrame(msg *GossipMessage) (*Frame, error) {
	body, err := EncodePayload(msg.Payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Network: msg.Network, Kind: msg.Payload.Kind(), Sender: msg.Sender, Body: body}, nil
}

// Decode turns a frame back into a gossip message.
func (f *Frame) Decode() (*GossipMessage, error) {
	p, err := DecodePayload(f.Kind, f.Body)
	if err != nil {
		return nil, err
	}
	return &GossipMessage{Network: f.Network, Sender: bytes.Clone(f.Sender), Payload: p}, nil
}

// EncodeEvent and DecodeEvent serialize on-chain events for storage.
func EncodeEvent(ev *OnChainEvent) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ev); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeEvent(data []byte) (*OnChainEvent, error) {
	ev := &OnChainEvent{}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func EncodeCommitted(cb *CommittedBlock) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cb); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeCommitted(data []byte) (*CommittedBlock, error) {
	cb := &CommittedBlock{}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(cb); err != nil {
		return nil, err
	}
	return cb, nil
}
