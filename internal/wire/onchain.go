package wire

import (
	"fmt"
	"time"

	snaperrors "github.com/10yihang/snapnode/pkg/errors"
)

// Chain ids of the L1/L2 chains carrying protocol contracts.
const (
	ChainOptimism uint32 = 10
	ChainBase     uint32 = 8453
)

type EventType uint8

const (
	EventTypeNone EventType = iota
	EventTypeSigner
	EventTypeSignerMigrated
	EventTypeIdRegister
	EventTypeStorageRent
	EventTypeTierPurchase
)

func (t EventType) String() string {
	switch t {
	case EventTypeSigner:
		return "signer"
	case EventTypeSignerMigrated:
		return "signer_migrated"
	case EventTypeIdRegister:
		return "id_register"
	case EventTypeStorageRent:
		return "storage_rent"
	case EventTypeTierPurchase:
		return "tier_purchase"
	default:
		return "none"
	}
}

// OnChainEvent is a fact observed on L1. Body is one of the five event body
// types and must agree with Type.
type OnChainEvent struct {
	Type           EventType
	ChainID        uint32
	BlockNumber    uint64
	BlockHash      Hash
	BlockTimestamp uint64
	TxHash         Hash
	LogIndex       uint32
	TxIndex        uint32
	Fid            uint64
	Version        uint32
	Body           EventBody
}

// EventBody is implemented only by the body types in this package.
type EventBody interface {
	eventType() EventType
}

type SignerEventType uint8

const (
	SignerEventNone SignerEventType = iota
	SignerEventAdd
	SignerEventRemove
	SignerEventAdminReset
)

type SignerEventBody struct {
	Key          []byte
	KeyType      uint32
	EventType    SignerEventType
	Metadata     []byte
	MetadataType uint32
}

// SignerMigratedEventBody with a zero event Fid marks the global migration
// point; with a non-zero Fid it resets that account's signers.
type SignerMigratedEventBody struct {
	MigratedAt uint64
}

type IdRegisterEventType uint8

const (
	IdRegisterNone IdRegisterEventType = iota
	IdRegisterRegister
	IdRegisterTransfer
	IdRegisterChangeRecovery
)

type IdRegisterEventBody struct {
	To              []byte
	From            []byte
	EventType       IdRegisterEventType
	RecoveryAddress []byte
}

// StorageRentEventBody grants Units until Expiry (unix seconds). A zero
// Expiry means one year after the event's block.
type StorageRentEventBody struct {
	Payer  []byte
	Units  uint32
	Expiry uint64
}

type TierType uint8

const (
	TierNone TierType = iota
	TierPro
)

type TierPurchaseBody struct {
	TierType TierType
	ForDays  uint64
	Payer    []byte
}

func (*SignerEventBody) eventType() EventType         { return EventTypeSigner }
func (*SignerMigratedEventBody) eventType() EventType { return EventTypeSignerMigrated }
func (*IdRegisterEventBody) eventType() EventType     { return EventTypeIdRegister }
func (*StorageRentEventBody) eventType() EventType    { return EventTypeStorageRent }
func (*TierPurchaseBody) eventType() EventType        { return EventTypeTierPurchase }

// StorageRentDuration is the default lifetime of a rented storage unit.
const StorageRentDuration = 365 * 24 * time.Hour

// OrderKey is the total order in which events are applied.
type OrderKey struct {
	ChainID     uint32
	BlockNumber uint64
	TxIndex     uint32
	LogIndex    uint32
}

func (k OrderKey) Compare(o OrderKey) int {
	switch {
	case k.ChainID != o.ChainID:
		return cmpUint(uint64(k.ChainID), uint64(o.ChainID))
	case k.BlockNumber != o.BlockNumber:
		return cmpUint(k.BlockNumber, o.BlockNumber)
	case k.TxIndex != o.TxIndex:
		return cmpUint(uint64(k.TxIndex), uint64(o.TxIndex))
	default:
		return cmpUint(uint64(k.LogIndex), uint64(o.LogIndex))
	}
}

func (k OrderKey) Less(o OrderKey) bool {
	return k.Compare(o) < 0
}

func (k OrderKey) String() string {
	return fmt.Sprintf("%d/%d/%d/%d", k.ChainID, k.BlockNumber, k.TxIndex, k.LogIndex)
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// EventIdentity is the idempotency key of an event.
type EventIdentity struct {
	BlockHash Hash
	TxHash    Hash
	LogIndex  uint32
}

func (e *OnChainEvent) OrderKey() OrderKey {
	return OrderKey{ChainID: e.ChainID, BlockNumber: e.BlockNumber, TxIndex: e.TxIndex, LogIndex: e.LogIndex}
}

func (e *OnChainEvent) Identity() EventIdentity {
	return EventIdentity{BlockHash: e.BlockHash, TxHash: e.TxHash, LogIndex: e.LogIndex}
}

func (e *OnChainEvent) Time() time.Time {
	return time.Unix(int64(e.BlockTimestamp), 0).UTC()
}

// Validate checks that the body agrees with the declared type.
func (e *OnChainEvent) Validate() error {
	if e == nil || e.Body == nil {
		return fmt.Errorf("%w: missing body", snaperrors.ErrInvalidEvent)
	}
	if e.Body.eventType() != e.Type {
		return fmt.Errorf("%w: %s event with %s body", snaperrors.ErrInvalidEvent, e.Type, e.Body.eventType())
	}
	if e.Type != EventTypeSignerMigrated && e.Fid == 0 {
		return fmt.Errorf("%w: %s event without fid", snaperrors.ErrInvalidEvent, e.Type)
	}
	if b, ok := e.Body.(*SignerEventBody); ok && b.EventType != SignerEventAdminReset && len(b.Key) == 0 {
		return fmt.Errorf("%w: signer event without key", snaperrors.ErrInvalidEvent)
	}
	return nil
}

// hashInto feeds the identity into the snapshot hash chain.
func (id EventIdentity) hashInto(hs *hasher) {
	hs.hash(id.BlockHash)
	hs.hash(id.TxHash)
	hs.u32(id.LogIndex)
}

// ChainDigest extends prev with the identity of an applied event.
func ChainDigest(prev Hash, id EventIdentity) Hash {
	hs := newHasher("snapshot")
	hs.hash(prev)
	id.hashInto(hs)
	return hs.sum()
}
