package admin

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/redcon"
	"go.uber.org/zap"

	"github.com/10yihang/snapnode/internal/wire"
	snaperrors "github.com/10yihang/snapnode/pkg/errors"
)

// eventRequest is the INGEST argument. Byte fields are hex; exactly the
// body matching Type is read.
type eventRequest struct {
	Type           string `json:"type"`
	ChainID        uint32 `json:"chain_id"`
	BlockNumber    uint64 `json:"block_number"`
	BlockHash      string `json:"block_hash"`
	BlockTimestamp uint64 `json:"block_timestamp"`
	TxHash         string `json:"tx_hash"`
	LogIndex       uint32 `json:"log_index"`
	TxIndex        uint32 `json:"tx_index"`
	Fid            uint64 `json:"fid"`
	Version        uint32 `json:"version"`

	Signer         *signerBody         `json:"signer,omitempty"`
	SignerMigrated *signerMigratedBody `json:"signer_migrated,omitempty"`
	IdRegister     *idRegisterBody     `json:"id_register,omitempty"`
	StorageRent    *storageRentBody    `json:"storage_rent,omitempty"`
	TierPurchase   *tierPurchaseBody   `json:"tier_purchase,omitempty"`
}

type signerBody struct {
	Key          string `json:"key"`
	KeyType      uint32 `json:"key_type"`
	EventType    uint8  `json:"event_type"`
	Metadata     string `json:"metadata,omitempty"`
	MetadataType uint32 `json:"metadata_type,omitempty"`
}

type signerMigratedBody struct {
	MigratedAt uint64 `json:"migrated_at"`
}

type idRegisterBody struct {
	To              string `json:"to"`
	From            string `json:"from,omitempty"`
	EventType       uint8  `json:"event_type"`
	RecoveryAddress string `json:"recovery_address,omitempty"`
}

type storageRentBody struct {
	Payer  string `json:"payer,omitempty"`
	Units  uint32 `json:"units"`
	Expiry uint64 `json:"expiry,omitempty"`
}

type tierPurchaseBody struct {
	TierType uint8  `json:"tier_type"`
	ForDays  uint64 `json:"for_days"`
	Payer    string `json:"payer,omitempty"`
}

var eventTypes = map[string]wire.EventType{
	wire.EventTypeSigner.String():         wire.EventTypeSigner,
	wire.EventTypeSignerMigrated.String(): wire.EventTypeSignerMigrated,
	wire.EventTypeIdRegister.String():     wire.EventTypeIdRegister,
	wire.EventTypeStorageRent.String():    wire.EventTypeStorageRent,
	wire.EventTypeTierPurchase.String():   wire.EventTypeTierPurchase,
}

// INGEST <json> replies with the outcome: BUFFERED, APPLIED, DUPLICATE or
// REPLAYED.
func (s *Server) cmdIngest(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		wrongArgs(conn, "ingest")
		return
	}
	ev, err := decodeEvent(args[0])
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	out, err := s.backend.IngestEvent(ev)
	if err != nil {
		s.logger.Warn("Rejected on-chain event", zap.Stringer("key", ev.OrderKey()), zap.Error(err))
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteString(strings.ToUpper(out.String()))
}

// ADVANCE <chain> <block> replies with the number of events applied.
func (s *Server) cmdAdvance(_ context.Context, conn redcon.Conn, args [][]byte) {
	chainID, block, ok := chainBlockArgs(conn, "advance", args)
	if !ok {
		return
	}
	conn.WriteInt(s.backend.AdvanceChain(chainID, block))
}

// ROLLBACK <chain> <block> replies with the number of events removed.
func (s *Server) cmdRollback(_ context.Context, conn redcon.Conn, args [][]byte) {
	chainID, block, ok := chainBlockArgs(conn, "rollback", args)
	if !ok {
		return
	}
	n, err := s.backend.RollbackChain(chainID, block)
	if err != nil {
		s.logger.Warn("Rollback failed", zap.Uint32("chain", chainID), zap.Uint64("block", block), zap.Error(err))
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteInt(n)
}

func chainBlockArgs(conn redcon.Conn, cmd string, args [][]byte) (uint32, uint64, bool) {
	if len(args) != 2 {
		wrongArgs(conn, cmd)
		return 0, 0, false
	}
	chainID, err := strconv.ParseUint(string(args[0]), 10, 32)
	if err != nil {
		conn.WriteError("ERR invalid chain id")
		return 0, 0, false
	}
	block, err := strconv.ParseUint(string(args[1]), 10, 64)
	if err != nil {
		conn.WriteError("ERR invalid block number")
		return 0, 0, false
	}
	return uint32(chainID), block, true
}

// hexBytes decodes field. An empty field is nil.
func hexBytes(field, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", snaperrors.ErrInvalidEvent, field, err)
	}
	return b, nil
}

func hexHash(field, s string) (wire.Hash, error) {
	b, err := hexBytes(field, s)
	if err != nil {
		return wire.Hash{}, err
	}
	h, ok := wire.HashFromBytes(b)
	if !ok {
		return wire.Hash{}, fmt.Errorf("%w: %s must be %d bytes", snaperrors.ErrInvalidEvent, field, wire.HashSize)
	}
	return h, nil
}

func decodeEvent(raw []byte) (*wire.OnChainEvent, error) {
	var req eventRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	typ, ok := eventTypes[req.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", snaperrors.ErrInvalidEvent, req.Type)
	}
	blockHash, err := hexHash("block_hash", req.BlockHash)
	if err != nil {
		return nil, err
	}
	txHash, err := hexHash("tx_hash", req.TxHash)
	if err != nil {
		return nil, err
	}
	body, err := req.body(typ)
	if err != nil {
		return nil, err
	}
	return &wire.OnChainEvent{
		Type:           typ,
		ChainID:        req.ChainID,
		BlockNumber:    req.BlockNumber,
		BlockHash:      blockHash,
		BlockTimestamp: req.BlockTimestamp,
		TxHash:         txHash,
		LogIndex:       req.LogIndex,
		TxIndex:        req.TxIndex,
		Fid:            req.Fid,
		Version:        req.Version,
		Body:           body,
	}, nil
}

func (req *eventRequest) body(typ wire.EventType) (wire.EventBody, error) {
	missing := fmt.Errorf("%w: %s event without a %s body", snaperrors.ErrInvalidEvent, typ, typ)
	switch typ {
	case wire.EventTypeSigner:
		b := req.Signer
		if b == nil {
			return nil, missing
		}
		key, err := hexBytes("signer.key", b.Key)
		if err != nil {
			return nil, err
		}
		meta, err := hexBytes("signer.metadata", b.Metadata)
		if err != nil {
			return nil, err
		}
		return &wire.SignerEventBody{
			Key:          key,
			KeyType:      b.KeyType,
			EventType:    wire.SignerEventType(b.EventType),
			Metadata:     meta,
			MetadataType: b.MetadataType,
		}, nil
	case wire.EventTypeSignerMigrated:
		if req.SignerMigrated == nil {
			return nil, missing
		}
		return &wire.SignerMigratedEventBody{MigratedAt: req.SignerMigrated.MigratedAt}, nil
	case wire.EventTypeIdRegister:
		b := req.IdRegister
		if b == nil {
			return nil, missing
		}
		to, err := hexBytes("id_register.to", b.To)
		if err != nil {
			return nil, err
		}
		from, err := hexBytes("id_register.from", b.From)
		if err != nil {
			return nil, err
		}
		recovery, err := hexBytes("id_register.recovery_address", b.RecoveryAddress)
		if err != nil {
			return nil, err
		}
		return &wire.IdRegisterEventBody{
			To:              to,
			From:            from,
			EventType:       wire.IdRegisterEventType(b.EventType),
			RecoveryAddress: recovery,
		}, nil
	case wire.EventTypeStorageRent:
		b := req.StorageRent
		if b == nil {
			return nil, missing
		}
		payer, err := hexBytes("storage_rent.payer", b.Payer)
		if err != nil {
			return nil, err
		}
		return &wire.StorageRentEventBody{Payer: payer, Units: b.Units, Expiry: b.Expiry}, nil
	default:
		b := req.TierPurchase
		if b == nil {
			return nil, missing
		}
		payer, err := hexBytes("tier_purchase.payer", b.Payer)
		if err != nil {
			return nil, err
		}
		return &wire.TierPurchaseBody{TierType: wire.TierType(b.TierType), ForDays: b.ForDays, Payer: payer}, nil
	}
}

// EncodeEvent renders ev as an INGEST argument.
func EncodeEvent(ev *wire.OnChainEvent) (string, error) {
	req := eventRequest{
		Type:           ev.Type.String(),
		ChainID:        ev.ChainID,
		BlockNumber:    ev.BlockNumber,
		BlockHash:      hex.EncodeToString(ev.BlockHash[:]),
		BlockTimestamp: ev.BlockTimestamp,
		TxHash:         hex.EncodeToString(ev.TxHash[:]),
		LogIndex:       ev.LogIndex,
		TxIndex:        ev.TxIndex,
		Fid:            ev.Fid,
		Version:        ev.Version,
	}
	switch b := ev.Body.(type) {
	case *wire.SignerEventBody:
		req.Signer = &signerBody{
			Key:          hex.EncodeToString(b.Key),
			KeyType:      b.KeyType,
			EventType:    uint8(b.EventType),
			Metadata:     hex.EncodeToString(b.Metadata),
			MetadataType: b.MetadataType,
		}
	case *wire.SignerMigratedEventBody:
		req.SignerMigrated = &signerMigratedBody{MigratedAt: b.MigratedAt}
	case *wire.IdRegisterEventBody:
		req.IdRegister = &idRegisterBody{
			To:              hex.EncodeToString(b.To),
			From:            hex.EncodeToString(b.From),
			EventType:       uint8(b.EventType),
			RecoveryAddress: hex.EncodeToString(b.RecoveryAddress),
		}
	case *wire.StorageRentEventBody:
		req.StorageRent = &storageRentBody{Payer: hex.EncodeToString(b.Payer), Units: b.Units, Expiry: b.Expiry}
	case *wire.TierPurchaseBody:
		req.TierPurchase = &tierPurchaseBody{TierType: uint8(b.TierType), ForDays: b.ForDays, Payer: hex.EncodeToString(b.Payer)}
	default:
		return "", fmt.Errorf("%w: no body", snaperrors.ErrInvalidEvent)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
