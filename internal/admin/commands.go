package admin

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/redcon"
	"go.uber.org/zap"

	"github.com/10yihang/snapnode/internal/wire"
	snaperrors "github.com/10yihang/snapnode/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type CommandFunc func(ctx context.Context, conn redcon.Conn, args [][]byte)

// Info is the INFO reply.
type Info struct {
	Version        string      `json:"version"`
	Network        string      `json:"network"`
	PeerID         string      `json:"peer_id"`
	GossipAddress  string      `json:"gossip_address"`
	ReadNode       bool        `json:"read_node"`
	ShardCount     uint32      `json:"shard_count"`
	Shards         []ShardInfo `json:"shards"`
	Peers          int         `json:"peers"`
	MempoolSize    int         `json:"mempool_size"`
	OnchainVersion uint64      `json:"onchain_version"`
	OnchainDigest  string      `json:"onchain_digest"`
	OnchainPending int         `json:"onchain_pending"`
	Uptime         string      `json:"uptime"`
}

type ShardInfo struct {
	Shard  uint32 `json:"shard"`
	Height uint64 `json:"height"`
	Round  int32  `json:"round"`
	Mode   string `json:"mode"`
}

type accountView struct {
	Fid          uint64   `json:"fid"`
	Registered   bool     `json:"registered"`
	Custody      string   `json:"custody"`
	Recovery     string   `json:"recovery"`
	Signers      []string `json:"signers"`
	StorageUnits uint32   `json:"storage_units"`
	TierActive   bool     `json:"tier_active"`
	Weight       uint64   `json:"weight"`
}

type syncView struct {
	Shard     uint32 `json:"shard"`
	Status    string `json:"status"`
	Target    uint64 `json:"target"`
	Applied   int    `json:"applied"`
	Retries   int    `json:"retries"`
	LastError string `json:"last_error,omitempty"`
}

// submitRequest is the SUBMIT argument. Byte fields are hex.
type submitRequest struct {
	Type      uint8  `json:"type"`
	Fid       uint64 `json:"fid"`
	Timestamp uint32 `json:"timestamp"`
	Network   string `json:"network"`
	Body      string `json:"body"`
	Hash      string `json:"hash"`
	Signature string `json:"signature"`
	Signer    string `json:"signer"`
}

func (s *Server) registerCommands() {
	s.commands = map[string]CommandFunc{
		"PING":     s.cmdPing,
		"QUIT":     s.cmdQuit,
		"INFO":     s.cmdInfo,
		"SHARDS":   s.cmdShards,
		"SYNC":     s.cmdSync,
		"PEERS":    s.cmdPeers,
		"ACCOUNT":  s.cmdAccount,
		"SUBMIT":   s.cmdSubmit,
		"INGEST":   s.cmdIngest,
		"ADVANCE":  s.cmdAdvance,
		"ROLLBACK": s.cmdRollback,
	}
}

func (s *Server) execute(ctx context.Context, conn redcon.Conn, name []byte, args [][]byte) {
	cmd := strings.ToUpper(string(name))
	fn, ok := s.commands[cmd]
	if !ok {
		conn.WriteError("ERR unknown command '" + string(name) + "'")
		return
	}
	fn(ctx, conn, args)
}

func wrongArgs(conn redcon.Conn, cmd string) {
	conn.WriteError("ERR wrong number of arguments for '" + cmd + "' command")
}

func writeJSON(conn redcon.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteBulk(data)
}

func (s *Server) cmdPing(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteString("PONG")
	} else {
		conn.WriteBulk(args[0])
	}
}

func (s *Server) cmdQuit(_ context.Context, conn redcon.Conn, _ [][]byte) {
	conn.WriteString("OK")
	conn.Close()
}

func (s *Server) cmdInfo(_ context.Context, conn redcon.Conn, _ [][]byte) {
	writeJSON(conn, s.backend.Info())
}

// SHARDS replies one line per shard: "<shard> <height> <round> <mode>".
func (s *Server) cmdShards(_ context.Context, conn redcon.Conn, _ [][]byte) {
	statuses := s.backend.ShardStatuses()
	conn.WriteArray(len(statuses))
	for _, st := range statuses {
		conn.WriteBulkString(strconv.FormatUint(uint64(st.Shard), 10) + " " +
			strconv.FormatUint(st.Height, 10) + " " +
			strconv.FormatInt(int64(st.Round), 10) + " " +
			st.Mode.String())
	}
}

func (s *Server) cmdSync(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		wrongArgs(conn, "sync")
		return
	}
	shard, err := strconv.ParseUint(string(args[0]), 10, 32)
	if err != nil {
		conn.WriteError("ERR invalid shard")
		return
	}
	p, ok := s.backend.SyncProgress(uint32(shard))
	if !ok {
		conn.WriteNull()
		return
	}
	writeJSON(conn, syncView{
		Shard:     p.Shard,
		Status:    p.Status.String(),
		Target:    p.Target,
		Applied:   p.Applied,
		Retries:   p.Retries,
		LastError: p.LastError,
	})
}

// PEERS replies one line per known peer: "<peer id hex> <address>".
func (s *Server) cmdPeers(_ context.Context, conn redcon.Conn, _ [][]byte) {
	peers := s.backend.Peers()
	conn.WriteArray(len(peers))
	for _, p := range peers {
		conn.WriteBulkString(hex.EncodeToString(p.PeerID) + " " + p.GossipAddress)
	}
}

func (s *Server) cmdAccount(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		wrongArgs(conn, "account")
		return
	}
	fid, err := strconv.ParseUint(string(args[0]), 10, 64)
	if err != nil {
		conn.WriteError("ERR invalid fid")
		return
	}
	a, ok := s.backend.Account(fid)
	if !ok {
		conn.WriteNull()
		return
	}
	now := time.Now()
	view := accountView{
		Fid:          a.Fid,
		Registered:   a.Registered,
		Custody:      hex.EncodeToString(a.Custody),
		Recovery:     hex.EncodeToString(a.Recovery),
		Signers:      []string{},
		StorageUnits: a.StorageUnits(now),
		TierActive:   a.HasTier(now),
		Weight:       a.Weight(now),
	}
	for _, k := range a.SignerKeys() {
		view.Signers = append(view.Signers, hex.EncodeToString(k))
	}
	writeJSON(conn, view)
}

func (s *Server) cmdSubmit(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		wrongArgs(conn, "submit")
		return
	}
	m, err := decodeSubmit(args[0])
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	adm, err := s.backend.Submit(ctx, m)
	if err != nil {
		s.logger.Debug("Rejected submission", zap.Uint64("fid", m.Data.Fid), zap.Error(err))
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteString(strings.ToUpper(adm.String()))
}

func decodeSubmit(raw []byte) (*wire.Message, error) {
	var req submitRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	network, err := wire.ParseNetwork(req.Network)
	if err != nil {
		return nil, err
	}
	body, err := hex.DecodeString(req.Body)
	if err != nil {
		return nil, err
	}
	rawHash, err := hex.DecodeString(req.Hash)
	if err != nil {
		return nil, err
	}
	hash, ok := wire.HashFromBytes(rawHash)
	if !ok {
		return nil, fmt.Errorf("%w: hash must be %d bytes", snaperrors.ErrInvalidMessage, wire.HashSize)
	}
	sig, err := hex.DecodeString(req.Signature)
	if err != nil {
		return nil, err
	}
	signer, err := hex.DecodeString(req.Signer)
	if err != nil {
		return nil, err
	}
	return &wire.Message{
		Data: wire.MessageData{
			Type:      wire.MessageType(req.Type),
			Fid:       req.Fid,
			Timestamp: req.Timestamp,
			Network:   network,
			Body:      body,
		},
		Hash:            hash,
		SignatureScheme: wire.SignatureSchemeEd25519,
		Signature:       sig,
		Signer:          signer,
	}, nil
}
