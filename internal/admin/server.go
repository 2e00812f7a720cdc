// Package admin serves the operator console: a RESP endpoint that any
// redis client (or snapnode -cli) can talk to.
package admin

import (
	"context"
	"net"
	"sync"

	"github.com/tidwall/redcon"
	"go.uber.org/zap"

	"github.com/10yihang/snapnode/internal/cluster"
	"github.com/10yihang/snapnode/internal/consensus"
	"github.com/10yihang/snapnode/internal/mempool"
	"github.com/10yihang/snapnode/internal/onchain"
	"github.com/10yihang/snapnode/internal/wire"
)

// Backend is the node state the console reads, the submission path it
// feeds and the L1 feed an external chain scanner drives.
type Backend interface {
	Info() Info
	ShardStatuses() []consensus.Status
	SyncProgress(shard uint32) (cluster.SyncProgress, bool)
	Peers() []wire.ContactInfo
	Account(fid uint64) (onchain.Account, bool)
	Submit(ctx context.Context, m *wire.Message) (mempool.Admission, error)

	IngestEvent(ev *wire.OnChainEvent) (onchain.Outcome, error)
	AdvanceChain(chainID uint32, block uint64) int
	RollbackChain(chainID uint32, block uint64) (int, error)
}

type Server struct {
	addr     string
	backend  Backend
	logger   *zap.Logger
	commands map[string]CommandFunc
	server   *redcon.Server
	listener net.Listener

	mu      sync.RWMutex
	clients map[redcon.Conn]struct{}
	ctx     context.Context
}

func NewServer(addr string, backend Backend, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		addr:    addr,
		backend: backend,
		logger:  logger.Named("admin"),
		clients: make(map[redcon.Conn]struct{}),
		ctx:     context.Background(),
	}
	s.registerCommands()
	return s
}

// Listen binds the console address. Serve must follow.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := redcon.NewServer(s.addr,
		s.handleCommand,
		s.handleAccept,
		s.handleClose,
	)

	s.mu.Lock()
	s.listener = ln
	s.server = srv
	s.mu.Unlock()
	return nil
}

func (s *Server) Serve() error {
	s.mu.RLock()
	srv, ln := s.server, s.listener
	s.mu.RUnlock()
	s.logger.Info("Operator console listening", zap.String("addr", ln.Addr().String()))
	return srv.Serve(ln)
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if s.server == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	if err := s.Serve(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// Stop closes the listener, whether or not Serve was reached.
func (s *Server) Stop() error {
	s.mu.RLock()
	srv, ln := s.server, s.listener
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	srv.Close()
	ln.Close()
	return nil
}

func (s *Server) Addr() string {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln != nil {
		return ln.Addr().String()
	}
	return s.addr
}

func (s *Server) handleAccept(conn redcon.Conn) bool {
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug("Client connected", zap.String("remote", conn.RemoteAddr()))
	return true
}

func (s *Server) handleClose(conn redcon.Conn, err error) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()

	s.logger.Debug("Client disconnected", zap.String("remote", conn.RemoteAddr()), zap.Error(err))
}

func (s *Server) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}

	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	s.execute(ctx, conn, cmd.Args[0], cmd.Args[1:])

	for _, p := range conn.ReadPipeline() {
		if len(p.Args) == 0 {
			continue
		}
		s.execute(ctx, conn, p.Args[0], p.Args[1:])
	}
}
