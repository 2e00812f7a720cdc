package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	snaperrors "github.com/10yihang/snapnode/pkg/errors"
)

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = 10 * time.Second
	idleTimeout  = 5 * time.Minute
)

type tcpConn struct {
	mu   sync.Mutex
	conn net.Conn
}

// TCP sends length-prefixed frames over long-lived TCP connections, one
// per destination address.
type TCP struct {
	listener net.Listener
	logger   *zap.Logger

	mu     sync.Mutex
	conns  map[string]*tcpConn
	closed bool

	wg sync.WaitGroup
}

// ListenTCP binds addr. Use ":0" for an ephemeral port.
func ListenTCP(addr string, logger *zap.Logger) (*TCP, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return &TCP{
		listener: listener,
		logger:   logger.Named("tcp"),
		conns:    make(map[string]*tcpConn),
	}, nil
}

func (t *TCP) Addr() string {
	return t.listener.Addr().String()
}

func (t *TCP) Serve(ctx context.Context, h Handler) error {
	t.logger.Info("Gossip listening", zap.String("addr", t.Addr()))
	go func() {
		<-ctx.Done()
		t.listener.Close()
	}()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				t.wg.Wait()
				return nil
			}
			t.logger.Warn("Accept error", zap.Error(err))
			continue
		}
		t.wg.Add(1)
		go t.handleConnection(ctx, conn, h)
	}
}

func (t *TCP) handleConnection(ctx context.Context, conn net.Conn, h Handler) {
	defer t.wg.Done()
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	remote := conn.RemoteAddr().String()
	for {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		data, err := readFrame(conn)
		if err != nil {
			if errors.Is(err, snaperrors.ErrFrameTooLarge) {
				t.logger.Warn("Dropping connection", zap.String("remote", remote), zap.Error(err))
			}
			return
		}
		h(remote, data)
	}
}

func (t *TCP) Send(ctx context.Context, addr string, frame []byte) error {
	c, err := t.conn(ctx, addr)
	if err != nil {
		return err
	}

	c.mu.Lock()
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	err = writeFrame(c.conn, frame)
	c.mu.Unlock()

	if err != nil {
		t.drop(addr, c)
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	return nil
}

func (t *TCP) conn(ctx context.Context, addr string) (*tcpConn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, snaperrors.ErrClosed
	}
	if c, ok := t.conns[addr]; ok {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	d := net.Dialer{Timeout: dialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.conns[addr]; ok {
		nc.Close()
		return existing, nil
	}
	c := &tcpConn{conn: nc}
	t.conns[addr] = c
	return c, nil
}

func (t *TCP) drop(addr string, c *tcpConn) {
	t.mu.Lock()
	if t.conns[addr] == c {
		delete(t.conns, addr)
	}
	t.mu.Unlock()
	c.conn.Close()
}

func (t *TCP) Close() error {
	t.mu.Lock()
	t.closed = true
	conns := t.conns
	t.conns = make(map[string]*tcpConn)
	t.mu.Unlock()

	for _, c := range conns {
		c.conn.Close()
	}
	return t.listener.Close()
}
