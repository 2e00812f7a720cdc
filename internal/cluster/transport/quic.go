package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	snaperrors "github.com/10yihang/snapnode/pkg/errors"
)

const quicProtocol = "snapnode-gossip/1"

// QUIC sends each frame on its own stream of a pooled connection per
// destination. Peers authenticate at the gossip layer, so the TLS layer
// uses a throwaway self-signed certificate and skips verification.
type QUIC struct {
	listener  *quic.Listener
	logger    *zap.Logger
	clientTLS *tls.Config
	config    *quic.Config

	mu     sync.Mutex
	conns  map[string]*quic.Conn
	closed bool

	wg sync.WaitGroup
}

func selfSignedTLS() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
		NextProtos:   []string{quicProtocol},
	}, nil
}

func ListenQUIC(addr string, logger *zap.Logger) (*QUIC, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	serverTLS, err := selfSignedTLS()
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	config := &quic.Config{
		MaxIdleTimeout:  idleTimeout,
		KeepAlivePeriod: 15 * time.Second,
	}
	listener, err := quic.ListenAddr(addr, serverTLS, config)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	clientTLS := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicProtocol},
	}
	return &QUIC{
		listener:  listener,
		logger:    logger.Named("quic"),
		clientTLS: clientTLS,
		config:    config,
		conns:     make(map[string]*quic.Conn),
	}, nil
}

func (q *QUIC) Addr() string {
	return q.listener.Addr().String()
}

func (q *QUIC) Serve(ctx context.Context, h Handler) error {
	q.logger.Info("Gossip listening", zap.String("addr", q.Addr()))
	for {
		conn, err := q.listener.Accept(ctx)
		if err != nil {
			q.wg.Wait()
			q.mu.Lock()
			closed := q.closed
			q.mu.Unlock()
			if ctx.Err() != nil || closed {
				return nil
			}
			return err
		}
		q.wg.Add(1)
		go q.handleConnection(ctx, conn, h)
	}
}

func (q *QUIC) handleConnection(ctx context.Context, conn *quic.Conn, h Handler) {
	defer q.wg.Done()
	remote := conn.RemoteAddr().String()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go func(s *quic.Stream) {
			defer s.Close()
			s.SetReadDeadline(time.Now().Add(writeTimeout))
			data, err := readFrame(s)
			if err != nil {
				if errors.Is(err, snaperrors.ErrFrameTooLarge) {
					q.logger.Warn("Dropping stream", zap.String("remote", remote), zap.Error(err))
				}
				return
			}
			h(remote, data)
		}(stream)
	}
}

func (q *QUIC) Send(ctx context.Context, addr string, frame []byte) error {
	conn, err := q.conn(ctx, addr)
	if err != nil {
		return err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		q.drop(addr, conn)
		return fmt.Errorf("open stream to %s: %w", addr, err)
	}
	stream.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := writeFrame(stream, frame); err != nil {
		stream.CancelWrite(0)
		q.drop(addr, conn)
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	return stream.Close()
}

func (q *QUIC) conn(ctx context.Context, addr string) (*quic.Conn, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, snaperrors.ErrClosed
	}
	if c, ok := q.conns[addr]; ok {
		if c.Context().Err() == nil {
			q.mu.Unlock()
			return c, nil
		}
		delete(q.conns, addr)
	}
	q.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	c, err := quic.DialAddr(dialCtx, addr, q.clientTLS, q.config)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if existing, ok := q.conns[addr]; ok && existing.Context().Err() == nil {
		c.CloseWithError(0, "duplicate")
		return existing, nil
	}
	q.conns[addr] = c
	return c, nil
}

func (q *QUIC) drop(addr string, c *quic.Conn) {
	q.mu.Lock()
	if q.conns[addr] == c {
		delete(q.conns, addr)
	}
	q.mu.Unlock()
	c.CloseWithError(0, "send failed")
}

func (q *QUIC) Close() error {
	q.mu.Lock()
	q.closed = true
	conns := q.conns
	q.conns = make(map[string]*quic.Conn)
	q.mu.Unlock()
	for _, c := range conns {
		c.CloseWithError(0, "shutdown")
	}
	return q.listener.Close()
}
