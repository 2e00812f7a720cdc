package transport

import (
	"context"
	"fmt"
	"sync"

	snaperrors "github.com/10yihang/snapnode/pkg/errors"
)

type memoryFrame struct {
	from string
	data []byte
}

// Hub connects in-process Memory transports by name.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*Memory
	down      map[string]bool
}

func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[string]*Memory),
		down:      make(map[string]bool),
	}
}

// Endpoint registers a transport reachable at addr.
func (h *Hub) Endpoint(addr string) *Memory {
	m := &Memory{hub: h, addr: addr, inbox: make(chan memoryFrame, 4096), done: make(chan struct{})}
	h.mu.Lock()
	h.endpoints[addr] = m
	h.mu.Unlock()
	return m
}

// SetDown makes addr drop all inbound and outbound frames.
func (h *Hub) SetDown(addr string, down bool) {
	h.mu.Lock()
	h.down[addr] = down
	h.mu.Unlock()
}

func (h *Hub) deliver(from, to string, data []byte) error {
	h.mu.RLock()
	target, ok := h.endpoints[to]
	down := h.down[from] || h.down[to]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no endpoint at %s", to)
	}
	if down {
		return nil
	}
	select {
	case target.inbox <- memoryFrame{from: from, data: append([]byte(nil), data...)}:
		return nil
	case <-target.done:
		return snaperrors.ErrClosed
	default:
		return fmt.Errorf("inbox of %s is full", to)
	}
}

// Memory is an in-process transport for tests and single-process
// clusters.
type Memory struct {
	hub   *Hub
	addr  string
	inbox chan memoryFrame

	closeOnce sync.Once
	done      chan struct{}
}

func (m *Memory) Addr() string {
	return m.addr
}

func (m *Memory) Serve(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		case f := <-m.inbox:
			h(f.from, f.data)
		}
	}
}

func (m *Memory) Send(ctx context.Context, addr string, frame []byte) error {
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", snaperrors.ErrFrameTooLarge, len(frame))
	}
	select {
	case <-m.done:
		return snaperrors.ErrClosed
	default:
	}
	return m.hub.deliver(m.addr, addr, frame)
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}
