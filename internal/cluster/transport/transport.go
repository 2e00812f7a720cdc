// Package transport moves opaque gossip frames between nodes.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	snaperrors "github.com/10yihang/snapnode/pkg/errors"
)

// MaxFrameSize bounds a single frame on every transport.
const MaxFrameSize = 8 << 20

// Handler receives every inbound frame. remote is the transport address
// of the immediate sender.
type Handler func(remote string, frame []byte)

// Transport delivers frames to addresses. Send is best effort.
type Transport interface {
	// Serve accepts inbound frames until ctx is done or Close is called.
	Serve(ctx context.Context, h Handler) error
	Send(ctx context.Context, addr string, frame []byte) error
	Addr() string
	Close() error
}

func writeFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", snaperrors.ErrFrameTooLarge, len(data))
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)

	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", snaperrors.ErrFrameTooLarge, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
