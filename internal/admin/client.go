package admin

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/redcon"

	"github.com/10yihang/snapnode/internal/wire"
)

// Client is a minimal console client. It is not safe for concurrent use.
type Client struct {
	conn net.Conn
	buf  []byte
}

func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Do sends one command and waits for its reply.
func (c *Client) Do(ctx context.Context, args ...string) (redcon.RESP, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	} else {
		c.conn.SetDeadline(time.Time{})
	}

	req := redcon.AppendArray(nil, len(args))
	for _, arg := range args {
		req = redcon.AppendBulkString(req, arg)
	}
	if _, err := c.conn.Write(req); err != nil {
		return redcon.RESP{}, err
	}

	chunk := make([]byte, 4096)
	for {
		if n, resp := redcon.ReadNextRESP(c.buf); n > 0 {
			c.buf = c.buf[n:]
			return resp, nil
		}
		n, err := c.conn.Read(chunk)
		if err != nil {
			return redcon.RESP{}, err
		}
		c.buf = append(c.buf, chunk[:n]...)
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Format renders a reply the way redis-cli does.
func Format(resp redcon.RESP) string {
	var sb strings.Builder
	format(&sb, resp, "")
	return sb.String()
}

func format(sb *strings.Builder, resp redcon.RESP, indent string) {
	switch resp.Type {
	case redcon.String:
		sb.WriteString(string(resp.Data))
	case redcon.Error:
		sb.WriteString("(error) " + string(resp.Data))
	case redcon.Integer:
		sb.WriteString("(integer) " + string(resp.Data))
	case redcon.Bulk:
		if IsNull(resp) {
			sb.WriteString("(nil)")
			return
		}
		sb.WriteString(strconv.Quote(string(resp.Data)))
	case redcon.Array:
		if resp.Count == 0 {
			sb.WriteString("(empty array)")
			return
		}
		i := 0
		resp.ForEach(func(item redcon.RESP) bool {
			if i > 0 {
				sb.WriteString("\n" + indent)
			}
			i++
			prefix := fmt.Sprintf("%d) ", i)
			sb.WriteString(prefix)
			format(sb, item, indent+strings.Repeat(" ", len(prefix)))
			return true
		})
	default:
		sb.WriteString(string(resp.Raw))
	}
}

// IsNull reports whether resp is a null bulk reply.
func IsNull(resp redcon.RESP) bool {
	return resp.Type == redcon.Bulk && bytes.HasPrefix(resp.Raw, []byte("$-1"))
}

// EncodeSubmit renders m as a SUBMIT argument.
func EncodeSubmit(m *wire.Message) (string, error) {
	data, err := json.Marshal(submitRequest{
		Type:      uint8(m.Data.Type),
		Fid:       m.Data.Fid,
		Timestamp: m.Data.Timestamp,
		Network:   m.Data.Network.String(),
		Body:      hex.EncodeToString(m.Data.Body),
		Hash:      hex.EncodeToString(m.Hash[:]),
		Signature: hex.EncodeToString(m.Signature),
		Signer:    hex.EncodeToString(m.Signer),
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}
