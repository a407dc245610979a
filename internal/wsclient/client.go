// ABOUTME: WebSocket client for the workflow progress stream
// ABOUTME: Used by the watch CLI and by end-to-end tests of the gateway

package wsclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/khiwniti/pinn-enterprise-platform/internal/protocol"
)

// Options configures Dial.
type Options struct {
	// Format selects the wire codec: "json" (default) or "msgpack".
	Format string
	// Token is sent as a bearer token in the handshake.
	Token string
	// HandshakeTimeout bounds the dial and upgrade.
	HandshakeTimeout time.Duration
}

// Client is a connection to the /ws endpoint.
type Client struct {
	conn  net.Conn
	codec protocol.Codec
	rd    *wsutil.Reader

	writeMu sync.Mutex
}

// Dial connects to a ws:// or wss:// URL.
func Dial(ctx context.Context, rawURL string, opts Options) (*Client, error) {
	codec, err := protocol.CodecFor(opts.Format)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}
	if opts.Format != "" {
		q := u.Query()
		q.Set("format", opts.Format)
		u.RawQuery = q.Encode()
	}

	dialer := ws.Dialer{Timeout: opts.HandshakeTimeout}
	if dialer.Timeout == 0 {
		dialer.Timeout = 10 * time.Second
	}
	if opts.Token != "" {
		dialer.Header = ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + opts.Token},
		})
	}

	conn, br, _, err := dialer.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", u.Redacted(), err)
	}

	c := &Client{conn: conn, codec: codec}
	var src io.Reader = conn
	if br != nil {
		// frames the server sent right after the handshake may already be buffered
		src = io.MultiReader(br, conn)
	}
	c.rd = &wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: c.control,
	}
	return c, nil
}

func (c *Client) control(hdr ws.Header, r io.Reader) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	h := wsutil.ControlHandler{Src: r, Dst: c.conn, State: ws.StateClientSide}
	return h.Handle(hdr)
}

// Send writes one message.
func (c *Client) Send(msg *protocol.Message) error {
	data, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	op := ws.OpText
	if c.codec.Binary() {
		op = ws.OpBinary
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, op, data)
}

// SendRaw writes an arbitrary text frame.
func (c *Client) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Subscribe asks for progress on workflowID.
func (c *Client) Subscribe(workflowID string) error {
	return c.Send(&protocol.Message{Type: protocol.TypeSubscribe, Payload: protocol.Payload{WorkflowID: workflowID}})
}

// Unsubscribe stops progress for workflowID.
func (c *Client) Unsubscribe(workflowID string) error {
	return c.Send(&protocol.Message{Type: protocol.TypeUnsubscribe, Payload: protocol.Payload{WorkflowID: workflowID}})
}

// RequestStatus asks for the current record of workflowID.
func (c *Client) RequestStatus(workflowID string) error {
	return c.Send(&protocol.Message{Type: protocol.TypeRequestStatus, Payload: protocol.Payload{WorkflowID: workflowID}})
}

// Ping sends an application-level ping; the server answers with pong.
func (c *Client) Ping() error {
	return c.Send(&protocol.Message{Type: protocol.TypePing})
}

// Read blocks for the next data message, answering control frames on the way.
func (c *Client) Read() (*protocol.Message, error) {
	for {
		hdr, err := c.rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.control(hdr, c.rd); err != nil {
				return nil, err
			}
			continue
		}
		data, err := io.ReadAll(c.rd)
		if err != nil {
			return nil, err
		}
		return c.codec.Decode(data)
	}
}

// SetReadDeadline bounds the next Read.
func (c *Client) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close sends a close frame and closes the socket.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}
