// ABOUTME: WebSocket client session built on gobwas/ws
// ABOUTME: One bounded outbound queue drained by a single writer; inbound control messages go to the hub

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/khiwniti/pinn-enterprise-platform/internal/broadcast"
	"github.com/khiwniti/pinn-enterprise-platform/internal/protocol"
)

var (
	// ErrClosed is returned by Send after the session is closed
	ErrClosed = errors.New("session closed")

	// ErrSlowConsumer is returned by Send when the outbound queue is full
	ErrSlowConsumer = errors.New("outbound queue full")
)

// Hub is the broadcaster surface a session drives.
type Hub interface {
	Connect(s broadcast.Session) error
	Subscribe(s broadcast.Session, workflowID string) error
	Unsubscribe(s broadcast.Session, workflowID string)
	Disconnect(s broadcast.Session)
	RequestStatus(ctx context.Context, s broadcast.Session, workflowID string) error
	SystemStatus(s broadcast.Session) error
}

// Options tunes a session. Zero values pick defaults.
type Options struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	MaxMessageSize int64
	// RateLimit is inbound messages per second; zero disables limiting.
	RateLimit float64
	RateBurst int
	Logger    *slog.Logger
}

func (o *Options) setDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 << 10
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 20
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Conn is one observer connection. It implements broadcast.Session.
type Conn struct {
	id          string
	conn        net.Conn
	codec       protocol.Codec
	hub         Hub
	opts        Options
	limiter     *rate.Limiter
	logger      *slog.Logger
	connectedAt time.Time

	out  chan []byte
	done chan struct{}

	// writeMu serializes every write to conn: data frames, pings, pongs and close.
	writeMu      sync.Mutex
	lastActivity atomic.Int64
	closeOnce    sync.Once
}

var _ broadcast.Session = (*Conn)(nil)

// New wraps an upgraded WebSocket connection.
func New(conn net.Conn, codec protocol.Codec, hub Hub, opts Options) *Conn {
	opts.setDefaults()
	id := uuid.NewString()
	c := &Conn{
		id:          id,
		conn:        conn,
		codec:       codec,
		hub:         hub,
		opts:        opts,
		logger:      opts.Logger.With("component", "session", "session_id", id),
		connectedAt: time.Now().UTC(),
		out:         make(chan []byte, opts.SendBuffer),
		done:        make(chan struct{}),
	}
	if opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst)
	}
	c.touch()
	return c
}

// ID returns the session id.
func (c *Conn) ID() string { return c.id }

// ConnectedAt returns when the session was accepted.
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// LastActivity returns when the client last sent any frame.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Send encodes msg and enqueues it without blocking.
func (c *Conn) Send(msg *protocol.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	frame, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Type, err)
	}
	select {
	case c.out <- frame:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// closeFrameTimeout bounds the courtesy close frame sent by Close.
const closeFrameTimeout = 100 * time.Millisecond

// Ping writes a WebSocket ping frame. When a data write is already in
// flight the ping is skipped; idle detection relies on inbound activity.
func (c *Conn) Ping() error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if !c.writeMu.TryLock() {
		return nil
	}
	defer c.writeMu.Unlock()
	return c.writeLocked(ws.OpPing, nil, c.opts.WriteTimeout)
}

// Close stops the writer and closes the socket without waiting on the peer.
// A write stuck on a client that stopped reading is unblocked by closing the
// socket under it. It is safe to call repeatedly.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.writeMu.TryLock() {
			body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
			_ = c.writeLocked(ws.OpClose, body, closeFrameTimeout)
			c.writeMu.Unlock()
		}
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) write(op ws.OpCode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(op, payload, c.opts.WriteTimeout)
}

// writeLocked must be called with writeMu held.
func (c *Conn) writeLocked(op ws.OpCode, payload []byte, timeout time.Duration) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return wsutil.WriteServerMessage(c.conn, op, payload)
}

// Serve registers the session with the hub and runs until the client goes
// away or ctx ends. The session is disconnected and closed on return.
func (c *Conn) Serve(ctx context.Context) error {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()
	defer func() {
		c.Close()
		<-writerDone
	}()

	if err := c.hub.Connect(c); err != nil {
		return fmt.Errorf("registering session: %w", err)
	}
	defer c.hub.Disconnect(c)

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	c.logger.Info("session opened", "remote", c.conn.RemoteAddr().String(), "codec", c.codec.Name())
	err := c.readLoop(ctx)
	c.logger.Info("session closed", "reason", err)

	var closed wsutil.ClosedError
	if errors.As(err, &closed) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Conn) writeLoop() {
	op := ws.OpText
	if c.codec.Binary() {
		op = ws.OpBinary
	}
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.out:
			if err := c.write(op, frame); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) error {
	control := func(hdr ws.Header, r io.Reader) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		h := wsutil.ControlHandler{Src: r, Dst: c.conn, State: ws.StateServerSide}
		return h.Handle(hdr)
	}
	rd := &wsutil.Reader{
		Source:         c.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		MaxFrameSize:   c.opts.MaxMessageSize,
		OnIntermediate: control,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}
		c.touch()

		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return err
			}
			continue
		}
		if hdr.OpCode != ws.OpText && hdr.OpCode != ws.OpBinary {
			if err := rd.Discard(); err != nil {
				return err
			}
			continue
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			return err
		}
		if err := c.handle(ctx, data); err != nil {
			return err
		}
	}
}

// handle dispatches one inbound message. Only a closed session ends the loop.
func (c *Conn) handle(ctx context.Context, data []byte) error {
	now := time.Now().UTC()

	if c.limiter != nil && !c.limiter.Allow() {
		return c.Send(protocol.Error("", "rate limit exceeded", now))
	}

	msg, err := c.codec.Decode(data)
	if err != nil {
		return c.Send(protocol.Error("", "malformed message", now))
	}
	if err := msg.ValidateInbound(); err != nil {
		return c.Send(protocol.Error(msg.Payload.WorkflowID, err.Error(), now))
	}

	id := msg.Payload.WorkflowID
	switch msg.Type {
	case protocol.TypeSubscribe:
		err = c.hub.Subscribe(c, id)
	case protocol.TypeUnsubscribe:
		c.hub.Unsubscribe(c, id)
	case protocol.TypePing:
		err = c.Send(protocol.Pong(now))
	case protocol.TypeRequestStatus:
		err = c.hub.RequestStatus(ctx, c, id)
	case protocol.TypeGetStatus:
		err = c.hub.SystemStatus(c)
	}
	if err != nil {
		c.logger.Debug("request failed", "type", msg.Type, "workflow_id", id, "error", err)
		return err
	}
	return nil
}
