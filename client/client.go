// Package client is a Go observer for a remote taskcrew daemon. It dials
// the WebSocket stream endpoint, receives step events for one topic and
// keeps the connection alive with ping frames.
//
// Usage:
//
//	c, err := client.Dial(ctx, "ws://localhost:8080/v1/stream",
//	    client.WithWorkerType("analyst"),
//	    client.WithFormat("msgpack"),
//	)
//	defer c.Close()
//
//	for evt := range c.Events() {
//	    fmt.Printf("%s %s\n", evt.Kind, evt.SessionRef)
//	}
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/taskcrew/backoff"
	"github.com/xraph/taskcrew/stream"
	"github.com/xraph/taskcrew/transport"
)

const maxReconnectDelay = 30 * time.Second

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("taskcrew/client: closed")

// Client observes one topic of a remote stream endpoint.
type Client struct {
	url        string
	workerType string
	format     string
	logger     *slog.Logger
	bufferSize int
	handshake  time.Duration

	// Reconnection.
	reconnect  bool
	maxRetries int
	baseDelay  time.Duration

	codec   transport.Codec
	conn    net.Conn
	session transport.Session
	mu      sync.Mutex
	closed  atomic.Bool
	dropped atomic.Int64

	events  chan *stream.StepEvent
	pending sync.Map // ping frame ID → chan *transport.Frame
}

// Dial connects to the stream endpoint at rawURL and waits for the
// server's welcome frame.
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Client, error) {
	c := &Client{
		format:     transport.CodecNameJSON,
		logger:     slog.Default(),
		bufferSize: 256,
		handshake:  10 * time.Second,
		maxRetries: 5,
		baseDelay:  time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	codec, err := transport.LookupCodec(c.format)
	if err != nil {
		return nil, fmt.Errorf("taskcrew/client: %w", err)
	}
	c.codec = codec

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("taskcrew/client: parse url: %w", err)
	}
	q := u.Query()
	if c.workerType != "" {
		q.Set("worker_type", c.workerType)
	}
	q.Set("format", codec.Name())
	u.RawQuery = q.Encode()
	c.url = u.String()
	c.events = make(chan *stream.StepEvent, c.bufferSize)

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("taskcrew/client: dial: %w", err)
	}

	go c.readLoop(conn)
	return c, nil
}

// connect opens the WebSocket and reads the welcome frame directly, before
// the read loop owns the connection.
func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	conn, br, _, err := ws.Dial(ctx, c.url)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if br != nil {
		conn = &bufferedConn{Conn: conn, r: br}
	}

	deadline := time.Now().Add(c.handshake)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	data, op, err := wsutil.ReadServerData(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	frame, err := decode(op, data)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("decode welcome: %w", err)
	}
	switch {
	case frame.Type == transport.FrameErr && frame.Error != nil:
		_ = conn.Close()
		return nil, fmt.Errorf("server error %d: %s", frame.Error.Code, frame.Error.Message)
	case frame.Type != transport.FrameWelcome || frame.Session == nil:
		_ = conn.Close()
		return nil, fmt.Errorf("expected welcome frame, got %q", frame.Type)
	}

	c.mu.Lock()
	c.conn = conn
	c.session = *frame.Session
	c.mu.Unlock()

	c.logger.Info("stream client connected",
		slog.String("conn_id", frame.Session.ConnectionID),
		slog.String("topic", frame.Session.Topic),
		slog.String("format", frame.Session.Format),
	)
	return conn, nil
}

// readLoop routes frames from conn until it fails. It owns the events
// channel and closes it once no connection will deliver more events.
func (c *Client) readLoop(conn net.Conn) {
	for {
		data, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			if !c.closed.Load() {
				c.logger.Warn("stream client read error", slog.String("error", err.Error()))
				if c.reconnect && c.tryReconnect() {
					return
				}
			}
			close(c.events)
			return
		}

		frame, decErr := decode(op, data)
		if decErr != nil {
			c.logger.Warn("stream client: invalid frame", slog.String("error", decErr.Error()))
			continue
		}

		switch frame.Type {
		case transport.FrameEvent:
			if frame.Event == nil {
				continue
			}
			select {
			case c.events <- frame.Event:
			default:
				c.dropped.Add(1)
			}
		case transport.FramePong:
			if val, ok := c.pending.LoadAndDelete(frame.CorrelID); ok {
				ch := val.(chan *transport.Frame) //nolint:errcheck // pending always stores chan *transport.Frame
				ch <- frame
			}
		case transport.FrameErr:
			if frame.Error != nil {
				c.logger.Warn("stream client: server error",
					slog.Int("code", frame.Error.Code),
					slog.String("message", frame.Error.Message),
				)
			}
		}
	}
}

// tryReconnect redials with exponential backoff. On success it starts a
// new read loop and reports true.
func (c *Client) tryReconnect() bool {
	bo := backoff.NewExponential(c.baseDelay, maxReconnectDelay)
	for i := range c.maxRetries {
		delay := bo.Delay(i)
		c.logger.Info("stream client reconnecting",
			slog.Int("attempt", i+1),
			slog.Duration("delay", delay),
		)
		time.Sleep(delay)
		if c.closed.Load() {
			return false
		}

		conn, err := c.connect(context.Background())
		if err != nil {
			c.logger.Warn("stream client reconnect failed", slog.String("error", err.Error()))
			continue
		}
		if c.closed.Load() {
			_ = conn.Close()
			return false
		}

		go c.readLoop(conn)
		return true
	}
	c.logger.Error("stream client: max reconnection attempts reached")
	return false
}

// Ping sends a ping frame and returns the round-trip time once the pong
// arrives.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	ping := transport.NewPingFrame()
	ch := make(chan *transport.Frame, 1)
	c.pending.Store(ping.ID, ch)
	defer c.pending.Delete(ping.ID)

	if err := c.writeFrame(ping); err != nil {
		return 0, err
	}

	select {
	case pong := <-ch:
		return time.Since(pong.Timestamp), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (c *Client) writeFrame(frame *transport.Frame) error {
	data, err := c.codec.Encode(frame)
	if err != nil {
		return fmt.Errorf("taskcrew/client: encode frame: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteClientMessage(c.conn, c.codec.OpCode(), data)
}

// Events returns the event channel. It is closed when the connection ends
// for good.
func (c *Client) Events() <-chan *stream.StepEvent { return c.events }

// Session returns the session of the current connection.
func (c *Client) Session() transport.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Dropped returns how many events were discarded because Events was full.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// Close closes the connection. It is idempotent.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func decode(op ws.OpCode, data []byte) (*transport.Frame, error) {
	if op == ws.OpBinary {
		return transport.MsgpackCodec{}.Decode(data)
	}
	return transport.JSONCodec{}.Decode(data)
}

// bufferedConn reads through bytes the dialer buffered past the handshake.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
