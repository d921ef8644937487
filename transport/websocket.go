package transport

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/taskcrew/id"
	"github.com/xraph/taskcrew/stream"
)

// handleWebSocket upgrades the request and streams step events on the
// requested topic until either side goes away. The subscription is
// removed before the handler returns.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	topic := topicFromQuery(r)
	codec, err := LookupCodec(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub, err := s.source.Subscribe(topic)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	raw, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.source.Unsubscribe(sub)
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	netConn := raw
	if rw != nil && rw.Reader.Buffered() > 0 {
		netConn = &bufferedConn{Conn: raw, r: rw.Reader}
	}

	conn := NewConnection(id.NewConnectionID().String(), topic, "ws", codec)
	s.conns.Add(conn)
	done := make(chan struct{})
	defer func() {
		close(done)
		s.source.Unsubscribe(sub)
		s.conns.Remove(conn.ID)
		_ = raw.Close()
		s.logger.Info("stream client disconnected",
			slog.String("conn_id", conn.ID),
			slog.Int64("sent", conn.Sent()),
		)
	}()

	fw := &frameWriter{conn: netConn, codec: codec, timeout: s.writeTimeout}
	welcome := &Frame{
		ID:   NewFrameID(),
		Type: FrameWelcome,
		Session: &Session{
			ConnectionID:   conn.ID,
			SubscriptionID: sub.ID().String(),
			Topic:          topic,
			Format:         codec.Name(),
		},
		Timestamp: time.Now().UTC(),
	}
	if err := fw.write(welcome); err != nil {
		s.logger.Warn("failed to write welcome frame", slog.String("error", err.Error()))
		return
	}

	s.logger.Info("stream client connected",
		slog.String("conn_id", conn.ID),
		slog.String("topic", topic),
		slog.String("codec", codec.Name()),
	)

	go s.forwardEvents(fw, conn, sub, done)
	s.readFrames(netConn, fw, conn)
}

// readFrames answers client frames until the connection fails or closes.
func (s *Server) readFrames(rwc net.Conn, fw *frameWriter, conn *Connection) {
	for {
		data, op, err := wsutil.ReadClientData(rwc)
		if err != nil {
			return
		}
		conn.Touch()

		frame, decErr := decodeByOpCode(op, data)
		if decErr != nil {
			if writeErr := fw.write(NewErrorFrame("", ErrCodeBadRequest, "invalid frame: "+decErr.Error())); writeErr != nil {
				return
			}
			continue
		}

		var reply *Frame
		switch frame.Type {
		case FramePing:
			reply = NewPongFrame(frame)
		default:
			reply = NewErrorFrame(frame.ID, ErrCodeUnsupported, "unsupported frame type "+string(frame.Type))
		}
		if writeErr := fw.write(reply); writeErr != nil {
			s.logger.Warn("failed to write reply frame",
				slog.String("conn_id", conn.ID),
				slog.String("error", writeErr.Error()),
			)
			return
		}
	}
}

// forwardEvents writes events from sub until the subscription closes or a
// write fails. A subscription closed by the broadcaster while the client
// is still connected ends the connection with an error frame.
func (s *Server) forwardEvents(fw *frameWriter, conn *Connection, sub *stream.Subscription, done <-chan struct{}) {
	for evt := range sub.C() {
		if err := fw.write(NewEventFrame(conn.Topic, evt)); err != nil {
			s.logger.Debug("event write failed",
				slog.String("conn_id", conn.ID),
				slog.String("error", err.Error()),
			)
			_ = fw.close()
			return
		}
		conn.markSent()
	}

	select {
	case <-done:
		return
	default:
	}
	//nolint:errcheck // best-effort notice before disconnect
	fw.write(NewErrorFrame("", ErrCodeDropped, "subscription closed"))
	_ = fw.close()
}

// decodeByOpCode decodes text messages as JSON and binary messages as
// MessagePack, whatever format the server writes.
func decodeByOpCode(op ws.OpCode, data []byte) (*Frame, error) {
	if op == ws.OpBinary {
		return MsgpackCodec{}.Decode(data)
	}
	return JSONCodec{}.Decode(data)
}

// frameWriter serializes frame writes to one connection.
type frameWriter struct {
	mu      sync.Mutex
	conn    net.Conn
	codec   Codec
	timeout time.Duration
}

func (fw *frameWriter) write(f *Frame) error {
	data, err := fw.codec.Encode(f)
	if err != nil {
		return err
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.timeout > 0 {
		_ = fw.conn.SetWriteDeadline(time.Now().Add(fw.timeout))
	}
	return wsutil.WriteServerMessage(fw.conn, fw.codec.OpCode(), data)
}

func (fw *frameWriter) close() error { return fw.conn.Close() }

// bufferedConn reads through bytes buffered during the handshake before
// reading from the connection itself.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
