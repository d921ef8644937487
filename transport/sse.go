package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/xraph/taskcrew/id"
)

// handleSSE serves read-only Server-Sent Events for clients that cannot
// establish WebSocket connections. Each step event is written as an SSE
// event named after its kind with the JSON event as data.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	topic := topicFromQuery(r)
	sub, err := s.source.Subscribe(topic)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn := NewConnection(id.NewConnectionID().String(), topic, "sse", JSONCodec{})
	s.conns.Add(conn)
	defer func() {
		s.source.Unsubscribe(sub)
		s.conns.Remove(conn.ID)
		s.logger.Info("sse client disconnected",
			slog.String("conn_id", conn.ID),
			slog.Int64("sent", conn.Sent()),
		)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": subscribed %s\n\n", topic)
	flusher.Flush()

	for {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				s.logger.Warn("sse encode failed", slog.String("error", err.Error()))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, data); err != nil {
				return
			}
			flusher.Flush()
			conn.markSent()
		case <-r.Context().Done():
			return
		}
	}
}
