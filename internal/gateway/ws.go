package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const wsWriteTimeout = 5 * time.Second

// wsEnvelope is the frame sent for every bus event.
type wsEnvelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, v)
}

// handleWS streams every bus event to the client until it disconnects.
// Incoming frames are read and discarded so close frames are handled.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.config().AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}
	c := &client{conn: conn}
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()

	sub := s.bus.Subscribe("")
	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		s.bus.Unsubscribe(sub)
		s.clientsMu.Lock()
		delete(s.clients, c)
		s.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	if err := c.send(ctx, wsEnvelope{Type: "hello", Payload: map[string]any{"trace_id": traceID(r)}}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := c.send(ctx, wsEnvelope{Type: ev.Topic, Payload: ev.Payload}); err != nil {
				s.logger.Debug("ws: write failed, closing", "error", err)
				return
			}
		}
	}
}
