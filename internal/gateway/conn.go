package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/toolgate/backend/internal/protocol"
	"github.com/toolgate/backend/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// conn is one client WebSocket connection. The read pump is the only
// reader; the write pump is the only writer. Handlers run in their own
// goroutines and publish envelopes through the send channel.
type conn struct {
	srv *Server
	ws  *websocket.Conn

	send chan *protocol.Envelope
	sess *session.Session

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	closed   bool
}

func newConn(srv *Server, ws *websocket.Conn) *conn {
	return &conn{
		srv:      srv,
		ws:       ws,
		send:     make(chan *protocol.Envelope, 64),
		inflight: make(map[string]context.CancelFunc),
	}
}

// reply queues an envelope for the write pump. Drops silently once the
// connection is shutting down.
func (c *conn) reply(env *protocol.Envelope) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.send <- env:
	default:
		slog.Warn("send queue full, dropping response",
			"request_id", env.RequestID, "remote", c.ws.RemoteAddr().String())
	}
}

// track registers an in-flight request's cancel func. Returns false when
// the per-connection queue depth is exhausted.
func (c *conn) track(requestID string, cancel context.CancelFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inflight) >= c.srv.cfg.MaxQueueDepth {
		return false
	}
	c.inflight[requestID] = cancel
	return true
}

func (c *conn) untrack(requestID string) {
	c.mu.Lock()
	delete(c.inflight, requestID)
	c.mu.Unlock()
}

// cancelRequest cancels one in-flight request by id.
func (c *conn) cancelRequest(requestID string) bool {
	c.mu.Lock()
	cancel, ok := c.inflight[requestID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// shutdown cancels every in-flight request and releases the session.
func (c *conn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancels := make([]context.CancelFunc, 0, len(c.inflight))
	for _, cancel := range c.inflight {
		cancels = append(cancels, cancel)
	}
	c.inflight = map[string]context.CancelFunc{}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if c.sess != nil {
		c.srv.sessions.Close(c.sess.ID)
	}
	close(c.send)
}

// readPump reads frames until the connection drops. Inbound frames above
// the configured limit close the connection with a policy violation after
// an error envelope, matching the payload cap contract.
func (c *conn) readPump() {
	defer func() {
		c.shutdown()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.srv.cfg.MaxInboundBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if c.sess != nil {
			c.srv.sessions.Touch(c.sess.ID)
		}
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseMessageTooBig) ||
				err == websocket.ErrReadLimit {
				c.reply(protocol.Fail("", protocol.E(protocol.KindPayloadTooLarge,
					"inbound frame exceeds %d bytes", c.srv.cfg.MaxInboundBytes)))
			} else if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "remote", c.ws.RemoteAddr().String(), "error", err)
			}
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.reply(protocol.Fail("", protocol.E(protocol.KindInvalidInput, "malformed frame: %v", err)))
			continue
		}
		c.srv.dispatch(c, &frame)
	}
}

// writePump drains the send channel and keeps the connection alive with
// pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(env); err != nil {
				slog.Warn("websocket write error", "remote", c.ws.RemoteAddr().String(), "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
