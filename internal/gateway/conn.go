package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mverbeek/pushgate/internal/jsoncodec"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// maxFrameBytes bounds a single inbound push-channel frame.
	maxFrameBytes = 1 << 20

	sendBufferSize = 256
)

// Conn is one push-channel connection. It is exclusively owned by the gateway
// of its process; only the gateway loop mutates its registration state and
// only the gateway writes to its outbound buffer.
type Conn struct {
	id   string
	sock *websocket.Conn
	gw   *Gateway
	addr string
	send chan []byte

	// closed is owned by the gateway loop.
	closed bool
}

// ID returns the connection's opaque identity, unique per process and
// globally (ULID).
func (c *Conn) ID() string { return c.id }

// clientFrame is the inbound wire format on the push channel.
type clientFrame struct {
	Action  string          `json:"action"`
	Room    string          `json:"room,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// serverFrame is the outbound wire format: the broadcast event name plus its
// payload, byte for byte as published.
type serverFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (c *Conn) readPump() {
	defer func() {
		select {
		case c.gw.unregister <- c:
		case <-c.gw.ctx.Done():
		}
		_ = c.sock.Close()
	}()

	c.sock.SetReadLimit(maxFrameBytes)
	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			c.logReadEnd(err)
			return
		}
		c.handleFrame(raw)
	}
}

func (c *Conn) logReadEnd(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.gw.log.Warn("push-channel frame exceeded read limit", "conn", c.id, "addr", c.addr)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure),
		errors.Is(err, io.EOF),
		isExpectedCloseError(err):
		c.gw.log.Debug("push-channel closed", "conn", c.id, "addr", c.addr)
	default:
		c.gw.log.Warn("push-channel read failed", "conn", c.id, "addr", c.addr, "err", err)
	}
}

func (c *Conn) handleFrame(raw []byte) {
	var frame clientFrame
	if err := jsoncodec.Unmarshal(raw, &frame); err != nil {
		c.gw.log.Debug("discarding malformed frame", "conn", c.id, "err", err)
		return
	}

	switch frame.Action {
	case "join":
		if err := c.gw.Join(c.id, frame.Room); err != nil {
			c.gw.log.Debug("join rejected", "conn", c.id, "room", frame.Room, "err", err)
		}
	case "leave":
		if err := c.gw.Leave(c.id, frame.Room); err != nil {
			c.gw.log.Debug("leave rejected", "conn", c.id, "room", frame.Room, "err", err)
		}
	case "publish":
		c.publish(frame)
	default:
		c.gw.log.Debug("discarding frame with unknown action", "conn", c.id, "action", frame.Action)
	}
}

// publish forwards a client broadcast to the broker. It never delivers
// locally; the adapter's subscribe link closes the loop.
func (c *Conn) publish(frame clientFrame) {
	broadcaster := c.gw.getBroadcaster()
	if broadcaster == nil {
		c.gw.log.Warn("dropping publish: no broadcaster attached", "conn", c.id)
		return
	}

	scope := ToAll()
	if frame.Room != "" {
		scope = ToRoom(frame.Room)
	}
	msg := Message{Event: frame.Event, Scope: scope, Payload: frame.Payload}
	if err := broadcaster.Broadcast(c.gw.ctx, msg); err != nil {
		c.gw.log.Warn("client broadcast failed", "conn", c.id, "event", frame.Event, "err", err)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.sock.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.sock.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				if !isExpectedCloseError(err) {
					c.gw.log.Debug("push-channel write failed", "conn", c.id, "err", err)
				}
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.gw.ctx.Done():
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.sock.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

// isExpectedCloseError checks if an error is expected during connection
// teardown.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
