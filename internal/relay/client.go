package relay

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabtext/internal/protocol"
)

// Client is one websocket connection to the relay.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan message

	// Owned by the relay loop.
	userName string
	closed   bool
}

type message struct {
	kind int
	data []byte
}

func newClient(conn *websocket.Conn, buffer int) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan message, buffer),
	}
}

func (c *Client) enqueue(msg message) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// ServeWS upgrades the request and starts the connection's pumps.
func (r *Relay) ServeWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}
	c := newClient(conn, r.opts.SendBuffer)
	if !r.submit(event{kind: evRegister, client: c}) {
		conn.Close()
		return
	}
	r.logger.Debug("connection opened", "client", c.id, "remote", req.RemoteAddr)
	go r.writePump(c)
	go r.readPump(c)
}

// readPump decodes inbound frames and hands them to the relay loop in
// arrival order. Malformed frames are logged and skipped.
func (r *Relay) readPump(c *Client) {
	defer func() {
		r.submit(event{kind: evDisconnect, client: c})
		c.conn.Close()
	}()

	c.conn.SetReadLimit(r.opts.MaxMessageSize)
	if r.opts.PongWait > 0 {
		c.conn.SetReadDeadline(time.Now().Add(r.opts.PongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(r.opts.PongWait))
		})
	}

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Debug("connection lost", "client", c.id, "error", err)
			}
			return
		}

		var ev event
		switch kind {
		case websocket.BinaryMessage:
			ev = event{kind: evBinary, client: c, raw: data}
		case websocket.TextMessage:
			f, err := protocol.Decode(data)
			if err != nil {
				r.logger.Warn("dropping malformed frame", "client", c.id, "error", err)
				continue
			}
			ev = event{kind: evFrame, client: c, frame: f, raw: data}
		default:
			continue
		}
		if !r.submit(ev) {
			return
		}
	}
}

// writePump drains the client's queue onto the socket. A closed queue
// means the relay is done with the connection.
func (r *Relay) writePump(c *Client) {
	var tick <-chan time.Time
	if r.opts.PongWait > 0 {
		ticker := time.NewTicker(r.opts.PongWait * 9 / 10)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer c.conn.Close()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(r.opts.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(msg.kind, msg.data); err != nil {
				r.logger.Debug("write failed", "client", c.id, "error", err)
				return
			}
		case <-tick:
			c.conn.SetWriteDeadline(time.Now().Add(r.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
