package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"collabtext/internal/cursor"
)

// Hub fans the agent's text and remote cursors out to every connected
// editor UI and feeds their ops back to the agent. It is the agent's
// Buffer.
type Hub struct {
	editor editor
	logger *slog.Logger

	// Owned by run.
	clients map[*Client]bool
	text    View
	cursors View

	broadcast  chan View
	direct     chan directView
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

type directView struct {
	client *Client
	view   View
}

// Client is one editor UI connection.
type Client struct {
	conn *websocket.Conn
	send chan []byte
}

// newHub returns a hub with no editor; set editor before serving.
func newHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger.With("component", "hub"),
		clients:    make(map[*Client]bool),
		text:       View{Type: "text"},
		cursors:    View{Type: "cursors"},
		broadcast:  make(chan View, 64),
		direct:     make(chan directView, 16),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			h.deliver(client, h.text)
			h.deliver(client, h.cursors)
			h.logger.Info("editor connected", "editors", len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("editor disconnected", "editors", len(h.clients))
			}
		case d := <-h.direct:
			if h.clients[d.client] {
				h.deliver(d.client, d.view)
			}
		case view := <-h.broadcast:
			if view.Type == "text" {
				h.text = view
			} else {
				h.cursors = view
			}
			for client := range h.clients {
				h.deliver(client, view)
			}
		}
	}
}

// deliver queues view for client, dropping a client that cannot keep up.
func (h *Hub) deliver(client *Client, view View) {
	data, err := json.Marshal(view)
	if err != nil {
		h.logger.Error("encoding view", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) publish(view View) {
	select {
	case h.broadcast <- view:
	case <-h.done:
	}
}

// SetText implements syncagent.Buffer.
func (h *Hub) SetText(text string) {
	h.publish(View{Type: "text", Text: text})
}

// SetCursors implements syncagent.Buffer.
func (h *Hub) SetCursors(cursors []cursor.Remote) {
	h.publish(View{Type: "cursors", Cursors: cursors})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (h *Hub) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := &Client{conn: conn, send: make(chan []byte, 256)}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump(r.Context(), h)
}

func (c *Client) readPump(ctx context.Context, h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	// The request context ends when the handler returns; ops outlive it.
	ctx = context.WithoutCancel(ctx)
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var op Op
		if err := json.Unmarshal(message, &op); err != nil {
			h.logger.Warn("decoding op", "error", err)
			continue
		}
		if err := applyOp(ctx, h.editor, op); err != nil {
			h.logger.Warn("applying op", "action", op.Action, "error", err)
			select {
			case h.direct <- directView{client: c, view: View{Type: "error", Error: err.Error()}}:
			case <-h.done:
				return
			}
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
