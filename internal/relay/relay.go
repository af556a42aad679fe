// Package relay multiplexes editing rooms over one websocket endpoint.
//
// Every room holds a replica and a member set. Both live in maps owned by
// the goroutine running Relay.Run; connection goroutines only decode
// frames and hand them over as events, so each frame is handled to
// completion before the next and no room state is ever locked.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"

	"collabtext/internal/presence"
	"collabtext/internal/protocol"
	"collabtext/internal/replica"
)

// ErrStopped is returned by calls made after Run has returned.
var ErrStopped = errors.New("relay stopped")

// Options configures a Relay. Zero values pick the defaults noted.
type Options struct {
	// SendBuffer is the per-connection outbound queue length (256). A
	// member whose queue is full is disconnected.
	SendBuffer int
	// EventBuffer is the length of the queue into the room loop (1024).
	EventBuffer int
	// MaxMessageSize caps inbound frames in bytes (1 MiB).
	MaxMessageSize int64
	// WriteTimeout bounds each websocket write (10s).
	WriteTimeout time.Duration
	// PongWait is how long a silent connection survives. Pings go out
	// at 9/10 of it. Zero disables keepalive.
	PongWait time.Duration
	// CheckOrigin is passed to the websocket upgrader; nil accepts all.
	CheckOrigin func(*http.Request) bool

	Presence presence.Reporter
	Logger   *slog.Logger
}

// Relay is the state of one relay process: rooms, their replicas and
// their members.
type Relay struct {
	opts     Options
	logger   *slog.Logger
	presence presence.Reporter
	upgrader websocket.Upgrader

	events chan event
	done   chan struct{}

	// Owned by the Run goroutine.
	rooms   map[string]*room
	clients map[*Client]*room
}

type room struct {
	name    string
	doc     *replica.Doc
	members map[*Client]struct{}
}

type eventKind int

const (
	evRegister eventKind = iota
	evFrame
	evBinary
	evDisconnect
	evRooms
)

type event struct {
	kind   eventKind
	client *Client
	frame  protocol.Frame
	raw    []byte
	reply  chan []RoomInfo
}

// RoomInfo summarizes one open room.
type RoomInfo struct {
	Name    string   `json:"name"`
	Members int      `json:"members"`
	Users   []string `json:"users"`
	Length  int      `json:"length"`
}

// New returns a relay. Call Run to start processing.
func New(opts Options) *Relay {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 1024
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 1 << 20
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Presence == nil {
		opts.Presence = presence.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Relay{
		opts:     opts,
		logger:   opts.Logger.With("component", "relay"),
		presence: opts.Presence,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		events:  make(chan event, opts.EventBuffer),
		done:    make(chan struct{}),
		rooms:   make(map[string]*room),
		clients: make(map[*Client]*room),
	}
}

// Run processes events until ctx is cancelled, then closes every
// connection.
func (r *Relay) Run(ctx context.Context) error {
	defer close(r.done)
	r.logger.Info("relay loop started")
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case ev := <-r.events:
			r.dispatch(ev)
		}
	}
}

func (r *Relay) submit(ev event) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.done:
		return false
	}
}

func (r *Relay) dispatch(ev event) {
	switch ev.kind {
	case evRegister:
		r.clients[ev.client] = nil
	case evFrame:
		switch f := ev.frame.(type) {
		case *protocol.Subscribe:
			r.handleSubscribe(ev.client, f.Room, f.UserName)
		case *protocol.Update:
			r.handleUpdate(ev.client, f.Room, f.Delta)
		case *protocol.CursorUpdate:
			r.handleCursorUpdate(ev.client, f.Room, ev.raw)
		}
	case evBinary:
		rm := r.clients[ev.client]
		if rm == nil {
			r.logger.Warn("dropping delta from unsubscribed connection", "client", ev.client.id)
			return
		}
		r.handleUpdate(ev.client, rm.name, ev.raw)
	case evDisconnect:
		r.handleDisconnect(ev.client)
	case evRooms:
		ev.reply <- r.roomInfos()
	}
}

// handleSubscribe puts c in room name. An existing room answers with its
// full state; a new room answers with the fresh-room sentinel so the
// agent knows to seed content itself.
func (r *Relay) handleSubscribe(c *Client, name, userName string) {
	if cur := r.clients[c]; cur != nil {
		if cur.name == name {
			c.userName = userName
			r.send(c, message{kind: websocket.BinaryMessage, data: cur.doc.EncodeFullState()})
			return
		}
		r.leave(c, cur)
	}
	c.userName = userName

	rm, ok := r.rooms[name]
	if !ok {
		rm = &room{name: name, doc: replica.New(), members: make(map[*Client]struct{})}
		r.rooms[name] = rm
		r.presence.RoomOpened(name)
		r.logger.Info("room opened", "room", name)
	}
	rm.members[c] = struct{}{}
	r.clients[c] = rm
	r.presence.MemberJoined(name, userName, len(rm.members))
	r.logger.Info("member joined", "room", name, "user", userName, "client", c.id, "members", len(rm.members))

	if ok {
		r.send(c, message{kind: websocket.BinaryMessage, data: rm.doc.EncodeFullState()})
	} else {
		r.send(c, message{kind: websocket.TextMessage, data: []byte(protocol.FreshRoom)})
	}
}

// handleUpdate merges delta into the room replica and forwards it to
// every member except c. A room that does not exist is not created for
// the delta: it would have no members to clean it up.
func (r *Relay) handleUpdate(c *Client, name string, delta []byte) {
	rm := r.rooms[name]
	if rm == nil {
		r.logger.Warn("dropping delta for unknown room", "room", name, "client", c.id)
		return
	}
	if err := rm.doc.ApplyUpdate(delta); err != nil {
		r.logger.Warn("dropping malformed delta", "room", name, "client", c.id, "error", err)
		return
	}
	r.broadcast(rm, c, message{kind: websocket.BinaryMessage, data: delta})
}

// handleCursorUpdate forwards a cursor frame verbatim to every member
// except c. The replica is never touched.
func (r *Relay) handleCursorUpdate(c *Client, name string, raw []byte) {
	rm := r.rooms[name]
	if rm == nil {
		r.logger.Debug("dropping cursor for unknown room", "room", name, "client", c.id)
		return
	}
	r.broadcast(rm, c, message{kind: websocket.TextMessage, data: raw})
}

// handleDisconnect removes c from its room, destroying the room when it
// empties, and closes c's outbound queue. Safe to call more than once.
func (r *Relay) handleDisconnect(c *Client) {
	rm, known := r.clients[c]
	delete(r.clients, c)
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	if rm != nil {
		r.leave(c, rm)
	}
	if known {
		r.logger.Debug("connection closed", "client", c.id)
	}
}

func (r *Relay) leave(c *Client, rm *room) {
	if _, ok := rm.members[c]; !ok {
		return
	}
	delete(rm.members, c)
	if r.clients[c] == rm {
		r.clients[c] = nil
	}
	r.presence.MemberLeft(rm.name, c.userName, len(rm.members))
	r.logger.Info("member left", "room", rm.name, "user", c.userName, "client", c.id, "members", len(rm.members))

	if len(rm.members) == 0 {
		delete(r.rooms, rm.name)
		r.presence.RoomClosed(rm.name)
		r.logger.Info("room closed", "room", rm.name)
	}
}

func (r *Relay) broadcast(rm *room, except *Client, msg message) {
	var slow []*Client
	for m := range rm.members {
		if m == except {
			continue
		}
		if !m.enqueue(msg) {
			slow = append(slow, m)
		}
	}
	for _, m := range slow {
		r.logger.Warn("disconnecting slow member", "room", rm.name, "user", m.userName, "client", m.id)
		r.handleDisconnect(m)
	}
}

func (r *Relay) send(c *Client, msg message) {
	if !c.enqueue(msg) {
		r.logger.Warn("disconnecting slow member", "client", c.id)
		r.handleDisconnect(c)
	}
}

func (r *Relay) shutdown() {
	for c := range r.clients {
		r.handleDisconnect(c)
	}
	r.logger.Info("relay loop stopped")
}

// Rooms returns a summary of the open rooms, sorted by name.
func (r *Relay) Rooms(ctx context.Context) ([]RoomInfo, error) {
	reply := make(chan []RoomInfo, 1)
	if !r.submit(event{kind: evRooms, reply: reply}) {
		return nil, ErrStopped
	}
	select {
	case infos := <-reply:
		return infos, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrStopped
	}
}

func (r *Relay) roomInfos() []RoomInfo {
	infos := make([]RoomInfo, 0, len(r.rooms))
	for _, rm := range r.rooms {
		info := RoomInfo{Name: rm.name, Members: len(rm.members), Length: rm.doc.Len()}
		for m := range rm.members {
			info.Users = append(info.Users, m.userName)
		}
		sort.Strings(info.Users)
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
