// Package syncagent keeps a local editor buffer in sync with a room on a
// relay. Each connection gets a fresh replica; local edits leave as one
// binary delta each and remote deltas are merged without echoing them
// back.
package syncagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/sergi/go-diff/diffmatchpatch"

	"collabtext/internal/cursor"
	"collabtext/internal/protocol"
	"collabtext/internal/replica"
	"collabtext/internal/seed"
)

var (
	// ErrNotConnected is returned for edits made while no session has
	// received the room's state.
	ErrNotConnected = errors.New("not connected to relay")
	// ErrNoSaver is returned by Save when no saver is configured.
	ErrNoSaver = errors.New("no saver configured")
)

// Options configures an Agent. URL, Room and UserName are required.
type Options struct {
	URL      string
	Room     string
	UserName string

	// Seed fills a room the relay reports as fresh. Optional.
	Seed seed.Source
	// Saver receives the text on Save. Optional.
	Saver seed.Saver
	// Buffer receives text and cursor changes. Defaults to a MemoryBuffer.
	Buffer Buffer
	// Palette colors remote cursors. Defaults to cursor.DefaultColors.
	Palette *cursor.Palette

	// NewBackOff returns the policy used between reconnect attempts.
	// Defaults to an exponential backoff that never gives up.
	NewBackOff   func() backoff.BackOff
	Dialer       *websocket.Dialer
	SendBuffer   int
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// Agent connects to a relay, subscribes to one room and keeps Buffer in
// step with the room's text.
type Agent struct {
	opts    Options
	logger  *slog.Logger
	cursors *cursor.Table

	// editMu serializes local edits and remote merges so a local edit
	// sees a stable text and its delta is queued in edit order.
	editMu sync.Mutex

	mu   sync.Mutex
	sess *session

	sent atomic.Int64
}

type session struct {
	conn *websocket.Conn
	doc  *replica.Doc
	out  chan outbound
	done chan struct{}
	once sync.Once

	// Set by the reader once the relay's snapshot or sentinel arrived.
	ready atomic.Bool
}

// end closes the connection and releases anyone waiting to queue a
// frame. Safe to call from the reader, the writer and ctx cancellation.
func (s *session) end() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

type outbound struct {
	kind int
	data []byte
}

// New returns an agent for opts. It does nothing until Run is called.
func New(opts Options) (*Agent, error) {
	if opts.URL == "" || opts.Room == "" || opts.UserName == "" {
		return nil, fmt.Errorf("url, room and user name are required")
	}
	if opts.Buffer == nil {
		opts.Buffer = &MemoryBuffer{}
	}
	if opts.Palette == nil {
		opts.Palette = cursor.NewPalette()
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Agent{
		opts:    opts,
		logger:  opts.Logger.With("component", "syncagent", "room", opts.Room, "user", opts.UserName),
		cursors: cursor.NewTable(opts.Palette),
	}, nil
}

// Run connects and reconnects until ctx is done, waiting between
// attempts according to the backoff policy. It returns nil when ctx ends
// and an error only if the policy gives up.
func (a *Agent) Run(ctx context.Context) error {
	b := a.opts.NewBackOff()
	b.Reset()
	for {
		established, err := a.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			b.Reset()
			a.logger.Warn("relay connection lost", "error", err)
		} else {
			a.logger.Warn("relay unreachable", "url", a.opts.URL, "error", err)
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("giving up on relay %s: %w", a.opts.URL, err)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// connect runs one session. established reports whether the dial
// succeeded.
func (a *Agent) connect(ctx context.Context) (established bool, err error) {
	conn, _, err := a.opts.Dialer.DialContext(ctx, a.opts.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dialing relay: %w", err)
	}
	s := &session{
		conn: conn,
		doc:  replica.New(),
		out:  make(chan outbound, a.opts.SendBuffer),
		done: make(chan struct{}),
	}
	stop := context.AfterFunc(ctx, s.end)
	defer stop()

	s.doc.OnUpdate(func(update []byte) {
		select {
		case s.out <- outbound{kind: websocket.BinaryMessage, data: update}:
		case <-s.done:
		}
	})
	s.doc.OnChange(func() {
		a.opts.Buffer.SetText(s.doc.Text())
	})

	// The subscribe frame goes out before the writer starts so it is
	// always the first frame the relay sees.
	sub, err := protocol.Encode(&protocol.Subscribe{Room: a.opts.Room, UserName: a.opts.UserName})
	if err != nil {
		s.end()
		return true, err
	}
	conn.SetWriteDeadline(time.Now().Add(a.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		s.end()
		return true, fmt.Errorf("subscribing: %w", err)
	}

	a.mu.Lock()
	a.sess = s
	a.mu.Unlock()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		a.writeLoop(s)
	}()

	a.logger.Info("connected to relay", "url", a.opts.URL, "client", s.doc.Client())
	err = a.readLoop(ctx, s)

	a.mu.Lock()
	a.sess = nil
	a.mu.Unlock()
	s.end()
	<-writerDone

	a.cursors.Clear()
	a.opts.Buffer.SetCursors(nil)
	return true, err
}

// writeLoop sends queued frames in order until the session ends. A failed
// write ends the session so edits blocked queueing a frame are released.
func (a *Agent) writeLoop(s *session) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(a.opts.WriteTimeout))
			if err := s.conn.WriteMessage(msg.kind, msg.data); err != nil {
				a.logger.Debug("write failed", "error", err)
				s.end()
				return
			}
			if msg.kind == websocket.BinaryMessage {
				a.sent.Add(1)
			}
		}
	}
}

func (a *Agent) readLoop(ctx context.Context, s *session) error {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}

		switch kind {
		case websocket.BinaryMessage:
			a.merge(s, data)

		case websocket.TextMessage:
			if string(data) == protocol.FreshRoom {
				a.seedFresh(ctx, s)
				continue
			}
			frame, err := protocol.Decode(data)
			if err != nil {
				a.logger.Warn("dropping malformed frame", "error", err)
				continue
			}
			switch f := frame.(type) {
			case *protocol.CursorUpdate:
				if f.UserName == a.opts.UserName {
					continue
				}
				a.cursors.Upsert(f.UserName, f.Position)
				a.opts.Buffer.SetCursors(a.cursors.All())
			case *protocol.Update:
				a.merge(s, f.Delta)
			default:
				a.logger.Debug("ignoring frame", "type", frame.Type())
			}
		}
	}
}

// merge applies a snapshot or delta from the relay. The first one marks
// the session ready for local edits.
func (a *Agent) merge(s *session, data []byte) {
	a.editMu.Lock()
	defer a.editMu.Unlock()

	if err := s.doc.ApplyUpdate(data); err != nil {
		a.logger.Warn("dropping malformed update", "error", err)
		return
	}
	if !s.ready.Load() {
		s.ready.Store(true)
		a.opts.Buffer.SetText(s.doc.Text())
		a.logger.Debug("room state received", "length", s.doc.Len())
	}
}

// seedFresh fills a room nobody holds yet from the seed source. The text
// is inserted as a local edit so the relay and later joiners receive it.
func (a *Agent) seedFresh(ctx context.Context, s *session) {
	a.editMu.Lock()
	defer a.editMu.Unlock()

	s.ready.Store(true)
	if a.opts.Seed == nil {
		a.opts.Buffer.SetText(s.doc.Text())
		return
	}

	text, found, err := a.opts.Seed.Load(ctx, a.opts.Room)
	switch {
	case err != nil:
		a.logger.Error("loading seed content", "error", err)
	case !found:
		a.logger.Info("fresh room with no saved content")
	default:
		if err := s.doc.Insert(s.doc.Len(), text); err != nil {
			a.logger.Error("seeding room", "error", err)
		} else {
			a.logger.Info("seeded fresh room", "length", utf8.RuneCountInString(text))
		}
	}
	a.opts.Buffer.SetText(s.doc.Text())
}

// current returns the live session once it is ready for edits.
func (a *Agent) current() *session {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil || !a.sess.ready.Load() {
		return nil
	}
	return a.sess
}

func (a *Agent) edit(fn func(*replica.Doc) error) error {
	a.editMu.Lock()
	defer a.editMu.Unlock()

	s := a.current()
	if s == nil {
		return ErrNotConnected
	}
	return fn(s.doc)
}

// Insert inserts text at the 0-based character offset pos.
func (a *Agent) Insert(pos int, text string) error {
	return a.edit(func(d *replica.Doc) error { return d.Insert(pos, text) })
}

// Delete removes n characters starting at pos.
func (a *Agent) Delete(pos, n int) error {
	return a.edit(func(d *replica.Doc) error { return d.Delete(pos, n) })
}

// SetText replaces the whole text, emitting the smallest edits that turn
// the current text into text.
func (a *Agent) SetText(text string) error {
	return a.edit(func(d *replica.Doc) error {
		dmp := diffmatchpatch.New()
		pos := 0
		for _, diff := range dmp.DiffMain(d.Text(), text, false) {
			n := utf8.RuneCountInString(diff.Text)
			switch diff.Type {
			case diffmatchpatch.DiffEqual:
				pos += n
			case diffmatchpatch.DiffDelete:
				if err := d.Delete(pos, n); err != nil {
					return err
				}
			case diffmatchpatch.DiffInsert:
				if err := d.Insert(pos, diff.Text); err != nil {
					return err
				}
				pos += n
			}
		}
		return nil
	})
}

// Text returns the replica's text, or "" while disconnected.
func (a *Agent) Text() string {
	if s := a.current(); s != nil {
		return s.doc.Text()
	}
	return ""
}

// Connected reports whether a session has received the room's state.
func (a *Agent) Connected() bool {
	return a.current() != nil
}

// Cursors returns the remote cursors seen in this session.
func (a *Agent) Cursors() []cursor.Remote {
	return a.cursors.All()
}

// Render returns the text with remote cursors marked.
func (a *Agent) Render() string {
	return a.cursors.Render(a.Text())
}

// Save writes the current text to the configured saver.
func (a *Agent) Save(ctx context.Context) error {
	if a.opts.Saver == nil {
		return ErrNoSaver
	}
	s := a.current()
	if s == nil {
		return ErrNotConnected
	}
	text := s.doc.Text()
	if err := a.opts.Saver.Save(ctx, a.opts.Room, text); err != nil {
		return fmt.Errorf("saving %s: %w", a.opts.Room, err)
	}
	a.logger.Info("saved", "length", utf8.RuneCountInString(text))
	return nil
}

// MoveCursor announces the local cursor at a 1-based line and column.
// The frame is dropped if the session is down or its queue is full.
func (a *Agent) MoveCursor(line, column int) {
	s := a.current()
	if s == nil {
		return
	}
	data, err := protocol.Encode(&protocol.CursorUpdate{
		Room:     a.opts.Room,
		UserName: a.opts.UserName,
		Position: cursor.At(s.doc.Text(), line, column),
	})
	if err != nil {
		a.logger.Warn("encoding cursor frame", "error", err)
		return
	}
	select {
	case s.out <- outbound{kind: websocket.TextMessage, data: data}:
	default:
	}
}
