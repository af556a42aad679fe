// Package presence publishes which rooms are open and who is in them, so
// tools outside the relay can show live editing activity.
//
// The directory is informational. It never carries document content and
// the relay never reads it back.
package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Reporter receives room lifecycle events from the relay loop. Calls must
// not block.
type Reporter interface {
	RoomOpened(room string)
	MemberJoined(room, user string, members int)
	MemberLeft(room, user string, members int)
	RoomClosed(room string)
}

// Nop discards every event.
type Nop struct{}

func (Nop) RoomOpened(string) {}
func (Nop) MemberJoined(string, string, int) {}
func (Nop) MemberLeft(string, string, int) {}
func (Nop) RoomClosed(string) {}

// EventKind names a presence event.
type EventKind string

const (
	EventRoomOpened   EventKind = "room-opened"
	EventMemberJoined EventKind = "member-joined"
	EventMemberLeft   EventKind = "member-left"
	EventRoomClosed   EventKind = "room-closed"
)

// Event is the JSON payload published on the presence channel.
type Event struct {
	Kind    EventKind `json:"kind"`
	Room    string    `json:"room"`
	User    string    `json:"user,omitempty"`
	Members int       `json:"members"`
	Relay   string    `json:"relay"`
	At      time.Time `json:"at"`
}

// redisClient is the part of go-redis the directory uses.
type redisClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

const queueSize = 256

// Redis mirrors room membership counts into a hash and publishes each
// event on a channel. Events are queued and written by Run, so the relay
// loop never waits on the network.
type Redis struct {
	client  redisClient
	relay   string
	rooms   string
	channel string
	timeout time.Duration
	queue   chan Event
	logger  *slog.Logger
	now     func() time.Time
}

// RedisOptions configures a Redis reporter.
type RedisOptions struct {
	// Prefix is prepended to the hash and channel names.
	Prefix string
	// Relay identifies this relay instance in published events.
	Relay string
	// Timeout bounds each Redis write.
	Timeout time.Duration
}

// NewRedis returns a reporter writing through client. Call Run to start
// draining events.
func NewRedis(client redisClient, opts RedisOptions, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	return &Redis{
		client:  client,
		relay:   opts.Relay,
		rooms:   opts.Prefix + "rooms",
		channel: opts.Prefix + "presence",
		timeout: opts.Timeout,
		queue:   make(chan Event, queueSize),
		logger:  logger.With("component", "presence"),
		now:     time.Now,
	}
}

func (r *Redis) RoomOpened(room string) {
	r.enqueue(Event{Kind: EventRoomOpened, Room: room})
}

func (r *Redis) MemberJoined(room, user string, members int) {
	r.enqueue(Event{Kind: EventMemberJoined, Room: room, User: user, Members: members})
}

func (r *Redis) MemberLeft(room, user string, members int) {
	r.enqueue(Event{Kind: EventMemberLeft, Room: room, User: user, Members: members})
}

func (r *Redis) RoomClosed(room string) {
	r.enqueue(Event{Kind: EventRoomClosed, Room: room})
}

func (r *Redis) enqueue(ev Event) {
	ev.Relay = r.relay
	ev.At = r.now()
	select {
	case r.queue <- ev:
	default:
		r.logger.Warn("presence queue full, dropping event", "kind", ev.Kind, "room", ev.Room)
	}
}

// Run writes queued events until ctx is cancelled.
func (r *Redis) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.queue:
			if err := r.write(ctx, ev); err != nil {
				r.logger.Warn("presence write failed", "kind", ev.Kind, "room", ev.Room, "error", err)
			}
		}
	}
}

func (r *Redis) write(ctx context.Context, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	switch ev.Kind {
	case EventRoomClosed:
		if err := r.client.HDel(ctx, r.rooms, ev.Room).Err(); err != nil {
			return err
		}
	default:
		if err := r.client.HSet(ctx, r.rooms, ev.Room, ev.Members).Err(); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}
