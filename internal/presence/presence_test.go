package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	mu        sync.Mutex
	hash      map[string]interface{}
	published []Event
	failHSet  bool
	notify    chan struct{}
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{hash: make(map[string]interface{}), notify: make(chan struct{}, 64)}
}

func (f *fakeRedis) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failHSet {
		cmd.SetErr(errors.New("connection refused"))
		return cmd
	}
	f.hash[values[0].(string)] = values[1]
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedis) HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, field := range fields {
		delete(f.hash, field)
	}
	cmd.SetVal(int64(len(fields)))
	return cmd
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	var ev Event
	if err := json.Unmarshal(message.([]byte), &ev); err != nil {
		cmd.SetErr(err)
		return cmd
	}
	f.mu.Lock()
	f.published = append(f.published, ev)
	f.mu.Unlock()
	f.notify <- struct{}{}
	return cmd
}

func (f *fakeRedis) waitPublished(t *testing.T, n int) []Event {
	t.Helper()
	for {
		f.mu.Lock()
		got := len(f.published)
		f.mu.Unlock()
		if got >= n {
			break
		}
		select {
		case <-f.notify:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %d events, have %d", n, got)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.published...)
}

func TestRedisReporterMirrorsRooms(t *testing.T) {
	fake := newFakeRedis()
	r := NewRedis(fake, RedisOptions{Prefix: "ct:", Relay: "relay-1"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.RoomOpened("doc")
	r.MemberJoined("doc", "kim", 1)
	r.MemberJoined("doc", "lee", 2)

	events := fake.waitPublished(t, 3)
	assert.Equal(t, EventRoomOpened, events[0].Kind)
	assert.Equal(t, "lee", events[2].User)
	assert.Equal(t, "relay-1", events[2].Relay)

	fake.mu.Lock()
	assert.Equal(t, 2, fake.hash["doc"])
	fake.mu.Unlock()

	r.MemberLeft("doc", "kim", 1)
	r.MemberLeft("doc", "lee", 0)
	r.RoomClosed("doc")
	events = fake.waitPublished(t, 6)
	assert.Equal(t, EventRoomClosed, events[5].Kind)

	fake.mu.Lock()
	_, ok := fake.hash["doc"]
	fake.mu.Unlock()
	assert.False(t, ok)
}

func TestRedisReporterSurvivesWriteErrors(t *testing.T) {
	fake := newFakeRedis()
	fake.failHSet = true
	r := NewRedis(fake, RedisOptions{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.RoomOpened("doc")
	r.RoomClosed("doc")

	// The failed HSet skips its publish; the close still goes through.
	events := fake.waitPublished(t, 1)
	require.Len(t, events, 1)
	assert.Equal(t, EventRoomClosed, events[0].Kind)
}

func TestRedisReporterDropsWhenFull(t *testing.T) {
	r := NewRedis(newFakeRedis(), RedisOptions{}, nil)
	for range queueSize + 10 {
		r.MemberJoined("doc", "kim", 1)
	}
	assert.Len(t, r.queue, queueSize)
}

func TestNopSatisfiesReporter(t *testing.T) {
	var rep Reporter = Nop{}
	rep.RoomOpened("x")
	rep.RoomClosed("x")
}
