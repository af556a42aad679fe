package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/protocol"
	"collabtext/internal/replica"
)

type testServer struct {
	relay *Relay
	http  *httptest.Server
	wsURL string
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	r := newTestRelay(Options{PongWait: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)

	srv := httptest.NewServer(r.Handler("/ws"))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &testServer{relay: r, http: srv, wsURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitRoom polls the room summary until cond holds.
func (s *testServer) waitRoom(t *testing.T, cond func([]RoomInfo) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		infos, err := s.relay.Rooms(context.Background())
		return err == nil && cond(infos)
	}, 2*time.Second, 10*time.Millisecond)
}

func subscribe(t *testing.T, conn *websocket.Conn, room, user string) {
	t.Helper()
	data, err := protocol.Encode(&protocol.Subscribe{Room: room, UserName: user})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func read(t *testing.T, conn *websocket.Conn) (int, []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return kind, data
}

func requireNothing(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected message %q", data)
}

func TestWebsocketSyncFlow(t *testing.T) {
	s := startServer(t)
	alice := s.dial(t)
	subscribe(t, alice, "ws-1/notes.md", "alice")
	kind, data := read(t, alice)
	require.Equal(t, websocket.TextMessage, kind)
	require.Equal(t, protocol.FreshRoom, string(data))

	local := replica.New()
	var deltas [][]byte
	local.OnUpdate(func(u []byte) { deltas = append(deltas, u) })
	require.NoError(t, local.Insert(0, "seeded"))
	require.NoError(t, alice.WriteMessage(websocket.BinaryMessage, deltas[0]))
	s.waitRoom(t, func(infos []RoomInfo) bool { return len(infos) == 1 && infos[0].Length == 6 })

	bob := s.dial(t)
	subscribe(t, bob, "ws-1/notes.md", "bob")
	kind, data = read(t, bob)
	require.Equal(t, websocket.BinaryMessage, kind)
	bobDoc := replica.New()
	require.NoError(t, bobDoc.ApplyUpdate(data))
	assert.Equal(t, "seeded", bobDoc.Text())

	require.NoError(t, local.Insert(6, "!"))
	require.NoError(t, alice.WriteMessage(websocket.BinaryMessage, deltas[1]))
	kind, data = read(t, bob)
	require.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, deltas[1], data)
	require.NoError(t, bobDoc.ApplyUpdate(data))
	assert.Equal(t, "seeded!", bobDoc.Text())

	requireNothing(t, alice)
}

func TestWebsocketPerSenderFIFO(t *testing.T) {
	s := startServer(t)
	a, b := s.dial(t), s.dial(t)
	subscribe(t, a, "doc", "a")
	read(t, a)
	subscribe(t, b, "doc", "b")
	read(t, b)

	local := replica.New()
	var deltas [][]byte
	local.OnUpdate(func(u []byte) { deltas = append(deltas, u) })
	for i := range 50 {
		require.NoError(t, local.Insert(i, "z"))
		require.NoError(t, a.WriteMessage(websocket.BinaryMessage, deltas[i]))
	}
	for i := range 50 {
		_, data := read(t, b)
		require.Equal(t, deltas[i], data, "delta %d", i)
	}
}

func TestWebsocketLegacyTextUpdate(t *testing.T) {
	s := startServer(t)
	a, b := s.dial(t), s.dial(t)
	subscribe(t, a, "doc", "a")
	read(t, a)
	subscribe(t, b, "doc", "b")
	read(t, b)

	local := replica.New()
	var delta []byte
	local.OnUpdate(func(u []byte) { delta = u })
	require.NoError(t, local.Insert(0, "txt"))

	frame, err := protocol.Encode(&protocol.Update{Room: "doc", UserName: "a", Delta: delta})
	require.NoError(t, err)
	require.NoError(t, a.WriteMessage(websocket.TextMessage, frame))

	kind, data := read(t, b)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, delta, data)
}

func TestWebsocketCursorRelay(t *testing.T) {
	s := startServer(t)
	a, b := s.dial(t), s.dial(t)
	subscribe(t, a, "doc", "a")
	read(t, a)
	subscribe(t, b, "doc", "b")
	read(t, b)

	frame, err := protocol.Encode(&protocol.CursorUpdate{Room: "doc", UserName: "a", Position: protocol.Position{LineNumber: 1, Column: 1, VisualColumn: 1}})
	require.NoError(t, err)
	require.NoError(t, a.WriteMessage(websocket.TextMessage, frame))

	kind, data := read(t, b)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.Equal(t, frame, data)
	requireNothing(t, a)
}

func TestWebsocketMalformedFrameKeepsConnection(t *testing.T) {
	s := startServer(t)
	conn := s.dial(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe","room":"doc"}`)))
	subscribe(t, conn, "doc", "a")

	kind, data := read(t, conn)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.Equal(t, protocol.FreshRoom, string(data))
}

func TestWebsocketRoomCleanup(t *testing.T) {
	s := startServer(t)
	first := s.dial(t)
	subscribe(t, first, "doc", "a")
	read(t, first)

	local := replica.New()
	var delta []byte
	local.OnUpdate(func(u []byte) { delta = u })
	require.NoError(t, local.Insert(0, "gone soon"))
	require.NoError(t, first.WriteMessage(websocket.BinaryMessage, delta))
	s.waitRoom(t, func(infos []RoomInfo) bool { return len(infos) == 1 && infos[0].Length > 0 })

	require.NoError(t, first.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	first.Close()
	s.waitRoom(t, func(infos []RoomInfo) bool { return len(infos) == 0 })

	second := s.dial(t)
	subscribe(t, second, "doc", "b")
	kind, data := read(t, second)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.Equal(t, protocol.FreshRoom, string(data))
}

func TestHTTPRoutes(t *testing.T) {
	s := startServer(t)
	conn := s.dial(t)
	subscribe(t, conn, "doc", "kim")
	read(t, conn)

	resp, err := http.Get(s.http.URL + "/rooms")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var infos []RoomInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
	require.Len(t, infos, 1)
	assert.Equal(t, []string{"kim"}, infos[0].Users)

	health, err := http.Get(s.http.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}
