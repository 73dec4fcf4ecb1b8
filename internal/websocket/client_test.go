package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// fakeServer is a grading-service stand-in that records room requests and
// lets the test push frames or drop connections.
type fakeServer struct {
	t     *testing.T
	srv   *httptest.Server
	mu    sync.Mutex
	conns []*websocket.Conn
	joins chan RoomRequest
	auth  chan string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		t:     t,
		joins: make(chan RoomRequest, 16),
		auth:  make(chan string, 16),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.auth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.mu.Unlock()

		for {
			var req RoomRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.Action == ActionJoin || req.Action == ActionLeave {
				fs.joins <- req
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) latest() *websocket.Conn {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.conns[len(fs.conns)-1]
}

func (fs *fakeServer) push(event Event, data any) {
	fs.t.Helper()
	raw, _ := json.Marshal(data)
	conn := fs.latest()
	if err := conn.WriteJSON(Envelope{Event: event, Data: raw}); err != nil {
		fs.t.Fatalf("push: %v", err)
	}
}

func (fs *fakeServer) dropAll() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.conns {
		_ = c.Close()
	}
}

func expectJoin(t *testing.T, fs *fakeServer, room string) {
	t.Helper()
	select {
	case req := <-fs.joins:
		if req.Action != ActionJoin || req.Room != room {
			t.Fatalf("room request = %+v, want join %s", req, room)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no join for %s", room)
	}
}

func dial(t *testing.T, fs *fakeServer) *Client {
	t.Helper()
	c, err := Dial(context.Background(), Options{
		URL:         fs.url(),
		Token:       "tok",
		MaxAttempts: 2,
		Backoff:     10 * time.Millisecond,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDispatchAndIdempotentListeners(t *testing.T) {
	fs := newFakeServer(t)
	c := dial(t, fs)

	if got := <-fs.auth; got != "Bearer tok" {
		t.Errorf("Authorization = %q", got)
	}

	got := make(chan Envelope, 4)
	if !c.On(EventResultsReady, "s1", func(env Envelope) { got <- env }) {
		t.Fatal("first registration refused")
	}
	if c.On(EventResultsReady, "s1", func(env Envelope) { got <- env }) {
		t.Fatal("duplicate registration accepted")
	}

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(c.Join(context.Background(), "session:1"))
	expectJoin(t, fs, "session:1")

	fs.push(EventResultsReady, map[string]any{"score": 2})

	select {
	case env := <-got:
		if env.Event != EventResultsReady || !strings.Contains(string(env.Data), `"score":2`) {
			t.Errorf("envelope = %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not dispatched")
	}
	select {
	case <-got:
		t.Fatal("event dispatched twice")
	case <-time.After(50 * time.Millisecond):
	}

	c.Off("s1")
	fs.push(EventResultsReady, map[string]any{"score": 3})
	select {
	case <-got:
		t.Fatal("event dispatched after Off")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReconnectRejoinsRooms(t *testing.T) {
	fs := newFakeServer(t)
	c := dial(t, fs)
	<-fs.auth

	statuses := make(chan Status, 8)
	c.OnStatus("test", func(st Status, _ error) { statuses <- st })

	if err := c.Join(context.Background(), "session:abc"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	expectJoin(t, fs, "session:abc")

	fs.dropAll()

	expectJoin(t, fs, "session:abc")

	deadline := time.After(2 * time.Second)
	sawReconnecting := false
	for {
		select {
		case st := <-statuses:
			if st == StatusReconnecting {
				sawReconnecting = true
			}
			if st == StatusConnected {
				if !sawReconnecting {
					t.Error("connected without reconnecting first")
				}
				if c.Status() != StatusConnected {
					t.Errorf("Status() = %s", c.Status())
				}
				return
			}
		case <-deadline:
			t.Fatal("never reported CONNECTED after reconnect")
		}
	}
}

func TestLeaveForgetsRoom(t *testing.T) {
	fs := newFakeServer(t)
	c := dial(t, fs)
	<-fs.auth

	_ = c.Join(context.Background(), "session:x")
	expectJoin(t, fs, "session:x")
	_ = c.Leave(context.Background(), "session:x")

	select {
	case req := <-fs.joins:
		if req.Action != ActionLeave {
			t.Fatalf("request = %+v, want leave", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no leave request")
	}

	fs.dropAll()
	<-fs.auth // reconnected

	select {
	case req := <-fs.joins:
		t.Fatalf("left room rejoined: %+v", req)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseStopsReconnect(t *testing.T) {
	fs := newFakeServer(t)
	c := dial(t, fs)
	<-fs.auth

	if err := c.Close(); err != nil {
		t.Logf("Close: %v", err)
	}
	if c.Status() != StatusClosed || !c.Closed() {
		t.Fatalf("status = %s", c.Status())
	}
	if err := c.Join(context.Background(), "session:y"); err != ErrClosed {
		t.Errorf("Join after close err = %v, want ErrClosed", err)
	}

	select {
	case <-fs.auth:
		t.Fatal("client redialed after Close")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManagerSharesConnectionPerIdentity(t *testing.T) {
	fs := newFakeServer(t)
	m := NewManager(Options{URL: fs.url(), Backoff: 10 * time.Millisecond}, zerolog.Nop())
	t.Cleanup(m.Close)

	a, err := m.Connect(context.Background(), identityFor("1"))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	b, err := m.Connect(context.Background(), identityFor("1"))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if a != b {
		t.Error("second connect for same identity opened a new connection")
	}

	other, err := m.Connect(context.Background(), identityFor("2"))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if other == a {
		t.Error("distinct identities share a connection")
	}
}
