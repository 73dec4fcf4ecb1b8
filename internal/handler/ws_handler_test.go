package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-testengine/internal/model"
	"github.com/stemsi/exstem-testengine/internal/service"
	ws "github.com/stemsi/exstem-testengine/internal/websocket"
)

type snapshotFrame struct {
	Event ws.Event         `json:"event"`
	Data  service.Snapshot `json:"data"`
}

func TestSessionStreamPushesChanges(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := newFakeEngine()
	h := NewWSHandler(engine, zerolog.Nop(), nil)
	h.refresh = time.Hour

	r := gin.New()
	r.GET("/ws", h.SessionStream)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() snapshotFrame {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var f snapshotFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return f
	}

	first := read()
	if first.Event != ws.EventSnapshot || first.Data.Lifecycle != model.LifecycleIdle {
		t.Fatalf("first frame = %+v", first)
	}

	engine.set(service.Snapshot{Lifecycle: model.LifecycleActive, Cursor: 3})
	second := read()
	if second.Data.Lifecycle != model.LifecycleActive || second.Data.Cursor != 3 {
		t.Errorf("second frame = %+v", second.Data)
	}
}

func TestUpgraderChecksOrigin(t *testing.T) {
	up := buildUpgrader([]string{"http://localhost:5173"})

	allowed := httptest.NewRequest(http.MethodGet, "/ws", nil)
	allowed.Header.Set("Origin", "http://LOCALHOST:5173")
	if !up.CheckOrigin(allowed) {
		t.Error("configured origin rejected")
	}

	foreign := httptest.NewRequest(http.MethodGet, "/ws", nil)
	foreign.Header.Set("Origin", "http://evil.example")
	if up.CheckOrigin(foreign) {
		t.Error("foreign origin accepted")
	}

	if !buildUpgrader(nil).CheckOrigin(foreign) {
		t.Error("empty allow list should accept all origins")
	}
}
