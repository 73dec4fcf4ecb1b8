package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	ws "github.com/stemsi/exstem-testengine/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams session snapshots to UI subscribers.
type WSHandler struct {
	engine   SessionEngine
	log      zerolog.Logger
	upgrader websocket.Upgrader
	// refresh re-sends the snapshot while nothing changes so the countdown
	// stays current on the UI.
	refresh time.Duration
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(engine SessionEngine, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		engine:   engine,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
		refresh:  time.Second,
	}
}

// SessionStream godoc
// WS /ws/v1/session
// Pushes the snapshot on connect and after every state change.
func (h *WSHandler) SessionStream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	h.log.Debug().Str("remote", c.ClientIP()).Msg("Snapshot subscriber connected")

	// The UI never sends anything meaningful; reading only detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !ws.IsNormalClose(err) {
					h.log.Debug().Err(err).Msg("Snapshot subscriber read ended")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(h.refresh)
	defer ticker.Stop()

	for {
		changed := h.engine.Changes()
		frame := ws.SnapshotFrame{Event: ws.EventSnapshot, Data: h.engine.Snapshot()}
		if err := ws.WriteTyped(conn, frame); err != nil {
			h.log.Debug().Err(err).Msg("Snapshot write failed")
			return
		}

		select {
		case <-closed:
			h.log.Debug().Msg("Snapshot subscriber disconnected")
			return
		case <-changed:
		case <-ticker.C:
		}
	}
}
