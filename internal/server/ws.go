// internal/server/ws.go
package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/hexedge/deskpilot/internal/transcript"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer. The feed is one-directional;
	// clients only send control frames.
	maxMessageSize = 4096
)

// wsFeed streams a session's transcript turns to one websocket client.
type wsFeed struct {
	conn   *websocket.Conn
	turns  <-chan transcript.Turn
	cancel func()
	logger *zap.Logger
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
}

// serve runs the read and write pumps until either side closes.
func (f *wsFeed) serve() {
	done := make(chan struct{})
	go f.readPump(done)
	f.writePump(done)
}

// readPump discards client messages and keeps the pong deadline fresh. Its
// only real job is noticing the peer went away.
func (f *wsFeed) readPump(done chan<- struct{}) {
	defer close(done)
	f.conn.SetReadLimit(maxMessageSize)
	_ = f.conn.SetReadDeadline(time.Now().Add(pongWait))
	f.conn.SetPongHandler(func(string) error {
		return f.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := f.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				f.logger.Warn("Websocket client read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards transcript turns and pings the peer on a ticker.
func (f *wsFeed) writePump(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		f.cancel()
		_ = f.conn.Close()
	}()

	for {
		select {
		case turn, ok := <-f.turns:
			_ = f.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Transcript shut down; the session is over.
				_ = f.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished"))
				return
			}
			payload, err := json.Marshal(turn)
			if err != nil {
				f.logger.Error("Failed to marshal transcript turn", zap.Error(err))
				continue
			}
			if err := f.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = f.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := f.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
